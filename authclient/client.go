// Package authclient is the authenticated HTTP client used to talk to the LMS
// API. It attaches the current access token to every request, refreshes the
// token once per burst of 401 responses and surfaces failures to a Notifier.
package authclient

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// Client sends requests through the authentication pipeline.
type Client struct {
	httpClient  *http.Client
	coordinator *RefreshCoordinator
	notifier    Notifier
	logger      zerolog.Logger
	metrics     *Metrics

	base           http.RoundTripper
	timeout        time.Duration
	refreshTimeout time.Duration
	onAuthFailure  func(error)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseTransport sets the transport requests are sent on.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

// WithNotifier sets where user-facing failure notifications go.
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the overall timeout of a single request attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRefreshTimeout bounds a forced token refresh. Ignored when a
// coordinator is injected with WithCoordinator.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.refreshTimeout = d
	}
}

// WithCoordinator shares an existing refresh coordinator. The coordinator's
// own failure callback, logger and metrics are used.
func WithCoordinator(rc *RefreshCoordinator) Option {
	return func(c *Client) {
		c.coordinator = rc
	}
}

// WithOnUnrecoverableAuthFailure registers the callback run once when a
// token refresh fails. Hosts clear their stored session and send the user
// back to login from it. Ignored when a coordinator is injected.
func WithOnUnrecoverableAuthFailure(fn func(error)) Option {
	return func(c *Client) {
		c.onAuthFailure = fn
	}
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a Client reading tokens from provider.
func NewClient(provider TokenProvider, opts ...Option) *Client {
	c := &Client{
		notifier: noopNotifier{},
		logger:   zerolog.Nop(),
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.coordinator == nil {
		c.coordinator = NewRefreshCoordinator(
			provider,
			OnRefreshFailure(c.onAuthFailure),
			RefreshTimeout(c.refreshTimeout),
			CoordinatorLogger(c.logger),
			CoordinatorMetrics(c.metrics),
		)
	}

	c.httpClient = &http.Client{
		Timeout: c.timeout,
		Transport: &bearerTransport{
			provider: provider,
			next:     c.base,
			logger:   c.logger,
		},
	}
	return c
}

// Coordinator returns the refresh coordinator used by the client.
func (c *Client) Coordinator() *RefreshCoordinator {
	return c.coordinator
}

// Do sends req. Responses with a status >= 400 are returned as *StatusError
// with the body already consumed; a nil error always comes with a response
// the caller must close.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.do(req)
	if err != nil {
		c.notifier.Notify("Request failed", errorMessage(err), SeverityError)
	}
	return resp, err
}

// Get sends a GET request for url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	return c.Do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeResponse("transport")
		c.logger.Warn().Err(err).Str("method", req.Method).Str("url", redactedURL(req)).Msg("request failed")
		return nil, errors.Wrapf(err, "%s %s", req.Method, redactedURL(req))
	}

	c.metrics.observeResponse(responseClass(resp.StatusCode))
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}

	statusErr := newStatusError(req, resp)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if isRetried(req) {
			c.logger.Warn().Str("url", statusErr.URL).Msg("request rejected again after token refresh")
			return nil, statusErr
		}
		return c.retryAfterRefresh(req, statusErr, sentToken(resp))

	case http.StatusForbidden:
		c.notifier.Notify(
			"Access blocked",
			"The request was blocked. You may lack permission for this resource.",
			SeverityWarning,
		)

	case http.StatusTooManyRequests:
		c.notifier.Notify(
			"Too many requests",
			"You are sending requests too quickly. Please wait a moment and try again.",
			SeverityWarning,
		)

	case http.StatusInternalServerError:
		c.logger.Error().
			Str("method", statusErr.Method).
			Str("url", statusErr.URL).
			Str("message", statusErr.Message).
			Msg("server error")
	}

	return nil, statusErr
}

// retryAfterRefresh joins the refresh episode for a 401 and sends the
// request once more. The refresh runs even when the request itself cannot be
// replayed, so the caller's next attempt carries a working token.
func (c *Client) retryAfterRefresh(req *http.Request, cause *StatusError, sent string) (*http.Response, error) {
	retry, replayErr := replayable(req)

	token, leader, err := c.coordinator.AwaitRejected(req.Context(), sent)
	if err != nil {
		return nil, err
	}

	if replayErr != nil {
		c.logger.Warn().Err(replayErr).Str("url", cause.URL).Msg("cannot retry unauthorized request")
		return nil, errors.Mark(cause, ErrBodyNotReplayable)
	}
	if leader {
		retry.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug().Str("url", cause.URL).Bool("leader", leader).Msg("retrying request with refreshed token")
	return c.do(retry)
}

// sentToken returns the bearer token resp's request carried.
func sentToken(resp *http.Response) string {
	if resp.Request == nil {
		return ""
	}
	return strings.TrimPrefix(resp.Request.Header.Get("Authorization"), "Bearer ")
}

// replayable clones req for a second attempt, rewinding its body.
func replayable(req *http.Request) (*http.Request, error) {
	retry := req.Clone(markRetried(req.Context()))
	retry.Header.Del("Authorization")

	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, ErrBodyNotReplayable
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, errors.Wrap(err, "rewind request body")
	}
	retry.Body = body
	return retry, nil
}
