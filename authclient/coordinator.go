package authclient

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

const defaultRefreshTimeout = 10 * time.Second

// RefreshCoordinator makes sure that a burst of requests failing with 401 at
// the same time spends a single forced refresh. The first caller to arrive
// runs the refresh; every caller arriving while it is in flight is queued and
// receives the same outcome.
//
// Create one coordinator per token provider and share it between clients.
type RefreshCoordinator struct {
	provider  TokenProvider
	timeout   time.Duration
	onFailure func(error)
	logger    zerolog.Logger
	metrics   *Metrics

	mu         sync.Mutex
	refreshing bool
	pending    []chan error
}

// CoordinatorOption configures a RefreshCoordinator.
type CoordinatorOption func(*RefreshCoordinator)

// OnRefreshFailure sets the callback invoked once per failed refresh, before
// queued requests are released.
func OnRefreshFailure(fn func(error)) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		c.onFailure = fn
	}
}

// RefreshTimeout bounds a single forced refresh.
func RefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// CoordinatorLogger sets the logger used for refresh events.
func CoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		c.logger = logger
	}
}

// CoordinatorMetrics records refresh outcomes on m.
func CoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *RefreshCoordinator) {
		c.metrics = m
	}
}

// NewRefreshCoordinator creates a coordinator refreshing through provider.
func NewRefreshCoordinator(provider TokenProvider, opts ...CoordinatorOption) *RefreshCoordinator {
	c := &RefreshCoordinator{
		provider: provider,
		timeout:  defaultRefreshTimeout,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Await joins the current refresh episode, starting one if none is running.
//
// The caller that starts the episode is the leader: it gets the refreshed
// token and leader == true. Queued callers get an empty token and rely on the
// provider returning the fresh one on their next request. On failure every
// participant gets an error marked with ErrRefreshFailed.
func (c *RefreshCoordinator) Await(ctx context.Context) (token string, leader bool, err error) {
	c.mu.Lock()
	return c.join(ctx)
}

// AwaitRejected is Await for a request rejected while carrying sent. When no
// refresh is in flight and the provider already holds a different token, an
// earlier episode has replaced sent and no new one is started.
func (c *RefreshCoordinator) AwaitRejected(ctx context.Context, sent string) (token string, leader bool, err error) {
	c.mu.Lock()
	if !c.refreshing {
		if current, tokenErr := c.provider.Token(ctx); tokenErr == nil && current != "" && current != sent {
			c.mu.Unlock()
			c.logger.Debug().Msg("token already replaced since the request was sent")
			return current, false, nil
		}
	}
	return c.join(ctx)
}

// join must be called with c.mu held and releases it.
func (c *RefreshCoordinator) join(ctx context.Context) (token string, leader bool, err error) {
	if c.refreshing {
		done := make(chan error, 1)
		c.pending = append(c.pending, done)
		queued := len(c.pending)
		c.mu.Unlock()

		c.metrics.observeQueued()
		c.logger.Debug().Int("queued", queued).Msg("waiting for in-flight token refresh")

		select {
		case err := <-done:
			return "", false, err
		case <-ctx.Done():
			return "", false, errors.Wrap(ctx.Err(), "waiting for token refresh")
		}
	}
	c.refreshing = true
	c.mu.Unlock()

	token, err = c.refresh(ctx)
	c.settle(err)
	return token, true, err
}

// refresh runs detached from the leader's cancellation: its outcome is shared
// with every queued caller.
func (c *RefreshCoordinator) refresh(ctx context.Context) (string, error) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	c.logger.Info().Msg("refreshing access token")
	token, err := c.provider.ForceRefresh(refreshCtx)
	if err == nil && token == "" {
		err = errors.New("provider returned an empty access token")
	}
	c.metrics.observeRefresh(err)

	if err != nil {
		err = errors.Mark(errors.Wrap(err, "refresh access token"), ErrRefreshFailed)
		c.logger.Warn().Err(err).Msg("token refresh failed")
		if c.onFailure != nil {
			c.onFailure(err)
		}
		return "", err
	}

	c.logger.Info().Msg("access token refreshed")
	return token, nil
}

// settle releases every queued caller with the episode's outcome and returns
// the coordinator to idle.
func (c *RefreshCoordinator) settle(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, done := range pending {
		done <- err
	}
}

// Refreshing reports whether a refresh is in flight.
func (c *RefreshCoordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}

// Pending returns the number of callers waiting on the in-flight refresh.
func (c *RefreshCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
