package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/lms-cli/tui"
)

// slowDownStep is how much the oauth2 package widens the poll interval on
// every slow_down answer (RFC 8628 section 3.5).
const slowDownStep = 5 * time.Second

// oauthConfig describes this CLI as a public client of the authorization server.
func oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: serverURL + "/oauth/device/code",
			TokenURL:      serverURL + "/oauth/token",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		Scopes: []string{"read", "write"},
	}
}

// retryTransport sends token endpoint traffic through the retrying client.
type retryTransport struct{}

func (retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return retryClient.DoWithContext(req.Context(), req)
}

// withTokenClient makes the oauth2 calls made with ctx go through rt.
func withTokenClient(ctx context.Context, rt http.RoundTripper, timeout time.Duration) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: rt, Timeout: timeout})
}

// validateToken checks what the token endpoint handed out.
func validateToken(tok *oauth2.Token) error {
	if tok.AccessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(tok.AccessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(tok.AccessToken))
	}

	if tok.ExpiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", tok.ExpiresIn)
	}

	// token_type is optional, but must be Bearer when present.
	if tok.TokenType != "" && !strings.EqualFold(tok.TokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tok.TokenType)
	}

	return nil
}

// signIn runs the device authorization flow and persists the new tokens. It
// is the login surface the client falls back to whenever the session is lost.
func signIn(ctx context.Context, d tui.Displayer) (*TokenStorage, error) {
	config := oauthConfig()

	deviceAuth, err := requestDeviceCode(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}

	d.DeviceCodeReady(
		deviceAuth.UserCode,
		deviceAuth.VerificationURI,
		deviceAuth.VerificationURIComplete,
		deviceAuth.Expiry,
	)

	d.WaitingForAuth()
	token, err := pollForToken(ctx, config, deviceAuth, d)
	if err != nil {
		return nil, fmt.Errorf("token poll failed: %w", err)
	}

	d.AuthSuccess()

	storage := &TokenStorage{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
		ClientID:     clientID,
	}

	if err := saveTokens(storage); err != nil {
		d.TokenSaveFailed(err)
	} else {
		d.TokenSaved(tokenFile)
	}

	return storage, nil
}

// requestDeviceCode starts the device flow; transient failures are retried.
func requestDeviceCode(ctx context.Context, config *oauth2.Config) (*oauth2.DeviceAuthResponse, error) {
	reqCtx := withTokenClient(ctx, retryTransport{}, deviceCodeRequestTimeout)

	deviceAuth, err := config.DeviceAuth(reqCtx)
	if err != nil {
		return nil, err
	}

	if deviceAuth.DeviceCode == "" || deviceAuth.UserCode == "" {
		return nil, errors.New("device code response is missing device_code or user_code")
	}

	if deviceAuth.VerificationURIComplete == "" {
		deviceAuth.VerificationURIComplete = deviceAuth.VerificationURI
	}

	return deviceAuth, nil
}

// pollForToken waits until the user approves the device. The oauth2 package
// drives the polling; slow_down answers are reported to d as they pass by.
func pollForToken(
	ctx context.Context,
	config *oauth2.Config,
	deviceAuth *oauth2.DeviceAuthResponse,
	d tui.Displayer,
) (*oauth2.Token, error) {
	watcher := newSlowDownWatcher(retryTransport{}, deviceAuth.Interval, d)

	token, err := config.DeviceAccessToken(withTokenClient(ctx, watcher, tokenExchangeTimeout), deviceAuth)
	if err != nil {
		return nil, deviceFlowError(err)
	}

	if err := validateToken(token); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	return token, nil
}

// deviceFlowError turns token endpoint rejections into messages for the user.
func deviceFlowError(err error) error {
	var oauthErr *oauth2.RetrieveError
	if !errors.As(err, &oauthErr) {
		return err
	}

	switch oauthErr.ErrorCode {
	case "expired_token":
		return errors.New("device code expired, please restart the flow")
	case "access_denied":
		return errors.New("user denied authorization")
	case "":
		return fmt.Errorf("token exchange failed with status %d", oauthErr.Response.StatusCode)
	}
	return fmt.Errorf("authorization failed: %s - %s", oauthErr.ErrorCode, oauthErr.ErrorDescription)
}

// slowDownWatcher peeks at token endpoint errors and tracks the interval the
// oauth2 package is polling at.
type slowDownWatcher struct {
	next     http.RoundTripper
	interval atomic.Int64
	d        tui.Displayer
}

func newSlowDownWatcher(next http.RoundTripper, intervalSeconds int64, d tui.Displayer) *slowDownWatcher {
	if intervalSeconds <= 0 {
		intervalSeconds = 5 // RFC 8628 default
	}
	w := &slowDownWatcher{next: next, d: d}
	w.interval.Store(int64(time.Duration(intervalSeconds) * time.Second))
	return w
}

func (w *slowDownWatcher) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := w.next.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		return resp, nil
	}

	if json.Get(body, "error").ToString() == "slow_down" {
		next := time.Duration(w.interval.Add(int64(slowDownStep)))
		w.d.PollSlowDown(next)
	}
	return resp, nil
}
