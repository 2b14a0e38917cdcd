package authclient

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type retriedKey struct{}

// markRetried flags a request context as already retried after a refresh.
func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(req *http.Request) bool {
	retried, _ := req.Context().Value(retriedKey{}).(bool)
	return retried
}

// bearerTransport attaches the provider's current access token to every
// outgoing request. It never fails a request: without a token the request is
// sent as is and the server decides.
type bearerTransport struct {
	provider TokenProvider
	next     http.RoundTripper
	logger   zerolog.Logger
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}

	r := req.Clone(req.Context())
	if r.Header.Get("X-Request-ID") == "" {
		r.Header.Set("X-Request-ID", uuid.NewString())
	}

	// A retry carrying the token handed out by the refresh keeps it.
	if isRetried(r) && r.Header.Get("Authorization") != "" {
		return send(next, r)
	}

	token, err := t.provider.Token(r.Context())
	switch {
	case err != nil:
		t.logger.Debug().Err(err).Str("url", redactedURL(r)).Msg("no access token, sending request without it")
	case token == "":
		t.logger.Debug().Str("url", redactedURL(r)).Msg("no access token, sending request without it")
	default:
		r.Header.Set("Authorization", "Bearer "+token)
	}

	return send(next, r)
}

// send round trips r and points the response at it, so the client can tell
// which token a rejected request carried.
func send(next http.RoundTripper, r *http.Request) (*http.Response, error) {
	resp, err := next.RoundTrip(r)
	if resp != nil {
		resp.Request = r
	}
	return resp, err
}
