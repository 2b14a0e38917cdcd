package tui

import (
	"time"

	"github.com/go-authgate/lms-cli/authclient"
)

// MsgToast carries a user-facing notification raised by the API client.
type MsgToast struct {
	Title       string
	Description string
	Severity    authclient.Severity
}

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that saved tokens were found on disk.
type MsgSessionFound struct{}

// MsgSessionValid signals that the saved access token is still valid.
type MsgSessionValid struct{}

// MsgSessionExpired signals that the saved access token has expired.
type MsgSessionExpired struct{}

// MsgSessionNotFound signals that no session was saved and sign-in starts.
type MsgSessionNotFound struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgDeviceCodeReady signals that the device code is ready for user action.
type MsgDeviceCodeReady struct {
	UserCode          string
	VerifyURI         string
	VerifyURIComplete string
	Expiry            time.Time
}

// MsgWaitingForAuth signals that polling for authorization has started.
type MsgWaitingForAuth struct{}

// MsgPollSlowDown signals that the server requested slower polling.
type MsgPollSlowDown struct{ NewInterval time.Duration }

// MsgAuthSuccess signals that the user signed in.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that tokens were saved to disk.
type MsgTokenSaved struct{ Path string }

// MsgTokenSaveFailed signals that saving tokens failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgSignedOut signals that the session could not be recovered and was cleared.
type MsgSignedOut struct{ Err error }

// MsgFetching signals that a batch of API requests started.
type MsgFetching struct{ Paths []string }

// MsgFetchOK signals that one API request succeeded.
type MsgFetchOK struct {
	Path    string
	Summary string
}

// MsgFetchFailed signals that one API request failed.
type MsgFetchFailed struct {
	Path string
	Err  error
}

// MsgDone signals that the batch finished.
type MsgDone struct {
	OK     int
	Failed int
}

// MsgWatching signals that notification polling started.
type MsgWatching struct{ Interval time.Duration }

// MsgNewNotification carries an unread LMS notification.
type MsgNewNotification struct {
	Title     string
	Body      string
	CreatedAt time.Time
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
