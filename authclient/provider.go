package authclient

import "context"

// TokenProvider is the identity session the pipeline reads tokens from.
type TokenProvider interface {
	// Token returns the current access token. An empty token or an error
	// means no token is available.
	Token(ctx context.Context) (string, error)
	// ForceRefresh obtains a new access token regardless of the current one.
	ForceRefresh(ctx context.Context) (string, error)
}

// Severity classifies a user-facing notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Notifier surfaces request failures to the user.
type Notifier interface {
	Notify(title, description string, severity Severity)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(title, description string, severity Severity)

func (f NotifierFunc) Notify(title, description string, severity Severity) {
	f(title, description, severity)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, Severity) {}
