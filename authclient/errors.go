package authclient

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxErrorBody caps how much of an error response is kept on a StatusError.
const maxErrorBody = 64 << 10

var (
	// ErrRefreshFailed marks every error produced by a failed token refresh.
	ErrRefreshFailed = errors.New("access token refresh failed")

	// ErrBodyNotReplayable is returned when a 401 response cannot be retried
	// because the request body cannot be read a second time.
	ErrBodyNotReplayable = errors.New("request body cannot be replayed")
)

// StatusError is returned when the server responds with a status >= 400.
type StatusError struct {
	Method     string
	URL        string
	Status     string
	StatusCode int
	// Body is the response body, truncated to 64 KiB.
	Body []byte
	// Message is the server supplied error message, if one could be parsed.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Method, e.URL, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
}

// IsStatus reports whether err is a StatusError with the given status code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// newStatusError consumes and closes the response body.
func newStatusError(req *http.Request, resp *http.Response) *StatusError {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return &StatusError{
		Method:     req.Method,
		URL:        redactedURL(req),
		Status:     status,
		StatusCode: resp.StatusCode,
		Body:       body,
		Message:    parseErrorMessage(body),
	}
}

// parseErrorMessage extracts a human readable message from the common JSON
// error shapes returned by the LMS API and the OAuth server.
func parseErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var payload struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Detail           string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	switch {
	case payload.Message != "":
		return payload.Message
	case payload.ErrorDescription != "":
		return payload.ErrorDescription
	case payload.Detail != "":
		return payload.Detail
	default:
		return payload.Error
	}
}

func redactedURL(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.Redacted()
}

// errorMessage is the text shown in the generic failure notification.
func errorMessage(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Message != "" {
			return statusErr.Message
		}
		return statusErr.Status
	}
	return strings.TrimSpace(err.Error())
}
