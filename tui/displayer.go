package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/lms-cli/authclient"
)

// Displayer abstracts all user-facing output of the CLI. It doubles as the
// API client's notifier, so toasts and progress share one surface.
type Displayer interface {
	authclient.Notifier

	Banner()
	SessionFound()
	SessionValid()
	SessionExpired()
	SessionNotFound()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	AuthSuccess()
	TokenSaved(path string)
	TokenSaveFailed(err error)
	SignedOut(err error)
	Fetching(paths []string)
	FetchOK(path, summary string)
	FetchFailed(path string, err error)
	Done(ok, failed int)
	Watching(interval time.Duration)
	NewNotification(title, body string, createdAt time.Time)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

// printf serializes writes; fetches report from several goroutines.
func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Notify(title, description string, severity authclient.Severity) {
	if description == "" {
		p.printf("[%s] %s\n", severity, title)
		return
	}
	p.printf("[%s] %s: %s\n", severity, title, description)
}

func (p *PlainDisplayer) Banner() {
	p.printf("=== LMS Client ===\n\n")
}

func (p *PlainDisplayer) SessionFound() {
	p.printf("Found a saved session.\n")
}

func (p *PlainDisplayer) SessionValid() {
	p.printf("Access token is still valid, using it...\n")
}

func (p *PlainDisplayer) SessionExpired() {
	p.printf("Access token expired.\n")
}

func (p *PlainDisplayer) SessionNotFound() {
	p.printf("No saved session, signing in...\n")
}

func (p *PlainDisplayer) Refreshing() {
	p.printf("Refreshing access token...\n")
}

func (p *PlainDisplayer) RefreshOK() {
	p.printf("Token refreshed successfully!\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	var b strings.Builder
	b.WriteString("----------------------------------------\n")
	fmt.Fprintf(&b, "Please open this link to sign in:\n%s\n", verifyURIComplete)
	fmt.Fprintf(&b, "\nOr manually visit: %s\n", verifyURI)
	fmt.Fprintf(&b, "And enter code: %s\n", userCode)
	fmt.Fprintf(&b, "The code expires at %s.\n", expiry.Format(time.Kitchen))
	b.WriteString("----------------------------------------\n\n")
	p.printf("%s", b.String())
}

func (p *PlainDisplayer) WaitingForAuth() {
	p.printf("Waiting for authorization...\n")
}

func (p *PlainDisplayer) PollSlowDown(newInterval time.Duration) {
	p.printf("Server requested slower polling, new interval: %s\n", newInterval)
}

func (p *PlainDisplayer) AuthSuccess() {
	p.printf("\nSigned in!\n")
}

func (p *PlainDisplayer) TokenSaved(path string) {
	p.printf("Tokens saved to %s\n", path)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	p.printf("Warning: Failed to save tokens: %v\n", err)
}

func (p *PlainDisplayer) SignedOut(err error) {
	p.printf("Session ended (%v), please sign in again.\n", err)
}

func (p *PlainDisplayer) Fetching(paths []string) {
	p.printf("Loading %s...\n", strings.Join(paths, ", "))
}

func (p *PlainDisplayer) FetchOK(path, summary string) {
	p.printf("  %s: %s\n", path, summary)
}

func (p *PlainDisplayer) FetchFailed(path string, err error) {
	p.printf("  %s failed: %v\n", path, err)
}

func (p *PlainDisplayer) Done(ok, failed int) {
	p.printf("\n========================================\n")
	p.printf("Loaded: %d  Failed: %d\n", ok, failed)
	p.printf("========================================\n")
}

func (p *PlainDisplayer) Watching(interval time.Duration) {
	p.printf("Watching notifications every %s (Ctrl+C to stop)...\n", interval)
}

func (p *PlainDisplayer) NewNotification(title, body string, createdAt time.Time) {
	p.printf("[%s] %s\n", createdAt.Local().Format(time.DateTime), title)
	if body != "" {
		p.printf("    %s\n", body)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Notify(_, _ string, _ authclient.Severity)   {}
func (NoopDisplayer) Banner()                                     {}
func (NoopDisplayer) SessionFound()                               {}
func (NoopDisplayer) SessionValid()                               {}
func (NoopDisplayer) SessionExpired()                             {}
func (NoopDisplayer) SessionNotFound()                            {}
func (NoopDisplayer) Refreshing()                                 {}
func (NoopDisplayer) RefreshOK()                                  {}
func (NoopDisplayer) RefreshFailed(_ error)                       {}
func (NoopDisplayer) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (NoopDisplayer) WaitingForAuth()                             {}
func (NoopDisplayer) PollSlowDown(_ time.Duration)                {}
func (NoopDisplayer) AuthSuccess()                                {}
func (NoopDisplayer) TokenSaved(_ string)                         {}
func (NoopDisplayer) TokenSaveFailed(_ error)                     {}
func (NoopDisplayer) SignedOut(_ error)                           {}
func (NoopDisplayer) Fetching(_ []string)                         {}
func (NoopDisplayer) FetchOK(_, _ string)                         {}
func (NoopDisplayer) FetchFailed(_ string, _ error)               {}
func (NoopDisplayer) Done(_, _ int)                               {}
func (NoopDisplayer) Watching(_ time.Duration)                    {}
func (NoopDisplayer) NewNotification(_, _ string, _ time.Time)    {}
func (NoopDisplayer) Fatal(_ error)                               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Notify(title, description string, severity authclient.Severity) {
	t.p.Send(MsgToast{Title: title, Description: description, Severity: severity})
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound() {
	t.p.Send(MsgSessionFound{})
}

func (t *ProgramDisplayer) SessionValid() {
	t.p.Send(MsgSessionValid{})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	t.p.Send(MsgDeviceCodeReady{
		UserCode:          userCode,
		VerifyURI:         verifyURI,
		VerifyURIComplete: verifyURIComplete,
		Expiry:            expiry,
	})
}

func (t *ProgramDisplayer) WaitingForAuth() {
	t.p.Send(MsgWaitingForAuth{})
}

func (t *ProgramDisplayer) PollSlowDown(newInterval time.Duration) {
	t.p.Send(MsgPollSlowDown{NewInterval: newInterval})
}

func (t *ProgramDisplayer) AuthSuccess() {
	t.p.Send(MsgAuthSuccess{})
}

func (t *ProgramDisplayer) TokenSaved(path string) {
	t.p.Send(MsgTokenSaved{Path: path})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) SignedOut(err error) {
	t.p.Send(MsgSignedOut{Err: err})
}

func (t *ProgramDisplayer) Fetching(paths []string) {
	t.p.Send(MsgFetching{Paths: paths})
}

func (t *ProgramDisplayer) FetchOK(path, summary string) {
	t.p.Send(MsgFetchOK{Path: path, Summary: summary})
}

func (t *ProgramDisplayer) FetchFailed(path string, err error) {
	t.p.Send(MsgFetchFailed{Path: path, Err: err})
}

func (t *ProgramDisplayer) Done(ok, failed int) {
	t.p.Send(MsgDone{OK: ok, Failed: failed})
}

func (t *ProgramDisplayer) Watching(interval time.Duration) {
	t.p.Send(MsgWatching{Interval: interval})
}

func (t *ProgramDisplayer) NewNotification(title, body string, createdAt time.Time) {
	t.p.Send(MsgNewNotification{Title: title, Body: body, CreatedAt: createdAt})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
