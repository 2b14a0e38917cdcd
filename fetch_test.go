package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-authgate/lms-cli/authclient"
	"github.com/go-authgate/lms-cli/lms"
	"github.com/go-authgate/lms-cli/tui"
)

// fetchRecorder keeps what fetchAll and watchNotifications report.
type fetchRecorder struct {
	tui.NoopDisplayer

	mu            sync.Mutex
	ok            map[string]string
	failed        map[string]error
	notifications []string
}

func newFetchRecorder() *fetchRecorder {
	return &fetchRecorder{ok: map[string]string{}, failed: map[string]error{}}
}

func (r *fetchRecorder) FetchOK(path, summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ok[path] = summary
}

func (r *fetchRecorder) FetchFailed(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[path] = err
}

func (r *fetchRecorder) NewNotification(title, _ string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, title)
}

func (r *fetchRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notifications...)
}

// stillSignedIn is a relogin hook for a session that is never lost.
func stillSignedIn(context.Context) (bool, error) { return false, nil }

// signOutRecorder counts sign-outs and keeps the watch running.
type signOutRecorder struct {
	tui.NoopDisplayer
	signedOut atomic.Int32
	fatal     atomic.Int32
}

func (r *signOutRecorder) SignedOut(error) { r.signedOut.Add(1) }
func (r *signOutRecorder) Fatal(error)     { r.fatal.Add(1) }

// staticTokens always returns the same token and never refreshes.
type staticTokens string

func (s staticTokens) Token(context.Context) (string, error)        { return string(s), nil }
func (s staticTokens) ForceRefresh(context.Context) (string, error) { return string(s), nil }

func newTestService(t *testing.T, handler http.Handler) *lms.Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := lms.NewService(authclient.NewClient(staticTokens("test-token")), server.URL)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`[1,2,3]`, "3 items"},
		{`[]`, "0 items"},
		{`{"data":[{"id":1},{"id":2}]}`, "2 items"},
		{`{"id":"c1","name":"Go 101"}`, "object with 2 fields"},
		{`"hello"`, "7 bytes"},
	}

	for _, tt := range tests {
		if got := summarize([]byte(tt.body)); got != tt.want {
			t.Errorf("summarize(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestFetchAll_ReportsEachPath(t *testing.T) {
	svc := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/classes":
			w.Write([]byte(`[{"id":"c1"},{"id":"c2"}]`))
		case "/api/notifications":
			w.Write([]byte(`{"data":[]}`))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))

	d := newFetchRecorder()
	result := fetchAll(context.Background(), svc, []string{"/api/classes", "/api/notifications", "/api/admin"}, d)

	if result.ok != 2 || result.failed != 1 {
		t.Errorf("fetchAll() = %+v, want 2 ok and 1 failed", result)
	}
	if d.ok["/api/classes"] != "2 items" || d.ok["/api/notifications"] != "0 items" {
		t.Errorf("Unexpected summaries: %v", d.ok)
	}
	if _, ok := d.failed["/api/admin"]; !ok {
		t.Errorf("Expected /api/admin to fail, got %v", d.failed)
	}
}

func TestNotificationTracker_Unseen(t *testing.T) {
	now := time.Now()
	tracker := newNotificationTracker()

	first := tracker.unseen([]lms.Notification{
		{ID: "2", Title: "newer", CreatedAt: now},
		{ID: "1", Title: "older", CreatedAt: now.Add(-time.Hour)},
		{ID: "3", Title: "already read", Read: true, CreatedAt: now},
	})
	if len(first) != 2 || first[0].Title != "older" || first[1].Title != "newer" {
		t.Fatalf("unseen() = %+v, want older then newer", first)
	}

	second := tracker.unseen([]lms.Notification{
		{ID: "1", Title: "older", CreatedAt: now.Add(-time.Hour)},
		{ID: "4", Title: "brand new", CreatedAt: now.Add(time.Minute)},
	})
	if len(second) != 1 || second[0].ID != "4" {
		t.Errorf("unseen() = %+v, want only the new notification", second)
	}
}

func TestWatchNotifications_ReportsNewOnce(t *testing.T) {
	var mu sync.Mutex
	feed := `[{"id":"1","title":"Welcome","created_at":"2026-01-01T10:00:00Z"}]`

	svc := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Write([]byte(feed))
	}))

	d := newFetchRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchNotifications(ctx, svc, time.Second, d, stillSignedIn) }()

	waitFor(t, func() bool { return len(d.seen()) == 1 })

	mu.Lock()
	feed = `[{"id":"1","title":"Welcome","created_at":"2026-01-01T10:00:00Z"},
		{"id":"2","title":"Grade posted","created_at":"2026-01-01T11:00:00Z"}]`
	mu.Unlock()

	waitFor(t, func() bool { return len(d.seen()) == 2 })
	cancel()

	if err := <-done; err != nil {
		t.Errorf("watchNotifications() error = %v", err)
	}
	if got := d.seen(); got[0] != "Welcome" || got[1] != "Grade posted" {
		t.Errorf("Unexpected notifications: %v", got)
	}
}

func TestWatchNotifications_SignsInAgainAfterRevocation(t *testing.T) {
	fake := &lmsServer{acceptedToken: "first-access-token"}
	server := httptest.NewServer(fake)
	defer server.Close()
	withConfig(t, server.URL)
	watchInterval = time.Second

	if err := saveTokens(&TokenStorage{
		AccessToken:  "first-access-token",
		RefreshToken: "first-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("saveTokens() error = %v", err)
	}

	d := &signOutRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, d, []string{"/api/classes"}) }()

	// The initial fetch and the first notification poll.
	waitFor(t, func() bool { return fake.okHits.Load() >= 2 })

	fake.revoke("second-access-token")
	before := fake.okHits.Load()

	waitFor(t, func() bool { return fake.deviceGrants.Load() == 1 && fake.okHits.Load() > before })
	cancel()

	if err := <-done; err != nil {
		t.Errorf("run() error = %v", err)
	}
	if got := d.signedOut.Load(); got != 1 {
		t.Errorf("Expected a single sign-out, got %d", got)
	}
	if got := fake.refreshCalls.Load(); got != 1 {
		t.Errorf("Expected one refresh attempt before signing out, got %d", got)
	}
	if fake.deviceCodeReq.Load() != 1 || fake.deviceGrants.Load() != 1 {
		t.Errorf("Expected one device flow, got %d code requests and %d grants",
			fake.deviceCodeReq.Load(), fake.deviceGrants.Load())
	}
	if d.fatal.Load() != 0 {
		t.Errorf("The watch should keep running after signing in again")
	}

	stored, err := loadTokens()
	if err != nil {
		t.Fatalf("loadTokens() error = %v", err)
	}
	if stored.AccessToken != "second-access-token" {
		t.Errorf("Tokens from the new sign-in were not saved, got %q", stored.AccessToken)
	}
}

func TestWatchNotifications_StopsWhenSignInFails(t *testing.T) {
	svc := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	signInErr := errors.New("user denied authorization")
	var attempts atomic.Int32
	relogin := func(context.Context) (bool, error) {
		attempts.Add(1)
		return false, signInErr
	}

	d := &signOutRecorder{}
	err := watchNotifications(context.Background(), svc, time.Second, d, relogin)
	if !errors.Is(err, signInErr) {
		t.Errorf("watchNotifications() error = %v, want %v", err, signInErr)
	}
	if attempts.Load() != 1 || d.fatal.Load() != 1 {
		t.Errorf("Expected one sign-in attempt reported as fatal, got %d attempts and %d fatal",
			attempts.Load(), d.fatal.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
