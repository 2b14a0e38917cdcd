package lms

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/lms-cli/authclient"
)

type staticTokens struct {
	token     atomic.Value
	refreshes atomic.Int32
}

func (s *staticTokens) Token(context.Context) (string, error) {
	tok, _ := s.token.Load().(string)
	return tok, nil
}

func (s *staticTokens) ForceRefresh(context.Context) (string, error) {
	s.refreshes.Add(1)
	s.token.Store("fresh")
	return "fresh", nil
}

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := NewService(http.DefaultClient, srv.URL+"/")
	require.NoError(t, err)
	return svc
}

func TestNewService_RejectsRelativeURL(t *testing.T) {
	_, err := NewService(http.DefaultClient, "/api")
	require.Error(t, err)
}

func TestClasses_BareArray(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/classes", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, `[{"id":"c1","name":"Algebra","subject":"Math","teacher":"Ms. Okafor"}]`)
	})

	classes, err := svc.Classes(context.Background())
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, Class{ID: "c1", Name: "Algebra", Subject: "Math", Teacher: "Ms. Okafor"}, classes[0])
}

func TestNotifications_Envelope(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notifications", r.URL.Path)
		_, _ = io.WriteString(w, `{"data":[
			{"id":"n1","title":"Grade posted","read":false,"created_at":"2026-10-01T09:00:00Z"},
			{"id":"n2","title":"New comment","read":true,"created_at":"2026-10-02T09:00:00Z"}
		]}`)
	})

	notes, err := svc.Notifications(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "n1", notes[0].ID)
	assert.False(t, notes[0].Read)
	assert.Equal(t, 2026, notes[1].CreatedAt.Year())
}

func TestAssignmentsAndRankings_EscapeClassID(t *testing.T) {
	var paths []string
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		_, _ = io.WriteString(w, `[]`)
	})

	_, err := svc.Assignments(context.Background(), "class 7")
	require.NoError(t, err)
	_, err = svc.Rankings(context.Background(), "class 7")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/api/classes/class%207/assignments",
		"/api/classes/class%207/rankings",
	}, paths)
}

func TestSearch(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "photosynthesis", r.URL.Query().Get("q"))
		_, _ = io.WriteString(w, `[{"kind":"post","id":"p9","title":"Photosynthesis notes"}]`)
	})

	results, err := svc.Search(context.Background(), "photosynthesis")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "post", results[0].Kind)

	_, err = svc.Search(context.Background(), "  ")
	require.Error(t, err)
}

func TestRaw_KeepsQuery(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/posts", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		_, _ = io.WriteString(w, `{"posts":[]}`)
	})

	body, err := svc.Raw(context.Background(), "/api/posts?page=2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"posts":[]}`, string(body))
}

func TestNonSuccessStatusFromPlainClient(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := svc.Classes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestSubmitAssignment_ReplayedAfterRefresh(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		assert.Equal(t, "/api/assignments/a1/submissions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tokens := &staticTokens{}
	tokens.token.Store("stale")
	client := authclient.NewClient(tokens)

	svc, err := NewService(client, srv.URL)
	require.NoError(t, err)

	err = svc.SubmitAssignment(context.Background(), "a1", Submission{Content: "my essay"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), tokens.refreshes.Load())
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.JSONEq(t, `{"content":"my essay"}`, bodies[1])
}

func TestStatusErrorFromAuthClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"message":"not enrolled"}`)
	}))
	defer srv.Close()

	tokens := &staticTokens{}
	tokens.token.Store("fresh")
	svc, err := NewService(authclient.NewClient(tokens), srv.URL)
	require.NoError(t, err)

	_, err = svc.Classes(context.Background())
	require.Error(t, err)
	assert.True(t, authclient.IsStatus(err, http.StatusForbidden))
	assert.Contains(t, err.Error(), "not enrolled")
}
