// Package lms exposes the LMS REST resources the command line client reads.
package lms

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Doer sends HTTP requests. *authclient.Client and *http.Client both satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Service reads and writes LMS resources relative to an API base URL.
type Service struct {
	client  Doer
	baseURL *url.URL
}

// NewService creates a Service for the API rooted at baseURL.
func NewService(client Doer, baseURL string) (*Service, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse API base URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("API base URL must be absolute, got %q", baseURL)
	}
	return &Service{client: client, baseURL: u}, nil
}

func (s *Service) Classes(ctx context.Context) ([]Class, error) {
	return getList[Class](ctx, s, "/api/classes", nil)
}

func (s *Service) Assignments(ctx context.Context, classID string) ([]Assignment, error) {
	return getList[Assignment](ctx, s, "/api/classes/"+url.PathEscape(classID)+"/assignments", nil)
}

func (s *Service) Notifications(ctx context.Context) ([]Notification, error) {
	return getList[Notification](ctx, s, "/api/notifications", nil)
}

func (s *Service) Rankings(ctx context.Context, classID string) ([]Ranking, error) {
	return getList[Ranking](ctx, s, "/api/classes/"+url.PathEscape(classID)+"/rankings", nil)
}

func (s *Service) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search query cannot be empty")
	}
	return getList[SearchResult](ctx, s, "/api/search", url.Values{"q": {query}})
}

// SubmitAssignment hands in a submission for the given assignment.
func (s *Service) SubmitAssignment(ctx context.Context, assignmentID string, sub Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return errors.Wrap(err, "encode submission")
	}

	path := "/api/assignments/" + url.PathEscape(assignmentID) + "/submissions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.resolve(path, nil), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "create submission request")
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := s.send(req)
	if err != nil {
		return errors.Wrapf(err, "submit assignment %s", assignmentID)
	}
	return body.Close()
}

// Raw fetches an arbitrary API path and returns the body as is.
func (s *Service) Raw(ctx context.Context, path string) ([]byte, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse path %q", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.resolve(ref.Path, ref.Query()), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := s.send(req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

func (s *Service) resolve(path string, query url.Values) string {
	u := *s.baseURL
	u.Path = strings.TrimRight(s.baseURL.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *Service) send(req *http.Request) (io.ReadCloser, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, errors.Newf("%s %s: unexpected status %s", req.Method, req.URL.Redacted(), resp.Status)
	}
	return resp.Body, nil
}

// getList decodes either a bare JSON array or a {"data": [...]} envelope.
func getList[T any](ctx context.Context, s *Service, path string, query url.Values) ([]T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.resolve(path, query), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := s.send(req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
		return items, nil
	}

	var envelope struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return envelope.Data, nil
}
