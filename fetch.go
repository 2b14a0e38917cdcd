package main

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/lms-cli/lms"
	"github.com/go-authgate/lms-cli/tui"
)

// defaultPaths is what a dashboard load requests when no paths are given.
var defaultPaths = []string{"/api/notifications", "/api/classes"}

const maxConcurrentFetches = 4

type fetchResult struct {
	ok     int
	failed int
}

// fetchAll requests every path concurrently. When the session expires all of
// them hit 401 together and share a single token refresh.
func fetchAll(ctx context.Context, svc *lms.Service, paths []string, d tui.Displayer) fetchResult {
	d.Fetching(paths)

	var ok, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)

	for _, path := range paths {
		g.Go(func() error {
			body, err := svc.Raw(ctx, path)
			if err != nil {
				failed.Add(1)
				d.FetchFailed(path, err)
				return nil
			}
			ok.Add(1)
			d.FetchOK(path, summarize(body))
			return nil
		})
	}
	_ = g.Wait()

	return fetchResult{ok: int(ok.Load()), failed: int(failed.Load())}
}

// summarize describes a JSON response body in a few words.
func summarize(body []byte) string {
	root := json.Get(body)
	switch root.ValueType() {
	case jsoniter.ArrayValue:
		return fmt.Sprintf("%d items", root.Size())
	case jsoniter.ObjectValue:
		if data := root.Get("data"); data.ValueType() == jsoniter.ArrayValue {
			return fmt.Sprintf("%d items", data.Size())
		}
		return fmt.Sprintf("object with %d fields", len(root.Keys()))
	}
	return fmt.Sprintf("%d bytes", len(body))
}

// notificationTracker remembers which notifications were already reported.
type notificationTracker struct {
	seen map[string]struct{}
}

func newNotificationTracker() *notificationTracker {
	return &notificationTracker{seen: make(map[string]struct{})}
}

// unseen returns the unread notifications not reported before, oldest first.
func (t *notificationTracker) unseen(items []lms.Notification) []lms.Notification {
	var fresh []lms.Notification
	for _, n := range items {
		if _, ok := t.seen[n.ID]; ok {
			continue
		}
		t.seen[n.ID] = struct{}{}
		if !n.Read {
			fresh = append(fresh, n)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})
	return fresh
}

// watchNotifications polls the notification feed until ctx is done. A failed
// poll gives relogin the chance to restore a session the client gave up on;
// a failed sign-in ends the watch.
func watchNotifications(
	ctx context.Context,
	svc *lms.Service,
	interval time.Duration,
	d tui.Displayer,
	relogin func(context.Context) (bool, error),
) error {
	tracker := newNotificationTracker()
	poll := func() error {
		for {
			items, err := svc.Notifications(ctx)
			if err == nil {
				for _, n := range tracker.unseen(items) {
					d.NewNotification(n.Title, n.Body, n.CreatedAt)
				}
				return nil
			}
			// The client already notified the user.
			logger.Debug().Err(err).Msg("notification poll failed")

			signedIn, err := relogin(ctx)
			if err != nil || !signedIn {
				return err
			}
			// Signed in again: poll right away instead of waiting a tick.
		}
	}

	d.Watching(interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := poll(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.Fatal(err)
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
