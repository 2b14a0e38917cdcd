package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func lockCtx(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestFileLock_BasicAcquireRelease(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "tokens.json")

	lock, err := acquireFileLock(lockCtx(t), testFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	lockPath := testFile + ".lock"
	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("Lock file was not created: %v", err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("Lock file holds %q, want our PID", data)
	}

	if err := lock.release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}

	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Lock file was not removed after release")
	}
}

func TestFileLock_ConcurrentAccess(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "tokens.json")

	const goroutines = 10
	const iterations = 5

	var (
		holders      atomic.Int32
		successCount atomic.Int32
		wg           sync.WaitGroup
	)

	wg.Add(goroutines)
	for i := range goroutines {
		go func() {
			defer wg.Done()

			for j := range iterations {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				lock, err := acquireFileLock(ctx, testFile)
				cancel()
				if err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to acquire lock: %v", i, j, err)
					return
				}

				if n := holders.Add(1); n != 1 {
					t.Errorf("Goroutine %d: %d holders at once", i, n)
				}
				time.Sleep(5 * time.Millisecond)
				holders.Add(-1)
				successCount.Add(1)

				if err := lock.release(); err != nil {
					t.Errorf("Goroutine %d iteration %d: Failed to release lock: %v", i, j, err)
					return
				}
			}
		}()
	}

	wg.Wait()

	expected := int32(goroutines * iterations)
	if successCount.Load() != expected {
		t.Errorf("Expected %d successful operations, got %d", expected, successCount.Load())
	}

	if _, err := os.Stat(testFile + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Lock file still exists after all goroutines finished")
	}
}

func TestFileLock_StaleLockIsRemoved(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "tokens.json")
	lockPath := testFile + ".lock"

	if err := os.WriteFile(lockPath, []byte("99999"), 0o600); err != nil {
		t.Fatalf("Failed to create stale lock: %v", err)
	}
	staleTime := time.Now().Add(-lockStaleAfter - 5*time.Second)
	if err := os.Chtimes(lockPath, staleTime, staleTime); err != nil {
		t.Fatalf("Failed to set stale lock time: %v", err)
	}

	lock, err := acquireFileLock(lockCtx(t), testFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock after stale lock: %v", err)
	}
	defer lock.release()

	if lock.lockFile == nil {
		t.Errorf("Lock file handle is nil")
	}
}

func TestFileLock_BlockedByActiveLock(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "tokens.json")

	lock1, err := acquireFileLock(lockCtx(t), testFile)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		lock2, err := acquireFileLock(lockCtx(t), testFile)
		if err != nil {
			errChan <- err
			return
		}
		errChan <- lock2.release()
	}()

	time.Sleep(200 * time.Millisecond)

	select {
	case <-errChan:
		t.Fatalf("Second lock acquired while first lock was active")
	default:
	}

	if err := lock1.release(); err != nil {
		t.Fatalf("Failed to release first lock: %v", err)
	}

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Second lock failed after first lock released: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Second lock timed out after first lock released")
	}
}

func TestFileLock_ContextDeadline(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "tokens.json")
	lockPath := testFile + ".lock"

	// A fresh lock held by somebody else.
	if err := os.WriteFile(lockPath, []byte("1"), 0o600); err != nil {
		t.Fatalf("Failed to create fresh lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := acquireFileLock(ctx, testFile)
	duration := time.Since(start)

	if err == nil {
		t.Fatalf("Expected timeout error, but lock was acquired")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded in error chain, got: %v", err)
	}
	if duration < 400*time.Millisecond || duration > 2*time.Second {
		t.Errorf("Expected to give up around the deadline, took %v", duration)
	}

	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("Fresh lock held by another process was removed: %v", err)
	}
}

func TestFileLock_MultipleReleases(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "tokens.json")

	lock, err := acquireFileLock(lockCtx(t), testFile)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	if err := lock.release(); err != nil {
		t.Errorf("First release failed: %v", err)
	}
	if err := lock.release(); err == nil {
		t.Errorf("Second release should report the lock is already gone")
	}
}

func BenchmarkFileLock_AcquireRelease(b *testing.B) {
	testFile := filepath.Join(b.TempDir(), "tokens.json")
	ctx := context.Background()

	for b.Loop() {
		lock, err := acquireFileLock(ctx, testFile)
		if err != nil {
			b.Fatalf("Failed to acquire lock: %v", err)
		}
		if err := lock.release(); err != nil {
			b.Fatalf("Failed to release lock: %v", err)
		}
	}
}
