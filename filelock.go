package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	lockTimeout    = 5 * time.Second
	lockRetryDelay = 100 * time.Millisecond
	// A lock file older than this is left over by a crashed process.
	lockStaleAfter = 30 * time.Second
)

// fileLock is an exclusive lock held through a sibling ".lock" file, shared by
// every process using the same token file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock waits for the lock on filePath until ctx is done.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for {
		lock, err := tryLock(lockPath)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if removed, err := removeStaleLock(lockPath); err != nil {
			return nil, err
		} else if removed {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for file lock %s: %w", lockPath, ctx.Err())
		case <-time.After(lockRetryDelay):
		}
	}
}

func tryLock(lockPath string) (*fileLock, error) {
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	// PID for whoever inspects a stuck lock.
	_, _ = lockFile.WriteString(strconv.Itoa(os.Getpid()))
	return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
}

// removeStaleLock deletes lockPath if it is older than lockStaleAfter.
func removeStaleLock(lockPath string) (bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil {
		// Released in the meantime.
		return errors.Is(err, os.ErrNotExist), nil
	}
	if time.Since(info.ModTime()) <= lockStaleAfter {
		return false, nil
	}

	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, err)
	}
	logger.Warn().Str("path", lockPath).Msg("removed stale token file lock")
	return true, nil
}

// release releases the file lock. Releasing twice returns an error.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}
