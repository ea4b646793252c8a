package serial

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrWriterLockBusy is returned when another live process owns the repo lock.
var ErrWriterLockBusy = errors.New("writer lock busy")

// staleLockAge is how old a lock from a dead process must be before it is
// reclaimed without operator intervention.
const staleLockAge = 30 * time.Second

// LockFileName is the on-disk name of the writer lock inside the store dir.
const LockFileName = "writer.lock"

// lockInfo is the JSON body of the lock file.
type lockInfo struct {
	OwnerID      string `json:"owner_id"`
	PID          int    `json:"pid"`
	Host         string `json:"host"`
	RepoRoot     string `json:"repo_root"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
}

// WriterLock is the process-scoped exclusive guard over a repo's control-plane
// store. Only one runtime may hold it per repo_root; serialized mutations
// assert hold before proceeding.
type WriterLock struct {
	path     string
	repoRoot string
	ownerID  string
	nowMs    func() int64
	logger   *slog.Logger
	held     bool
}

// NewWriterLock prepares (but does not acquire) a lock for the store directory.
func NewWriterLock(storeDir, repoRoot, ownerID string, nowMs func() int64) *WriterLock {
	return &WriterLock{
		path:     filepath.Join(storeDir, LockFileName),
		repoRoot: repoRoot,
		ownerID:  ownerID,
		nowMs:    nowMs,
		logger:   slog.Default().With("component", "writer-lock"),
	}
}

// Acquire takes the lock, failing fast with ErrWriterLockBusy when a live
// owner exists. A lock left by a dead process past the stale age is reclaimed.
func (l *WriterLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	for {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			info := lockInfo{
				OwnerID:      l.ownerID,
				PID:          os.Getpid(),
				Host:         hostname(),
				RepoRoot:     l.repoRoot,
				AcquiredAtMs: l.nowMs(),
			}
			data, merr := json.Marshal(info)
			if merr != nil {
				file.Close()
				os.Remove(l.path)
				return fmt.Errorf("failed to marshal lock info: %w", merr)
			}
			if _, werr := file.Write(data); werr != nil {
				file.Close()
				os.Remove(l.path)
				return fmt.Errorf("failed to write lock file: %w", werr)
			}
			if cerr := file.Close(); cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("failed to close lock file: %w", cerr)
			}
			l.held = true
			l.logger.Info("writer lock acquired", "path", l.path, "repo_root", l.repoRoot)
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		existing, rerr := l.readExisting()
		if rerr != nil {
			// Unreadable lock file: treat as busy rather than clobbering.
			return fmt.Errorf("%w: unreadable lock at %s: %v", ErrWriterLockBusy, l.path, rerr)
		}
		if l.isLive(existing) {
			return fmt.Errorf("%w: held by pid %d on %s since %d",
				ErrWriterLockBusy, existing.PID, existing.Host, existing.AcquiredAtMs)
		}

		l.logger.Warn("reclaiming stale writer lock",
			"path", l.path, "stale_pid", existing.PID, "acquired_at_ms", existing.AcquiredAtMs)
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove stale lock: %w", rmErr)
		}
		// Loop and retry the exclusive create.
	}
}

// Release removes the lock file. Safe to call when not held.
func (l *WriterLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	l.logger.Info("writer lock released", "path", l.path)
	return nil
}

// Held reports whether this process currently holds the lock.
func (l *WriterLock) Held() bool {
	return l.held
}

// AssertHeld fails when a serialized mutation runs without lock ownership.
func (l *WriterLock) AssertHeld() error {
	if !l.held {
		return fmt.Errorf("writer lock not held for %s", l.repoRoot)
	}
	return nil
}

func (l *WriterLock) readExisting() (*lockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// isLive reports whether the recorded owner still runs. A same-host dead PID
// is stale once the age threshold passes; locks from other hosts are always
// treated as live (no cross-host liveness signal).
func (l *WriterLock) isLive(info *lockInfo) bool {
	if info.Host != hostname() {
		return true
	}
	if pidAlive(info.PID) {
		return true
	}
	age := time.Duration(l.nowMs()-info.AcquiredAtMs) * time.Millisecond
	return age < staleLockAge
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
