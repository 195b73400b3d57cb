// Package lock keeps two processes from running the same backup set at once.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sbk/internal/util"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrLocked = errors.New("backup set is locked")

// errLockChanged means the lock file no longer holds the entry a stale
// takeover was based on.
var errLockChanged = errors.New("lock changed during takeover")

type Entry struct {
	Pid       int    `yaml:"pid"`
	BackupSet string `yaml:"backup_set"`
	StartedAt string `yaml:"started_at"`
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// createLock publishes a fully written entry at path, failing with an
// os.IsExist error when a lock is already there.
func createLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// AcquireSet locks one backup set under <data_dir>/run.
func AcquireSet(dataDir, backupSetID string) (func() error, error) {
	if err := os.MkdirAll(util.RunDir(dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return Acquire(util.LockPath(dataDir, backupSetID), backupSetID)
}

// Acquire creates the lock file, reclaiming it when the recorded process is
// gone. Returns a release function which should be called (deferred) when
// work is done.
func Acquire(lockPath, backupSetID string) (func() error, error) {
	entry := &Entry{
		Pid:       os.Getpid(),
		BackupSet: backupSetID,
		StartedAt: time.Now().Format(time.RFC3339),
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := createLock(lockPath, entry)
		if err == nil {
			return releaseFunc(lockPath), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock %s: %w", filepath.Base(lockPath), err)
		}

		existing, err := readLock(lockPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read lock %s: %w", filepath.Base(lockPath), err)
		}
		if existing != nil && isProcessAlive(existing.Pid) {
			return nil, fmt.Errorf("%w: already locked by pid %d (started %s)", ErrLocked, existing.Pid, existing.StartedAt)
		}

		if existing == nil {
			continue
		}
		slog.Warn("Removing stale lock", "path", lockPath, "pid", existing.Pid)
		if err := takeOverStale(lockPath, *existing); err != nil {
			if errors.Is(err, errLockChanged) {
				continue
			}
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: lost race for %s", ErrLocked, filepath.Base(lockPath))
}

// takeOverStale removes the lock at path only if it still holds stale. The
// file is first renamed aside so a lock published by another process after
// stale was read is never deleted; such a lock is linked back in place.
func takeOverStale(path string, stale Entry) error {
	aside := fmt.Sprintf("%s.stale-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer os.Remove(aside)

	got, err := readLock(aside)
	if err != nil {
		return err
	}
	if got != nil && *got == stale {
		return nil
	}

	if err := os.Link(aside, path); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to restore lock %s: %w", filepath.Base(path), err)
	}
	return errLockChanged
}

func releaseFunc(lockPath string) func() error {
	return func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
}
