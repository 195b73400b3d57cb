package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sbk/internal/logging"
	"time"

	"github.com/google/uuid"
)

func ManifestDir(dataDir string) string {
	return filepath.Join(dataDir, "manifests")
}

func TempDir(dataDir string) string {
	return filepath.Join(dataDir, "temp")
}

func RunDir(dataDir string) string {
	return filepath.Join(dataDir, "run")
}

func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

func LockPath(dataDir, backupSetID string) string {
	return filepath.Join(RunDir(dataDir), backupSetID+".lock")
}

// ArchiveName is the container file name for one run of a backup set.
func ArchiveName(backupSetID, runID string) string {
	return fmt.Sprintf("%s_%s.zip", backupSetID, runID)
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteFileAtomic replaces path with data via a synced temp file in the same
// directory and a rename, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (retErr error) {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if retErr != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// SetupLogging logs to <data_dir>/logs/<date>.log, following the date as
// the process keeps running.
func SetupLogging(dataDir string, consoleLevel slog.Level) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(LogDir(dataDir), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(func(t time.Time) string {
		return DailyLogPath(dataDir, t)
	}, consoleLevel)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}

// DailyLogPath returns the log file for the given day.
func DailyLogPath(dataDir string, now time.Time) string {
	return filepath.Join(LogDir(dataDir), fmt.Sprintf("%s.log", now.Format("2006-01-02")))
}

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
