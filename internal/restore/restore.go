// Package restore brings the files of one manifest back from its local
// archive, its split parts, or the cloud copy.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sbk/internal/archive"
	"sbk/internal/config"
	"sbk/internal/crypto"
	"sbk/internal/manifest"
	"sbk/internal/remote"
	"sbk/internal/util"

	"github.com/dustin/go-humanize"
)

const (
	SourceLocal = "local"
	SourceS3    = "s3"
)

var ErrNoManifest = errors.New("no manifest found")

type Options struct {
	SetID string
	// ManifestID selects a specific run; empty means the set's latest.
	ManifestID string
	Target     string
	Source     string
	DryRun     bool
}

type Result struct {
	Manifest *manifest.Manifest
	Files    int
}

func Run(ctx context.Context, configPath string, opts Options, w io.Writer) error {
	slog.Info("Restore started", "set", opts.SetID, "manifest", opts.ManifestID, "target", opts.Target,
		"source", opts.Source, "dryRun", opts.DryRun)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.SetID != "" {
		if _, err := cfg.FindBackupSet(opts.SetID); err != nil {
			return err
		}
	}

	var dl remote.Downloader
	if opts.Source == SourceS3 && !opts.DryRun {
		if !cfg.S3.Enabled {
			return fmt.Errorf("S3 is not enabled in config")
		}
		storageClass := cfg.S3StorageClass()
		if err := remote.ValidateStorageClass(string(storageClass)); err != nil {
			return fmt.Errorf("cannot restore from S3: %w", err)
		}

		backend, err := remote.NewS3(ctx, cfg.S3.Bucket, cfg.S3.Region,
			cfg.S3.Prefix, cfg.S3.Endpoint, storageClass, cfg.S3RetryAttempts())
		if err != nil {
			return fmt.Errorf("failed to initialize S3 backend: %w", err)
		}
		if err := backend.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("AWS credentials verification failed: %w", err)
		}
		dl = backend
	}

	store := manifest.NewStore(cfg.DataDir, util.RealClock{})
	_, err = Restore(ctx, store, dl, opts, w)
	return err
}

// Restore extracts the selected manifest's archive into opts.Target. dl is
// only used for the s3 source.
func Restore(ctx context.Context, store *manifest.Store, dl remote.Downloader, opts Options, w io.Writer) (*Result, error) {
	if opts.Source == "" {
		opts.Source = SourceLocal
	}
	if opts.Source != SourceLocal && opts.Source != SourceS3 {
		return nil, fmt.Errorf("unknown restore source %q (want local or s3)", opts.Source)
	}
	if opts.Target == "" && !opts.DryRun {
		return nil, fmt.Errorf("restore target must be specified")
	}

	m, err := selectManifest(store, opts)
	if err != nil {
		return nil, err
	}
	slog.Info("Manifest loaded", "id", m.ID, "set", m.BackupSetID, "files", len(m.Files), "parts", len(m.Parts))

	if opts.DryRun {
		printPlan(w, m, opts)
		return &Result{Manifest: m}, nil
	}

	tempDir, err := os.MkdirTemp("", "sbk_restore_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		slog.Debug("Cleaning up temp directory", "path", tempDir)
		if err := os.RemoveAll(tempDir); err != nil {
			slog.Warn("Failed to remove temp directory", "error", err)
		}
	}()

	var archivePath string
	switch opts.Source {
	case SourceS3:
		if dl == nil {
			return nil, fmt.Errorf("no downloader configured for s3 source")
		}
		archivePath, err = fetchRemote(ctx, dl, m, tempDir)
	default:
		archivePath, err = locateLocal(m, tempDir)
	}
	if err != nil {
		return nil, err
	}

	if m.ArchiveHash != "" {
		if err := crypto.VerifyFile(archivePath, m.ArchiveHash); err != nil {
			return nil, fmt.Errorf("archive verification failed: %w", err)
		}
		slog.Info("Archive BLAKE3 verified", "hash", m.ArchiveHash)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("restore cancelled before extract: %w", err)
	}

	n, err := archive.Extract(archivePath, opts.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to extract archive: %w", err)
	}

	fmt.Fprintf(w, "Restored %d file(s) from manifest %s to %s\n", n, m.ID, opts.Target)
	slog.Info("Restore completed successfully!", "files", n)
	return &Result{Manifest: m, Files: n}, nil
}

func selectManifest(store *manifest.Store, opts Options) (*manifest.Manifest, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	switch {
	case opts.ManifestID != "":
		m, err = store.LoadByID(opts.ManifestID)
	case opts.SetID != "":
		m, err = store.Load(opts.SetID)
	default:
		return nil, fmt.Errorf("a backup set or manifest id must be specified")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	if m == nil {
		return nil, ErrNoManifest
	}
	if opts.SetID != "" && m.BackupSetID != opts.SetID {
		return nil, fmt.Errorf("manifest %s belongs to backup set %s, not %s", m.ID, m.BackupSetID, opts.SetID)
	}
	return m, nil
}

// locateLocal returns the archive on disk, joining its split parts into
// tempDir when the archive itself is gone.
func locateLocal(m *manifest.Manifest, tempDir string) (string, error) {
	if m.ArchivePath != "" {
		if _, err := os.Stat(m.ArchivePath); err == nil {
			slog.Info("Using local archive", "path", m.ArchivePath)
			return m.ArchivePath, nil
		}
	}
	if len(m.Parts) == 0 {
		return "", fmt.Errorf("archive %s not found locally", m.ArchivePath)
	}

	parts := make([]string, len(m.Parts))
	for i, p := range m.Parts {
		slog.Info("Verifying part", "index", i, "path", p.Path)
		if err := crypto.VerifyFile(p.Path, p.Blake3Hash); err != nil {
			return "", fmt.Errorf("failed to verify part %d: %w", i, err)
		}
		parts[i] = p.Path
	}

	joined := filepath.Join(tempDir, filepath.Base(m.ArchivePath))
	if err := archive.Join(parts, joined); err != nil {
		return "", fmt.Errorf("failed to merge parts: %w", err)
	}
	return joined, nil
}

func fetchRemote(ctx context.Context, dl remote.Downloader, m *manifest.Manifest, tempDir string) (string, error) {
	loc := m.CloudLocation
	if loc == nil {
		return "", fmt.Errorf("manifest %s was never uploaded", m.ID)
	}
	joined := filepath.Join(tempDir, filepath.Base(loc.Key))

	if len(loc.Chunks) == 0 {
		slog.Info("Downloading archive", "key", loc.Key)
		if err := dl.Download(ctx, loc.Key, joined); err != nil {
			return "", fmt.Errorf("failed to download archive: %w", err)
		}
		return joined, nil
	}

	parts := make([]string, len(loc.Chunks))
	for i, c := range loc.Chunks {
		if ctx.Err() != nil {
			return "", fmt.Errorf("restore cancelled during download: %w", ctx.Err())
		}

		info, err := dl.Head(ctx, c.Key)
		if err != nil {
			return "", err
		}
		if info.Size != c.Size {
			return "", fmt.Errorf("chunk %d size mismatch: expected %d, got %d", c.Index, c.Size, info.Size)
		}

		local := filepath.Join(tempDir, filepath.Base(c.Key))
		slog.Info("Downloading chunk", "index", c.Index, "key", c.Key, "size", humanize.IBytes(uint64(c.Size)))
		if err := dl.Download(ctx, c.Key, local); err != nil {
			return "", fmt.Errorf("failed to download chunk %d: %w", c.Index, err)
		}
		if err := crypto.VerifyFile(local, c.Hash); err != nil {
			return "", fmt.Errorf("failed to verify chunk %d: %w", c.Index, err)
		}
		parts[i] = local
	}

	if err := archive.Join(parts, joined); err != nil {
		return "", fmt.Errorf("failed to merge chunks: %w", err)
	}
	for _, p := range parts {
		os.Remove(p)
	}
	return joined, nil
}

func printPlan(w io.Writer, m *manifest.Manifest, opts Options) {
	fmt.Fprintf(w, "\n=== DRY RUN MODE ===\n")
	fmt.Fprintf(w, "Would restore backup:\n")
	fmt.Fprintf(w, "  Backup Set:      %s\n", m.BackupSetID)
	fmt.Fprintf(w, "  Manifest:        %s\n", m.ID)
	fmt.Fprintf(w, "  Created:         %s\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Files:           %d\n", len(m.Files))
	fmt.Fprintf(w, "  Size:            %s\n", humanize.IBytes(uint64(m.TotalSize)))
	fmt.Fprintf(w, "  Archive:         %s\n", m.ArchivePath)
	if len(m.Parts) > 0 {
		fmt.Fprintf(w, "  Parts:           %d\n", len(m.Parts))
	}
	if m.CloudLocation != nil {
		fmt.Fprintf(w, "  Cloud:           %s://%s/%s (%d chunk(s))\n",
			m.CloudLocation.Provider, m.CloudLocation.Bucket, m.CloudLocation.Key, len(m.CloudLocation.Chunks))
	}
	fmt.Fprintf(w, "  Target:          %s\n", opts.Target)
	fmt.Fprintf(w, "  Source:          %s\n", opts.Source)
	fmt.Fprintf(w, "\nNo changes made.\n")
}
