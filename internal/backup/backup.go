// Package backup sequences one backup run of a backup set: scan, diff,
// archive, split, persist the manifest and hand the result to the uploader.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sbk/internal/archive"
	"sbk/internal/config"
	"sbk/internal/crypto"
	"sbk/internal/diff"
	"sbk/internal/lock"
	"sbk/internal/manifest"
	"sbk/internal/remote"
	"sbk/internal/scan"
	"sbk/internal/util"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	NoChangesMessage = "No changes detected - already up to date"

	uploadWorkers = 4
)

var (
	ErrNoSources    = errors.New("backup set has no sources")
	ErrUploadFailed = errors.New("upload failed")
)

type Status string

const (
	StatusIdle        Status = "Idle"
	StatusScanning    Status = "Scanning"
	StatusCompressing Status = "Compressing"
	StatusUploading   Status = "Uploading"
	StatusCompleted   Status = "Completed"
	StatusFailed      Status = "Failed"
	StatusCancelled   Status = "Cancelled"
)

// Progress is one event on a run's progress stream. Events are delivered
// synchronously on the goroutine calling Run, in order.
type Progress struct {
	TotalFiles     int    `json:"total_files"`
	ProcessedFiles int    `json:"processed_files"`
	TotalBytes     int64  `json:"total_bytes"`
	ProcessedBytes int64  `json:"processed_bytes"`
	CurrentFile    string `json:"current_file"`
	Status         Status `json:"status"`
	Error          string `json:"error,omitempty"`
}

type Options struct {
	// Full backs up every scanned file even when the set is incremental.
	Full bool
	// Trigger names what started the run (cli, schedule id, weather).
	Trigger string
}

// Result describes a finished run. Manifest is nil when nothing changed.
type Result struct {
	Manifest     *manifest.Manifest
	ArchivePath  string
	Parts        []string
	FilesScanned int
	FilesChanged int
	BytesChanged int64
	Uploaded     bool
}

// NoChanges reports whether the run found nothing to back up.
func (r *Result) NoChanges() bool {
	return r.Manifest == nil
}

type Engine struct {
	Store     *manifest.Store
	Uploader  remote.Uploader
	DataDir   string
	ChunkSize int64
	Clock     util.Clock
	IDs       util.IDGenerator
}

// NewEngine returns an engine writing manifests and temp archives under
// dataDir. uploader may be nil, in which case cloud_upload is ignored.
func NewEngine(dataDir string, chunkSize int64, uploader remote.Uploader) *Engine {
	if chunkSize <= 0 {
		chunkSize = config.DefaultChunkSize
	}
	clock := util.RealClock{}
	return &Engine{
		Store:     manifest.NewStore(dataDir, clock),
		Uploader:  uploader,
		DataDir:   dataDir,
		ChunkSize: chunkSize,
		Clock:     clock,
		IDs:       util.UUIDGenerator{},
	}
}

type emitter func(Progress)

func (e emitter) send(p Progress) {
	if e != nil {
		e(p)
	}
}

// Run performs one backup of set. A run with zero changed files succeeds
// with a Result whose NoChanges is true. When the manifest was saved but the
// upload failed, Run returns both the Result and an error wrapping
// ErrUploadFailed.
func (e *Engine) Run(ctx context.Context, set config.BackupSet, opts Options, progress func(Progress)) (*Result, error) {
	emit := emitter(progress)

	if len(set.Sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSources, set.ID)
	}
	if err := ctx.Err(); err != nil {
		emit.send(Progress{Status: StatusCancelled, Error: err.Error()})
		return nil, fmt.Errorf("backup cancelled before start: %w", err)
	}

	releaseLock, err := lock.AcquireSet(e.DataDir, set.ID)
	if err != nil {
		emit.send(Progress{Status: StatusFailed, Error: err.Error()})
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if err := releaseLock(); err != nil {
			slog.Warn("Failed to release lock", "set", set.ID, "error", err)
		}
	}()

	incremental := set.Incremental && !opts.Full
	slog.Info("Backup started", "set", set.ID, "incremental", incremental, "trigger", opts.Trigger)

	result, err := e.run(ctx, set, incremental, emit)
	if err != nil {
		if result == nil {
			status := StatusFailed
			if errors.Is(err, context.Canceled) {
				status = StatusCancelled
			}
			emit.send(Progress{Status: status, Error: err.Error()})
		}
		return result, err
	}
	return result, nil
}

func (e *Engine) run(ctx context.Context, set config.BackupSet, incremental bool, emit emitter) (*Result, error) {
	emit.send(Progress{Status: StatusScanning})

	files, err := scan.Scan(set.Sources, set.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sources: %w", err)
	}

	selected := files
	if incremental {
		prior, err := e.Store.Load(set.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load previous manifest: %w", err)
		}
		selected = diff.Changed(prior, files)
	}

	result := &Result{FilesScanned: len(files), FilesChanged: len(selected)}
	if len(selected) == 0 {
		slog.Info("No changes detected", "set", set.ID, "scanned", len(files))
		emit.send(Progress{Status: StatusCompleted, CurrentFile: NoChangesMessage})
		return result, nil
	}
	for _, f := range selected {
		result.BytesChanged += f.Size
	}
	slog.Info("Files selected", "set", set.ID, "scanned", len(files), "changed", len(selected),
		"size", humanize.IBytes(uint64(result.BytesChanged)))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("backup cancelled before archiving: %w", err)
	}

	tempDir := util.TempDir(e.DataDir)
	if err := util.SetupDirectories(tempDir); err != nil {
		return nil, err
	}

	runID := e.IDs.New()
	archivePath, err := archive.Create(selected, archive.Options{
		Dir:              tempDir,
		LocalDestination: set.LocalDestination,
		Name:             util.ArchiveName(set.ID, runID),
		CompressionLevel: set.CompressionLevel,
	}, func(p archive.Progress) {
		emit.send(Progress{
			TotalFiles:     p.TotalFiles,
			ProcessedFiles: p.ProcessedFiles,
			TotalBytes:     p.TotalBytes,
			ProcessedBytes: p.ProcessedBytes,
			CurrentFile:    p.CurrentFile,
			Status:         StatusCompressing,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	result.ArchivePath = archivePath

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	archiveHash, err := crypto.BLAKE3File(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash archive: %w", err)
	}

	parts, err := archive.Split(archivePath, e.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to split archive: %w", err)
	}
	result.Parts = parts

	var partInfos []manifest.PartInfo
	if len(parts) > 1 {
		partInfos, err = describeParts(parts)
		if err != nil {
			return nil, err
		}
		slog.Info("Archive split", "set", set.ID, "parts", len(parts), "chunkSize", humanize.IBytes(uint64(e.ChunkSize)))
	}

	now := e.Clock.Now().UTC()
	backedUp := make([]manifest.FileEntry, len(selected))
	for i, f := range selected {
		f.BackedUpAt = &now
		backedUp[i] = f
	}

	m := &manifest.Manifest{
		ID:             runID,
		BackupSetID:    set.ID,
		CreatedAt:      now,
		Files:          backedUp,
		TotalSize:      result.BytesChanged,
		CompressedSize: info.Size(),
		ArchivePath:    archivePath,
		ArchiveHash:    archiveHash,
		Parts:          partInfos,
		RetentionUntil: set.RetentionUntil(now),
	}
	if err := e.Store.Save(m); err != nil {
		return nil, fmt.Errorf("failed to save manifest: %w", err)
	}
	result.Manifest = m
	slog.Info("Manifest saved", "set", set.ID, "id", m.ID, "files", len(m.Files),
		"compressed", humanize.IBytes(uint64(m.CompressedSize)))

	done := Progress{
		TotalFiles:     len(selected),
		ProcessedFiles: len(selected),
		TotalBytes:     result.BytesChanged,
		ProcessedBytes: result.BytesChanged,
	}

	if set.CloudUpload && e.Uploader == nil {
		slog.Warn("cloud_upload is set but no uploader is configured, keeping archive local", "set", set.ID)
	}
	if set.CloudUpload && e.Uploader != nil {
		up := done
		up.Status = StatusUploading
		up.CurrentFile = filepath.Base(archivePath)
		emit.send(up)

		loc, err := e.upload(ctx, set.ID, archivePath, parts, partInfos)
		if err != nil {
			failed := done
			failed.Status = StatusFailed
			failed.Error = err.Error()
			emit.send(failed)
			return result, fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		if err := e.Store.UpdateCloudLocation(m.ID, *loc); err != nil {
			failed := done
			failed.Status = StatusFailed
			failed.Error = err.Error()
			emit.send(failed)
			return result, fmt.Errorf("failed to record cloud location: %w", err)
		}
		m.CloudLocation = loc
		result.Uploaded = true

		if set.LocalDestination == "" {
			removeArtifacts(archivePath, parts)
		}
	}

	done.Status = StatusCompleted
	emit.send(done)
	slog.Info("Backup completed", "set", set.ID, "id", m.ID, "uploaded", result.Uploaded)
	return result, nil
}

func describeParts(parts []string) ([]manifest.PartInfo, error) {
	infos := make([]manifest.PartInfo, len(parts))
	for i, p := range parts {
		st, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat part %s: %w", p, err)
		}
		hash, err := crypto.BLAKE3File(p)
		if err != nil {
			return nil, fmt.Errorf("failed to hash part %s: %w", p, err)
		}
		infos[i] = manifest.PartInfo{Path: p, Size: st.Size(), Blake3Hash: hash}
	}
	return infos, nil
}

// upload sends the archive, or each of its parts when it was split, under
// <set_id>/ on the remote.
func (e *Engine) upload(ctx context.Context, setID, archivePath string, parts []string, partInfos []manifest.PartInfo) (*manifest.CloudLocation, error) {
	provider, bucket := e.Uploader.Target()
	loc := &manifest.CloudLocation{Provider: provider, Bucket: bucket}

	if len(parts) <= 1 {
		key, err := e.Uploader.Upload(ctx, archivePath, path.Join(setID, filepath.Base(archivePath)))
		if err != nil {
			return nil, err
		}
		loc.Key = key
		return loc, nil
	}

	chunks := make([]manifest.CloudChunk, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)
	for i, part := range parts {
		g.Go(func() error {
			key, err := e.Uploader.Upload(gctx, part, path.Join(setID, filepath.Base(part)))
			if err != nil {
				return fmt.Errorf("part %d: %w", i, err)
			}
			chunks[i] = manifest.CloudChunk{
				Index: i,
				Key:   key,
				Size:  partInfos[i].Size,
				Hash:  partInfos[i].Blake3Hash,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	loc.Key = path.Join(setID, filepath.Base(archivePath))
	loc.Chunks = chunks
	return loc, nil
}

func removeArtifacts(archivePath string, parts []string) {
	paths := append([]string{archivePath}, parts...)
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove uploaded artifact", "path", p, "error", err)
		}
	}
}

// CleanupTemp removes leftovers of interrupted runs from <data_dir>/temp and
// returns how many entries were removed. Archives and parts that an indexed
// manifest still points at are kept, since they are the only copy of that
// run when the set has no local destination and nothing was uploaded.
func (e *Engine) CleanupTemp() (int, error) {
	dir := util.TempDir(e.DataDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	keep, err := e.referencedArtifacts()
	if err != nil {
		return 0, fmt.Errorf("failed to collect referenced archives: %w", err)
	}

	var errs []error
	removed := 0
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if keep[p] {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to remove %d temp file(s): %w", len(errs), errors.Join(errs...))
	}
	slog.Info("Temp directory cleaned", "path", dir, "removed", removed, "kept", len(entries)-removed)
	return removed, nil
}

// referencedArtifacts returns the cleaned paths of every archive and part
// recorded in an indexed manifest.
func (e *Engine) referencedArtifacts() (map[string]bool, error) {
	index, err := e.Store.LoadIndex()
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool)
	for _, s := range index.Manifests {
		m, err := e.Store.LoadByID(s.ID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		if m.ArchivePath != "" {
			keep[filepath.Clean(m.ArchivePath)] = true
		}
		for _, p := range m.Parts {
			keep[filepath.Clean(p.Path)] = true
		}
	}
	return keep, nil
}
