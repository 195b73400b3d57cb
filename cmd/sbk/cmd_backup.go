package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sbk/internal/backup"
	"sbk/internal/config"
	"time"

	"github.com/dustin/go-humanize"
)

func runBackup(ctx context.Context, configPath, setID string, full bool) error {
	if setID == "" {
		return fmt.Errorf("backup set must be specified")
	}

	if ctx.Err() != nil {
		return fmt.Errorf("backup cancelled before start: %w", ctx.Err())
	}

	cfg, closeLog, err := loadConfigWithLogging(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	set, err := cfg.FindBackupSet(setID)
	if err != nil {
		return err
	}
	if !set.Enabled {
		return fmt.Errorf("backup set is disabled: %s", setID)
	}

	uploader, err := uploaderFor(ctx, cfg, set)
	if err != nil {
		return err
	}
	if set.CloudUpload && uploader == nil {
		slog.Warn("cloud_upload is set but S3 is disabled, keeping archive local", "set", setID)
	}

	engine := backup.NewEngine(cfg.DataDir, cfg.ChunkSize, uploader)
	start := time.Now()

	res, err := engine.Run(ctx, *set, backup.Options{Full: full, Trigger: "cli"}, printProgress(os.Stdout))
	if err != nil {
		return err
	}

	if res.NoChanges() {
		fmt.Println(backup.NoChangesMessage)
		return nil
	}

	if err := config.Update(configPath, func(c *config.Config) error {
		return c.RecordBackup(setID, res.BytesChanged, time.Now())
	}); err != nil {
		slog.Warn("Failed to record backup statistics", "set", setID, "error", err)
	}

	fmt.Printf("\nBackup %s completed in %s\n", res.Manifest.ID, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Files:    %d changed of %d scanned\n", res.FilesChanged, res.FilesScanned)
	fmt.Printf("  Size:     %s (%s compressed)\n",
		humanize.IBytes(uint64(res.BytesChanged)), humanize.IBytes(uint64(res.Manifest.CompressedSize)))
	if len(res.Parts) > 1 {
		fmt.Printf("  Parts:    %d\n", len(res.Parts))
	}
	if res.Uploaded {
		loc := res.Manifest.CloudLocation
		fmt.Printf("  Uploaded: %s://%s/%s\n", loc.Provider, loc.Bucket, loc.Key)
	} else {
		fmt.Printf("  Archive:  %s\n", res.ArchivePath)
	}
	return nil
}

// printProgress prints one line per status change and logs each compressed
// file at debug level.
func printProgress(w io.Writer) func(backup.Progress) {
	var last backup.Status
	return func(p backup.Progress) {
		if p.Status != last {
			last = p.Status
			if p.Error != "" {
				fmt.Fprintf(w, "==> %s: %s\n", p.Status, p.Error)
			} else {
				fmt.Fprintf(w, "==> %s\n", p.Status)
			}
		}
		if p.Status == backup.StatusCompressing && p.CurrentFile != "" {
			slog.Debug("Compressing", "file", p.CurrentFile,
				"files", fmt.Sprintf("%d/%d", p.ProcessedFiles, p.TotalFiles),
				"bytes", fmt.Sprintf("%s/%s", humanize.IBytes(uint64(p.ProcessedBytes)), humanize.IBytes(uint64(p.TotalBytes))))
		}
	}
}
