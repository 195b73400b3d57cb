package main

import (
	"fmt"
	"log/slog"
	"sbk/internal/backup"
	"sbk/internal/manifest"
	"sbk/internal/util"
)

// cleanup deletes expired manifests and, with temp set, the leftovers of
// interrupted runs.
func cleanup(configPath string, temp bool) error {
	cfg, closeLog, err := loadConfigWithLogging(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	store := manifest.NewStore(cfg.DataDir, util.RealClock{})
	deleted, err := store.CleanupExpired()
	for _, id := range deleted {
		slog.Info("Expired manifest deleted", "id", id)
	}
	if err != nil {
		return fmt.Errorf("failed to clean up expired manifests: %w", err)
	}
	fmt.Printf("Deleted %d expired manifest(s)\n", len(deleted))

	if !temp {
		return nil
	}
	removed, err := backup.NewEngine(cfg.DataDir, cfg.ChunkSize, nil).CleanupTemp()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d temp file(s)\n", removed)
	return nil
}

func rebuildIndex(configPath string) error {
	cfg, closeLog, err := loadConfigWithLogging(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	n, err := manifest.NewStore(cfg.DataDir, util.RealClock{}).Rebuild()
	if err != nil {
		return fmt.Errorf("failed to rebuild manifest index: %w", err)
	}
	fmt.Printf("Indexed %d manifest(s)\n", n)
	return nil
}
