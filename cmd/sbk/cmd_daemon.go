package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sbk/internal/backup"
	"sbk/internal/daemon"
	"sbk/internal/util"
	"sbk/internal/weather"
)

func runDaemon(ctx context.Context, configPath string) error {
	cfg, closeLog, err := loadConfigWithLogging(configPath)
	if err != nil {
		return err
	}
	defer closeLog()

	uploader, err := uploaderFor(ctx, cfg, nil)
	if err != nil {
		return err
	}

	engine := backup.NewEngine(cfg.DataDir, cfg.ChunkSize, uploader)

	var feed weather.Feed
	if cfg.Weather.Enabled {
		feed = newWeatherFeed(cfg)
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	d, err := daemon.New(absPath, cfg, engine, feed, util.RealClock{})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
