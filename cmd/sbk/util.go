package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sbk/internal/config"
	"sbk/internal/logging"
	"sbk/internal/remote"
	"sbk/internal/util"
	"sbk/internal/weather"
)

// loadConfigWithLogging loads the config, prepares the data directory and
// installs the default logger writing to the current day's log file. The
// returned func closes the log file.
func loadConfigWithLogging(configPath string) (*config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	if err := util.SetupDirectories(cfg.DataDir, util.ManifestDir(cfg.DataDir), util.TempDir(cfg.DataDir)); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, logFile, err := util.SetupLogging(cfg.DataDir, level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	closeLog := func() {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	}
	return cfg, closeLog, nil
}

func newS3Backend(ctx context.Context, cfg *config.Config) (*remote.S3, error) {
	storageClass := cfg.S3StorageClass()
	if err := remote.ValidateStorageClass(string(storageClass)); err != nil {
		return nil, err
	}

	backend, err := remote.NewS3(ctx, cfg.S3.Bucket, cfg.S3.Region,
		cfg.S3.Prefix, cfg.S3.Endpoint, storageClass, cfg.S3RetryAttempts())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}

	slog.Info("Verifying AWS credentials")
	if err := backend.VerifyCredentials(ctx); err != nil {
		return nil, fmt.Errorf("AWS credentials verification failed: %w", err)
	}
	return backend, nil
}

// uploadWanted reports whether S3 has to be set up. set is the one set a
// CLI run backs up; nil stands for the daemon, where a reload can turn on
// cloud_upload for any set, so an enabled S3 section is enough.
func uploadWanted(cfg *config.Config, set *config.BackupSet) bool {
	if !cfg.S3.Enabled {
		return false
	}
	return set == nil || (set.Enabled && set.CloudUpload)
}

// uploaderFor returns nil when uploadWanted is false.
func uploaderFor(ctx context.Context, cfg *config.Config, set *config.BackupSet) (remote.Uploader, error) {
	if !uploadWanted(cfg, set) {
		return nil, nil
	}
	backend, err := newS3Backend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

func newWeatherFeed(cfg *config.Config) *weather.NWS {
	feed := weather.NewNWS(cfg.Weather.Latitude, cfg.Weather.Longitude, cfg.Weather.UserAgent)
	if cfg.Weather.BaseURL != "" {
		feed.BaseURL = cfg.Weather.BaseURL
	}
	return feed
}
