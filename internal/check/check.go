package check

import (
	"context"
	"fmt"
	"io"
	"os"
	"sbk/internal/config"
	"sbk/internal/remote"
	"sbk/internal/util"
	"sbk/internal/weather"
)

func Run(ctx context.Context, configPath string, w io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintln(w, "config: OK")

	if err := Local(cfg, w); err != nil {
		return err
	}

	if cfg.S3.Enabled {
		storageClass := cfg.S3StorageClass()
		if err := remote.ValidateStorageClass(string(storageClass)); err != nil {
			fmt.Fprintf(w, "S3 storage class: WARNING: %v\n", err)
		}
		backend, err := remote.NewS3(ctx, cfg.S3.Bucket, cfg.S3.Region,
			cfg.S3.Prefix, cfg.S3.Endpoint, storageClass, cfg.S3RetryAttempts())
		if err != nil {
			return fmt.Errorf("S3 init: %w", err)
		}
		if err := backend.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(w, "S3 bucket %s: OK\n", cfg.S3.Bucket)
	}

	if cfg.Weather.Enabled {
		feed := weather.NewNWS(cfg.Weather.Latitude, cfg.Weather.Longitude, cfg.Weather.UserAgent)
		if cfg.Weather.BaseURL != "" {
			feed.BaseURL = cfg.Weather.BaseURL
		}
		if err := Weather(ctx, feed, w); err != nil {
			return err
		}
	}

	fmt.Fprintln(w, "all checks passed")
	return nil
}

// Local checks everything that does not need the network: the data
// directory, every enabled set's sources and local destination, and that
// schedules point at known sets.
func Local(cfg *config.Config, w io.Writer) error {
	if err := writable(cfg.DataDir); err != nil {
		return fmt.Errorf("data_dir %s: %w", cfg.DataDir, err)
	}
	fmt.Fprintf(w, "data_dir %s: OK\n", cfg.DataDir)

	for _, set := range cfg.BackupSets {
		if !set.Enabled {
			fmt.Fprintf(w, "set %s: skipped (disabled)\n", set.ID)
			continue
		}
		if len(set.Sources) == 0 {
			return fmt.Errorf("set %s: no sources", set.ID)
		}
		for _, src := range set.Sources {
			if _, err := os.Stat(src); err != nil {
				return fmt.Errorf("set %s: source %w", set.ID, err)
			}
			fmt.Fprintf(w, "set %s source %s: OK\n", set.ID, src)
		}
		if set.LocalDestination != "" {
			if err := writable(set.LocalDestination); err != nil {
				return fmt.Errorf("set %s: local_destination %s: %w", set.ID, set.LocalDestination, err)
			}
			fmt.Fprintf(w, "set %s destination %s: OK\n", set.ID, set.LocalDestination)
		}
	}

	for _, s := range cfg.Schedules {
		if _, err := cfg.FindBackupSet(s.BackupSetID); err != nil {
			return fmt.Errorf("schedule %s: %w", s.ID, err)
		}
	}
	if len(cfg.Schedules) > 0 {
		fmt.Fprintf(w, "schedules (%d): OK\n", len(cfg.Schedules))
	}
	return nil
}

func Weather(ctx context.Context, feed weather.Feed, w io.Writer) error {
	active, err := feed.ActiveCategories(ctx)
	if err != nil {
		return fmt.Errorf("weather feed: %w", err)
	}
	fmt.Fprintf(w, "weather feed: OK (%d active alert categories)\n", len(active))
	return nil
}

// writable creates dir if needed and proves a file can be written in it.
func writable(dir string) error {
	if err := util.SetupDirectories(dir); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".sbk-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
