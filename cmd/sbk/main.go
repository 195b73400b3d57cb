package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sbk/internal/check"
	"sbk/internal/config"
	"sbk/internal/list"
	"sbk/internal/restore"
	"syscall"

	"github.com/urfave/cli/v3"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "config",
		Usage: "path to configuration yaml file",
		Value: config.DefaultPath,
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "sbk",
		Usage:   "Scheduled file backup",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Run a backup of one backup set",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:     "set",
						Usage:    "ID of the backup set to run",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "full",
						Usage: "Back up every file even when the set is incremental",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, cmd.String("config"), cmd.String("set"), cmd.Bool("full"))
				},
			},
			{
				Name:  "list",
				Usage: "List backup manifests",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "set",
						Usage: "Only list manifests of this backup set",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print JSON instead of a table",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return list.Run(cmd.String("config"), cmd.String("set"), cmd.Bool("json"), os.Stdout)
				},
			},
			{
				Name:  "restore",
				Usage: "Restore the files of a manifest from local storage or S3",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "set",
						Usage: "Backup set to restore; picks its latest manifest unless --manifest is given",
					},
					&cli.StringFlag{
						Name:  "manifest",
						Usage: "ID of the manifest to restore",
					},
					&cli.StringFlag{
						Name:     "target",
						Usage:    "Directory to restore into",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "source",
						Usage: "Data source: local or s3",
						Value: restore.SourceLocal,
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Show what would be restored without actually restoring",
						Value: false,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return restore.Run(ctx, cmd.String("config"), restore.Options{
						SetID:      cmd.String("set"),
						ManifestID: cmd.String("manifest"),
						Target:     cmd.String("target"),
						Source:     cmd.String("source"),
						DryRun:     cmd.Bool("dry-run"),
					}, os.Stdout)
				},
			},
			{
				Name:  "add-set",
				Usage: "Add a backup set from a preset (documents, photos, code, desktop, custom)",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "preset",
						Usage: "Preset to start from",
						Value: string(config.PresetCustom),
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "Override the preset's display name",
					},
					&cli.StringFlag{
						Name:  "home",
						Usage: "Home directory the preset's sources are resolved against (default: current user's)",
					},
					&cli.StringSliceFlag{
						Name:  "source",
						Usage: "Source directory; repeat to add several. Replaces the preset's sources",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return addSet(cmd.String("config"), cmd.String("preset"), cmd.String("name"),
						cmd.String("home"), cmd.StringSlice("source"))
				},
			},
			{
				Name:  "cleanup",
				Usage: "Delete manifests past their retention",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  "temp",
						Usage: "Also remove leftovers of interrupted runs",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return cleanup(cmd.String("config"), cmd.Bool("temp"))
				},
			},
			{
				Name:  "rebuild-index",
				Usage: "Regenerate the manifest index from the manifest files",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return rebuildIndex(cmd.String("config"))
				},
			},
			{
				Name:  "schedules",
				Usage: "Show schedules with their last and next run",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return listSchedules(cmd.String("config"))
				},
			},
			{
				Name:  "alerts",
				Usage: "Show active weather alerts for the configured location",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return showAlerts(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "check",
				Usage: "Validate config, paths, S3 access and the weather feed",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return check.Run(ctx, cmd.String("config"), os.Stdout)
				},
			},
			{
				Name:  "daemon",
				Usage: "Run scheduled and weather triggered backups until interrupted",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runDaemon(ctx, cmd.String("config"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() == context.Canceled {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted by user")
			os.Exit(130)
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
