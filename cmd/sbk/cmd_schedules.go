package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sbk/internal/config"
	"sbk/internal/schedule"
	"sbk/internal/util"
	"sbk/internal/weather"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

func listSchedules(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	scheduler := schedule.NewScheduler(util.RealClock{})
	for _, s := range cfg.Schedules {
		if err := scheduler.Add(s); err != nil {
			return fmt.Errorf("failed to load schedule %s: %w", s.ID, err)
		}
	}
	return writeSchedules(os.Stdout, scheduler.All(), time.Now())
}

func writeSchedules(w io.Writer, schedules []schedule.Schedule, now time.Time) error {
	if len(schedules) == 0 {
		_, err := fmt.Fprintln(w, "No schedules configured.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSET\tTYPE\tENABLED\tLAST RUN\tNEXT RUN")
	for _, s := range schedules {
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.BackupSetID, describeType(s), enabled, relative(s.LastRun, now), relative(s.NextRun, now))
	}
	return tw.Flush()
}

func describeType(s schedule.Schedule) string {
	switch s.Type {
	case schedule.Daily, schedule.Weekly, schedule.Monthly, schedule.Custom:
		return fmt.Sprintf("%s@%s", s.Type, s.Time)
	case schedule.WeatherTriggered:
		var cats []string
		for _, t := range s.WeatherTriggers {
			if t.Enabled {
				cats = append(cats, string(t.AlertType))
			}
		}
		return fmt.Sprintf("%s(%s)", s.Type, strings.Join(cats, ","))
	default:
		return string(s.Type)
	}
}

func relative(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04"), humanize.RelTime(*t, now, "ago", "from now"))
}

func showAlerts(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Weather.Enabled {
		return fmt.Errorf("weather is not enabled in config")
	}

	alerts, err := newWeatherFeed(cfg).Alerts(ctx)
	if err != nil {
		return err
	}
	return writeAlerts(os.Stdout, alerts)
}

func writeAlerts(w io.Writer, alerts []weather.Alert) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(w, "No active weather alerts.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tCATEGORY\tSEVERITY\tEXPIRES\tHEADLINE")
	for _, a := range alerts {
		category := "-"
		if a.Category != "" {
			category = a.Category.DisplayName()
		}
		expires := "-"
		if !a.Expires.IsZero() {
			expires = a.Expires.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Event, category, a.Severity, expires, a.Headline)
	}
	return tw.Flush()
}
