// Package daemon polls the scheduler and the weather feed and runs the
// backup sets that are due.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sbk/internal/backup"
	"sbk/internal/config"
	"sbk/internal/schedule"
	"sbk/internal/util"
	"sbk/internal/weather"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Runner runs one backup of a set. *backup.Engine implements it.
type Runner interface {
	Run(ctx context.Context, set config.BackupSet, opts backup.Options, progress func(backup.Progress)) (*backup.Result, error)
}

type Daemon struct {
	configPath string
	runner     Runner
	feed       weather.Feed
	clock      util.Clock
	scheduler  *schedule.Scheduler

	mu          sync.Mutex
	cfg         *config.Config
	inFlight    map[string]bool
	weatherRuns map[string]time.Time
}

// New builds a daemon from an already loaded config. configPath is where
// run statistics and schedule state are written back; an empty path keeps
// them in memory. feed may be nil to disable weather triggers.
func New(configPath string, cfg *config.Config, runner Runner, feed weather.Feed, clock util.Clock) (*Daemon, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	d := &Daemon{
		configPath:  configPath,
		runner:      runner,
		feed:        feed,
		clock:       clock,
		scheduler:   schedule.NewScheduler(clock),
		cfg:         cfg,
		inFlight:    make(map[string]bool),
		weatherRuns: make(map[string]time.Time),
	}
	for _, s := range cfg.Schedules {
		if err := d.scheduler.Add(s); err != nil {
			return nil, fmt.Errorf("failed to add schedule %s: %w", s.ID, err)
		}
	}
	return d, nil
}

func (d *Daemon) Scheduler() *schedule.Scheduler {
	return d.scheduler
}

func (d *Daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// backupSet returns a copy of a set, safe to use while persist updates the
// config's statistics.
func (d *Daemon) backupSet(id string) (config.BackupSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, err := d.cfg.FindBackupSet(id)
	if err != nil {
		return config.BackupSet{}, err
	}
	return *set, nil
}

// Run polls until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.config()
	slog.Info("Daemon started", "schedules", len(d.scheduler.All()), "poll", cfg.PollInterval,
		"weather", d.feed != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.pollLoop(gctx, cfg.PollInterval)
	})
	if d.feed != nil {
		g.Go(func() error {
			return d.weatherLoop(gctx, cfg.Weather.PollInterval)
		})
	}
	if d.configPath != "" {
		g.Go(func() error {
			return d.watchConfig(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	slog.Info("Daemon stopped")
	return err
}

func (d *Daemon) pollLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil {
			slog.Error("Scheduled backups failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Daemon) weatherLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = config.DefaultWeatherInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.CheckWeather(ctx); err != nil {
			slog.Error("Weather check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

const triggerWeather = "weather"

// job is one backup set run started by a schedule or a weather alert.
// weatherSchedules are the weather_triggered schedules of the set that
// matched the alert; they get LastRun stamped once the run is over.
type job struct {
	setID            string
	scheduleID       string
	trigger          string
	weatherSchedules []string
}

// Tick runs every due schedule once and waits for the runs to finish. Each
// schedule is marked completed after its attempt, successful or not.
func (d *Daemon) Tick(ctx context.Context) error {
	var jobs []job
	for _, due := range d.scheduler.Pending() {
		jobs = append(jobs, job{setID: due.BackupSetID, scheduleID: due.ScheduleID, trigger: "schedule:" + due.ScheduleID})
	}
	return d.runJobs(ctx, jobs)
}

// CheckWeather fetches the active alerts and runs every set with a matching
// trigger that has not had a weather run within the cooldown. The cooldown
// starts when a run actually begins, so a set skipped because it is already
// running is tried again on the next check.
func (d *Daemon) CheckWeather(ctx context.Context) error {
	if d.feed == nil {
		return nil
	}
	active, err := d.feed.ActiveCategories(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch weather alerts: %w", err)
	}
	if len(active) > 0 {
		slog.Info("Active weather alerts", "categories", active)
	}

	cooldown := d.config().Weather.Cooldown
	now := d.clock.Now()

	var jobs []job
	d.mu.Lock()
	for _, setID := range d.scheduler.CheckWeatherTriggers(active) {
		if last, ok := d.weatherRuns[setID]; ok && now.Sub(last) < cooldown {
			slog.Debug("Weather run suppressed by cooldown", "set", setID, "last", last)
			continue
		}
		jobs = append(jobs, job{setID: setID, trigger: triggerWeather})
	}
	d.mu.Unlock()

	for i := range jobs {
		jobs[i].weatherSchedules = d.weatherScheduleIDs(jobs[i].setID, active)
	}

	return d.runJobs(ctx, jobs)
}

func (d *Daemon) runJobs(ctx context.Context, jobs []job) error {
	if len(jobs) == 0 {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	g := new(errgroup.Group)
	g.SetLimit(max(d.config().MaxConcurrentRuns, 1))

	for _, j := range jobs {
		if !d.claim(j.setID) {
			// Leave the schedule due; it is picked up on a later poll.
			slog.Info("Backup set already running, skipping", "set", j.setID, "trigger", j.trigger)
			continue
		}
		if j.trigger == triggerWeather {
			d.mu.Lock()
			d.weatherRuns[j.setID] = d.clock.Now()
			d.mu.Unlock()
		}
		g.Go(func() error {
			defer d.release(j.setID)
			if err := d.runJob(ctx, j); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("set %s: %w", j.setID, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("failed %d backup(s): %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (d *Daemon) claim(setID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[setID] {
		return false
	}
	d.inFlight[setID] = true
	return true
}

// weatherScheduleIDs returns the enabled weather_triggered schedules of a
// set with an enabled trigger for one of the active categories.
func (d *Daemon) weatherScheduleIDs(setID string, active []weather.Category) []string {
	var ids []string
	for _, s := range d.scheduler.ForSet(setID) {
		if !s.Enabled || s.Type != schedule.WeatherTriggered {
			continue
		}
		for _, trig := range s.WeatherTriggers {
			if trig.Enabled && slices.Contains(active, trig.AlertType) {
				ids = append(ids, s.ID)
				break
			}
		}
	}
	return ids
}

func (d *Daemon) release(setID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, setID)
}

func (d *Daemon) runJob(ctx context.Context, j job) error {
	set, runErr := d.backupSet(j.setID)

	var res *backup.Result
	switch {
	case runErr != nil:
	case !set.Enabled:
		slog.Info("Backup set disabled, skipping", "set", j.setID, "trigger", j.trigger)
	default:
		res, runErr = d.runner.Run(ctx, set, backup.Options{Trigger: j.trigger}, func(p backup.Progress) {
			slog.Debug("Backup progress", "set", j.setID, "status", p.Status,
				"files", p.ProcessedFiles, "total", p.TotalFiles, "file", p.CurrentFile)
		})
	}

	var scheds []schedule.Schedule
	completed := j.weatherSchedules
	if j.scheduleID != "" {
		completed = append(completed, j.scheduleID)
	}
	for _, id := range completed {
		d.scheduler.MarkCompleted(id)
		if s, ok := d.scheduler.Get(id); ok {
			scheds = append(scheds, s)
		}
	}

	if err := d.persist(j.setID, res, runErr, scheds...); err != nil {
		slog.Warn("Failed to persist run state", "set", j.setID, "error", err)
	}

	if runErr != nil {
		return runErr
	}
	if res != nil {
		slog.Info("Backup finished", "set", j.setID, "trigger", j.trigger,
			"changed", res.FilesChanged, "size", humanize.IBytes(uint64(res.BytesChanged)))
	}
	return nil
}

// persist records the run's statistics and the schedules' new state in the
// in-memory config and, when the daemon has a config path, on disk.
func (d *Daemon) persist(setID string, res *backup.Result, runErr error, scheds ...schedule.Schedule) error {
	now := d.clock.Now()
	apply := func(c *config.Config) error {
		if res != nil && runErr == nil {
			if err := c.RecordBackup(setID, res.BytesChanged, now); err != nil {
				return err
			}
		}
		for _, s := range scheds {
			c.ApplyScheduleState(s)
		}
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := apply(d.cfg); err != nil {
		return err
	}
	if d.configPath == "" {
		return nil
	}
	return config.Update(d.configPath, apply)
}

// Reload re-reads the config file and brings the scheduler in line with
// it. Schedules whose timing did not change keep their last and next run.
func (d *Daemon) Reload() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	keep := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		keep[s.ID] = true
		old, ok := d.scheduler.Get(s.ID)
		if ok && sameTiming(old, s) {
			s.LastRun = old.LastRun
			s.NextRun = old.NextRun
			if err := d.scheduler.Update(s); err != nil {
				return err
			}
			continue
		}
		if ok {
			s.NextRun = nil
		}
		if err := d.scheduler.Add(s); err != nil {
			return err
		}
	}
	for _, s := range d.scheduler.All() {
		if !keep[s.ID] {
			d.scheduler.Remove(s.ID)
		}
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	slog.Info("Config reloaded", "sets", len(cfg.BackupSets), "schedules", len(cfg.Schedules))
	return nil
}

func sameTiming(a, b schedule.Schedule) bool {
	if a.Type != b.Type || a.Time != b.Time || a.Enabled != b.Enabled {
		return false
	}
	if !slices.Equal(a.DaysOfWeek, b.DaysOfWeek) {
		return false
	}
	switch {
	case a.DayOfMonth == nil && b.DayOfMonth == nil:
		return true
	case a.DayOfMonth == nil || b.DayOfMonth == nil:
		return false
	default:
		return *a.DayOfMonth == *b.DayOfMonth
	}
}

// watchConfig reloads on changes to the config file. The parent directory
// is watched because editors often replace the file instead of writing it.
func (d *Daemon) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(d.configPath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := d.Reload(); err != nil {
				slog.Warn("Ignoring config change", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}
