// Package schedule computes when backup sets are due and matches weather
// alerts against schedule triggers.
package schedule

import (
	"fmt"
	"sbk/internal/weather"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Type string

const (
	Daily            Type = "daily"
	Weekly           Type = "weekly"
	Monthly          Type = "monthly"
	Custom           Type = "custom"
	WeatherTriggered Type = "weather_triggered"
	Manual           Type = "manual"
)

var typeAliases = map[string]Type{
	"daily":             Daily,
	"weekly":            Weekly,
	"monthly":           Monthly,
	"custom":            Custom,
	"weather_triggered": WeatherTriggered,
	"weathertriggered":  WeatherTriggered,
	"weather":           WeatherTriggered,
	"manual":            Manual,
}

// ParseType accepts the canonical names and their capitalized forms
// ("Daily", "WeatherTriggered", "Weather").
func ParseType(s string) (Type, error) {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown schedule type: %q", s)
}

func (t *Type) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DefaultTime is used when a schedule has no parseable time of day.
const DefaultTime = "02:00"

type WeatherTrigger struct {
	AlertType weather.Category `yaml:"alert_type" json:"alert_type"`
	Enabled   bool             `yaml:"enabled" json:"enabled"`
}

// Schedule decides when a backup set runs. Time is the local time of day as
// "HH:MM" and DaysOfWeek uses 0 for Sunday through 6 for Saturday. LastRun
// and NextRun are stored in UTC.
type Schedule struct {
	ID              string           `yaml:"id" json:"id"`
	Name            string           `yaml:"name" json:"name"`
	BackupSetID     string           `yaml:"backup_set_id" json:"backup_set_id"`
	Type            Type             `yaml:"schedule_type" json:"schedule_type"`
	Enabled         bool             `yaml:"enabled" json:"enabled"`
	Time            string           `yaml:"time,omitempty" json:"time,omitempty"`
	DaysOfWeek      []int            `yaml:"days_of_week,omitempty" json:"days_of_week,omitempty"`
	DayOfMonth      *int             `yaml:"day_of_month,omitempty" json:"day_of_month,omitempty"`
	WeatherTriggers []WeatherTrigger `yaml:"weather_triggers,omitempty" json:"weather_triggers,omitempty"`
	LastRun         *time.Time       `yaml:"last_run,omitempty" json:"last_run,omitempty"`
	NextRun         *time.Time       `yaml:"next_run,omitempty" json:"next_run,omitempty"`
}

// Validate checks the fields a schedule needs for its type.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if s.BackupSetID == "" {
		return fmt.Errorf("schedule %s: backup_set_id is required", s.ID)
	}
	if _, err := ParseType(string(s.Type)); err != nil {
		return fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	if s.Time != "" {
		if _, err := time.Parse("15:04", s.Time); err != nil {
			return fmt.Errorf("schedule %s: invalid time %q (want HH:MM)", s.ID, s.Time)
		}
	}
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("schedule %s: invalid day of week %d (want 0-6)", s.ID, d)
		}
	}
	if s.Type == Weekly && len(s.DaysOfWeek) == 0 {
		return fmt.Errorf("schedule %s: weekly schedule needs days_of_week", s.ID)
	}
	if s.DayOfMonth != nil && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31) {
		return fmt.Errorf("schedule %s: invalid day of month %d (want 1-31)", s.ID, *s.DayOfMonth)
	}
	return nil
}

// timeOfDay returns the configured hour and minute, falling back to 02:00.
func (s *Schedule) timeOfDay() (int, int) {
	t, err := time.Parse("15:04", s.Time)
	if err != nil {
		return 2, 0
	}
	return t.Hour(), t.Minute()
}

// CalculateNextRun sets NextRun to the next occurrence strictly after now,
// evaluated in now's location. Types without a clock (custom, weather,
// manual) and unsatisfiable rules leave NextRun nil.
func (s *Schedule) CalculateNextRun(now time.Time) {
	next, ok := s.nextAfter(now)
	if !ok {
		s.NextRun = nil
		return
	}
	utc := next.UTC()
	s.NextRun = &utc
}

func (s *Schedule) nextAfter(now time.Time) (time.Time, bool) {
	loc := now.Location()
	hour, minute := s.timeOfDay()
	y, m, d := now.Date()

	switch s.Type {
	case Daily:
		today := resolveLocal(y, m, d, hour, minute, loc)
		if today.After(now) {
			return today, true
		}
		ty, tm, td := civilDate(y, m, d+1)
		return resolveLocal(ty, tm, td, hour, minute, loc), true

	case Weekly:
		if len(s.DaysOfWeek) == 0 {
			return time.Time{}, false
		}
		for i := 0; i <= 7; i++ {
			cy, cm, cd := civilDate(y, m, d+i)
			wd := int(time.Date(cy, cm, cd, 0, 0, 0, 0, time.UTC).Weekday())
			if !containsInt(s.DaysOfWeek, wd) {
				continue
			}
			if cand := resolveLocal(cy, cm, cd, hour, minute, loc); cand.After(now) {
				return cand, true
			}
		}
		return time.Time{}, false

	case Monthly:
		day := 1
		if s.DayOfMonth != nil {
			day = *s.DayOfMonth
		}
		if day < 1 || day > 31 {
			return time.Time{}, false
		}
		// Months without the day (31 in April, 30 in February) are skipped.
		for k := 0; k <= 12; k++ {
			first := time.Date(y, m+time.Month(k), 1, 0, 0, 0, 0, time.UTC)
			cy, cm := first.Year(), first.Month()
			if day > daysIn(cy, cm) {
				continue
			}
			if cand := resolveLocal(cy, cm, day, hour, minute, loc); cand.After(now) {
				return cand, true
			}
		}
		return time.Time{}, false
	}

	return time.Time{}, false
}

// ShouldRunNow reports whether the schedule is enabled and now is at or past
// its next run.
func (s *Schedule) ShouldRunNow(now time.Time) bool {
	if !s.Enabled || s.NextRun == nil {
		return false
	}
	return !now.Before(*s.NextRun)
}

// civilDate normalizes a calendar date without involving any time zone.
func civilDate(y int, m time.Month, d int) (int, time.Month, int) {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month(), t.Day()
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// resolveLocal maps a wall clock time in loc to an instant. An ambiguous time
// (clocks set back) resolves to the later instant. A time inside a gap
// (clocks set forward) resolves to the first instant after the gap.
func resolveLocal(y int, m time.Month, d, hour, minute int, loc *time.Location) time.Time {
	naive := time.Date(y, m, d, hour, minute, 0, 0, time.UTC)

	var best time.Time
	for _, shift := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour} {
		_, offset := naive.Add(shift).In(loc).Zone()
		cand := naive.Add(-time.Duration(offset) * time.Second).In(loc)
		if !sameWallClock(cand, naive) {
			continue
		}
		if best.IsZero() || cand.After(best) {
			best = cand
		}
	}
	if !best.IsZero() {
		return best
	}

	// Gap: interpret with the offset in force before it, then snap back to
	// the start of the zone period that instant falls in.
	_, before := naive.Add(-24 * time.Hour).In(loc).Zone()
	after := naive.Add(-time.Duration(before) * time.Second).In(loc)
	if start, _ := after.ZoneBounds(); !start.IsZero() {
		return start
	}
	return after
}

func sameWallClock(t, naive time.Time) bool {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := naive.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 && t.Hour() == naive.Hour() && t.Minute() == naive.Minute()
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
