package schedule

import (
	"errors"
	"fmt"
	"sbk/internal/util"
	"sbk/internal/weather"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("schedule not found")

// Due is one schedule whose backup set should run now.
type Due struct {
	ScheduleID  string
	BackupSetID string
}

// Scheduler owns a set of schedules keyed by id. Reads may run concurrently;
// writes are exclusive. It reports due work but does not track runs in
// flight.
type Scheduler struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule
	clock     util.Clock
}

func NewScheduler(clock util.Clock) *Scheduler {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Scheduler{
		schedules: make(map[string]*Schedule),
		clock:     clock,
	}
}

// Add inserts or replaces a schedule. A schedule without NextRun gets one
// computed from the current time.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.ID == "" {
		return fmt.Errorf("schedule id is required")
	}

	c := sched.clone()
	if c.NextRun == nil {
		c.CalculateNextRun(s.clock.Now())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[c.ID] = c
	return nil
}

// Update replaces an existing schedule as given.
func (s *Scheduler) Update(sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sched.ID)
	}
	s.schedules[sched.ID] = sched.clone()
	return nil
}

func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.schedules[id]
	delete(s.schedules, id)
	return ok
}

func (s *Scheduler) Get(id string) (Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *sched.clone(), true
}

// All returns copies of every schedule ordered by id.
func (s *Scheduler) All() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, id := range s.sortedIDs() {
		out = append(out, *s.schedules[id].clone())
	}
	return out
}

func (s *Scheduler) ForSet(backupSetID string) []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Schedule
	for _, id := range s.sortedIDs() {
		if sched := s.schedules[id]; sched.BackupSetID == backupSetID {
			out = append(out, *sched.clone())
		}
	}
	return out
}

// Pending returns every enabled schedule whose next run has been reached,
// ordered by schedule id. NextRun is not advanced; call MarkCompleted once
// the run attempt is over.
func (s *Scheduler) Pending() []Due {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Due
	for _, id := range s.sortedIDs() {
		sched := s.schedules[id]
		if sched.ShouldRunNow(now) {
			due = append(due, Due{ScheduleID: id, BackupSetID: sched.BackupSetID})
		}
	}
	return due
}

// MarkCompleted stamps LastRun and recomputes NextRun. It returns false for
// an unknown id.
func (s *Scheduler) MarkCompleted(id string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return false
	}
	last := now.UTC()
	sched.LastRun = &last
	sched.CalculateNextRun(now)
	return true
}

// CheckWeatherTriggers returns the backup sets of enabled schedules with an
// enabled trigger for any of the active categories. Each set appears once,
// in schedule id order.
func (s *Scheduler) CheckWeatherTriggers(active []weather.Category) []string {
	if len(active) == 0 {
		return nil
	}
	activeSet := make(map[weather.Category]bool, len(active))
	for _, c := range active {
		activeSet[c] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var sets []string
	for _, id := range s.sortedIDs() {
		sched := s.schedules[id]
		if !sched.Enabled || seen[sched.BackupSetID] {
			continue
		}
		for _, trig := range sched.WeatherTriggers {
			if trig.Enabled && activeSet[trig.AlertType] {
				seen[sched.BackupSetID] = true
				sets = append(sets, sched.BackupSetID)
				break
			}
		}
	}
	return sets
}

// sortedIDs must be called with mu held.
func (s *Scheduler) sortedIDs() []string {
	ids := make([]string, 0, len(s.schedules))
	for id := range s.schedules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Schedule) clone() *Schedule {
	c := *s
	c.DaysOfWeek = append([]int(nil), s.DaysOfWeek...)
	c.WeatherTriggers = append([]WeatherTrigger(nil), s.WeatherTriggers...)
	if s.DayOfMonth != nil {
		d := *s.DayOfMonth
		c.DayOfMonth = &d
	}
	c.LastRun = cloneTime(s.LastRun)
	c.NextRun = cloneTime(s.NextRun)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
