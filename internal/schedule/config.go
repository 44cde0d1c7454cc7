// Package schedule manages the recurring diagnosis schedule: a single
// persisted configuration plus a timer that fires the batch run.
package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"hadoctor/internal/docstore"
)

// Frequency values accepted by the schedule configuration.
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// Config is the persisted diagnosis schedule.
type Config struct {
	Enabled   bool   `json:"enabled"`
	Time      string `json:"time"`      // HH:MM, 24-hour
	Frequency string `json:"frequency"` // daily, weekly, monthly
	// DayOfWeek holds comma-joined lowercase day names for weekly
	// schedules, e.g. "monday,thursday".
	DayOfWeek  string     `json:"day_of_week,omitempty"`
	DayOfMonth int        `json:"day_of_month,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// ValidationError reports a rejected schedule field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule %s: %s", e.Field, e.Message)
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Validate checks the schedule fields. A disabled schedule is always
// valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, _, err := parseClock(c.Time); err != nil {
		return &ValidationError{Field: "time", Message: err.Error()}
	}
	switch c.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if _, err := c.weekdays(); err != nil {
			return &ValidationError{Field: "day_of_week", Message: err.Error()}
		}
	case FrequencyMonthly:
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			return &ValidationError{Field: "day_of_month", Message: "must be between 1 and 31"}
		}
	default:
		return &ValidationError{Field: "frequency", Message: "must be daily, weekly, or monthly"}
	}
	return nil
}

// Patch is a partial schedule update. Nil fields keep their stored
// values.
type Patch struct {
	Enabled    *bool   `json:"enabled"`
	Time       *string `json:"time"`
	Frequency  *string `json:"frequency"`
	DayOfWeek  *string `json:"day_of_week"`
	DayOfMonth *int    `json:"day_of_month"`
}

// Validate checks every provided field independently, regardless of
// whether the schedule ends up enabled.
func (p *Patch) Validate() error {
	if p.Time != nil {
		if _, _, err := parseClock(*p.Time); err != nil {
			return &ValidationError{Field: "time", Message: err.Error()}
		}
	}
	if p.Frequency != nil {
		switch *p.Frequency {
		case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		default:
			return &ValidationError{Field: "frequency", Message: "must be daily, weekly, or monthly"}
		}
	}
	if p.DayOfWeek != nil && strings.TrimSpace(*p.DayOfWeek) != "" {
		c := Config{DayOfWeek: *p.DayOfWeek}
		if _, err := c.weekdays(); err != nil {
			return &ValidationError{Field: "day_of_week", Message: err.Error()}
		}
	}
	if p.DayOfMonth != nil && (*p.DayOfMonth < 1 || *p.DayOfMonth > 31) {
		return &ValidationError{Field: "day_of_month", Message: "must be between 1 and 31"}
	}
	return nil
}

// Apply overlays the provided fields onto cfg and clears the stale
// computed next run.
func (p *Patch) Apply(cfg *Config) {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Time != nil {
		cfg.Time = *p.Time
	}
	if p.Frequency != nil {
		cfg.Frequency = *p.Frequency
	}
	if p.DayOfWeek != nil {
		cfg.DayOfWeek = *p.DayOfWeek
	}
	if p.DayOfMonth != nil {
		cfg.DayOfMonth = *p.DayOfMonth
	}
	cfg.NextRun = nil
}

func (c *Config) weekdays() ([]time.Weekday, error) {
	if strings.TrimSpace(c.DayOfWeek) == "" {
		return nil, fmt.Errorf("weekly schedule requires at least one day")
	}
	var days []time.Weekday
	seen := make(map[time.Weekday]bool)
	for _, part := range strings.Split(c.DayOfWeek, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", part)
		}
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q has invalid hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q has invalid minute", s)
	}
	return hour, minute, nil
}

// Next computes the next fire time strictly after now in now's
// location. Returns false when the schedule is disabled or invalid.
func (c *Config) Next(now time.Time) (time.Time, bool) {
	if !c.Enabled {
		return time.Time{}, false
	}
	hour, minute, err := parseClock(c.Time)
	if err != nil {
		return time.Time{}, false
	}

	at := func(day time.Time) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	}

	switch c.Frequency {
	case FrequencyDaily:
		next := at(now)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true

	case FrequencyWeekly:
		days, err := c.weekdays()
		if err != nil {
			return time.Time{}, false
		}
		// Scan up to a week ahead for the first matching day.
		for offset := 0; offset <= 7; offset++ {
			day := now.AddDate(0, 0, offset)
			for _, wd := range days {
				if day.Weekday() == wd {
					next := at(day)
					if next.After(now) {
						return next, true
					}
				}
			}
		}
		return time.Time{}, false

	case FrequencyMonthly:
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			return time.Time{}, false
		}
		for add := 0; add <= 12; add++ {
			first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, add, 0)
			// Clamp to the last day of short months.
			day := c.DayOfMonth
			if last := daysIn(first); day > last {
				day = last
			}
			next := time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, now.Location())
			if next.After(now) {
				return next, true
			}
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

func daysIn(month time.Time) int {
	return time.Date(month.Year(), month.Month()+1, 0, 0, 0, 0, 0, month.Location()).Day()
}

type document struct {
	Schedule *Config `json:"schedule"`
}

// Store persists the schedule configuration.
type Store struct {
	doc *docstore.Doc
}

// NewStore creates a schedule store over the given document store.
func NewStore(ds *docstore.Store) *Store {
	return &Store{doc: ds.Doc("schedule")}
}

// Get returns the stored schedule, or a disabled default when none
// has been saved.
func (s *Store) Get() (*Config, error) {
	cfg := &Config{Frequency: FrequencyDaily, Time: "03:00"}
	err := s.doc.View(func(raw json.RawMessage) error {
		var doc document
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &doc); err == nil && doc.Schedule != nil {
				cfg = doc.Schedule
			}
		}
		return nil
	})
	return cfg, err
}

// Put validates and stores the schedule.
func (s *Store) Put(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.doc.Modify(func(json.RawMessage) (any, error) {
		return document{Schedule: cfg}, nil
	})
}
