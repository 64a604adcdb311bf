package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CronSchedule is a Schedule driven by a standard 5-field cron expression:
// minute hour day-of-month month day-of-week.
//
//	"*/5 * * * *"  every 5 minutes
//	"0 3 * * *"    every day at 03:00
//	"0 0 * * 1"    every Monday at midnight
type CronSchedule struct {
	raw      string
	minutes  []int // 0-59
	hours    []int // 0-23
	days     []int // 1-31
	months   []int // 1-12
	weekdays []int // 0-6, 0 = Sunday
}

// Common expressions.
const (
	EveryFiveMinutes = "*/5 * * * *"
	EveryHour        = "0 * * * *"
	EveryDayAt3AM    = "0 3 * * *"
	EveryDayMidnight = "0 0 * * *"
	EveryMonday      = "0 0 * * 1"
)

// ParseCron parses a cron expression. Supported field forms are *, */n,
// n, n-m, n-m/s and comma separated lists of those.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	cs := &CronSchedule{raw: strings.Join(fields, " ")}
	targets := []struct {
		name     string
		dst      *[]int
		min, max int
	}{
		{"minute", &cs.minutes, 0, 59},
		{"hour", &cs.hours, 0, 23},
		{"day", &cs.days, 1, 31},
		{"month", &cs.months, 1, 12},
		{"weekday", &cs.weekdays, 0, 6},
	}
	for i, t := range targets {
		values, err := parseCronField(fields[i], t.min, t.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", t.name, err)
		}
		*t.dst = values
	}
	return cs, nil
}

// MustParseCron parses a cron expression or panics. Use only for constants.
func MustParseCron(expr string) *CronSchedule {
	cs, err := ParseCron(expr)
	if err != nil {
		panic(err)
	}
	return cs
}

func parseCronField(field string, min, max int) ([]int, error) {
	set := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		if err := parseCronPart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

func parseCronPart(part string, min, max int, set map[int]struct{}) error {
	step := 1
	if base, s, ok := strings.Cut(part, "/"); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step %q", s)
		}
		step = n
		part = base
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		var err error
		if start, err = cronValue(lo, min, max); err != nil {
			return err
		}
		if end, err = cronValue(hi, min, max); err != nil {
			return err
		}
		if start > end {
			return fmt.Errorf("invalid range %q", part)
		}
	default:
		v, err := cronValue(part, min, max)
		if err != nil {
			return err
		}
		start = v
		if step == 1 {
			end = v
		}
	}

	for v := start; v <= end; v += step {
		set[v] = struct{}{}
	}
	return nil
}

func cronValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value out of range [%d-%d]: %d", min, max, v)
	}
	return v, nil
}

// Next returns the first matching minute strictly after t, or the zero
// time if nothing matches within a year.
func (cs *CronSchedule) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	const limit = 366 * 24 * 60
	for i := 0; i < limit; i++ {
		if cs.matches(next) {
			return next
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}
}

// String returns the normalized expression.
func (cs *CronSchedule) String() string { return cs.raw }

func (cs *CronSchedule) matches(t time.Time) bool {
	return slices.Contains(cs.minutes, t.Minute()) &&
		slices.Contains(cs.hours, t.Hour()) &&
		slices.Contains(cs.days, t.Day()) &&
		slices.Contains(cs.months, int(t.Month())) &&
		slices.Contains(cs.weekdays, int(t.Weekday()))
}
