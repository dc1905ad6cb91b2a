// Package clock centralizes wall-clock access in the single configured IANA
// timezone. All scheduling decisions, day stamps, and "now" timestamps flow
// through one Clock so the whole engine agrees on what day it is.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock produces zone-aware timestamps. The zero value is not usable; build
// one with New (or NewFixed in tests).
type Clock struct {
	loc   *time.Location
	nowFn func() time.Time
}

// New creates a Clock for the given IANA timezone name (e.g. "America/Lima").
func New(timezone string) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Clock{loc: loc, nowFn: time.Now}, nil
}

// NewFixed creates a Clock frozen at the given instant, for tests.
func NewFixed(at time.Time) *Clock {
	return &Clock{loc: at.Location(), nowFn: func() time.Time { return at }}
}

// Now returns the current time in the configured zone.
func (c *Clock) Now() time.Time {
	return c.nowFn().In(c.loc)
}

// Location returns the configured timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// DayStamp returns the current calendar day as YYYYMMDD in the configured
// zone. Dedup keys are scoped by this value.
func (c *Clock) DayStamp() string {
	return c.Now().Format("20060102")
}

// DaysSince returns the elapsed time since t in fractional days.
// Returns a very large value for the zero time so "no timestamp" always
// counts as overdue.
func (c *Clock) DaysSince(t time.Time) float64 {
	if t.IsZero() {
		return 1e9
	}
	return c.Now().Sub(t).Hours() / 24
}

// HoursUntil returns the hours from now until the next wall-clock occurrence
// of hhmm ("HH:MM") in the configured zone. If the time has already passed
// today, the occurrence is tomorrow.
func (c *Clock) HoursUntil(hhmm string) (float64, error) {
	hour, minute, err := ParseWallClock(hhmm)
	if err != nil {
		return 0, err
	}
	now := c.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, c.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now).Hours(), nil
}

// ParseWallClock parses "HH:MM" into hour and minute components.
func ParseWallClock(hhmm string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(hhmm), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid wall-clock time %q", hhmm)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", hhmm)
	}
	return hour, minute, nil
}
