package scheduler

import (
	"time"

	"github.com/casewatch/casewatch/internal/clock"
)

// Priority bands. Lower is claimed first within a lane.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityMedium   = 3
	PriorityLow      = 5
)

// fallbackNotificationTime is used when a tenant has no schedule times.
const fallbackNotificationTime = "23:59"

// MonitorPriority maps the distance to a tenant's nearest upcoming
// notification hour into a priority band: the closer the notification, the
// more urgent the scrape.
func MonitorPriority(clk *clock.Clock, times []string) int {
	if len(times) == 0 {
		times = []string{fallbackNotificationTime}
	}
	nearest := -1.0
	for _, hhmm := range times {
		h, err := clk.HoursUntil(hhmm)
		if err != nil {
			continue
		}
		if nearest < 0 || h < nearest {
			nearest = h
		}
	}
	if nearest < 0 {
		return PriorityLow
	}
	switch {
	case nearest < 1:
		return PriorityCritical
	case nearest < 3:
		return PriorityHigh
	case nearest < 6:
		return PriorityMedium
	}
	return PriorityLow
}

func nsTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
