package scheduler

import (
	"github.com/casewatch/casewatch/internal/clock"
	"github.com/casewatch/casewatch/internal/model"
)

// Thresholds are the adaptive frequency knobs, all in days.
type Thresholds struct {
	YoungCase         int
	RecentChange      int
	HighStale         int
	VeryStale         int
	HighStaleRescrape int
	VeryStaleRescrape int
}

// DefaultThresholds returns the reference tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		YoungCase:         7,
		RecentChange:      7,
		HighStale:         30,
		VeryStale:         90,
		HighStaleRescrape: 3,
		VeryStaleRescrape: 7,
	}
}

// Due applies the adaptive frequency rule: cases that changed recently are
// scraped often, dormant cases progressively less. snap is nil when the case
// has never been scraped.
func Due(clk *clock.Clock, th Thresholds, cf model.CaseFile, snap *model.Snapshot) bool {
	if clk.DaysSince(nsTime(cf.CreatedAtNs)) < float64(th.YoungCase) {
		return true
	}
	if snap == nil {
		return true
	}

	sinceScraped := clk.DaysSince(nsTime(snap.LastScrapedAtNs))
	if snap.LastChangedAtNs != 0 {
		sinceChanged := clk.DaysSince(nsTime(snap.LastChangedAtNs))
		if sinceChanged < float64(th.RecentChange) {
			return true
		}
		if sinceChanged > float64(th.VeryStale) {
			return sinceScraped >= float64(th.VeryStaleRescrape)
		}
		if sinceChanged > float64(th.HighStale) {
			return sinceScraped >= float64(th.HighStaleRescrape)
		}
	}
	return sinceScraped >= 1
}
