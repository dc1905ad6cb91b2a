// Package scheduler decides which case files to scrape and when. A periodic
// tick walks every enabled monitoring schedule, applies the adaptive
// frequency rule against the stored snapshots, and enqueues due case files
// to the MONITOR lane.
package scheduler

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casewatch/casewatch/internal/clock"
	"github.com/casewatch/casewatch/internal/jobstore"
	"github.com/casewatch/casewatch/internal/metrics"
	"github.com/casewatch/casewatch/internal/model"
	"github.com/casewatch/casewatch/internal/repo"
	"github.com/casewatch/casewatch/internal/tickloop"
)

// queue is the slice of the job store the scheduler needs.
type queue interface {
	Enqueue(lane jobstore.Lane, p jobstore.Payload, priority int, dedupKey string) (int64, bool, error)
}

// Config carries the scheduler tunables.
type Config struct {
	Repo       *repo.DB
	Queue      queue
	Clock      *clock.Clock
	Thresholds Thresholds
	Interval   time.Duration
	Jitter     time.Duration
}

// Scheduler runs the periodic monitoring tick.
type Scheduler struct {
	repo       *repo.DB
	queue      queue
	clk        *clock.Clock
	thresholds Thresholds
	interval   time.Duration
	jitter     time.Duration

	ticking atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		repo:       cfg.Repo,
		queue:      cfg.Queue,
		clk:        cfg.Clock,
		thresholds: cfg.Thresholds,
		interval:   interval,
		jitter:     cfg.Jitter,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tickloop.Run(s.stopCh, s.interval, s.jitter, func() {
			s.Tick()
		})
	}()
	log.Printf("[scheduler] started (interval %s)", s.interval)
}

// Stop halts the loop after the current tick.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("[scheduler] stopped")
}

// Tick runs one scheduling pass. A tick that starts while the previous one
// is still running is dropped, not queued.
func (s *Scheduler) Tick() {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Printf("[scheduler] tick skipped: previous tick still running")
		metrics.Inc("scheduler_ticks_skipped")
		return
	}
	defer s.ticking.Store(false)

	start := time.Now()
	enqueued, err := s.runTick()
	if err != nil {
		log.Printf("[scheduler] tick failed: %v", err)
		metrics.Inc("scheduler_tick_errors")
		return
	}
	metrics.Inc("scheduler_ticks")
	metrics.Add("scheduler_jobs_enqueued", int64(enqueued))
	log.Printf("[scheduler] tick done: %d jobs enqueued in %s", enqueued, time.Since(start).Round(time.Millisecond))
}

func (s *Scheduler) runTick() (int, error) {
	schedules, err := s.repo.ListMonitoringSchedules()
	if err != nil {
		return 0, err
	}

	dayStamp := s.clk.DayStamp()
	enqueued := 0
	for _, sched := range schedules {
		caseFiles, err := s.repo.ListEligibleCaseFiles(sched.TenantID)
		if err != nil {
			return enqueued, err
		}
		if len(caseFiles) == 0 {
			continue
		}

		ids := make([]string, len(caseFiles))
		for i, cf := range caseFiles {
			ids[i] = cf.ID
		}
		snaps, err := s.repo.GetSnapshotsByCaseFiles(ids)
		if err != nil {
			return enqueued, err
		}

		priority := MonitorPriority(s.clk, sched.Times)
		for _, cf := range caseFiles {
			var snap *model.Snapshot
			if sn, ok := snaps[cf.ID]; ok {
				snap = &sn
			}
			if !Due(s.clk, s.thresholds, cf, snap) {
				continue
			}
			_, created, err := s.queue.Enqueue(jobstore.LaneMonitor, jobstore.Payload{
				CaseFileID: cf.ID,
				CaseNumber: cf.CaseNumber,
				TenantID:   cf.TenantID,
			}, priority, jobstore.MonitorKey(cf.ID, dayStamp))
			if err != nil {
				return enqueued, err
			}
			if created {
				enqueued++
			}
		}
	}
	return enqueued, nil
}
