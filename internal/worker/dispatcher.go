package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/casewatch/casewatch/internal/clock"
	"github.com/casewatch/casewatch/internal/jobstore"
	"github.com/casewatch/casewatch/internal/metrics"
	"github.com/casewatch/casewatch/internal/model"
	"github.com/casewatch/casewatch/internal/repo"
)

// DispatcherConfig wires the worker fleet.
type DispatcherConfig struct {
	Workers int
	Store   *jobstore.Store
	Repo    *repo.DB
	Worker  *Worker
	Clock   *clock.Clock
}

// Dispatcher runs W worker goroutines over the job store. Per-lane
// concurrency caps come from static lane assignment: every goroutine serves
// MONITOR, the first half also serve INITIAL, the first third also serve
// PRIORITY (minimum one each). A goroutine claims across its lanes in
// PRIORITY > INITIAL > MONITOR order.
type Dispatcher struct {
	workers int
	store   *jobstore.Store
	repo    *repo.DB
	worker  *Worker
	clk     *clock.Clock

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[string]int64 // worker id -> claimed job id
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		workers:  workers,
		store:    cfg.Store,
		repo:     cfg.Repo,
		worker:   cfg.Worker,
		clk:      cfg.Clock,
		inFlight: make(map[string]int64),
	}
}

// lanesFor returns the lanes goroutine i serves.
func (d *Dispatcher) lanesFor(i int) []jobstore.Lane {
	lanes := []jobstore.Lane{jobstore.LaneMonitor}
	if i < max(1, d.workers/2) {
		lanes = append(lanes, jobstore.LaneInitial)
	}
	if i < max(1, d.workers/3) {
		lanes = append(lanes, jobstore.LanePriority)
	}
	return lanes
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		lanes := d.lanesFor(i)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runLoop(ctx, workerID, lanes)
		}()
	}
	log.Printf("[dispatcher] started %d workers", d.workers)
}

// Stop cancels job claiming and waits up to deadline for in-flight jobs.
// Jobs still running past the deadline are returned to pending so another
// process (or the next start) retries them.
func (d *Dispatcher) Stop(deadline time.Duration) {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[dispatcher] all workers stopped")
	case <-time.After(deadline):
		d.mu.Lock()
		stuck := make([]int64, 0, len(d.inFlight))
		for _, jobID := range d.inFlight {
			stuck = append(stuck, jobID)
		}
		d.mu.Unlock()
		for _, jobID := range stuck {
			if err := d.store.Requeue(jobID); err != nil {
				log.Printf("[dispatcher] requeue job %d: %v", jobID, err)
			}
		}
		log.Printf("[dispatcher] shutdown deadline exceeded, requeued %d in-flight jobs", len(stuck))
	}
}

func (d *Dispatcher) runLoop(ctx context.Context, workerID string, lanes []jobstore.Lane) {
	for {
		job, err := d.store.NextReady(ctx, workerID, lanes)
		if err != nil {
			return // context cancelled
		}

		d.mu.Lock()
		d.inFlight[workerID] = job.ID
		d.mu.Unlock()

		d.processJob(ctx, workerID, job)

		d.mu.Lock()
		delete(d.inFlight, workerID)
		d.mu.Unlock()
	}
}

// processJob runs one claimed job and records its outcome: job-store state,
// job log rows, and snapshot error bookkeeping.
func (d *Dispatcher) processJob(ctx context.Context, workerID string, job *jobstore.Job) {
	startNs := d.clk.Now().UnixNano()
	entry := model.JobLogEntry{
		CaseFileID:  job.CaseFileID,
		TenantID:    job.TenantID,
		JobKind:     model.JobKind(job.Lane),
		Status:      model.JobStarted,
		Attempt:     job.Attempt,
		WorkerID:    &workerID,
		StartedAtNs: startNs,
	}
	if _, err := d.repo.InsertJobLog(entry); err != nil {
		log.Printf("[dispatcher] job log (started): %v", err)
	}

	outcome, procErr := d.worker.Process(ctx, job)
	endNs := d.clk.Now().UnixNano()
	durationMs := (endNs - startNs) / int64(time.Millisecond)
	entry.DurationMs = &durationMs
	entry.StartedAtNs = startNs
	entry.CompletedAtNs = endNs

	if procErr == nil {
		if err := d.store.Complete(job.ID); err != nil {
			log.Printf("[dispatcher] complete job %d: %v", job.ID, err)
		}
		found, changed := int64(outcome.BinnaclesFound), int64(outcome.ChangesDetected)
		entry.Status = model.JobCompleted
		entry.BinnaclesFound = &found
		entry.ChangesDetected = &changed
		if _, err := d.repo.InsertJobLog(entry); err != nil {
			log.Printf("[dispatcher] job log (completed): %v", err)
		}
		metrics.Inc("jobs_completed")
		log.Printf("[dispatcher] %s completed job %d (%s %s): %d entries, %d changes",
			workerID, job.ID, job.Lane, job.CaseFileID, found, changed)
		return
	}

	jerr := Classify(procErr)
	willRetry, delay, err := d.store.Fail(job.ID, jerr.Error(), jerr.Kind.Retryable())
	if err != nil {
		log.Printf("[dispatcher] fail job %d: %v", job.ID, err)
	}

	kind := string(jerr.Kind)
	msg := jerr.Error()
	entry.Status = model.JobFailed
	if willRetry {
		entry.Status = model.JobRetrying
	}
	entry.ErrorKind = &kind
	entry.ErrorMessage = &msg
	if _, err := d.repo.InsertJobLog(entry); err != nil {
		log.Printf("[dispatcher] job log (%s): %v", entry.Status, err)
	}
	if err := d.repo.RecordScrapeError(job.CaseFileID, job.TenantID, msg); err != nil {
		log.Printf("[dispatcher] record scrape error: %v", err)
	}

	metrics.Inc("jobs_failed")
	if willRetry {
		log.Printf("[dispatcher] %s job %d failed (%s), retry in %s: %v",
			workerID, job.ID, jerr.Kind, delay.Round(time.Second), jerr.Err)
	} else {
		log.Printf("[dispatcher] %s job %d failed terminally (%s): %v",
			workerID, job.ID, jerr.Kind, jerr.Err)
	}
}
