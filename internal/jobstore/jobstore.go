// Package jobstore is the durable three-lane scrape queue backed by its own
// sqlite database. Jobs are deduplicated while live, rate-limited globally by
// a token bucket, and retried with exponential backoff.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/casewatch/casewatch/internal/model"
)

// Lane identifies one of the three job queues.
type Lane = model.JobKind

const (
	LaneInitial  = model.JobInitial
	LaneMonitor  = model.JobMonitor
	LanePriority = model.JobPriority
)

// laneOrder is the fixed claim order: priority jobs starve monitor jobs,
// never the other way around.
var laneOrder = []Lane{LanePriority, LaneInitial, LaneMonitor}

// Job states.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// liveStates are the states covered by dedup; matches idx_jobs_dedup_live.
const liveStates = "('pending', 'active', 'delayed')"

// Job is one scrape job as stored in the queue.
type Job struct {
	ID           int64
	Lane         Lane
	CaseFileID   string
	CaseNumber   string
	TenantID     string
	Priority     int
	DedupKey     string
	Attempt      int
	MaxAttempts  int
	State        string
	NotBeforeNs  int64
	DeadlineNs   int64
	LastError    string
	WorkerID     string
	EnqueuedAtNs int64
}

// Payload is what callers provide when enqueueing.
type Payload struct {
	CaseFileID string
	CaseNumber string
	TenantID   string
}

// Config carries the queue tunables.
type Config struct {
	DB              *sql.DB
	RateLimitMax    int
	RateLimitWindow time.Duration
	BackoffBase     time.Duration
	MaxAttempts     int
}

// Store is the queue. All mutations go through a single mutex; the sqlite
// handle is capped at one connection anyway, and the mutex also keeps the
// claim path (select + update) atomic.
type Store struct {
	db          *sql.DB
	mu          sync.Mutex
	bucket      *tokenBucket
	backoffBase time.Duration
	maxAttempts int
	enqueuedSig *signal
	nowFn       func() time.Time
}

func New(cfg Config) *Store {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	return &Store{
		db:          cfg.DB,
		bucket:      newTokenBucket(cfg.RateLimitMax, cfg.RateLimitWindow),
		backoffBase: backoffBase,
		maxAttempts: maxAttempts,
		enqueuedSig: newSignal(),
		nowFn:       time.Now,
	}
}

// Enqueue adds a job to a lane. If a live job with the same dedup key already
// exists the call is a no-op and the existing job's ID is returned with
// created=false.
func (s *Store) Enqueue(lane Lane, p Payload, priority int, dedupKey string) (id int64, created bool, err error) {
	if p.CaseFileID == "" || p.TenantID == "" {
		return 0, false, errors.New("jobstore: payload requires case file and tenant")
	}
	now := s.nowFn().UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO jobs (lane, case_file_id, case_number, tenant_id, priority,
		                  dedup_key, max_attempts, state, enqueued_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(dedup_key) WHERE state IN `+liveStates+` DO NOTHING
	`, string(lane), p.CaseFileID, p.CaseNumber, p.TenantID, priority,
		dedupKey, s.maxAttempts, now, now)
	if err != nil {
		return 0, false, fmt.Errorf("jobstore: enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		err = s.db.QueryRow(
			"SELECT id FROM jobs WHERE dedup_key = ? AND state IN "+liveStates,
			dedupKey).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("jobstore: dedup lookup: %w", err)
		}
		return id, false, nil
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	s.enqueuedSig.broadcast()
	return id, true, nil
}

// NextReady blocks until a job is ready in one of the given lanes and a rate
// limit token is available, then claims it for workerID. Lanes are scanned in
// fixed order PRIORITY, INITIAL, MONITOR regardless of the order passed in.
// Returns ctx.Err() when the context is cancelled.
func (s *Store) NextReady(ctx context.Context, workerID string, lanes []Lane) (*Job, error) {
	allowed := make(map[Lane]bool, len(lanes))
	for _, l := range lanes {
		allowed[l] = true
	}

	for {
		wait, wake, job, err := s.tryClaim(workerID, allowed)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryClaim does one claim pass: promote due delayed jobs, find the best
// pending job in the allowed lanes, and take it if a token is available.
// When nothing is claimable it returns how long to wait and the enqueue
// wake channel.
func (s *Store) tryClaim(workerID string, allowed map[Lane]bool) (time.Duration, <-chan struct{}, *Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UnixNano()
	if _, err := s.db.Exec(
		"UPDATE jobs SET state = 'pending', updated_at_ns = ? WHERE state = 'delayed' AND not_before_ns <= ?",
		now, now); err != nil {
		return 0, nil, nil, fmt.Errorf("jobstore: promote delayed: %w", err)
	}

	var candidate *Job
	for _, lane := range laneOrder {
		if !allowed[lane] {
			continue
		}
		j, err := s.peekLaneLocked(lane)
		if err != nil {
			return 0, nil, nil, err
		}
		if j != nil {
			candidate = j
			break
		}
	}

	wake := s.enqueuedSig.wait()

	if candidate == nil {
		wait := s.nextDelayedWaitLocked()
		return wait, wake, nil, nil
	}

	if !s.bucket.tryAcquire() {
		wait := s.bucket.nextTokenIn()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		return wait, wake, nil, nil
	}

	now = s.nowFn().UnixNano()
	if _, err := s.db.Exec(`
		UPDATE jobs
		SET state = 'active', worker_id = ?, attempt = attempt + 1, updated_at_ns = ?
		WHERE id = ?
	`, workerID, now, candidate.ID); err != nil {
		return 0, nil, nil, fmt.Errorf("jobstore: claim: %w", err)
	}
	candidate.State = StateActive
	candidate.WorkerID = workerID
	candidate.Attempt++
	return 0, nil, candidate, nil
}

const jobColumns = `id, lane, case_file_id, case_number, tenant_id, priority,
	dedup_key, attempt, max_attempts, state, not_before_ns, deadline_ns,
	last_error, worker_id, enqueued_at_ns`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var lane string
	if err := row.Scan(&j.ID, &lane, &j.CaseFileID, &j.CaseNumber, &j.TenantID,
		&j.Priority, &j.DedupKey, &j.Attempt, &j.MaxAttempts, &j.State,
		&j.NotBeforeNs, &j.DeadlineNs, &j.LastError, &j.WorkerID,
		&j.EnqueuedAtNs); err != nil {
		return nil, err
	}
	j.Lane = Lane(lane)
	return &j, nil
}

func (s *Store) peekLaneLocked(lane Lane) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = 'pending' AND lane = ?
		ORDER BY priority, id
		LIMIT 1
	`, string(lane)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: peek %s: %w", lane, err)
	}
	return j, nil
}

// nextDelayedWaitLocked returns the wait until the nearest delayed job is
// due, or a coarse idle interval when nothing is delayed.
func (s *Store) nextDelayedWaitLocked() time.Duration {
	var notBefore int64
	err := s.db.QueryRow(
		"SELECT MIN(not_before_ns) FROM jobs WHERE state = 'delayed'").Scan(&notBefore)
	if err != nil || notBefore == 0 {
		return time.Minute
	}
	wait := time.Duration(notBefore - s.nowFn().UnixNano())
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// GetJob loads a job by ID.
func (s *Store) GetJob(id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := scanJob(s.db.QueryRow(
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Complete marks an active job as completed.
func (s *Store) Complete(id int64) error {
	return s.setTerminal(id, StateCompleted, "")
}

// Fail records a failed attempt. If the failure is retryable and attempts
// remain, the job is re-delayed with exponential backoff and willRetry=true
// is returned along with the delay. Otherwise the job goes terminal failed.
func (s *Store) Fail(id int64, message string, retryable bool) (willRetry bool, delay time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := scanJob(s.db.QueryRow(
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err != nil {
		return false, 0, fmt.Errorf("jobstore: fail lookup: %w", err)
	}

	now := s.nowFn()
	if retryable && j.Attempt < j.MaxAttempts {
		delay = retryDelay(s.backoffBase, j.Attempt)
		_, err = s.db.Exec(`
			UPDATE jobs
			SET state = 'delayed', not_before_ns = ?, last_error = ?, worker_id = '', updated_at_ns = ?
			WHERE id = ?
		`, now.Add(delay).UnixNano(), message, now.UnixNano(), id)
		if err != nil {
			return false, 0, fmt.Errorf("jobstore: delay: %w", err)
		}
		return true, delay, nil
	}

	_, err = s.db.Exec(`
		UPDATE jobs SET state = 'failed', last_error = ?, updated_at_ns = ? WHERE id = ?
	`, message, now.UnixNano(), id)
	if err != nil {
		return false, 0, fmt.Errorf("jobstore: mark failed: %w", err)
	}
	return false, 0, nil
}

// Requeue puts an active job back to pending without burning an attempt.
// Used at shutdown for in-flight jobs that were force-killed.
func (s *Store) Requeue(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn().UnixNano()
	_, err := s.db.Exec(`
		UPDATE jobs
		SET state = 'pending', worker_id = '', attempt = MAX(attempt - 1, 0), updated_at_ns = ?
		WHERE id = ? AND state = 'active'
	`, now, id)
	if err != nil {
		return fmt.Errorf("jobstore: requeue: %w", err)
	}
	s.enqueuedSig.broadcast()
	return nil
}

// Recover resets jobs left active by a previous process (crash or kill -9)
// back to pending. Called once at startup before workers start.
func (s *Store) Recover() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn().UnixNano()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET state = 'pending', worker_id = '', attempt = MAX(attempt - 1, 0), updated_at_ns = ?
		WHERE state = 'active'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("jobstore: recover: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[jobstore] recovered %d orphaned active jobs", n)
	}
	return n, nil
}

func (s *Store) setTerminal(id int64, state, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE jobs SET state = ?, last_error = ?, updated_at_ns = ? WHERE id = ?",
		state, message, s.nowFn().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("jobstore: set %s: %w", state, err)
	}
	return nil
}

// LaneCounts returns job counts per lane and state.
func (s *Store) LaneCounts() (map[Lane]map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		"SELECT lane, state, COUNT(*) FROM jobs GROUP BY lane, state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Lane]map[string]int)
	for rows.Next() {
		var lane, state string
		var n int
		if err := rows.Scan(&lane, &state, &n); err != nil {
			return nil, err
		}
		m := out[Lane(lane)]
		if m == nil {
			m = make(map[string]int)
			out[Lane(lane)] = m
		}
		m[state] = n
	}
	return out, rows.Err()
}

// PruneTerminal deletes completed/failed jobs last touched before the cutoff.
func (s *Store) PruneTerminal(cutoffNs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		"DELETE FROM jobs WHERE state IN ('completed', 'failed') AND updated_at_ns < ?",
		cutoffNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks queue database liveness.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// signal is a broadcast wakeup: wait returns a channel closed by the next
// broadcast.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
