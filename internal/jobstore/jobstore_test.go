package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/casewatch/casewatch/internal/testutil"
)

func newTestStore(t *testing.T, rateMax int, window time.Duration) *Store {
	t.Helper()
	db := testutil.OpenQueueDB(t)
	return New(Config{
		DB:              db,
		RateLimitMax:    rateMax,
		RateLimitWindow: window,
		BackoffBase:     30 * time.Second,
		MaxAttempts:     3,
	})
}

func mustEnqueue(t *testing.T, s *Store, lane Lane, caseFileID string, priority int, key string) int64 {
	t.Helper()
	id, created, err := s.Enqueue(lane, Payload{
		CaseFileID: caseFileID,
		CaseNumber: "00123-2024",
		TenantID:   "tenant-1",
	}, priority, key)
	if err != nil {
		t.Fatalf("enqueue %s: %v", key, err)
	}
	if !created {
		t.Fatalf("enqueue %s: expected a new job", key)
	}
	return id
}

func claim(t *testing.T, s *Store, lanes ...Lane) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := s.NextReady(ctx, "worker-test", lanes)
	if err != nil {
		t.Fatalf("NextReady: %v", err)
	}
	return j
}

func TestEnqueueDedup(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	id1 := mustEnqueue(t, s, LaneMonitor, "cf-1", 3, MonitorKey("cf-1", "20260825"))

	id2, created, err := s.Enqueue(LaneMonitor, Payload{
		CaseFileID: "cf-1", TenantID: "tenant-1",
	}, 3, MonitorKey("cf-1", "20260825"))
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if created {
		t.Fatalf("duplicate enqueue created a second live job")
	}
	if id2 != id1 {
		t.Fatalf("duplicate enqueue returned id %d, want existing %d", id2, id1)
	}

	// A different day stamp is a different key.
	_, created, err = s.Enqueue(LaneMonitor, Payload{
		CaseFileID: "cf-1", TenantID: "tenant-1",
	}, 3, MonitorKey("cf-1", "20260826"))
	if err != nil {
		t.Fatalf("next-day enqueue: %v", err)
	}
	if !created {
		t.Fatalf("next-day enqueue should create a new job")
	}
}

func TestDedupReleasedOnTerminal(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)
	key := InitialKey("cf-9", "20260825")

	id := mustEnqueue(t, s, LaneInitial, "cf-9", 1, key)
	j := claim(t, s, LaneInitial)
	if j.ID != id {
		t.Fatalf("claimed job %d, want %d", j.ID, id)
	}
	if err := s.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Terminal jobs no longer occupy the dedup key.
	mustEnqueue(t, s, LaneInitial, "cf-9", 1, key)
}

func TestLanePriorityOrder(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	mon := mustEnqueue(t, s, LaneMonitor, "cf-m", 1, MonitorKey("cf-m", "20260825"))
	ini := mustEnqueue(t, s, LaneInitial, "cf-i", 5, InitialKey("cf-i", "20260825"))
	pri := mustEnqueue(t, s, LanePriority, "cf-p", 9, PriorityKey("cf-p", 1756100000000))

	lanes := []Lane{LaneInitial, LaneMonitor, LanePriority}
	got := []int64{claim(t, s, lanes...).ID, claim(t, s, lanes...).ID, claim(t, s, lanes...).ID}
	want := []int64{pri, ini, mon}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order %v, want %v", got, want)
		}
	}
}

func TestWithinLaneOrdering(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	low := mustEnqueue(t, s, LaneMonitor, "cf-a", 5, MonitorKey("cf-a", "20260825"))
	high := mustEnqueue(t, s, LaneMonitor, "cf-b", 1, MonitorKey("cf-b", "20260825"))
	sameAsLow := mustEnqueue(t, s, LaneMonitor, "cf-c", 5, MonitorKey("cf-c", "20260825"))

	got := []int64{claim(t, s, LaneMonitor).ID, claim(t, s, LaneMonitor).ID, claim(t, s, LaneMonitor).ID}
	// Priority ascending first, then enqueue order (id) as tiebreaker.
	want := []int64{high, low, sameAsLow}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order %v, want %v", got, want)
		}
	}
}

func TestLaneFilterRespected(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	mustEnqueue(t, s, LanePriority, "cf-p", 1, PriorityKey("cf-p", 1756100000001))
	mon := mustEnqueue(t, s, LaneMonitor, "cf-m", 1, MonitorKey("cf-m", "20260825"))

	j := claim(t, s, LaneMonitor)
	if j.ID != mon {
		t.Fatalf("monitor-only claim got job %d (lane %s), want %d", j.ID, j.Lane, mon)
	}
}

func TestFailRetrySchedulesDelay(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	id := mustEnqueue(t, s, LaneMonitor, "cf-r", 1, MonitorKey("cf-r", "20260825"))
	j := claim(t, s, LaneMonitor)
	if j.Attempt != 1 {
		t.Fatalf("first claim attempt = %d, want 1", j.Attempt)
	}

	willRetry, delay, err := s.Fail(id, "portal unreachable", true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !willRetry {
		t.Fatalf("retryable failure with attempts left must schedule a retry")
	}
	// 30s base, ±20% jitter: first retry lands in [24s, 36s].
	if delay < 24*time.Second || delay > 36*time.Second {
		t.Fatalf("first retry delay = %v, want within [24s, 36s]", delay)
	}

	got, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != StateDelayed {
		t.Fatalf("state after retryable failure = %s, want delayed", got.State)
	}
	if got.LastError != "portal unreachable" {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestFailExhaustedGoesTerminal(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)
	// Make delayed jobs immediately due again.
	s.nowFn = func() time.Time { return time.Now().Add(time.Hour) }

	id := mustEnqueue(t, s, LaneMonitor, "cf-x", 1, MonitorKey("cf-x", "20260825"))

	for attempt := 1; attempt <= 3; attempt++ {
		j := claim(t, s, LaneMonitor)
		if j.ID != id || j.Attempt != attempt {
			t.Fatalf("claim %d: job %d attempt %d", attempt, j.ID, j.Attempt)
		}
		willRetry, _, err := s.Fail(id, "captcha failed", true)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < 3 && !willRetry {
			t.Fatalf("attempt %d should retry", attempt)
		}
		if attempt == 3 && willRetry {
			t.Fatalf("attempt 3 must not retry with max_attempts=3")
		}
		s.nowFn = func() time.Time { return time.Now().Add(time.Duration(attempt+1) * time.Hour) }
	}

	got, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("state after exhausted retries = %s, want failed", got.State)
	}
}

func TestFailNonRetryable(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	id := mustEnqueue(t, s, LaneInitial, "cf-bad", 1, InitialKey("cf-bad", "20260825"))
	claim(t, s, LaneInitial)

	willRetry, _, err := s.Fail(id, "invalid case number", false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if willRetry {
		t.Fatalf("non-retryable failure must not schedule a retry")
	}
	got, _ := s.GetJob(id)
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
}

func TestRecoverResetsActive(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	id := mustEnqueue(t, s, LaneMonitor, "cf-orphan", 1, MonitorKey("cf-orphan", "20260825"))
	claim(t, s, LaneMonitor)

	n, err := s.Recover()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d jobs, want 1", n)
	}
	got, _ := s.GetJob(id)
	if got.State != StatePending {
		t.Fatalf("state after recover = %s, want pending", got.State)
	}
	if got.Attempt != 0 {
		t.Fatalf("attempt after recover = %d, want 0 (interrupted claim not counted)", got.Attempt)
	}
	if got.WorkerID != "" {
		t.Fatalf("worker_id after recover = %q, want empty", got.WorkerID)
	}
}

func TestRequeue(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	id := mustEnqueue(t, s, LaneMonitor, "cf-q", 1, MonitorKey("cf-q", "20260825"))
	claim(t, s, LaneMonitor)

	if err := s.Requeue(id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	j := claim(t, s, LaneMonitor)
	if j.ID != id {
		t.Fatalf("requeued job not reclaimed: got %d", j.ID)
	}
	if j.Attempt != 1 {
		t.Fatalf("attempt after requeue+reclaim = %d, want 1", j.Attempt)
	}
}

func TestRateLimitBlocksClaims(t *testing.T) {
	s := newTestStore(t, 2, time.Hour) // 2 tokens, essentially no refill

	mustEnqueue(t, s, LaneMonitor, "cf-1", 1, MonitorKey("cf-1", "20260825"))
	mustEnqueue(t, s, LaneMonitor, "cf-2", 1, MonitorKey("cf-2", "20260825"))
	mustEnqueue(t, s, LaneMonitor, "cf-3", 1, MonitorKey("cf-3", "20260825"))

	claim(t, s, LaneMonitor)
	claim(t, s, LaneMonitor)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	j, err := s.NextReady(ctx, "worker-test", []Lane{LaneMonitor})
	if err != context.DeadlineExceeded {
		t.Fatalf("third claim with empty bucket: job=%v err=%v, want deadline exceeded", j, err)
	}
}

func TestNextReadyWakesOnEnqueue(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	done := make(chan *Job, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		j, _ := s.NextReady(ctx, "worker-test", []Lane{LanePriority})
		done <- j
	}()

	time.Sleep(50 * time.Millisecond)
	id := mustEnqueue(t, s, LanePriority, "cf-wake", 1, PriorityKey("cf-wake", 1756100000002))

	select {
	case j := <-done:
		if j == nil || j.ID != id {
			t.Fatalf("woken claim returned %v, want job %d", j, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("NextReady did not wake on enqueue")
	}
}

func TestDelayedPromotion(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	id := mustEnqueue(t, s, LaneMonitor, "cf-d", 1, MonitorKey("cf-d", "20260825"))
	claim(t, s, LaneMonitor)
	if _, _, err := s.Fail(id, "timeout", true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Not due yet: nothing claimable.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	j, err := s.NextReady(ctx, "worker-test", []Lane{LaneMonitor})
	cancel()
	if err != context.DeadlineExceeded {
		t.Fatalf("claim before not_before: job=%v err=%v", j, err)
	}

	// Jump past the backoff window.
	s.nowFn = func() time.Time { return time.Now().Add(time.Hour) }
	got := claim(t, s, LaneMonitor)
	if got.ID != id {
		t.Fatalf("promoted claim got job %d, want %d", got.ID, id)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt on retry = %d, want 2", got.Attempt)
	}
}

func TestLaneCounts(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	mustEnqueue(t, s, LaneMonitor, "cf-1", 1, MonitorKey("cf-1", "20260825"))
	mustEnqueue(t, s, LaneMonitor, "cf-2", 1, MonitorKey("cf-2", "20260825"))
	id := mustEnqueue(t, s, LaneInitial, "cf-3", 1, InitialKey("cf-3", "20260825"))
	claim(t, s, LaneInitial)
	if err := s.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	counts, err := s.LaneCounts()
	if err != nil {
		t.Fatalf("lane counts: %v", err)
	}
	if counts[LaneMonitor][StatePending] != 2 {
		t.Fatalf("monitor pending = %d, want 2", counts[LaneMonitor][StatePending])
	}
	if counts[LaneInitial][StateCompleted] != 1 {
		t.Fatalf("initial completed = %d, want 1", counts[LaneInitial][StateCompleted])
	}
}

func TestPruneTerminal(t *testing.T) {
	s := newTestStore(t, 100, time.Minute)

	id := mustEnqueue(t, s, LaneMonitor, "cf-old", 1, MonitorKey("cf-old", "20260825"))
	claim(t, s, LaneMonitor)
	if err := s.Complete(id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	live := mustEnqueue(t, s, LaneMonitor, "cf-live", 1, MonitorKey("cf-live", "20260826"))

	n, err := s.PruneTerminal(time.Now().Add(time.Hour).UnixNano())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d jobs, want 1", n)
	}
	j, _ := s.GetJob(live)
	if j == nil {
		t.Fatalf("live job was pruned")
	}
}

func TestRetryDelayGrowth(t *testing.T) {
	base := 30 * time.Second
	for _, tc := range []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 24 * time.Second, 36 * time.Second},
		{2, 48 * time.Second, 72 * time.Second},
		{3, 96 * time.Second, 144 * time.Second},
	} {
		d := retryDelay(base, tc.attempt)
		if d < tc.min || d > tc.max {
			t.Fatalf("retryDelay(attempt=%d) = %v, want within [%v, %v]", tc.attempt, d, tc.min, tc.max)
		}
	}

	// Jitter is random; sample the first attempt enough times to catch a
	// delay computed from anything other than the configured base.
	for i := 0; i < 200; i++ {
		if d := retryDelay(base, 1); d < 24*time.Second || d > 36*time.Second {
			t.Fatalf("retryDelay(attempt=1) sample = %v, want within [24s, 36s]", d)
		}
	}
}

func TestTokenBucketRefill(t *testing.T) {
	b := newTokenBucket(2, time.Second)
	now := time.Now()
	b.nowFn = func() time.Time { return now }
	b.last = now

	if !b.tryAcquire() || !b.tryAcquire() {
		t.Fatalf("full bucket must grant its burst")
	}
	if b.tryAcquire() {
		t.Fatalf("empty bucket granted a token")
	}

	// Half a window refills one token (rate = 2/s).
	now = now.Add(500 * time.Millisecond)
	if !b.tryAcquire() {
		t.Fatalf("bucket did not refill after half a window")
	}
	if b.tryAcquire() {
		t.Fatalf("bucket over-refilled")
	}

	// Refill never exceeds the cap.
	now = now.Add(time.Hour)
	if !b.tryAcquire() || !b.tryAcquire() {
		t.Fatalf("bucket should cap at 2 tokens")
	}
	if b.tryAcquire() {
		t.Fatalf("bucket exceeded its cap")
	}
}
