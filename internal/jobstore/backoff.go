package jobstore

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay computes the delay before retry number attempt (1-based):
// base · 2^(attempt-1), jittered ±20%.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	// The constructor snapshots the default interval; Reset picks up ours.
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
