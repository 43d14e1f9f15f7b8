package heartbeat

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay returns the wait before retrying after the given attempt:
// RetryBackoff doubled per earlier attempt, capped at RetryBackoffMax.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.RetryBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if s.cfg.RetryBackoffMax > 0 && delay > s.cfg.RetryBackoffMax {
		delay = s.cfg.RetryBackoffMax
	}
	return delay
}
