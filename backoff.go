package safenest

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxBackoffDelay is returned once the exponential schedule no longer fits in a time.Duration.
const maxBackoffDelay = time.Duration(math.MaxInt64)

// BackoffDelay returns how long to wait before retry number attempt (1 for the first retry).
// The delay doubles with every attempt starting from initial and adds a random jitter in
// [0, initial), so consecutive delays never decrease and never go negative. It has no state
// and is safe for concurrent use.
func BackoffDelay(attempt int, initial time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 62 || initial > (maxBackoffDelay/2)>>shift {
		return maxBackoffDelay
	}
	return initial<<shift + time.Duration(rand.Int64N(int64(initial)))
}

// scheduleBackOff adapts BackoffDelay to backoff.BackOff so the retry budget can be expressed
// with backoff.WithMaxRetries.
type scheduleBackOff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

var _ backoff.BackOff = (*scheduleBackOff)(nil)

func (s *scheduleBackOff) NextBackOff() time.Duration {
	s.attempt++
	d := BackoffDelay(s.attempt, s.initial)
	if s.max > 0 && d > s.max {
		d = s.max
	}
	return d
}

func (s *scheduleBackOff) Reset() {
	s.attempt = 0
}

// createBackoff creates the backoff for one logical call.
func createBackoff(config RetryConfig) backoff.BackOff {
	if config.MaxRetries == 0 {
		return &backoff.StopBackOff{}
	}

	schedule := &scheduleBackOff{
		initial: config.InitialInterval,
		max:     config.MaxInterval,
	}
	return backoff.WithMaxRetries(schedule, config.MaxRetries)
}
