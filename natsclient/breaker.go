package natsclient

import (
	"sync/atomic"
	"time"
)

const minBackoff = time.Second

// breaker counts consecutive failures. Every threshold failures it trips and
// hands out the pause to wait before the next attempt; each trip doubles the
// pause for the one after it.
type breaker struct {
	threshold  int32
	maxBackoff time.Duration

	total   atomic.Int32
	streak  atomic.Int32
	backoff atomic.Int64 // time.Duration
}

func newBreaker(threshold int32, maxBackoff time.Duration) *breaker {
	b := &breaker{threshold: threshold, maxBackoff: maxBackoff}
	b.backoff.Store(int64(minBackoff))
	return b
}

// fail records a failure. When it trips the breaker it returns true and the
// pause to apply now.
func (b *breaker) fail() (bool, time.Duration) {
	b.total.Add(1)
	if b.streak.Add(1) < b.threshold {
		return false, 0
	}
	b.streak.Store(0)

	pause := time.Duration(b.backoff.Load())
	b.backoff.Store(int64(min(pause*2, b.maxBackoff)))
	return true, pause
}

func (b *breaker) reset() {
	b.total.Store(0)
	b.streak.Store(0)
	b.backoff.Store(int64(minBackoff))
}

func (b *breaker) failures() int32 { return b.total.Load() }

// next is the pause the following trip will apply
func (b *breaker) next() time.Duration { return time.Duration(b.backoff.Load()) }
