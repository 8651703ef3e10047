package indexer

import (
	"math/rand"
	"time"
)

// backoff tracks a jittered exponential retry delay for the polling
// loop's chain-RPC calls. Hand-rolled rather than cenkalti/backoff/v4
// (already an indirect dependency via testcontainers): that package's
// ExponentialBackOff is built around a single bounded retry sequence,
// while the indexer needs to retry an RPC call forever and only
// escalate to a warning log once failures have persisted past
// alertAfter — a condition better expressed directly than bent onto a
// generic retrier's API.
type backoff struct {
	base       time.Duration
	max        time.Duration
	alertAfter time.Duration
	attempt    int
	firstFail  time.Time
	alerted    bool
}

func newBackoff(base, max, alertAfter time.Duration) *backoff {
	return &backoff{base: base, max: max, alertAfter: alertAfter}
}

// next returns the delay before the next retry and whether this
// failure streak has just crossed the alert threshold (callers should
// log a warning exactly once per streak when shouldAlert is true).
func (b *backoff) next() (delay time.Duration, shouldAlert bool) {
	if b.attempt == 0 {
		b.firstFail = timeNow()
	}
	b.attempt++

	shift := b.attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := b.base << uint(shift)
	if d <= 0 || d > b.max {
		d = b.max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	delay = d/2 + jitter

	if !b.alerted && timeNow().Sub(b.firstFail) >= b.alertAfter {
		b.alerted = true
		shouldAlert = true
	}
	return delay, shouldAlert
}

// reset clears the failure streak after a successful call.
func (b *backoff) reset() {
	b.attempt = 0
	b.alerted = false
}

// timeNow is a var so tests could substitute it; production always
// uses the real clock.
var timeNow = time.Now
