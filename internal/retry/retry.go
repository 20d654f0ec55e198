// Package retry implements the AAP connection retry/backoff schedule as a
// github.com/cenkalti/backoff/v4 BackOff, so it composes with backoff.Retry
// and backoff.RetryNotify the way the rest of the ecosystem expects.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxDelay caps the computed delay, per the original's MAX_AAP_RETRY_DELAY.
const maxDelay = 120 * time.Second

// AAPBackOff implements backoff.BackOff with the schedule
// min(2*2^min(retryCount,4), 120) seconds, plus jitter uniform in [0, 1)
// seconds, incrementing retryCount on every call.
type AAPBackOff struct {
	retryCount int
}

// New returns a fresh AAPBackOff starting at retry 0.
func New() *AAPBackOff {
	return &AAPBackOff{}
}

var _ backoff.BackOff = (*AAPBackOff)(nil)

// NextBackOff returns the delay before the next retry and advances the
// internal retry counter. It never returns backoff.Stop: AAP reconnection
// retries indefinitely until the device is removed.
func (b *AAPBackOff) NextBackOff() time.Duration {
	exponent := b.retryCount
	if exponent > 4 {
		exponent = 4
	}
	seconds := 2.0 * math.Pow(2, float64(exponent))
	if seconds > float64(maxDelay/time.Second) {
		seconds = float64(maxDelay / time.Second)
	}
	seconds += rand.Float64()

	b.retryCount++
	return time.Duration(seconds * float64(time.Second))
}

// Reset zeroes the retry counter, e.g. after a successful connection.
func (b *AAPBackOff) Reset() {
	b.retryCount = 0
}
