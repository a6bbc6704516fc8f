package channel

import (
	"time"

	"github.com/cenkalti/backoff"
)

// newBackoff yields base, 2*base, 4*base, ... capped at max, forever. The
// n-th wait after a reset is min(base*2^(n-1), max).
func newBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
