package conn

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before reconnect attempt n (1-based):
// min * 2^(n-1) with ±jitter, capped at max. Jitter is a fraction of the
// pre-jitter delay, e.g. 0.2 for ±20%.
func Backoff(min, max time.Duration, jitter float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	if jitter > 0 {
		f := 1 + jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
		if d > max {
			d = max
		}
		if d < 0 {
			d = 0
		}
	}
	return d
}
