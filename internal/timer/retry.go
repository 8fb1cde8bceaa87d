package timer

import (
	"math"
	"time"
)

// RetryPolicy decides whether a firing whose transaction rolled back is
// delivered once more, and after how long. failures counts consecutive
// failed firings of the timer, including this one.
type RetryPolicy interface {
	Delay(info Info, failures int) (time.Duration, bool)
}

// RetryOnce redelivers every failed firing once after a fixed delay.
type RetryOnce struct {
	After time.Duration
}

func (r RetryOnce) Delay(Info, int) (time.Duration, bool) { return r.After, true }

// Backoff redelivers after Base doubled per consecutive failure, capped at
// Max. Without Max the doubling stops short of overflowing. A positive
// Limit stops retrying once failures exceed it.
type Backoff struct {
	Base  time.Duration
	Max   time.Duration
	Limit int
}

func (b Backoff) Delay(_ Info, failures int) (time.Duration, bool) {
	if b.Limit > 0 && failures > b.Limit {
		return 0, false
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < failures; i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max, true
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}

// NoRetry gives up on a failed firing straight away.
type NoRetry struct{}

func (NoRetry) Delay(Info, int) (time.Duration, bool) { return 0, false }
