package connection

import "time"

// Backoff computes reconnection waits: attempt n (1-based) waits min(Base*2^(n-1), Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Next returns the wait after the n-th consecutive failure.
func (b Backoff) Next(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	capWait := b.Cap
	if capWait <= 0 || capWait < base {
		capWait = base
	}

	wait := base
	for i := 1; i < n; i++ {
		if wait >= capWait/2 {
			return capWait
		}
		wait *= 2
	}
	if wait > capWait {
		return capWait
	}
	return wait
}
