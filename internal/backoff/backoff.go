// Package backoff computes retry delays for failed jobs.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultBase = time.Minute
	DefaultCap  = time.Hour
)

// Policy is min(2^attempts * Base, Cap), optionally spread by Jitter.
//
// Jitter is a fraction in [0, 1]: the delay is drawn uniformly from
// [d*(1-Jitter), d]. Zero keeps the delay deterministic.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Default returns the one-minute base, one-hour cap policy without jitter.
func Default() Policy { return Policy{Base: DefaultBase, Cap: DefaultCap} }

// Delay returns the wait before a job that has made attempts attempts is
// eligible again.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.raw(attempts)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	spread := time.Duration(float64(d) * j)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(rand.Int63n(int64(spread)+1))
}

func (p Policy) raw(attempts int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	capped := p.Cap
	if capped <= 0 {
		capped = DefaultCap
	}
	d := p.Base
	for i := 0; i < attempts; i++ {
		if d >= capped {
			return capped
		}
		d *= 2
	}
	if d > capped {
		return capped
	}
	return d
}
