package backoff

import (
	"context"
	"math/rand"
	"time"
)

const (
	DefaultBase = 500 * time.Millisecond
	DefaultCap  = 30 * time.Second
)

// Policy is an exponential backoff with "equal jitter": attempt n waits
// somewhere in [d/2, d) where d = Base*2^n capped at Cap. Until the cap is
// reached every wait is strictly longer than the previous one.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int

	// Rand returns a value in [0, n). Defaults to math/rand.
	Rand func(n int64) int64
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	if attempt < 0 {
		attempt = 0
	}

	d := limit
	// 2^40 * 1ns is already ~18 minutes past any sane base.
	if attempt < 40 {
		if exp := base * time.Duration(int64(1)<<attempt); exp > 0 && exp < limit {
			d = exp
		}
	}

	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Int63n
	}
	return time.Duration(half + rnd(half))
}

// Grows reports whether the first retries waits are all uncapped, which
// keeps each one strictly longer than the one before.
func (p Policy) Grows(retries int) bool {
	if p.Base <= 0 || p.Cap < p.Base {
		return false
	}
	d := p.Base
	for n := 1; n < retries; n++ {
		if d > p.Cap/2 {
			return false
		}
		d *= 2
	}
	return true
}

// Exhausted reports whether failures consecutive failures used up the budget.
// A non-positive MaxAttempts never exhausts.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
