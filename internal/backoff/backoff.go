// Package backoff maps reconnect attempts to wait durations.
package backoff

import (
	"errors"
	"math/rand"
	"time"
)

const (
	DefaultBase        = time.Second
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 5
)

var ErrBadPolicy = errors.New("backoff: invalid policy")

// Policy is a bounded exponential backoff: min(Max, Base*2^attempt).
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter in [0,1) shaves up to that fraction off a delay. Zero disables it.
	Jitter float64
}

// Default returns the policy used when no fields are set.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) Validate() error {
	switch {
	case p.Base <= 0:
		return errors.Join(ErrBadPolicy, errors.New("base delay must be positive"))
	case p.Max < p.Base:
		return errors.Join(ErrBadPolicy, errors.New("max delay must not be below base delay"))
	case p.MaxAttempts <= 0:
		return errors.Join(ErrBadPolicy, errors.New("max attempts must be positive"))
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.Join(ErrBadPolicy, errors.New("jitter must be in [0,1)"))
	}
	return nil
}

// Delay is monotonically non-decreasing in attempt and never exceeds Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// JitteredDelay returns Delay(attempt) reduced by a random fraction up to Jitter,
// so the Max bound still holds.
func (p Policy) JitteredDelay(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter <= 0 {
		return d
	}
	cut := time.Duration(rand.Float64() * p.Jitter * float64(d))
	return d - cut
}

// ShouldGiveUp reports whether attempt has reached the cap.
func (p Policy) ShouldGiveUp(attempt int) bool {
	return attempt >= p.MaxAttempts
}
