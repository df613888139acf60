// Package retry describes bounded exponential retry policies. The delivery
// transport and the outbox each hold their own Policy value.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultInitial    = 2 * time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.5
)

type Policy struct {
	// MaxAttempts bounds the total number of attempts. Zero or negative
	// means a single attempt.
	MaxAttempts         int
	Initial             time.Duration
	Max                 time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// Transport is the in-process retry applied to network failures.
func Transport() Policy {
	return Policy{MaxAttempts: 3, Initial: DefaultInitial, Max: DefaultMax, Multiplier: DefaultMultiplier, RandomizationFactor: DefaultJitter}
}

// Outbox is the cross-cycle ceiling on redelivery of a queued envelope.
// Delays are not used since cycles are scheduled externally.
func Outbox(maxRetries int) Policy {
	return Policy{MaxAttempts: maxRetries}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Exhausted reports whether n completed attempts reach the ceiling.
func (p Policy) Exhausted(n int) bool {
	return n >= p.attempts()
}

// NewBackOff returns a fresh exponential backoff configured from p.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitial
	}
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMax
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	b.RandomizationFactor = p.RandomizationFactor
	if b.RandomizationFactor < 0 || b.RandomizationFactor >= 1 {
		b.RandomizationFactor = DefaultJitter
	}
	b.Reset()
	return b
}

// Wait blocks for delay or until ctx is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
