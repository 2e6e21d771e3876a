// Package backoff retries transient failures with capped exponential
// delays.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy describes a retry schedule.
type Policy struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter spreads each delay by up to this fraction, in [0, 1].
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts bounds Retry. Zero retries until the context ends.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultPolicy doubles from 500ms to one minute.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    500 * time.Millisecond,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry number attempt (starting at 0).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < attempt && d < float64(p.Max); i++ {
		d *= p.Multiplier
	}
	d = min(d, float64(p.Max))
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// Backoff tracks attempts against a Policy.
type Backoff struct {
	policy  Policy
	attempt int
}

// New returns a Backoff starting at the first attempt.
func New(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next returns the next delay and advances the attempt count.
func (b *Backoff) Next() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

// Reset starts over after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// ErrExhausted is returned, wrapped with the last failure, when Retry runs
// out of attempts.
var ErrExhausted = errors.New("retries exhausted")

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// run out, or ctx is done.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	b := New(p)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe *permanent
		if errors.As(err, &pe) {
			return pe.err
		}
		if p.MaxAttempts > 0 && b.Attempts()+1 >= p.MaxAttempts {
			return errors.Join(ErrExhausted, err)
		}
		if werr := b.Wait(ctx); werr != nil {
			return errors.Join(werr, err)
		}
	}
}
