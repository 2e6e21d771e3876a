package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_DoublesToCap(t *testing.T) {
	p := Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, p.Delay(i), "attempt %d", i)
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}
	for range 100 {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := New(Policy{Initial: time.Millisecond, Max: time.Second, Multiplier: 3})
	b.Next()
	b.Next()
	assert.Equal(t, 2, b.Attempts())
	b.Reset()
	assert.Equal(t, time.Millisecond, b.Next())
}

func TestRetry(t *testing.T) {
	fast := Policy{Initial: time.Microsecond, Max: time.Microsecond, Multiplier: 2, MaxAttempts: 3}
	transient := errors.New("transient")

	t.Run("eventual success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			return Permanent(transient)
		})
		assert.Equal(t, transient, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := Policy{Initial: time.Hour, Max: time.Hour, Multiplier: 2}
		err := Retry(ctx, p, func(context.Context) error { return transient })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
