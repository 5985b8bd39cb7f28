// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestBreakerTripsAtThreshold(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 3, 30*time.Second, WithClock(clk))

	assert.Equal(t, StateClosed, cb.GetState())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState(), "below threshold stays closed")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.Allow())
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, 30*time.Second, WithClock(clk))

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.Allow())

	clk.advance(31 * time.Second)
	assert.True(t, cb.Allow(), "reset timeout elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, cb.GetState())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Run("probe failure reopens", func(t *testing.T) {
		clk := &fakeClock{now: time.Now()}
		cb := NewCircuitBreaker("test", 1, 30*time.Second, WithClock(clk))

		cb.RecordFailure()
		clk.advance(31 * time.Second)
		require.True(t, cb.Allow())

		cb.RecordFailure()
		assert.Equal(t, StateOpen, cb.GetState())
		assert.False(t, cb.Allow(), "reopened breaker rejects until a fresh timeout")
	})

	t.Run("probe success closes", func(t *testing.T) {
		clk := &fakeClock{now: time.Now()}
		cb := NewCircuitBreaker("test", 1, 30*time.Second, WithClock(clk))

		cb.RecordFailure()
		clk.advance(31 * time.Second)
		require.True(t, cb.Allow())

		cb.RecordSuccess()
		assert.Equal(t, StateClosed, cb.GetState())
		assert.True(t, cb.Allow())
	})
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 30*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState(), "streak broken by a success must start over")
}

func TestExecute(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, 30*time.Second, WithClock(clk))

	boom := errors.New("bridge down")
	err := cb.Execute(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.GetState())

	err = cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker rejects without invoking fn")

	clk.advance(31 * time.Second)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestDefaultsApplied(t *testing.T) {
	cb := NewCircuitBreaker("test", 0, 0)
	assert.Equal(t, 3, cb.threshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}
