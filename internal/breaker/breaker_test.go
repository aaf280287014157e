package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/wsexport/internal/breaker"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) error { return errBoom }
func successOp(ctx context.Context) error { return nil }

func TestBreakerStateMachine(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after reaching the failure threshold", func(t *testing.T) {
		b := breaker.New("api", breaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute})

		for i := 0; i < 2; i++ {
			require.ErrorIs(t, b.Execute(ctx, failingOp), errBoom)
			assert.Equal(t, breaker.StateClosed, b.State())
		}

		require.ErrorIs(t, b.Execute(ctx, failingOp), errBoom)
		assert.Equal(t, breaker.StateOpen, b.State())
	})

	t.Run("rejects immediately while open without invoking the operation", func(t *testing.T) {
		b := breaker.New("b", breaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute})

		invocations := 0
		op := func(ctx context.Context) error {
			invocations++
			return errBoom
		}

		for i := 0; i < 3; i++ {
			require.Error(t, b.Execute(ctx, op))
		}
		assert.Equal(t, breaker.StateOpen, b.State())

		err := b.Execute(ctx, op)
		var openErr *breaker.OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "Circuit breaker b is open", err.Error())
		assert.Equal(t, 3, invocations, "operation must not run a 4th time")
		assert.False(t, b.CanProceed())
	})

	t.Run("half-open probe success closes and resets counters", func(t *testing.T) {
		b := breaker.New("probe", breaker.Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

		require.Error(t, b.Execute(ctx, failingOp))
		assert.Equal(t, breaker.StateOpen, b.State())

		time.Sleep(30 * time.Millisecond)
		assert.True(t, b.CanProceed(), "reset timeout elapsed")

		require.NoError(t, b.Execute(ctx, successOp))
		assert.Equal(t, breaker.StateClosed, b.State())
		assert.Zero(t, b.Stats().FailureCount, "counters reset on recovery")
	})

	t.Run("half-open probe failure reopens and restarts the timer", func(t *testing.T) {
		b := breaker.New("relapse", breaker.Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})

		require.Error(t, b.Execute(ctx, failingOp))
		time.Sleep(30 * time.Millisecond)

		require.ErrorIs(t, b.Execute(ctx, failingOp), errBoom)
		assert.Equal(t, breaker.StateOpen, b.State())
		assert.False(t, b.CanProceed(), "timer restarted on relapse")
	})

	t.Run("expected errors never trip the breaker", func(t *testing.T) {
		notFound := errors.New("not found")
		b := breaker.New("tolerant", breaker.Config{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
			ExpectedErrors:   []error{notFound},
		})

		for i := 0; i < 5; i++ {
			err := b.Execute(ctx, func(ctx context.Context) error { return notFound })
			require.ErrorIs(t, err, notFound, "expected errors still propagate to the caller")
		}
		assert.Equal(t, breaker.StateClosed, b.State())
		assert.Zero(t, b.Stats().FailureCount)
	})

	t.Run("forced open and reset", func(t *testing.T) {
		b := breaker.New("manual", breaker.Config{})

		b.Open()
		assert.Equal(t, breaker.StateOpen, b.State())

		b.Reset()
		assert.Equal(t, breaker.StateClosed, b.State())
		stats := b.Stats()
		assert.Zero(t, stats.TotalRequests)
		assert.Zero(t, stats.FailureCount)
	})
}

func TestBreakerStats(t *testing.T) {
	ctx := context.Background()

	b := breaker.New("stats", breaker.Config{FailureThreshold: 10, ResetTimeout: time.Minute})

	require.NoError(t, b.Execute(ctx, successOp))
	require.Error(t, b.Execute(ctx, failingOp))

	stats := b.Stats()
	assert.Equal(t, breaker.StateClosed, stats.State)
	assert.EqualValues(t, 1, stats.SuccessCount)
	assert.EqualValues(t, 1, stats.FailureCount)
	assert.EqualValues(t, 2, stats.TotalRequests)
	assert.InDelta(t, 0.5, stats.FailureRate, 0.001)
	assert.False(t, stats.LastSuccessTime.IsZero())
	assert.False(t, stats.LastFailureTime.IsZero())
}

func TestBreakerStateChangeNotification(t *testing.T) {
	ctx := context.Background()

	b := breaker.New("notify", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	changes := make(chan breaker.StateChange, 4)
	b.OnStateChange(func(c breaker.StateChange) { changes <- c })

	require.Error(t, b.Execute(ctx, failingOp))

	select {
	case c := <-changes:
		assert.Equal(t, "notify", c.Name)
		assert.Equal(t, breaker.StateClosed, c.From)
		assert.Equal(t, breaker.StateOpen, c.To)
	case <-time.After(time.Second):
		t.Fatal("expected a state change notification")
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("GetOrCreate is idempotent", func(t *testing.T) {
		r := breaker.NewRegistry()

		first := r.GetOrCreate("api", breaker.Config{FailureThreshold: 3})
		second := r.GetOrCreate("api", breaker.Config{FailureThreshold: 99})
		assert.Same(t, first, second)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Get and Remove", func(t *testing.T) {
		r := breaker.NewRegistry()
		r.GetOrCreate("api", breaker.Config{})

		_, ok := r.Get("api")
		assert.True(t, ok)

		r.Remove("api")
		_, ok = r.Get("api")
		assert.False(t, ok)
	})

	t.Run("Names are sorted", func(t *testing.T) {
		r := breaker.NewRegistry()
		r.GetOrCreate("zeta", breaker.Config{})
		r.GetOrCreate("alpha", breaker.Config{})

		assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
	})

	t.Run("AllStats and ResetAll", func(t *testing.T) {
		r := breaker.NewRegistry()
		b := r.GetOrCreate("api", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute})
		require.Error(t, b.Execute(ctx, failingOp))

		stats := r.AllStats()
		require.Contains(t, stats, "api")
		assert.Equal(t, breaker.StateOpen, stats["api"].State)

		r.ResetAll()
		assert.Equal(t, breaker.StateClosed, b.State())
	})

	t.Run("Clear drops everything", func(t *testing.T) {
		r := breaker.NewRegistry()
		r.GetOrCreate("api", breaker.Config{})
		r.Clear()
		assert.Zero(t, r.Len())
	})

	t.Run("registry callback reaches created breakers", func(t *testing.T) {
		r := breaker.NewRegistry()
		changes := make(chan breaker.StateChange, 1)
		r.OnStateChange(func(c breaker.StateChange) { changes <- c })

		b := r.GetOrCreate("api", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute})
		require.Error(t, b.Execute(ctx, failingOp))

		select {
		case c := <-changes:
			assert.Equal(t, "api", c.Name)
		case <-time.After(time.Second):
			t.Fatal("expected registry-level notification")
		}
	})
}
