package hooks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/wsexport/internal/hooks"
)

func TestManagerExecutionOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("higher priority runs first, ties by registration order", func(t *testing.T) {
		m := hooks.NewManager()
		var order []string

		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			order = append(order, "low")
			return nil
		}, hooks.Options{Priority: 1})
		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			order = append(order, "high")
			return nil
		}, hooks.Options{Priority: 10})
		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			order = append(order, "low-later")
			return nil
		}, hooks.Options{Priority: 1})

		m.Execute(ctx, "phase", hooks.Context{})
		assert.Equal(t, []string{"high", "low", "low-later"}, order)
	})

	t.Run("context is passed through", func(t *testing.T) {
		m := hooks.NewManager()
		var seen any

		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			seen = hctx["component"]
			return nil
		}, hooks.Options{})

		m.Execute(ctx, "phase", hooks.Context{"component": "exporter"})
		assert.Equal(t, "exporter", seen)
	})
}

func TestManagerOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("once hooks run a single time", func(t *testing.T) {
		m := hooks.NewManager()
		runs := 0
		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			runs++
			return nil
		}, hooks.Options{Once: true})

		m.Execute(ctx, "phase", hooks.Context{})
		m.Execute(ctx, "phase", hooks.Context{})
		assert.Equal(t, 1, runs)
		assert.Zero(t, m.Count("phase"))
	})

	t.Run("a failing once hook is retained", func(t *testing.T) {
		m := hooks.NewManager()
		runs := 0
		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			runs++
			if runs == 1 {
				return errors.New("transient")
			}
			return nil
		}, hooks.Options{Once: true})

		m.Execute(ctx, "phase", hooks.Context{})
		require.Equal(t, 1, m.Count("phase"), "kept after failure")

		m.Execute(ctx, "phase", hooks.Context{})
		assert.Equal(t, 2, runs)
		assert.Zero(t, m.Count("phase"), "removed after first success")
	})
}

func TestManagerErrorDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("failures re-dispatch to error hooks and execution continues", func(t *testing.T) {
		m := hooks.NewManager()
		boom := errors.New("hook exploded")

		var errCtx hooks.Context
		m.Register(hooks.TypeError, func(ctx context.Context, hctx hooks.Context) error {
			errCtx = hctx
			return nil
		}, hooks.Options{})

		var order []string
		failingID := m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			order = append(order, "failing")
			return boom
		}, hooks.Options{Priority: 2})
		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			order = append(order, "survivor")
			return nil
		}, hooks.Options{Priority: 1})

		m.Execute(ctx, "phase", hooks.Context{"stage": "test"})

		assert.Equal(t, []string{"failing", "survivor"}, order, "remaining hooks still run")
		require.NotNil(t, errCtx)
		assert.Equal(t, boom, errCtx["error"])
		assert.Equal(t, failingID, errCtx["hookId"])
		assert.Equal(t, "phase", errCtx["hookType"])
		assert.Equal(t, "test", errCtx["stage"], "original context is carried over")
	})

	t.Run("failing error hooks do not recurse", func(t *testing.T) {
		m := hooks.NewManager()
		runs := 0
		m.Register(hooks.TypeError, func(ctx context.Context, hctx hooks.Context) error {
			runs++
			return errors.New("even the error hook fails")
		}, hooks.Options{})

		m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
			return errors.New("original failure")
		}, hooks.Options{})

		m.Execute(ctx, "phase", hooks.Context{})
		assert.Equal(t, 1, runs)
	})
}

func TestManagerUnregister(t *testing.T) {
	ctx := context.Background()

	m := hooks.NewManager()
	runs := 0
	id := m.Register("phase", func(ctx context.Context, hctx hooks.Context) error {
		runs++
		return nil
	}, hooks.Options{})

	assert.True(t, m.Unregister(id))
	assert.False(t, m.Unregister(id), "second removal is a no-op")

	m.Execute(ctx, "phase", hooks.Context{})
	assert.Zero(t, runs)
}

func TestManagerAccounting(t *testing.T) {
	m := hooks.NewManager()
	m.Register("a", func(ctx context.Context, hctx hooks.Context) error { return nil }, hooks.Options{})
	m.Register("a", func(ctx context.Context, hctx hooks.Context) error { return nil }, hooks.Options{})
	m.Register("b", func(ctx context.Context, hctx hooks.Context) error { return nil }, hooks.Options{})

	assert.Equal(t, 2, m.Count("a"))
	assert.Equal(t, 3, m.Total())
	assert.Equal(t, []string{"a", "b"}, m.Types())
}
