package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, "rpc", fail, nil), errBoom)
	}
	assert.Equal(t, Open, b.State("rpc"))

	called := false
	err := b.Execute(ctx, "rpc", func(context.Context) error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// other services are unaffected
	assert.NoError(t, b.Execute(ctx, "model", ok, nil))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(2, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, "rpc", fail, nil)
	require.NoError(t, b.Execute(ctx, "rpc", ok, nil))
	_ = b.Execute(ctx, "rpc", fail, nil)
	assert.Equal(t, Closed, b.State("rpc"))
}

func TestHalfOpenTransitions(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Execute(ctx, "rpc", fail, nil)
	require.Equal(t, Open, b.State("rpc"))

	now = now.Add(time.Minute)
	_ = b.Execute(ctx, "rpc", fail, nil)
	assert.Equal(t, Open, b.State("rpc"), "half-open failure reopens")

	now = now.Add(time.Minute)
	require.NoError(t, b.Execute(ctx, "rpc", ok, nil))
	assert.Equal(t, Closed, b.State("rpc"))
}

func TestFallback(t *testing.T) {
	b := New(1, time.Minute)
	ctx := context.Background()
	var seen []error
	fallback := func(_ context.Context, err error) error {
		seen = append(seen, err)
		return nil
	}

	assert.NoError(t, b.Execute(ctx, "rpc", fail, fallback))
	assert.NoError(t, b.Execute(ctx, "rpc", fail, fallback))
	require.Len(t, seen, 2)
	assert.ErrorIs(t, seen[0], errBoom)
	assert.ErrorIs(t, seen[1], ErrCircuitOpen)
}

func TestResetAndForceOpen(t *testing.T) {
	b := New(5, time.Minute)
	b.ForceOpen("rpc")
	assert.Equal(t, Open, b.State("rpc"))
	assert.Equal(t, map[string]string{"rpc": "open"}, b.States())

	b.Reset("rpc")
	assert.Equal(t, Closed, b.State("rpc"))
}

func TestCancellationDoesNotTrip(t *testing.T) {
	b := New(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, "rpc", func(ctx context.Context) error { return ctx.Err() }, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State("rpc"))
}

func TestCall(t *testing.T) {
	b := New(1, time.Minute)
	v, err := Call(context.Background(), b, "rpc", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBenignErrorsDoNotTrip(t *testing.T) {
	b := New(2, time.Minute)
	ctx := context.Background()
	rejected := func(context.Context) error { return Benign(errBoom) }

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, "rpc", rejected, nil)
		assert.ErrorIs(t, err, errBoom)
		var benign *benignError
		assert.False(t, errors.As(err, &benign), "marker is stripped before returning")
	}
	assert.Equal(t, Closed, b.State("rpc"))

	_, err := Call(ctx, b, "rpc", func(context.Context) (int, error) { return 0, Benign(errBoom) })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, Closed, b.State("rpc"))
	assert.Nil(t, Benign(nil))
}
