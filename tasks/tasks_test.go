package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCompletedWithCallback(t *testing.T) {
	m := NewManager()
	got := make(chan any, 1)

	id, err := m.Add("", func(context.Context) (any, error) { return 7, nil }, func(v any) { got <- v })
	require.NoError(t, err)
	m.Wait()

	st := m.Status(id)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 7, st.Result)
	assert.NotNil(t, st.FinishedAt)
	assert.Equal(t, 7, <-got)
}

func TestOwner(t *testing.T) {
	m := NewManager()

	owned, err := m.AddFor("u1", "", func(context.Context) (any, error) { return nil, nil }, nil)
	require.NoError(t, err)
	system, err := m.Add("", func(context.Context) (any, error) { return nil, nil }, nil)
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, "u1", m.Status(owned).Owner)
	assert.Empty(t, m.Status(system).Owner)
}

func TestFailedAndPanicking(t *testing.T) {
	m := NewManager()
	_, err := m.Add("fail", func(context.Context) (any, error) { return nil, errors.New("nope") }, nil)
	require.NoError(t, err)
	_, err = m.Add("panic", func(context.Context) (any, error) { panic("bad") }, nil)
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, StatusFailed, m.Status("fail").Status)
	assert.Equal(t, "nope", m.Status("fail").Error)
	assert.Equal(t, StatusFailed, m.Status("panic").Status)
	assert.Contains(t, m.Status("panic").Error, "bad")
}

func TestCancel(t *testing.T) {
	m := NewManager()
	started := make(chan struct{})
	_, err := m.Add("slow", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)

	<-started
	assert.Equal(t, StatusRunning, m.Status("slow").Status)
	_, err = m.Add("slow", func(context.Context) (any, error) { return nil, nil }, nil)
	assert.Error(t, err, "duplicate running id")

	assert.True(t, m.Cancel("slow"))
	m.Wait()
	assert.Equal(t, StatusCancelled, m.Status("slow").Status)
	assert.False(t, m.Cancel("slow"))
}

func TestNotFoundAndCleanup(t *testing.T) {
	m := NewManager()
	assert.Equal(t, StatusNotFound, m.Status("missing").Status)

	_, _ = m.Add("a", func(context.Context) (any, error) { return nil, nil }, nil)
	m.Wait()

	assert.Equal(t, 0, m.Cleanup(time.Hour))
	assert.Equal(t, 1, m.Cleanup(-time.Second))
	assert.Equal(t, StatusNotFound, m.Status("a").Status)
}

func TestShutdownCancelsRunning(t *testing.T) {
	m := NewManager()
	_, _ = m.Add("", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}
