package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(Options{Address: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "test"), mr
}

func backends(t *testing.T) map[string]Cache {
	rc, _ := newRedisCache(t)
	return map[string]Cache{
		"redis":  rc,
		"memory": NewMemoryCache(),
	}
}

func TestSetGetDelete(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := c.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
			got, ok, err := c.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v", string(got))

			require.NoError(t, c.Delete(ctx, "k"))
			_, ok, _ = c.Get(ctx, "k")
			assert.False(t, ok)
		})
	}
}

func TestDeleteByTag(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, c.Set(ctx, "a", []byte("1"), 0, "agent:1"))
			require.NoError(t, c.Set(ctx, "b", []byte("2"), 0, "agent:1"))
			require.NoError(t, c.Set(ctx, "c", []byte("3"), 0, "agent:2"))

			n, err := c.DeleteByTag(ctx, "agent:1")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, ok, _ := c.Get(ctx, "a")
			assert.False(t, ok)
			_, ok, _ = c.Get(ctx, "c")
			assert.True(t, ok)
		})
	}
}

func TestClearPattern(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, c.Set(ctx, "conv:1", []byte("x"), 0))
			require.NoError(t, c.Set(ctx, "conv:2", []byte("x"), 0))
			require.NoError(t, c.Set(ctx, "token:1", []byte("x"), 0))

			n, err := c.Clear(ctx, "conv:*")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, ok, _ := c.Get(ctx, "token:1")
			assert.True(t, ok)
		})
	}
}

func TestRedisDefaultTTLAndPrefix(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	assert.True(t, mr.Exists("test:k"))
	assert.Equal(t, DefaultTTL, mr.TTL("test:k"))

	mr.FastForward(DefaultTTL + time.Second)
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisErrorsAreMisses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := NewRedisClient(Options{Address: mr.Addr()})
	defer client.Close()
	c := NewRedisCache(client, "test")
	mr.Close()

	_, ok, err := c.Get(context.Background(), "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Second))
	now = now.Add(2 * time.Second)

	_, ok, _ := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestMemorySweep(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "audit:1", []byte("a"), time.Second, "audit"))
	require.NoError(t, c.Set(ctx, "audit:2", []byte("b"), time.Second, "audit"))
	require.NoError(t, c.Set(ctx, "conv:1", []byte("c"), time.Hour, "conv"))
	now = now.Add(2 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Len(t, c.entries, 1)
	assert.NotContains(t, c.tags, "audit")
	assert.Contains(t, c.tags, "conv")
	assert.Zero(t, c.Sweep())
}

func TestJSONHelpers(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	type info struct {
		Level int `json:"level"`
	}
	require.NoError(t, SetJSON(ctx, c, "info", info{Level: 3}, time.Minute))

	var got info
	require.True(t, GetJSON(ctx, c, "info", &got))
	assert.Equal(t, 3, got.Level)

	require.NoError(t, c.Set(ctx, "broken", []byte("{"), time.Minute))
	assert.False(t, GetJSON(ctx, c, "broken", &got))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "models", Key("models"))

	a := Key("token_info", "user-1")
	b := Key("token_info", "user-1")
	c := Key("token_info", "user-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("token_info:")+16)
}
