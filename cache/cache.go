// Package cache provides a namespaced key/value cache with tag based
// invalidation, backed by Redis or by process memory.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultTTL applies when Set is called with a zero ttl.
const DefaultTTL = time.Hour

type Cache interface {
	// Get reports found=false on a miss. Backend failures are logged and
	// surface as misses.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error
	Delete(ctx context.Context, key string) error
	// DeleteByTag removes every entry stored with tag and returns how many were removed.
	DeleteByTag(ctx context.Context, tag string) (int, error)
	// Clear removes keys matching a glob pattern ("*" for everything under the prefix).
	Clear(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
}

// Key builds a deterministic key from a function-like name and its arguments.
// Arguments are hashed so keys stay short whatever their content.
func Key(name string, args ...any) string {
	if len(args) == 0 {
		return name
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return name + ":" + hex.EncodeToString(sum[:])[:16]
}

// GetJSON decodes a cached value into dst. It reports false on a miss or
// when the stored value cannot be decoded.
func GetJSON(ctx context.Context, c Cache, key string, dst any) bool {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		slog.Warn("Discarding undecodable cache entry", "key", key, "error", err)
		return false
	}
	return true
}

func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration, tags ...string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return c.Set(ctx, key, raw, ttl, tags...)
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
