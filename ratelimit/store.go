package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewRedisLimiter keeps each window in a sorted set scored by unix nanoseconds.
func NewRedisLimiter(client *redis.Client, prefix string) *Limiter {
	return newLimiter(&redisStore{client: client}, prefix)
}

// NewMemoryLimiter keeps windows in process memory.
func NewMemoryLimiter(prefix string) *Limiter {
	return newLimiter(&memoryStore{windows: make(map[string][]hit)}, prefix)
}

type redisStore struct {
	client *redis.Client
}

func (s *redisStore) count(ctx context.Context, key string, since time.Time) (int, time.Time, error) {
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(since.UnixNano(), 10))
	card := pipe.ZCard(ctx, key)
	first := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	var oldest time.Time
	if zs := first.Val(); len(zs) > 0 {
		oldest = time.Unix(0, int64(zs[0].Score))
	}
	return int(card.Val()), oldest, nil
}

// takeScript trims the window, then adds ARGV[4] members scored ARGV[2] when
// they fit under ARGV[3]. Returns {count, allowed, oldest score}.
var takeScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local current = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local allowed = 0
if current + cost <= limit then
  for i = 1, cost do
    redis.call('ZADD', KEYS[1], ARGV[2], ARGV[6] .. ':' .. i)
  end
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  current = current + cost
  allowed = 1
end
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldest = ''
if #first > 0 then
  oldest = first[2]
end
return {current, allowed, oldest}
`)

func (s *redisStore) take(ctx context.Context, key string, now, since time.Time, limit, cost int, window time.Duration) (int, time.Time, bool, error) {
	vals, err := takeScript.Run(ctx, s.client, []string{key},
		since.UnixNano(), now.UnixNano(), limit, cost, window.Milliseconds(), uuid.NewString()).Slice()
	if err != nil {
		return 0, time.Time{}, false, err
	}
	if len(vals) != 3 {
		return 0, time.Time{}, false, fmt.Errorf("unexpected rate limit reply: %v", vals)
	}

	current, _ := vals[0].(int64)
	allowed, _ := vals[1].(int64)
	var oldest time.Time
	if raw, _ := vals[2].(string); raw != "" {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, time.Time{}, false, fmt.Errorf("bad rate limit score %q: %w", raw, err)
		}
		oldest = time.Unix(0, int64(score))
	}
	return int(current), oldest, allowed == 1, nil
}

func (s *redisStore) reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

type hit struct {
	at   time.Time
	cost int
}

type memoryStore struct {
	mu      sync.Mutex
	windows map[string][]hit
}

// trim drops hits older than since. Callers hold mu.
func (s *memoryStore) trim(key string, since time.Time) []hit {
	hits := s.windows[key]
	kept := hits[:0]
	for _, h := range hits {
		if !h.at.Before(since) {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(s.windows, key)
		return nil
	}
	s.windows[key] = kept
	return kept
}

func total(hits []hit) int {
	n := 0
	for _, h := range hits {
		n += h.cost
	}
	return n
}

func (s *memoryStore) count(_ context.Context, key string, since time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.trim(key, since)
	if len(kept) == 0 {
		return 0, time.Time{}, nil
	}
	return total(kept), kept[0].at, nil
}

func (s *memoryStore) take(_ context.Context, key string, now, since time.Time, limit, cost int, _ time.Duration) (int, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.trim(key, since)
	current := total(kept)
	allowed := current+cost <= limit
	if allowed {
		kept = append(kept, hit{at: now, cost: cost})
		s.windows[key] = kept
		current += cost
	}
	if len(kept) == 0 {
		return current, time.Time{}, allowed, nil
	}
	return current, kept[0].at, allowed, nil
}

func (s *memoryStore) reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}
