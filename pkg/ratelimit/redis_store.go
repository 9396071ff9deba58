package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCooldownScript checks and stamps the cooldown atomically.
// KEYS[1] = evaluation key (e.g. "courtroom:eval:agent-1")
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = cooldown (milliseconds)
var redisCooldownScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local last = tonumber(redis.call("GET", key))
if last and (now - last) < cooldown then
    return 0
end

redis.call("SET", key, now, "PX", math.max(cooldown, 1))
return 1
`)

// caseKeyTTL keeps daily counters around past the rollover for inspection.
const caseKeyTTL = 48 * time.Hour

// RedisStore implements Store using Redis.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, prefix: "courtroom"}
}

func (s *RedisStore) evalKey(identity string) string {
	return fmt.Sprintf("%s:eval:%s", s.prefix, identity)
}

func (s *RedisStore) casesKey(identity, day string) string {
	return fmt.Sprintf("%s:cases:%s:%s", s.prefix, identity, day)
}

// TryEvaluate executes the Lua script to check and stamp the cooldown.
func (s *RedisStore) TryEvaluate(ctx context.Context, identity string, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := redisCooldownScript.Run(ctx, s.client, []string{s.evalKey(identity)},
		now.UnixMilli(), cooldown.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) CasesOn(ctx context.Context, identity, day string) (int, error) {
	n, err := s.client.Get(ctx, s.casesKey(identity, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis case count: %w", err)
	}
	return n, nil
}

func (s *RedisStore) AddCase(ctx context.Context, identity, day string) (int, error) {
	key := s.casesKey(identity, day)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, caseKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis case increment: %w", err)
	}
	return int(incr.Val()), nil
}
