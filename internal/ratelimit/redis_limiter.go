package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Token bucket, executed atomically in Redis.
//
//	KEYS[1] = bucket key
//	ARGV[1] = now (float seconds)
//	ARGV[2] = refill rate (tokens per second)
//	ARGV[3] = capacity
//	ARGV[4] = cost
//
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local capacity = tonumber(ARGV[3])
	local cost = tonumber(ARGV[4]) or 1

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))
	if tokens == nil then
		tokens = capacity
		last_refill = now
	end

	local elapsed = math.max(0, now - last_refill)
	tokens = math.min(tokens + elapsed * rate, capacity)

	local allowed = tokens >= cost
	if allowed then
		tokens = tokens - cost
	end

	redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
	redis.call('EXPIRE', key, math.ceil(capacity / rate * 2))

	local retry_after = 0
	if not allowed then
		retry_after = math.ceil((cost - tokens) / rate * 1000)
	end

	return {allowed and 1 or 0, math.floor(tokens), retry_after}
`)

// RedisLimiter shares token buckets across processes through Redis
type RedisLimiter struct {
	client redis.UniversalClient
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisLimiter creates a new Redis-backed rate limiter. The client is
// owned by the caller.
func NewRedisLimiter(client redis.UniversalClient, config Config, logger *zap.Logger) *RedisLimiter {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client: client,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (rl *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.config.KeyPrefix, key)
}

// Allow consumes one token for key
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := rl.now()

	raw, err := tokenBucketScript.Run(ctx, rl.client,
		[]string{rl.key(key)},
		float64(now.UnixNano())/1e9,
		rl.config.RPS,
		rl.config.Burst,
		1,
	).Result()
	if err != nil {
		if rl.config.FailOpen {
			rl.logger.Warn("Rate limit check failed; allowing request",
				zap.String("key", key),
				zap.Error(err),
			)
			return Result{Allowed: true}, nil
		}
		return Result{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("invalid rate limit script result: %v", raw)
	}
	allowed, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	retryMs, ok3 := values[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Result{}, fmt.Errorf("invalid rate limit script result: %v", raw)
	}

	return Result{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// Reset clears the rate limit for a key
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.client.Del(ctx, rl.key(key)).Err()
}
