package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease scripts only touch the key while it still holds our token
var (
	releaseLeaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	renewLeaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// RedisLockerConfig configures a RedisLocker
type RedisLockerConfig struct {
	KeyPrefix string
	// LeaseTTL bounds how long a crashed holder can block a chain
	LeaseTTL time.Duration
	// RetryInterval is the polling interval while the lease is held elsewhere
	RetryInterval time.Duration
}

// DefaultRedisLockerConfig returns sensible defaults
func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		KeyPrefix:     "auditchain:lock",
		LeaseTTL:      10 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}

// RedisLocker extends the per-chain section across processes with a Redis
// lease (SET NX PX + token). A local semaphore is taken first so goroutines
// in the same process queue locally instead of polling Redis.
//
// A lease can expire under a stalled holder; the store's unique
// (chain_id, sequence) constraint and the engine's tail check cover that case.
type RedisLocker struct {
	client redis.UniversalClient
	local  *LocalLocker
	config RedisLockerConfig
	logger *zap.Logger
}

// NewRedisLocker creates a Redis-backed chain locker
func NewRedisLocker(client redis.UniversalClient, config RedisLockerConfig, logger *zap.Logger) *RedisLocker {
	defaults := DefaultRedisLockerConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLocker{
		client: client,
		local:  NewLocalLocker(),
		config: config,
		logger: logger,
	}
}

func (l *RedisLocker) key(chainID string) string {
	return fmt.Sprintf("%s:%s", l.config.KeyPrefix, chainID)
}

// Acquire takes the local section, then the Redis lease
func (l *RedisLocker) Acquire(ctx context.Context, chainID string) (func(), error) {
	releaseLocal, err := l.local.Acquire(ctx, chainID)
	if err != nil {
		return nil, err
	}

	key := l.key(chainID)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.config.LeaseTTL).Result()
		if err != nil {
			releaseLocal()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire chain lease %s: %w", chainID, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		case <-time.After(l.config.RetryInterval):
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renew(key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			relCtx, cancel := context.WithTimeout(context.Background(), l.config.LeaseTTL)
			defer cancel()
			if err := releaseLeaseScript.Run(relCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("Failed to release chain lease",
					zap.String("chain_id", chainID),
					zap.Error(err),
				)
			}
			releaseLocal()
		})
	}, nil
}

// renew extends the lease every third of its TTL until stop is closed
func (l *RedisLocker) renew(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.config.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.config.LeaseTTL/3)
			n, err := renewLeaseScript.Run(ctx, l.client, []string{key}, token, l.config.LeaseTTL.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("Failed to renew chain lease", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Warn("Chain lease lost before release", zap.String("key", key))
				return
			}
		}
	}
}
