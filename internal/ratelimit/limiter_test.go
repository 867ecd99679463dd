package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:             s.Addr(),
		DisableIndentity: true,
	})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func testConfig() Config {
	return Config{Enabled: true, RPS: 1, Burst: 2, KeyPrefix: "test", FailOpen: true}
}

// exerciseBucket runs the same scenario against any limiter whose clock is c
func exerciseBucket(t *testing.T, l Limiter, c *fakeClock) {
	t.Helper()
	ctx := context.Background()

	r, err := l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 1, r.Remaining)

	r, err = l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)

	r, err = l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, time.Second, r.RetryAfter)

	// other keys have their own bucket
	r, err = l.Allow(ctx, "user:bob")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	c.advance(time.Second)
	r, err = l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	require.NoError(t, l.Reset(ctx, "user:alice"))
	r, err = l.Allow(ctx, "user:alice")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 1, r.Remaining)
}

func TestRedisLimiter_TokenBucket(t *testing.T) {
	_, client := newTestRedis(t)
	c := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	l := NewRedisLimiter(client, testConfig(), zap.NewNop())
	l.now = c.now

	exerciseBucket(t, l, c)
}

func TestRedisLimiter_SharedAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	c := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	a := NewRedisLimiter(client, testConfig(), nil)
	b := NewRedisLimiter(client, testConfig(), nil)
	a.now, b.now = c.now, c.now

	ctx := context.Background()
	for _, l := range []*RedisLimiter{a, b} {
		r, err := l.Allow(ctx, "ip:192.0.2.1")
		require.NoError(t, err)
		assert.True(t, r.Allowed)
	}

	r, err := a.Allow(ctx, "ip:192.0.2.1")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	s, client := newTestRedis(t)
	s.Close()

	open := NewRedisLimiter(client, testConfig(), zap.NewNop())
	r, err := open.Allow(context.Background(), "user:alice")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	cfg := testConfig()
	cfg.FailOpen = false
	closed := NewRedisLimiter(client, cfg, zap.NewNop())
	_, err = closed.Allow(context.Background(), "user:alice")
	assert.Error(t, err)
}

func TestLocalLimiter_TokenBucket(t *testing.T) {
	c := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLocalLimiter(testConfig())
	l.now = c.now

	exerciseBucket(t, l, c)
}

func TestLocalLimiter_SweepsIdleBuckets(t *testing.T) {
	c := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLocalLimiter(testConfig())
	l.now = c.now

	_, err := l.Allow(context.Background(), "user:alice")
	require.NoError(t, err)

	c.advance(2 * localIdleTTL)
	_, err = l.Allow(context.Background(), "user:bob")
	require.NoError(t, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "user:alice")
	assert.Contains(t, l.buckets, "user:bob")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.RPS = 0
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Burst = 0
	assert.Error(t, cfg.Validate())
}
