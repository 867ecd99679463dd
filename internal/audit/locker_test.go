package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
		// Disable CLIENT SETINFO for miniredis compatibility
		DisableIndentity: true,
	})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func newMiniredisClient(t *testing.T) *redis.Client {
	_, client := newMiniredis(t)
	return client
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "orders")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(100 * time.Microsecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLocker_ChainsDoNotContend(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "orders")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	other, err := l.Acquire(ctx, "invoices")
	require.NoError(t, err)
	other()
}

func TestLocalLocker_HonoursContext(t *testing.T) {
	l := NewLocalLocker()

	release, err := l.Acquire(context.Background(), "orders")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "orders")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// releasing twice is harmless
	release()
	release()

	again, err := l.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	s, client := newMiniredis(t)
	l := NewRedisLocker(client, DefaultRedisLockerConfig(), nil)

	release, err := l.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	assert.True(t, s.Exists("auditchain:lock:orders"))

	release()
	assert.False(t, s.Exists("auditchain:lock:orders"))
}

func TestRedisLocker_ExcludesOtherProcesses(t *testing.T) {
	_, client := newMiniredis(t)
	cfg := RedisLockerConfig{RetryInterval: time.Millisecond}
	a := NewRedisLocker(client, cfg, nil)
	b := NewRedisLocker(client, cfg, nil)

	release, err := a.Acquire(context.Background(), "orders")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, "orders")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	release()

	relB, err := b.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	relB()
}

func TestRedisLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	s, client := newMiniredis(t)
	cfg := RedisLockerConfig{LeaseTTL: 30 * time.Second, RetryInterval: time.Millisecond}
	a := NewRedisLocker(client, cfg, nil)
	b := NewRedisLocker(client, cfg, nil)

	relA, err := a.Acquire(context.Background(), "orders")
	require.NoError(t, err)

	// a stalled holder loses its lease
	s.FastForward(31 * time.Second)
	require.False(t, s.Exists("auditchain:lock:orders"))

	relB, err := b.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	held, err := s.Get("auditchain:lock:orders")
	require.NoError(t, err)

	relA()
	got, err := s.Get("auditchain:lock:orders")
	require.NoError(t, err)
	assert.Equal(t, held, got, "old holder must not delete the new lease")

	relB()
	assert.False(t, s.Exists("auditchain:lock:orders"))
}

func TestRedisLocker_RenewsLease(t *testing.T) {
	s, client := newMiniredis(t)
	l := NewRedisLocker(client, RedisLockerConfig{LeaseTTL: 300 * time.Millisecond}, nil)

	release, err := l.Acquire(context.Background(), "orders")
	require.NoError(t, err)
	defer release()

	s.SetTTL("auditchain:lock:orders", time.Millisecond)
	assert.Eventually(t, func() bool {
		return s.TTL("auditchain:lock:orders") == 300*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisLocker_RedisErrorReleasesLocalSection(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cfg := DefaultRedisLockerConfig()
	l := NewRedisLocker(client, cfg, nil)

	mock.Regexp().ExpectSetNX("auditchain:lock:orders", `.+`, cfg.LeaseTTL).SetErr(errors.New("connection refused"))
	mock.Regexp().ExpectSetNX("auditchain:lock:orders", `.+`, cfg.LeaseTTL).SetErr(errors.New("connection refused"))

	_, err := l.Acquire(context.Background(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	// the local semaphore was released, so a second attempt reaches Redis
	// instead of blocking
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = l.Acquire(ctx, "orders")
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))

	assert.NoError(t, mock.ExpectationsWereMet())
}
