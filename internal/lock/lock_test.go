package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedisLocker(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisLocker(client, "test:lock:", zap.NewNop())
}

func TestPatientKey(t *testing.T) {
	assert.Equal(t, "patient:p-1", PatientKey("p-1"))
}

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	// other keys are independent
	unlockOther, err := l.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlock2, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLocalLocker_ExpiredLeaseIsTakenOver(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }
	ctx := context.Background()

	staleUnlock, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	// the stale owner must not release the new lease
	staleUnlock()
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrNotAcquired))
}

func TestLocalLocker_OneWinner(t *testing.T) {
	l := NewLocalLocker()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryLock(context.Background(), "k", time.Minute); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestLocalLocker_RejectsCancelledContextAndBadTTL(t *testing.T) {
	l := NewLocalLocker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.TryLock(ctx, "k", time.Minute)
	assert.Error(t, err)

	_, err = l.TryLock(context.Background(), "k", 0)
	assert.Error(t, err)
}

func TestRedisLocker_Exclusive(t *testing.T) {
	mr, l := setupRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, SweepKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:sweep"))

	_, err = l.TryLock(ctx, SweepKey, time.Minute)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	unlock()
	assert.False(t, mr.Exists("test:lock:sweep"))

	unlock2, err := l.TryLock(ctx, SweepKey, time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_TTLExpiry(t *testing.T) {
	mr, l := setupRedisLocker(t)
	ctx := context.Background()

	staleUnlock, err := l.TryLock(ctx, PatientKey("p1"), time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = l.TryLock(ctx, PatientKey("p1"), time.Minute)
	require.NoError(t, err)

	// the stale owner's release is a no-op
	staleUnlock()
	assert.True(t, mr.Exists("test:lock:patient:p1"))
}

func TestRedisLocker_ConnectionError(t *testing.T) {
	mr, l := setupRedisLocker(t)
	mr.Close()

	_, err := l.TryLock(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotAcquired))
}
