package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisLocker(t *testing.T, maxRetries int) (*RedisLocker, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return NewRedisLocker(rdb, &RedisLockerConfig{
		KeyPrefix:     "eidos:bet:lock:",
		Expiration:    5 * time.Second,
		RetryInterval: 5 * time.Millisecond,
		MaxRetries:    maxRetries,
	}), mr
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	locker, mr := setupRedisLocker(t, 1)
	ctx := context.Background()

	lock := locker.NewLock("bet:1")
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("eidos:bet:lock:bet:1"))

	// 另一个持有者无法获取
	other := locker.NewLock("bet:1")
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者不能释放
	assert.ErrorIs(t, other.Release(ctx), ErrLockNotHeld)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("eidos:bet:lock:bet:1"))
}

func TestRedisLocker_WithLock_Busy(t *testing.T) {
	locker, _ := setupRedisLocker(t, 2)
	ctx := context.Background()

	held := locker.NewLock("bet:busy")
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	err = locker.WithLock(ctx, "bet:busy", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockAcquireFailed)
	assert.False(t, called)
}

func TestRedisLocker_WithLock_ReleasesAfterRun(t *testing.T) {
	locker, mr := setupRedisLocker(t, 3)

	err := locker.WithLock(context.Background(), "bet:2", func(ctx context.Context) error {
		assert.True(t, mr.Exists("eidos:bet:lock:bet:2"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("eidos:bet:lock:bet:2"))
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside int32
	var maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock(context.Background(), "bet:1", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, m.locks)
}

func TestKeyedMutex_DifferentKeysParallel(t *testing.T) {
	m := NewKeyedMutex()
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.WithLock(context.Background(), "bet:a", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "bet:b", func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different keys must not block each other")
	}
	close(release)
}

func TestKeyedMutex_ContextCanceled(t *testing.T) {
	m := NewKeyedMutex()
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.WithLock(context.Background(), "bet:1", func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithLock(ctx, "bet:1", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
