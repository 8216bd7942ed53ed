package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisLock(client)
	b := NewRedisLock(client)

	ok, err := a.Acquire(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a held lock")

	// 非持有者释放无效
	require.NoError(t, b.Release(ctx, "run-1"))
	assert.True(t, mr.Exists("lock:run-1"))

	require.NoError(t, a.Release(ctx, "run-1"))
	assert.False(t, mr.Exists("lock:run-1"))

	ok, err = b.Acquire(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisLock(client)
	ok, err := a.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = NewRedisLock(client).Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockRefresh(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	a := NewRedisLock(client)
	b := NewRedisLock(client)
	ok, err := a.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := a.Refresh(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
	mr.FastForward(2 * time.Second)
	assert.True(t, mr.Exists("lock:k"), "refreshed lock must outlive the original ttl")

	// 非持有者不能续期
	held, err = b.Refresh(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)

	mr.FastForward(2 * time.Minute)
	held, err = a.Refresh(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, held, "expired lock cannot be refreshed")
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	var l DistributedLock = NewLocalLock()

	ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := l.Refresh(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, l.Release(ctx, "k"))
	held, err = l.Refresh(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, held)
	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockExpires(t *testing.T) {
	l := NewLocalLock()
	ok, _ := l.Acquire(context.Background(), "k", 20*time.Millisecond)
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)
	ok, _ = l.Acquire(context.Background(), "k", time.Minute)
	assert.True(t, ok)
}

func TestNopLock(t *testing.T) {
	var l DistributedLock = NopLock{}
	ok, err := l.Acquire(context.Background(), "k", time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background(), "k"))
	held, err := l.Refresh(context.Background(), "k", time.Second)
	assert.NoError(t, err)
	assert.True(t, held)
}
