package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLock()

	ok, err := l.TryLock(ctx, OrderKey("AAPL"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryLock(ctx, OrderKey("AAPL"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "锁被占用时不能重复获取")

	ok, err = l.TryLock(ctx, OrderKey("MSFT"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "不同 key 互不影响")

	require.NoError(t, l.Unlock(ctx, OrderKey("AAPL")))
	ok, _ = l.TryLock(ctx, OrderKey("AAPL"), time.Second)
	assert.True(t, ok)
}

func TestMemoryLockExpires(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLock()
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.TryLock(ctx, JobKey("1"), time.Minute)
	require.True(t, ok)
	require.NoError(t, l.Extend(ctx, JobKey("1"), 2*time.Minute))

	now = now.Add(90 * time.Second)
	ok, _ = l.TryLock(ctx, JobKey("1"), time.Minute)
	assert.False(t, ok, "延期后仍然有效")

	now = now.Add(time.Minute)
	ok, _ = l.TryLock(ctx, JobKey("1"), time.Minute)
	assert.True(t, ok, "过期后可以重新获取")
}

func TestMemoryLockBlocksUntilContextDone(t *testing.T) {
	l := NewMemoryLock()
	ok, _ := l.TryLock(context.Background(), "k", time.Minute)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Lock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnlockNotHeld(t *testing.T) {
	l := NewMemoryLock()
	assert.ErrorIs(t, l.Unlock(context.Background(), "missing"), ErrNotHeld)
}

func TestFactory(t *testing.T) {
	l, err := NewDistributedLock(&Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLock{}, l)

	l, err = NewDistributedLock(&Config{Type: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &NopLock{}, l)

	_, err = NewDistributedLock(&Config{Type: "redis"}, nil)
	assert.Error(t, err)

	l, err = NewDistributedLock(&Config{Type: "redis", Prefix: "t:"}, NewRedisClient("localhost:0", "", 0, 1))
	require.NoError(t, err)
	assert.IsType(t, &RedisLock{}, l)
}

func TestKeysDoNotCollide(t *testing.T) {
	assert.Equal(t, "job:AAPL", JobKey("AAPL"))
	assert.Equal(t, "order:AAPL", OrderKey("AAPL"))
	assert.NotEqual(t, JobKey("AAPL"), OrderKey("AAPL"))
	assert.NotEqual(t, ReconcileKey, JobKey(""))
}
