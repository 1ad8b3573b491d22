package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLock 进程内锁（单实例模式），语义与 RedisLock 一致，带过期时间
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]time.Time // key -> 过期时间
	now   func() time.Time
	retry time.Duration
}

// NewMemoryLock 创建进程内锁
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		held:  make(map[string]time.Time),
		now:   time.Now,
		retry: 20 * time.Millisecond,
	}
}

func (m *MemoryLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	ticker := time.NewTicker(m.retry)
	defer ticker.Stop()

	for {
		ok, _ := m.TryLock(ctx, key, ttl)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *MemoryLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expireAt, ok := m.held[key]; ok && m.now().Before(expireAt) {
		return false, nil
	}
	m.held[key] = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryLock) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expireAt, ok := m.held[key]
	delete(m.held, key)
	if !ok || !m.now().Before(expireAt) {
		return ErrNotHeld
	}
	return nil
}

func (m *MemoryLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expireAt, ok := m.held[key]
	if !ok || !m.now().Before(expireAt) {
		return ErrNotHeld
	}
	m.held[key] = m.now().Add(ttl)
	return nil
}

func (m *MemoryLock) Close() error {
	return nil
}
