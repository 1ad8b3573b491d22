package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld 锁未持有或已过期
var ErrNotHeld = errors.New("lock not held")

// 锁键名，多实例共用同一套前缀
const (
	jobKeyPrefix   = "job:"
	orderKeyPrefix = "order:"

	// ReconcileKey 持仓对账，同一时间只有一个实例执行
	ReconcileKey = "reconcile"
)

// JobKey 阶段任务的归属锁：持有者正在执行该任务，重启恢复时据此判断任务是否已无人执行
func JobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

// OrderKey 品种下单锁，同一品种的订单串行提交
func OrderKey(symbol string) string {
	return orderKeyPrefix + symbol
}

// DistributedLock 任务归属、品种下单和对账共用的锁
// 单实例用 MemoryLock，多实例用 RedisLock
type DistributedLock interface {
	// Lock 阻塞直到拿到锁或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 不等待；false 表示锁在别人手里
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 只释放自己持有的锁，否则返回 ErrNotHeld
	Unlock(ctx context.Context, key string) error

	// Extend 续期，锁已过期或不属于自己时返回 ErrNotHeld
	Extend(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// NopLock 永远拿得到的锁，测试和不需要互斥的单进程场景使用
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (NopLock) Lock(context.Context, string, time.Duration) error { return nil }

func (NopLock) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NopLock) Unlock(context.Context, string) error { return nil }

func (NopLock) Extend(context.Context, string, time.Duration) error { return nil }

func (NopLock) Close() error { return nil }
