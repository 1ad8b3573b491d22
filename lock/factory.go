package lock

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config 分布式锁配置
type Config struct {
	Type   string // memory（默认）, redis, none
	Prefix string
}

// NewDistributedLock 根据配置创建锁实例
// redis 类型需要传入共享的客户端
func NewDistributedLock(config *Config, client redis.UniversalClient) (DistributedLock, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryLock(), nil
	case "none":
		return NewNopLock(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis lock requires a redis client")
		}
		return NewRedisLock(client, config.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}
}

// NewRedisClient 创建 Redis 客户端（锁和机器人状态共用）
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}
