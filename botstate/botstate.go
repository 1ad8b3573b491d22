package botstate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"smartalpaca/database"
	"smartalpaca/logger"
	"smartalpaca/metrics"
)

// State 机器人运行状态
type State string

const (
	Running State = "running"
	Stopped State = "stopped"
)

// 持久化的键名
const stateKey = "bot_state"

// ParseState 解析状态
func ParseState(s string) (State, error) {
	switch State(s) {
	case Running, Stopped:
		return State(s), nil
	default:
		return "", fmt.Errorf("unknown bot state: %q", s)
	}
}

// Store 机器人状态的持久化（单键）
type Store interface {
	// Load 未保存过时 ok=false
	Load(ctx context.Context) (state State, ok bool, err error)
	Save(ctx context.Context, state State) error
}

// Gate 被机器人状态控制的队列
type Gate interface {
	Pause()
	Resume()
}

// Manager 机器人状态管理，进程内唯一，通过句柄传递
type Manager struct {
	store   Store
	gate    Gate
	metrics *metrics.PrometheusMetrics

	mu          sync.RWMutex
	state       State
	initialized bool
}

// NewManager 创建状态管理器，Init 之前状态视为 stopped
func NewManager(store Store, gate Gate) *Manager {
	return &Manager{
		store:   store,
		gate:    gate,
		metrics: metrics.GetPrometheusMetrics(),
		state:   Stopped,
	}
}

// Init 读取持久化状态；没有记录时写入 stopped。队列与状态保持一致
func (m *Manager) Init(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok, err := m.store.Load(ctx)
	if err != nil {
		// 读取失败按 stopped 处理，不能在状态不明时放行交易
		m.apply(Stopped)
		m.initialized = true
		return Stopped, fmt.Errorf("读取机器人状态失败: %w", err)
	}
	if !ok {
		state = Stopped
		if err := m.store.Save(ctx, state); err != nil {
			m.apply(state)
			m.initialized = true
			return state, fmt.Errorf("保存默认机器人状态失败: %w", err)
		}
		logger.Info("🤖 未找到机器人状态，默认为 stopped")
	}

	m.apply(state)
	m.initialized = true
	logger.Info("🤖 机器人状态: %s", state)
	return state, nil
}

// Start 启动机器人：先持久化，再恢复队列
func (m *Manager) Start(ctx context.Context) error {
	return m.transition(ctx, Running)
}

// Stop 停止机器人：先持久化，再暂停队列；执行中的任务不会被中断
func (m *Manager) Stop(ctx context.Context) error {
	return m.transition(ctx, Stopped)
}

func (m *Manager) transition(ctx context.Context, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(ctx, to); err != nil {
		return fmt.Errorf("保存机器人状态失败: %w", err)
	}
	from := m.state
	m.apply(to)
	if from != to {
		logger.Info("🤖 机器人状态 %s -> %s", from, to)
	}
	return nil
}

// apply 调用前必须持有 mu
func (m *Manager) apply(state State) {
	m.state = state
	if m.gate != nil {
		if state == Running {
			m.gate.Resume()
		} else {
			m.gate.Pause()
		}
	}
	m.metrics.SetBotRunning(state == Running)
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsRunning 本实例缓存的状态，不读存储
func (m *Manager) IsRunning() bool {
	return m.State() == Running
}

// Refresh 重新读取共享存储，其他实例的启停在这里同步到本实例的队列
func (m *Manager) Refresh(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok, err := m.store.Load(ctx)
	if err != nil {
		return m.state, fmt.Errorf("读取机器人状态失败: %w", err)
	}
	if ok && state != m.state {
		logger.Info("🤖 同步共享的机器人状态 %s -> %s", m.state, state)
		m.apply(state)
	}
	return m.state, nil
}

// Paused 队列认领前调用，读取失败时按暂停处理
func (m *Manager) Paused(ctx context.Context) (bool, error) {
	state, err := m.Refresh(ctx)
	if err != nil {
		return true, err
	}
	return state != Running, nil
}

// Running 发起新周期前调用，以共享存储为准，读取失败时不放行
func (m *Manager) Running(ctx context.Context) bool {
	state, err := m.Refresh(ctx)
	if err != nil {
		logger.Warn("⚠️ %v，按 stopped 处理", err)
		return false
	}
	return state == Running
}

// Flush 退出前持久化当前状态
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.RLock()
	state, initialized := m.state, m.initialized
	m.mu.RUnlock()
	if !initialized {
		return nil
	}
	return m.store.Save(ctx, state)
}

// DatabaseStore 状态存数据库 system_states 表
type DatabaseStore struct {
	db database.Database
}

func NewDatabaseStore(db database.Database) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Load(ctx context.Context) (State, bool, error) {
	v, ok, err := s.db.GetState(ctx, stateKey)
	if err != nil || !ok {
		return "", false, err
	}
	state, err := ParseState(v)
	if err != nil {
		return "", false, err
	}
	return state, true, nil
}

func (s *DatabaseStore) Save(ctx context.Context, state State) error {
	return s.db.SetState(ctx, stateKey, string(state))
}

// RedisStore 状态存 Redis，多实例共享
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, key: prefix + stateKey}
}

func (s *RedisStore) Load(ctx context.Context) (State, bool, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	state, err := ParseState(v)
	if err != nil {
		return "", false, err
	}
	return state, true, nil
}

func (s *RedisStore) Save(ctx context.Context, state State) error {
	if err := s.client.Set(ctx, s.key, string(state), 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
