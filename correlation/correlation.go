// Package correlation 交易周期追踪标识
// 一个交易周期从 market_scan 开始生成一个 ID，之后所有任务、成交、风控与审计记录都携带它
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// ID 关联标识（创建后不可变）
type ID string

type ctxKey struct{}

// New 生成新的关联标识
func New() ID {
	return ID(uuid.New().String())
}

// String 返回字符串形式
func (id ID) String() string {
	return string(id)
}

// IsZero 是否为空
func (id ID) IsZero() bool {
	return id == ""
}

// WithID 将关联标识写入 context
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext 从 context 读取关联标识，不存在时返回空
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(ID); ok {
		return id
	}
	return ""
}
