package logger

import "fmt"

// Scope 带交易周期上下文的日志器
// 每行日志都带上 [cid=... stage=...] 前缀，便于按关联ID检索一次决策的完整链路
type Scope struct {
	prefix string
}

// With 创建带关联ID和阶段的日志器，stage 可为空
func With(correlationID, stage string) Scope {
	if stage == "" {
		return Scope{prefix: fmt.Sprintf("[cid=%s] ", correlationID)}
	}
	return Scope{prefix: fmt.Sprintf("[cid=%s stage=%s] ", correlationID, stage)}
}

// Prefix 返回日志前缀
func (s Scope) Prefix() string {
	return s.prefix
}

func (s Scope) Debug(format string, args ...interface{}) {
	logf(DEBUG, s.prefix+format, args...)
}

func (s Scope) Info(format string, args ...interface{}) {
	logf(INFO, s.prefix+format, args...)
}

func (s Scope) Warn(format string, args ...interface{}) {
	logf(WARN, s.prefix+format, args...)
}

func (s Scope) Error(format string, args ...interface{}) {
	logf(ERROR, s.prefix+format, args...)
}
