package queue

import (
	"fmt"
	"time"
)

// Stage 流水线阶段
type Stage string

const (
	StageMarketScan         Stage = "market_scan"
	StageAssetSelection     Stage = "asset_selection"
	StageStrategyGeneration Stage = "strategy_generation"
	StageValidation         Stage = "validation"
	StageStaging            Stage = "staging"
	StageExecution          Stage = "execution"
)

// Stages 按执行顺序排列的全部阶段
var Stages = []Stage{
	StageMarketScan,
	StageAssetSelection,
	StageStrategyGeneration,
	StageValidation,
	StageStaging,
	StageExecution,
}

// 第一个阶段的优先级，之后每个阶段减 1
const firstStagePriority = 10

// Index 阶段序号，未知阶段返回 -1
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid 是否为已知阶段
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Priority 阶段优先级：market_scan=10 ... execution=5
func (s Stage) Priority() int {
	return firstStagePriority - s.Index()
}

// InitialDelay 入队时的初始延迟：market_scan=0s，之后每个阶段 +1s
func (s Stage) InitialDelay() time.Duration {
	return time.Duration(s.Index()) * time.Second
}

// Next 下一个阶段，最后一个阶段返回 false
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Stages) {
		return "", false
	}
	return Stages[i+1], true
}

// ParseStage 解析阶段名
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	return s, nil
}
