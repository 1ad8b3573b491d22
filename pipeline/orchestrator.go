// Package pipeline 交易周期编排：六个阶段依次经过阶段队列，每个阶段的输出是下一阶段的输入
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/botstate"
	"smartalpaca/config"
	"smartalpaca/correlation"
	"smartalpaca/event"
	"smartalpaca/execution"
	"smartalpaca/logger"
	"smartalpaca/metrics"
	"smartalpaca/order"
	"smartalpaca/position"
	"smartalpaca/queue"
	"smartalpaca/risk"
	"smartalpaca/sizing"
)

var (
	// ErrBotStopped 机器人未运行时不接受新周期
	ErrBotStopped = errors.New("bot is stopped")
	// ErrNoSymbols 没有可扫描的品种
	ErrNoSymbols = errors.New("no symbols to scan")
)

// StageError 某个交易周期在某个阶段的最终失败
type StageError struct {
	CorrelationID correlation.ID
	Stage         queue.Stage
	Reason        string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("cycle %s failed at stage %s: %s", e.CorrelationID, e.Stage, e.Reason)
}

// Err 失败的周期返回 *StageError
func (c *Cycle) Err() error {
	if c.Status != CycleFailed {
		return nil
	}
	return &StageError{CorrelationID: c.CorrelationID, Stage: c.FailedStage, Reason: c.FailureReason}
}

// Dependencies 编排器依赖
type Dependencies struct {
	Config    *config.Config
	Queue     *queue.Queue
	Bot       *botstate.Manager
	Cycles    *CycleTracker
	Analyzer  MarketAnalyzer
	Selector  AssetSelector
	Generator StrategyGenerator
	Validator BacktestValidator
	Prices    PriceProvider
	Accounts  sizing.AccountProvider
	Executor  *order.Executor
	Tracker   *execution.Tracker
	Positions *position.Manager
	Risk      *risk.Service
	Sizer     *sizing.Calculator
	Events    event.Publisher // 可为 nil
}

// Orchestrator 流水线编排器，同时是阶段队列的 Handler 和 Listener
type Orchestrator struct {
	queue     *queue.Queue
	bot       *botstate.Manager
	cycles    *CycleTracker
	analyzer  MarketAnalyzer
	selector  AssetSelector
	generator StrategyGenerator
	validator BacktestValidator
	prices    PriceProvider
	accounts  sizing.AccountProvider
	executor  *order.Executor
	tracker   *execution.Tracker
	positions *position.Manager
	risk      *risk.Service
	events    event.Publisher
	metrics   *metrics.PrometheusMetrics

	cfgMu sync.RWMutex
	cfg   *config.Config
	sizer *sizing.Calculator
}

// New 创建编排器
func New(deps Dependencies) *Orchestrator {
	events := deps.Events
	if events == nil {
		events = event.NopPublisher{}
	}
	sizer := deps.Sizer
	if sizer == nil {
		sizer = sizing.NewCalculator(deps.Config.Sizing.DefaultShares)
	}
	// 多实例共享任务表时，认领以共享的机器人状态为准
	if deps.Queue != nil && deps.Bot != nil {
		deps.Queue.SetPauseSource(deps.Bot)
	}
	if deps.Positions != nil {
		deps.Positions.SetAllowShort(deps.Config.Risk.AllowShort)
	}
	return &Orchestrator{
		queue:     deps.Queue,
		bot:       deps.Bot,
		cycles:    deps.Cycles,
		analyzer:  deps.Analyzer,
		selector:  deps.Selector,
		generator: deps.Generator,
		validator: deps.Validator,
		prices:    deps.Prices,
		accounts:  deps.Accounts,
		executor:  deps.Executor,
		tracker:   deps.Tracker,
		positions: deps.Positions,
		risk:      deps.Risk,
		sizer:     sizer,
		events:    events,
		metrics:   metrics.GetPrometheusMetrics(),
		cfg:       deps.Config,
	}
}

func (o *Orchestrator) config() *config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) calculator() *sizing.Calculator {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.sizer
}

// OnConfigChange 配置热更新：流水线、仓位规则、队列超时
func (o *Orchestrator) OnConfigChange(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if diff != nil && !diff.Has("pipeline") && !diff.Has("sizing") && !diff.Has("queue") && !diff.Has("risk") {
		return nil
	}
	o.cfgMu.Lock()
	o.cfg = newCfg
	o.positions.SetAllowShort(newCfg.Risk.AllowShort)
	if diff == nil || diff.Has("sizing") {
		o.sizer = sizing.NewCalculator(newCfg.Sizing.DefaultShares)
	}
	o.cfgMu.Unlock()
	logger.Info("🔄 [流水线] 配置已更新")
	return nil
}

func (o *Orchestrator) publish(t event.EventType, cid correlation.ID, stage queue.Stage, data map[string]interface{}) {
	o.events.Publish(&event.Event{
		Type:          t,
		Timestamp:     time.Now(),
		CorrelationID: cid,
		Stage:         string(stage),
		Data:          data,
	})
}

// StartCycle 发起交易周期，symbols 为空时使用配置的品种
func (o *Orchestrator) StartCycle(ctx context.Context, symbols []string) (correlation.ID, error) {
	if !o.bot.Running(ctx) {
		return "", ErrBotStopped
	}
	if len(symbols) == 0 {
		symbols = o.config().Pipeline.Symbols
	}
	symbols = normalizeSymbols(symbols)
	if len(symbols) == 0 {
		return "", ErrNoSymbols
	}

	cid := correlation.New()
	scope := logger.With(cid.String(), "")
	if _, err := o.cycles.Start(ctx, cid, symbols); err != nil {
		return "", err
	}

	payload, err := json.Marshal(ScanRequest{Symbols: symbols})
	if err != nil {
		return "", err
	}
	if _, err := o.queue.Enqueue(ctx, queue.StageMarketScan, payload, cid); err != nil {
		o.failCycle(ctx, cid, queue.StageMarketScan, err.Error())
		return "", err
	}

	o.metrics.RecordCycle("started")
	o.publish(event.EventTypeCycleStarted, cid, queue.StageMarketScan, map[string]interface{}{
		"symbols": strings.Join(symbols, ","),
	})
	scope.Info("🔄 交易周期已发起: %s", strings.Join(symbols, ", "))
	return cid, nil
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Handle 执行阶段任务
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	scope := logger.With(job.CorrelationID.String(), string(job.Stage))
	if err := o.cycles.MarkRunning(ctx, job.CorrelationID, job.Stage, job.ID, job.AttemptsMade); err != nil {
		scope.Warn("⚠️ 更新阶段状态失败: %v", err)
	}
	if job.AttemptsMade > 1 {
		o.publish(event.EventTypeStageRetrying, job.CorrelationID, job.Stage, map[string]interface{}{
			"attempt":    job.AttemptsMade,
			"last_error": job.LastError,
		})
	}

	if timeout := o.config().StageTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = correlation.WithID(ctx, job.CorrelationID)

	switch job.Stage {
	case queue.StageMarketScan:
		return runStage(ctx, job.Payload, o.marketScan)
	case queue.StageAssetSelection:
		return runStage(ctx, job.Payload, o.assetSelection)
	case queue.StageStrategyGeneration:
		return runStage(ctx, job.Payload, o.strategyGeneration)
	case queue.StageValidation:
		return runStage(ctx, job.Payload, o.validation)
	case queue.StageStaging:
		return runStage(ctx, job.Payload, o.staging)
	case queue.StageExecution:
		return runStage(ctx, job.Payload, o.executionStage)
	default:
		return nil, queue.Permanent(fmt.Errorf("%w: %s", queue.ErrUnknownStage, job.Stage))
	}
}

// runStage 解析输入、执行、序列化输出；输入无法解析属于数据错误，不重试
func runStage[In any, Out any](ctx context.Context, payload json.RawMessage, fn func(context.Context, *In) (*Out, error)) (json.RawMessage, error) {
	var in In
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, queue.Permanent(fmt.Errorf("解析阶段输入失败: %w", err))
	}
	out, err := fn(ctx, &in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, queue.Permanent(errors.New("stage produced no output"))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("序列化阶段输出失败: %w", err))
	}
	return data, nil
}

func (o *Orchestrator) marketScan(ctx context.Context, req *ScanRequest) (*MarketAnalysis, error) {
	if len(req.Symbols) == 0 {
		return nil, queue.Permanent(ErrNoSymbols)
	}
	analysis, err := o.analyzer.AnalyzeMarket(ctx, req.Symbols)
	if err != nil {
		return nil, fmt.Errorf("市场扫描失败: %w", err)
	}
	if analysis == nil || len(analysis.Symbols) == 0 {
		return nil, queue.Permanent(errors.New("market scan returned no data"))
	}
	logger.With(correlation.FromContext(ctx).String(), string(queue.StageMarketScan)).
		Info("📊 扫描完成，%d 个品种", len(analysis.Symbols))
	return analysis, nil
}

func (o *Orchestrator) assetSelection(ctx context.Context, analysis *MarketAnalysis) (*AssetSelection, error) {
	selection, err := o.selector.SelectAssets(ctx, analysis)
	if err != nil {
		return nil, fmt.Errorf("资产筛选失败: %w", err)
	}
	if selection == nil || len(selection.Assets) == 0 {
		return nil, queue.Permanent(errors.New("no asset selected"))
	}
	names := make([]string, 0, len(selection.Assets))
	for _, a := range selection.Assets {
		names = append(names, a.Symbol)
	}
	logger.With(correlation.FromContext(ctx).String(), string(queue.StageAssetSelection)).
		Info("🎯 入选资产: %s", strings.Join(names, ", "))
	return selection, nil
}

func (o *Orchestrator) strategyGeneration(ctx context.Context, selection *AssetSelection) (*StrategySet, error) {
	set, err := o.generator.GenerateStrategies(ctx, selection)
	if err != nil {
		return nil, fmt.Errorf("策略生成失败: %w", err)
	}
	if set == nil || len(set.Strategies) == 0 {
		return nil, queue.Permanent(errors.New("no strategy generated"))
	}
	for _, s := range set.Strategies {
		if s.Side != execution.Buy && s.Side != execution.Sell {
			return nil, queue.Permanent(fmt.Errorf("strategy %s has invalid side %q", s.Name, s.Side))
		}
	}
	return set, nil
}

func (o *Orchestrator) validation(ctx context.Context, set *StrategySet) (*ValidationResult, error) {
	result, err := o.validator.ValidateStrategies(ctx, set)
	if err != nil {
		return nil, fmt.Errorf("回测验证失败: %w", err)
	}
	if result == nil || len(result.Approved) == 0 {
		rejected := 0
		if result != nil {
			rejected = len(result.Rejected)
		}
		return nil, queue.Permanent(fmt.Errorf("no strategy passed validation (%d rejected)", rejected))
	}
	logger.With(correlation.FromContext(ctx).String(), string(queue.StageValidation)).
		Info("✅ 回测通过 %d 个，拒绝 %d 个", len(result.Approved), len(result.Rejected))
	return result, nil
}

// staging 把通过验证的策略转成待执行订单：同一品种只保留回测得分最高的一个
func (o *Orchestrator) staging(ctx context.Context, result *ValidationResult) (*StagingPlan, error) {
	if halted, reason := o.risk.HaltStatus(); halted {
		return nil, queue.Permanent(fmt.Errorf("trading halted: %s", reason))
	}

	cfg := o.config()
	best := make(map[string]ValidatedStrategy)
	for _, vs := range result.Approved {
		if cur, ok := best[vs.Symbol]; !ok || vs.BacktestScore > cur.BacktestScore {
			best[vs.Symbol] = vs
		}
	}

	plan := &StagingPlan{}
	for _, vs := range best {
		policy := vs.Policy
		if policy == (sizing.RawPolicy{}) {
			policy = rawPolicy(cfg.PolicyFor(vs.Name))
		}
		plan.Orders = append(plan.Orders, StagedOrder{
			Symbol:        vs.Symbol,
			Side:          vs.Side,
			StrategyName:  vs.Name,
			Type:          order.Market,
			Policy:        policy,
			BacktestScore: vs.BacktestScore,
		})
	}
	sort.Slice(plan.Orders, func(i, j int) bool {
		if plan.Orders[i].BacktestScore != plan.Orders[j].BacktestScore {
			return plan.Orders[i].BacktestScore > plan.Orders[j].BacktestScore
		}
		return plan.Orders[i].Symbol < plan.Orders[j].Symbol
	})
	return plan, nil
}

func rawPolicy(p config.PolicyConfig) sizing.RawPolicy {
	return sizing.RawPolicy{
		MaxPositionSize:     sizing.Number(p.MaxPositionSize),
		RiskPerTrade:        sizing.Number(p.RiskPerTrade),
		StopLossPercent:     sizing.Number(p.StopLossPercent),
		PortfolioPercentage: sizing.Number(p.PortfolioPercentage),
	}
}

// JobCompleted 阶段完成后入队下一阶段；execution 完成即周期完成
func (o *Orchestrator) JobCompleted(ctx context.Context, job *queue.Job) {
	scope := logger.With(job.CorrelationID.String(), string(job.Stage))
	if err := o.cycles.MarkCompleted(ctx, job.CorrelationID, job.Stage); err != nil {
		scope.Warn("⚠️ 更新阶段状态失败: %v", err)
	}
	o.publish(event.EventTypeStageCompleted, job.CorrelationID, job.Stage, nil)

	next, ok := job.Stage.Next()
	if !ok {
		if err := o.cycles.Complete(ctx, job.CorrelationID); err != nil {
			scope.Warn("⚠️ 更新交易周期状态失败: %v", err)
		}
		data := map[string]interface{}{}
		var report ExecutionReport
		if err := json.Unmarshal(job.Output, &report); err == nil {
			data["filled"] = report.Filled()
			data["orders"] = len(report.Outcomes)
		}
		o.metrics.RecordCycle("completed")
		o.publish(event.EventTypeCycleCompleted, job.CorrelationID, job.Stage, data)
		scope.Info("🏁 交易周期完成")
		return
	}

	if _, err := o.queue.Enqueue(ctx, next, job.Output, job.CorrelationID); err != nil {
		scope.Error("❌ 入队下一阶段 %s 失败: %v", next, err)
		o.failCycle(ctx, job.CorrelationID, next, fmt.Sprintf("enqueue failed: %v", err))
	}
}

// JobFailed 阶段最终失败，周期终止
func (o *Orchestrator) JobFailed(ctx context.Context, job *queue.Job) {
	serr := &StageError{CorrelationID: job.CorrelationID, Stage: job.Stage, Reason: job.LastError}
	logger.With(job.CorrelationID.String(), string(job.Stage)).Error("❌ %v", serr)
	o.failCycle(ctx, job.CorrelationID, job.Stage, job.LastError)
}

func (o *Orchestrator) failCycle(ctx context.Context, cid correlation.ID, stage queue.Stage, reason string) {
	if err := o.cycles.Fail(ctx, cid, stage, reason); err != nil {
		logger.With(cid.String(), string(stage)).Warn("⚠️ 更新交易周期状态失败: %v", err)
	}
	o.metrics.RecordCycle("failed")
	o.publish(event.EventTypeCycleFailed, cid, stage, map[string]interface{}{
		"reason": reason,
	})
}

// StartBot 启动机器人
func (o *Orchestrator) StartBot(ctx context.Context) error {
	if err := o.bot.Start(ctx); err != nil {
		return err
	}
	o.publish(event.EventTypeBotStarted, "", "", nil)
	return nil
}

// StopBot 停止机器人，执行中的阶段会跑完，之后的阶段留在队列里
func (o *Orchestrator) StopBot(ctx context.Context) error {
	if err := o.bot.Stop(ctx); err != nil {
		return err
	}
	o.publish(event.EventTypeBotStopped, "", "", nil)
	return nil
}

// BotState 机器人状态
func (o *Orchestrator) BotState() botstate.State {
	return o.bot.State()
}

// GetQueueStats 队列统计，同时刷新队列深度指标
func (o *Orchestrator) GetQueueStats(ctx context.Context) (queue.Stats, error) {
	stats, err := o.queue.Stats(ctx)
	if err != nil {
		return stats, err
	}
	o.metrics.SetQueueDepth(stats.Waiting, stats.Active, stats.Completed, stats.Failed, stats.Delayed)
	return stats, nil
}

// GetJobStatus 查询任务，不存在时返回 queue.ErrJobNotFound
func (o *Orchestrator) GetJobStatus(ctx context.Context, id string) (*queue.JobView, error) {
	return o.queue.GetJob(ctx, id)
}

// GetCycle 查询交易周期，不存在时返回 nil
func (o *Orchestrator) GetCycle(ctx context.Context, cid correlation.ID) (*Cycle, error) {
	return o.cycles.Get(ctx, cid)
}

// GetPositionMetrics 持仓指标，无持仓时返回 nil
func (o *Orchestrator) GetPositionMetrics(symbol string) *position.Metrics {
	return o.positions.CalculatePositionMetrics(strings.ToUpper(symbol))
}

// GetExecutionHistory 成交历史（插入顺序）
func (o *Orchestrator) GetExecutionHistory(ctx context.Context, symbol string) ([]execution.TradeExecution, error) {
	return o.tracker.GetExecutionHistory(ctx, strings.ToUpper(symbol))
}

// GetExecutionAnalytics 成交统计
func (o *Orchestrator) GetExecutionAnalytics(ctx context.Context, symbol string) (execution.Analytics, error) {
	return o.tracker.CalculateExecutionAnalytics(ctx, strings.ToUpper(symbol))
}

// GetRiskMetrics 品种成交历史的风险指标，初始资金取模拟盘配置
func (o *Orchestrator) GetRiskMetrics(ctx context.Context, symbol string) (execution.RiskMetrics, error) {
	capital := decimal.NewFromFloat(o.config().Paper.InitialCash)
	return o.tracker.CalculateRiskMetrics(ctx, strings.ToUpper(symbol), capital, nil)
}

// ValidateTrade 交易前风控检查
func (o *Orchestrator) ValidateTrade(ctx context.Context, symbol string, proposedValue decimal.Decimal) (*risk.Decision, error) {
	return o.risk.ValidateTrade(ctx, strings.ToUpper(symbol), proposedValue)
}

// ResumeTrading 解除交易暂停
func (o *Orchestrator) ResumeTrading() {
	if !o.risk.IsHalted() {
		return
	}
	o.risk.ResumeTrading()
	o.publish(event.EventTypeTradingResumed, "", "", nil)
}

// HaltStatus 交易暂停状态
func (o *Orchestrator) HaltStatus() (bool, string) {
	return o.risk.HaltStatus()
}
