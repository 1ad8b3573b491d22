package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"smartalpaca/correlation"
	"smartalpaca/event"
	"smartalpaca/execution"
	"smartalpaca/logger"
	"smartalpaca/order"
	"smartalpaca/position"
	"smartalpaca/queue"
	"smartalpaca/risk"
	"smartalpaca/sizing"
)

// executionStage 逐个执行待下单订单
// 重试时已成交的订单不会重复下单：客户端订单ID固定，已记录的成交直接视为完成
func (o *Orchestrator) executionStage(ctx context.Context, plan *StagingPlan) (*ExecutionReport, error) {
	cid := correlation.FromContext(ctx)
	scope := logger.With(cid.String(), string(queue.StageExecution))

	if halted, reason := o.risk.HaltStatus(); halted {
		return nil, queue.Permanent(fmt.Errorf("trading halted: %s", reason))
	}

	done, err := o.executedOrders(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("读取本周期成交记录失败: %w", err)
	}

	report := &ExecutionReport{Outcomes: make([]OrderOutcome, 0, len(plan.Orders))}
	for i, staged := range plan.Orders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prev, ok := done[orderKey(staged.Symbol, staged.Side)]; ok {
			report.Outcomes = append(report.Outcomes, OrderOutcome{
				Symbol:       staged.Symbol,
				Side:         staged.Side,
				StrategyName: staged.StrategyName,
				Status:       OutcomeFilled,
				Quantity:     prev.Quantity.IntPart(),
				Replayed:     true,
			})
			continue
		}
		if halted, reason := o.risk.HaltStatus(); halted {
			report.Outcomes = append(report.Outcomes, OrderOutcome{
				Symbol:       staged.Symbol,
				Side:         staged.Side,
				StrategyName: staged.StrategyName,
				Status:       OutcomeSkipped,
				Reason:       "trading halted: " + reason,
			})
			continue
		}

		outcome, err := o.executeOrder(ctx, i, staged)
		if err != nil {
			return nil, err
		}
		report.Outcomes = append(report.Outcomes, *outcome)
	}

	report.Halted = o.risk.IsHalted()
	scope.Info("📋 执行完成: %d 个订单，成交 %d 个", len(report.Outcomes), report.Filled())
	return report, nil
}

func orderKey(symbol string, side execution.Side) string {
	return symbol + "|" + string(side)
}

// executedOrders 本周期已记录的开仓成交（第一笔为准）
func (o *Orchestrator) executedOrders(ctx context.Context, cid correlation.ID) (map[string]execution.TradeExecution, error) {
	execs, err := o.tracker.GetByCorrelation(ctx, cid)
	if err != nil {
		return nil, err
	}
	done := make(map[string]execution.TradeExecution, len(execs))
	for _, e := range execs {
		key := orderKey(e.Symbol, e.Side)
		if _, ok := done[key]; !ok {
			done[key] = e
		}
	}
	return done, nil
}

func (o *Orchestrator) executeOrder(ctx context.Context, idx int, staged StagedOrder) (*OrderOutcome, error) {
	cid := correlation.FromContext(ctx)
	scope := logger.With(cid.String(), string(queue.StageExecution))
	out := &OrderOutcome{
		Symbol:       staged.Symbol,
		Side:         staged.Side,
		StrategyName: staged.StrategyName,
	}

	price, err := o.prices.CurrentPrice(ctx, staged.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取 %s 价格失败: %w", staged.Symbol, err)
	}
	if !price.IsPositive() {
		out.Status = OutcomeInvalid
		out.Reason = fmt.Sprintf("invalid price %s", price)
		return out, nil
	}
	account, err := o.accounts.AccountSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取账户快照失败: %w", err)
	}

	var qty int64
	if held, ok := o.positions.Snapshot(staged.Symbol); ok && held.Side() != staged.Side {
		// 反向信号：平掉现有持仓，不增加敞口
		qty = held.Quantity.Abs().IntPart()
		out.Reason = "exit"
	} else if staged.Side == execution.Sell && !o.positions.AllowShort() {
		out.Status = OutcomeSkipped
		out.Reason = "short selling disabled"
		scope.Info("⏭️ %s 无持仓且未开启做空，跳过卖出信号", staged.Symbol)
		return out, nil
	} else {
		policy, err := sizing.ParsePolicy(staged.Policy)
		if err != nil {
			out.Status = OutcomeInvalid
			out.Reason = err.Error()
			return out, nil
		}
		qty, err = o.calculator().Size(staged.Symbol, policy, price, account)
		if err != nil {
			out.Status = OutcomeSkipped
			out.Reason = err.Error()
			scope.Warn("⚠️ %s 仓位计算失败: %v", staged.Symbol, err)
			return out, nil
		}

		decision, err := o.risk.ValidateTrade(ctx, staged.Symbol, price.Mul(decimal.NewFromInt(qty)))
		if err != nil {
			return nil, fmt.Errorf("风控检查失败: %w", err)
		}
		out.Decision = decision
		if !decision.Approved {
			out.Status = OutcomeRiskRejected
			out.Reason = decision.Reason
			o.publish(event.EventTypeRiskRejected, cid, queue.StageExecution, map[string]interface{}{
				"symbol": staged.Symbol,
				"check":  decision.Check,
				"reason": decision.Reason,
			})
			return out, nil
		}
	}
	if qty <= 0 {
		out.Status = OutcomeSkipped
		out.Reason = "nothing to trade"
		return out, nil
	}

	orderType := staged.Type
	if orderType == "" {
		orderType = order.Market
	}
	req := order.OrderRequest{
		Symbol:        staged.Symbol,
		Side:          staged.Side,
		Quantity:      decimal.NewFromInt(qty),
		Type:          orderType,
		LimitPrice:    staged.LimitPrice,
		CorrelationID: cid,
		ClientOrderID: fmt.Sprintf("%s-%d", cid, idx),
		StrategyName:  staged.StrategyName,
	}
	fill, err := o.executor.Place(ctx, req)
	if err != nil {
		var invalid *order.InvalidOrderError
		if errors.As(err, &invalid) {
			out.Status = OutcomeInvalid
			out.Reason = invalid.Error()
			o.publish(event.EventTypeOrderRejected, cid, queue.StageExecution, map[string]interface{}{
				"symbol": staged.Symbol,
				"reason": invalid.Error(),
			})
			return out, nil
		}
		o.publish(event.EventTypeOrderFailed, cid, queue.StageExecution, map[string]interface{}{
			"symbol": staged.Symbol,
			"error":  err.Error(),
		})
		return nil, err
	}

	if err := o.applyFill(ctx, req, fill); err != nil {
		return nil, err
	}
	out.Status = OutcomeFilled
	out.Quantity = qty
	out.Fill = fill
	o.publish(event.EventTypeOrderFilled, cid, queue.StageExecution, map[string]interface{}{
		"symbol":   fill.Symbol,
		"side":     string(fill.Side),
		"quantity": fill.FilledQty.String(),
		"price":    fill.FilledPrice.String(),
		"order_id": fill.OrderID,
	})

	post, closed, err := o.postTrade(ctx, staged.Symbol)
	if err != nil {
		// 成交已落地，交易后检查失败交给盯市循环兜底
		scope.Error("❌ %s 交易后检查失败: %v", staged.Symbol, err)
		out.Reason = "post-trade check failed: " + err.Error()
	}
	out.PostTrade = post
	out.Closed = closed
	return out, nil
}

// applyFill 记录成交并更新持仓
// 成交已记录但持仓更新失败属于数据不一致，不重试
func (o *Orchestrator) applyFill(ctx context.Context, req order.OrderRequest, fill *order.Fill) error {
	exec := fill.Execution(req)
	inserted, err := o.tracker.TrackExecution(ctx, exec)
	if err != nil {
		return fmt.Errorf("记录成交失败: %w", err)
	}
	if !inserted {
		return nil
	}
	if _, err := o.positions.UpdatePosition(ctx, position.FromExecution(exec)); err != nil {
		return queue.Permanent(fmt.Errorf("成交 %s 已记录但更新持仓失败: %w", exec.ExecutionID, err))
	}
	return nil
}

// postTrade 交易后风控：止损/止盈触发时平仓，敞口超限时暂停交易
func (o *Orchestrator) postTrade(ctx context.Context, symbol string) (*risk.PostTrade, *order.Fill, error) {
	cid := correlation.FromContext(ctx)
	wasHalted := o.risk.IsHalted()

	post, err := o.risk.PostTradeCheck(ctx, symbol)
	if err != nil {
		return nil, nil, err
	}
	if post.Halted && !wasHalted {
		_, reason := o.risk.HaltStatus()
		o.publish(event.EventTypeTradingHalted, cid, queue.StageExecution, map[string]interface{}{
			"symbol":           symbol,
			"reason":           reason,
			"exposure_percent": post.ExposurePercent.StringFixed(2),
		})
	}

	trigger := ""
	switch {
	case post.StopLoss:
		trigger = risk.CheckStopLoss
		o.publish(event.EventTypeStopLoss, cid, queue.StageExecution, map[string]interface{}{"symbol": symbol})
	case post.TakeProfit:
		trigger = risk.CheckTakeProfit
		o.publish(event.EventTypeTakeProfit, cid, queue.StageExecution, map[string]interface{}{"symbol": symbol})
	default:
		return post, nil, nil
	}

	fill, err := o.closePosition(ctx, symbol, trigger)
	if err != nil {
		return post, nil, fmt.Errorf("%s 平仓失败: %w", trigger, err)
	}
	return post, fill, nil
}

// closePosition 下反向市价单平掉持仓，再按成交价结算
func (o *Orchestrator) closePosition(ctx context.Context, symbol, trigger string) (*order.Fill, error) {
	held, ok := o.positions.Snapshot(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", position.ErrPositionNotOpen, symbol)
	}
	cid := correlation.FromContext(ctx)
	req := order.OrderRequest{
		Symbol:        symbol,
		Side:          held.Side().Opposite(),
		Quantity:      held.Quantity.Abs(),
		Type:          order.Market,
		CorrelationID: cid,
		ClientOrderID: "close-" + held.ID,
		StrategyName:  held.StrategyName,
	}
	fill, err := o.executor.Place(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := o.tracker.TrackExecution(ctx, fill.Execution(req)); err != nil {
		return fill, fmt.Errorf("记录平仓成交失败: %w", err)
	}
	if _, err := o.positions.RefreshPrice(ctx, symbol, fill.FilledPrice); err != nil {
		return fill, err
	}
	closed, err := o.positions.ClosePosition(ctx, symbol)
	if err != nil {
		return fill, err
	}

	o.publish(event.EventTypePositionClosed, cid, queue.StageExecution, map[string]interface{}{
		"symbol":       symbol,
		"trigger":      trigger,
		"price":        fill.FilledPrice.String(),
		"realized_pnl": closed.RealizedPnL.StringFixed(2),
	})
	logger.With(cid.String(), string(queue.StageExecution)).
		Info("🏁 %s 因 %s 平仓 @ %s，已实现盈亏 %s", symbol, trigger, fill.FilledPrice, closed.RealizedPnL)
	return fill, nil
}

// MonitorPositions 用最新价格重估全部持仓并执行交易后风控
func (o *Orchestrator) MonitorPositions(ctx context.Context) int {
	closed := 0
	for _, p := range o.positions.OpenPositions() {
		pctx := correlation.WithID(ctx, p.CorrelationID)
		scope := logger.With(p.CorrelationID.String(), "monitor")

		price, err := o.prices.CurrentPrice(pctx, p.Symbol)
		if err != nil {
			scope.Warn("⚠️ 获取 %s 价格失败: %v", p.Symbol, err)
			continue
		}
		if _, err := o.positions.RefreshPrice(pctx, p.Symbol, price); err != nil {
			scope.Warn("⚠️ 重估 %s 持仓失败: %v", p.Symbol, err)
			continue
		}
		_, fill, err := o.postTrade(pctx, p.Symbol)
		if err != nil {
			scope.Error("❌ %s 交易后检查失败: %v", p.Symbol, err)
			continue
		}
		if fill != nil {
			closed++
		}
	}
	return closed
}
