package pipeline

import (
	"context"
	"errors"
	"time"

	"smartalpaca/logger"
)

// RunScheduler 后台调度（阻塞直到 ctx 取消）：
// 机器人运行且开启 auto_cycle 时定期发起交易周期；定期盯市；定期清理过期任务
func (o *Orchestrator) RunScheduler(ctx context.Context) {
	cfg := o.config()
	cycleEvery := seconds(cfg.Pipeline.CycleIntervalSeconds, 300)
	monitorEvery := seconds(cfg.Pipeline.MonitorIntervalSecs, 30)
	cleanEvery := time.Duration(cfg.Queue.CleanIntervalMinute) * time.Minute
	if cleanEvery <= 0 {
		cleanEvery = time.Hour
	}

	cycleTicker := time.NewTicker(cycleEvery)
	defer cycleTicker.Stop()
	monitorTicker := time.NewTicker(monitorEvery)
	defer monitorTicker.Stop()
	cleanTicker := time.NewTicker(cleanEvery)
	defer cleanTicker.Stop()

	logger.Info("✅ 调度器已启动 (周期间隔: %s, 盯市间隔: %s, 清理间隔: %s)", cycleEvery, monitorEvery, cleanEvery)

	for {
		select {
		case <-ctx.Done():
			logger.Info("⏹️ 调度器已停止")
			return

		case <-cycleTicker.C:
			cfg = o.config()
			if d := seconds(cfg.Pipeline.CycleIntervalSeconds, 300); d != cycleEvery {
				cycleEvery = d
				cycleTicker.Reset(d)
			}
			if !cfg.Pipeline.AutoCycle || !o.bot.Running(ctx) {
				continue
			}
			if o.risk.IsHalted() {
				logger.Warn("⚠️ 交易已暂停，跳过自动周期")
				continue
			}
			if _, err := o.StartCycle(ctx, nil); err != nil && !errors.Is(err, ErrBotStopped) {
				logger.Error("❌ 自动发起交易周期失败: %v", err)
			}

		case <-monitorTicker.C:
			if d := seconds(o.config().Pipeline.MonitorIntervalSecs, 30); d != monitorEvery {
				monitorEvery = d
				monitorTicker.Reset(d)
			}
			if !o.bot.Running(ctx) {
				continue
			}
			if n := o.MonitorPositions(ctx); n > 0 {
				logger.Info("🛡️ 盯市平仓 %d 个持仓", n)
			}

		case <-cleanTicker.C:
			o.clean(ctx)
		}
	}
}

func (o *Orchestrator) clean(ctx context.Context) {
	if _, err := o.queue.Clean(ctx, o.config().Retention()); err != nil {
		logger.Warn("⚠️ 清理过期任务失败: %v", err)
		return
	}
	if _, err := o.GetQueueStats(ctx); err != nil {
		logger.Warn("⚠️ 刷新队列统计失败: %v", err)
	}
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
