package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"smartalpaca/botstate"
	"smartalpaca/config"
	"smartalpaca/database"
	"smartalpaca/event"
	"smartalpaca/execution"
	"smartalpaca/lock"
	"smartalpaca/logger"
	"smartalpaca/metrics"
	"smartalpaca/notify"
	"smartalpaca/order"
	"smartalpaca/paper"
	"smartalpaca/pipeline"
	"smartalpaca/position"
	"smartalpaca/queue"
	"smartalpaca/risk"
	"smartalpaca/safety"
	"smartalpaca/sizing"
	"smartalpaca/storage"
	"smartalpaca/utils"
	"smartalpaca/web"
)

// Version 版本号
var Version = "0.4.0"

// 模拟盘行情刷新间隔
const marketTickInterval = 5 * time.Second

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("SmartAlpaca Trading Pipeline\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 解析调试参数（-debug / --debug）
	debugMode := false
	filteredArgs := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			filteredArgs = append(filteredArgs, arg)
		}
	}
	if debugMode {
		log.Printf("[INFO] Debug 模式已启用")
	}
	os.Args = filteredArgs

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("❌ 加载配置失败: %v", err)
	}

	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用默认时区 %s", cfg.System.Timezone, err, utils.DefaultTimezone)
		_ = utils.SetLocation(utils.DefaultTimezone)
	}
	logger.SetLocation(utils.GlobalLocation)

	if debugMode {
		cfg.System.LogLevel = "debug"
	}
	logLevel := logger.ParseLogLevel(cfg.System.LogLevel)
	logger.SetLevel(logLevel)
	if cfg.System.LogDir != "" {
		logger.SetLogDir(cfg.System.LogDir)
	}

	logger.Info("🚀 SmartAlpaca 交易流水线启动...")
	logger.Info("📦 版本号: %s", Version)
	logger.Info("日志级别设置为: %s", logLevel.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 数据库
	db, err := database.NewDatabase(&database.Config{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatalf("❌ 初始化数据库失败: %v", err)
	}
	logger.Info("✅ 数据库已初始化 (类型: %s)", cfg.Database.Type)

	// 系统日志写入数据库
	var logStorage *storage.LogStorage
	if store, ok := db.(storage.LogStore); ok {
		logStorage = storage.NewLogStorage(store)
		logger.InitLogStorage(logStorage.WriteLog)
		go logStorage.RunCleanup(ctx, 7)
	}

	// Redis（可选）：分布式锁 + 机器人状态
	var redisClient *redis.Client
	lockCfg := &lock.Config{Type: "memory", Prefix: cfg.Redis.Prefix + "lock:"}
	if cfg.Redis.Enabled {
		redisClient = lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Fatalf("❌ 连接 Redis 失败 (%s): %v", cfg.Redis.Addr, err)
		}
		lockCfg.Type = "redis"
		logger.Info("✅ Redis 已连接: %s", cfg.Redis.Addr)
	}
	distributedLock, err := lock.NewDistributedLock(lockCfg, redisClient)
	if err != nil {
		logger.Fatalf("❌ 初始化分布式锁失败: %v", err)
	}

	// 阶段队列
	q := queue.New(queue.NewDatabaseStore(db), queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.BackoffBase(),
	})

	// 机器人状态，恢复上次的运行状态
	var stateStore botstate.Store = botstate.NewDatabaseStore(db)
	if redisClient != nil && cfg.Redis.BotState {
		stateStore = botstate.NewRedisStore(redisClient, cfg.Redis.Prefix)
	}
	bot := botstate.NewManager(stateStore, q)
	state, err := bot.Init(ctx)
	if err != nil {
		logger.Warn("⚠️ 恢复机器人状态失败: %v，保持停止状态", err)
	}
	logger.Info("🤖 机器人状态: %s", state)

	// 成交记录和持仓
	tracker := execution.NewTracker(execution.NewDatabaseRepository(db))
	positions := position.NewManager(position.NewDatabaseRepository(db))
	positions.SetLocation(utils.GlobalLocation)
	if n, err := positions.Load(ctx); err != nil {
		logger.Fatalf("❌ 加载持仓失败: %v", err)
	} else {
		logger.Info("✅ 已加载 %d 个未平仓持仓", n)
	}

	// 模拟盘行情、券商和分析服务
	market := paper.NewMarket(cfg, marketTickInterval)
	market.Start()
	broker := paper.NewBroker(market, decimal.NewFromFloat(cfg.Paper.InitialCash))
	analyzer := paper.NewAnalyzer(market, cfg)

	// 风控、下单、仓位计算
	riskService := risk.NewService(risk.LimitsFromConfig(cfg), positions, broker, db)
	executor := order.NewExecutor(broker, distributedLock, order.ExecutorConfigFrom(cfg))
	sizer := sizing.NewCalculator(cfg.Sizing.DefaultShares)

	// 事件总线、审计、通知
	eventBus := event.NewEventBus(1000)
	notifier := notify.NewNotificationService(cfg)
	auditCenter := event.NewAuditCenter(db, eventBus, notifier)
	auditCenter.Start()

	orch := pipeline.New(pipeline.Dependencies{
		Config:    cfg,
		Queue:     q,
		Bot:       bot,
		Cycles:    pipeline.NewCycleTracker(db),
		Analyzer:  analyzer,
		Selector:  analyzer,
		Generator: analyzer,
		Validator: analyzer,
		Prices:    market,
		Accounts:  broker,
		Executor:  executor,
		Tracker:   tracker,
		Positions: positions,
		Risk:      riskService,
		Sizer:     sizer,
		Events:    eventBus,
	})

	processor := queue.NewProcessor(q, orch, orch, queue.ProcessorConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.PollInterval(),
		JobTimeout:   cfg.StageTimeout(),
		Lock:         distributedLock,
		LockTTL:      time.Duration(cfg.Redis.LockTTLMs) * time.Millisecond,
	})
	// 上次退出时仍在执行的任务重新排队
	if n, err := processor.RecoverOrphans(ctx); err != nil {
		logger.Warn("⚠️ 恢复遗留任务失败: %v", err)
	} else if n > 0 {
		logger.Info("♻️ 已恢复 %d 个遗留任务", n)
	}
	processor.Start()

	// 持仓对账：本地账本和模拟券商持仓
	reconciler := safety.NewReconciler(positions, broker, distributedLock, db, eventBus,
		time.Duration(cfg.Risk.ReconcileIntervalSeconds)*time.Second)
	reconciler.Start(ctx)

	// 系统指标
	var collector *metrics.SystemMetricsCollector
	if cfg.Metrics.Enabled {
		collector = metrics.NewSystemMetricsCollector(time.Duration(cfg.Metrics.CollectInterval) * time.Second)
		collector.Start()
	}

	// Web 接口
	var logs web.LogQuerier
	if logStorage != nil {
		logs = logStorage
	}
	webServer := web.NewWebServer(cfg, orch, db, logs)
	if err := webServer.Start(ctx); err != nil {
		logger.Error("❌ 启动Web服务器失败: %v", err)
	}

	// 配置热更新
	hotReloader := config.NewHotReloader(cfg)
	hotReloader.RegisterCallback(riskService.OnConfigChange)
	hotReloader.RegisterCallback(executor.OnConfigChange)
	hotReloader.RegisterCallback(orch.OnConfigChange)
	hotReloader.RegisterCallback(analyzer.OnConfigChange)
	hotReloader.RegisterCallback(notifier.OnConfigChange)
	hotReloader.RegisterCallback(webServer.OnConfigChange)

	watcher, err := config.NewConfigWatcher(configPath, hotReloader)
	if err != nil {
		logger.Warn("⚠️ 创建配置监听器失败: %v，配置热更新不可用", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监听器失败: %v", err)
		watcher = nil
	} else {
		go forwardConfigEvents(ctx, watcher, eventBus)
	}

	go orch.RunScheduler(ctx)

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	// 等待退出信号（SIGINT 或 SIGTERM）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 收到退出信号，开始优雅关闭...")

	shutdownTimeout := time.Duration(cfg.System.ShutdownTimeout) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// 第一优先级：保存机器人状态，重启后按原状态恢复
	if err := bot.Flush(shutdownCtx); err != nil {
		logger.Error("❌ 保存机器人状态失败: %v", err)
	}

	// 第二优先级：等待执行中的阶段任务走到终态
	logger.Info("⏹️ 正在停止任务处理器...")
	if err := processor.Stop(shutdownCtx); err != nil {
		logger.Warn("⚠️ 任务处理器未能在 %s 内停止: %v", shutdownTimeout, err)
	}

	// 第三优先级：停止所有协程
	cancel()
	market.Stop()
	if watcher != nil {
		_ = watcher.Stop()
	}
	if collector != nil {
		collector.Stop()
	}
	webServer.Stop()

	// 审计中心会把总线上剩余的事件写完
	auditCenter.Stop()

	if logStorage != nil {
		if err := logStorage.Close(); err != nil {
			log.Printf("[ERROR] 关闭日志存储失败: %v", err)
		}
		logger.InitLogStorage(nil)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := db.Close(); err != nil {
		log.Printf("[ERROR] 关闭数据库失败: %v", err)
	}

	logger.Info("✅ 系统已安全退出 SmartAlpaca")
	logger.Close()
}

// forwardConfigEvents 配置热更新结果写入事件总线
func forwardConfigEvents(ctx context.Context, watcher *config.ConfigWatcher, bus *event.EventBus) {
	for {
		select {
		case <-ctx.Done():
			return
		case diff := <-watcher.GetUpdateChan():
			if diff == nil {
				continue
			}
			sections := make([]string, 0, len(diff.Changes))
			for _, c := range diff.Changes {
				sections = append(sections, c.Section)
			}
			if diff.RequiresRestart {
				logger.Warn("⚠️ 部分配置变更需要重启后生效: %v", sections)
			}
			bus.Publish(&event.Event{
				Type:      event.EventTypeConfigReloaded,
				Timestamp: utils.NowUTC(),
				Data: map[string]interface{}{
					"sections":         sections,
					"requires_restart": diff.RequiresRestart,
				},
			})
		case err := <-watcher.GetErrorChan():
			if err != nil {
				logger.Error("❌ 配置热更新失败: %v", err)
			}
		}
	}
}
