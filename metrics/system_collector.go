package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetricsCollector 系统指标采集器
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	proc     *process.Process
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSystemMetricsCollector 创建系统指标采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	ctx, cancel := context.WithCancel(context.Background())
	// 拿不到进程句柄时只采集 runtime 指标
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &SystemMetricsCollector{
		pm:       GetPrometheusMetrics(),
		proc:     proc,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动采集
func (smc *SystemMetricsCollector) Start() {
	go smc.collectLoop()
}

// Stop 停止采集
func (smc *SystemMetricsCollector) Stop() {
	if smc.cancel != nil {
		smc.cancel()
	}
}

func (smc *SystemMetricsCollector) collectLoop() {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	// 立即采集一次
	smc.collect()

	for {
		select {
		case <-smc.ctx.Done():
			return
		case <-ticker.C:
			smc.collect()
		}
	}
}

// collect 采集系统指标
func (smc *SystemMetricsCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	smc.pm.SetGoroutineCount(runtime.NumGoroutine())
	smc.pm.SetMemoryAlloc(m.Alloc)

	// PauseNs 是循环缓冲区，最近一次停顿在 (NumGC+255)%256
	if m.NumGC > 0 {
		if pauseNs := m.PauseNs[(m.NumGC+255)%256]; pauseNs > 0 {
			smc.pm.RecordGCPause(time.Duration(pauseNs))
		}
	}

	if smc.proc == nil {
		return
	}
	cpu, err := smc.proc.PercentWithContext(smc.ctx, 0)
	if err != nil {
		return
	}
	var rss uint64
	if mem, err := smc.proc.MemoryInfoWithContext(smc.ctx); err == nil && mem != nil {
		rss = mem.RSS
	}
	smc.pm.SetProcessUsage(cpu, rss)
}
