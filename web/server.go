package web

import (
	"net/http"
	"net/http/pprof"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes 设置路由
func SetupRoutes(r *gin.Engine, h *handlers, auth gin.HandlerFunc) {
	// Prometheus metrics 端点（不需要认证，供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// pprof 性能分析端点，需要认证
	pprofGroup := r.Group("/debug/pprof", auth)
	{
		pprofGroup.GET("/", gin.WrapF(pprof.Index))
		pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
		pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
		pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
	}

	api := r.Group("/api", auth)
	{
		bot := api.Group("/bot")
		{
			bot.POST("/start", h.startBot)
			bot.POST("/stop", h.stopBot)
			bot.GET("/status", h.botStatus)
		}

		api.POST("/cycles", h.startCycle)
		api.GET("/cycles/:id", h.getCycle)

		api.GET("/queue/stats", h.queueStats)
		api.GET("/jobs/:id", h.getJob)

		api.GET("/positions/:symbol", h.getPosition)
		api.GET("/executions/:symbol", h.getExecutions)
		api.GET("/executions/:symbol/risk-metrics", h.getRiskMetrics)

		riskAPI := api.Group("/risk")
		{
			riskAPI.POST("/validate", h.validateTrade)
			riskAPI.POST("/resume", h.resumeTrading)
			riskAPI.GET("/checks", h.getRiskChecks)
		}

		api.GET("/audit/logs", h.getAuditLogs)
		api.GET("/logs", h.getLogs)
	}

	r.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "route not found")
	})
}
