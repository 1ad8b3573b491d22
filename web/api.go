package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"smartalpaca/botstate"
	"smartalpaca/correlation"
	"smartalpaca/execution"
	"smartalpaca/logger"
	"smartalpaca/pipeline"
	"smartalpaca/position"
	"smartalpaca/queue"
	"smartalpaca/risk"
)

// Controller Web 接口依赖的编排器能力
type Controller interface {
	StartBot(ctx context.Context) error
	StopBot(ctx context.Context) error
	BotState() botstate.State
	HaltStatus() (bool, string)
	ResumeTrading()

	StartCycle(ctx context.Context, symbols []string) (correlation.ID, error)
	GetCycle(ctx context.Context, cid correlation.ID) (*pipeline.Cycle, error)
	GetQueueStats(ctx context.Context) (queue.Stats, error)
	GetJobStatus(ctx context.Context, id string) (*queue.JobView, error)

	GetPositionMetrics(symbol string) *position.Metrics
	GetExecutionHistory(ctx context.Context, symbol string) ([]execution.TradeExecution, error)
	GetExecutionAnalytics(ctx context.Context, symbol string) (execution.Analytics, error)
	GetRiskMetrics(ctx context.Context, symbol string) (execution.RiskMetrics, error)
	ValidateTrade(ctx context.Context, symbol string, proposedValue decimal.Decimal) (*risk.Decision, error)
}

const requestTimeout = 10 * time.Second

type handlers struct {
	ctrl    Controller
	records Records
	logs    LogQuerier
}

func respondError(c *gin.Context, status int, message string, err ...error) {
	body := gin.H{"error": message}
	if len(err) > 0 && err[0] != nil {
		body["detail"] = err[0].Error()
		_ = c.Error(err[0])
	}
	c.JSON(status, body)
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

func (h *handlers) botStatusBody() gin.H {
	state := h.ctrl.BotState()
	halted, reason := h.ctrl.HaltStatus()
	return gin.H{
		"state":       state,
		"running":     state == botstate.Running,
		"halted":      halted,
		"halt_reason": reason,
	}
}

func (h *handlers) startBot(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	if err := h.ctrl.StartBot(ctx); err != nil {
		logger.Error("❌ 启动机器人失败: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to start bot", err)
		return
	}
	c.JSON(http.StatusOK, h.botStatusBody())
}

func (h *handlers) stopBot(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	if err := h.ctrl.StopBot(ctx); err != nil {
		logger.Error("❌ 停止机器人失败: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to stop bot", err)
		return
	}
	c.JSON(http.StatusOK, h.botStatusBody())
}

func (h *handlers) botStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.botStatusBody())
}

type startCycleRequest struct {
	Symbols []string `json:"symbols"`
}

// startCycle 发起交易周期，请求体可省略（使用配置中的品种）
func (h *handlers) startCycle(c *gin.Context) {
	var req startCycleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	cid, err := h.ctrl.StartCycle(ctx, req.Symbols)
	switch {
	case errors.Is(err, pipeline.ErrBotStopped):
		respondError(c, http.StatusConflict, "bot is stopped")
		return
	case errors.Is(err, pipeline.ErrNoSymbols):
		respondError(c, http.StatusBadRequest, "no symbols to scan")
		return
	case err != nil:
		logger.Error("❌ 发起交易周期失败: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to start cycle", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlation_id": cid})
}

func (h *handlers) getCycle(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	cycle, err := h.ctrl.GetCycle(ctx, correlation.ID(c.Param("id")))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load cycle", err)
		return
	}
	if cycle == nil {
		respondError(c, http.StatusNotFound, "cycle not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cycle":   cycle,
		"summary": cycle.Summary(),
	})
}

func (h *handlers) queueStats(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	stats, err := h.ctrl.GetQueueStats(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load queue stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handlers) getJob(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	job, err := h.ctrl.GetJobStatus(ctx, c.Param("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		respondError(c, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handlers) getPosition(c *gin.Context) {
	m := h.ctrl.GetPositionMetrics(c.Param("symbol"))
	if m == nil {
		respondError(c, http.StatusNotFound, "no open position")
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handlers) getExecutions(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	symbol := c.Param("symbol")
	history, err := h.ctrl.GetExecutionHistory(ctx, symbol)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load executions", err)
		return
	}
	analytics, err := h.ctrl.GetExecutionAnalytics(ctx, symbol)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to compute analytics", err)
		return
	}
	if history == nil {
		history = []execution.TradeExecution{}
	}
	c.JSON(http.StatusOK, gin.H{
		"executions": history,
		"count":      len(history),
		"analytics":  analytics,
	})
}

func (h *handlers) getRiskMetrics(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	m, err := h.ctrl.GetRiskMetrics(ctx, c.Param("symbol"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to compute risk metrics", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type validateTradeRequest struct {
	Symbol        string          `json:"symbol" binding:"required"`
	ProposedValue decimal.Decimal `json:"proposed_value"`
}

func (h *handlers) validateTrade(c *gin.Context) {
	var req validateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !req.ProposedValue.IsPositive() {
		respondError(c, http.StatusBadRequest, "proposed_value must be positive")
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	decision, err := h.ctrl.ValidateTrade(ctx, strings.TrimSpace(req.Symbol), req.ProposedValue)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "risk check failed", err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *handlers) resumeTrading(c *gin.Context) {
	h.ctrl.ResumeTrading()
	logger.Info("▶️ 已通过接口解除交易暂停")
	c.JSON(http.StatusOK, h.botStatusBody())
}
