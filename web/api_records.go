package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"smartalpaca/database"
	"smartalpaca/logger"
	"smartalpaca/storage"
)

// Records 审计日志和风控记录查询
type Records interface {
	GetAuditLogs(ctx context.Context, filter *database.AuditLogFilter) ([]*database.AuditLog, error)
	GetRiskChecks(ctx context.Context, filter *database.RiskCheckFilter) ([]*database.RiskCheck, error)
}

// LogQuerier 系统日志查询
type LogQuerier interface {
	GetLogs(ctx context.Context, params storage.LogQueryParams) ([]*database.LogRecord, int64, error)
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}

// getAuditLogs 审计日志，支持 correlation_id、event_type 过滤
func (h *handlers) getAuditLogs(c *gin.Context) {
	if h.records == nil {
		respondError(c, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	logs, err := h.records.GetAuditLogs(ctx, &database.AuditLogFilter{
		CorrelationID: c.Query("correlation_id"),
		EventType:     c.Query("event_type"),
		Limit:         queryLimit(c, 100),
	})
	if err != nil {
		logger.Error("❌ 查询审计日志失败: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to query audit logs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"count": len(logs),
	})
}

// getRiskChecks 风控检查记录
func (h *handlers) getRiskChecks(c *gin.Context) {
	if h.records == nil {
		respondError(c, http.StatusServiceUnavailable, "risk history unavailable")
		return
	}

	filter := &database.RiskCheckFilter{
		Symbol:        strings.ToUpper(c.Query("symbol")),
		CorrelationID: c.Query("correlation_id"),
		Limit:         queryLimit(c, 100),
	}
	if v := c.Query("approved"); v != "" {
		approved, err := strconv.ParseBool(v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid approved flag")
			return
		}
		filter.Approved = &approved
	}
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = &t
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	checks, err := h.records.GetRiskChecks(ctx, filter)
	if err != nil {
		logger.Error("❌ 查询风控记录失败: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to query risk checks", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checks": checks,
		"count":  len(checks),
	})
}

// getLogs 系统日志分页查询
func (h *handlers) getLogs(c *gin.Context) {
	if h.logs == nil {
		respondError(c, http.StatusServiceUnavailable, "log storage unavailable")
		return
	}

	params := storage.LogQueryParams{
		Level:   strings.ToUpper(c.Query("level")),
		Keyword: c.Query("keyword"),
		Limit:   queryLimit(c, 100),
	}
	params.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = t
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	logs, total, err := h.logs.GetLogs(ctx, params)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to query logs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"total": total,
	})
}
