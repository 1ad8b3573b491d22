package web

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"smartalpaca/config"
	"smartalpaca/logger"
)

// WebServer Web服务器
type WebServer struct {
	server *http.Server
	cfg    *config.Config
	apiKey atomic.Value // string
}

// NewWebServer 创建Web服务器，未启用时返回 nil；records、logs 可为 nil
func NewWebServer(cfg *config.Config, ctrl Controller, records Records, logs LogQuerier) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	// 设置Gin模式
	if cfg.System.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ws := &WebServer{cfg: cfg}
	ws.apiKey.Store(cfg.Web.APIKey)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.newRouter(&handlers{ctrl: ctrl, records: records, logs: logs}, cfg.System.LogLevel == "debug"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return ws
}

func (ws *WebServer) newRouter(h *handlers, logAll bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(GinLoggerMiddleware(logAll))
	SetupRoutes(r, h, apiKeyMiddleware(ws.currentAPIKey))
	return r
}

func (ws *WebServer) currentAPIKey() string {
	key, _ := ws.apiKey.Load().(string)
	return key
}

// OnConfigChange 热更新 API Key，监听地址变化需要重启
func (ws *WebServer) OnConfigChange(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if ws == nil || (diff != nil && !diff.Has("web")) {
		return nil
	}
	ws.apiKey.Store(newCfg.Web.APIKey)
	if oldCfg != nil && (oldCfg.Web.Host != newCfg.Web.Host || oldCfg.Web.Port != newCfg.Web.Port) {
		logger.Warn("⚠️ Web服务器监听地址变更需要重启后生效")
	}
	return nil
}

// Start 启动Web服务器
func (ws *WebServer) Start(ctx context.Context) error {
	if ws == nil {
		return nil
	}

	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s:%d", ws.cfg.Web.Host, ws.cfg.Web.Port)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器启动失败: %v", err)
		}
	}()

	// 等待context取消
	go func() {
		<-ctx.Done()
		ws.Stop()
	}()

	return nil
}

// Stop 停止Web服务器
func (ws *WebServer) Stop() {
	if ws == nil || ws.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		logger.Error("❌ Web服务器关闭失败: %v", err)
	} else {
		logger.Info("✅ Web服务器已关闭")
	}
}
