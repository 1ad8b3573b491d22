package web

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiKeyHeader 请求头中的 API Key
const apiKeyHeader = "X-API-Key"

// apiKeyMiddleware 认证中间件，未配置 API Key 时放行所有请求
func apiKeyMiddleware(key func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := key()
		if expected == "" {
			c.Next()
			return
		}

		got := c.GetHeader(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			respondError(c, http.StatusUnauthorized, "invalid or missing API key")
			c.Abort()
			return
		}
		c.Next()
	}
}
