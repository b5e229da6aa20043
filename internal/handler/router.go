package handler

import (
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
)

// NewRouter 注册路由
func NewRouter(webhook *WebhookHandler, health *HealthHandler) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(), RequestLogger())

	r.GET("/health", health.Ready)
	r.GET("/health/live", health.Live)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := r.Group("/webhooks")
	hooks.POST("/chain-events", webhook.ChainEvents)
	hooks.POST("/bot-events", webhook.BotEvents)

	return r
}

// Recovery panic 恢复
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.ByteString("stack", debug.Stack()))
				c.Abort()
				Error(c, bizerrors.ErrInternal)
			}
		}()
		c.Next()
	}
}

// RequestLogger 请求日志, 健康检查与指标抓取只记 Debug
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}

		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		case c.FullPath() == "/health" || c.FullPath() == "/metrics":
			logger.Debug("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
