// Package handler HTTP 接入: 链上 / 机器人事件 Webhook, 健康检查与指标
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/dispatcher"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
)

// Response Webhook 响应
type Response struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventKey  string `json:"event_key,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// statusOf 延后处理的事件返回 503, 让发送方稍后重投; 被拒绝的事件返回业务状态码
func statusOf(err error) int {
	if dispatcher.IsDeferred(err) {
		return http.StatusServiceUnavailable
	}
	return bizerrors.ToHTTPStatus(err)
}

// Error 返回错误响应
func Error(c *gin.Context, err error) {
	bizErr := bizerrors.FromError(err)
	c.JSON(statusOf(err), &Response{
		Code:    bizErr.Code,
		Message: bizErr.Message,
	})
}
