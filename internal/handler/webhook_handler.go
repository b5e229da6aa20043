package handler

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/dispatcher"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
)

// SecretHeader Webhook 共享密钥头
const SecretHeader = "X-Webhook-Secret"

const maxBodyBytes = 64 << 10

// EventIngester 事件处理入口
type EventIngester interface {
	Ingest(ctx context.Context, e model.Event) (dispatcher.Result, error)
}

// WebhookHandler 事件 Webhook
type WebhookHandler struct {
	ingester EventIngester
	secret   []byte
}

// NewWebhookHandler 创建 Webhook 处理器, secret 为空时不校验 (配置校验只在 dev 环境允许为空)
func NewWebhookHandler(ingester EventIngester, secret string) *WebhookHandler {
	return &WebhookHandler{
		ingester: ingester,
		secret:   []byte(secret),
	}
}

// ChainEvents 链上确认事件
// POST /webhooks/chain-events
func (h *WebhookHandler) ChainEvents(c *gin.Context) {
	h.handle(c, "chain", func(e model.Event) bool {
		return e.Type() != model.EventParticipantLeft
	})
}

// BotEvents 机器人事件
// POST /webhooks/bot-events
func (h *WebhookHandler) BotEvents(c *gin.Context) {
	h.handle(c, "bot", func(e model.Event) bool {
		return e.Type() == model.EventParticipantLeft
	})
}

func (h *WebhookHandler) handle(c *gin.Context, source string, accepts func(model.Event) bool) {
	if !h.authorized(c) {
		h.fail(c, source, bizerrors.ErrUnauthorized.WithMessagef("invalid webhook secret"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		h.fail(c, source, bizerrors.ErrInvalidEvent.WithMessagef("unreadable or oversized body"))
		return
	}

	event, err := model.DecodeEvent(body, time.Now().UnixMilli())
	if err != nil {
		h.fail(c, source, bizerrors.ErrInvalidEvent.WithMessagef("%v", err))
		return
	}
	if !accepts(event) {
		h.fail(c, source, bizerrors.ErrInvalidEvent.WithMessagef("event %s not accepted on %s endpoint", event.Type(), source))
		return
	}

	res, err := h.ingester.Ingest(c.Request.Context(), event)
	if err != nil {
		logger.Info("webhook event not applied",
			zap.String("source", source),
			zap.String("event_key", res.Key),
			zap.String("code", bizerrors.GetCode(err)))
		h.fail(c, source, err)
		return
	}

	metrics.WebhookRequestsTotal.WithLabelValues(source, strconv.Itoa(http.StatusOK)).Inc()
	c.JSON(http.StatusOK, &Response{
		Success:   true,
		Duplicate: res.Duplicate,
		EventKey:  res.Key,
	})
}

func (h *WebhookHandler) fail(c *gin.Context, source string, err error) {
	metrics.WebhookRequestsTotal.WithLabelValues(source, strconv.Itoa(statusOf(err))).Inc()
	Error(c, err)
}

func (h *WebhookHandler) authorized(c *gin.Context) bool {
	if len(h.secret) == 0 {
		return true
	}
	given := []byte(c.GetHeader(SecretHeader))
	return subtle.ConstantTimeCompare(given, h.secret) == 1
}
