// Package kafka 事件总线接入
//
// 消费:
//   - bet-chain-events: 链上确认事件 (部署, 加入, 结算, 通道关闭, 争议裁决), Partition Key: 合约地址
//   - bet-bot-events: 机器人事件 (用户退出群组), Partition Key: group_id
//
// 生产:
//   - bet-state-changed / channel-state-changed: 状态机提交后的变更通知
//   - bet-chain-events-dlq: 无法解码或主体不存在的事件, 错误信息放在消息头
package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/dispatcher"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/tracing"
)

// 默认 Topic
const (
	TopicChainEvents    = "bet-chain-events"
	TopicBotEvents      = "bet-bot-events"
	TopicBetChanged     = "bet-state-changed"
	TopicChannelChanged = "channel-state-changed"
	TopicDeadLetter     = "bet-chain-events-dlq"
)

// Topics Topic 名称, 为空时使用默认值
type Topics struct {
	ChainEvents    string
	BotEvents      string
	BetChanged     string
	ChannelChanged string
	DeadLetter     string
}

func (t Topics) withDefaults() Topics {
	if t.ChainEvents == "" {
		t.ChainEvents = TopicChainEvents
	}
	if t.BotEvents == "" {
		t.BotEvents = TopicBotEvents
	}
	if t.BetChanged == "" {
		t.BetChanged = TopicBetChanged
	}
	if t.ChannelChanged == "" {
		t.ChannelChanged = TopicChannelChanged
	}
	if t.DeadLetter == "" {
		t.DeadLetter = TopicDeadLetter
	}
	return t
}

// EventIngester 事件处理入口
type EventIngester interface {
	Ingest(ctx context.Context, e model.Event) (dispatcher.Result, error)
}

// DeadLetterSink 死信队列
type DeadLetterSink interface {
	SendDeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error) error
}

// Consumer Kafka 消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	handler *consumerGroupHandler
	topics  []string
	groupID string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topics   Topics

	// MaxAttempts 可重试错误在原地重试的次数, 超过后转入死信队列
	MaxAttempts  int
	RetryBackoff time.Duration
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig, ingester EventIngester, dlq DeadLetterSink) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	topics := cfg.Topics.withDefaults()
	return &Consumer{
		client:  client,
		handler: newHandler(ingester, dlq, cfg.MaxAttempts, cfg.RetryBackoff),
		topics:  []string{topics.ChainEvents, topics.BotEvents},
		groupID: cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("consumer already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// 再均衡后 Consume 返回, 需要重新加入
			if err := c.client.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))
	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	ingester    EventIngester
	dlq         DeadLetterSink
	maxAttempts int
	backoff     time.Duration
}

func newHandler(ingester EventIngester, dlq DeadLetterSink, maxAttempts int, backoff time.Duration) *consumerGroupHandler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &consumerGroupHandler{
		ingester:    ingester,
		dlq:         dlq,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 分区内顺序处理; 只有处理完成 (或转入死信) 的消息才提交位点
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			metrics.RecordKafkaMessage(msg.Topic, false)
			if !h.handleMessage(session.Context(), msg) {
				// 会话结束, 位点不前进, 再均衡后重新投递
				return nil
			}
			session.MarkMessage(msg, "")
		}
	}
}

// handleMessage 返回 false 表示消息未处理完且不应提交位点
func (h *consumerGroupHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	ctx, span := tracing.StartConsumeSpan(ctx, msg)
	defer span.End()

	event, err := model.DecodeEvent(msg.Value, msg.Timestamp.UnixMilli())
	if err != nil {
		logger.Warn("undecodable event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return h.deadLetter(ctx, msg, bizerrors.Wrap(bizerrors.ErrInvalidEvent, err))
	}

	for attempt := 1; ; attempt++ {
		res, err := h.ingester.Ingest(ctx, event)
		switch {
		case err == nil:
			if res.Duplicate {
				logger.Debug("duplicate event skipped", zap.String("event_key", res.Key))
			}
			return true
		case ctx.Err() != nil:
			return false
		case bizerrors.Is(err, bizerrors.ErrUnknownSubject):
			return h.deadLetter(ctx, msg, err)
		case !dispatcher.IsDeferred(err):
			// 已被状态机拒绝并记为失败
			return true
		case attempt >= h.maxAttempts:
			logger.Warn("event still deferred after retries",
				zap.String("event_key", model.Identity(event)),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return h.deadLetter(ctx, msg, err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause error) bool {
	if h.dlq == nil {
		logger.Error("dropping event without dead letter queue",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(cause))
		return true
	}
	if err := h.dlq.SendDeadLetter(ctx, msg, cause); err != nil {
		logger.Error("failed to send dead letter",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return false
	}
	return true
}
