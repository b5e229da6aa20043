package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/tracing"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// 死信消息头
const (
	HeaderErrorCode       = "x-error-code"
	HeaderError           = "x-error"
	HeaderSourceTopic     = "x-source-topic"
	HeaderSourcePartition = "x-source-partition"
	HeaderSourceOffset    = "x-source-offset"
)

// BetChanged 赌约状态变更通知, Partition Key: bet_id
type BetChanged struct {
	BetID           string          `json:"bet_id"`
	GroupID         string          `json:"group_id,omitempty"`
	Status          string          `json:"status"`
	Participants    []string        `json:"participants"`
	Winner          string          `json:"winner,omitempty"`
	PendingWinner   string          `json:"pending_winner,omitempty"`
	ContractAddress string          `json:"contract_address,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Version         int64           `json:"version"`
	UpdatedAt       int64           `json:"updated_at"`
}

// ChannelChanged 通道状态变更通知, Partition Key: channel_id
type ChannelChanged struct {
	ChannelID      string          `json:"channel_id"`
	UserID         string          `json:"user_id"`
	Status         string          `json:"status"`
	ChannelAddress string          `json:"channel_address,omitempty"`
	BalanceA       decimal.Decimal `json:"balance_a"`
	BalanceB       decimal.Decimal `json:"balance_b"`
	Transacted     decimal.Decimal `json:"transacted"` // A 方累计支付
	Seqno          uint64          `json:"seqno"`
	CloseKind      string          `json:"close_kind,omitempty"`
	Version        int64           `json:"version"`
	UpdatedAt      int64           `json:"updated_at"`
}

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	topics   Topics
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	Topics       Topics
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWithSyncProducer(producer, cfg.Topics), nil
}

// NewProducerWithSyncProducer 使用已有的 SyncProducer
func NewProducerWithSyncProducer(producer sarama.SyncProducer, topics Topics) *Producer {
	return &Producer{
		producer: producer,
		topics:   topics.withDefaults(),
	}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

func (p *Producer) send(ctx context.Context, msg *sarama.ProducerMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	_, span := tracing.StartProduceSpan(ctx, msg)
	partition, offset, err := p.producer.SendMessage(msg)
	tracing.EndSpan(span, err)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return err
	}
	metrics.RecordKafkaMessage(msg.Topic, true)

	logger.Debug("kafka message sent",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *Producer) sendJSON(ctx context.Context, topic, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.send(ctx, &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
}

// PublishBetChanged 发送赌约状态变更
func (p *Producer) PublishBetChanged(ctx context.Context, bet *model.Bet) error {
	return p.sendJSON(ctx, p.topics.BetChanged, bet.BetID, &BetChanged{
		BetID:           bet.BetID,
		GroupID:         bet.GroupID,
		Status:          bet.Status.String(),
		Participants:    bet.Participants,
		Winner:          bet.Winner,
		PendingWinner:   bet.PendingWinner,
		ContractAddress: bet.ContractAddress,
		Amount:          bet.Amount,
		Version:         bet.Version,
		UpdatedAt:       bet.UpdatedAt,
	})
}

// PublishChannelChanged 发送通道状态变更
func (p *Producer) PublishChannelChanged(ctx context.Context, ch *model.PaymentChannel) error {
	msg := &ChannelChanged{
		ChannelID:      ch.ChannelID,
		UserID:         ch.UserID,
		Status:         ch.Status.String(),
		ChannelAddress: ch.ChannelAddress,
		BalanceA:       ch.CurrentBalanceA,
		BalanceB:       ch.CurrentBalanceB,
		Transacted:     ch.TotalTransacted(),
		Seqno:          ch.Seqno,
		Version:        ch.Version,
		UpdatedAt:      ch.UpdatedAt,
	}
	if ch.CloseRequestedAt > 0 {
		msg.CloseKind = ch.CloseKind.String()
	}
	return p.sendJSON(ctx, p.topics.ChannelChanged, ch.ChannelID, msg)
}

// SendDeadLetter 原样转发无法处理的消息, 错误信息放在消息头
func (p *Producer) SendDeadLetter(ctx context.Context, src *sarama.ConsumerMessage, cause error) error {
	reason := cause.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderErrorCode), Value: []byte(bizerrors.GetCode(cause))},
		{Key: []byte(HeaderError), Value: []byte(reason)},
		{Key: []byte(HeaderSourceTopic), Value: []byte(src.Topic)},
		{Key: []byte(HeaderSourcePartition), Value: []byte(strconv.Itoa(int(src.Partition)))},
		{Key: []byte(HeaderSourceOffset), Value: []byte(strconv.FormatInt(src.Offset, 10))},
	}

	msg := &sarama.ProducerMessage{
		Topic:   p.topics.DeadLetter,
		Value:   sarama.ByteEncoder(src.Value),
		Headers: headers,
	}
	if len(src.Key) > 0 {
		msg.Key = sarama.ByteEncoder(src.Key)
	}
	return p.send(ctx, msg)
}
