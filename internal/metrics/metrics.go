// Package metrics 提供 eidos-bet 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_bet"

// 状态机指标
var (
	// BetTransitionsTotal 赌约状态流转次数
	BetTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bet_transitions_total",
			Help:      "赌约状态流转次数",
		},
		[]string{"from", "to"},
	)

	// ChannelTransitionsTotal 通道状态流转次数
	ChannelTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_transitions_total",
			Help:      "支付通道状态流转次数",
		},
		[]string{"from", "to"},
	)

	// ChannelUpdatesTotal 通道状态更新结果
	ChannelUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_updates_total",
			Help:      "通道链下状态更新次数",
		},
		[]string{"result"}, // accepted, 或错误码
	)

	// DisputesTotal 争议提交次数
	DisputesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_total",
			Help:      "通道争议提交次数",
		},
	)

	// CASConflictsTotal 版本冲突次数
	CASConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_total",
			Help:      "乐观锁版本冲突次数",
		},
		[]string{"subject"}, // bet, channel
	)

	// ExpiredBetsTotal 过期处理数量
	ExpiredBetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_bets_total",
			Help:      "过期扫描处理的赌约数量",
		},
	)

	// ClosableChannelsGauge 挑战期已结束, 等待链上关闭确认的通道数
	ClosableChannelsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "closable_channels",
			Help:      "挑战期已结束的关闭中通道数量",
		},
	)
)

// 链网关指标
var (
	// GatewayCallsTotal 链网关调用次数
	GatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "链网关调用次数",
		},
		[]string{"op", "status"}, // op: deploy/submit/query, status: success/failed
	)

	// GatewayCallDuration 链网关调用耗时
	GatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "链网关调用耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op"},
	)

	// CurrentNonce 当前 nonce
	CurrentNonce = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_nonce",
			Help:      "热钱包当前 nonce",
		},
	)

	// PendingTxs 已分配 nonce 但尚未上链确认的交易数 (本实例)
	PendingTxs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nonce_pending_txs",
			Help:      "已分配 nonce 尚未确认的交易数",
		},
	)
)

// 事件分发指标
var (
	// EventsTotal 事件处理结果
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "链上/机器人事件处理次数",
		},
		[]string{"type", "result"}, // result: applied, duplicate, deferred, rejected
	)

	// EventDuration 事件处理耗时
	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "单个事件处理耗时(秒)",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"type"},
	)

	// DispatcherQueueDepth 分片队列积压
	DispatcherQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_queue_depth",
			Help:      "分发器分片队列积压数量",
		},
		[]string{"shard"},
	)

	// KafkaMessagesTotal Kafka 消息数
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息数量",
		},
		[]string{"topic", "direction"}, // direction: produced, consumed
	)

	// WebhookRequestsTotal Webhook 请求数
	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook 请求数量",
		},
		[]string{"source", "code"},
	)
)

// RecordGatewayCall 记录链网关调用
func RecordGatewayCall(op string, err error, durationSeconds float64) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	GatewayCallsTotal.WithLabelValues(op, status).Inc()
	GatewayCallDuration.WithLabelValues(op).Observe(durationSeconds)
}

// RecordEvent 记录事件处理结果
func RecordEvent(eventType, result string, durationSeconds float64) {
	EventsTotal.WithLabelValues(eventType, result).Inc()
	EventDuration.WithLabelValues(eventType).Observe(durationSeconds)
}

// RecordBetTransition 记录赌约状态流转
func RecordBetTransition(from, to string) {
	BetTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordChannelTransition 记录通道状态流转
func RecordChannelTransition(from, to string) {
	ChannelTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, produced bool) {
	direction := "consumed"
	if produced {
		direction = "produced"
	}
	KafkaMessagesTotal.WithLabelValues(topic, direction).Inc()
}

// UpdateNonce 更新 nonce
func UpdateNonce(nonce uint64) {
	CurrentNonce.Set(float64(nonce))
}

// UpdatePendingTxs 更新待确认交易数
func UpdatePendingTxs(n int) {
	PendingTxs.Set(float64(n))
}
