package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ChannelStatus 支付通道状态
type ChannelStatus int8

const (
	ChannelStatusPending ChannelStatus = 0 // 等待链上部署
	ChannelStatusOpen    ChannelStatus = 1 // 已开通
	ChannelStatusClosing ChannelStatus = 2 // 关闭中
	ChannelStatusClosed  ChannelStatus = 3 // 已关闭
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelStatusPending:
		return "PENDING"
	case ChannelStatusOpen:
		return "OPEN"
	case ChannelStatusClosing:
		return "CLOSING"
	case ChannelStatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s ChannelStatus) IsTerminal() bool {
	return s == ChannelStatusClosed
}

// CloseKind 关闭方式
type CloseKind int8

const (
	CloseKindNone          CloseKind = 0
	CloseKindCooperative   CloseKind = 1 // 双方签名, 不经过挑战期
	CloseKindUncooperative CloseKind = 2 // 单方发起, 需等待挑战期
)

func (k CloseKind) String() string {
	switch k {
	case CloseKindCooperative:
		return "COOPERATIVE"
	case CloseKindUncooperative:
		return "UNCOOPERATIVE"
	default:
		return "NONE"
	}
}

// PaymentChannel 双边支付通道
//
// A 方为 UserAddress, B 方为 CounterpartyAddress.
// 除 CLOSING 期间外, CurrentBalanceA + CurrentBalanceB == InitialBalance.
type PaymentChannel struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ChannelID           string          `gorm:"column:channel_id;type:varchar(64);uniqueIndex;not null" json:"channel_id"`
	UserID              string          `gorm:"column:user_id;type:varchar(64);index;not null" json:"user_id"`
	UserAddress         string          `gorm:"column:user_address;type:varchar(42);not null" json:"user_address"`
	CounterpartyAddress string          `gorm:"column:counterparty_address;type:varchar(42);index;not null" json:"counterparty_address"`
	ChannelAddress      string          `gorm:"column:channel_address;type:varchar(42);index" json:"channel_address,omitempty"`
	DeployTxRef         string          `gorm:"column:deploy_tx_ref;type:varchar(66);index" json:"deploy_tx_ref,omitempty"`
	InitialBalance      decimal.Decimal `gorm:"column:initial_balance;type:decimal(78,0);not null" json:"initial_balance"`
	CurrentBalanceA     decimal.Decimal `gorm:"column:current_balance_a;type:decimal(78,0);not null" json:"current_balance_a"`
	CurrentBalanceB     decimal.Decimal `gorm:"column:current_balance_b;type:decimal(78,0);not null" json:"current_balance_b"`
	Seqno               uint64          `gorm:"column:seqno;type:bigint;not null;default:0" json:"seqno"`
	Status              ChannelStatus   `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	LastSignature       string          `gorm:"column:last_signature;type:varchar(132)" json:"last_signature,omitempty"` // hex
	LastSigner          string          `gorm:"column:last_signer;type:varchar(42)" json:"last_signer,omitempty"`
	ChallengePeriod     int64           `gorm:"column:challenge_period;type:bigint;not null" json:"challenge_period"` // 秒
	Timelock            int64           `gorm:"column:timelock;type:bigint;not null" json:"timelock"`                 // 秒
	MinTxAmount         decimal.Decimal `gorm:"column:min_tx_amount;type:decimal(78,0);not null" json:"min_tx_amount"`
	MaxTotal            decimal.Decimal `gorm:"column:max_total;type:decimal(78,0);not null" json:"max_total"`
	Purpose             string          `gorm:"column:purpose;type:varchar(200)" json:"purpose,omitempty"`
	PendingOp           string          `gorm:"column:pending_op;type:varchar(32)" json:"pending_op,omitempty"` // 已提交网关, 尚未落库的关闭或争议操作

	// 关闭请求, CloseRequestedAt > 0 时有效
	CloseRequestedBy string          `gorm:"column:close_requested_by;type:varchar(42)" json:"close_requested_by,omitempty"`
	CloseRequestedAt int64           `gorm:"column:close_requested_at;type:bigint;not null;default:0" json:"close_requested_at,omitempty"`
	CloseStateHash   string          `gorm:"column:close_state_hash;type:varchar(66)" json:"close_state_hash,omitempty"`
	CloseSeqno       uint64          `gorm:"column:close_seqno;type:bigint;not null;default:0" json:"close_seqno,omitempty"`
	CloseBalanceA    decimal.Decimal `gorm:"column:close_balance_a;type:decimal(78,0);not null;default:0" json:"close_balance_a"`
	CloseBalanceB    decimal.Decimal `gorm:"column:close_balance_b;type:decimal(78,0);not null;default:0" json:"close_balance_b"`
	CloseKind        CloseKind       `gorm:"column:close_kind;type:smallint;not null;default:0" json:"close_kind"`

	FinalSeqno uint64 `gorm:"column:final_seqno;type:bigint;not null;default:0" json:"final_seqno,omitempty"`
	ClosedAt   int64  `gorm:"column:closed_at;type:bigint;not null;default:0" json:"closed_at,omitempty"`
	Version    int64  `gorm:"column:version;type:bigint;not null;default:1" json:"version"`
	CreatedAt  int64  `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt  int64  `gorm:"column:updated_at;type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (PaymentChannel) TableName() string {
	return "payment_channels"
}

// CloseRequest 关闭请求
type CloseRequest struct {
	RequestedBy string
	Timestamp   int64 // 毫秒
	StateHash   string
	Seqno       uint64
	BalanceA    decimal.Decimal
	BalanceB    decimal.Decimal
	Kind        CloseKind
}

// CloseRequest 返回当前关闭请求, 未请求关闭时返回 nil
func (c *PaymentChannel) CloseRequest() *CloseRequest {
	if c.CloseRequestedAt == 0 {
		return nil
	}
	return &CloseRequest{
		RequestedBy: c.CloseRequestedBy,
		Timestamp:   c.CloseRequestedAt,
		StateHash:   c.CloseStateHash,
		Seqno:       c.CloseSeqno,
		BalanceA:    c.CloseBalanceA,
		BalanceB:    c.CloseBalanceB,
		Kind:        c.CloseKind,
	}
}

// SetCloseRequest 记录关闭请求
func (c *PaymentChannel) SetCloseRequest(req *CloseRequest) {
	c.CloseRequestedBy = req.RequestedBy
	c.CloseRequestedAt = req.Timestamp
	c.CloseStateHash = req.StateHash
	c.CloseSeqno = req.Seqno
	c.CloseBalanceA = req.BalanceA
	c.CloseBalanceB = req.BalanceB
	c.CloseKind = req.Kind
}

// ChallengeDeadline 挑战期截止时间 (含), 未请求关闭时返回零值
func (c *PaymentChannel) ChallengeDeadline() time.Time {
	if c.CloseRequestedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.CloseRequestedAt).Add(time.Duration(c.ChallengePeriod) * time.Second)
}

// CanChallenge now <= closeRequest.timestamp + challengePeriod
func (c *PaymentChannel) CanChallenge(now time.Time) bool {
	if c.CloseRequestedAt == 0 || c.CloseKind != CloseKindUncooperative {
		return false
	}
	return !now.After(c.ChallengeDeadline())
}

// TotalTransacted A 方已支付总额
func (c *PaymentChannel) TotalTransacted() decimal.Decimal {
	return c.InitialBalance.Sub(c.CurrentBalanceA)
}

// IsExpired 超过 timelock
func (c *PaymentChannel) IsExpired(now time.Time) bool {
	if c.Timelock <= 0 {
		return false
	}
	return now.After(time.UnixMilli(c.CreatedAt).Add(time.Duration(c.Timelock) * time.Second))
}

// IsParty 地址是否为通道双方之一 (大小写不敏感)
func (c *PaymentChannel) IsParty(address string) bool {
	return strings.EqualFold(address, c.UserAddress) || strings.EqualFold(address, c.CounterpartyAddress)
}

// Clone 拷贝
func (c *PaymentChannel) Clone() *PaymentChannel {
	cp := *c
	return &cp
}

// DisputeResolution 争议裁决结果
type DisputeResolution string

const (
	DisputeResolutionNone      DisputeResolution = ""
	DisputeResolutionUpheld    DisputeResolution = "UPHELD"    // 挑战方胜出
	DisputeResolutionOverruled DisputeResolution = "OVERRULED" // 维持原关闭状态
)

// ChannelDispute 通道争议, 只追加, 仅 Resolution/ResolvedAt 可在裁决后写入一次
type ChannelDispute struct {
	ID                int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	ChannelID         string            `gorm:"column:channel_id;type:varchar(64);uniqueIndex:uk_channel_dispute_seq;not null" json:"channel_id"`
	Seq               int               `gorm:"column:seq;type:int;uniqueIndex:uk_channel_dispute_seq;not null" json:"seq"`
	Initiator         string            `gorm:"column:initiator;type:varchar(42);not null" json:"initiator"`
	Timestamp         int64             `gorm:"column:timestamp;type:bigint;not null" json:"timestamp"`
	DisputedStateHash string            `gorm:"column:disputed_state_hash;type:varchar(66);not null" json:"disputed_state_hash"`
	Seqno             uint64            `gorm:"column:seqno;type:bigint;not null" json:"seqno"`
	BalanceA          decimal.Decimal   `gorm:"column:balance_a;type:decimal(78,0);not null" json:"balance_a"`
	BalanceB          decimal.Decimal   `gorm:"column:balance_b;type:decimal(78,0);not null" json:"balance_b"`
	TxRef             string            `gorm:"column:tx_ref;type:varchar(66)" json:"tx_ref"`
	Resolution        DisputeResolution `gorm:"column:resolution;type:varchar(16)" json:"resolution,omitempty"`
	ResolvedAt        int64             `gorm:"column:resolved_at;type:bigint;not null;default:0" json:"resolved_at,omitempty"`
}

// TableName 返回表名
func (ChannelDispute) TableName() string {
	return "channel_disputes"
}

// IsResolved 是否已裁决
func (d *ChannelDispute) IsResolved() bool {
	return d.Resolution != DisputeResolutionNone
}

// SignedState 双方签名的通道状态
type SignedState struct {
	BalanceA   decimal.Decimal `json:"balance_a"`
	BalanceB   decimal.Decimal `json:"balance_b"`
	Seqno      uint64          `json:"seqno"`
	SignatureA []byte          `json:"signature_a"`
	SignatureB []byte          `json:"signature_b"`
}

// FinalState 链上确认的最终状态
type FinalState struct {
	BalanceA decimal.Decimal `json:"balance_a"`
	BalanceB decimal.Decimal `json:"balance_b"`
	Seqno    uint64          `json:"seqno"`
}
