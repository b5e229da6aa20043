package model

import "github.com/shopspring/decimal"

// TxType 链上交易类型
type TxType string

const (
	TxTypeBetCreate      TxType = "BET_CREATE"
	TxTypeBetJoin        TxType = "BET_JOIN"
	TxTypeBetResolve     TxType = "BET_RESOLVE"
	TxTypeChannelOpen    TxType = "CHANNEL_OPEN"
	TxTypeChannelClose   TxType = "CHANNEL_CLOSE"
	TxTypeChannelDispute TxType = "CHANNEL_DISPUTE"
	TxTypeTransfer       TxType = "TRANSFER"
)

// TxStatus 链上交易状态
type TxStatus int8

const (
	TxStatusPending   TxStatus = 0
	TxStatusConfirmed TxStatus = 1
	TxStatusFailed    TxStatus = 2
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "PENDING"
	case TxStatusConfirmed:
		return "CONFIRMED"
	case TxStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Transaction 链上交易流水
//
// 写入后只有 Status / ProcessedAt / FailureReason 可由事件分发器修改一次.
type Transaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash        string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	BlockHash     string          `gorm:"column:block_hash;type:varchar(66)" json:"block_hash,omitempty"`
	BlockNumber   int64           `gorm:"column:block_number;type:bigint;not null;default:0" json:"block_number"`
	LogicalTime   int64           `gorm:"column:logical_time;type:bigint;not null;default:0" json:"logical_time"`
	Type          TxType          `gorm:"column:type;type:varchar(32);index;not null" json:"type"`
	Status        TxStatus        `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	FromAddress   string          `gorm:"column:from_address;type:varchar(64)" json:"from"`
	ToAddress     string          `gorm:"column:to_address;type:varchar(64)" json:"to"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(78,0);not null;default:0" json:"amount"`
	BetID         string          `gorm:"column:bet_id;type:varchar(64);index" json:"bet_id,omitempty"`
	ChannelID     string          `gorm:"column:channel_id;type:varchar(64);index" json:"channel_id,omitempty"`
	Operation     string          `gorm:"column:operation;type:varchar(32)" json:"operation,omitempty"`
	GasFee        decimal.Decimal `gorm:"column:gas_fee;type:decimal(78,0);not null;default:0" json:"gas_fee"`
	StorageFee    decimal.Decimal `gorm:"column:storage_fee;type:decimal(78,0);not null;default:0" json:"storage_fee"`
	OtherFee      decimal.Decimal `gorm:"column:other_fee;type:decimal(78,0);not null;default:0" json:"other_fee"`
	ProcessedAt   int64           `gorm:"column:processed_at;type:bigint;not null;default:0" json:"processed_at,omitempty"`
	FailureReason string          `gorm:"column:failure_reason;type:varchar(500)" json:"failure_reason,omitempty"`
	RelatedTxHash string          `gorm:"column:related_tx_hash;type:varchar(66)" json:"related_tx_hash,omitempty"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (Transaction) TableName() string {
	return "bet_transactions"
}

// TotalFee 手续费合计
func (t *Transaction) TotalFee() decimal.Decimal {
	return t.GasFee.Add(t.StorageFee).Add(t.OtherFee)
}

// ProcessedEvent 已处理事件, EventKey 唯一, 与状态变更在同一事务中写入
type ProcessedEvent struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	EventKey    string `gorm:"column:event_key;type:varchar(128);uniqueIndex;not null" json:"event_key"`
	TxHash      string `gorm:"column:tx_hash;type:varchar(66);not null" json:"tx_hash"`
	EventType   string `gorm:"column:event_type;type:varchar(32);not null" json:"event_type"`
	Subject     string `gorm:"column:subject;type:varchar(80);index;not null" json:"subject"`
	BlockNumber int64  `gorm:"column:block_number;type:bigint;not null;default:0" json:"block_number"`
	LogIndex    int    `gorm:"column:log_index;type:int;not null;default:0" json:"log_index"`
	ProcessedAt int64  `gorm:"column:processed_at;type:bigint;not null" json:"processed_at"`
}

// TableName 返回表名
func (ProcessedEvent) TableName() string {
	return "processed_events"
}
