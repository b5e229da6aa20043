package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// BetStatus 赌约状态
type BetStatus int8

const (
	BetStatusPending  BetStatus = 0 // 待加入
	BetStatusActive   BetStatus = 1 // 进行中
	BetStatusResolved BetStatus = 2 // 已结算
	BetStatusExpired  BetStatus = 3 // 已过期
)

func (s BetStatus) String() string {
	switch s {
	case BetStatusPending:
		return "PENDING"
	case BetStatusActive:
		return "ACTIVE"
	case BetStatusResolved:
		return "RESOLVED"
	case BetStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s BetStatus) IsTerminal() bool {
	return s == BetStatusResolved || s == BetStatusExpired
}

// CanTransitionTo 状态只能向前流转
//
//	PENDING -> ACTIVE | EXPIRED
//	ACTIVE  -> RESOLVED | EXPIRED
func (s BetStatus) CanTransitionTo(next BetStatus) bool {
	switch s {
	case BetStatusPending:
		return next == BetStatusActive || next == BetStatusExpired
	case BetStatusActive:
		return next == BetStatusResolved || next == BetStatusExpired
	default:
		return false
	}
}

// BetType 赌约类型
type BetType string

const (
	BetTypeFriend BetType = "FRIEND" // 好友之间
	BetTypeBig    BetType = "BIG"    // 群组公开
)

// IsValid 是否为已知类型
func (t BetType) IsValid() bool {
	return t == BetTypeFriend || t == BetTypeBig
}

// BetMetadata 赌约元数据
type BetMetadata struct {
	Category string            `json:"category,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// Bet 赌约
type Bet struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	BetID           string          `gorm:"column:bet_id;type:varchar(64);uniqueIndex;not null" json:"bet_id"`
	CreatorID       string          `gorm:"column:creator_id;type:varchar(64);index;not null" json:"creator_id"`
	Description     string          `gorm:"column:description;type:varchar(500);not null" json:"description"`
	GroupID         string          `gorm:"column:group_id;type:varchar(64);index" json:"group_id"`
	BetType         BetType         `gorm:"column:bet_type;type:varchar(16);not null" json:"bet_type"`
	Amount          decimal.Decimal `gorm:"column:amount;type:decimal(78,0);not null" json:"amount"`
	Participants    []string        `gorm:"column:participants;type:jsonb;serializer:json;not null" json:"participants"`
	Status          BetStatus       `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	Winner          string          `gorm:"column:winner;type:varchar(64)" json:"winner,omitempty"`
	PendingWinner   string          `gorm:"column:pending_winner;type:varchar(64)" json:"pending_winner,omitempty"` // 已提交链上, 等待确认
	ResolveTxRef    string          `gorm:"column:resolve_tx_ref;type:varchar(66)" json:"resolve_tx_ref,omitempty"`
	ContractAddress string          `gorm:"column:contract_address;type:varchar(42);index" json:"contract_address,omitempty"`
	DeployTxRef     string          `gorm:"column:deploy_tx_ref;type:varchar(66);index" json:"deploy_tx_ref,omitempty"`
	ExpiryTime      int64           `gorm:"column:expiry_time;type:bigint;index;not null" json:"expiry_time"`
	PlatformFee     decimal.Decimal `gorm:"column:platform_fee;type:decimal(78,0);not null" json:"platform_fee"`
	OrganizerFee    decimal.Decimal `gorm:"column:organizer_fee;type:decimal(78,0);not null" json:"organizer_fee"`
	Metadata        BetMetadata     `gorm:"column:metadata;type:jsonb;serializer:json" json:"metadata"`
	Version         int64           `gorm:"column:version;type:bigint;not null;default:1" json:"version"`
	CreatedAt       int64           `gorm:"column:created_at;type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt       int64           `gorm:"column:updated_at;type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (Bet) TableName() string {
	return "bets"
}

// HasParticipant 是否已加入
func (b *Bet) HasParticipant(userID string) bool {
	return slices.Contains(b.Participants, userID)
}

// IsEligibleWinner 获胜者必须是参与者或创建者
func (b *Bet) IsEligibleWinner(userID string) bool {
	return userID != "" && (userID == b.CreatorID || b.HasParticipant(userID))
}

// IsExpired now >= expiryTime 即视为过期
func (b *Bet) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= b.ExpiryTime
}

// AddParticipant 追加参与者, 已存在时返回 false
func (b *Bet) AddParticipant(userID string) bool {
	if b.HasParticipant(userID) {
		return false
	}
	b.Participants = append(b.Participants, userID)
	return true
}

// RemoveParticipant 移除参与者, 不存在时返回 false
func (b *Bet) RemoveParticipant(userID string) bool {
	idx := slices.Index(b.Participants, userID)
	if idx < 0 {
		return false
	}
	b.Participants = slices.Delete(slices.Clone(b.Participants), idx, idx+1)
	return true
}

// Clone 深拷贝
func (b *Bet) Clone() *Bet {
	c := *b
	c.Participants = slices.Clone(b.Participants)
	c.Metadata.Tags = slices.Clone(b.Metadata.Tags)
	if b.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]string, len(b.Metadata.Custom))
		for k, v := range b.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	return &c
}

// BetEntryKind 赌约流水类型
type BetEntryKind string

const (
	BetEntryCreate  BetEntryKind = "CREATE"
	BetEntryJoin    BetEntryKind = "JOIN"
	BetEntryResolve BetEntryKind = "RESOLVE"
)

// BetEntry 赌约流水, 只追加不修改
type BetEntry struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	BetID     string          `gorm:"column:bet_id;type:varchar(64);uniqueIndex:uk_bet_entry_seq;not null" json:"bet_id"`
	Seq       int             `gorm:"column:seq;type:int;uniqueIndex:uk_bet_entry_seq;not null" json:"seq"`
	TxRef     string          `gorm:"column:tx_ref;type:varchar(66)" json:"tx_ref"`
	Kind      BetEntryKind    `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	Actor     string          `gorm:"column:actor;type:varchar(64);not null" json:"actor"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(78,0);not null" json:"amount"`
	Timestamp int64           `gorm:"column:timestamp;type:bigint;not null" json:"timestamp"`
}

// TableName 返回表名
func (BetEntry) TableName() string {
	return "bet_entries"
}
