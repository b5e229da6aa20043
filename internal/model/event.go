package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidEvent 事件格式无效
var ErrInvalidEvent = errors.New("invalid event")

// EventType 事件类型
type EventType string

const (
	EventBetDeployed        EventType = "BET_DEPLOYED"
	EventBetJoined          EventType = "BET_JOINED"
	EventBetResolved        EventType = "BET_RESOLVED"
	EventChannelDeployed    EventType = "CHANNEL_DEPLOYED"
	EventChannelClosed      EventType = "CHANNEL_CLOSED"
	EventDisputeAdjudicated EventType = "DISPUTE_ADJUDICATED"
	EventParticipantLeft    EventType = "PARTICIPANT_LEFT" // 机器人事件
)

// EventMeta 事件来源信息
type EventMeta struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
	LogIndex    int    `json:"log_index"`
	ReceivedAt  int64  `json:"received_at"`
}

// Meta 返回来源信息
func (m EventMeta) Meta() EventMeta { return m }

// Event 外部投递的事件, 封闭的联合类型
type Event interface {
	Type() EventType
	Meta() EventMeta
	// Contract 事件对应的合约地址, 机器人事件返回空
	Contract() string
	isEvent()
}

// Identity 事件唯一标识 txHash:type, 用于去重
func Identity(e Event) string {
	return e.Meta().TxHash + ":" + string(e.Type())
}

// BetDeployed 赌约合约部署确认
type BetDeployed struct {
	EventMeta
	ContractAddress string
	BetID           string // 可选, 为空时按部署交易匹配
}

// BetJoined 链上确认加入
type BetJoined struct {
	EventMeta
	ContractAddress string
	Participant     string
	Amount          decimal.Decimal
}

// BetResolved 链上确认结算
type BetResolved struct {
	EventMeta
	ContractAddress string
	Winner          string
}

// ChannelDeployed 通道合约部署确认
type ChannelDeployed struct {
	EventMeta
	ContractAddress string
	ChannelID       string
}

// ChannelClosed 链上关闭确认, Cooperative 为 false 时表示挑战期超时关闭
type ChannelClosed struct {
	EventMeta
	ContractAddress string
	Final           FinalState
	Cooperative     bool
}

// DisputeAdjudicated 链上争议裁决, Final 为零值时按 Resolution 选择结算状态
type DisputeAdjudicated struct {
	EventMeta
	ContractAddress string
	Resolution      DisputeResolution
	Final           FinalState
}

// ParticipantLeft 用户退出群组
type ParticipantLeft struct {
	EventMeta
	GroupID string
	UserID  string
}

func (BetDeployed) Type() EventType        { return EventBetDeployed }
func (BetJoined) Type() EventType          { return EventBetJoined }
func (BetResolved) Type() EventType        { return EventBetResolved }
func (ChannelDeployed) Type() EventType    { return EventChannelDeployed }
func (ChannelClosed) Type() EventType      { return EventChannelClosed }
func (DisputeAdjudicated) Type() EventType { return EventDisputeAdjudicated }
func (ParticipantLeft) Type() EventType    { return EventParticipantLeft }

func (e BetDeployed) Contract() string        { return e.ContractAddress }
func (e BetJoined) Contract() string          { return e.ContractAddress }
func (e BetResolved) Contract() string        { return e.ContractAddress }
func (e ChannelDeployed) Contract() string    { return e.ContractAddress }
func (e ChannelClosed) Contract() string      { return e.ContractAddress }
func (e DisputeAdjudicated) Contract() string { return e.ContractAddress }
func (ParticipantLeft) Contract() string      { return "" }

func (BetDeployed) isEvent()        {}
func (BetJoined) isEvent()          {}
func (BetResolved) isEvent()        {}
func (ChannelDeployed) isEvent()    {}
func (ChannelClosed) isEvent()      {}
func (DisputeAdjudicated) isEvent() {}
func (ParticipantLeft) isEvent()    {}

// eventEnvelope 事件的 JSON 传输格式 (Kafka / Webhook)
type eventEnvelope struct {
	Type        EventType       `json:"type"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber int64           `json:"block_number"`
	LogIndex    int             `json:"log_index"`
	Address     string          `json:"address,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type betDeployedPayload struct {
	BetID string `json:"bet_id,omitempty"`
}

type betJoinedPayload struct {
	Participant string          `json:"participant"`
	Amount      decimal.Decimal `json:"amount"`
}

type betResolvedPayload struct {
	Winner string `json:"winner"`
}

type channelDeployedPayload struct {
	ChannelID string `json:"channel_id,omitempty"`
}

type channelClosedPayload struct {
	FinalState
	Cooperative bool `json:"cooperative"`
}

type disputeAdjudicatedPayload struct {
	FinalState
	Resolution DisputeResolution `json:"resolution"`
}

type participantLeftPayload struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// DecodeEvent 解析事件, receivedAt 为接收时间 (毫秒)
func DecodeEvent(data []byte, receivedAt int64) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.TxHash == "" {
		return nil, fmt.Errorf("%w: missing tx_hash", ErrInvalidEvent)
	}
	if env.Type != EventParticipantLeft && env.Address == "" {
		return nil, fmt.Errorf("%w: %s missing address", ErrInvalidEvent, env.Type)
	}

	meta := EventMeta{
		TxHash:      env.TxHash,
		BlockNumber: env.BlockNumber,
		LogIndex:    env.LogIndex,
		ReceivedAt:  receivedAt,
	}

	switch env.Type {
	case EventBetDeployed:
		var p betDeployedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return BetDeployed{EventMeta: meta, ContractAddress: env.Address, BetID: p.BetID}, nil

	case EventBetJoined:
		var p betJoinedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Participant == "" || !IsValidAmount(p.Amount) {
			return nil, fmt.Errorf("%w: bad join payload", ErrInvalidEvent)
		}
		return BetJoined{EventMeta: meta, ContractAddress: env.Address, Participant: p.Participant, Amount: p.Amount}, nil

	case EventBetResolved:
		var p betResolvedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Winner == "" {
			return nil, fmt.Errorf("%w: missing winner", ErrInvalidEvent)
		}
		return BetResolved{EventMeta: meta, ContractAddress: env.Address, Winner: p.Winner}, nil

	case EventChannelDeployed:
		var p channelDeployedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return ChannelDeployed{EventMeta: meta, ContractAddress: env.Address, ChannelID: p.ChannelID}, nil

	case EventChannelClosed:
		var p channelClosedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if !validFinal(p.FinalState) {
			return nil, fmt.Errorf("%w: bad final state", ErrInvalidEvent)
		}
		return ChannelClosed{EventMeta: meta, ContractAddress: env.Address, Final: p.FinalState, Cooperative: p.Cooperative}, nil

	case EventDisputeAdjudicated:
		var p disputeAdjudicatedPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if !validFinal(p.FinalState) {
			return nil, fmt.Errorf("%w: bad final state", ErrInvalidEvent)
		}
		if p.Resolution != DisputeResolutionUpheld && p.Resolution != DisputeResolutionOverruled {
			return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidEvent, p.Resolution)
		}
		return DisputeAdjudicated{
			EventMeta:       meta,
			ContractAddress: env.Address,
			Resolution:      p.Resolution,
			Final:           p.FinalState,
		}, nil

	case EventParticipantLeft:
		var p participantLeftPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.GroupID == "" || p.UserID == "" {
			return nil, fmt.Errorf("%w: missing group or user", ErrInvalidEvent)
		}
		return ParticipantLeft{EventMeta: meta, GroupID: p.GroupID, UserID: p.UserID}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
	}
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func validFinal(f FinalState) bool {
	return IsValidAmount(f.BalanceA) && IsValidAmount(f.BalanceB)
}

// EncodeEvent 编码为传输格式
func EncodeEvent(e Event) ([]byte, error) {
	var payload interface{}
	switch ev := e.(type) {
	case BetDeployed:
		payload = betDeployedPayload{BetID: ev.BetID}
	case BetJoined:
		payload = betJoinedPayload{Participant: ev.Participant, Amount: ev.Amount}
	case BetResolved:
		payload = betResolvedPayload{Winner: ev.Winner}
	case ChannelDeployed:
		payload = channelDeployedPayload{ChannelID: ev.ChannelID}
	case ChannelClosed:
		payload = channelClosedPayload{FinalState: ev.Final, Cooperative: ev.Cooperative}
	case DisputeAdjudicated:
		payload = disputeAdjudicatedPayload{FinalState: ev.Final, Resolution: ev.Resolution}
	case ParticipantLeft:
		payload = participantLeftPayload{GroupID: ev.GroupID, UserID: ev.UserID}
	default:
		return nil, fmt.Errorf("%w: unsupported event %T", ErrInvalidEvent, e)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	meta := e.Meta()
	return json.Marshal(eventEnvelope{
		Type:        e.Type(),
		TxHash:      meta.TxHash,
		BlockNumber: meta.BlockNumber,
		LogIndex:    meta.LogIndex,
		Address:     e.Contract(),
		Payload:     raw,
	})
}
