package service

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/gateway"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/repository"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/lock"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/tracing"
)

// ChannelServiceConfig 支付通道配置
type ChannelServiceConfig struct {
	Enabled         bool
	ChallengePeriod time.Duration
	Timelock        time.Duration
	MinTxAmount     decimal.Decimal
	MaxTotal        decimal.Decimal // 0 表示不限制
}

// CreateChannelParams 开通通道参数, UserAddress 为 A 方, CounterpartyAddress 为 B 方
type CreateChannelParams struct {
	UserID              string
	UserAddress         string
	CounterpartyAddress string
	InitialBalance      decimal.Decimal
	Purpose             string
}

// CloseSignatures 协商关闭时双方对最终状态的签名
type CloseSignatures struct {
	SignatureA []byte
	SignatureB []byte
}

// ChannelService 支付通道状态机
//
//	PENDING -> OPEN -> CLOSING -> CLOSED
//
// 余额更新只在链下完成, 关闭与争议需要经过链网关.
type ChannelService struct {
	store   repository.Store
	gateway gateway.ChainGateway
	locker  lock.SubjectLocker
	cfg     ChannelServiceConfig
	now     func() time.Time

	deploys sync.WaitGroup

	onChannelChanged func(ctx context.Context, ch *model.PaymentChannel)
}

// NewChannelService 创建支付通道服务
func NewChannelService(store repository.Store, gw gateway.ChainGateway, locker lock.SubjectLocker, cfg ChannelServiceConfig) *ChannelService {
	return &ChannelService{
		store:   store,
		gateway: gw,
		locker:  locker,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock 替换时钟
func (s *ChannelService) SetClock(now func() time.Time) {
	s.now = now
}

// SetOnChannelChanged 设置状态变更回调
func (s *ChannelService) SetOnChannelChanged(fn func(ctx context.Context, ch *model.PaymentChannel)) {
	s.onChannelChanged = fn
}

// Wait 等待后台部署请求结束
func (s *ChannelService) Wait() {
	s.deploys.Wait()
}

func (s *ChannelService) mutate(ctx context.Context, channelID string, fn func(ctx context.Context, ch *model.PaymentChannel) (bool, error)) (*model.PaymentChannel, bool, error) {
	var (
		result  *model.PaymentChannel
		changed bool
		from    model.ChannelStatus
	)
	err := s.locker.WithLock(ctx, channelLockKey(channelID), func(ctx context.Context) error {
		return s.store.Transaction(ctx, func(ctx context.Context) error {
			ch, err := s.store.Channels().GetByChannelID(ctx, channelID)
			if err != nil {
				return err
			}
			from = ch.Status
			expected := ch.Version

			changed, err = fn(ctx, ch)
			if err != nil {
				return err
			}
			if changed {
				if err := s.store.Channels().CompareAndSwap(ctx, ch, expected); err != nil {
					if err == repository.ErrVersionConflict {
						metrics.CASConflictsTotal.WithLabelValues("channel").Inc()
					}
					return err
				}
			}
			result = ch
			return nil
		})
	})
	if err != nil {
		return nil, false, mapError(err)
	}

	if changed {
		if from != result.Status {
			metrics.RecordChannelTransition(from.String(), result.Status.String())
		}
		if s.onChannelChanged != nil {
			s.onChannelChanged(ctx, result)
		}
	}
	return result, changed, nil
}

// CreateChannel 开通通道 (PENDING), A 方初始余额为全部金额
func (s *ChannelService) CreateChannel(ctx context.Context, params CreateChannelParams) (*model.PaymentChannel, error) {
	if !s.cfg.Enabled {
		return nil, bizerrors.ErrChannelsDisabled
	}
	if strings.TrimSpace(params.UserID) == "" {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("user id is required")
	}
	if !common.IsHexAddress(params.UserAddress) || !common.IsHexAddress(params.CounterpartyAddress) {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("party addresses must be hex addresses")
	}
	userAddr := normalizeAddress(params.UserAddress)
	counterparty := normalizeAddress(params.CounterpartyAddress)
	if userAddr == counterparty {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("channel parties must differ")
	}
	if !model.IsValidAmount(params.InitialBalance) || !params.InitialBalance.IsPositive() {
		return nil, bizerrors.ErrInvalidAmount
	}
	if s.cfg.MaxTotal.IsPositive() && params.InitialBalance.GreaterThan(s.cfg.MaxTotal) {
		return nil, bizerrors.ErrInvalidAmount.WithMessagef("initial balance exceeds channel limit %s", s.cfg.MaxTotal)
	}

	ch := &model.PaymentChannel{
		ChannelID:           uuid.NewString(),
		UserID:              params.UserID,
		UserAddress:         userAddr,
		CounterpartyAddress: counterparty,
		InitialBalance:      params.InitialBalance,
		CurrentBalanceA:     params.InitialBalance,
		CurrentBalanceB:     decimal.Zero,
		Status:              model.ChannelStatusPending,
		ChallengePeriod:     int64(s.cfg.ChallengePeriod / time.Second),
		Timelock:            int64(s.cfg.Timelock / time.Second),
		MinTxAmount:         s.cfg.MinTxAmount,
		MaxTotal:            s.cfg.MaxTotal,
		Purpose:             params.Purpose,
		CloseBalanceA:       decimal.Zero,
		CloseBalanceB:       decimal.Zero,
	}
	if err := s.store.Channels().Create(ctx, ch); err != nil {
		return nil, mapError(err)
	}

	logger.Info("payment channel created",
		zap.String("channel_id", ch.ChannelID),
		zap.String("user_id", ch.UserID),
		zap.String("initial_balance", ch.InitialBalance.String()))
	if s.onChannelChanged != nil {
		s.onChannelChanged(ctx, ch)
	}

	s.deploys.Add(1)
	go func(ch *model.PaymentChannel) {
		defer s.deploys.Done()
		s.deploy(context.WithoutCancel(ctx), ch)
	}(ch.Clone())

	return ch, nil
}

func (s *ChannelService) deploy(ctx context.Context, ch *model.PaymentChannel) {
	ctx, span := tracing.StartSpan(ctx, "channel.deploy", tracing.AttrChannelID.String(ch.ChannelID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	initData, err := gateway.EncodeChannelInit(ch.ChannelID, ch.UserAddress, ch.CounterpartyAddress, ch.InitialBalance, ch.ChallengePeriod, ch.Timelock)
	if err != nil {
		logger.Error("encode channel init failed", zap.String("channel_id", ch.ChannelID), zap.Error(err))
		return
	}
	res, err := s.gateway.Deploy(ctx, gateway.ContractPaymentChannel, initData)
	if err != nil {
		logger.Warn("channel deployment failed, channel stays pending",
			zap.String("channel_id", ch.ChannelID),
			zap.Error(err))
		return
	}

	_, _, err = s.mutate(ctx, ch.ChannelID, func(ctx context.Context, c *model.PaymentChannel) (bool, error) {
		if c.DeployTxRef != "" {
			return false, nil
		}
		c.DeployTxRef = res.TxRef
		return true, recordTx(ctx, s.store, &model.Transaction{
			TxHash:      res.TxRef,
			Type:        model.TxTypeChannelOpen,
			Status:      model.TxStatusPending,
			FromAddress: c.UserAddress,
			ToAddress:   normalizeAddress(res.Address),
			Amount:      c.InitialBalance,
			ChannelID:   c.ChannelID,
			Operation:   "deploy",
		})
	})
	if err != nil {
		logger.Error("record channel deployment failed",
			zap.String("channel_id", ch.ChannelID),
			zap.String("tx_hash", res.TxRef),
			zap.Error(err))
	}
}

// checkBalances 新余额必须是非负整数且总和等于初始余额
func checkBalances(ch *model.PaymentChannel, balanceA, balanceB decimal.Decimal) error {
	if !model.IsValidAmount(balanceA) || !model.IsValidAmount(balanceB) {
		return bizerrors.ErrInvalidAmount
	}
	if !balanceA.Add(balanceB).Equal(ch.InitialBalance) {
		return bizerrors.ErrBalanceConservation.WithMessagef("%s + %s != %s", balanceA, balanceB, ch.InitialBalance)
	}
	return nil
}

// verify 校验 signer 对通道状态摘要的签名
func (s *ChannelService) verify(digest, signature []byte, signer string) error {
	ok, err := s.gateway.VerifySignature(digest, signature, signer)
	if err != nil {
		return bizerrors.Wrap(bizerrors.ErrInvalidSignature, err)
	}
	if !ok {
		return bizerrors.ErrInvalidSignature
	}
	return nil
}

// verifyCoSigned 校验双方签名, SignatureA 来自 A 方, SignatureB 来自 B 方
func (s *ChannelService) verifyCoSigned(ch *model.PaymentChannel, state *model.SignedState) error {
	digest, err := gateway.DigestFor(ch.ChannelAddress, state.BalanceA, state.BalanceB, state.Seqno)
	if err != nil {
		return bizerrors.Wrap(bizerrors.ErrInvalidRequest, err)
	}
	if err := s.verify(digest, state.SignatureA, ch.UserAddress); err != nil {
		return err
	}
	return s.verify(digest, state.SignatureB, ch.CounterpartyAddress)
}

// UpdateState 链下余额更新, 不访问链
//
// 依次校验: 序列号递增, 余额守恒, 付款方的签名.
// 付款方是余额减少的一方, 余额不变时任一方签名即可.
func (s *ChannelService) UpdateState(ctx context.Context, channelID string, balanceA, balanceB decimal.Decimal, seqno uint64, signature []byte) (*model.PaymentChannel, error) {
	ch, _, err := s.mutate(ctx, channelID, func(ctx context.Context, ch *model.PaymentChannel) (bool, error) {
		if ch.Status != model.ChannelStatusOpen {
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s is %s", ch.ChannelID, ch.Status)
		}
		if ch.PendingOp != "" {
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s has %s in flight", ch.ChannelID, ch.PendingOp)
		}
		if seqno <= ch.Seqno {
			return false, bizerrors.ErrStaleSequenceNumber.WithMessagef("seqno %d <= current %d", seqno, ch.Seqno)
		}
		if err := checkBalances(ch, balanceA, balanceB); err != nil {
			return false, err
		}
		if delta := balanceA.Sub(ch.CurrentBalanceA).Abs(); ch.MinTxAmount.IsPositive() && delta.IsPositive() && delta.LessThan(ch.MinTxAmount) {
			return false, bizerrors.ErrInvalidAmount.WithMessagef("transfer %s below minimum %s", delta, ch.MinTxAmount)
		}

		digest, err := gateway.DigestFor(ch.ChannelAddress, balanceA, balanceB, seqno)
		if err != nil {
			return false, bizerrors.Wrap(bizerrors.ErrInvalidRequest, err)
		}
		signer := ""
		for _, party := range payers(ch, balanceA) {
			if s.verify(digest, signature, party) == nil {
				signer = party
				break
			}
		}
		if signer == "" {
			return false, bizerrors.ErrInvalidSignature.WithMessagef("state must be signed by the paying party")
		}

		ch.CurrentBalanceA = balanceA
		ch.CurrentBalanceB = balanceB
		ch.Seqno = seqno
		ch.LastSignature = hex.EncodeToString(signature)
		ch.LastSigner = signer
		return true, nil
	})
	if err == nil {
		metrics.ChannelUpdatesTotal.WithLabelValues("accepted").Inc()
	} else {
		metrics.ChannelUpdatesTotal.WithLabelValues(bizerrors.GetCode(err)).Inc()
	}
	return ch, err
}

// payers 可以签署新余额的一方
func payers(ch *model.PaymentChannel, balanceA decimal.Decimal) []string {
	switch balanceA.Cmp(ch.CurrentBalanceA) {
	case -1:
		return []string{ch.UserAddress}
	case 1:
		return []string{ch.CounterpartyAddress}
	default:
		return []string{ch.UserAddress, ch.CounterpartyAddress}
	}
}

// closeIntent 第一段校验的结果, 第三段据此确认通道未被并发修改
//
// 第一段在通道上写入 PendingOp 标记, 标记存在期间同一通道的其他关闭或争议请求会被拒绝.
type closeIntent struct {
	contract string
	version  int64
	payload  []byte
	hash     string
}

// RequestClose 协商关闭: 双方对 (finalA, finalB, seqno+1) 签名, 链上确认后直接关闭, 不经过挑战期
func (s *ChannelService) RequestClose(ctx context.Context, channelID, requestedBy string, finalA, finalB decimal.Decimal, sigs CloseSignatures) (*model.PaymentChannel, error) {
	requestedBy = normalizeAddress(requestedBy)
	var state *model.SignedState
	validate := func(_ context.Context, ch *model.PaymentChannel) error {
		if ch.Status != model.ChannelStatusOpen {
			return bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s is %s", ch.ChannelID, ch.Status)
		}
		if !ch.IsParty(requestedBy) {
			return bizerrors.ErrUnauthorized.WithMessagef("%s is not a party of channel %s", requestedBy, ch.ChannelID)
		}
		if err := checkBalances(ch, finalA, finalB); err != nil {
			return err
		}
		state = &model.SignedState{
			BalanceA:   finalA,
			BalanceB:   finalB,
			Seqno:      ch.Seqno + 1,
			SignatureA: sigs.SignatureA,
			SignatureB: sigs.SignatureB,
		}
		return s.verifyCoSigned(ch, state)
	}

	return s.submitClose(ctx, channelID, gateway.OpCooperativeClose, model.TxTypeChannelClose, requestedBy, validate, func(ch *model.PaymentChannel) *model.SignedState {
		return state
	}, func(_ context.Context, ch *model.PaymentChannel, hash, _ string) error {
		ch.Status = model.ChannelStatusClosing
		ch.SetCloseRequest(&model.CloseRequest{
			RequestedBy: requestedBy,
			Timestamp:   nowMilli(s.now),
			StateHash:   hash,
			Seqno:       state.Seqno,
			BalanceA:    state.BalanceA,
			BalanceB:    state.BalanceB,
			Kind:        model.CloseKindCooperative,
		})
		return nil
	})
}

// RequestUncooperativeClose 单方关闭: 提交最后一个双方签名的状态, 进入挑战期
//
// 提交的状态可以落后于当前序列号, 对方可在挑战期内用更新的状态发起争议.
func (s *ChannelService) RequestUncooperativeClose(ctx context.Context, channelID, requestedBy string, state model.SignedState) (*model.PaymentChannel, error) {
	requestedBy = normalizeAddress(requestedBy)
	validate := func(_ context.Context, ch *model.PaymentChannel) error {
		if ch.Status != model.ChannelStatusOpen {
			return bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s is %s", ch.ChannelID, ch.Status)
		}
		if !ch.IsParty(requestedBy) {
			return bizerrors.ErrUnauthorized.WithMessagef("%s is not a party of channel %s", requestedBy, ch.ChannelID)
		}
		if err := checkBalances(ch, state.BalanceA, state.BalanceB); err != nil {
			return err
		}
		return s.verifyCoSigned(ch, &state)
	}

	return s.submitClose(ctx, channelID, gateway.OpUncooperativeClose, model.TxTypeChannelClose, requestedBy, validate, func(*model.PaymentChannel) *model.SignedState {
		return &state
	}, func(_ context.Context, ch *model.PaymentChannel, hash, _ string) error {
		ch.Status = model.ChannelStatusClosing
		ch.SetCloseRequest(&model.CloseRequest{
			RequestedBy: requestedBy,
			Timestamp:   nowMilli(s.now),
			StateHash:   hash,
			Seqno:       state.Seqno,
			BalanceA:    state.BalanceA,
			BalanceB:    state.BalanceB,
			Kind:        model.CloseKindUncooperative,
		})
		return nil
	})
}

// FileDispute 挑战期内提交序列号更大的双方签名状态
//
// 争议只追加记录, 关闭请求保持不变; 新争议的序列号必须大于关闭请求和已有争议.
func (s *ChannelService) FileDispute(ctx context.Context, channelID, initiator string, state model.SignedState) (*model.PaymentChannel, error) {
	initiator = normalizeAddress(initiator)
	validate := func(ctx context.Context, ch *model.PaymentChannel) error {
		if ch.Status != model.ChannelStatusClosing || ch.CloseKind != model.CloseKindUncooperative {
			return bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s has no unilateral close in progress", ch.ChannelID)
		}
		if !ch.IsParty(initiator) {
			return bizerrors.ErrUnauthorized.WithMessagef("%s is not a party of channel %s", initiator, ch.ChannelID)
		}
		if !ch.CanChallenge(s.now()) {
			return bizerrors.ErrChallengeWindowExpired.WithMessagef("challenge window closed at %s", ch.ChallengeDeadline().UTC().Format(time.RFC3339))
		}
		floor, err := s.latestSeqno(ctx, ch)
		if err != nil {
			return err
		}
		if state.Seqno <= floor {
			return bizerrors.ErrStaleSequenceNumber.WithMessagef("disputed seqno %d <= latest submitted seqno %d", state.Seqno, floor)
		}
		if err := checkBalances(ch, state.BalanceA, state.BalanceB); err != nil {
			return err
		}
		return s.verifyCoSigned(ch, &state)
	}

	return s.submitClose(ctx, channelID, gateway.OpDispute, model.TxTypeChannelDispute, initiator, validate, func(*model.PaymentChannel) *model.SignedState {
		return &state
	}, func(ctx context.Context, ch *model.PaymentChannel, hash, txRef string) error {
		if err := s.store.Channels().AppendDispute(ctx, &model.ChannelDispute{
			ChannelID:         ch.ChannelID,
			Initiator:         initiator,
			Timestamp:         nowMilli(s.now),
			DisputedStateHash: hash,
			Seqno:             state.Seqno,
			BalanceA:          state.BalanceA,
			BalanceB:          state.BalanceB,
			TxRef:             txRef,
		}); err != nil {
			return err
		}
		metrics.DisputesTotal.Inc()
		if state.Seqno > ch.Seqno {
			ch.Seqno = state.Seqno
		}
		return nil
	})
}

// latestSeqno 关闭请求与已提交争议中最大的序列号
func (s *ChannelService) latestSeqno(ctx context.Context, ch *model.PaymentChannel) (uint64, error) {
	latest := ch.CloseSeqno
	d, err := s.latestDispute(ctx, ch.ChannelID)
	if err != nil {
		return 0, err
	}
	if d != nil && d.Seqno > latest {
		latest = d.Seqno
	}
	return latest, nil
}

// latestDispute 序列号最大的争议, 没有争议时返回 nil
func (s *ChannelService) latestDispute(ctx context.Context, channelID string) (*model.ChannelDispute, error) {
	disputes, err := s.store.Channels().ListDisputes(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var latest *model.ChannelDispute
	for _, d := range disputes {
		if latest == nil || d.Seqno > latest.Seqno {
			latest = d
		}
	}
	return latest, nil
}

// submitClose 三段式提交: 锁内校验并写入在途标记, 锁外调用网关, 重新加锁校验后写入
//
// 网关调用失败时清除在途标记. 第三段发现通道已被链上确认关闭时, 只补记交易流水.
func (s *ChannelService) submitClose(
	ctx context.Context,
	channelID string,
	op gateway.Opcode,
	txType model.TxType,
	from string,
	validate func(ctx context.Context, ch *model.PaymentChannel) error,
	signed func(ch *model.PaymentChannel) *model.SignedState,
	commit func(ctx context.Context, ch *model.PaymentChannel, hash, txRef string) error,
) (*model.PaymentChannel, error) {
	ctx, span := tracing.StartSpan(ctx, "channel."+op.String(),
		tracing.AttrChannelID.String(channelID),
		tracing.AttrGatewayOp.String(op.String()))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	var intent closeIntent
	staged, _, err := s.mutate(ctx, channelID, func(ctx context.Context, ch *model.PaymentChannel) (bool, error) {
		if ch.PendingOp != "" {
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s has %s in flight", ch.ChannelID, ch.PendingOp)
		}
		if err := validate(ctx, ch); err != nil {
			return false, err
		}
		state := signed(ch)
		payload, err := gateway.EncodeStatePayload(op, state)
		if err != nil {
			return false, bizerrors.Wrap(bizerrors.ErrInvalidRequest, err)
		}
		hash, err := gateway.StateHash(ch.ChannelAddress, state.BalanceA, state.BalanceB, state.Seqno)
		if err != nil {
			return false, bizerrors.Wrap(bizerrors.ErrInvalidRequest, err)
		}
		ch.PendingOp = op.String()
		intent = closeIntent{contract: ch.ChannelAddress, payload: payload, hash: hash}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	intent.version = staged.Version

	txRef, err := s.gateway.Submit(ctx, intent.contract, op, intent.payload, nil)
	if err != nil {
		s.unstage(ctx, channelID, op)
		return nil, err
	}

	ch, _, err := s.mutate(ctx, channelID, func(ctx context.Context, ch *model.PaymentChannel) (bool, error) {
		if ch.PendingOp == op.String() {
			ch.PendingOp = ""
		}
		if ch.Status != model.ChannelStatusClosed {
			if ch.Version != intent.version {
				if err := validate(ctx, ch); err != nil {
					return false, err
				}
			}
			if err := commit(ctx, ch, intent.hash, txRef); err != nil {
				return false, err
			}
		}
		return true, s.recordChannelTx(ctx, ch, txRef, txType, op, from)
	})
	if err != nil {
		logger.Warn("channel operation submitted but not committed",
			zap.String("channel_id", channelID),
			zap.String("op", op.String()),
			zap.String("tx_hash", txRef),
			zap.Error(err))
		s.unstage(ctx, channelID, op)
		return nil, err
	}
	return ch, nil
}

// unstage 清除 op 写入的在途标记
func (s *ChannelService) unstage(ctx context.Context, channelID string, op gateway.Opcode) {
	_, _, err := s.mutate(context.WithoutCancel(ctx), channelID, func(_ context.Context, ch *model.PaymentChannel) (bool, error) {
		if ch.PendingOp != op.String() {
			return false, nil
		}
		ch.PendingOp = ""
		return true, nil
	})
	if err != nil {
		logger.Warn("clear in-flight channel operation failed",
			zap.String("channel_id", channelID),
			zap.String("op", op.String()),
			zap.Error(err))
	}
}

func (s *ChannelService) recordChannelTx(ctx context.Context, ch *model.PaymentChannel, txRef string, txType model.TxType, op gateway.Opcode, from string) error {
	return recordTx(ctx, s.store, &model.Transaction{
		TxHash:      txRef,
		Type:        txType,
		Status:      model.TxStatusPending,
		FromAddress: from,
		ToAddress:   ch.ChannelAddress,
		ChannelID:   ch.ChannelID,
		Operation:   op.String(),
	})
}

// ApplyConfirmedDeployment 通道合约部署确认, PENDING -> OPEN
func (s *ChannelService) ApplyConfirmedDeployment(ctx context.Context, channelID, contractAddress string, hook TxHook) (*model.PaymentChannel, error) {
	contractAddress = normalizeAddress(contractAddress)
	ch, _, err := s.mutate(ctx, channelID, func(ctx context.Context, ch *model.PaymentChannel) (bool, error) {
		if ch.ChannelAddress != "" {
			if ch.ChannelAddress != contractAddress {
				return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s already deployed at %s", ch.ChannelID, ch.ChannelAddress)
			}
			return false, runHook(ctx, hook)
		}
		if ch.Status != model.ChannelStatusPending {
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s is %s", ch.ChannelID, ch.Status)
		}
		ch.ChannelAddress = contractAddress
		ch.Status = model.ChannelStatusOpen
		return true, runHook(ctx, hook)
	})
	return ch, err
}

// FinalizeClosure 链上关闭确认, 重复确认为空操作
//
// final 为空时使用已记录的关闭状态. 非协商关闭要求挑战期已结束且没有未裁决的争议.
func (s *ChannelService) FinalizeClosure(ctx context.Context, channelID string, final *model.FinalState, cooperative bool, hook TxHook) (*model.PaymentChannel, error) {
	ch, _, err := s.mutate(ctx, channelID, func(ctx context.Context, ch *model.PaymentChannel) (bool, error) {
		if ch.Status == model.ChannelStatusClosed {
			return false, runHook(ctx, hook)
		}
		if cooperative {
			if ch.Status != model.ChannelStatusOpen && ch.Status != model.ChannelStatusClosing {
				return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s is %s", ch.ChannelID, ch.Status)
			}
		} else {
			if ch.Status != model.ChannelStatusClosing || ch.CloseKind != model.CloseKindUncooperative {
				return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s has no unilateral close in progress", ch.ChannelID)
			}
			if ch.CanChallenge(s.now()) {
				return false, bizerrors.ErrChallengeWindowOpen.WithMessagef("challenge window open until %s", ch.ChallengeDeadline().UTC().Format(time.RFC3339))
			}
			n, err := s.store.Channels().CountUnresolvedDisputes(ctx, ch.ChannelID)
			if err != nil {
				return false, err
			}
			if n > 0 {
				return false, bizerrors.ErrDisputeUnresolved.WithMessagef("%d dispute(s) awaiting adjudication", n)
			}
		}

		if err := s.close(ch, final); err != nil {
			return false, err
		}
		return true, runHook(ctx, hook)
	})
	return ch, err
}

// ApplyAdjudication 链上争议裁决: 标记争议结果并按裁决状态关闭通道
//
// final 为空时, UPHELD 按序列号最大的争议状态结算, OVERRULED 按原关闭请求结算.
func (s *ChannelService) ApplyAdjudication(ctx context.Context, channelID string, resolution model.DisputeResolution, final *model.FinalState, hook TxHook) (*model.PaymentChannel, error) {
	if resolution != model.DisputeResolutionUpheld && resolution != model.DisputeResolutionOverruled {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("unknown resolution %q", resolution)
	}
	ch, _, err := s.mutate(ctx, channelID, func(ctx context.Context, ch *model.PaymentChannel) (bool, error) {
		if ch.Status == model.ChannelStatusClosed {
			return false, runHook(ctx, hook)
		}
		if ch.Status != model.ChannelStatusClosing {
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s is %s", ch.ChannelID, ch.Status)
		}
		settle := final
		if settle == nil && resolution == model.DisputeResolutionUpheld {
			d, err := s.latestDispute(ctx, ch.ChannelID)
			if err != nil {
				return false, err
			}
			if d != nil {
				settle = &model.FinalState{BalanceA: d.BalanceA, BalanceB: d.BalanceB, Seqno: d.Seqno}
			}
		}
		if _, err := s.store.Channels().ResolveDisputes(ctx, ch.ChannelID, resolution, nowMilli(s.now)); err != nil {
			return false, err
		}
		if err := s.close(ch, settle); err != nil {
			return false, err
		}
		return true, runHook(ctx, hook)
	})
	return ch, err
}

// close final 为空时按关闭请求结算
func (s *ChannelService) close(ch *model.PaymentChannel, final *model.FinalState) error {
	if final == nil {
		req := ch.CloseRequest()
		if req == nil {
			return bizerrors.ErrInvalidStateTransition.WithMessagef("channel %s has no close request", ch.ChannelID)
		}
		final = &model.FinalState{BalanceA: req.BalanceA, BalanceB: req.BalanceB, Seqno: req.Seqno}
	}
	if !model.IsValidAmount(final.BalanceA) || !model.IsValidAmount(final.BalanceB) {
		return bizerrors.ErrInvalidAmount
	}

	ch.CurrentBalanceA = final.BalanceA
	ch.CurrentBalanceB = final.BalanceB
	ch.FinalSeqno = final.Seqno
	if final.Seqno > ch.Seqno {
		ch.Seqno = final.Seqno
	}
	ch.PendingOp = ""
	ch.Status = model.ChannelStatusClosed
	ch.ClosedAt = nowMilli(s.now)
	return nil
}

// GetChannel 查询通道
func (s *ChannelService) GetChannel(ctx context.Context, channelID string) (*model.PaymentChannel, error) {
	ch, err := s.store.Channels().GetByChannelID(ctx, channelID)
	return ch, mapError(err)
}

// FindByAddress 按合约地址查询
func (s *ChannelService) FindByAddress(ctx context.Context, address string) (*model.PaymentChannel, error) {
	ch, err := s.store.Channels().GetByAddress(ctx, normalizeAddress(address))
	return ch, mapError(err)
}

// FindByDeployTx 按部署交易查询
func (s *ChannelService) FindByDeployTx(ctx context.Context, txRef string) (*model.PaymentChannel, error) {
	ch, err := s.store.Channels().GetByDeployTx(ctx, txRef)
	return ch, mapError(err)
}

// ListUserChannels 用户通道列表
func (s *ChannelService) ListUserChannels(ctx context.Context, userID string, page *repository.Pagination) ([]*model.PaymentChannel, error) {
	chs, err := s.store.Channels().ListByUser(ctx, userID, page)
	return chs, mapError(err)
}

// ListDisputes 通道争议记录
func (s *ChannelService) ListDisputes(ctx context.Context, channelID string) ([]*model.ChannelDispute, error) {
	ds, err := s.store.Channels().ListDisputes(ctx, channelID)
	return ds, mapError(err)
}
