package service

import (
	"context"
	"strings"
	"sync"
	"time"

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

var bpsDenominator = decimal.NewFromInt(10000)

// BetServiceConfig 赌约状态机配置
type BetServiceConfig struct {
	MinAmount               decimal.Decimal
	MinExpiryHorizon        time.Duration
	PlatformFeeBps          int64
	OrganizerFeeBps         int64
	ActivationThreshold     int
	AllowJoinWhileActive    bool
	MaxParticipants         int
	ResolutionAuthoritative bool
}

// CreateBetParams 创建赌约参数
type CreateBetParams struct {
	CreatorID   string
	Description string
	GroupID     string
	BetType     model.BetType
	Amount      decimal.Decimal
	ExpiryTime  time.Time
	Metadata    model.BetMetadata
}

// ResolveResult 结算请求结果, Pending 为 true 表示等待链上确认
type ResolveResult struct {
	Bet     *model.Bet
	Pending bool
	TxRef   string
}

// BetService 赌约结算状态机
//
//	PENDING -> ACTIVE | EXPIRED
//	ACTIVE  -> RESOLVED | EXPIRED
type BetService struct {
	store   repository.Store
	gateway gateway.ChainGateway
	locker  lock.SubjectLocker
	cfg     BetServiceConfig
	now     func() time.Time

	deploys sync.WaitGroup

	onBetChanged func(ctx context.Context, bet *model.Bet)
}

// NewBetService 创建赌约服务
func NewBetService(store repository.Store, gw gateway.ChainGateway, locker lock.SubjectLocker, cfg BetServiceConfig) *BetService {
	if cfg.ActivationThreshold <= 0 {
		cfg.ActivationThreshold = 1
	}
	return &BetService{
		store:   store,
		gateway: gw,
		locker:  locker,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock 替换时钟
func (s *BetService) SetClock(now func() time.Time) {
	s.now = now
}

// SetOnBetChanged 设置状态变更回调, 在事务提交后调用
func (s *BetService) SetOnBetChanged(fn func(ctx context.Context, bet *model.Bet)) {
	s.onBetChanged = fn
}

// Wait 等待所有后台部署请求结束
func (s *BetService) Wait() {
	s.deploys.Wait()
}

func (s *BetService) notify(ctx context.Context, bet *model.Bet) {
	if s.onBetChanged != nil {
		s.onBetChanged(ctx, bet)
	}
}

// mutate 在主体锁与存储事务内执行 fn, fn 返回 true 时以 CAS 写回
func (s *BetService) mutate(ctx context.Context, betID string, fn func(ctx context.Context, bet *model.Bet) (bool, error)) (*model.Bet, bool, error) {
	var (
		result  *model.Bet
		changed bool
		from    model.BetStatus
	)
	err := s.locker.WithLock(ctx, betLockKey(betID), func(ctx context.Context) error {
		return s.store.Transaction(ctx, func(ctx context.Context) error {
			bet, err := s.store.Bets().GetByBetID(ctx, betID)
			if err != nil {
				return err
			}
			from = bet.Status
			expected := bet.Version

			changed, err = fn(ctx, bet)
			if err != nil {
				return err
			}
			if changed {
				if err := s.store.Bets().CompareAndSwap(ctx, bet, expected); err != nil {
					if err == repository.ErrVersionConflict {
						metrics.CASConflictsTotal.WithLabelValues("bet").Inc()
					}
					return err
				}
			}
			result = bet
			return nil
		})
	})
	if err != nil {
		return nil, false, mapError(err)
	}

	if changed {
		if from != result.Status {
			metrics.RecordBetTransition(from.String(), result.Status.String())
		}
		s.notify(ctx, result)
	}
	return result, changed, nil
}

// CreateBet 创建赌约 (PENDING), 并在后台请求部署合约
func (s *BetService) CreateBet(ctx context.Context, params CreateBetParams) (*model.Bet, error) {
	now := s.now()

	if strings.TrimSpace(params.CreatorID) == "" || strings.TrimSpace(params.Description) == "" {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("creator and description are required")
	}
	if params.BetType == "" {
		params.BetType = model.BetTypeFriend
	}
	if !params.BetType.IsValid() {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("unknown bet type %q", params.BetType)
	}
	if !model.IsValidAmount(params.Amount) || !params.Amount.IsPositive() {
		return nil, bizerrors.ErrInvalidAmount
	}
	if params.Amount.LessThan(s.cfg.MinAmount) {
		return nil, bizerrors.ErrInvalidAmount.WithMessagef("amount below minimum %s", s.cfg.MinAmount)
	}
	if !params.ExpiryTime.After(now.Add(s.cfg.MinExpiryHorizon)) {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("expiry must be later than %s from now", s.cfg.MinExpiryHorizon)
	}

	bet := &model.Bet{
		BetID:        uuid.NewString(),
		CreatorID:    params.CreatorID,
		Description:  params.Description,
		GroupID:      params.GroupID,
		BetType:      params.BetType,
		Amount:       params.Amount,
		Participants: []string{},
		Status:       model.BetStatusPending,
		ExpiryTime:   params.ExpiryTime.UnixMilli(),
		PlatformFee:  feeOf(params.Amount, s.cfg.PlatformFeeBps),
		OrganizerFee: feeOf(params.Amount, s.cfg.OrganizerFeeBps),
		Metadata:     params.Metadata,
	}

	err := s.store.Transaction(ctx, func(ctx context.Context) error {
		if err := s.store.Bets().Create(ctx, bet); err != nil {
			return err
		}
		return s.store.Bets().AppendEntry(ctx, &model.BetEntry{
			BetID:     bet.BetID,
			Kind:      model.BetEntryCreate,
			Actor:     bet.CreatorID,
			Amount:    bet.Amount,
			Timestamp: now.UnixMilli(),
		})
	})
	if err != nil {
		return nil, mapError(err)
	}

	logger.Info("bet created",
		zap.String("bet_id", bet.BetID),
		zap.String("creator_id", bet.CreatorID),
		zap.String("amount", bet.Amount.String()))
	s.notify(ctx, bet)

	s.deploys.Add(1)
	go func(bet *model.Bet) {
		defer s.deploys.Done()
		s.deploy(context.WithoutCancel(ctx), bet)
	}(bet.Clone())

	return bet, nil
}

func feeOf(amount decimal.Decimal, bps int64) decimal.Decimal {
	q, _ := amount.Mul(decimal.NewFromInt(bps)).QuoRem(bpsDenominator, 0)
	return q
}

// deploy 请求部署合约; 失败时赌约保持 PENDING, 由过期扫描收尾
func (s *BetService) deploy(ctx context.Context, bet *model.Bet) {
	ctx, span := tracing.StartSpan(ctx, "bet.deploy", tracing.AttrBetID.String(bet.BetID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	initData := gateway.EncodeBetInit(bet.BetID, bet.CreatorID, bet.Amount, bet.ExpiryTime, s.cfg.PlatformFeeBps, s.cfg.OrganizerFeeBps)
	res, err := s.gateway.Deploy(ctx, gateway.ContractBet, initData)
	if err != nil {
		logger.Warn("bet deployment failed, bet stays pending",
			zap.String("bet_id", bet.BetID),
			zap.Error(err))
		return
	}

	_, _, err = s.mutate(ctx, bet.BetID, func(ctx context.Context, b *model.Bet) (bool, error) {
		if b.DeployTxRef != "" {
			return false, nil
		}
		b.DeployTxRef = res.TxRef
		return true, recordTx(ctx, s.store, &model.Transaction{
			TxHash:      res.TxRef,
			Type:        model.TxTypeBetCreate,
			Status:      model.TxStatusPending,
			FromAddress: b.CreatorID,
			ToAddress:   normalizeAddress(res.Address),
			Amount:      b.Amount,
			BetID:       b.BetID,
			Operation:   "deploy",
		})
	})
	if err != nil {
		logger.Error("record bet deployment failed",
			zap.String("bet_id", bet.BetID),
			zap.String("tx_hash", res.TxRef),
			zap.Error(err))
	}
}

// JoinBet 加入赌约
func (s *BetService) JoinBet(ctx context.Context, betID, participant string) (*model.Bet, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return nil, bizerrors.ErrInvalidRequest.WithMessagef("participant is required")
	}

	bet, _, err := s.mutate(ctx, betID, func(ctx context.Context, bet *model.Bet) (bool, error) {
		now := s.now()
		if err := s.checkJoin(bet, participant, now); err != nil {
			return false, err
		}
		bet.AddParticipant(participant)
		s.activateIfReady(bet)
		return true, s.store.Bets().AppendEntry(ctx, &model.BetEntry{
			BetID:     bet.BetID,
			Kind:      model.BetEntryJoin,
			Actor:     participant,
			Amount:    bet.Amount,
			Timestamp: now.UnixMilli(),
		})
	})
	return bet, err
}

// checkJoin 加入策略: PENDING 始终可加入, ACTIVE 仅在配置允许时可加入
func (s *BetService) checkJoin(bet *model.Bet, participant string, now time.Time) error {
	switch bet.Status {
	case model.BetStatusPending:
	case model.BetStatusActive:
		if !s.cfg.AllowJoinWhileActive {
			return bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is %s", bet.BetID, bet.Status)
		}
	default:
		return bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is %s", bet.BetID, bet.Status)
	}
	if bet.IsExpired(now) {
		return bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s has expired", bet.BetID)
	}
	if participant == bet.CreatorID || bet.HasParticipant(participant) {
		return bizerrors.ErrDuplicateParticipant
	}
	if s.cfg.MaxParticipants > 0 && len(bet.Participants) >= s.cfg.MaxParticipants {
		return bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is full", bet.BetID)
	}
	return nil
}

func (s *BetService) activateIfReady(bet *model.Bet) {
	if bet.Status.CanTransitionTo(model.BetStatusActive) && len(bet.Participants) >= s.cfg.ActivationThreshold {
		bet.Status = model.BetStatusActive
	}
}

// ResolveBet 创建者提交结算, 链上确认前 bet 保持 ACTIVE 并记录待确认的获胜者
//
// 第一段写入 PendingWinner 后才调用网关, ResolveTxRef 为空表示提交仍在进行.
// 同一获胜者的重复请求直接返回待确认结果, 不会再次提交.
func (s *BetService) ResolveBet(ctx context.Context, betID, winnerID, callerID string) (*ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "bet.resolve", tracing.AttrBetID.String(betID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	// 第一段: 锁内校验并占位
	var (
		contract string
		pending  *ResolveResult
	)
	_, _, err = s.mutate(ctx, betID, func(ctx context.Context, bet *model.Bet) (bool, error) {
		if err := s.checkResolve(bet, winnerID, callerID); err != nil {
			return false, err
		}
		if bet.PendingWinner == winnerID {
			pending = &ResolveResult{Bet: bet, Pending: true, TxRef: bet.ResolveTxRef}
			return false, nil
		}
		contract = bet.ContractAddress
		bet.PendingWinner = winnerID
		bet.ResolveTxRef = ""
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return pending, nil
	}

	// 第二段: 锁外提交
	txRef, err := s.gateway.Submit(ctx, contract, gateway.OpResolve, gateway.EncodeResolvePayload(winnerID), nil)
	if err != nil {
		s.unstageResolve(ctx, betID, winnerID)
		return nil, err
	}

	// 第三段: 回填交易并提交; 链上确认可能已先一步完成结算
	bet, _, err := s.mutate(ctx, betID, func(ctx context.Context, bet *model.Bet) (bool, error) {
		switch {
		case bet.Status == model.BetStatusResolved && bet.Winner == winnerID:
		case bet.Status == model.BetStatusActive && bet.PendingWinner == winnerID:
			bet.ResolveTxRef = txRef
			if s.cfg.ResolutionAuthoritative {
				if err := s.markResolved(ctx, bet, winnerID, txRef); err != nil {
					return false, err
				}
			}
		default:
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is %s, resolution to %s is no longer staged", bet.BetID, bet.Status, winnerID)
		}
		if bet.ResolveTxRef == "" {
			bet.ResolveTxRef = txRef
		}
		return true, recordTx(ctx, s.store, &model.Transaction{
			TxHash:      txRef,
			Type:        model.TxTypeBetResolve,
			Status:      model.TxStatusPending,
			FromAddress: callerID,
			ToAddress:   bet.ContractAddress,
			BetID:       bet.BetID,
			Operation:   gateway.OpResolve.String(),
		})
	})
	if err != nil {
		logger.Warn("resolution submitted but not committed",
			zap.String("bet_id", betID),
			zap.String("tx_hash", txRef),
			zap.Error(err))
		s.unstageResolve(ctx, betID, winnerID)
		return nil, err
	}

	return &ResolveResult{Bet: bet, Pending: bet.Status != model.BetStatusResolved, TxRef: txRef}, nil
}

// unstageResolve 清除尚未回填交易的结算占位
func (s *BetService) unstageResolve(ctx context.Context, betID, winnerID string) {
	_, _, err := s.mutate(context.WithoutCancel(ctx), betID, func(_ context.Context, bet *model.Bet) (bool, error) {
		if bet.Status != model.BetStatusActive || bet.PendingWinner != winnerID || bet.ResolveTxRef != "" {
			return false, nil
		}
		bet.PendingWinner = ""
		return true, nil
	})
	if err != nil {
		logger.Warn("clear staged resolution failed",
			zap.String("bet_id", betID),
			zap.Error(err))
	}
}

func (s *BetService) checkResolve(bet *model.Bet, winnerID, callerID string) error {
	if callerID != bet.CreatorID {
		return bizerrors.ErrUnauthorized.WithMessagef("only the creator can resolve bet %s", bet.BetID)
	}
	if !bet.Status.CanTransitionTo(model.BetStatusResolved) {
		return bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is %s", bet.BetID, bet.Status)
	}
	if !bet.IsEligibleWinner(winnerID) {
		return bizerrors.ErrUnknownWinner
	}
	if bet.PendingWinner != "" && bet.PendingWinner != winnerID {
		return bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s already has a pending resolution", bet.BetID)
	}
	if bet.ContractAddress == "" {
		return bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is not deployed yet", bet.BetID)
	}
	return nil
}

func (s *BetService) markResolved(ctx context.Context, bet *model.Bet, winner, txRef string) error {
	bet.Status = model.BetStatusResolved
	bet.Winner = winner
	bet.PendingWinner = ""
	return s.store.Bets().AppendEntry(ctx, &model.BetEntry{
		BetID:     bet.BetID,
		TxRef:     txRef,
		Kind:      model.BetEntryResolve,
		Actor:     winner,
		Amount:    decimal.Zero,
		Timestamp: nowMilli(s.now),
	})
}

// ApplyConfirmedDeployment 合约部署确认, 记录合约地址
func (s *BetService) ApplyConfirmedDeployment(ctx context.Context, betID, contractAddress string, hook TxHook) (*model.Bet, error) {
	contractAddress = normalizeAddress(contractAddress)
	bet, _, err := s.mutate(ctx, betID, func(ctx context.Context, bet *model.Bet) (bool, error) {
		changed := false
		switch bet.ContractAddress {
		case contractAddress:
		case "":
			bet.ContractAddress = contractAddress
			changed = true
		default:
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s already deployed at %s", bet.BetID, bet.ContractAddress)
		}
		return changed, runHook(ctx, hook)
	})
	return bet, err
}

// ApplyConfirmedJoin 链上确认加入, 重复确认同一参与者为空操作
func (s *BetService) ApplyConfirmedJoin(ctx context.Context, betID, participant string, amount decimal.Decimal, txRef string, hook TxHook) (*model.Bet, error) {
	bet, _, err := s.mutate(ctx, betID, func(ctx context.Context, bet *model.Bet) (bool, error) {
		if bet.HasParticipant(participant) {
			return false, runHook(ctx, hook)
		}
		switch bet.Status {
		case model.BetStatusPending:
		case model.BetStatusActive:
			if !s.cfg.AllowJoinWhileActive {
				return false, bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is %s", bet.BetID, bet.Status)
			}
		default:
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is %s", bet.BetID, bet.Status)
		}
		if participant == "" || participant == bet.CreatorID {
			return false, bizerrors.ErrDuplicateParticipant
		}

		if amount.IsZero() {
			amount = bet.Amount
		}
		bet.AddParticipant(participant)
		s.activateIfReady(bet)
		if err := s.store.Bets().AppendEntry(ctx, &model.BetEntry{
			BetID:     bet.BetID,
			TxRef:     txRef,
			Kind:      model.BetEntryJoin,
			Actor:     participant,
			Amount:    amount,
			Timestamp: nowMilli(s.now),
		}); err != nil {
			return false, err
		}
		return true, runHook(ctx, hook)
	})
	return bet, err
}

// ApplyConfirmedResolution 链上确认结算
//
// 已以相同获胜者结算时为空操作; 与已提交的待确认结果不一致时返回 RESOLUTION_MISMATCH.
func (s *BetService) ApplyConfirmedResolution(ctx context.Context, betID, winner, txRef string, hook TxHook) (*model.Bet, error) {
	bet, _, err := s.mutate(ctx, betID, func(ctx context.Context, bet *model.Bet) (bool, error) {
		if bet.Status == model.BetStatusResolved {
			if bet.Winner != winner {
				return false, bizerrors.ErrResolutionMismatch.WithMessagef("bet %s resolved to %s, chain reports %s", bet.BetID, bet.Winner, winner)
			}
			return false, runHook(ctx, hook)
		}
		if !bet.Status.CanTransitionTo(model.BetStatusResolved) {
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s is %s", bet.BetID, bet.Status)
		}

		if bet.PendingWinner != "" && bet.PendingWinner != winner {
			return false, bizerrors.ErrResolutionMismatch.WithMessagef("bet %s staged %s, chain reports %s", bet.BetID, bet.PendingWinner, winner)
		}
		if !bet.IsEligibleWinner(winner) {
			return false, bizerrors.ErrUnknownWinner
		}
		if bet.ResolveTxRef == "" {
			bet.ResolveTxRef = txRef
		}
		if err := s.markResolved(ctx, bet, winner, txRef); err != nil {
			return false, err
		}
		return true, runHook(ctx, hook)
	})
	return bet, err
}

// ExpireBet 过期处理; 已是终态或存在待确认结算时不变更
func (s *BetService) ExpireBet(ctx context.Context, betID string) (*model.Bet, bool, error) {
	return s.mutate(ctx, betID, func(ctx context.Context, bet *model.Bet) (bool, error) {
		if !bet.Status.CanTransitionTo(model.BetStatusExpired) || bet.PendingWinner != "" {
			return false, nil
		}
		if !bet.IsExpired(s.now()) {
			return false, bizerrors.ErrInvalidStateTransition.WithMessagef("bet %s has not expired", bet.BetID)
		}
		bet.Status = model.BetStatusExpired
		return true, nil
	})
}

// HandleParticipantLeft 用户离开群组: 从该群所有 PENDING 赌约中移除, 不影响 ACTIVE 赌约
func (s *BetService) HandleParticipantLeft(ctx context.Context, groupID, userID string) (int, error) {
	bets, err := s.store.Bets().ListPendingByGroup(ctx, groupID)
	if err != nil {
		return 0, mapError(err)
	}

	removed := 0
	for _, candidate := range bets {
		if !candidate.HasParticipant(userID) {
			continue
		}
		_, changed, err := s.mutate(ctx, candidate.BetID, func(ctx context.Context, bet *model.Bet) (bool, error) {
			if bet.Status != model.BetStatusPending {
				return false, nil
			}
			return bet.RemoveParticipant(userID), nil
		})
		if err != nil {
			return removed, err
		}
		if changed {
			removed++
		}
	}
	return removed, nil
}

// GetBet 查询赌约
func (s *BetService) GetBet(ctx context.Context, betID string) (*model.Bet, error) {
	bet, err := s.store.Bets().GetByBetID(ctx, betID)
	return bet, mapError(err)
}

// FindByAddress 按合约地址查询
func (s *BetService) FindByAddress(ctx context.Context, address string) (*model.Bet, error) {
	bet, err := s.store.Bets().GetByAddress(ctx, normalizeAddress(address))
	return bet, mapError(err)
}

// FindByDeployTx 按部署交易查询
func (s *BetService) FindByDeployTx(ctx context.Context, txRef string) (*model.Bet, error) {
	bet, err := s.store.Bets().GetByDeployTx(ctx, txRef)
	return bet, mapError(err)
}

// ListBets 分页查询
func (s *BetService) ListBets(ctx context.Context, filter *repository.BetFilter, page *repository.Pagination) ([]*model.Bet, error) {
	bets, err := s.store.Bets().List(ctx, filter, page)
	return bets, mapError(err)
}

// ListEntries 赌约流水
func (s *BetService) ListEntries(ctx context.Context, betID string) ([]*model.BetEntry, error) {
	entries, err := s.store.Bets().ListEntries(ctx, betID)
	return entries, mapError(err)
}
