// Package dispatcher 外部事件 (链上确认, 机器人事件) 的统一入口
//
// 事件按 txHash:type 去重, 按合约地址分片后在分片内按到达顺序处理,
// 不同主体之间并行. 状态变更与已处理标记写入同一存储事务.
package dispatcher

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/service"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/tracing"

	"github.com/shopspring/decimal"
)

// ErrStopped 分发器已停止
var ErrStopped = errors.New("dispatcher stopped")

const maxFailureReason = 500

// BetApplier 赌约状态机中分发器使用的部分
type BetApplier interface {
	GetBet(ctx context.Context, betID string) (*model.Bet, error)
	FindByAddress(ctx context.Context, address string) (*model.Bet, error)
	FindByDeployTx(ctx context.Context, txRef string) (*model.Bet, error)
	ApplyConfirmedDeployment(ctx context.Context, betID, contractAddress string, hook service.TxHook) (*model.Bet, error)
	ApplyConfirmedJoin(ctx context.Context, betID, participant string, amount decimal.Decimal, txRef string, hook service.TxHook) (*model.Bet, error)
	ApplyConfirmedResolution(ctx context.Context, betID, winner, txRef string, hook service.TxHook) (*model.Bet, error)
	HandleParticipantLeft(ctx context.Context, groupID, userID string) (int, error)
}

// ChannelApplier 通道状态机中分发器使用的部分
type ChannelApplier interface {
	GetChannel(ctx context.Context, channelID string) (*model.PaymentChannel, error)
	FindByAddress(ctx context.Context, address string) (*model.PaymentChannel, error)
	FindByDeployTx(ctx context.Context, txRef string) (*model.PaymentChannel, error)
	ApplyConfirmedDeployment(ctx context.Context, channelID, contractAddress string, hook service.TxHook) (*model.PaymentChannel, error)
	FinalizeClosure(ctx context.Context, channelID string, final *model.FinalState, cooperative bool, hook service.TxHook) (*model.PaymentChannel, error)
	ApplyAdjudication(ctx context.Context, channelID string, resolution model.DisputeResolution, final *model.FinalState, hook service.TxHook) (*model.PaymentChannel, error)
}

// TxSettler 本地发起的交易上链后释放其 nonce 占用
type TxSettler interface {
	OnTxSettled(ctx context.Context, txHash string) error
}

// Config 分发器配置
type Config struct {
	Shards    int
	QueueSize int
}

// Result 单个事件的处理结果
type Result struct {
	Key       string
	Subject   string
	Duplicate bool
	Err       error
}

type job struct {
	ctx   context.Context
	event model.Event
	done  chan Result
}

// Dispatcher 事件分发器
type Dispatcher struct {
	store    repository.Store
	bets     BetApplier
	channels ChannelApplier
	cache    DedupeCache
	settler  TxSettler
	cfg      Config
	now      func() time.Time

	mu      sync.RWMutex
	shards  []chan *job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建分发器, cache 可以为空
func New(store repository.Store, bets BetApplier, channels ChannelApplier, cache DedupeCache, cfg Config) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Dispatcher{
		store:    store,
		bets:     bets,
		channels: channels,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock 替换时钟
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// SetTxSettler 设置交易终态回调, 为空时不回调
func (d *Dispatcher) SetTxSettler(settler TxSettler) {
	d.settler = settler
}

// Start 启动分片工作协程; 未启动时 Ingest 在调用方协程内同步处理
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.shards = make([]chan *job, d.cfg.Shards)
	for i := range d.shards {
		d.shards[i] = make(chan *job, d.cfg.QueueSize)
		d.wg.Add(1)
		go d.worker(ctx, i, d.shards[i])
	}
	d.running = true

	logger.Info("event dispatcher started",
		zap.Int("shards", d.cfg.Shards),
		zap.Int("queue_size", d.cfg.QueueSize))
}

// Stop 停止工作协程, 队列中未处理的事件返回 ErrStopped
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	logger.Info("event dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, shard int, queue chan *job) {
	defer d.wg.Done()
	label := strconv.Itoa(shard)

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case j := <-queue:
					j.done <- Result{Key: model.Identity(j.event), Err: ErrStopped}
				default:
					return
				}
			}
		case j := <-queue:
			metrics.DispatcherQueueDepth.WithLabelValues(label).Set(float64(len(queue)))
			if err := j.ctx.Err(); err != nil {
				j.done <- Result{Key: model.Identity(j.event), Err: err}
				continue
			}
			j.done <- d.process(j.ctx, j.event)
		}
	}
}

// Ingest 处理单个事件; 重复投递返回 Duplicate=true 且没有错误
func (d *Dispatcher) Ingest(ctx context.Context, e model.Event) (Result, error) {
	res := d.dispatch(ctx, e)
	return res, res.Err
}

// IngestBatch 批量处理: 按 (区块, 日志序号) 排序, 同一主体顺序处理, 不同主体并行
//
// 单个事件失败不影响批次中的其他事件.
func (d *Dispatcher) IngestBatch(ctx context.Context, events []model.Event) []Result {
	results := make([]Result, len(events))

	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ma, mb := events[order[a]].Meta(), events[order[b]].Meta()
		if ma.BlockNumber != mb.BlockNumber {
			return ma.BlockNumber < mb.BlockNumber
		}
		return ma.LogIndex < mb.LogIndex
	})

	groups := make(map[string][]int)
	var keys []string
	for _, idx := range order {
		key := routingKey(events[idx])
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], idx)
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Shards)
	for _, key := range keys {
		indexes := groups[key]
		g.Go(func() error {
			for _, idx := range indexes {
				results[idx] = d.dispatch(ctx, events[idx])
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *Dispatcher) dispatch(ctx context.Context, e model.Event) Result {
	if e == nil || e.Meta().TxHash == "" || routingKey(e) == "" {
		return Result{Err: bizerrors.ErrInvalidEvent.WithMessagef("event has no identity or subject")}
	}

	d.mu.RLock()
	if !d.running {
		d.mu.RUnlock()
		return d.process(ctx, e)
	}
	queue := d.shards[shardOf(routingKey(e), len(d.shards))]
	j := &job{ctx: ctx, event: e, done: make(chan Result, 1)}
	select {
	case queue <- j:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return Result{Key: model.Identity(e), Err: ctx.Err()}
	}

	select {
	case res := <-j.done:
		return res
	case <-ctx.Done():
		return Result{Key: model.Identity(e), Err: ctx.Err()}
	}
}

// routingKey 同一主体的事件路由到同一分片; 链上事件按合约地址, 机器人事件按群组
func routingKey(e model.Event) string {
	if left, ok := e.(model.ParticipantLeft); ok {
		if left.GroupID == "" {
			return ""
		}
		return "group:" + left.GroupID
	}
	return normalize(e.Contract())
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (d *Dispatcher) process(ctx context.Context, e model.Event) (res Result) {
	meta := e.Meta()
	res.Key = model.Identity(e)
	res.Subject = routingKey(e)
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "dispatcher.ingest",
		tracing.AttrEventType.String(string(e.Type())),
		tracing.AttrTxHash.String(meta.TxHash),
		tracing.AttrContract.String(e.Contract()))
	defer func() {
		tracing.EndSpan(span, res.Err)
		metrics.RecordEvent(string(e.Type()), outcome(res), time.Since(start).Seconds())
	}()

	if d.seen(ctx, res.Key) {
		res.Duplicate = true
		return res
	}
	processed, err := d.store.Events().IsProcessed(ctx, res.Key)
	if err != nil {
		res.Err = bizerrors.Wrap(bizerrors.ErrInternal, err)
		return res
	}
	if processed {
		d.remember(ctx, res.Key)
		res.Duplicate = true
		return res
	}

	subject, err := d.apply(ctx, e, res.Key)
	if subject != "" {
		res.Subject = subject
	}

	switch {
	case err == nil:
		d.remember(ctx, res.Key)
		logger.Debug("event applied",
			zap.String("event_key", res.Key),
			zap.String("subject", res.Subject))
	case errors.Is(err, repository.ErrDuplicateEvent):
		// 并发投递, 另一次处理已提交
		res.Duplicate = true
	case IsDeferred(err):
		res.Err = err
		logger.Info("event deferred",
			zap.String("event_key", res.Key),
			zap.String("subject", res.Subject),
			zap.String("code", bizerrors.GetCode(err)))
	default:
		res.Err = err
		logger.Warn("event rejected",
			zap.String("event_key", res.Key),
			zap.String("subject", res.Subject),
			zap.Error(err))
		if markErr := d.markRejected(ctx, e, res.Key, res.Subject, err); markErr != nil {
			logger.Error("mark rejected event failed",
				zap.String("event_key", res.Key),
				zap.Error(markErr))
		} else {
			d.remember(ctx, res.Key)
		}
	}
	return res
}

func outcome(res Result) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Err == nil:
		return "applied"
	case IsDeferred(res.Err):
		return "deferred"
	default:
		return "rejected"
	}
}

// IsDeferred 稍后重投可能成功的错误, 事件不标记为已处理
func IsDeferred(err error) bool {
	if bizerrors.IsRetryable(err) ||
		bizerrors.Is(err, bizerrors.ErrChallengeWindowOpen) ||
		bizerrors.Is(err, bizerrors.ErrDisputeUnresolved) ||
		bizerrors.Is(err, bizerrors.ErrInternal) {
		return true
	}
	var bizErr *bizerrors.Error
	return !errors.As(err, &bizErr)
}

// apply 定位主体并调用对应的状态机操作, 返回主体标识
func (d *Dispatcher) apply(ctx context.Context, e model.Event, key string) (string, error) {
	switch ev := e.(type) {
	case model.BetDeployed:
		bet, err := d.resolveDeployedBet(ctx, ev)
		if err != nil {
			return "", err
		}
		subject := "bet:" + bet.BetID
		_, err = d.bets.ApplyConfirmedDeployment(ctx, bet.BetID, ev.ContractAddress, d.markHook(e, key, subject, bet.BetID, ""))
		return subject, err

	case model.BetJoined:
		bet, err := d.betByAddress(ctx, ev.ContractAddress)
		if err != nil {
			return "", err
		}
		subject := "bet:" + bet.BetID
		_, err = d.bets.ApplyConfirmedJoin(ctx, bet.BetID, ev.Participant, ev.Amount, ev.TxHash, d.markHook(e, key, subject, bet.BetID, ""))
		return subject, err

	case model.BetResolved:
		bet, err := d.betByAddress(ctx, ev.ContractAddress)
		if err != nil {
			return "", err
		}
		subject := "bet:" + bet.BetID
		_, err = d.bets.ApplyConfirmedResolution(ctx, bet.BetID, ev.Winner, ev.TxHash, d.markHook(e, key, subject, bet.BetID, ""))
		return subject, err

	case model.ChannelDeployed:
		ch, err := d.resolveDeployedChannel(ctx, ev)
		if err != nil {
			return "", err
		}
		subject := "channel:" + ch.ChannelID
		_, err = d.channels.ApplyConfirmedDeployment(ctx, ch.ChannelID, ev.ContractAddress, d.markHook(e, key, subject, "", ch.ChannelID))
		return subject, err

	case model.ChannelClosed:
		ch, err := d.channelByAddress(ctx, ev.ContractAddress)
		if err != nil {
			return "", err
		}
		subject := "channel:" + ch.ChannelID
		_, err = d.channels.FinalizeClosure(ctx, ch.ChannelID, finalOf(ev.Final), ev.Cooperative, d.markHook(e, key, subject, "", ch.ChannelID))
		return subject, err

	case model.DisputeAdjudicated:
		ch, err := d.channelByAddress(ctx, ev.ContractAddress)
		if err != nil {
			return "", err
		}
		subject := "channel:" + ch.ChannelID
		_, err = d.channels.ApplyAdjudication(ctx, ch.ChannelID, ev.Resolution, finalOf(ev.Final), d.markHook(e, key, subject, "", ch.ChannelID))
		return subject, err

	case model.ParticipantLeft:
		subject := "group:" + ev.GroupID
		if _, err := d.bets.HandleParticipantLeft(ctx, ev.GroupID, ev.UserID); err != nil {
			return subject, err
		}
		// 每个赌约单独提交, 全部完成后再写已处理标记; 重投时移除操作为空操作
		return subject, d.store.Transaction(ctx, d.markHook(e, key, subject, "", ""))

	default:
		return "", bizerrors.ErrInvalidEvent.WithMessagef("unsupported event type %s", e.Type())
	}
}

// finalOf 事件未携带最终状态时返回 nil, 由状态机使用已记录的关闭状态
func finalOf(f model.FinalState) *model.FinalState {
	if f.Seqno == 0 && f.BalanceA.IsZero() && f.BalanceB.IsZero() {
		return nil
	}
	return &f
}

func (d *Dispatcher) resolveDeployedBet(ctx context.Context, ev model.BetDeployed) (*model.Bet, error) {
	var (
		bet *model.Bet
		err error
	)
	if ev.BetID != "" {
		bet, err = d.bets.GetBet(ctx, ev.BetID)
	} else {
		bet, err = d.bets.FindByDeployTx(ctx, ev.TxHash)
	}
	return bet, unknownSubject(err, ev.ContractAddress)
}

func (d *Dispatcher) resolveDeployedChannel(ctx context.Context, ev model.ChannelDeployed) (*model.PaymentChannel, error) {
	var (
		ch  *model.PaymentChannel
		err error
	)
	if ev.ChannelID != "" {
		ch, err = d.channels.GetChannel(ctx, ev.ChannelID)
	} else {
		ch, err = d.channels.FindByDeployTx(ctx, ev.TxHash)
	}
	return ch, unknownSubject(err, ev.ContractAddress)
}

func (d *Dispatcher) betByAddress(ctx context.Context, address string) (*model.Bet, error) {
	bet, err := d.bets.FindByAddress(ctx, address)
	return bet, unknownSubject(err, address)
}

func (d *Dispatcher) channelByAddress(ctx context.Context, address string) (*model.PaymentChannel, error) {
	ch, err := d.channels.FindByAddress(ctx, address)
	return ch, unknownSubject(err, address)
}

// unknownSubject 主体尚不存在时返回可重试的 UNKNOWN_SUBJECT
func unknownSubject(err error, address string) error {
	if err != nil && bizerrors.IsNotFound(err) {
		return bizerrors.ErrUnknownSubject.WithDetail("address", address)
	}
	return err
}

// markHook 在状态变更事务内写入已处理标记并确认交易流水
func (d *Dispatcher) markHook(e model.Event, key, subject, betID, channelID string) service.TxHook {
	return func(ctx context.Context) error {
		meta := e.Meta()
		if err := d.store.Events().MarkProcessed(ctx, &model.ProcessedEvent{
			EventKey:    key,
			TxHash:      meta.TxHash,
			EventType:   string(e.Type()),
			Subject:     subject,
			BlockNumber: meta.BlockNumber,
			LogIndex:    meta.LogIndex,
			ProcessedAt: d.now().UnixMilli(),
		}); err != nil {
			return err
		}
		return d.settleTx(ctx, e, betID, channelID, model.TxStatusConfirmed, "")
	}
}

// markRejected 被状态机拒绝的事件同样标记为已处理, 交易流水记为失败
func (d *Dispatcher) markRejected(ctx context.Context, e model.Event, key, subject string, cause error) error {
	reason := cause.Error()
	if len(reason) > maxFailureReason {
		reason = reason[:maxFailureReason]
	}
	meta := e.Meta()
	betID, channelID := subjectIDs(subject)

	err := d.store.Transaction(ctx, func(ctx context.Context) error {
		if err := d.store.Events().MarkProcessed(ctx, &model.ProcessedEvent{
			EventKey:    key,
			TxHash:      meta.TxHash,
			EventType:   string(e.Type()),
			Subject:     subject,
			BlockNumber: meta.BlockNumber,
			LogIndex:    meta.LogIndex,
			ProcessedAt: d.now().UnixMilli(),
		}); err != nil {
			return err
		}
		return d.settleTx(ctx, e, betID, channelID, model.TxStatusFailed, reason)
	})
	if errors.Is(err, repository.ErrDuplicateEvent) {
		return nil
	}
	return err
}

func subjectIDs(subject string) (betID, channelID string) {
	if id, ok := strings.CutPrefix(subject, "bet:"); ok {
		return id, ""
	}
	if id, ok := strings.CutPrefix(subject, "channel:"); ok {
		return "", id
	}
	return "", ""
}

// settleTx 将本地发起的待确认流水标记为终态; 链上直接发起的操作补写一条终态流水
func (d *Dispatcher) settleTx(ctx context.Context, e model.Event, betID, channelID string, status model.TxStatus, reason string) error {
	txType, amount := txTypeOf(e)
	if txType == "" {
		return nil
	}
	meta := e.Meta()
	now := d.now().UnixMilli()
	txs := d.store.Transactions()

	err := txs.MarkProcessed(ctx, meta.TxHash, status, now, reason)
	if err == nil {
		d.settled(ctx, meta.TxHash)
		return nil
	}
	if !errors.Is(err, repository.ErrTransactionNotFound) {
		return err
	}
	if _, err := txs.GetByTxHash(ctx, meta.TxHash); err == nil {
		// 同一交易的另一个事件已经处理过该流水
		return nil
	} else if !errors.Is(err, repository.ErrTransactionNotFound) {
		return err
	}

	err = txs.Create(ctx, &model.Transaction{
		TxHash:        meta.TxHash,
		BlockNumber:   meta.BlockNumber,
		LogicalTime:   int64(meta.LogIndex),
		Type:          txType,
		Status:        status,
		ToAddress:     normalize(e.Contract()),
		Amount:        amount,
		BetID:         betID,
		ChannelID:     channelID,
		Operation:     "confirm",
		ProcessedAt:   now,
		FailureReason: reason,
	})
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		return nil
	}
	return err
}

// settled 本地发起的交易已到终态, 回调失败不影响事件处理
func (d *Dispatcher) settled(ctx context.Context, txHash string) {
	if d.settler == nil {
		return
	}
	if err := d.settler.OnTxSettled(ctx, txHash); err != nil {
		logger.Warn("release settled nonce failed",
			zap.String("tx_hash", txHash),
			zap.Error(err))
	}
}

func txTypeOf(e model.Event) (model.TxType, decimal.Decimal) {
	switch ev := e.(type) {
	case model.BetDeployed:
		return model.TxTypeBetCreate, decimal.Zero
	case model.BetJoined:
		return model.TxTypeBetJoin, ev.Amount
	case model.BetResolved:
		return model.TxTypeBetResolve, decimal.Zero
	case model.ChannelDeployed:
		return model.TxTypeChannelOpen, decimal.Zero
	case model.ChannelClosed:
		return model.TxTypeChannelClose, decimal.Zero
	case model.DisputeAdjudicated:
		return model.TxTypeChannelDispute, decimal.Zero
	}
	return "", decimal.Zero
}

func (d *Dispatcher) seen(ctx context.Context, key string) bool {
	if d.cache == nil {
		return false
	}
	ok, err := d.cache.Seen(ctx, key)
	if err != nil {
		logger.Warn("dedupe cache lookup failed", zap.String("event_key", key), zap.Error(err))
		return false
	}
	return ok
}

func (d *Dispatcher) remember(ctx context.Context, key string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Mark(ctx, key); err != nil {
		logger.Warn("dedupe cache write failed", zap.String("event_key", key), zap.Error(err))
	}
}
