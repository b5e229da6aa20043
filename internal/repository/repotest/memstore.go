// Package repotest 提供内存版账本存储, 供状态机与分发器测试使用
//
// 语义与 PostgreSQL 实现保持一致: 版本 CAS, 唯一约束, 流水序号, 事务回滚.
package repotest

import (
	"context"
	"sort"
	"sync"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/repository"
)

type txKey struct{}

type state struct {
	bets      map[string]*model.Bet
	entries   map[string][]*model.BetEntry
	channels  map[string]*model.PaymentChannel
	disputes  map[string][]*model.ChannelDispute
	txs       map[string]*model.Transaction
	processed map[string]*model.ProcessedEvent
	nextID    int64
}

func newState() *state {
	return &state{
		bets:      make(map[string]*model.Bet),
		entries:   make(map[string][]*model.BetEntry),
		channels:  make(map[string]*model.PaymentChannel),
		disputes:  make(map[string][]*model.ChannelDispute),
		txs:       make(map[string]*model.Transaction),
		processed: make(map[string]*model.ProcessedEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.bets {
		c.bets[k] = v.Clone()
	}
	for k, v := range s.entries {
		list := make([]*model.BetEntry, len(v))
		for i, e := range v {
			cp := *e
			list[i] = &cp
		}
		c.entries[k] = list
	}
	for k, v := range s.channels {
		c.channels[k] = v.Clone()
	}
	for k, v := range s.disputes {
		list := make([]*model.ChannelDispute, len(v))
		for i, d := range v {
			cp := *d
			list[i] = &cp
		}
		c.disputes[k] = list
	}
	for k, v := range s.txs {
		cp := *v
		c.txs[k] = &cp
	}
	for k, v := range s.processed {
		cp := *v
		c.processed[k] = &cp
	}
	return c
}

// Store 内存账本
type Store struct {
	txMu sync.Mutex // 串行化事务
	mu   sync.Mutex
	st   *state

	// Clock 写入 created_at / updated_at 使用的毫秒时间, 为空时为 0
	Clock func() int64

	// FailNextCAS 大于 0 时, 接下来的 CAS 调用返回版本冲突
	FailNextCAS int
}

// NewStore 创建内存账本
func NewStore() *Store {
	return &Store{st: newState()}
}

func (s *Store) now() int64 {
	if s.Clock == nil {
		return 0
	}
	return s.Clock()
}

func (s *Store) Bets() repository.BetRepository                 { return (*betRepo)(s) }
func (s *Store) Channels() repository.ChannelRepository         { return (*channelRepo)(s) }
func (s *Store) Transactions() repository.TransactionRepository { return (*txRepo)(s) }
func (s *Store) Events() repository.EventRepository             { return (*eventRepo)(s) }

// Transaction fn 返回错误时整体回滚, 嵌套调用复用外层事务
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// ProcessedCount 已处理事件数量
func (s *Store) ProcessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.processed)
}

// ---- bets ----

type betRepo Store

func (r *betRepo) Create(_ context.Context, bet *model.Bet) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.bets[bet.BetID]; ok {
		return repository.ErrDuplicateTransaction
	}
	if bet.Version == 0 {
		bet.Version = 1
	}
	s.st.nextID++
	bet.ID = s.st.nextID
	bet.CreatedAt = s.now()
	bet.UpdatedAt = bet.CreatedAt
	s.st.bets[bet.BetID] = bet.Clone()
	return nil
}

func (r *betRepo) GetByBetID(_ context.Context, betID string) (*model.Bet, error) {
	return r.find(func(b *model.Bet) bool { return b.BetID == betID })
}

func (r *betRepo) GetByAddress(_ context.Context, address string) (*model.Bet, error) {
	return r.find(func(b *model.Bet) bool { return address != "" && b.ContractAddress == address })
}

func (r *betRepo) GetByDeployTx(_ context.Context, txRef string) (*model.Bet, error) {
	return r.find(func(b *model.Bet) bool { return txRef != "" && b.DeployTxRef == txRef })
}

func (r *betRepo) find(match func(*model.Bet) bool) (*model.Bet, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.st.bets {
		if match(b) {
			return b.Clone(), nil
		}
	}
	return nil, repository.ErrBetNotFound
}

func (r *betRepo) CompareAndSwap(_ context.Context, bet *model.Bet, expectedVersion int64) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextCAS > 0 {
		s.FailNextCAS--
		return repository.ErrVersionConflict
	}
	cur, ok := s.st.bets[bet.BetID]
	if !ok || cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	bet.Version = expectedVersion + 1
	bet.ID = cur.ID
	bet.CreatedAt = cur.CreatedAt
	bet.UpdatedAt = s.now()
	s.st.bets[bet.BetID] = bet.Clone()
	return nil
}

func (r *betRepo) AppendEntry(_ context.Context, entry *model.BetEntry) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.st.entries[entry.BetID]
	entry.Seq = len(list) + 1
	s.st.nextID++
	entry.ID = s.st.nextID
	cp := *entry
	s.st.entries[entry.BetID] = append(list, &cp)
	return nil
}

func (r *betRepo) ListEntries(_ context.Context, betID string) ([]*model.BetEntry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.st.entries[betID]
	out := make([]*model.BetEntry, len(list))
	for i, e := range list {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (r *betRepo) List(_ context.Context, filter *repository.BetFilter, page *repository.Pagination) ([]*model.Bet, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*model.Bet
	for _, b := range s.st.bets {
		if filter != nil {
			if filter.CreatorID != "" && b.CreatorID != filter.CreatorID {
				continue
			}
			if filter.GroupID != "" && b.GroupID != filter.GroupID {
				continue
			}
			if filter.Status != nil && b.Status != *filter.Status {
				continue
			}
		}
		all = append(all, b.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID > all[j].ID
	})
	return paginate(all, page), nil
}

func (r *betRepo) ListExpirable(_ context.Context, now int64, limit int) ([]*model.Bet, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Bet
	for _, b := range s.st.bets {
		if !b.Status.IsTerminal() && b.ExpiryTime <= now && b.PendingWinner == "" {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryTime != out[j].ExpiryTime {
			return out[i].ExpiryTime < out[j].ExpiryTime
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *betRepo) ListPendingByGroup(_ context.Context, groupID string) ([]*model.Bet, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Bet
	for _, b := range s.st.bets {
		if b.GroupID == groupID && b.Status == model.BetStatusPending {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- channels ----

type channelRepo Store

func (r *channelRepo) Create(_ context.Context, ch *model.PaymentChannel) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.channels[ch.ChannelID]; ok {
		return repository.ErrDuplicateTransaction
	}
	if ch.Version == 0 {
		ch.Version = 1
	}
	s.st.nextID++
	ch.ID = s.st.nextID
	ch.CreatedAt = s.now()
	ch.UpdatedAt = ch.CreatedAt
	s.st.channels[ch.ChannelID] = ch.Clone()
	return nil
}

func (r *channelRepo) GetByChannelID(_ context.Context, channelID string) (*model.PaymentChannel, error) {
	return r.find(func(c *model.PaymentChannel) bool { return c.ChannelID == channelID })
}

func (r *channelRepo) GetByAddress(_ context.Context, address string) (*model.PaymentChannel, error) {
	return r.find(func(c *model.PaymentChannel) bool { return address != "" && c.ChannelAddress == address })
}

func (r *channelRepo) GetByDeployTx(_ context.Context, txRef string) (*model.PaymentChannel, error) {
	return r.find(func(c *model.PaymentChannel) bool { return txRef != "" && c.DeployTxRef == txRef })
}

func (r *channelRepo) find(match func(*model.PaymentChannel) bool) (*model.PaymentChannel, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.st.channels {
		if match(c) {
			return c.Clone(), nil
		}
	}
	return nil, repository.ErrChannelNotFound
}

func (r *channelRepo) CompareAndSwap(_ context.Context, ch *model.PaymentChannel, expectedVersion int64) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextCAS > 0 {
		s.FailNextCAS--
		return repository.ErrVersionConflict
	}
	cur, ok := s.st.channels[ch.ChannelID]
	if !ok || cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	ch.Version = expectedVersion + 1
	ch.ID = cur.ID
	ch.CreatedAt = cur.CreatedAt
	ch.UpdatedAt = s.now()
	s.st.channels[ch.ChannelID] = ch.Clone()
	return nil
}

func (r *channelRepo) AppendDispute(_ context.Context, dispute *model.ChannelDispute) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.st.disputes[dispute.ChannelID]
	dispute.Seq = len(list) + 1
	s.st.nextID++
	dispute.ID = s.st.nextID
	cp := *dispute
	s.st.disputes[dispute.ChannelID] = append(list, &cp)
	return nil
}

func (r *channelRepo) ListDisputes(_ context.Context, channelID string) ([]*model.ChannelDispute, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.st.disputes[channelID]
	out := make([]*model.ChannelDispute, len(list))
	for i, d := range list {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

func (r *channelRepo) CountUnresolvedDisputes(_ context.Context, channelID string) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.st.disputes[channelID] {
		if !d.IsResolved() {
			n++
		}
	}
	return n, nil
}

func (r *channelRepo) ResolveDisputes(_ context.Context, channelID string, resolution model.DisputeResolution, resolvedAt int64) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.st.disputes[channelID] {
		if !d.IsResolved() {
			d.Resolution = resolution
			d.ResolvedAt = resolvedAt
			n++
		}
	}
	return n, nil
}

func (r *channelRepo) ListByUser(_ context.Context, userID string, page *repository.Pagination) ([]*model.PaymentChannel, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*model.PaymentChannel
	for _, c := range s.st.channels {
		if c.UserID == userID {
			all = append(all, c.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return paginate(all, page), nil
}

func (r *channelRepo) ListClosing(_ context.Context, limit int) ([]*model.PaymentChannel, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.PaymentChannel
	for _, c := range s.st.channels {
		if c.Status == model.ChannelStatusClosing {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseRequestedAt < out[j].CloseRequestedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- transactions ----

type txRepo Store

func (r *txRepo) Create(_ context.Context, tx *model.Transaction) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.txs[tx.TxHash]; ok {
		return repository.ErrDuplicateTransaction
	}
	s.st.nextID++
	tx.ID = s.st.nextID
	tx.CreatedAt = s.now()
	cp := *tx
	s.st.txs[tx.TxHash] = &cp
	return nil
}

func (r *txRepo) GetByTxHash(_ context.Context, txHash string) (*model.Transaction, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.st.txs[txHash]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (r *txRepo) MarkProcessed(_ context.Context, txHash string, status model.TxStatus, processedAt int64, failureReason string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.st.txs[txHash]
	if !ok || tx.Status != model.TxStatusPending {
		return repository.ErrTransactionNotFound
	}
	tx.Status = status
	tx.ProcessedAt = processedAt
	tx.FailureReason = failureReason
	return nil
}

func (r *txRepo) ListBySubject(_ context.Context, betID, channelID string, page *repository.Pagination) ([]*model.Transaction, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*model.Transaction
	for _, tx := range s.st.txs {
		if betID != "" && tx.BetID != betID {
			continue
		}
		if channelID != "" && tx.ChannelID != channelID {
			continue
		}
		cp := *tx
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return paginate(all, page), nil
}

// ---- processed events ----

type eventRepo Store

func (r *eventRepo) IsProcessed(_ context.Context, eventKey string) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.st.processed[eventKey]
	return ok, nil
}

func (r *eventRepo) MarkProcessed(_ context.Context, event *model.ProcessedEvent) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.processed[event.EventKey]; ok {
		return repository.ErrDuplicateEvent
	}
	s.st.nextID++
	event.ID = s.st.nextID
	cp := *event
	s.st.processed[event.EventKey] = &cp
	return nil
}

func paginate[T any](all []T, page *repository.Pagination) []T {
	if page == nil {
		return all
	}
	page.Total = int64(len(all))
	start := page.Offset()
	if start >= len(all) {
		return nil
	}
	end := start + page.Limit()
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

var _ repository.Store = (*Store)(nil)
