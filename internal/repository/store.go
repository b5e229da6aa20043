package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store 账本存储, 显式传入各状态机, 不使用全局单例
type Store interface {
	Bets() BetRepository
	Channels() ChannelRepository
	Transactions() TransactionRepository
	Events() EventRepository
	// Transaction 在同一事务中执行 fn, fn 内通过 ctx 使用的仓储共享该事务
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// maxTxAttempts 顶层事务遇到序列化失败, 死锁或连接中断时的最大尝试次数
const maxTxAttempts = 3

type gormStore struct {
	*Repository
	bets         BetRepository
	channels     ChannelRepository
	transactions TransactionRepository
	events       EventRepository
}

// NewStore 创建基于 PostgreSQL 的账本存储
func NewStore(db *gorm.DB) Store {
	return &gormStore{
		Repository:   NewRepository(db),
		bets:         NewBetRepository(db),
		channels:     NewChannelRepository(db),
		transactions: NewTransactionRepository(db),
		events:       NewEventRepository(db),
	}
}

func (s *gormStore) Bets() BetRepository                 { return s.bets }
func (s *gormStore) Channels() ChannelRepository         { return s.channels }
func (s *gormStore) Transactions() TransactionRepository { return s.transactions }
func (s *gormStore) Events() EventRepository             { return s.events }

// Transaction 顶层事务按可重试的 PostgreSQL 错误重试, 嵌套调用复用外层事务
func (s *gormStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTransaction(ctx) {
		return s.Repository.Transaction(ctx, fn)
	}
	return s.TransactionWithRetry(ctx, maxTxAttempts, fn)
}
