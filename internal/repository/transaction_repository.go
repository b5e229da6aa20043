package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

// TransactionRepository 链上交易流水仓储接口
type TransactionRepository interface {
	// Create 写入流水, 同一 tx hash 只能写一次
	//
	// 重复写入返回 ErrDuplicateTransaction, 不会使外层数据库事务失效.
	Create(ctx context.Context, tx *model.Transaction) error
	GetByTxHash(ctx context.Context, txHash string) (*model.Transaction, error)
	// MarkProcessed 仅 PENDING 状态可以被标记一次
	MarkProcessed(ctx context.Context, txHash string, status model.TxStatus, processedAt int64, failureReason string) error
	ListBySubject(ctx context.Context, betID, channelID string, page *Pagination) ([]*model.Transaction, error)
}

type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建交易流水仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		Repository: NewRepository(db),
	}
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.Transaction) error {
	result := r.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tx_hash"}}, DoNothing: true}).
		Create(tx)
	if isUniqueViolation(result.Error) {
		return ErrDuplicateTransaction
	}
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

func (r *transactionRepository) GetByTxHash(ctx context.Context, txHash string) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) MarkProcessed(ctx context.Context, txHash string, status model.TxStatus, processedAt int64, failureReason string) error {
	result := r.DB(ctx).Model(&model.Transaction{}).
		Where("tx_hash = ? AND status = ?", txHash, model.TxStatusPending).
		Updates(map[string]interface{}{
			"status":         status,
			"processed_at":   processedAt,
			"failure_reason": failureReason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *transactionRepository) ListBySubject(ctx context.Context, betID, channelID string, page *Pagination) ([]*model.Transaction, error) {
	var txs []*model.Transaction

	query := r.DB(ctx).Model(&model.Transaction{})
	if betID != "" {
		query = query.Where("bet_id = ?", betID)
	}
	if channelID != "" {
		query = query.Where("channel_id = ?", channelID)
	}
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&txs).Error
	return txs, err
}
