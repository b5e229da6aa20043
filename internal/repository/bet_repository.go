package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

// BetFilter 赌约查询条件
type BetFilter struct {
	CreatorID string
	GroupID   string
	Status    *model.BetStatus
}

// BetRepository 赌约仓储接口
type BetRepository interface {
	Create(ctx context.Context, bet *model.Bet) error
	GetByBetID(ctx context.Context, betID string) (*model.Bet, error)
	GetByAddress(ctx context.Context, address string) (*model.Bet, error)
	GetByDeployTx(ctx context.Context, txRef string) (*model.Bet, error)
	// CompareAndSwap 仅当库中版本等于 expectedVersion 时写入, 成功后 bet.Version 加一
	CompareAndSwap(ctx context.Context, bet *model.Bet, expectedVersion int64) error

	// 流水 (只追加)
	AppendEntry(ctx context.Context, entry *model.BetEntry) error
	ListEntries(ctx context.Context, betID string) ([]*model.BetEntry, error)

	// 查询
	List(ctx context.Context, filter *BetFilter, page *Pagination) ([]*model.Bet, error)
	// ListExpirable 已到期, 非终态, 且没有待确认结算的赌约
	ListExpirable(ctx context.Context, now int64, limit int) ([]*model.Bet, error)
	ListPendingByGroup(ctx context.Context, groupID string) ([]*model.Bet, error)
}

type betRepository struct {
	*Repository
}

// NewBetRepository 创建赌约仓储
func NewBetRepository(db *gorm.DB) BetRepository {
	return &betRepository{
		Repository: NewRepository(db),
	}
}

func (r *betRepository) Create(ctx context.Context, bet *model.Bet) error {
	if bet.Version == 0 {
		bet.Version = 1
	}
	return r.DB(ctx).Create(bet).Error
}

func (r *betRepository) GetByBetID(ctx context.Context, betID string) (*model.Bet, error) {
	return r.first(ctx, "bet_id = ?", betID)
}

func (r *betRepository) GetByAddress(ctx context.Context, address string) (*model.Bet, error) {
	return r.first(ctx, "contract_address = ?", address)
}

func (r *betRepository) GetByDeployTx(ctx context.Context, txRef string) (*model.Bet, error) {
	return r.first(ctx, "deploy_tx_ref = ?", txRef)
}

func (r *betRepository) first(ctx context.Context, query string, arg interface{}) (*model.Bet, error) {
	var bet model.Bet
	err := r.DB(ctx).Where(query, arg).First(&bet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bet, nil
}

func (r *betRepository) CompareAndSwap(ctx context.Context, bet *model.Bet, expectedVersion int64) error {
	bet.Version = expectedVersion + 1
	result := r.DB(ctx).Model(&model.Bet{}).
		Where("bet_id = ? AND version = ?", bet.BetID, expectedVersion).
		Select("*").
		Omit("id", "bet_id", "created_at").
		Updates(bet)
	if result.Error != nil {
		bet.Version = expectedVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		bet.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

func (r *betRepository) AppendEntry(ctx context.Context, entry *model.BetEntry) error {
	var maxSeq int
	err := r.DB(ctx).Model(&model.BetEntry{}).
		Where("bet_id = ?", entry.BetID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return err
	}
	entry.Seq = maxSeq + 1
	return r.DB(ctx).Create(entry).Error
}

func (r *betRepository) ListEntries(ctx context.Context, betID string) ([]*model.BetEntry, error) {
	var entries []*model.BetEntry
	err := r.DB(ctx).
		Where("bet_id = ?", betID).
		Order("seq ASC").
		Find(&entries).Error
	return entries, err
}

func (r *betRepository) List(ctx context.Context, filter *BetFilter, page *Pagination) ([]*model.Bet, error) {
	var bets []*model.Bet

	query := r.DB(ctx).Model(&model.Bet{})
	if filter != nil {
		if filter.CreatorID != "" {
			query = query.Where("creator_id = ?", filter.CreatorID)
		}
		if filter.GroupID != "" {
			query = query.Where("group_id = ?", filter.GroupID)
		}
		if filter.Status != nil {
			query = query.Where("status = ?", *filter.Status)
		}
	}

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&bets).Error
	return bets, err
}

func (r *betRepository) ListExpirable(ctx context.Context, now int64, limit int) ([]*model.Bet, error) {
	var bets []*model.Bet
	err := r.DB(ctx).
		Where("status IN ? AND expiry_time <= ? AND COALESCE(pending_winner, '') = ''", []model.BetStatus{model.BetStatusPending, model.BetStatusActive}, now).
		Order("expiry_time ASC").
		Limit(limit).
		Find(&bets).Error
	return bets, err
}

func (r *betRepository) ListPendingByGroup(ctx context.Context, groupID string) ([]*model.Bet, error) {
	var bets []*model.Bet
	err := r.DB(ctx).
		Where("group_id = ? AND status = ?", groupID, model.BetStatusPending).
		Order("created_at ASC").
		Find(&bets).Error
	return bets, err
}
