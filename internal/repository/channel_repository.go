package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

// ChannelRepository 支付通道仓储接口
type ChannelRepository interface {
	Create(ctx context.Context, ch *model.PaymentChannel) error
	GetByChannelID(ctx context.Context, channelID string) (*model.PaymentChannel, error)
	GetByAddress(ctx context.Context, address string) (*model.PaymentChannel, error)
	GetByDeployTx(ctx context.Context, txRef string) (*model.PaymentChannel, error)
	// CompareAndSwap 仅当库中版本等于 expectedVersion 时写入, 成功后 ch.Version 加一
	CompareAndSwap(ctx context.Context, ch *model.PaymentChannel, expectedVersion int64) error

	// 争议 (只追加)
	AppendDispute(ctx context.Context, dispute *model.ChannelDispute) error
	ListDisputes(ctx context.Context, channelID string) ([]*model.ChannelDispute, error)
	CountUnresolvedDisputes(ctx context.Context, channelID string) (int64, error)
	ResolveDisputes(ctx context.Context, channelID string, resolution model.DisputeResolution, resolvedAt int64) (int64, error)

	// 查询
	ListByUser(ctx context.Context, userID string, page *Pagination) ([]*model.PaymentChannel, error)
	ListClosing(ctx context.Context, limit int) ([]*model.PaymentChannel, error)
}

type channelRepository struct {
	*Repository
}

// NewChannelRepository 创建支付通道仓储
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &channelRepository{
		Repository: NewRepository(db),
	}
}

func (r *channelRepository) Create(ctx context.Context, ch *model.PaymentChannel) error {
	if ch.Version == 0 {
		ch.Version = 1
	}
	return r.DB(ctx).Create(ch).Error
}

func (r *channelRepository) GetByChannelID(ctx context.Context, channelID string) (*model.PaymentChannel, error) {
	return r.first(ctx, "channel_id = ?", channelID)
}

func (r *channelRepository) GetByAddress(ctx context.Context, address string) (*model.PaymentChannel, error) {
	return r.first(ctx, "channel_address = ?", address)
}

func (r *channelRepository) GetByDeployTx(ctx context.Context, txRef string) (*model.PaymentChannel, error) {
	return r.first(ctx, "deploy_tx_ref = ?", txRef)
}

func (r *channelRepository) first(ctx context.Context, query string, arg interface{}) (*model.PaymentChannel, error) {
	var ch model.PaymentChannel
	err := r.DB(ctx).Where(query, arg).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *channelRepository) CompareAndSwap(ctx context.Context, ch *model.PaymentChannel, expectedVersion int64) error {
	ch.Version = expectedVersion + 1
	result := r.DB(ctx).Model(&model.PaymentChannel{}).
		Where("channel_id = ? AND version = ?", ch.ChannelID, expectedVersion).
		Select("*").
		Omit("id", "channel_id", "created_at").
		Updates(ch)
	if result.Error != nil {
		ch.Version = expectedVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		ch.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

func (r *channelRepository) AppendDispute(ctx context.Context, dispute *model.ChannelDispute) error {
	var maxSeq int
	err := r.DB(ctx).Model(&model.ChannelDispute{}).
		Where("channel_id = ?", dispute.ChannelID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return err
	}
	dispute.Seq = maxSeq + 1
	return r.DB(ctx).Create(dispute).Error
}

func (r *channelRepository) ListDisputes(ctx context.Context, channelID string) ([]*model.ChannelDispute, error) {
	var disputes []*model.ChannelDispute
	err := r.DB(ctx).
		Where("channel_id = ?", channelID).
		Order("seq ASC").
		Find(&disputes).Error
	return disputes, err
}

func (r *channelRepository) CountUnresolvedDisputes(ctx context.Context, channelID string) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ChannelDispute{}).
		Where("channel_id = ? AND (resolution IS NULL OR resolution = '')", channelID).
		Count(&count).Error
	return count, err
}

// ResolveDisputes 将所有未裁决争议标记为 resolution, 已裁决的不会被覆盖
func (r *channelRepository) ResolveDisputes(ctx context.Context, channelID string, resolution model.DisputeResolution, resolvedAt int64) (int64, error) {
	result := r.DB(ctx).Model(&model.ChannelDispute{}).
		Where("channel_id = ? AND (resolution IS NULL OR resolution = '')", channelID).
		Updates(map[string]interface{}{
			"resolution":  resolution,
			"resolved_at": resolvedAt,
		})
	return result.RowsAffected, result.Error
}

func (r *channelRepository) ListByUser(ctx context.Context, userID string, page *Pagination) ([]*model.PaymentChannel, error) {
	var channels []*model.PaymentChannel

	query := r.DB(ctx).Model(&model.PaymentChannel{}).Where("user_id = ?", userID)
	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&channels).Error
	return channels, err
}

func (r *channelRepository) ListClosing(ctx context.Context, limit int) ([]*model.PaymentChannel, error) {
	var channels []*model.PaymentChannel
	err := r.DB(ctx).
		Where("status = ?", model.ChannelStatusClosing).
		Order("close_requested_at ASC").
		Limit(limit).
		Find(&channels).Error
	return channels, err
}
