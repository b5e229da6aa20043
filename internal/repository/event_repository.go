package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

// EventRepository 已处理事件仓储
type EventRepository interface {
	IsProcessed(ctx context.Context, eventKey string) (bool, error)
	// MarkProcessed 写入已处理标记, 重复写入返回 ErrDuplicateEvent
	MarkProcessed(ctx context.Context, event *model.ProcessedEvent) error
}

type eventRepository struct {
	*Repository
}

// NewEventRepository 创建已处理事件仓储
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{
		Repository: NewRepository(db),
	}
}

func (r *eventRepository) IsProcessed(ctx context.Context, eventKey string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ProcessedEvent{}).
		Where("event_key = ?", eventKey).
		Count(&count).Error
	return count > 0, err
}

func (r *eventRepository) MarkProcessed(ctx context.Context, event *model.ProcessedEvent) error {
	err := r.DB(ctx).Create(event).Error
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}
