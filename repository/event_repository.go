package repository

import (
	"context"
	"time"

	"PartyFM/model"

	"gorm.io/gorm"
)

// EventRepository 活动数据访问接口
type EventRepository interface {
	Create(ctx context.Context, event *model.Event) error
	GetByID(ctx context.Context, id string) (*model.Event, error)
	ExistsByID(ctx context.Context, id string) (bool, error)
	End(ctx context.Context, id string) error

	// UpdatePlaybackSnapshot 同步写入播放快照字段。
	// 状态定义字段必须在广播之前落库，进程重启后仅凭它们即可重建会话。
	UpdatePlaybackSnapshot(ctx context.Context, id string, trackID *string, position float64, isPlaying bool, at time.Time) error
	UpdateVolume(ctx context.Context, id string, volume int) error
}

// gormEventRepository GORM 实现
type gormEventRepository struct {
	db *gorm.DB
}

// NewGormEventRepository 创建 GORM 活动仓库
func NewGormEventRepository(db *gorm.DB) EventRepository {
	return &gormEventRepository{db: db}
}

// Create 创建活动
func (r *gormEventRepository) Create(ctx context.Context, event *model.Event) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// GetByID 根据ID获取活动（只返回进行中的）
func (r *gormEventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var event model.Event
	err := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, model.EventStatusActive).
		First(&event).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// ExistsByID 检查活动ID是否存在
func (r *gormEventRepository) ExistsByID(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// End 结束活动
func (r *gormEventRepository) End(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":   model.EventStatusEnded,
			"ended_at": now,
		}).Error
}

// UpdatePlaybackSnapshot 写入播放快照字段
func (r *gormEventRepository) UpdatePlaybackSnapshot(ctx context.Context, id string, trackID *string, position float64, isPlaying bool, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_track_id":     trackID,
			"current_position":     position,
			"is_playing":           isPlaying,
			"last_position_update": at,
		}).Error
}

// UpdateVolume 写入音量
func (r *gormEventRepository) UpdateVolume(ctx context.Context, id string, volume int) error {
	return r.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ?", id).
		Update("volume", volume).Error
}
