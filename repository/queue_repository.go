package repository

import (
	"context"

	"PartyFM/model"

	"gorm.io/gorm"
)

// QueueRepository 队列数据访问接口。
// 不变式由写路径维护：每次变更后 position 为连续无重复的 1..N。
type QueueRepository interface {
	List(ctx context.Context, eventID string) ([]*model.QueueEntry, error)
	Get(ctx context.Context, eventID, trackID string) (*model.QueueEntry, error)
	Head(ctx context.Context, eventID string) (*model.QueueEntry, error)
	// Append 把曲目追加到队尾（position = N+1）
	Append(ctx context.Context, eventID, trackID string) (*model.QueueEntry, error)
	// Remove 删除一条并闭合后续位置的空洞
	Remove(ctx context.Context, eventID, trackID string) error
	// RewritePositions 按给定顺序重写 position 为 1..N（单事务）
	RewritePositions(ctx context.Context, eventID string, trackOrder []string) error

	// 曲目元数据
	GetTrack(ctx context.Context, trackID string) (*model.Track, error)
	CreateTrack(ctx context.Context, track *model.Track) error
	UpdateTrackCover(ctx context.Context, trackID, coverURL string) error
}

// gormQueueRepository GORM 实现
type gormQueueRepository struct {
	db *gorm.DB
}

// NewGormQueueRepository 创建 GORM 队列仓库
func NewGormQueueRepository(db *gorm.DB) QueueRepository {
	return &gormQueueRepository{db: db}
}

// List 按 position 升序返回全部队列条目
func (r *gormQueueRepository) List(ctx context.Context, eventID string) ([]*model.QueueEntry, error) {
	var entries []*model.QueueEntry
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("position ASC").
		Find(&entries).Error
	return entries, err
}

// Get 获取指定曲目的队列条目
func (r *gormQueueRepository) Get(ctx context.Context, eventID, trackID string) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND track_id = ?", eventID, trackID).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Head 获取队首（position 最小的条目），空队列返回 nil
func (r *gormQueueRepository) Head(ctx context.Context, eventID string) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("position ASC").
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Append 追加到队尾
func (r *gormQueueRepository) Append(ctx context.Context, eventID, trackID string) (*model.QueueEntry, error) {
	var entry *model.QueueEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos int
		if err := tx.Model(&model.QueueEntry{}).
			Where("event_id = ?", eventID).
			Select("COALESCE(MAX(position), 0)").
			Scan(&maxPos).Error; err != nil {
			return err
		}

		entry = &model.QueueEntry{
			EventID:  eventID,
			TrackID:  trackID,
			Position: maxPos + 1,
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Remove 删除条目并把后面的条目前移一位
func (r *gormQueueRepository) Remove(ctx context.Context, eventID, trackID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry model.QueueEntry
		if err := tx.Where("event_id = ? AND track_id = ?", eventID, trackID).
			First(&entry).Error; err != nil {
			return err
		}

		if err := tx.Delete(&entry).Error; err != nil {
			return err
		}

		return tx.Model(&model.QueueEntry{}).
			Where("event_id = ? AND position > ?", eventID, entry.Position).
			Update("position", gorm.Expr("position - 1")).Error
	})
}

// RewritePositions 按给定曲目顺序重写 position
func (r *gormQueueRepository) RewritePositions(ctx context.Context, eventID string, trackOrder []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, trackID := range trackOrder {
			if err := tx.Model(&model.QueueEntry{}).
				Where("event_id = ? AND track_id = ?", eventID, trackID).
				Update("position", i+1).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTrack 获取曲目元数据
func (r *gormQueueRepository) GetTrack(ctx context.Context, trackID string) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).Where("id = ?", trackID).First(&track).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

// CreateTrack 创建曲目元数据
func (r *gormQueueRepository) CreateTrack(ctx context.Context, track *model.Track) error {
	return r.db.WithContext(ctx).Create(track).Error
}

// UpdateTrackCover 更新封面地址
func (r *gormQueueRepository) UpdateTrackCover(ctx context.Context, trackID, coverURL string) error {
	return r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ?", trackID).
		Update("cover_url", coverURL).Error
}
