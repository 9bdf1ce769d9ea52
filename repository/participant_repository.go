package repository

import (
	"context"

	"PartyFM/model"

	"gorm.io/gorm"
)

// ParticipantRepository 参与者/角色数据访问接口
type ParticipantRepository interface {
	Add(ctx context.Context, p *model.Participant) error
	Get(ctx context.Context, eventID string, userID int64) (*model.Participant, error)
	UpdateRole(ctx context.Context, eventID string, userID int64, role string) error
	Remove(ctx context.Context, eventID string, userID int64) error
	ListActive(ctx context.Context, eventID string) ([]*model.Participant, error)
}

// gormParticipantRepository GORM 实现
type gormParticipantRepository struct {
	db *gorm.DB
}

// NewGormParticipantRepository 创建 GORM 参与者仓库
func NewGormParticipantRepository(db *gorm.DB) ParticipantRepository {
	return &gormParticipantRepository{db: db}
}

// Add 添加参与者
func (r *gormParticipantRepository) Add(ctx context.Context, p *model.Participant) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// Get 获取参与者（未离开的）
func (r *gormParticipantRepository) Get(ctx context.Context, eventID string, userID int64) (*model.Participant, error) {
	var p model.Participant
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ? AND left_at IS NULL", eventID, userID).
		First(&p).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// UpdateRole 更新角色
func (r *gormParticipantRepository) UpdateRole(ctx context.Context, eventID string, userID int64, role string) error {
	return r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("event_id = ? AND user_id = ? AND left_at IS NULL", eventID, userID).
		Update("role", role).Error
}

// Remove 移除参与者（软删除，设置离开时间）
func (r *gormParticipantRepository) Remove(ctx context.Context, eventID string, userID int64) error {
	return r.db.WithContext(ctx).Model(&model.Participant{}).
		Where("event_id = ? AND user_id = ? AND left_at IS NULL", eventID, userID).
		Update("left_at", gorm.Expr("NOW()")).Error
}

// ListActive 获取当前参与者列表
func (r *gormParticipantRepository) ListActive(ctx context.Context, eventID string) ([]*model.Participant, error) {
	var ps []*model.Participant
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND left_at IS NULL", eventID).
		Order("joined_at ASC").
		Find(&ps).Error
	return ps, err
}
