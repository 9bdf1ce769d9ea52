package repository

import (
	"context"
	"time"

	"PartyFM/model"

	"gorm.io/gorm"
)

// DelegationRepository 委托授权存取接口
type DelegationRepository interface {
	// GetActiveGrant 返回 owner 授予 delegate 的未过期授权，不存在返回 nil
	GetActiveGrant(ctx context.Context, ownerID, delegateID int64, now time.Time) (*model.DelegationGrant, error)
	Grant(ctx context.Context, grant *model.DelegationGrant) error
	Revoke(ctx context.Context, ownerID, delegateID int64) error
}

// gormDelegationRepository GORM 实现
type gormDelegationRepository struct {
	db *gorm.DB
}

// NewGormDelegationRepository 创建 GORM 委托仓库
func NewGormDelegationRepository(db *gorm.DB) DelegationRepository {
	return &gormDelegationRepository{db: db}
}

// GetActiveGrant 按时间戳比较判定有效性，不依赖显式取消消息
func (r *gormDelegationRepository) GetActiveGrant(ctx context.Context, ownerID, delegateID int64, now time.Time) (*model.DelegationGrant, error) {
	var grant model.DelegationGrant
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND delegate_id = ? AND expires_at > ?", ownerID, delegateID, now).
		Order("expires_at DESC").
		First(&grant).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &grant, nil
}

// Grant 写入一条新授权。同一对用户允许多条并存，判定时取最晚到期的
func (r *gormDelegationRepository) Grant(ctx context.Context, grant *model.DelegationGrant) error {
	return r.db.WithContext(ctx).Create(grant).Error
}

// Revoke 立即撤销授权
func (r *gormDelegationRepository) Revoke(ctx context.Context, ownerID, delegateID int64) error {
	return r.db.WithContext(ctx).
		Where("owner_id = ? AND delegate_id = ?", ownerID, delegateID).
		Delete(&model.DelegationGrant{}).Error
}
