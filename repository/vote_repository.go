package repository

import (
	"context"
	"errors"

	"PartyFM/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrDuplicateVote (eventId, userId, trackId) 已有投票，
// 由唯一索引兜住并发的重复写入
var ErrDuplicateVote = errors.New("duplicate vote")

// VoteRepository 投票账本数据访问接口
type VoteRepository interface {
	Create(ctx context.Context, vote *model.Vote) error
	Get(ctx context.Context, eventID string, userID int64, trackID string) (*model.Vote, error)
	Delete(ctx context.Context, eventID string, userID int64, trackID string) error
	// DeleteAllForTrack 删除引用该曲目的全部投票并返回被删行，
	// 以便逐个通知每个投票者
	DeleteAllForTrack(ctx context.Context, eventID, trackID string) ([]*model.Vote, error)
	ListForEvent(ctx context.Context, eventID string) ([]*model.Vote, error)
	ListForTrack(ctx context.Context, eventID, trackID string) ([]*model.Vote, error)
}

// gormVoteRepository GORM 实现
type gormVoteRepository struct {
	db *gorm.DB
}

// NewGormVoteRepository 创建 GORM 投票仓库
func NewGormVoteRepository(db *gorm.DB) VoteRepository {
	return &gormVoteRepository{db: db}
}

// Create 写入一条投票，(eventId, userId, trackId) 唯一索引兜底
func (r *gormVoteRepository) Create(ctx context.Context, vote *model.Vote) error {
	if err := r.db.WithContext(ctx).Create(vote).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateVote
		}
		return err
	}
	return nil
}

// isDuplicateKey 识别唯一索引冲突（GORM 翻译过的或原生 MySQL 1062）
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// Get 查询指定三元组的投票
func (r *gormVoteRepository) Get(ctx context.Context, eventID string, userID int64, trackID string) (*model.Vote, error) {
	var vote model.Vote
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ? AND track_id = ?", eventID, userID, trackID).
		First(&vote).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &vote, nil
}

// Delete 删除指定三元组的投票
func (r *gormVoteRepository) Delete(ctx context.Context, eventID string, userID int64, trackID string) error {
	return r.db.WithContext(ctx).
		Where("event_id = ? AND user_id = ? AND track_id = ?", eventID, userID, trackID).
		Delete(&model.Vote{}).Error
}

// DeleteAllForTrack 删除曲目的全部投票并返回被删行
func (r *gormVoteRepository) DeleteAllForTrack(ctx context.Context, eventID, trackID string) ([]*model.Vote, error) {
	var removed []*model.Vote
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ? AND track_id = ?", eventID, trackID).
			Find(&removed).Error; err != nil {
			return err
		}
		return tx.Where("event_id = ? AND track_id = ?", eventID, trackID).
			Delete(&model.Vote{}).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ListForEvent 返回活动的全部投票
func (r *gormVoteRepository) ListForEvent(ctx context.Context, eventID string) ([]*model.Vote, error) {
	var votes []*model.Vote
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Find(&votes).Error
	return votes, err
}

// ListForTrack 返回曲目的全部投票
func (r *gormVoteRepository) ListForTrack(ctx context.Context, eventID, trackID string) ([]*model.Vote, error) {
	var votes []*model.Vote
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND track_id = ?", eventID, trackID).
		Find(&votes).Error
	return votes, err
}
