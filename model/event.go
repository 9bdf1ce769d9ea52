package model

import "time"

// Event 听歌活动。播放快照字段（current_track_id / current_position /
// is_playing / last_position_update）与内存中的会话同步落库，
// 进程重启后可以仅凭这些字段重建会话。
type Event struct {
	ID          string     `json:"id" gorm:"primaryKey;size:8"`
	Name        string     `json:"name" gorm:"size:100;not null"`
	CreatorID   int64      `json:"creatorId" gorm:"index;not null"`
	Status      string     `json:"status" gorm:"size:20;default:'active';index"` // active, ended
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	// 播放快照
	CurrentTrackID     *string   `json:"currentTrackId,omitempty" gorm:"size:64"`
	CurrentPosition    float64   `json:"currentPosition" gorm:"default:0"` // 秒
	IsPlaying          bool      `json:"isPlaying" gorm:"default:false"`
	LastPositionUpdate time.Time `json:"lastPositionUpdate"`
	Volume             int       `json:"volume" gorm:"default:100"`
}

// TableName 指定表名
func (Event) TableName() string {
	return "events"
}

// Participant 活动参与者及其角色
type Participant struct {
	ID       int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	EventID  string     `json:"eventId" gorm:"size:8;uniqueIndex:uq_event_user;not null"`
	UserID   int64      `json:"userId" gorm:"uniqueIndex:uq_event_user;index;not null"`
	Role     string     `json:"role" gorm:"size:20;default:'participant'"` // creator, admin, collaborator, participant
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// TableName 指定表名
func (Participant) TableName() string {
	return "event_participants"
}

// DelegationGrant 播放控制委托。
// 委托人(owner)把控制权临时授予 delegate，到期自动失效。
type DelegationGrant struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID    int64     `json:"ownerId" gorm:"index;not null"`
	DelegateID int64     `json:"delegateId" gorm:"index;not null"`
	ExpiresAt  time.Time `json:"expiresAt" gorm:"index;not null"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName 指定表名
func (DelegationGrant) TableName() string {
	return "delegation_grants"
}

// Track 曲目元数据
type Track struct {
	ID       string  `json:"id" gorm:"primaryKey;size:64"`
	Title    string  `json:"title" gorm:"size:255;not null"`
	Artist   string  `json:"artist" gorm:"size:255"`
	Duration float64 `json:"duration" gorm:"not null"` // 秒
	CoverURL string  `json:"coverUrl,omitempty" gorm:"size:512"`
	AddedBy  int64   `json:"addedBy"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}

// QueueEntry 活动队列中的一条曲目。
// 不变式：每次变更后 position 构成连续无重复的 1..N。
type QueueEntry struct {
	ID       int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	EventID  string `json:"eventId" gorm:"size:8;uniqueIndex:uq_event_track;index;not null"`
	TrackID  string `json:"trackId" gorm:"size:64;uniqueIndex:uq_event_track;not null"`
	Position int    `json:"position" gorm:"not null"` // 1-based
}

// TableName 指定表名
func (QueueEntry) TableName() string {
	return "queue_entries"
}

// Vote 一条投票。(eventId, userId, trackId) 唯一；
// 改变方向必须先删再加，不做原地更新。
type Vote struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	EventID   string    `json:"eventId" gorm:"size:8;uniqueIndex:uq_event_user_track;not null"`
	UserID    int64     `json:"userId" gorm:"uniqueIndex:uq_event_user_track;not null"`
	TrackID   string    `json:"trackId" gorm:"size:64;uniqueIndex:uq_event_user_track;index;not null"`
	Type      string    `json:"type" gorm:"size:10;not null"` // upvote, downvote
	Weight    int       `json:"weight" gorm:"default:1;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Vote) TableName() string {
	return "votes"
}

// ========== 非持久化结构（用于 Redis 和 WebSocket） ==========

// PlaybackSnapshot 播放状态快照（Redis 镜像 / time-sync 广播）
type PlaybackSnapshot struct {
	TrackID       *string `json:"trackId"`
	Position      float64 `json:"position"` // 秒
	IsPlaying     bool    `json:"isPlaying"`
	TrackDuration float64 `json:"trackDuration"`
	UpdatedAt     int64   `json:"updatedAt"` // 时间戳毫秒
	UpdatedBy     int64   `json:"updatedBy,omitempty"`
}

// TrackScore 一条曲目的净得分
type TrackScore struct {
	TrackID   string `json:"trackId"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`
	Score     int    `json:"score"`
}

// EventInfo 活动完整信息（API 响应用）
type EventInfo struct {
	Event
	CreatorName string  `json:"creatorName"`
	OnlineCount int64   `json:"onlineCount"`
	OnlineUsers []int64 `json:"onlineUsers,omitempty"`
}

// ========== 常量定义 ==========

const (
	// 活动状态
	EventStatusActive = "active"
	EventStatusEnded  = "ended"

	// 参与者角色
	RoleCreator      = "creator"
	RoleAdmin        = "admin"
	RoleCollaborator = "collaborator"
	RoleParticipant  = "participant"

	// 投票方向
	VoteTypeUp   = "upvote"
	VoteTypeDown = "downvote"
)
