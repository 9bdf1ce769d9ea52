package party

import (
	"encoding/json"
	"math"

	"PartyFM/core/errs"
	"PartyFM/model"
)

// MessageType 消息类型
type MessageType string

const (
	// 系统消息
	MsgTypeJoin  MessageType = "join"  // 加入活动
	MsgTypeLeave MessageType = "leave" // 离开活动
	MsgTypeError MessageType = "error" // 错误消息（仅发给出错的连接）
	MsgTypePing  MessageType = "ping"  // 心跳
	MsgTypePong  MessageType = "pong"  // 心跳响应

	// 播放控制命令（客户端 -> 服务端）
	MsgTypePlay         MessageType = "play"          // 播放
	MsgTypePause        MessageType = "pause"         // 暂停
	MsgTypeSeek         MessageType = "seek"          // 跳转
	MsgTypeChangeTrack  MessageType = "change-track"  // 切换曲目
	MsgTypeSkip         MessageType = "skip"          // 跳过当前曲目
	MsgTypeStop         MessageType = "stop"          // 停止
	MsgTypeSetVolume    MessageType = "set-volume"    // 音量
	MsgTypeVote         MessageType = "vote"          // 投票
	MsgTypeRemoveVote   MessageType = "remove-vote"   // 撤票
	MsgTypeRequestSync  MessageType = "request-sync"  // 请求一次性同步
	MsgTypeReorderQueue MessageType = "reorder-queue" // 按得分重排队列

	// 播放广播（服务端 -> 客户端）
	MsgTypeMusicPlay         MessageType = "music-play"
	MsgTypeMusicPause        MessageType = "music-pause"
	MsgTypeMusicSeek         MessageType = "music-seek"
	MsgTypeMusicStop         MessageType = "music-stop"
	MsgTypeMusicTrackChanged MessageType = "music-track-changed"
	MsgTypeMusicVolume       MessageType = "music-volume-changed"
	MsgTypeTrackEnded        MessageType = "track-ended"
	MsgTypeTimeSync          MessageType = "time-sync"

	// 投票与队列广播
	MsgTypeVoteUpdated       MessageType = "vote-updated"
	MsgTypeVoteRemoved       MessageType = "vote-removed"
	MsgTypeQueueReordered    MessageType = "queue-reordered"
	MsgTypeTrackVotesChanged MessageType = "track-votes-changed"
	MsgTypeQueueTrackAdded   MessageType = "queue-track-added"
	MsgTypeQueueTrackRemoved MessageType = "queue-track-removed"

	// 活动与授权广播
	MsgTypeEventEnded        MessageType = "event-ended"
	MsgTypeDelegationGranted MessageType = "delegation-granted"
	MsgTypeDelegationRevoked MessageType = "delegation-revoked"
	MsgTypeRoleUpdated       MessageType = "role-updated"
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	EventID   string          `json:"eventId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ========== 命令负载（封闭联合，进入引擎前在边界校验） ==========

// PlayData 播放命令数据
type PlayData struct {
	TrackID   *string  `json:"trackId,omitempty"`
	StartTime *float64 `json:"startTime,omitempty"` // 秒
}

// Validate 校验播放命令
func (d *PlayData) Validate() error {
	if d.StartTime != nil && !validSeconds(*d.StartTime) {
		return errs.Validationf("invalid startTime: %v", *d.StartTime)
	}
	return nil
}

// PauseData 暂停命令数据
type PauseData struct {
	CurrentTime *float64 `json:"currentTime,omitempty"` // 秒
}

// Validate 校验暂停命令
func (d *PauseData) Validate() error {
	if d.CurrentTime != nil && !validSeconds(*d.CurrentTime) {
		return errs.Validationf("invalid currentTime: %v", *d.CurrentTime)
	}
	return nil
}

// SeekData 跳转命令数据
type SeekData struct {
	SeekTime float64 `json:"seekTime"` // 秒
}

// Validate 校验跳转命令
func (d *SeekData) Validate() error {
	if !validSeconds(d.SeekTime) {
		return errs.Validationf("invalid seekTime: %v", d.SeekTime)
	}
	return nil
}

// ChangeTrackData 切换曲目命令数据
type ChangeTrackData struct {
	TrackID string `json:"trackId"`
}

// Validate 校验切换曲目命令
func (d *ChangeTrackData) Validate() error {
	if d.TrackID == "" {
		return errs.Validationf("trackId is required")
	}
	return nil
}

// SetVolumeData 音量命令数据
type SetVolumeData struct {
	Volume int `json:"volume"` // 0-100
}

// Validate 校验音量命令
func (d *SetVolumeData) Validate() error {
	if d.Volume < 0 || d.Volume > 100 {
		return errs.Validationf("volume out of range: %d", d.Volume)
	}
	return nil
}

// VoteData 投票命令数据
type VoteData struct {
	TrackID string `json:"trackId"`
	Type    string `json:"type"`             // upvote, downvote
	Weight  int    `json:"weight,omitempty"` // 缺省为 1
}

// Validate 校验投票命令。权重视为调用方提供的不透明正整数。
func (d *VoteData) Validate() error {
	if d.TrackID == "" {
		return errs.Validationf("trackId is required")
	}
	if d.Type != model.VoteTypeUp && d.Type != model.VoteTypeDown {
		return errs.Validationf("invalid vote type: %s", d.Type)
	}
	if d.Weight < 0 {
		return errs.Validationf("invalid vote weight: %d", d.Weight)
	}
	return nil
}

// RemoveVoteData 撤票命令数据
type RemoveVoteData struct {
	TrackID string `json:"trackId"`
}

// Validate 校验撤票命令
func (d *RemoveVoteData) Validate() error {
	if d.TrackID == "" {
		return errs.Validationf("trackId is required")
	}
	return nil
}

// ========== 广播负载 ==========

// ErrorData 错误负载，只发给出错的连接
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

// QueueReorderedData 队列重排广播数据
type QueueReorderedData struct {
	TrackOrder  []string           `json:"trackOrder"`
	TrackScores []model.TrackScore `json:"trackScores"`
}

// VoteChangeData 单条投票变更广播数据
type VoteChangeData struct {
	TrackID string `json:"trackId"`
	UserID  int64  `json:"userId"`
	Type    string `json:"type,omitempty"`
	Weight  int    `json:"weight,omitempty"`
}

// QueueTrackData 队列增删广播数据
type QueueTrackData struct {
	TrackID  string `json:"trackId"`
	Position int    `json:"position,omitempty"`
}

func validSeconds(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// decodePayload 处理前端双重序列化的 data 字段后解码
func decodePayload(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if data[0] == '"' {
		var decoded string
		if err := json.Unmarshal(data, &decoded); err == nil {
			data = json.RawMessage(decoded)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Validationf("malformed payload: %v", err)
	}
	return nil
}
