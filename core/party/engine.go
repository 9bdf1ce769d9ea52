package party

import (
	"time"

	"PartyFM/model"
)

// 播放状态机的纯内存转移。调用方负责：持有会话锁、
// 在提交转移前完成状态定义字段的落库、转移后发广播。

// positionAt 位置公式，所有读者共用：
// 暂停/停止时 position == storedPosition；
// 播放时 position = storedPosition + (now - lastUpdate)，夹在 [0, trackDuration]。
// 必须持有 s.mu。
func (s *EventSession) positionAt(now time.Time) float64 {
	if !s.isPlaying {
		return s.storedPosition
	}
	pos := s.storedPosition + now.Sub(s.lastUpdate).Seconds()
	if pos < 0 {
		pos = 0
	}
	if s.trackDuration > 0 && pos > s.trackDuration {
		pos = s.trackDuration
	}
	return pos
}

// clampPosition 把任意输入夹到当前曲目的合法区间
func (s *EventSession) clampPosition(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if s.trackDuration > 0 && pos > s.trackDuration {
		return s.trackDuration
	}
	return pos
}

// applyStart 进入 Playing。曲目变化时位置归零，否则从存量位置续播。
// 必须持有 s.mu。
func (s *EventSession) applyStart(trackID string, duration float64, startTime *float64, now time.Time) {
	changed := s.trackID == nil || *s.trackID != trackID
	s.trackID = &trackID
	s.trackDuration = duration
	if changed {
		s.storedPosition = 0
	}
	if startTime != nil {
		s.storedPosition = s.clampPosition(*startTime)
	}
	s.isPlaying = true
	s.lastUpdate = now
}

// applyPause 快照实时位置后进入 Paused。必须持有 s.mu。
func (s *EventSession) applyPause(position float64, now time.Time) {
	s.storedPosition = s.clampPosition(position)
	s.isPlaying = false
	s.lastUpdate = now
}

// applySeek 跳转，播放/暂停状态不变。必须持有 s.mu。
func (s *EventSession) applySeek(position float64, now time.Time) {
	s.storedPosition = s.clampPosition(position)
	s.lastUpdate = now
}

// applyChangeTrack 切换曲目，位置归零，播放/暂停状态不变。必须持有 s.mu。
func (s *EventSession) applyChangeTrack(trackID string, duration float64, now time.Time) {
	s.trackID = &trackID
	s.trackDuration = duration
	s.storedPosition = 0
	s.lastUpdate = now
}

// applyStop 进入 Stopped。必须持有 s.mu。
func (s *EventSession) applyStop(now time.Time) {
	s.trackID = nil
	s.trackDuration = 0
	s.storedPosition = 0
	s.isPlaying = false
	s.lastUpdate = now
}

// snapshotAt 生成当前状态的广播/落库快照。必须持有 s.mu。
func (s *EventSession) snapshotAt(now time.Time) *model.PlaybackSnapshot {
	return &model.PlaybackSnapshot{
		TrackID:       s.trackID,
		Position:      s.positionAt(now),
		IsPlaying:     s.isPlaying,
		TrackDuration: s.trackDuration,
		UpdatedAt:     now.UnixMilli(),
	}
}

// sessionState 可回滚的状态字段副本
type sessionState struct {
	trackID        *string
	isPlaying      bool
	storedPosition float64
	lastUpdate     time.Time
	trackDuration  float64
	volume         int
}

// stateCopy 复制状态字段，用于持久化失败时回滚。必须持有 s.mu。
func (s *EventSession) stateCopy() sessionState {
	return sessionState{
		trackID:        s.trackID,
		isPlaying:      s.isPlaying,
		storedPosition: s.storedPosition,
		lastUpdate:     s.lastUpdate,
		trackDuration:  s.trackDuration,
		volume:         s.volume,
	}
}

// restore 回滚到先前副本。必须持有 s.mu。
func (s *EventSession) restore(prev sessionState) {
	s.trackID = prev.trackID
	s.isPlaying = prev.isPlaying
	s.storedPosition = prev.storedPosition
	s.lastUpdate = prev.lastUpdate
	s.trackDuration = prev.trackDuration
	s.volume = prev.volume
}

// trackEndedAt 判断播放中的曲目是否已到末尾。必须持有 s.mu。
func (s *EventSession) trackEndedAt(now time.Time) bool {
	return s.isPlaying && s.trackID != nil && s.trackDuration > 0 &&
		s.positionAt(now) >= s.trackDuration
}
