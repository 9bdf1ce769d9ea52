package party

import (
	"context"
	"encoding/json"
	"time"

	"PartyFM/logger"
)

// 时间同步循环。每个活动最多一个循环，播放中且有订阅者时运行，
// 每秒向活动广播组推送一次权威位置，并负责检测曲目自然播完。

const timeSyncInterval = time.Second

// syncLoop 循环句柄。会话换代（停播后重新播放）会生成新句柄，
// 旧 goroutine 用句柄比对发现自己已被替换后自行退出。
type syncLoop struct {
	done chan struct{}
}

// startLoopLocked 启动时间同步循环，已在运行时为幂等空操作。
// 必须持有 s.mu。
func (s *EventSession) startLoopLocked(m *Manager) {
	if s.loop != nil {
		return
	}
	l := &syncLoop{done: make(chan struct{})}
	s.loop = l
	go m.runSyncLoop(s, l)

	logger.Debug("time sync loop started", logger.String("event", s.EventID))
}

// stopLoopLocked 停止时间同步循环，未在运行时为幂等空操作。
// 必须持有 s.mu。
func (s *EventSession) stopLoopLocked() {
	if s.loop == nil {
		return
	}
	close(s.loop.done)
	s.loop = nil

	logger.Debug("time sync loop stopped", logger.String("event", s.EventID))
}

// runSyncLoop 循环主体。崩溃只终止本活动的循环，不影响其他活动。
func (m *Manager) runSyncLoop(s *EventSession, l *syncLoop) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("time sync loop panicked",
				logger.String("event", s.EventID),
				logger.Any("panic", r))
			s.mu.Lock()
			if s.loop == l {
				s.loop = nil
			}
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(timeSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			m.syncTick(s, l)
		}
	}
}

// syncTick 一次同步节拍：广播权威位置，曲目播完则接续下一首
func (m *Manager) syncTick(s *EventSession, l *syncLoop) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	// 句柄换代后旧 goroutine 不再有写状态的资格
	if s.loop != l {
		return
	}
	if !s.isPlaying {
		s.stopLoopLocked()
		return
	}

	now := m.now()
	if s.trackEndedAt(now) {
		snap := s.snapshotAt(now)
		if data, err := json.Marshal(snap); err == nil {
			m.hub.Publish(&WSMessage{
				Type:    MsgTypeTrackEnded,
				EventID: s.EventID,
				Data:    data,
			}, EventTopic(s.EventID))
		}
		if err := m.advanceLocked(ctx, s, 0); err != nil {
			logger.Warn("failed to advance after track end",
				logger.ErrorField(err),
				logger.String("event", s.EventID))
		}
		return
	}

	snap := s.snapshotAt(now)
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeTimeSync,
		EventID: s.EventID,
		Data:    data,
	}, EventTopic(s.EventID))
}
