package party

import (
	"context"
	"encoding/json"

	"PartyFM/core/errs"
	"PartyFM/logger"
	"PartyFM/model"
)

// 播放控制命令。每个命令都在会话锁内完成：权限判定 -> 状态转移 ->
// 落库（失败回滚并拒绝）-> Redis 镜像（尽力而为）-> 广播 -> 循环启停。

// Play 播放。trackID 缺省时优先续播当前曲目，否则从队首取曲。
func (m *Manager) Play(ctx context.Context, eventID string, actorID int64, trackID *string, startTime *float64) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	var target *model.Track
	var fromQueue bool
	switch {
	case trackID != nil:
		target, err = m.queue.GetTrack(ctx, *trackID)
		if err != nil {
			return errs.Storagef("load track %s: %v", *trackID, err)
		}
		if target == nil {
			return errs.NotFoundf("track %s", *trackID)
		}
	case s.trackID != nil:
		// 续播当前曲目
		target = &model.Track{ID: *s.trackID, Duration: s.trackDuration}
	default:
		head, err := m.queue.Head(ctx, eventID)
		if err != nil {
			return errs.Storagef("load queue head: %v", err)
		}
		if head == nil {
			// 无可播放曲目：保持停止态，只广播停止消息
			m.broadcastPlaybackLocked(s, MsgTypeMusicStop, actorID)
			logger.Info("play requested with nothing to play",
				logger.String("event", eventID),
				logger.Int64("user", actorID))
			return nil
		}
		target, err = m.queue.GetTrack(ctx, head.TrackID)
		if err != nil {
			return errs.Storagef("load track %s: %v", head.TrackID, err)
		}
		if target == nil {
			return errs.NotFoundf("track %s", head.TrackID)
		}
		fromQueue = true
	}

	prev := s.stateCopy()
	now := m.now()
	s.applyStart(target.ID, target.Duration, startTime, now)
	if err := m.persistLocked(ctx, s); err != nil {
		s.restore(prev)
		return err
	}

	if fromQueue {
		// 曲目离开队列成为当前曲目，相关投票一并清理
		m.dequeueTrack(ctx, eventID, target.ID)
	}

	m.mirrorLocked(ctx, s, actorID)
	m.broadcastPlaybackLocked(s, MsgTypeMusicPlay, actorID)
	s.startLoopLocked(m)

	logger.Info("playback started",
		logger.String("event", eventID),
		logger.Int64("user", actorID),
		logger.String("track", target.ID))
	return nil
}

// Pause 暂停。客户端可以上报自己的实时位置，缺省用服务端推算值。
func (m *Manager) Pause(ctx context.Context, eventID string, actorID int64, currentTime *float64) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	now := m.now()
	position := s.positionAt(now)
	if currentTime != nil {
		position = *currentTime
	}

	prev := s.stateCopy()
	s.applyPause(position, now)
	if err := m.persistLocked(ctx, s); err != nil {
		s.restore(prev)
		return err
	}

	m.mirrorLocked(ctx, s, actorID)
	m.broadcastPlaybackLocked(s, MsgTypeMusicPause, actorID)
	s.stopLoopLocked()

	logger.Info("playback paused",
		logger.String("event", eventID),
		logger.Int64("user", actorID))
	return nil
}

// Seek 跳转，不改变播放/暂停状态
func (m *Manager) Seek(ctx context.Context, eventID string, actorID int64, seekTime float64) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}
	if s.trackID == nil {
		// 无曲目就无合法区间可夹，直接拒绝
		return errs.NotFoundf("no current track to seek in event %s", eventID)
	}

	prev := s.stateCopy()
	s.applySeek(seekTime, m.now())
	if err := m.persistLocked(ctx, s); err != nil {
		s.restore(prev)
		return err
	}

	m.mirrorLocked(ctx, s, actorID)
	m.broadcastPlaybackLocked(s, MsgTypeMusicSeek, actorID)
	return nil
}

// ChangeTrack 切换当前曲目，位置归零，播放/暂停状态不变
func (m *Manager) ChangeTrack(ctx context.Context, eventID string, actorID int64, trackID string) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	track, err := m.queue.GetTrack(ctx, trackID)
	if err != nil {
		return errs.Storagef("load track %s: %v", trackID, err)
	}
	if track == nil {
		return errs.NotFoundf("track %s", trackID)
	}

	prev := s.stateCopy()
	s.applyChangeTrack(track.ID, track.Duration, m.now())
	if err := m.persistLocked(ctx, s); err != nil {
		s.restore(prev)
		return err
	}

	m.mirrorLocked(ctx, s, actorID)
	m.broadcastPlaybackLocked(s, MsgTypeMusicTrackChanged, actorID)
	if s.isPlaying {
		s.startLoopLocked(m)
	}

	logger.Info("track changed",
		logger.String("event", eventID),
		logger.Int64("user", actorID),
		logger.String("track", trackID))
	return nil
}

// Skip 跳过当前曲目，从队首接续；队列为空则停止
func (m *Manager) Skip(ctx context.Context, eventID string, actorID int64) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	return m.advanceLocked(ctx, s, actorID)
}

// Stop 停止播放，清空当前曲目
func (m *Manager) Stop(ctx context.Context, eventID string, actorID int64) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	prev := s.stateCopy()
	s.applyStop(m.now())
	if err := m.persistLocked(ctx, s); err != nil {
		s.restore(prev)
		return err
	}

	m.mirrorLocked(ctx, s, actorID)
	m.broadcastPlaybackLocked(s, MsgTypeMusicStop, actorID)
	s.stopLoopLocked()

	logger.Info("playback stopped",
		logger.String("event", eventID),
		logger.Int64("user", actorID))
	return nil
}

// SetVolume 设置活动音量
func (m *Manager) SetVolume(ctx context.Context, eventID string, actorID int64, volume int) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	prevVolume := s.volume
	s.volume = volume
	if err := m.events.UpdateVolume(ctx, eventID, volume); err != nil {
		s.volume = prevVolume
		return errs.Storagef("persist volume: %v", err)
	}

	data, _ := json.Marshal(map[string]interface{}{"volume": volume})
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeMusicVolume,
		EventID: eventID,
		UserID:  actorID,
		Data:    data,
	}, EventTopic(eventID))
	return nil
}

// RequestSync 一次性同步，只发给请求方连接，对权限不设限
func (m *Manager) RequestSync(ctx context.Context, client *Client) error {
	s, err := m.registry.GetOrCreate(ctx, client.EventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	snap := s.snapshotAt(m.now())
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.hub.SendToClient(client, &WSMessage{
		Type:    MsgTypeTimeSync,
		EventID: client.EventID,
		Data:    data,
	})
}

// ========== 内部辅助 ==========

// authorize 播放控制权限判定。控制命令（播放与队列改动）在持有
// 会话锁时调用，让权限判定与状态转移处于同一临界区，
// 避免撤权后的命令仍然生效。
func (m *Manager) authorize(ctx context.Context, eventID string, actorID int64) error {
	ok, err := m.guard.CanControl(ctx, eventID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Unauthorizedf("user %d may not control playback in event %s", actorID, eventID)
	}
	return nil
}

// persistLocked 把状态定义字段写入持久层。失败时调用方必须回滚。
func (m *Manager) persistLocked(ctx context.Context, s *EventSession) error {
	if err := m.events.UpdatePlaybackSnapshot(ctx, s.EventID, s.trackID, s.storedPosition, s.isPlaying, s.lastUpdate); err != nil {
		return errs.Storagef("persist playback state: %v", err)
	}
	return nil
}

// mirrorLocked Redis 镜像是加速读路径的旁路，失败只记日志
func (m *Manager) mirrorLocked(ctx context.Context, s *EventSession, actorID int64) {
	snap := s.snapshotAt(m.now())
	snap.UpdatedBy = actorID
	if err := m.sessionCache.SetPlayback(ctx, s.EventID, snap); err != nil {
		logger.Warn("failed to mirror playback state",
			logger.ErrorField(err),
			logger.String("event", s.EventID))
	}
}

// broadcastPlaybackLocked 向活动广播组广播播放状态变化
func (m *Manager) broadcastPlaybackLocked(s *EventSession, msgType MessageType, actorID int64) {
	snap := s.snapshotAt(m.now())
	snap.UpdatedBy = actorID
	data, err := json.Marshal(snap)
	if err != nil {
		logger.Error("failed to marshal playback snapshot", logger.ErrorField(err))
		return
	}
	m.hub.Publish(&WSMessage{
		Type:    msgType,
		EventID: s.EventID,
		UserID:  actorID,
		Data:    data,
	}, EventTopic(s.EventID))
}

// advanceLocked 结束当前曲目并从队首接续。Skip 和自然播完共用。
// actorID 为 0 表示由时间同步循环触发。
func (m *Manager) advanceLocked(ctx context.Context, s *EventSession, actorID int64) error {
	head, err := m.queue.Head(ctx, s.EventID)
	if err != nil {
		return errs.Storagef("load queue head: %v", err)
	}

	prev := s.stateCopy()
	now := m.now()

	if head == nil {
		s.applyStop(now)
		if err := m.persistLocked(ctx, s); err != nil {
			s.restore(prev)
			return err
		}
		m.mirrorLocked(ctx, s, actorID)
		m.broadcastPlaybackLocked(s, MsgTypeMusicStop, actorID)
		s.stopLoopLocked()
		return nil
	}

	track, err := m.queue.GetTrack(ctx, head.TrackID)
	if err != nil {
		return errs.Storagef("load track %s: %v", head.TrackID, err)
	}
	if track == nil {
		return errs.NotFoundf("track %s", head.TrackID)
	}

	s.applyStart(track.ID, track.Duration, nil, now)
	if err := m.persistLocked(ctx, s); err != nil {
		s.restore(prev)
		return err
	}

	m.dequeueTrack(ctx, s.EventID, track.ID)
	m.mirrorLocked(ctx, s, actorID)
	m.broadcastPlaybackLocked(s, MsgTypeMusicTrackChanged, actorID)
	s.startLoopLocked(m)

	logger.Info("advanced to next track",
		logger.String("event", s.EventID),
		logger.String("track", track.ID))
	return nil
}

// dequeueTrack 曲目离开队列：删除队列项（其余位置补位）、
// 清空该曲目的全部投票并逐个通知投票人。不触碰会话状态，
// 失败不回滚已提交的播放状态，只记日志。
func (m *Manager) dequeueTrack(ctx context.Context, eventID, trackID string) {
	if err := m.queue.Remove(ctx, eventID, trackID); err != nil {
		logger.Warn("failed to remove track from queue",
			logger.ErrorField(err),
			logger.String("event", eventID),
			logger.String("track", trackID))
		return
	}

	removed, err := m.votes.DeleteAllForTrack(ctx, eventID, trackID)
	if err != nil {
		logger.Warn("failed to delete votes for dequeued track",
			logger.ErrorField(err),
			logger.String("event", eventID),
			logger.String("track", trackID))
	}
	if err := m.scoreCache.Invalidate(ctx, eventID); err != nil {
		logger.Warn("failed to invalidate score cache", logger.ErrorField(err), logger.String("event", eventID))
	}

	data, _ := json.Marshal(&QueueTrackData{TrackID: trackID})
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeQueueTrackRemoved,
		EventID: eventID,
		Data:    data,
	}, EventTopic(eventID), EventPlaylistTopic(eventID))

	for _, v := range removed {
		vd, _ := json.Marshal(&VoteChangeData{TrackID: trackID, UserID: v.UserID})
		m.hub.Publish(&WSMessage{
			Type:    MsgTypeVoteRemoved,
			EventID: eventID,
			UserID:  v.UserID,
			Data:    vd,
		}, UserTopic(v.UserID))
	}
}
