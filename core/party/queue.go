package party

import (
	"context"
	"encoding/json"
	"sort"

	"PartyFM/core/errs"
	"PartyFM/logger"
	"PartyFM/model"
)

// 队列维护。队列位置始终保持连续无重复的 1..N，
// 重排只在显式请求时发生，投票本身不移动队列。

// ReorderEntries 按净得分降序重排队列，同分曲目保持原有相对顺序。
// 纯函数：不碰存储，返回新的曲目顺序。
func ReorderEntries(entries []*model.QueueEntry, scores []model.TrackScore) []string {
	scoreOf := make(map[string]int, len(scores))
	for _, s := range scores {
		scoreOf[s.TrackID] = s.Score
	}

	sorted := make([]*model.QueueEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := scoreOf[sorted[i].TrackID], scoreOf[sorted[j].TrackID]
		if si != sj {
			return si > sj
		}
		return sorted[i].Position < sorted[j].Position
	})

	order := make([]string, len(sorted))
	for i, e := range sorted {
		order[i] = e.TrackID
	}
	return order
}

// ReorderQueue 按当前得分重排队列并广播新顺序。
// 与播放命令共用同一会话临界区，读取、改写位置不会与并发的队列增删交错。
func (m *Manager) ReorderQueue(ctx context.Context, eventID string, actorID int64) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	entries, err := m.queue.List(ctx, eventID)
	if err != nil {
		return errs.Storagef("list queue: %v", err)
	}
	if len(entries) == 0 {
		return nil
	}

	scores, err := m.TrackScores(ctx, eventID)
	if err != nil {
		return err
	}

	order := ReorderEntries(entries, scores)
	if err := m.queue.RewritePositions(ctx, eventID, order); err != nil {
		return errs.Storagef("rewrite queue positions: %v", err)
	}

	data, _ := json.Marshal(&QueueReorderedData{
		TrackOrder:  order,
		TrackScores: scores,
	})
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeQueueReordered,
		EventID: eventID,
		UserID:  actorID,
		Data:    data,
	}, EventTopic(eventID), EventPlaylistTopic(eventID))

	logger.Info("queue reordered",
		logger.String("event", eventID),
		logger.Int64("user", actorID),
		logger.Int("tracks", len(order)))
	return nil
}

// AddTrackToQueue 追加曲目到队尾。曲目元数据不存在时先落库。
func (m *Manager) AddTrackToQueue(ctx context.Context, eventID string, userID int64, track *model.Track) (*model.QueueEntry, error) {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := m.queue.Get(ctx, eventID, track.ID)
	if err != nil {
		return nil, errs.Storagef("load queue entry: %v", err)
	}
	if existing != nil {
		return nil, errs.Conflictf("track %s is already queued in event %s", track.ID, eventID)
	}

	stored, err := m.queue.GetTrack(ctx, track.ID)
	if err != nil {
		return nil, errs.Storagef("load track: %v", err)
	}
	if stored == nil {
		track.AddedBy = userID
		if err := m.queue.CreateTrack(ctx, track); err != nil {
			return nil, errs.Storagef("create track: %v", err)
		}
	}

	entry, err := m.queue.Append(ctx, eventID, track.ID)
	if err != nil {
		return nil, errs.Storagef("append to queue: %v", err)
	}

	data, _ := json.Marshal(&QueueTrackData{TrackID: track.ID, Position: entry.Position})
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeQueueTrackAdded,
		EventID: eventID,
		UserID:  userID,
		Data:    data,
	}, EventTopic(eventID), EventPlaylistTopic(eventID))

	logger.Info("track queued",
		logger.String("event", eventID),
		logger.Int64("user", userID),
		logger.String("track", track.ID),
		logger.Int("position", entry.Position))
	return entry, nil
}

// RemoveTrackFromQueue 把曲目移出队列，其余位置自动补位，相关投票一并清理
func (m *Manager) RemoveTrackFromQueue(ctx context.Context, eventID string, actorID int64, trackID string) error {
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.authorize(ctx, eventID, actorID); err != nil {
		return err
	}

	entry, err := m.queue.Get(ctx, eventID, trackID)
	if err != nil {
		return errs.Storagef("load queue entry: %v", err)
	}
	if entry == nil {
		return errs.NotFoundf("track %s is not in the queue of event %s", trackID, eventID)
	}

	m.dequeueTrack(ctx, eventID, trackID)
	return nil
}

// QueueEntries 列出活动队列（按位置升序）
func (m *Manager) QueueEntries(ctx context.Context, eventID string) ([]*model.QueueEntry, error) {
	entries, err := m.queue.List(ctx, eventID)
	if err != nil {
		return nil, errs.Storagef("list queue: %v", err)
	}
	return entries, nil
}
