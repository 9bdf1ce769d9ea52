package party

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"PartyFM/core/errs"
	"PartyFM/logger"
	"PartyFM/model"
	"PartyFM/repository"
)

// 投票台账。(活动, 用户, 曲目) 唯一，改方向必须先撤再投；
// 投票只改变队列的排序依据，不会直接移动队列。

// Vote 给队列中的曲目投票
func (m *Manager) Vote(ctx context.Context, eventID string, userID int64, trackID, voteType string, weight int) error {
	if voteType != model.VoteTypeUp && voteType != model.VoteTypeDown {
		return errs.Validationf("invalid vote type %q", voteType)
	}
	if weight < 1 {
		return errs.Validationf("vote weight must be at least 1")
	}

	entry, err := m.queue.Get(ctx, eventID, trackID)
	if err != nil {
		return errs.Storagef("load queue entry: %v", err)
	}
	if entry == nil {
		return errs.NotFoundf("track %s is not in the queue of event %s", trackID, eventID)
	}

	existing, err := m.votes.Get(ctx, eventID, userID, trackID)
	if err != nil {
		return errs.Storagef("load vote: %v", err)
	}
	if existing != nil {
		return errs.Conflictf("user %d already voted for track %s, remove the vote first", userID, trackID)
	}

	vote := &model.Vote{
		EventID:   eventID,
		UserID:    userID,
		TrackID:   trackID,
		Type:      voteType,
		Weight:    weight,
		CreatedAt: time.Now(),
	}
	if err := m.votes.Create(ctx, vote); err != nil {
		// 预检不挡并发写入，唯一索引的拒绝同样算重复投票
		if errors.Is(err, repository.ErrDuplicateVote) {
			return errs.Conflictf("user %d already voted for track %s, remove the vote first", userID, trackID)
		}
		return errs.Storagef("create vote: %v", err)
	}

	if err := m.scoreCache.Invalidate(ctx, eventID); err != nil {
		logger.Warn("failed to invalidate score cache", logger.ErrorField(err), logger.String("event", eventID))
	}

	data, _ := json.Marshal(&VoteChangeData{
		TrackID: trackID,
		UserID:  userID,
		Type:    voteType,
		Weight:  weight,
	})
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeVoteUpdated,
		EventID: eventID,
		UserID:  userID,
		Data:    data,
	}, EventTopic(eventID), EventPlaylistTopic(eventID))

	m.broadcastTrackScore(ctx, eventID, trackID)

	logger.Info("vote recorded",
		logger.String("event", eventID),
		logger.Int64("user", userID),
		logger.String("track", trackID),
		logger.String("type", voteType))
	return nil
}

// RemoveVote 撤回自己对某曲目的投票
func (m *Manager) RemoveVote(ctx context.Context, eventID string, userID int64, trackID string) error {
	existing, err := m.votes.Get(ctx, eventID, userID, trackID)
	if err != nil {
		return errs.Storagef("load vote: %v", err)
	}
	if existing == nil {
		return errs.NotFoundf("user %d has no vote for track %s", userID, trackID)
	}

	if err := m.votes.Delete(ctx, eventID, userID, trackID); err != nil {
		return errs.Storagef("delete vote: %v", err)
	}

	if err := m.scoreCache.Invalidate(ctx, eventID); err != nil {
		logger.Warn("failed to invalidate score cache", logger.ErrorField(err), logger.String("event", eventID))
	}

	data, _ := json.Marshal(&VoteChangeData{TrackID: trackID, UserID: userID})
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeVoteRemoved,
		EventID: eventID,
		UserID:  userID,
		Data:    data,
	}, EventTopic(eventID), EventPlaylistTopic(eventID))

	m.broadcastTrackScore(ctx, eventID, trackID)

	logger.Info("vote removed",
		logger.String("event", eventID),
		logger.Int64("user", userID),
		logger.String("track", trackID))
	return nil
}

// TrackScores 活动内全部曲目的净得分，优先走缓存
func (m *Manager) TrackScores(ctx context.Context, eventID string) ([]model.TrackScore, error) {
	if cached, err := m.scoreCache.Get(ctx, eventID); err == nil && cached != nil {
		return cached, nil
	}

	votes, err := m.votes.ListForEvent(ctx, eventID)
	if err != nil {
		return nil, errs.Storagef("list votes: %v", err)
	}

	scores := aggregateScores(votes)
	if err := m.scoreCache.Set(ctx, eventID, scores); err != nil {
		logger.Warn("failed to cache track scores", logger.ErrorField(err), logger.String("event", eventID))
	}
	return scores, nil
}

// aggregateScores 聚合投票为每曲目得分。顺序跟随首次出现的曲目。
func aggregateScores(votes []*model.Vote) []model.TrackScore {
	index := make(map[string]int)
	scores := make([]model.TrackScore, 0)

	for _, v := range votes {
		i, ok := index[v.TrackID]
		if !ok {
			i = len(scores)
			index[v.TrackID] = i
			scores = append(scores, model.TrackScore{TrackID: v.TrackID})
		}
		switch v.Type {
		case model.VoteTypeUp:
			scores[i].Upvotes += v.Weight
			scores[i].Score += v.Weight
		case model.VoteTypeDown:
			scores[i].Downvotes += v.Weight
			scores[i].Score -= v.Weight
		}
	}
	return scores
}

// broadcastTrackScore 单曲目得分变更广播
func (m *Manager) broadcastTrackScore(ctx context.Context, eventID, trackID string) {
	votes, err := m.votes.ListForTrack(ctx, eventID, trackID)
	if err != nil {
		logger.Warn("failed to load track votes for broadcast",
			logger.ErrorField(err),
			logger.String("event", eventID),
			logger.String("track", trackID))
		return
	}

	score := model.TrackScore{TrackID: trackID}
	for _, v := range votes {
		switch v.Type {
		case model.VoteTypeUp:
			score.Upvotes += v.Weight
			score.Score += v.Weight
		case model.VoteTypeDown:
			score.Downvotes += v.Weight
			score.Score -= v.Weight
		}
	}

	data, err := json.Marshal(&score)
	if err != nil {
		return
	}
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeTrackVotesChanged,
		EventID: eventID,
		Data:    data,
	}, EventTopic(eventID), EventPlaylistTopic(eventID))
}
