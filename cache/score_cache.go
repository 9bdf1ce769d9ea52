package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PartyFM/model"

	"github.com/go-redis/redis/v8"
)

const (
	eventScoresKey = "event:%s:track_scores" // String: []TrackScore JSON
	scoresTTL      = 10 * time.Minute
)

// ScoreCache 曲目得分缓存。
// 得分按需从投票表计算，这里只是读缓存；任何一次投票/撤票都必须失效。
type ScoreCache struct {
	client *redis.Client
}

// NewScoreCache 创建得分缓存
func NewScoreCache() *ScoreCache {
	return &ScoreCache{client: RedisClient}
}

// Set 写入一个活动的全部曲目得分
func (c *ScoreCache) Set(ctx context.Context, eventID string, scores []model.TrackScore) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("failed to marshal track scores: %w", err)
	}
	return c.client.Set(ctx, fmt.Sprintf(eventScoresKey, eventID), data, scoresTTL).Err()
}

// Get 读取缓存的得分，未命中返回 nil
func (c *ScoreCache) Get(ctx context.Context, eventID string) ([]model.TrackScore, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, fmt.Sprintf(eventScoresKey, eventID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var scores []model.TrackScore
	if err := json.Unmarshal([]byte(data), &scores); err != nil {
		return nil, err
	}
	return scores, nil
}

// Invalidate 失效一个活动的得分缓存
func (c *ScoreCache) Invalidate(ctx context.Context, eventID string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, fmt.Sprintf(eventScoresKey, eventID)).Err()
}
