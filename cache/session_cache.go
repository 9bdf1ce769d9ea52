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
	eventPlaybackKey = "event:%s:playback"     // String: PlaybackSnapshot JSON
	eventPresenceKey = "event:%s:presence:%d"  // String: 用户心跳 key
	eventOnlineSet   = "event:%s:online_users" // Set: 在线用户集合
	eventTTL         = 24 * time.Hour
	presenceTTL      = 60 * time.Second
)

// SessionCache 活动播放状态与在线状态的 Redis 镜像。
// 镜像是尽力而为的：写失败只记日志，权威数据始终在数据库和内存会话里。
type SessionCache struct {
	client *redis.Client
}

// NewSessionCache 创建会话缓存
func NewSessionCache() *SessionCache {
	return &SessionCache{client: RedisClient}
}

// ========== 播放快照 ==========

// SetPlayback 写入播放快照
func (c *SessionCache) SetPlayback(ctx context.Context, eventID string, snap *model.PlaybackSnapshot) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(eventPlaybackKey, eventID)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal playback snapshot: %w", err)
	}
	return c.client.Set(ctx, key, data, eventTTL).Err()
}

// GetPlayback 读取播放快照，不存在时返回 nil
func (c *SessionCache) GetPlayback(ctx context.Context, eventID string) (*model.PlaybackSnapshot, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	key := fmt.Sprintf(eventPlaybackKey, eventID)
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var snap model.PlaybackSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ========== 在线状态 ==========

// UpdateUserPresence 刷新用户心跳
func (c *SessionCache) UpdateUserPresence(ctx context.Context, eventID string, userID int64) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(eventPresenceKey, eventID, userID)
	setKey := fmt.Sprintf(eventOnlineSet, eventID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, presenceKey, time.Now().UnixMilli(), presenceTTL)
	pipe.SAdd(ctx, setKey, userID)
	pipe.Expire(ctx, setKey, eventTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveUserPresence 移除用户在线状态
func (c *SessionCache) RemoveUserPresence(ctx context.Context, eventID string, userID int64) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	presenceKey := fmt.Sprintf(eventPresenceKey, eventID, userID)
	setKey := fmt.Sprintf(eventOnlineSet, eventID)

	pipe := c.client.Pipeline()
	pipe.Del(ctx, presenceKey)
	pipe.SRem(ctx, setKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetOnlineUsers 获取活跃在线用户（按心跳过滤）
func (c *SessionCache) GetOnlineUsers(ctx context.Context, eventID string) ([]int64, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	setKey := fmt.Sprintf(eventOnlineSet, eventID)
	members, err := c.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}

	online := make([]int64, 0, len(members))
	for _, m := range members {
		var uid int64
		if _, err := fmt.Sscanf(m, "%d", &uid); err != nil {
			continue
		}
		presenceKey := fmt.Sprintf(eventPresenceKey, eventID, uid)
		exists, err := c.client.Exists(ctx, presenceKey).Result()
		if err != nil {
			continue
		}
		if exists > 0 {
			online = append(online, uid)
		} else {
			// 心跳过期，顺手清理集合
			c.client.SRem(ctx, setKey, uid)
		}
	}
	return online, nil
}

// GetOnlineCount 获取活跃在线人数
func (c *SessionCache) GetOnlineCount(ctx context.Context, eventID string) (int64, error) {
	users, err := c.GetOnlineUsers(ctx, eventID)
	if err != nil {
		return 0, err
	}
	return int64(len(users)), nil
}

// ClearEvent 活动结束时清理全部缓存键
func (c *SessionCache) ClearEvent(ctx context.Context, eventID string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, fmt.Sprintf(eventPlaybackKey, eventID))
	pipe.Del(ctx, fmt.Sprintf(eventOnlineSet, eventID))
	_, err := pipe.Exec(ctx)
	return err
}
