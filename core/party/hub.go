package party

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"PartyFM/logger"
)

// TopicKind 广播组类型
type TopicKind string

const (
	TopicEvent         TopicKind = "event"
	TopicEventDetail   TopicKind = "event-detail"
	TopicEventPlaylist TopicKind = "event-playlist"
	TopicUser          TopicKind = "user"
	TopicDevice        TopicKind = "device"
)

// Topic 一个逻辑广播组，由类型和键组成。
// 一个连接可以同时属于多个广播组。
type Topic struct {
	Kind TopicKind
	Key  string
}

// EventTopic 活动广播组
func EventTopic(eventID string) Topic { return Topic{Kind: TopicEvent, Key: eventID} }

// EventDetailTopic 活动详情广播组
func EventDetailTopic(eventID string) Topic { return Topic{Kind: TopicEventDetail, Key: eventID} }

// EventPlaylistTopic 活动队列广播组
func EventPlaylistTopic(eventID string) Topic { return Topic{Kind: TopicEventPlaylist, Key: eventID} }

// UserTopic 个人广播组
func UserTopic(userID int64) Topic { return Topic{Kind: TopicUser, Key: fmt.Sprintf("%d", userID)} }

// DeviceTopic 设备广播组
func DeviceTopic(deviceID string) Topic { return Topic{Kind: TopicDevice, Key: deviceID} }

// Hub 广播中心。维护广播组与连接的多对多关系，
// 一次 Publish 对每个连接最多投递一次，即使它属于多个目标组。
type Hub struct {
	mu sync.RWMutex

	// 广播组 -> 连接集合
	topics map[Topic]map[*Client]bool
	// 连接 -> 所属广播组集合
	memberships map[*Client]map[Topic]bool
	// 连接ID -> 连接
	clients map[string]*Client

	// 活动组首个/末个订阅者钩子（时间同步循环的启停条件）
	onEventFirstJoin func(eventID string, client *Client)
	onEventJoin      func(eventID string, client *Client)
	onEventEmpty     func(eventID string)
}

// NewHub 创建广播中心
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[Topic]map[*Client]bool),
		memberships: make(map[*Client]map[Topic]bool),
		clients:     make(map[string]*Client),
	}
}

// SetEventHooks 设置活动组订阅生命周期钩子。
// 钩子在锁外调用，允许回调方重新进入 Hub。
func (h *Hub) SetEventHooks(onFirstJoin, onJoin func(eventID string, client *Client), onEmpty func(eventID string)) {
	h.onEventFirstJoin = onFirstJoin
	h.onEventJoin = onJoin
	h.onEventEmpty = onEmpty
}

// Register 注册连接。同一用户在同一活动重复连接时踢掉旧连接。
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	var evicted *Client
	for _, old := range h.clients {
		if old.UserID == client.UserID && old.EventID == client.EventID {
			evicted = old
			break
		}
	}
	h.clients[client.ConnID] = client
	h.memberships[client] = make(map[Topic]bool)
	h.mu.Unlock()

	if evicted != nil {
		h.Remove(evicted)
	}

	logger.Info("client registered",
		logger.String("conn", client.ConnID),
		logger.String("event", client.EventID),
		logger.Int64("user", client.UserID))
}

// Subscribe 把连接加入一个广播组
func (h *Hub) Subscribe(client *Client, topic Topic) {
	h.mu.Lock()
	if _, ok := h.memberships[client]; !ok {
		// 连接已被移除，不再接受订阅
		h.mu.Unlock()
		return
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][client] = true
	h.memberships[client][topic] = true
	first := topic.Kind == TopicEvent && len(h.topics[topic]) == 1
	h.mu.Unlock()

	if topic.Kind == TopicEvent {
		if first && h.onEventFirstJoin != nil {
			h.onEventFirstJoin(topic.Key, client)
		}
		if h.onEventJoin != nil {
			h.onEventJoin(topic.Key, client)
		}
	}
}

// Unsubscribe 把连接移出一个广播组
func (h *Hub) Unsubscribe(client *Client, topic Topic) {
	h.mu.Lock()
	emptied := h.dropMembership(client, topic)
	h.mu.Unlock()

	if emptied && h.onEventEmpty != nil {
		h.onEventEmpty(topic.Key)
	}
}

// dropMembership 内部方法，需要持有锁。返回活动组是否被清空。
func (h *Hub) dropMembership(client *Client, topic Topic) bool {
	if ms, ok := h.memberships[client]; ok {
		delete(ms, topic)
	}
	if subs, ok := h.topics[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
			return topic.Kind == TopicEvent
		}
	}
	return false
}

// Remove 移除连接并自动清理它的全部订阅
func (h *Hub) Remove(client *Client) {
	h.mu.Lock()
	ms, ok := h.memberships[client]
	if !ok {
		h.mu.Unlock()
		return
	}

	var emptiedEvents []string
	for topic := range ms {
		if h.dropMembership(client, topic) {
			emptiedEvents = append(emptiedEvents, topic.Key)
		}
	}
	delete(h.memberships, client)
	delete(h.clients, client.ConnID)
	if client.markClosed() {
		close(client.Send)
	}
	h.mu.Unlock()

	for _, eventID := range emptiedEvents {
		if h.onEventEmpty != nil {
			h.onEventEmpty(eventID)
		}
	}

	logger.Info("client unregistered",
		logger.String("conn", client.ConnID),
		logger.String("event", client.EventID),
		logger.Int64("user", client.UserID))
}

// SubscriberCount 获取广播组的订阅者数量
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish 向若干广播组的订阅者并集投递消息，按连接去重。
// 单个组投递失败只记日志并继续处理其余组。
func (h *Hub) Publish(msg *WSMessage, topics ...Topic) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast message: %w", err)
	}

	h.mu.RLock()
	// 按连接ID去重：一个连接可能同时在多个目标组里
	targets := make(map[string]*Client)
	for _, topic := range topics {
		for client := range h.topics[topic] {
			targets[client.ConnID] = client
		}
	}
	h.mu.RUnlock()

	var dead []*Client
	for _, client := range targets {
		if !client.enqueue(data) {
			// 发送缓冲区满或连接已断开：自清理
			dead = append(dead, client)
		}
	}

	for _, client := range dead {
		logger.Warn("pruning dead connection on publish",
			logger.String("conn", client.ConnID),
			logger.Int64("user", client.UserID))
		h.Remove(client)
	}
	return nil
}

// SendToClient 发送消息给单个连接
func (h *Hub) SendToClient(client *Client, msg *WSMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if !client.enqueue(data) {
		return fmt.Errorf("send buffer full for conn %s", client.ConnID)
	}
	return nil
}

// SendToUser 发送消息给某用户在某活动内的连接
func (h *Hub) SendToUser(eventID string, userID int64, msg *WSMessage) error {
	h.mu.RLock()
	var target *Client
	for _, client := range h.clients {
		if client.EventID == eventID && client.UserID == userID {
			target = client
			break
		}
	}
	h.mu.RUnlock()

	if target == nil {
		return fmt.Errorf("user not connected: %d", userID)
	}
	return h.SendToClient(target, msg)
}
