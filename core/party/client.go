package party

import (
	"context"
	"sync"
	"time"

	"PartyFM/logger"

	"encoding/json"

	"github.com/gorilla/websocket"
)

// Client WebSocket 连接
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	Send     chan []byte
	ConnID   string
	EventID  string
	DeviceID string
	UserID   int64
	Username string

	mu     sync.RWMutex
	closed bool
}

// NewClient 创建连接
func NewClient(hub *Hub, conn *websocket.Conn, connID, eventID, deviceID string, userID int64, username string) *Client {
	return &Client{
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		ConnID:   connID,
		EventID:  eventID,
		DeviceID: deviceID,
		UserID:   userID,
		Username: username,
	}
}

// enqueue 尝试投递一条消息。连接已关闭或缓冲区满时返回 false。
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// markClosed 标记连接关闭。返回是否完成了从开到关的转换。
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// SendMessage 发送消息给该连接
func (c *Client) SendMessage(msg *WSMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.enqueue(data)
	return nil
}

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, presence PresenceTracker, handler func(ctx context.Context, client *Client, msg *WSMessage)) {
	defer func() {
		c.Hub.Remove(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4096) // 4KB
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("websocket read error",
						logger.ErrorField(err),
						logger.String("event", c.EventID),
						logger.Int64("user", c.UserID))
				}
				return
			}

			var msg WSMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Warn("invalid message format",
					logger.ErrorField(err),
					logger.String("event", c.EventID))
				continue
			}

			// 心跳：刷新在线状态并回 pong
			if msg.Type == MsgTypePing {
				if presence != nil {
					if err := presence.UpdateUserPresence(ctx, c.EventID, c.UserID); err != nil {
						logger.Warn("failed to update user presence",
							logger.ErrorField(err),
							logger.String("event", c.EventID),
							logger.Int64("user", c.UserID))
					}
				}
				pong := &WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()}
				if data, err := json.Marshal(pong); err == nil {
					c.enqueue(data)
				}
				continue
			}

			handler(ctx, c, &msg)
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PresenceTracker 在线状态心跳的最小依赖
type PresenceTracker interface {
	UpdateUserPresence(ctx context.Context, eventID string, userID int64) error
}
