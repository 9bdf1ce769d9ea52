package party

import (
	"testing"
	"time"
)

func newBareClient(hub *Hub, connID, eventID string, userID int64) *Client {
	c := NewClient(hub, nil, connID, eventID, "device-"+connID, userID, "user")
	hub.Register(c)
	return c
}

// recvClosed 读掉积压消息后判断 Send 是否已关闭
func recvClosed(c *Client, t *testing.T) bool {
	t.Helper()
	for {
		select {
		case _, ok := <-c.Send:
			if !ok {
				return true
			}
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}
}

// TestPublishDeduplicatesAcrossTopics 验证连接同属多个目标组时一次广播只收一条。
func TestPublishDeduplicatesAcrossTopics(t *testing.T) {
	hub := NewHub()
	c := newBareClient(hub, "c1", "100001", 1)
	hub.Subscribe(c, EventTopic("100001"))
	hub.Subscribe(c, EventPlaylistTopic("100001"))

	hub.Publish(&WSMessage{Type: MsgTypeQueueTrackAdded, EventID: "100001"},
		EventTopic("100001"), EventPlaylistTopic("100001"))

	if got := len(drain(c)); got != 1 {
		t.Fatalf("expected exactly 1 message after dedupe, got %d", got)
	}
}

// TestPublishReachesTopicUnion 验证广播覆盖目标组订阅者的并集。
func TestPublishReachesTopicUnion(t *testing.T) {
	hub := NewHub()
	a := newBareClient(hub, "c1", "100001", 1)
	b := newBareClient(hub, "c2", "100001", 2)
	other := newBareClient(hub, "c3", "100002", 3)
	hub.Subscribe(a, EventTopic("100001"))
	hub.Subscribe(b, EventPlaylistTopic("100001"))
	hub.Subscribe(other, EventTopic("100002"))

	hub.Publish(&WSMessage{Type: MsgTypeVoteUpdated, EventID: "100001"},
		EventTopic("100001"), EventPlaylistTopic("100001"))

	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Fatalf("both subscribers in the union must receive the message")
	}
	if len(drain(other)) != 0 {
		t.Fatalf("subscriber of an unrelated topic must not receive the message")
	}
}

// TestRemoveCleansUpMemberships 验证移除连接会清空其全部订阅并关闭通道。
func TestRemoveCleansUpMemberships(t *testing.T) {
	hub := NewHub()
	c := newBareClient(hub, "c1", "100001", 1)
	hub.Subscribe(c, EventTopic("100001"))
	hub.Subscribe(c, UserTopic(1))

	hub.Remove(c)

	if n := hub.SubscriberCount(EventTopic("100001")); n != 0 {
		t.Fatalf("event topic must be empty after remove, got %d", n)
	}
	if n := hub.SubscriberCount(UserTopic(1)); n != 0 {
		t.Fatalf("user topic must be empty after remove, got %d", n)
	}
	if !recvClosed(c, t) {
		t.Fatalf("send channel must be closed after remove")
	}

	// 重复移除是安全的空操作
	hub.Remove(c)

	// 移除后的连接不再接受订阅，广播也投不到它
	hub.Subscribe(c, EventTopic("100001"))
	if n := hub.SubscriberCount(EventTopic("100001")); n != 0 {
		t.Fatalf("removed client must not be re-subscribable, got %d subscribers", n)
	}
}

// TestRegisterEvictsDuplicateConnection 验证同一用户在同一活动重复连接时旧连接被踢。
func TestRegisterEvictsDuplicateConnection(t *testing.T) {
	hub := NewHub()
	old := newBareClient(hub, "c1", "100001", 1)
	hub.Subscribe(old, EventTopic("100001"))

	fresh := newBareClient(hub, "c2", "100001", 1)
	hub.Subscribe(fresh, EventTopic("100001"))

	if !recvClosed(old, t) {
		t.Fatalf("evicted connection must have its send channel closed")
	}
	if n := hub.SubscriberCount(EventTopic("100001")); n != 1 {
		t.Fatalf("only the fresh connection should remain, got %d subscribers", n)
	}

	hub.Publish(&WSMessage{Type: MsgTypeTimeSync, EventID: "100001"}, EventTopic("100001"))
	if len(drain(fresh)) != 1 {
		t.Fatalf("fresh connection must keep receiving after eviction")
	}
}

// TestSameUserDifferentEventsCoexist 验证同一用户在不同活动的连接互不影响。
func TestSameUserDifferentEventsCoexist(t *testing.T) {
	hub := NewHub()
	a := newBareClient(hub, "c1", "100001", 1)
	b := newBareClient(hub, "c2", "100002", 1)
	hub.Subscribe(a, EventTopic("100001"))
	hub.Subscribe(b, EventTopic("100002"))

	if hub.SubscriberCount(EventTopic("100001")) != 1 || hub.SubscriberCount(EventTopic("100002")) != 1 {
		t.Fatalf("connections of the same user in different events must coexist")
	}
}

// TestEventTopicHooks 验证活动组首个订阅者、加入与清空钩子的触发时机。
func TestEventTopicHooks(t *testing.T) {
	hub := NewHub()
	var firstJoins, joins, empties []string
	hub.SetEventHooks(
		func(eventID string, _ *Client) { firstJoins = append(firstJoins, eventID) },
		func(eventID string, _ *Client) { joins = append(joins, eventID) },
		func(eventID string) { empties = append(empties, eventID) },
	)

	a := newBareClient(hub, "c1", "100001", 1)
	b := newBareClient(hub, "c2", "100001", 2)
	hub.Subscribe(a, EventTopic("100001"))
	hub.Subscribe(b, EventTopic("100001"))
	// 非活动组订阅不触发钩子
	hub.Subscribe(a, UserTopic(1))

	if len(firstJoins) != 1 || firstJoins[0] != "100001" {
		t.Fatalf("first-join hook must fire once, got %v", firstJoins)
	}
	if len(joins) != 2 {
		t.Fatalf("join hook must fire per subscriber, got %v", joins)
	}

	hub.Remove(a)
	if len(empties) != 0 {
		t.Fatalf("empty hook must not fire while subscribers remain, got %v", empties)
	}
	hub.Remove(b)
	if len(empties) != 1 || empties[0] != "100001" {
		t.Fatalf("empty hook must fire when the last subscriber leaves, got %v", empties)
	}

	// 清空后再订阅再次算首个
	c := newBareClient(hub, "c3", "100001", 3)
	hub.Subscribe(c, EventTopic("100001"))
	if len(firstJoins) != 2 {
		t.Fatalf("first-join hook must fire again after the topic was emptied, got %v", firstJoins)
	}
}

// TestPublishPrunesDeadConnections 验证缓冲区打满的连接在广播时被自动清理。
func TestPublishPrunesDeadConnections(t *testing.T) {
	hub := NewHub()
	stuck := newBareClient(hub, "c1", "100001", 1)
	healthy := newBareClient(hub, "c2", "100001", 2)
	hub.Subscribe(stuck, EventTopic("100001"))
	hub.Subscribe(healthy, EventTopic("100001"))

	for i := 0; i < cap(stuck.Send); i++ {
		stuck.Send <- []byte("{}")
	}

	hub.Publish(&WSMessage{Type: MsgTypeTimeSync, EventID: "100001"}, EventTopic("100001"))

	if n := hub.SubscriberCount(EventTopic("100001")); n != 1 {
		t.Fatalf("stuck connection must be pruned, got %d subscribers", n)
	}
	if len(drain(healthy)) != 1 {
		t.Fatalf("healthy connection must still receive the broadcast")
	}
}

// TestSendToUserTargetsEventScopedConnection 验证按用户定向发送只命中该活动内的连接。
func TestSendToUserTargetsEventScopedConnection(t *testing.T) {
	hub := NewHub()
	inEvent := newBareClient(hub, "c1", "100001", 1)
	elsewhere := newBareClient(hub, "c2", "100002", 1)

	if err := hub.SendToUser("100001", 1, &WSMessage{Type: MsgTypeDelegationRevoked}); err != nil {
		t.Fatalf("send to connected user failed: %v", err)
	}
	if len(drain(inEvent)) != 1 {
		t.Fatalf("target connection must receive the direct message")
	}
	if len(drain(elsewhere)) != 0 {
		t.Fatalf("same user's connection in another event must not receive it")
	}

	if err := hub.SendToUser("100001", 99, &WSMessage{Type: MsgTypeDelegationRevoked}); err == nil {
		t.Fatalf("send to a user without a connection must fail")
	}
}

// TestUnsubscribeClearsMembership 验证退订后连接的订阅记录同步清理，
// 后续 Remove 不会再碰已退订的组。
func TestUnsubscribeClearsMembership(t *testing.T) {
	hub := NewHub()
	c := newBareClient(hub, "c1", "100001", 1)
	hub.Subscribe(c, EventTopic("100001"))
	hub.Subscribe(c, UserTopic(1))

	hub.Unsubscribe(c, EventTopic("100001"))

	hub.mu.Lock()
	_, stale := hub.memberships[c][EventTopic("100001")]
	_, kept := hub.memberships[c][UserTopic(1)]
	hub.mu.Unlock()
	if stale {
		t.Fatalf("membership entry must be dropped on unsubscribe")
	}
	if !kept {
		t.Fatalf("unrelated membership must survive unsubscribe")
	}

	// 组已经清空，重复退订是安全的空操作
	hub.Unsubscribe(c, EventTopic("100001"))
	if n := hub.SubscriberCount(EventTopic("100001")); n != 0 {
		t.Fatalf("event topic must stay empty, got %d", n)
	}
}
