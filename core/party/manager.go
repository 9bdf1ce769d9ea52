package party

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"PartyFM/cache"
	"PartyFM/core/errs"
	"PartyFM/logger"
	"PartyFM/model"
	"PartyFM/repository"
)

// Manager 活动业务管理器。
// 所有播放控制命令都经 Manager 进入：同一活动内权限判定 + 状态转移 +
// 落库在会话锁内原子完成，广播一律在落库之后。
type Manager struct {
	events       repository.EventRepository
	participants repository.ParticipantRepository
	delegations  repository.DelegationRepository
	queue        repository.QueueRepository
	votes        repository.VoteRepository
	users        repository.UserRepository

	sessionCache *cache.SessionCache
	scoreCache   *cache.ScoreCache

	hub      *Hub
	registry *Registry
	guard    *Guard

	now func() time.Time
}

// ManagerDeps Manager 的依赖集合
type ManagerDeps struct {
	Events       repository.EventRepository
	Participants repository.ParticipantRepository
	Delegations  repository.DelegationRepository
	Queue        repository.QueueRepository
	Votes        repository.VoteRepository
	Users        repository.UserRepository
	SessionCache *cache.SessionCache
	ScoreCache   *cache.ScoreCache
	Hub          *Hub
	Now          func() time.Time
}

// NewManager 创建活动管理器并挂接广播组生命周期钩子
func NewManager(deps ManagerDeps) *Manager {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		events:       deps.Events,
		participants: deps.Participants,
		delegations:  deps.Delegations,
		queue:        deps.Queue,
		votes:        deps.Votes,
		users:        deps.Users,
		sessionCache: deps.SessionCache,
		scoreCache:   deps.ScoreCache,
		hub:          deps.Hub,
		registry:     NewRegistry(deps.Events, deps.Queue, now),
		guard:        NewGuard(deps.Events, deps.Participants, deps.Delegations, now),
		now:          now,
	}

	m.hub.SetEventHooks(m.handleEventFirstJoin, m.handleEventJoin, m.handleEventTopicEmpty)
	return m
}

// GetHub 获取广播中心
func (m *Manager) GetHub() *Hub {
	return m.hub
}

// Guard 获取权限仲裁器
func (m *Manager) Guard() *Guard {
	return m.guard
}

// Presence 获取在线状态跟踪器（读泵心跳用）
func (m *Manager) Presence() PresenceTracker {
	return m.sessionCache
}

// ========== 活动生命周期 ==========

// CreateEvent 创建活动，创建者自动成为 creator 参与者
func (m *Manager) CreateEvent(ctx context.Context, creatorID int64, name string) (*model.Event, error) {
	eventID, err := m.generateUniqueEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	event := &model.Event{
		ID:                 eventID,
		Name:               name,
		CreatorID:          creatorID,
		Status:             model.EventStatusActive,
		Volume:             100,
		LastPositionUpdate: m.now(),
		CreatedAt:          m.now(),
		UpdatedAt:          m.now(),
	}
	if err := m.events.Create(ctx, event); err != nil {
		return nil, errs.Storagef("create event: %v", err)
	}

	p := &model.Participant{
		EventID:  eventID,
		UserID:   creatorID,
		Role:     model.RoleCreator,
		JoinedAt: m.now(),
	}
	if err := m.participants.Add(ctx, p); err != nil {
		return nil, errs.Storagef("add creator participant: %v", err)
	}

	logger.Info("event created",
		logger.String("event", eventID),
		logger.Int64("creator", creatorID),
		logger.String("name", name))
	return event, nil
}

// generateUniqueEventID 生成唯一的6位数字活动ID
func (m *Manager) generateUniqueEventID(ctx context.Context) (string, error) {
	r := rand.New(rand.NewSource(m.now().UnixNano()))

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("%06d", r.Intn(900000)+100000)

		exists, err := m.events.ExistsByID(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}

	return "", fmt.Errorf("unable to generate unique event id")
}

// JoinEvent 加入活动
func (m *Manager) JoinEvent(ctx context.Context, eventID string, userID int64) (*model.Event, *model.Participant, error) {
	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, nil, errs.Storagef("load event: %v", err)
	}
	if event == nil {
		return nil, nil, errs.NotFoundf("event %s", eventID)
	}

	p, err := m.participants.Get(ctx, eventID, userID)
	if err != nil {
		return nil, nil, errs.Storagef("load participant: %v", err)
	}
	if p == nil {
		p = &model.Participant{
			EventID:  eventID,
			UserID:   userID,
			Role:     model.RoleParticipant,
			JoinedAt: m.now(),
		}
		if err := m.participants.Add(ctx, p); err != nil {
			return nil, nil, errs.Storagef("add participant: %v", err)
		}
	}

	if err := m.sessionCache.UpdateUserPresence(ctx, eventID, userID); err != nil {
		logger.Warn("failed to set presence on join",
			logger.ErrorField(err),
			logger.String("event", eventID),
			logger.Int64("user", userID))
	}

	logger.Info("user joined event",
		logger.String("event", eventID),
		logger.Int64("user", userID))
	return event, p, nil
}

// LeaveEvent 离开活动（保留参与记录，便于重新加入）
func (m *Manager) LeaveEvent(ctx context.Context, eventID string, userID int64) error {
	if err := m.sessionCache.RemoveUserPresence(ctx, eventID, userID); err != nil {
		logger.Warn("failed to remove presence on leave",
			logger.ErrorField(err),
			logger.String("event", eventID),
			logger.Int64("user", userID))
	}

	logger.Info("user left event",
		logger.String("event", eventID),
		logger.Int64("user", userID))
	return nil
}

// EndEvent 结束活动（仅创建者）：停循环、丢弃会话、清缓存
func (m *Manager) EndEvent(ctx context.Context, eventID string, actorID int64) error {
	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return errs.Storagef("load event: %v", err)
	}
	if event == nil {
		return errs.NotFoundf("event %s", eventID)
	}
	if event.CreatorID != actorID {
		return errs.Unauthorizedf("only the creator can end event %s", eventID)
	}

	// 结束是状态定义写：先落库，成功后才广播、丢弃会话
	if err := m.events.End(ctx, eventID); err != nil {
		return errs.Storagef("end event: %v", err)
	}

	m.hub.Publish(&WSMessage{Type: MsgTypeEventEnded, EventID: eventID},
		EventTopic(eventID), EventDetailTopic(eventID))

	if s, ok := m.registry.Get(eventID); ok {
		s.mu.Lock()
		s.stopLoopLocked()
		s.mu.Unlock()
	}
	m.registry.Discard(eventID)
	if err := m.sessionCache.ClearEvent(ctx, eventID); err != nil {
		logger.Warn("failed to clear event cache", logger.ErrorField(err), logger.String("event", eventID))
	}
	if err := m.scoreCache.Invalidate(ctx, eventID); err != nil {
		logger.Warn("failed to clear score cache", logger.ErrorField(err), logger.String("event", eventID))
	}

	logger.Info("event ended",
		logger.String("event", eventID),
		logger.Int64("creator", actorID))
	return nil
}

// GetEventInfo 获取活动完整信息
func (m *Manager) GetEventInfo(ctx context.Context, eventID string) (*model.EventInfo, error) {
	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, errs.Storagef("load event: %v", err)
	}
	if event == nil {
		return nil, errs.NotFoundf("event %s", eventID)
	}

	online, err := m.sessionCache.GetOnlineUsers(ctx, eventID)
	if err != nil {
		logger.Warn("failed to load online users", logger.ErrorField(err), logger.String("event", eventID))
		online = nil
	}

	var creatorName string
	if m.users != nil {
		creator, err := m.users.GetUserByID(event.CreatorID)
		if err != nil {
			logger.Warn("failed to load creator",
				logger.ErrorField(err),
				logger.Int64("creator", event.CreatorID))
		} else if creator != nil {
			creatorName = creator.Username
		}
	}

	return &model.EventInfo{
		Event:       *event,
		CreatorName: creatorName,
		OnlineCount: int64(len(online)),
		OnlineUsers: online,
	}, nil
}

// ========== 角色管理 ==========

// UpdateParticipantRole 调整参与者角色（仅创建者）。
// 创建者本人不可被降级或移除。
func (m *Manager) UpdateParticipantRole(ctx context.Context, eventID string, actorID, targetID int64, role string) error {
	if role != model.RoleAdmin && role != model.RoleCollaborator && role != model.RoleParticipant {
		return errs.Validationf("invalid role: %s", role)
	}

	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return errs.Storagef("load event: %v", err)
	}
	if event == nil {
		return errs.NotFoundf("event %s", eventID)
	}
	if event.CreatorID != actorID {
		return errs.Unauthorizedf("only the creator can change roles")
	}
	if targetID == event.CreatorID {
		return errs.Validationf("the creator role cannot be changed")
	}

	target, err := m.participants.Get(ctx, eventID, targetID)
	if err != nil {
		return errs.Storagef("load participant: %v", err)
	}
	if target == nil {
		return errs.NotFoundf("participant %d", targetID)
	}

	if err := m.participants.UpdateRole(ctx, eventID, targetID, role); err != nil {
		return errs.Storagef("update role: %v", err)
	}

	data, _ := json.Marshal(map[string]interface{}{
		"userId": targetID,
		"role":   role,
	})
	m.hub.Publish(&WSMessage{
		Type:    MsgTypeRoleUpdated,
		EventID: eventID,
		Data:    data,
	}, EventTopic(eventID), EventDetailTopic(eventID), UserTopic(targetID))

	logger.Info("participant role updated",
		logger.String("event", eventID),
		logger.Int64("target", targetID),
		logger.String("role", role))
	return nil
}

// GrantDelegation 创建者把播放控制权临时授予活动内的另一名成员。
// 授权到期自动失效，权限判定时按时间戳比较兜底。
func (m *Manager) GrantDelegation(ctx context.Context, eventID string, ownerID, delegateID int64, ttl time.Duration) (*model.DelegationGrant, error) {
	if ttl <= 0 {
		return nil, errs.Validationf("delegation duration must be positive")
	}
	if ownerID == delegateID {
		return nil, errs.Validationf("cannot delegate control to yourself")
	}

	event, err := m.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, errs.Storagef("load event: %v", err)
	}
	if event == nil {
		return nil, errs.NotFoundf("event %s", eventID)
	}
	if event.CreatorID != ownerID {
		return nil, errs.Unauthorizedf("only the creator can delegate control in event %s", eventID)
	}

	delegate, err := m.participants.Get(ctx, eventID, delegateID)
	if err != nil {
		return nil, errs.Storagef("load participant: %v", err)
	}
	if delegate == nil {
		return nil, errs.NotFoundf("user %d is not in event %s", delegateID, eventID)
	}

	grant := &model.DelegationGrant{
		OwnerID:    ownerID,
		DelegateID: delegateID,
		ExpiresAt:  m.now().Add(ttl),
	}
	if err := m.delegations.Grant(ctx, grant); err != nil {
		return nil, errs.Storagef("grant delegation: %v", err)
	}

	data, _ := json.Marshal(map[string]interface{}{
		"ownerId":   ownerID,
		"eventId":   eventID,
		"expiresAt": grant.ExpiresAt.UnixMilli(),
	})
	m.hub.Publish(&WSMessage{
		Type:   MsgTypeDelegationGranted,
		UserID: delegateID,
		Data:   data,
	}, UserTopic(delegateID))

	logger.Info("delegation granted",
		logger.String("event", eventID),
		logger.Int64("owner", ownerID),
		logger.Int64("delegate", delegateID),
		logger.Duration("ttl", ttl))
	return grant, nil
}

// RevokeDelegation 显式撤销委托并立即推送给被撤销用户的个人广播组。
// 到期失效无需任何消息，由权限判定时的时间比较兜底。
func (m *Manager) RevokeDelegation(ctx context.Context, ownerID, delegateID int64) error {
	if err := m.delegations.Revoke(ctx, ownerID, delegateID); err != nil {
		return errs.Storagef("revoke delegation: %v", err)
	}

	data, _ := json.Marshal(map[string]interface{}{
		"ownerId": ownerID,
	})
	m.hub.Publish(&WSMessage{
		Type:   MsgTypeDelegationRevoked,
		UserID: delegateID,
		Data:   data,
	}, UserTopic(delegateID))

	logger.Info("delegation revoked",
		logger.Int64("owner", ownerID),
		logger.Int64("delegate", delegateID))
	return nil
}

// ========== 广播组生命周期钩子 ==========

// handleEventFirstJoin 活动组第一个订阅者：播放中则启动时间同步循环
func (m *Manager) handleEventFirstJoin(eventID string, client *Client) {
	ctx := context.Background()
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		logger.Warn("failed to hydrate session on first join",
			logger.ErrorField(err),
			logger.String("event", eventID))
		return
	}

	s.mu.Lock()
	if s.isPlaying {
		s.startLoopLocked(m)
	}
	s.mu.Unlock()
}

// handleEventJoin 每个新订阅者都先收到一次性同步，再跟随周期广播
func (m *Manager) handleEventJoin(eventID string, client *Client) {
	ctx := context.Background()
	s, err := m.registry.GetOrCreate(ctx, eventID)
	if err != nil {
		return
	}

	s.mu.Lock()
	snap := s.snapshotAt(m.now())
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	m.hub.SendToClient(client, &WSMessage{
		Type:    MsgTypeTimeSync,
		EventID: eventID,
		Data:    data,
	})
}

// handleEventTopicEmpty 末个订阅者离开：停掉时间同步循环。
// 钩子可能在命令持有会话锁时触发（Publish 自清理死连接），必须异步收尾。
func (m *Manager) handleEventTopicEmpty(eventID string) {
	go func() {
		s, ok := m.registry.Get(eventID)
		if !ok {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if m.hub.SubscriberCount(EventTopic(eventID)) == 0 {
			s.stopLoopLocked()
		}
	}()
}

// ========== 消息处理器 ==========

// HandleMessage 处理 WebSocket 命令。未认证连接在升级阶段就被拒绝，
// 进到这里的 client 一定带着 UserID。
func (m *Manager) HandleMessage(ctx context.Context, client *Client, msg *WSMessage) {
	eventID := client.EventID
	actorID := client.UserID

	var err error
	switch msg.Type {
	case MsgTypePlay:
		var data PlayData
		if err = decodePayload(msg.Data, &data); err == nil {
			if err = data.Validate(); err == nil {
				err = m.Play(ctx, eventID, actorID, data.TrackID, data.StartTime)
			}
		}

	case MsgTypePause:
		var data PauseData
		if err = decodePayload(msg.Data, &data); err == nil {
			if err = data.Validate(); err == nil {
				err = m.Pause(ctx, eventID, actorID, data.CurrentTime)
			}
		}

	case MsgTypeSeek:
		var data SeekData
		if err = decodePayload(msg.Data, &data); err == nil {
			if err = data.Validate(); err == nil {
				err = m.Seek(ctx, eventID, actorID, data.SeekTime)
			}
		}

	case MsgTypeChangeTrack:
		var data ChangeTrackData
		if err = decodePayload(msg.Data, &data); err == nil {
			if err = data.Validate(); err == nil {
				err = m.ChangeTrack(ctx, eventID, actorID, data.TrackID)
			}
		}

	case MsgTypeSkip:
		err = m.Skip(ctx, eventID, actorID)

	case MsgTypeStop:
		err = m.Stop(ctx, eventID, actorID)

	case MsgTypeSetVolume:
		var data SetVolumeData
		if err = decodePayload(msg.Data, &data); err == nil {
			if err = data.Validate(); err == nil {
				err = m.SetVolume(ctx, eventID, actorID, data.Volume)
			}
		}

	case MsgTypeVote:
		var data VoteData
		if err = decodePayload(msg.Data, &data); err == nil {
			if err = data.Validate(); err == nil {
				weight := data.Weight
				if weight == 0 {
					weight = 1
				}
				err = m.Vote(ctx, eventID, actorID, data.TrackID, data.Type, weight)
			}
		}

	case MsgTypeRemoveVote:
		var data RemoveVoteData
		if err = decodePayload(msg.Data, &data); err == nil {
			if err = data.Validate(); err == nil {
				err = m.RemoveVote(ctx, eventID, actorID, data.TrackID)
			}
		}

	case MsgTypeRequestSync:
		err = m.RequestSync(ctx, client)

	case MsgTypeReorderQueue:
		err = m.ReorderQueue(ctx, eventID, actorID)

	default:
		err = errs.Validationf("unknown command: %s", msg.Type)
	}

	if err != nil {
		m.rejectCommand(client, string(msg.Type), err)
	}
}

// rejectCommand 把结构化错误只回给出错的连接，不广播、不改状态
func (m *Manager) rejectCommand(client *Client, command string, err error) {
	logger.Warn("command rejected",
		logger.String("event", client.EventID),
		logger.Int64("user", client.UserID),
		logger.String("command", command),
		logger.ErrorField(err))

	data, merr := json.Marshal(&ErrorData{
		Code:    errs.Code(err),
		Message: err.Error(),
		Command: command,
	})
	if merr != nil {
		return
	}
	client.SendMessage(&WSMessage{
		Type:    MsgTypeError,
		EventID: client.EventID,
		Data:    data,
	})
}
