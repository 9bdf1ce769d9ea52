package party

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"PartyFM/cache"
	"PartyFM/model"
	"PartyFM/repository"
)

// 测试用内存仓库与可拨时钟。所有用例共用同一套假实现，
// 不依赖 MySQL 和 Redis。

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ========== 活动仓库 ==========

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[string]*model.Event

	// failSnapshot 为真时 UpdatePlaybackSnapshot 返回错误，用于回滚路径
	failSnapshot bool
	// failEnd 为真时 End 返回错误，用于先落库后广播的顺序检查
	failEnd bool
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: make(map[string]*model.Event)}
}

func (r *fakeEventRepo) Create(ctx context.Context, event *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events[event.ID] = &cp
	return nil
}

func (r *fakeEventRepo) GetByID(ctx context.Context, id string) (*model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok || e.Status != model.EventStatusActive {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *fakeEventRepo) ExistsByID(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.events[id]
	return ok, nil
}

func (r *fakeEventRepo) End(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failEnd {
		return fmt.Errorf("injected end failure")
	}
	if e, ok := r.events[id]; ok {
		e.Status = model.EventStatusEnded
	}
	return nil
}

func (r *fakeEventRepo) UpdatePlaybackSnapshot(ctx context.Context, id string, trackID *string, position float64, isPlaying bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSnapshot {
		return fmt.Errorf("injected snapshot failure")
	}
	e, ok := r.events[id]
	if !ok {
		return nil
	}
	e.CurrentTrackID = trackID
	e.CurrentPosition = position
	e.IsPlaying = isPlaying
	e.LastPositionUpdate = at
	return nil
}

func (r *fakeEventRepo) UpdateVolume(ctx context.Context, id string, volume int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		e.Volume = volume
	}
	return nil
}

// ========== 参与者仓库 ==========

type participantKey struct {
	eventID string
	userID  int64
}

type fakeParticipantRepo struct {
	mu           sync.Mutex
	participants map[participantKey]*model.Participant
}

func newFakeParticipantRepo() *fakeParticipantRepo {
	return &fakeParticipantRepo{participants: make(map[participantKey]*model.Participant)}
}

func (r *fakeParticipantRepo) Add(ctx context.Context, p *model.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.participants[participantKey{p.EventID, p.UserID}] = &cp
	return nil
}

func (r *fakeParticipantRepo) Get(ctx context.Context, eventID string, userID int64) (*model.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[participantKey{eventID, userID}]
	if !ok || p.LeftAt != nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *fakeParticipantRepo) UpdateRole(ctx context.Context, eventID string, userID int64, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[participantKey{eventID, userID}]; ok {
		p.Role = role
	}
	return nil
}

func (r *fakeParticipantRepo) Remove(ctx context.Context, eventID string, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[participantKey{eventID, userID}]; ok {
		now := time.Now()
		p.LeftAt = &now
	}
	return nil
}

func (r *fakeParticipantRepo) ListActive(ctx context.Context, eventID string) ([]*model.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Participant
	for _, p := range r.participants {
		if p.EventID == eventID && p.LeftAt == nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ========== 委托仓库 ==========

type fakeDelegationRepo struct {
	mu     sync.Mutex
	grants []*model.DelegationGrant
}

func newFakeDelegationRepo() *fakeDelegationRepo {
	return &fakeDelegationRepo{}
}

func (r *fakeDelegationRepo) GetActiveGrant(ctx context.Context, ownerID, delegateID int64, now time.Time) (*model.DelegationGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.grants {
		if g.OwnerID == ownerID && g.DelegateID == delegateID && g.ExpiresAt.After(now) {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeDelegationRepo) Grant(ctx context.Context, grant *model.DelegationGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *grant
	r.grants = append(r.grants, &cp)
	return nil
}

func (r *fakeDelegationRepo) Revoke(ctx context.Context, ownerID, delegateID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.grants[:0]
	for _, g := range r.grants {
		if g.OwnerID != ownerID || g.DelegateID != delegateID {
			kept = append(kept, g)
		}
	}
	r.grants = kept
	return nil
}

func (r *fakeDelegationRepo) addGrant(ownerID, delegateID int64, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = append(r.grants, &model.DelegationGrant{
		OwnerID:    ownerID,
		DelegateID: delegateID,
		ExpiresAt:  expiresAt,
	})
}

// ========== 队列仓库 ==========

type fakeQueueRepo struct {
	mu      sync.Mutex
	entries map[string][]*model.QueueEntry
	tracks  map[string]*model.Track

	// listHook 在下一次 List 返回后触发一次，用于制造并发交错
	listHook func()
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{
		entries: make(map[string][]*model.QueueEntry),
		tracks:  make(map[string]*model.Track),
	}
}

func (r *fakeQueueRepo) List(ctx context.Context, eventID string) ([]*model.QueueEntry, error) {
	r.mu.Lock()
	out := make([]*model.QueueEntry, 0, len(r.entries[eventID]))
	for _, e := range r.entries[eventID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	hook := r.listHook
	r.listHook = nil
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *fakeQueueRepo) Get(ctx context.Context, eventID, trackID string) (*model.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[eventID] {
		if e.TrackID == trackID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeQueueRepo) Head(ctx context.Context, eventID string) (*model.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var head *model.QueueEntry
	for _, e := range r.entries[eventID] {
		if head == nil || e.Position < head.Position {
			head = e
		}
	}
	if head == nil {
		return nil, nil
	}
	cp := *head
	return &cp, nil
}

func (r *fakeQueueRepo) Append(ctx context.Context, eventID, trackID string) (*model.QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, e := range r.entries[eventID] {
		if e.Position > max {
			max = e.Position
		}
	}
	entry := &model.QueueEntry{EventID: eventID, TrackID: trackID, Position: max + 1}
	r.entries[eventID] = append(r.entries[eventID], entry)
	cp := *entry
	return &cp, nil
}

func (r *fakeQueueRepo) Remove(ctx context.Context, eventID, trackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	kept := r.entries[eventID][:0]
	for _, e := range r.entries[eventID] {
		if e.TrackID == trackID {
			removed = e.Position
			continue
		}
		kept = append(kept, e)
	}
	for _, e := range kept {
		if removed > 0 && e.Position > removed {
			e.Position--
		}
	}
	r.entries[eventID] = kept
	return nil
}

func (r *fakeQueueRepo) RewritePositions(ctx context.Context, eventID string, trackOrder []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos := make(map[string]int, len(trackOrder))
	for i, id := range trackOrder {
		pos[id] = i + 1
	}
	for _, e := range r.entries[eventID] {
		if p, ok := pos[e.TrackID]; ok {
			e.Position = p
		}
	}
	return nil
}

func (r *fakeQueueRepo) GetTrack(ctx context.Context, trackID string) (*model.Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[trackID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *fakeQueueRepo) CreateTrack(ctx context.Context, track *model.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *track
	r.tracks[track.ID] = &cp
	return nil
}

func (r *fakeQueueRepo) UpdateTrackCover(ctx context.Context, trackID, coverURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tracks[trackID]; ok {
		t.CoverURL = coverURL
	}
	return nil
}

// ========== 投票仓库 ==========

type fakeVoteRepo struct {
	mu    sync.Mutex
	votes []*model.Vote

	// hideFromGet 为真时 Get 假装查无此票，模拟预检与写入之间的并发窗口
	hideFromGet bool
}

func newFakeVoteRepo() *fakeVoteRepo {
	return &fakeVoteRepo{}
}

func (r *fakeVoteRepo) Create(ctx context.Context, vote *model.Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.votes {
		if v.EventID == vote.EventID && v.UserID == vote.UserID && v.TrackID == vote.TrackID {
			return repository.ErrDuplicateVote
		}
	}
	cp := *vote
	r.votes = append(r.votes, &cp)
	return nil
}

func (r *fakeVoteRepo) Get(ctx context.Context, eventID string, userID int64, trackID string) (*model.Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hideFromGet {
		return nil, nil
	}
	for _, v := range r.votes {
		if v.EventID == eventID && v.UserID == userID && v.TrackID == trackID {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeVoteRepo) Delete(ctx context.Context, eventID string, userID int64, trackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.votes[:0]
	for _, v := range r.votes {
		if v.EventID == eventID && v.UserID == userID && v.TrackID == trackID {
			continue
		}
		kept = append(kept, v)
	}
	r.votes = kept
	return nil
}

func (r *fakeVoteRepo) DeleteAllForTrack(ctx context.Context, eventID, trackID string) ([]*model.Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*model.Vote
	kept := r.votes[:0]
	for _, v := range r.votes {
		if v.EventID == eventID && v.TrackID == trackID {
			cp := *v
			removed = append(removed, &cp)
			continue
		}
		kept = append(kept, v)
	}
	r.votes = kept
	return removed, nil
}

func (r *fakeVoteRepo) ListForEvent(ctx context.Context, eventID string) ([]*model.Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Vote
	for _, v := range r.votes {
		if v.EventID == eventID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeVoteRepo) ListForTrack(ctx context.Context, eventID, trackID string) ([]*model.Vote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Vote
	for _, v := range r.votes {
		if v.EventID == eventID && v.TrackID == trackID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ========== 组装 ==========

// ========== 用户仓库 ==========

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[int64]*model.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[int64]*model.User)}
}

func (r *fakeUserRepo) CreateUser(user *model.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := int64(len(r.users) + 1)
	cp := *user
	cp.ID = id
	r.users[id] = &cp
	return id, nil
}

func (r *fakeUserRepo) GetUserByID(id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeUserRepo) GetUserByUsername(username string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) GetUserByEmail(email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) addUser(id int64, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = &model.User{ID: id, Username: username}
}

type testEnv struct {
	manager      *Manager
	clock        *fakeClock
	events       *fakeEventRepo
	participants *fakeParticipantRepo
	delegations  *fakeDelegationRepo
	queue        *fakeQueueRepo
	votes        *fakeVoteRepo
	users        *fakeUserRepo
	hub          *Hub
}

func newTestEnv(start time.Time) *testEnv {
	env := &testEnv{
		clock:        newFakeClock(start),
		events:       newFakeEventRepo(),
		participants: newFakeParticipantRepo(),
		delegations:  newFakeDelegationRepo(),
		queue:        newFakeQueueRepo(),
		votes:        newFakeVoteRepo(),
		users:        newFakeUserRepo(),
		hub:          NewHub(),
	}
	env.manager = NewManager(ManagerDeps{
		Events:       env.events,
		Participants: env.participants,
		Delegations:  env.delegations,
		Queue:        env.queue,
		Votes:        env.votes,
		Users:        env.users,
		SessionCache: cache.NewSessionCache(),
		ScoreCache:   cache.NewScoreCache(),
		Hub:          env.hub,
		Now:          env.clock.Now,
	})
	return env
}

// seedEvent 预置一个进行中的活动和它的创建者
func (env *testEnv) seedEvent(eventID string, creatorID int64) {
	env.events.Create(context.Background(), &model.Event{
		ID:                 eventID,
		Name:               "test party",
		CreatorID:          creatorID,
		Status:             model.EventStatusActive,
		Volume:             100,
		LastPositionUpdate: env.clock.Now(),
	})
	env.participants.Add(context.Background(), &model.Participant{
		EventID: eventID,
		UserID:  creatorID,
		Role:    model.RoleCreator,
	})
}

// seedTrack 预置曲目元数据
func (env *testEnv) seedTrack(trackID string, duration float64) {
	env.queue.CreateTrack(context.Background(), &model.Track{
		ID:       trackID,
		Title:    trackID,
		Duration: duration,
	})
}

// seedQueued 预置一首已经在队列里的曲目
func (env *testEnv) seedQueued(eventID, trackID string, duration float64) {
	env.seedTrack(trackID, duration)
	env.queue.Append(context.Background(), eventID, trackID)
}

// newTestClient 创建不带底层连接的客户端并注册订阅
func (env *testEnv) newTestClient(connID, eventID string, userID int64) *Client {
	client := NewClient(env.hub, nil, connID, eventID, "device-"+connID, userID, "user")
	env.hub.Register(client)
	env.hub.Subscribe(client, EventTopic(eventID))
	return client
}

// drain 清空客户端积压的消息并返回数量
func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case data := <-c.Send:
			var msg WSMessage
			if err := json.Unmarshal(data, &msg); err == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}
