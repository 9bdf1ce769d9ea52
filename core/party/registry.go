package party

import (
	"context"
	"sync"
	"time"

	"PartyFM/core/errs"
	"PartyFM/repository"
)

// EventSession 一个活动的播放会话。
// 所有写操作都必须持有 mu；不同活动的会话互不共享锁。
type EventSession struct {
	EventID string

	mu sync.Mutex

	// 播放状态。除 Stopped（trackID == nil）外还有 Playing / Paused 两态，
	// 由 isPlaying 区分。
	trackID        *string
	isPlaying      bool
	storedPosition float64 // 秒
	lastUpdate     time.Time
	trackDuration  float64 // 秒
	volume         int

	// 时间同步循环句柄，只在持有 mu 时读写
	loop *syncLoop

	hydrated bool
}

// Registry 会话仲裁场：每个活动一个句柄，各自持有自己的锁与定时器。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*EventSession

	events repository.EventRepository
	queue  repository.QueueRepository
	now    func() time.Time
}

// NewRegistry 创建会话注册表
func NewRegistry(events repository.EventRepository, queue repository.QueueRepository, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*EventSession),
		events:   events,
		queue:    queue,
		now:      now,
	}
}

// GetOrCreate 获取活动的会话，必要时从持久化快照重建。
// 活动不存在时返回 NotFound。
func (r *Registry) GetOrCreate(ctx context.Context, eventID string) (*EventSession, error) {
	r.mu.Lock()
	s, ok := r.sessions[eventID]
	if !ok {
		s = &EventSession{EventID: eventID, volume: 100}
		r.sessions[eventID] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hydrated {
		return s, nil
	}

	event, err := r.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, errs.Storagef("load event %s: %v", eventID, err)
	}
	if event == nil {
		r.mu.Lock()
		delete(r.sessions, eventID)
		r.mu.Unlock()
		return nil, errs.NotFoundf("event %s", eventID)
	}

	s.trackID = event.CurrentTrackID
	s.storedPosition = event.CurrentPosition
	s.isPlaying = event.IsPlaying
	s.lastUpdate = event.LastPositionUpdate
	s.volume = event.Volume
	if s.trackID != nil {
		track, err := r.queue.GetTrack(ctx, *s.trackID)
		if err != nil {
			return nil, errs.Storagef("load track %s: %v", *s.trackID, err)
		}
		if track != nil {
			s.trackDuration = track.Duration
		}
	}
	s.hydrated = true
	return s, nil
}

// Get 获取会话，不存在时不创建。
// 缺席的会话等价于停止、位置 0。
func (r *Registry) Get(eventID string) (*EventSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[eventID]
	return s, ok
}

// Discard 活动结束或删除时丢弃会话
func (r *Registry) Discard(eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, eventID)
}
