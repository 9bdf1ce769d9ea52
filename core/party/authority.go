package party

import (
	"context"
	"time"

	"PartyFM/core/errs"
	"PartyFM/model"
	"PartyFM/repository"
)

// Guard 播放控制权限仲裁。
// 按序判定，先命中先赢：创建者 -> 管理员 -> 未过期的创建者委托 -> 拒绝。
type Guard struct {
	events       repository.EventRepository
	participants repository.ParticipantRepository
	delegations  repository.DelegationRepository
	now          func() time.Time
}

// NewGuard 创建权限仲裁器
func NewGuard(events repository.EventRepository, participants repository.ParticipantRepository, delegations repository.DelegationRepository, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{
		events:       events,
		participants: participants,
		delegations:  delegations,
		now:          now,
	}
}

// CanControl 判定 actor 是否可以对活动发播放控制命令
func (g *Guard) CanControl(ctx context.Context, eventID string, actorID int64) (bool, error) {
	event, err := g.events.GetByID(ctx, eventID)
	if err != nil {
		return false, errs.Storagef("load event %s: %v", eventID, err)
	}
	if event == nil {
		return false, errs.NotFoundf("event %s", eventID)
	}

	// 创建者隐含管理员身份，永远不可被降级或移除
	if event.CreatorID == actorID {
		return true, nil
	}

	p, err := g.participants.Get(ctx, eventID, actorID)
	if err != nil {
		return false, errs.Storagef("load participant: %v", err)
	}
	if p != nil && (p.Role == model.RoleAdmin || p.Role == model.RoleCreator) {
		return true, nil
	}

	// 委托有效性按时间戳比较判定，到期自动失效
	grant, err := g.delegations.GetActiveGrant(ctx, event.CreatorID, actorID, g.now())
	if err != nil {
		return false, errs.Storagef("load delegation grant: %v", err)
	}
	if grant != nil {
		return true, nil
	}

	return false, nil
}
