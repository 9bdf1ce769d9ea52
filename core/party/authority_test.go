package party

import (
	"context"
	"errors"
	"testing"
	"time"

	"PartyFM/core/errs"
	"PartyFM/model"
)

// TestCreatorAlwaysHasControl 验证创建者天然拥有控制权。
func TestCreatorAlwaysHasControl(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)

	ok, err := env.manager.Guard().CanControl(context.Background(), "100001", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("creator must be allowed to control playback")
	}
}

// TestAdminHasControl 验证管理员角色拥有控制权。
func TestAdminHasControl(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.participants.Add(context.Background(), &model.Participant{
		EventID: "100001", UserID: 2, Role: model.RoleAdmin,
	})

	ok, err := env.manager.Guard().CanControl(context.Background(), "100001", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("admin must be allowed to control playback")
	}
}

// TestPlainParticipantDenied 验证普通参与者没有控制权。
func TestPlainParticipantDenied(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.participants.Add(context.Background(), &model.Participant{
		EventID: "100001", UserID: 3, Role: model.RoleParticipant,
	})

	ok, err := env.manager.Guard().CanControl(context.Background(), "100001", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("plain participant must not control playback")
	}
}

// TestDelegationGrantsControlUntilExpiry 验证未过期的创建者委托放行，过期后自动失效。
// 场景：创建者把控制权委托给用户 4，有效期 10 分钟；10 分钟内放行，拨过期后拒绝，无需任何显式撤销。
func TestDelegationGrantsControlUntilExpiry(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.delegations.addGrant(1, 4, start.Add(10*time.Minute))

	ok, err := env.manager.Guard().CanControl(context.Background(), "100001", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("delegate must be allowed before expiry")
	}

	env.clock.Advance(11 * time.Minute)
	ok, err = env.manager.Guard().CanControl(context.Background(), "100001", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expired delegation must not grant control")
	}
}

// TestDelegationFromNonCreatorIgnored 验证非创建者发出的委托不生效。
// 场景：用户 2 给用户 5 的授权不是来自创建者，不能放行。
func TestDelegationFromNonCreatorIgnored(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.delegations.addGrant(2, 5, start.Add(time.Hour))

	ok, err := env.manager.Guard().CanControl(context.Background(), "100001", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("delegation from non-creator must be ignored")
	}
}

// TestGrantDelegationEndToEnd 验证创建者授予委托后被委托人立即获得控制权，
// 显式撤销后立即失效并向被委托人推送 delegation-revoked。
func TestGrantDelegationEndToEnd(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.participants.Add(context.Background(), &model.Participant{
		EventID: "100001", UserID: 4, Role: model.RoleParticipant,
	})

	ctx := context.Background()
	grant, err := env.manager.GrantDelegation(ctx, "100001", 1, 4, 10*time.Minute)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if !grant.ExpiresAt.Equal(start.Add(10 * time.Minute)) {
		t.Fatalf("expected expiry at %v, got %v", start.Add(10*time.Minute), grant.ExpiresAt)
	}

	ok, err := env.manager.Guard().CanControl(ctx, "100001", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("delegate must control playback right after the grant")
	}

	if err := env.manager.RevokeDelegation(ctx, 1, 4); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	ok, _ = env.manager.Guard().CanControl(ctx, "100001", 4)
	if ok {
		t.Fatalf("revoked delegation must not grant control")
	}
}

// TestGrantDelegationValidation 验证授予委托的前置校验。
func TestGrantDelegationValidation(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.participants.Add(context.Background(), &model.Participant{
		EventID: "100001", UserID: 2, Role: model.RoleParticipant,
	})

	ctx := context.Background()
	if _, err := env.manager.GrantDelegation(ctx, "100001", 1, 2, 0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("zero duration must be rejected, got %v", err)
	}
	if _, err := env.manager.GrantDelegation(ctx, "100001", 1, 1, time.Hour); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("self delegation must be rejected, got %v", err)
	}
	if _, err := env.manager.GrantDelegation(ctx, "100001", 2, 1, time.Hour); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("non-creator grant must be rejected, got %v", err)
	}
	if _, err := env.manager.GrantDelegation(ctx, "100001", 1, 99, time.Hour); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("grant to a non-participant must be rejected, got %v", err)
	}
}

// TestControlCheckOnMissingEvent 验证对不存在的活动判定权限返回 NotFound。
func TestControlCheckOnMissingEvent(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)

	_, err := env.manager.Guard().CanControl(context.Background(), "999999", 1)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
