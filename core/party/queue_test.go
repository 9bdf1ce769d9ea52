package party

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PartyFM/core/errs"
	"PartyFM/model"
)

// TestReorderEntriesByScoreDesc 验证按净得分降序重排。
// 场景：三首歌得分分别为 1、5、-2，重排后顺序应为 5、1、-2。
func TestReorderEntriesByScoreDesc(t *testing.T) {
	entries := []*model.QueueEntry{
		{TrackID: "a", Position: 1},
		{TrackID: "b", Position: 2},
		{TrackID: "c", Position: 3},
	}
	scores := []model.TrackScore{
		{TrackID: "a", Score: 1},
		{TrackID: "b", Score: 5},
		{TrackID: "c", Score: -2},
	}

	order := ReorderEntries(entries, scores)
	want := []string{"b", "a", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

// TestReorderEntriesStableOnTies 验证同分曲目保持原有相对顺序。
// 场景：四首歌里 b 和 d 同为 3 分，重排后 b 仍在 d 前面。
func TestReorderEntriesStableOnTies(t *testing.T) {
	entries := []*model.QueueEntry{
		{TrackID: "a", Position: 1},
		{TrackID: "b", Position: 2},
		{TrackID: "c", Position: 3},
		{TrackID: "d", Position: 4},
	}
	scores := []model.TrackScore{
		{TrackID: "b", Score: 3},
		{TrackID: "d", Score: 3},
		{TrackID: "c", Score: 7},
	}

	order := ReorderEntries(entries, scores)
	want := []string{"c", "b", "d", "a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

// TestReorderEntriesIdempotent 验证对同一得分集合重复重排结果不变。
func TestReorderEntriesIdempotent(t *testing.T) {
	entries := []*model.QueueEntry{
		{TrackID: "a", Position: 1},
		{TrackID: "b", Position: 2},
		{TrackID: "c", Position: 3},
	}
	scores := []model.TrackScore{
		{TrackID: "a", Score: 2},
		{TrackID: "b", Score: 2},
		{TrackID: "c", Score: 9},
	}

	first := ReorderEntries(entries, scores)

	reordered := make([]*model.QueueEntry, len(first))
	for i, id := range first {
		reordered[i] = &model.QueueEntry{TrackID: id, Position: i + 1}
	}
	second := ReorderEntries(reordered, scores)

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("reorder must be idempotent, first=%v second=%v", first, second)
		}
	}
}

// TestReorderQueuePersistsContiguousPositions 验证重排后队列位置仍为连续的 1..N。
// 场景：投票把 c 顶到队首，重排后存储里 c=1、a=2、b=3。
func TestReorderQueuePersistsContiguousPositions(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.seedQueued("100001", "a", 100)
	env.seedQueued("100001", "b", 100)
	env.seedQueued("100001", "c", 100)

	ctx := context.Background()
	if err := env.manager.Vote(ctx, "100001", 1, "c", model.VoteTypeUp, 1); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if err := env.manager.ReorderQueue(ctx, "100001", 1); err != nil {
		t.Fatalf("reorder failed: %v", err)
	}

	entries, _ := env.queue.List(ctx, "100001")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].TrackID != "c" {
		t.Fatalf("expected c at head, got %s", entries[0].TrackID)
	}
	for i, e := range entries {
		if e.Position != i+1 {
			t.Fatalf("positions must be contiguous 1..N, got %d at index %d", e.Position, i)
		}
	}
}

// TestVotingDoesNotMoveQueue 验证投票本身不移动队列。
// 场景：给队尾的歌投再多票，在显式重排之前队列顺序不变。
func TestVotingDoesNotMoveQueue(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.seedQueued("100001", "a", 100)
	env.seedQueued("100001", "b", 100)

	ctx := context.Background()
	if err := env.manager.Vote(ctx, "100001", 1, "b", model.VoteTypeUp, 5); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	entries, _ := env.queue.List(ctx, "100001")
	if entries[0].TrackID != "a" || entries[1].TrackID != "b" {
		t.Fatalf("queue order must not change before explicit reorder")
	}
}

// TestRemoveTrackClosesGap 验证移除曲目后位置补位且其投票被清理。
func TestRemoveTrackClosesGap(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.seedQueued("100001", "a", 100)
	env.seedQueued("100001", "b", 100)
	env.seedQueued("100001", "c", 100)

	ctx := context.Background()
	if err := env.manager.Vote(ctx, "100001", 1, "b", model.VoteTypeUp, 1); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if err := env.manager.RemoveTrackFromQueue(ctx, "100001", 1, "b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	entries, _ := env.queue.List(ctx, "100001")
	if len(entries) != 2 || entries[0].Position != 1 || entries[1].Position != 2 {
		t.Fatalf("expected contiguous positions after removal, got %+v", entries)
	}

	if v, _ := env.votes.Get(ctx, "100001", 1, "b"); v != nil {
		t.Fatalf("votes for removed track must be deleted")
	}
}

// TestAddDuplicateTrackConflicts 验证重复入队返回冲突。
func TestAddDuplicateTrackConflicts(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.seedQueued("100001", "a", 100)

	_, err := env.manager.AddTrackToQueue(context.Background(), "100001", 1, &model.Track{ID: "a", Duration: 100})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// TestReorderSerializedAgainstRemoval 验证重排与并发的队列移除不交错。
// 场景：重排读到队列快照后另一个成员移除 b；移除必须排在重排之后执行，
// 最终位置仍然是连续的 1..N，不留空洞。
func TestReorderSerializedAgainstRemoval(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(start)
	env.seedEvent("100001", 1)
	env.seedQueued("100001", "a", 100)
	env.seedQueued("100001", "b", 100)
	env.seedQueued("100001", "c", 100)

	ctx := context.Background()
	var wg sync.WaitGroup
	env.queue.listHook = func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.manager.RemoveTrackFromQueue(ctx, "100001", 1, "b"); err != nil {
				t.Errorf("concurrent remove failed: %v", err)
			}
		}()
		// 给移除一个抢跑窗口：串行化正确时它只能等重排放锁
		time.Sleep(50 * time.Millisecond)
	}

	if err := env.manager.ReorderQueue(ctx, "100001", 1); err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	wg.Wait()

	entries, _ := env.queue.List(ctx, "100001")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after removal, got %+v", entries)
	}
	for i, e := range entries {
		if e.Position != i+1 {
			t.Fatalf("positions not contiguous after reorder+removal, got %+v", entries)
		}
	}
}
