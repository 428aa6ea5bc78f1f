package task

import (
	"context"
	"testing"
	"time"

	"SleepyTesting/internal/step"
)

func seedStore(t *testing.T, base time.Time) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	tasks := []*Task{
		{ID: "t1", Description: "打开设置", SessionID: "s1", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", Description: "发送短信", SessionID: "s1", Status: StatusPending, MaxRetries: 3},
		{ID: "t3", Description: "查收短信", SessionID: "s2", Status: StatusPending, MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "driver offline", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	results := []step.ExecutionResult{{Step: step.UIStep{Action: "click", Target: "inbox"}, Passed: true}}
	if err := store.MarkSucceeded(ctx, "t3", results); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()
	return store
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	base := time.Now().Add(-2 * time.Minute)
	store := seedStore(t, base)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("expected newest first: %+v", all)
	}

	asc, _ := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	if len(asc) != 2 || asc[0].ID != "t1" || asc[1].ID != "t2" {
		t.Fatalf("unexpected ascending page: %+v", asc)
	}
	page, _ := store.List(ctx, BuildListOptions(WithOffset(2)))
	if len(page) != 1 || page[0].ID != "t1" {
		t.Fatalf("unexpected offset page: %+v", page)
	}
	empty, _ := store.List(ctx, BuildListOptions(WithOffset(10)))
	if len(empty) != 0 {
		t.Fatalf("offset beyond range should be empty: %+v", empty)
	}

	failed, _ := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed, "bogus")))
	if len(failed) != 1 || failed[0].ID != "t2" || failed[0].LastError != "driver offline" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withResults, _ := store.List(ctx, BuildListOptions(WithResultPresence(true)))
	if len(withResults) != 1 || withResults[0].ID != "t3" || len(withResults[0].Results) != 1 {
		t.Fatalf("unexpected result list: %+v", withResults)
	}

	session, _ := store.List(ctx, BuildListOptions(WithSession("s1")))
	if len(session) != 2 {
		t.Fatalf("unexpected session list: %+v", session)
	}

	query, _ := store.List(ctx, BuildListOptions(WithQuery("OFFLINE")))
	if len(query) != 1 || query[0].ID != "t2" {
		t.Fatalf("unexpected query list: %+v", query)
	}

	recent, _ := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	base := time.Now().Add(-3 * time.Minute)
	store := seedStore(t, base)
	ctx := context.Background()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(60*time.Second).Unix() || stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected timestamps: %+v", stats)
	}

	withoutResults, _ := store.Stats(ctx, BuildListOptions(WithResultPresence(false)))
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}

	none, _ := store.Stats(ctx, BuildListOptions(WithSession("missing")))
	if none.Total != 0 || none.OldestUpdatedAt != 0 {
		t.Fatalf("empty filter should yield zero stats: %+v", none)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "c1", Description: "登录", Status: StatusPending, MaxRetries: 1})

	claimed, err := store.Claim(ctx, "c1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "c1"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("running task should conflict, got %v", err)
	}
	_ = store.MarkFailed(ctx, "c1", CodeTaskProcessing, "boom", false)
	if _, err := store.Claim(ctx, "c1"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	claimed.Metadata = map[string]any{"mutated": true}
	fresh, _ := store.Get(ctx, "c1")
	if fresh.Metadata != nil {
		t.Fatalf("returned tasks must be copies")
	}
}
