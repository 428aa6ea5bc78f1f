package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"SleepyTesting/internal/eventbus"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/step"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.EventType
}

func (p *recordingPublisher) Publish(_ context.Context, t eventbus.EventType, _ map[string]any) {
	p.mu.Lock()
	p.events = append(p.events, t)
	p.mu.Unlock()
}

type failingPersister struct{}

func (failingPersister) Load(context.Context) ([]HistoryEntry, error) { return nil, nil }
func (failingPersister) Save(context.Context, HistoryEntry) error   { return errors.New("disk full") }

func TestRecordThenOptimizeRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	recorded := step.UIStep{
		Action:      "click",
		Target:      "send_button",
		Platform:    step.PlatformAndroid,
		DeviceID:    "A123",
		Description: "点击发送按钮",
	}
	if err := store.Record(ctx, recorded, true); err != nil {
		t.Fatalf("record: %v", err)
	}

	input := recorded.Clone()
	input.Description = "发送"
	input.Parameters = map[string]any{"text": "hi"}
	out := store.Optimize(ctx, []step.UIStep{input})
	if len(out) != 1 {
		t.Fatalf("unexpected length: %d", len(out))
	}
	got := out[0]
	if got.Description != "点击发送按钮" || got.Platform != step.PlatformAndroid || got.DeviceID != "A123" {
		t.Fatalf("stored fields not substituted: %+v", got)
	}
	if got.Action != "click" || got.Target != "send_button" || got.Parameters["text"] != "hi" {
		t.Fatalf("input fields should be preserved: %+v", got)
	}

	entry, ok := store.Lookup(step.Fingerprint(recorded))
	if !ok || entry.SuccessCount != 1 || entry.LastOutcome != OutcomeSuccess {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestRecordFailureLeavesStoreUnchanged(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	s := step.UIStep{Action: "click", Target: "x", Platform: step.PlatformWeb}

	if err := store.Record(ctx, s, false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("failed outcome must not create an entry")
	}

	_ = store.Record(ctx, s, true)
	before, _ := store.Lookup(step.Fingerprint(s))
	_ = store.Record(ctx, s, false)
	after, _ := store.Lookup(step.Fingerprint(s))
	if before != after {
		t.Fatalf("failed outcome changed the entry: %+v -> %+v", before, after)
	}
}

func TestOptimizePreservesOrderAndUnknownSteps(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	known := step.UIStep{Action: "login", Target: "btn", Platform: step.PlatformIOS, Description: "登录"}
	_ = store.Record(ctx, known, true)

	steps := []step.UIStep{
		{Action: "open", Target: "app", Platform: step.PlatformIOS, Description: "打开"},
		{Action: "login", Target: "btn", Platform: step.PlatformIOS, Description: "原始描述"},
		{ToolName: "weather"},
	}
	out := store.Optimize(ctx, steps)
	if len(out) != 3 {
		t.Fatalf("length changed: %d", len(out))
	}
	if out[0].Description != "打开" || out[2].ToolName != "weather" {
		t.Fatalf("unknown steps should pass through: %+v", out)
	}
	if out[1].Description != "登录" {
		t.Fatalf("known step not optimized: %+v", out[1])
	}
}

func TestRecordPublishesAndPersists(t *testing.T) {
	pub := &recordingPublisher{}
	path := filepath.Join(t.TempDir(), "memory.json")
	persister, err := NewFilePersister(path)
	if err != nil {
		t.Fatalf("new file persister: %v", err)
	}
	store := NewStore(WithPersister(persister), WithPublisher(pub))
	s := step.UIStep{Action: "type", Target: "search", Platform: step.PlatformWeb, Description: "搜索"}
	if err := store.Record(context.Background(), s, true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(context.Background(), s, true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(pub.events) != 2 || pub.events[0] != eventbus.MemoryUpdated {
		t.Fatalf("unexpected events: %v", pub.events)
	}

	reloadedPersister, _ := NewFilePersister(path)
	reloaded := NewStore(WithPersister(reloadedPersister))
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	entry, ok := reloaded.Lookup(step.Fingerprint(s))
	if !ok || entry.SuccessCount != 2 || entry.Description != "搜索" {
		t.Fatalf("unexpected reloaded entry: %+v", entry)
	}
}

func TestRecordSurfacesPersistenceFailure(t *testing.T) {
	store := NewStore(WithPersister(failingPersister{}))
	err := store.Record(context.Background(), step.UIStep{Action: "click", Target: "x"}, true)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("entry should not be kept when persistence fails")
	}
}

func TestPingChecksPersister(t *testing.T) {
	ctx := context.Background()
	if err := NewStore().Ping(ctx); err != nil {
		t.Fatalf("store without persister should be healthy: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "history")
	persister, err := NewFilePersister(filepath.Join(dir, "patterns.json"))
	if err != nil {
		t.Fatalf("new persister: %v", err)
	}
	store := NewStore(WithPersister(persister))
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if err := store.Ping(ctx); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}
