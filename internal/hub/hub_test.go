package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"SleepyTesting/internal/eventbus"
	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/observability/alerting"
)

type recordingPresenter struct {
	mu    sync.Mutex
	lines []string
}

func (p *recordingPresenter) add(level, msg string) {
	p.mu.Lock()
	p.lines = append(p.lines, level+" "+msg)
	p.mu.Unlock()
}

func (p *recordingPresenter) Inform(msg string) { p.add("INFO", msg) }
func (p *recordingPresenter) Warn(msg string)   { p.add("WARN", msg) }
func (p *recordingPresenter) Error(msg string)  { p.add("ERROR", msg) }
func (p *recordingPresenter) Prompt(context.Context, string) (string, error) {
	return "", nil
}

func (p *recordingPresenter) count(level string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, line := range p.lines {
		if len(line) > len(level) && line[:len(level)+1] == level+" " {
			n++
		}
	}
	return n
}

type recordingAlerts struct {
	events []alerting.Event
}

func (a *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	a.events = append(a.events, event)
	return nil
}

type fakeAgent struct{ generation int }

// scriptedFactory 依次返回预设的结果，true 表示构造成功。
type scriptedFactory struct {
	mu      sync.Mutex
	outcome []bool
	calls   int
}

func (f *scriptedFactory) build(context.Context) (Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.outcome) && f.outcome[idx] {
		return &fakeAgent{generation: f.calls}, nil
	}
	return nil, fmt.Errorf("build attempt %d failed", f.calls)
}

func collect(bus *eventbus.Bus, eventType eventbus.EventType) *[]eventbus.Event {
	var mu sync.Mutex
	events := &[]eventbus.Event{}
	bus.Subscribe(eventType, func(_ context.Context, ev eventbus.Event) error {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
		return nil
	})
	return events
}

func newTestHub(t *testing.T, cfg Config, opts ...Option) (*Hub, *eventbus.Bus, *recordingPresenter) {
	t.Helper()
	bus := eventbus.New()
	presenter := &recordingPresenter{}
	h, err := New(bus, cfg, append([]Option{WithPresenter(presenter)}, opts...)...)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(h.Close)
	return h, bus, presenter
}

func TestNewRejectsInvalidLimits(t *testing.T) {
	if _, err := New(eventbus.New(), Config{MaxRetries: -1}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRegisterTransitionsToReady(t *testing.T) {
	h, _, presenter := newTestHub(t, Config{})
	if err := h.Register(context.Background(), "decomposer", "decomposer", &fakeAgent{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Register(context.Background(), "decomposer", "decomposer", &fakeAgent{}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	record, ok := h.Record("decomposer")
	if !ok || record.State != StateReady || record.ErrorCount != 0 || record.RetryCount != 0 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if presenter.count("INFO") != 1 {
		t.Fatalf("expected one inform for the READY transition: %v", presenter.lines)
	}
}

func TestErrorSignalsCountAndRestartAtThreshold(t *testing.T) {
	factory := &scriptedFactory{outcome: []bool{true}}
	h, bus, _ := newTestHub(t, Config{ErrorThreshold: 3, MaxRetries: 3})
	recovered := collect(bus, eventbus.AgentRecovered)
	_ = h.RegisterFactory("worker", factory.build)
	_ = h.Register(context.Background(), "w1", "worker", &fakeAgent{})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := h.ReportError(ctx, "w1", errors.New("boom")); err != nil {
			t.Fatalf("report: %v", err)
		}
		record, _ := h.Record("w1")
		if record.State != StateError || record.ErrorCount != i || record.RetryCount != 0 {
			t.Fatalf("after %d errors: %+v", i, record)
		}
	}

	if err := h.ReportError(ctx, "w1", errors.New("boom")); err != nil {
		t.Fatalf("report: %v", err)
	}
	record, _ := h.Record("w1")
	if record.State != StateReady || record.ErrorCount != 0 || record.RetryCount != 1 {
		t.Fatalf("restart should reset the error count: %+v", record)
	}
	if len(*recovered) != 1 || (*recovered)[0].Payload["agent_id"] != "w1" {
		t.Fatalf("expected AGENT_RECOVERED: %+v", *recovered)
	}
	agent, _ := h.Acquire("w1")
	if agent.(*fakeAgent).generation != 1 {
		t.Fatalf("restart should install the rebuilt agent")
	}
	h.Release("w1")
}

func TestShutdownOnlyWhenRestartFailsAtMaxRetries(t *testing.T) {
	factory := &scriptedFactory{outcome: []bool{false, true, false}}
	alerts := &recordingAlerts{}
	h, bus, presenter := newTestHub(t, Config{ErrorThreshold: 1, MaxRetries: 3}, WithAlerts(alerts))
	shutdown := collect(bus, eventbus.AgentShutdown)
	_ = h.RegisterFactory("worker", factory.build)
	_ = h.Register(context.Background(), "w1", "worker", &fakeAgent{})
	ctx := context.Background()

	// 第一次重启失败：RetryCount=1，仍为 ERROR，错误计数不清零。
	if err := h.ReportError(ctx, "w1", errors.New("e1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	record, _ := h.Record("w1")
	if record.State != StateError || record.RetryCount != 1 || record.ErrorCount != 1 {
		t.Fatalf("after failed restart: %+v", record)
	}

	// 第二次重启成功。
	_ = h.ReportError(ctx, "w1", errors.New("e2"))
	record, _ = h.Record("w1")
	if record.State != StateReady || record.RetryCount != 2 || record.ErrorCount != 0 {
		t.Fatalf("after successful restart: %+v", record)
	}

	// 第三次重启失败且达到上限。
	err := h.ReportError(ctx, "w1", errors.New("e3"))
	if xerrors.CodeOf(err) != xerrors.CodeAgentFailure {
		t.Fatalf("expected agent failure, got %v", err)
	}
	record, _ = h.Record("w1")
	if record.State != StateShutdown || record.RetryCount != 3 {
		t.Fatalf("expected shutdown: %+v", record)
	}
	if len(*shutdown) != 1 || len(alerts.events) != 1 || alerts.events[0].AgentID != "w1" {
		t.Fatalf("shutdown should publish and alert: events=%v alerts=%v", *shutdown, alerts.events)
	}
	if presenter.count("ERROR") != 1 {
		t.Fatalf("shutdown should be reported with error severity: %v", presenter.lines)
	}

	// SHUTDOWN 忽略后续信号。
	if err := h.ReportError(ctx, "w1", errors.New("late")); err != nil {
		t.Fatalf("shutdown agent should ignore signals: %v", err)
	}
	after, _ := h.Record("w1")
	if after.ErrorCount != record.ErrorCount || after.RetryCount != record.RetryCount || factory.calls != 3 {
		t.Fatalf("shutdown agent changed: %+v", after)
	}
	if _, err := h.Acquire("w1"); xerrors.CodeOf(err) != xerrors.CodeAgentFailure {
		t.Fatalf("shutdown agent must not be acquired: %v", err)
	}
}

func TestAgentErrorEventIsAnErrorSignal(t *testing.T) {
	h, bus, presenter := newTestHub(t, Config{ErrorThreshold: 5})
	_ = h.Register(context.Background(), "w1", "worker", &fakeAgent{})

	bus.Publish(context.Background(), eventbus.AgentError, map[string]any{"agent_id": "w1", "message": "driver crashed"})
	bus.Publish(context.Background(), eventbus.AgentError, map[string]any{"agent_id": "w1"})

	record, _ := h.Record("w1")
	if record.State != StateError || record.ErrorCount != 2 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if presenter.count("WARN") != 2 {
		t.Fatalf("each error signal should warn: %v", presenter.lines)
	}
}

func TestHealthCheckFlagsStaleAgents(t *testing.T) {
	h, bus, _ := newTestHub(t, Config{ErrorThreshold: 10, MaxRetries: 1, HeartbeatInterval: time.Minute})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }
	ctx := context.Background()

	_ = h.Register(ctx, "stale", "worker", &fakeAgent{})
	_ = h.Register(ctx, "busy", "worker", &fakeAgent{})
	if _, err := h.Acquire("busy"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clock = clock.Add(30 * time.Second)
	_ = h.Register(ctx, "fresh", "worker", &fakeAgent{})

	clock = clock.Add(45 * time.Second)
	if err := h.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
	for id, want := range map[string]int{"stale": 1, "busy": 1, "fresh": 0} {
		record, _ := h.Record(id)
		if record.ErrorCount != want {
			t.Fatalf("%s: expected %d errors, got %+v", id, want, record)
		}
	}

	clock = clock.Add(2 * time.Minute)
	bus.Publish(ctx, eventbus.HealthCheck, nil)
	record, _ := h.Record("fresh")
	if record.ErrorCount != 1 {
		t.Fatalf("HEALTH_CHECK event should run the check: %+v", record)
	}
}

type pingAgent struct{ err error }

func (p *pingAgent) Ping(context.Context) error { return p.err }

func TestPingRefreshesOnlyAnsweringAgents(t *testing.T) {
	h, _, _ := newTestHub(t, Config{HeartbeatInterval: time.Minute})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }
	ctx := context.Background()
	_ = h.Register(ctx, "ok", "worker", &pingAgent{})
	_ = h.Register(ctx, "broken", "worker", &pingAgent{err: errors.New("unreachable")})
	_ = h.Register(ctx, "plain", "worker", &fakeAgent{})

	clock = clock.Add(2 * time.Minute)
	h.ProbeAll(ctx)
	_ = h.HealthCheck(ctx)

	for id, want := range map[string]int{"ok": 0, "broken": 1, "plain": 1} {
		record, _ := h.Record(id)
		if record.ErrorCount != want {
			t.Fatalf("%s: expected %d errors, got %+v", id, want, record)
		}
	}
}

func TestTickerSequenceFlagsStaleBusyAgent(t *testing.T) {
	h, bus, _ := newTestHub(t, Config{ErrorThreshold: 10, MaxRetries: 1, HeartbeatInterval: time.Minute})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return clock }
	ctx := context.Background()
	_ = h.Register(ctx, "controller", "worker", &pingAgent{})
	_ = h.Register(ctx, "memory", "worker", &pingAgent{})
	if _, err := h.Acquire("controller"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clock = clock.Add(10 * time.Minute)
	h.ProbeAll(ctx)
	bus.Publish(ctx, eventbus.HealthCheck, map[string]any{"source": "ticker"})

	record, _ := h.Record("controller")
	if record.State != StateError || record.ErrorCount != 1 {
		t.Fatalf("hung BUSY agent should be flagged: %+v", record)
	}
	if record, _ := h.Record("memory"); record.State != StateReady || record.ErrorCount != 0 {
		t.Fatalf("idle agent answering ping should stay healthy: %+v", record)
	}
}

func TestAcquireReleaseTracksBusy(t *testing.T) {
	h, _, _ := newTestHub(t, Config{})
	_ = h.Register(context.Background(), "w1", "worker", &fakeAgent{})

	_, _ = h.Acquire("w1")
	_, _ = h.Acquire("w1")
	if record, _ := h.Record("w1"); record.State != StateBusy {
		t.Fatalf("expected BUSY: %+v", record)
	}
	h.Release("w1")
	if record, _ := h.Record("w1"); record.State != StateBusy {
		t.Fatalf("still one user, expected BUSY: %+v", record)
	}
	h.Release("w1")
	if record, _ := h.Record("w1"); record.State != StateReady {
		t.Fatalf("expected READY: %+v", record)
	}
	if snapshot := h.Snapshot(); len(snapshot) != 1 || snapshot[0].ID != "w1" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestReportErrorUnknownAgent(t *testing.T) {
	h, _, _ := newTestHub(t, Config{})
	if err := h.ReportError(context.Background(), "ghost", errors.New("x")); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
