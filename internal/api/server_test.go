package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"SleepyTesting/internal/hub"
	"SleepyTesting/internal/observability/metrics"
	"SleepyTesting/internal/step"
	"SleepyTesting/internal/task"
)

type stubAgents struct {
	records  []hub.AgentRecord
	probed   int
	checkErr error
}

func (a *stubAgents) Snapshot() []hub.AgentRecord       { return a.records }
func (a *stubAgents) ProbeAll(context.Context)          { a.probed++ }
func (a *stubAgents) HealthCheck(context.Context) error { return a.checkErr }

type recordingProducer struct{ published []string }

func (p *recordingProducer) Publish(_ context.Context, id string) error {
	p.published = append(p.published, id)
	return nil
}
func (p *recordingProducer) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *task.MemoryStore, *recordingProducer, *metrics.Collector, *stubAgents) {
	t.Helper()
	store := task.NewMemoryStore()
	queue := &recordingProducer{}
	collector := metrics.NewCollector()
	agents := &stubAgents{records: []hub.AgentRecord{
		{ID: hub.AgentDecomposer, Kind: hub.AgentDecomposer, State: hub.StateReady},
		{ID: hub.AgentController, Kind: hub.AgentController, State: hub.StateError, ErrorCount: 1},
	}}
	server := NewServer(":0", task.NewService(store, queue, 3), agents, WithMetrics(collector))
	return server, store, queue, collector, agents
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskQueuesTask(t *testing.T) {
	server, _, queue, collector, _ := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/tasks", `{"description":"在Android设备A123上发送短信","session_id":"s1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" || created.Status != task.StatusPending || created.SessionID != "s1" {
		t.Fatalf("unexpected task: %+v", created)
	}
	if len(queue.published) != 1 || queue.published[0] != created.ID {
		t.Fatalf("task was not queued: %v", queue.published)
	}
	if !strings.Contains(collector.Render(), `handler="/api/v1/tasks",method="POST",code="202"`) {
		t.Fatalf("request not observed:\n%s", collector.Render())
	}
}

func TestCreateTaskRejectsMissingDescription(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)
	rec := do(t, server, http.MethodPost, "/api/v1/tasks", `{"session_id":"s1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != string(task.CodeTaskValidation) {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestGetTask(t *testing.T) {
	server, store, _, _, _ := newTestServer(t)
	sample := &task.Task{ID: "task-success", Description: "查收短信", Status: task.StatusPending, MaxRetries: 3}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}
	results := []step.ExecutionResult{{Step: step.UIStep{Action: "click", Target: "inbox", Platform: step.PlatformIOS}, Passed: true}}
	_ = store.MarkSucceeded(context.Background(), "task-success", results)

	rec := do(t, server, http.MethodGet, "/api/v1/tasks/task-success", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sample.ID || len(got.Results) != 1 || got.Results[0].Step.Target != "inbox" {
		t.Fatalf("unexpected task: %+v", got)
	}

	if rec := do(t, server, http.MethodGet, "/api/v1/tasks/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListTasksWithFilters(t *testing.T) {
	server, store, _, _, _ := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_ = store.Create(ctx, &task.Task{ID: id, Description: "任务 " + id, Status: task.StatusPending, MaxRetries: 3})
	}
	_ = store.MarkFailed(ctx, "b", task.CodeTaskProcessing, "boom", true)

	rec := do(t, server, http.MethodGet, "/api/v1/tasks?status=failed&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body struct {
		Tasks []task.Task     `json:"tasks"`
		Stats task.TaskStats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tasks) != 1 || body.Tasks[0].ID != "b" || body.Stats.Failed != 1 || body.Stats.Total != 1 {
		t.Fatalf("unexpected list body: %+v", body)
	}

	for _, query := range []string{"status=unknown", "limit=-1", "offset=x"} {
		if rec := do(t, server, http.MethodGet, "/api/v1/tasks?"+query, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rec.Code)
		}
	}
}

func TestAgentEndpoints(t *testing.T) {
	server, _, _, _, agents := newTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/agents", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"ERROR"`) {
		t.Fatalf("unexpected agents response: %d %s", rec.Code, rec.Body.String())
	}

	agents.checkErr = errors.New("代理 controller 心跳超时")
	rec = do(t, server, http.MethodPost, "/api/v1/agents/health-check", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["healthy"] != false || agents.probed != 1 {
		t.Fatalf("unexpected health-check body: %v (probed %d)", body, agents.probed)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	server, _, _, _, _ := newTestServer(t)
	if rec := do(t, server, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	_ = do(t, server, http.MethodGet, "/nowhere", "")
	rec := do(t, server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `handler="/healthz"`) {
		t.Fatalf("metrics missing healthz request:\n%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `handler="unmatched"`) {
		t.Fatalf("unmatched routes should be grouped:\n%s", rec.Body.String())
	}
}
