package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorRendersAllFamilies(t *testing.T) {
	c := NewCollector()
	c.ObserveHTTPRequest("/api/v1/tasks", "POST", 202, 30*time.Millisecond)
	c.ObserveHTTPRequest("/api/v1/tasks", "POST", 500, 2*time.Second)
	c.ObserveStep("ui", true, 200*time.Millisecond)
	c.ObserveStep("tool", false, time.Millisecond)
	c.ObserveRemoteCall("success", time.Second)
	c.IncRemoteRetry("RATE_LIMITED")
	c.IncRemoteRetry("RATE_LIMITED")
	c.ObserveAgentTransition("decomposer", "ERROR")
	c.ObserveTask("succeeded")

	out := c.Render()
	for _, want := range []string{
		`sleepy_http_requests_total{handler="/api/v1/tasks",method="POST",code="202"} 1`,
		`sleepy_http_request_errors_total{handler="/api/v1/tasks",method="POST"} 1`,
		`sleepy_http_request_duration_seconds_bucket{handler="/api/v1/tasks",method="POST",le="0.05"} 1`,
		`sleepy_http_request_duration_seconds_count{handler="/api/v1/tasks",method="POST"} 2`,
		`sleepy_steps_total{kind="tool",outcome="failed"} 1`,
		`sleepy_remote_call_duration_seconds_bucket{le="1"} 1`,
		`sleepy_remote_retries_total{code="RATE_LIMITED"} 2`,
		`sleepy_agent_transitions_total{kind="decomposer",state="ERROR"} 1`,
		`sleepy_tasks_total{status="succeeded"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHandlerServesDefaultCollector(t *testing.T) {
	ObserveHTTPRequest("/healthz", "GET", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `handler="/healthz"`) {
		t.Fatalf("default collector not exposed: %s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
}
