package pythonbridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "planner.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestGenerateStepsReadsStdout(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat >/dev/null\necho '[{\"action\":\"login\",\"target\":\"btn\"}]'\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.GenerateSteps(context.Background(), llm.Request{Task: "登录"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(resp.Content, "login") {
		t.Fatalf("unexpected content: %s", resp.Content)
	}
}

func TestGenerateStepsPassesTaskOnStdin(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ncat\n")
	client, _ := NewClient("sh", script, "")
	resp, err := client.GenerateSteps(context.Background(), llm.Request{Task: "查看天气"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(resp.Content, "查看天气") {
		t.Fatalf("task not forwarded: %s", resp.Content)
	}
}

func TestGenerateStepsClassifiesExitCodes(t *testing.T) {
	transient := writeScript(t, "#!/bin/sh\necho busy >&2\nexit 75\n")
	client, _ := NewClient("sh", transient, "")
	if _, err := client.GenerateSteps(context.Background(), llm.Request{Task: "x"}); xerrors.CodeOf(err) != xerrors.CodeTransientRemote {
		t.Fatalf("expected transient failure, got %v", err)
	}

	fatal := writeScript(t, "#!/bin/sh\nexit 1\n")
	client, _ = NewClient("sh", fatal, "")
	if _, err := client.GenerateSteps(context.Background(), llm.Request{Task: "x"}); xerrors.CodeOf(err) != xerrors.CodeFatalRemote {
		t.Fatalf("expected fatal failure, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt", "planner.py"); got != filepath.Join("/opt", "planner.py") {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := ResolveScriptPath("/opt", "/abs/planner.py"); got != "/abs/planner.py" {
		t.Fatalf("absolute path should be kept: %s", got)
	}
}

func TestPingChecksInterpreterAndScript(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\n")
	client, err := NewClient("sh", filepath.Base(script), filepath.Dir(script))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	missing, _ := NewClient("sh", filepath.Join(t.TempDir(), "absent.py"), "")
	if err := missing.Ping(context.Background()); xerrors.CodeOf(err) != xerrors.CodeServiceUnavailable {
		t.Fatalf("expected unavailable script, got %v", err)
	}
	noPython, _ := NewClient("sleepy-no-such-python", script, "")
	if err := noPython.Ping(context.Background()); xerrors.CodeOf(err) != xerrors.CodeServiceUnavailable {
		t.Fatalf("expected missing interpreter, got %v", err)
	}
}
