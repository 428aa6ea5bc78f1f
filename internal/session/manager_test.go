package session

import (
	"testing"

	xerrors "SleepyTesting/internal/errors"
)

func TestSessionLifecycle(t *testing.T) {
	m := NewManager()
	id, err := m.Start("s1")
	if err != nil || id != "s1" {
		t.Fatalf("start: %v %s", err, id)
	}
	if _, err := m.Start("s1"); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if m.Current() != "s1" {
		t.Fatalf("unexpected current session: %s", m.Current())
	}

	if err := m.Set("s1", "last_task", "t-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := m.Get("s1", "last_task")
	if err != nil || value != "t-1" {
		t.Fatalf("get: %v %v", value, err)
	}
	if _, err := m.Get("s1", "missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := m.End("s1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if m.Current() != "" {
		t.Fatalf("current should be cleared")
	}
	if err := m.Set("s1", "k", 1); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found after end, got %v", err)
	}
}

func TestStartGeneratesIDAndEnsureReuses(t *testing.T) {
	m := NewManager()
	id, err := m.Ensure("")
	if err != nil || id == "" {
		t.Fatalf("ensure: %v %q", err, id)
	}
	again, err := m.Ensure(id)
	if err != nil || again != id {
		t.Fatalf("ensure should reuse session: %v %q", err, again)
	}
	snap, ok := m.Snapshot(id)
	if !ok || snap.ID != id {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
