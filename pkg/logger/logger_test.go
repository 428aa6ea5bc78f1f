package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterKeepsNewestBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 0)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 16
	clock := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789abc\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups := w.backups()
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups, got %v", backups)
	}
	if !strings.HasPrefix(filepath.Base(backups[0]), "audit-20261018T120004") {
		t.Fatalf("newest backup should come first: %v", backups)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(content) != "0123456789abc\n" {
		t.Fatalf("current file should hold only the last write: %q", content)
	}
}

func TestRotatingWriterPrunesExpiredBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 10, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	stale := filepath.Join(dir, "audit-20200101T000000.000.log")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed backup: %v", err)
	}
	old := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w.maxSize = 4
	_, _ = w.Write([]byte("abcd"))
	_, _ = w.Write([]byte("efgh"))
	_ = w.Close()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expired backup should be removed, stat err=%v", err)
	}
	if got := w.backups(); len(got) != 1 {
		t.Fatalf("expected the fresh backup to remain: %v", got)
	}
}

func TestReplaceAndNamed(t *testing.T) {
	var buf bytes.Buffer
	restore := Replace(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer restore()

	Named("hub").Info("代理已注册", slog.String("agent_id", "decomposer"))
	Audit().Warn("任务执行失败")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two records, got %q", buf.String())
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["component"] != "hub" || record["agent_id"] != "decomposer" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
