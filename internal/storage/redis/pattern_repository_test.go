package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"SleepyTesting/internal/memory"
	"SleepyTesting/internal/step"
)

func TestPatternRepositoryRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	repo, err := NewPatternRepository(ctx, Config{Address: mr.Addr(), Key: "test:patterns"})
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	defer repo.Close()

	store := memory.NewStore(memory.WithPersister(repo))
	s := step.UIStep{Action: "send_sms", Target: "send", Platform: step.PlatformAndroid, DeviceID: "A123", Description: "发送短信"}
	if err := store.Record(ctx, s, true); err != nil {
		t.Fatalf("record: %v", err)
	}

	if !mr.Exists("test:patterns") {
		t.Fatalf("hash key was not written")
	}

	entries, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Fingerprint != step.Fingerprint(s) || entries[0].DeviceID != "A123" || entries[0].SuccessCount != 1 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestNewPatternRepositoryRequiresAddress(t *testing.T) {
	if _, err := NewPatternRepository(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error when address is empty")
	}
}
