package mysql

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"SleepyTesting/internal/memory"
	"SleepyTesting/internal/step"
)

func TestPatternRepositorySaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewPatternRepositoryWithDB(db)
	entry := memory.HistoryEntry{
		Fingerprint:  `"android"|"A123"|"click"|"t:send"`,
		Description:  "发送",
		Platform:     step.PlatformAndroid,
		DeviceID:     "A123",
		SuccessCount: 2,
		LastOutcome:  memory.OutcomeSuccess,
		UpdatedAt:    1700000000,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pattern_history")).
		WithArgs(entry.Fingerprint, entry.Description, "android", "A123", 2, "success", int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Save(context.Background(), entry); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPatternRepositoryLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"fingerprint", "description", "platform", "device_id", "success_count", "last_outcome", "updated_at"}).
		AddRow("fp-1", "登录", "ios", "B456", 3, "success", int64(1700000001))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT fingerprint, description, platform")).WillReturnRows(rows)

	entries, err := NewPatternRepositoryWithDB(db).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 1 || entries[0].Platform != step.PlatformIOS || entries[0].SuccessCount != 3 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
