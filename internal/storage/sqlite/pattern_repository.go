// Package sqlite 提供单机部署使用的 SQLite 模式历史仓库。
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/memory"
	"SleepyTesting/internal/step"
)

const schema = `
CREATE TABLE IF NOT EXISTS pattern_history (
	fingerprint TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	success_count INTEGER NOT NULL DEFAULT 0,
	last_outcome TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pattern_platform ON pattern_history(platform, device_id);
`

// PatternRepository 使用 WAL 模式的 SQLite 文件保存历史条目。
type PatternRepository struct {
	db *sql.DB
}

// NewPatternRepository 打开数据库文件并建表。
func NewPatternRepository(path string) (*PatternRepository, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 SQLite 失败")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 pattern_history 表失败")
	}
	return &PatternRepository{db: db}, nil
}

// Load 读取全部历史条目。
func (r *PatternRepository) Load(ctx context.Context) ([]memory.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT fingerprint, description, platform, device_id,
		success_count, last_outcome, updated_at FROM pattern_history ORDER BY fingerprint`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询历史模式失败")
	}
	defer rows.Close()

	var entries []memory.HistoryEntry
	for rows.Next() {
		var entry memory.HistoryEntry
		var platform string
		if err := rows.Scan(&entry.Fingerprint, &entry.Description, &platform, &entry.DeviceID,
			&entry.SuccessCount, &entry.LastOutcome, &entry.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析历史模式失败")
		}
		entry.Platform = step.Platform(platform)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历历史模式失败")
	}
	return entries, nil
}

// Save 以 upsert 方式写入单个条目。
func (r *PatternRepository) Save(ctx context.Context, entry memory.HistoryEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pattern_history (fingerprint, description, platform, device_id, success_count, last_outcome, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			description = excluded.description,
			platform = excluded.platform,
			device_id = excluded.device_id,
			success_count = excluded.success_count,
			last_outcome = excluded.last_outcome,
			updated_at = excluded.updated_at
	`, entry.Fingerprint, entry.Description, string(entry.Platform), entry.DeviceID,
		entry.SuccessCount, entry.LastOutcome, entry.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史模式失败")
	}
	return nil
}

// Ping 检查数据库文件是否可访问。
func (r *PatternRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "SQLite 模式仓库不可用")
	}
	return nil
}

// Close 关闭数据库。
func (r *PatternRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ memory.Persister = (*PatternRepository)(nil)
