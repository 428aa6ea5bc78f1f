package mysql

import (
	"context"
	"database/sql"

	xerrors "SleepyTesting/internal/errors"
	"SleepyTesting/internal/memory"
	"SleepyTesting/internal/step"
)

// PatternRepository 使用 pattern_history 表保存步骤历史。
type PatternRepository struct {
	db *sql.DB
}

// NewPatternRepository 打开连接池、执行迁移并返回仓库。
func NewPatternRepository(ctx context.Context, cfg Config) (*PatternRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 模式仓库失败")
	}
	return &PatternRepository{db: db}, nil
}

// NewPatternRepositoryWithDB 复用已有连接池，调用方负责迁移。
func NewPatternRepositoryWithDB(db *sql.DB) *PatternRepository {
	return &PatternRepository{db: db}
}

// Load 读取全部历史条目。
func (r *PatternRepository) Load(ctx context.Context) ([]memory.HistoryEntry, error) {
	const stmt = `SELECT fingerprint, description, platform, device_id, success_count, last_outcome, updated_at
        FROM pattern_history`

	rows, err := r.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询历史模式失败")
	}
	defer rows.Close()

	var entries []memory.HistoryEntry
	for rows.Next() {
		var entry memory.HistoryEntry
		var platform string
		if err := rows.Scan(
			&entry.Fingerprint,
			&entry.Description,
			&platform,
			&entry.DeviceID,
			&entry.SuccessCount,
			&entry.LastOutcome,
			&entry.UpdatedAt,
		); err != nil {
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
	const stmt = `INSERT INTO pattern_history
        (fingerprint, description, platform, device_id, success_count, last_outcome, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE description = VALUES(description), platform = VALUES(platform),
        device_id = VALUES(device_id), success_count = VALUES(success_count),
        last_outcome = VALUES(last_outcome), updated_at = VALUES(updated_at)`

	_, err := r.db.ExecContext(ctx, stmt,
		entry.Fingerprint,
		entry.Description,
		string(entry.Platform),
		entry.DeviceID,
		entry.SuccessCount,
		entry.LastOutcome,
		entry.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史模式失败")
	}
	return nil
}

// Ping 检查连接池是否可用。
func (r *PatternRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "MySQL 模式仓库不可用")
	}
	return nil
}

// Close 关闭连接池。
func (r *PatternRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ memory.Persister = (*PatternRepository)(nil)
