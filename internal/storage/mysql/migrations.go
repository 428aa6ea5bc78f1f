package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"SleepyTesting/deploy/migrations"
)

const migrationTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        applied_at BIGINT NOT NULL
)`

// migration 是一个版本化的 SQL 文件，文件名形如 0001_pattern_history.sql。
type migration struct {
	version    string
	name       string
	statements []string
}

// Migrator 按版本顺序执行 SQL 迁移，已记录在 schema_migrations 中的版本会被跳过。
type Migrator struct {
	db    *sql.DB
	files fs.FS
	now   func() time.Time
}

// NewMigrator 基于给定文件系统创建迁移器，files 为空时使用内嵌的迁移脚本。
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	if files == nil {
		files = migrations.Files
	}
	return &Migrator{db: db, files: files, now: time.Now}
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := NewMigrator(db, nil).Up(ctx)
	return err
}

// Up 执行尚未应用的迁移，返回本次应用的版本号。
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, migrationTable); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	pending, err := m.load()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var versions []string
	for _, mig := range pending {
		if applied[mig.version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return versions, err
		}
		versions = append(versions, mig.version)
	}
	return versions, nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", mig.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		mig.version, mig.name, m.now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", mig.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", mig.name, err)
	}
	return nil
}

// load 读取全部 .sql 文件并按版本排序，空文件被忽略。
func (m *Migrator) load() ([]migration, error) {
	names, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version, _, _ := strings.Cut(strings.TrimSuffix(path.Base(name), ".sql"), "_")
		out = append(out, migration{version: version, name: name, statements: statements})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].version != out[j].version {
			return out[i].version < out[j].version
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

// splitStatements 去掉整行 -- 注释后按分号切分语句。
func splitStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for {
			before, after, found := strings.Cut(line, ";")
			current.WriteString(before)
			if !found {
				break
			}
			flush()
			line = after
		}
		current.WriteByte('\n')
	}
	flush()
	return statements
}
