package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open 打开（必要时创建）数据库文件。
// 只保留单连接：SQLite 单写者模型下这样可以避免 SQLITE_BUSY，
// 同时保证 PRAGMA foreign_keys 对所有语句生效。
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA journal_mode = WAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return db, nil
}

// OpenAndMigrate 是 CLI/测试常用的组合：打开数据库并执行迁移。
func OpenAndMigrate(ctx context.Context, dbPath string) (*sql.DB, *Store, error) {
	db, err := Open(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}
	if _, err := NewMigrator(db).Up(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return db, NewStore(db), nil
}

// formatTime 是落库时间的唯一格式，哈希链也依赖这个字符串。
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// FormatTime 暴露给 ledger 做哈希重算。
func FormatTime(t time.Time) string {
	return formatTime(t)
}
