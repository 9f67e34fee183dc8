package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator 负责执行内嵌 SQL 迁移脚本。
type Migrator struct {
	db *sql.DB
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Up 依次执行 migrations 目录下尚未执行过的 SQL 文件，返回本次执行的文件名。
// 通过文件名字典序控制迁移顺序（例如 001_xxx.sql -> 002_xxx.sql）。
// 已执行的迁移记录在 schema_meta 中（key = "migration:<文件名>"）。
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure schema_meta: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var applied []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		key := "migration:" + entry.Name()
		var doneAt string
		err := m.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&doneAt)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return applied, fmt.Errorf("query migration state %s: %w", entry.Name(), err)
		}

		raw, err := migrationFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := m.db.ExecContext(ctx, string(raw)); err != nil {
			return applied, fmt.Errorf("exec migration %s: %w", entry.Name(), err)
		}
		if _, err := m.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_meta(key, value) VALUES(?, ?)
		`, key, formatTime(time.Now())); err != nil {
			return applied, fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
		applied = append(applied, entry.Name())
	}

	return applied, nil
}
