package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forensic-ledger/internal/domain/model"
)

// Querier 是 *sql.DB 与 *sql.Tx 的公共子集，链式写入需要在事务内复用同一套 SQL。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB 返回底层连接（非事务）。
func (s *Store) DB() Querier {
	return s.db
}

// WithTx 在单个事务内执行 fn，fn 返回错误则回滚。
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	v, _, err := s.GetMeta(ctx, s.db, key)
	return v, err
}

// GetMeta 在给定连接/事务上读取 schema_meta，ok=false 表示 key 不存在。
func (s *Store) GetMeta(ctx context.Context, q Querier, key string) (value string, ok bool, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return value, true, nil
}

// PutMeta 写入或覆盖 schema_meta 的一项。
func (s *Store) PutMeta(ctx context.Context, q Querier, key, value string) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO schema_meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("put schema_meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta 删除 schema_meta 的一项，返回是否真的删掉了记录。
func (s *Store) DeleteMeta(ctx context.Context, q Querier, key string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM schema_meta WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete schema_meta %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete schema_meta %s rows affected: %w", key, err)
	}
	return n > 0, nil
}

// InsertCaseIfAbsent 按 name 幂等插入案件。
// 返回 false 表示同名案件已存在（本次未写入），调用方应重新按名称读取。
func (s *Store) InsertCaseIfAbsent(ctx context.Context, c model.Case) (bool, error) {
	tags, err := marshalTags(c.Tags)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cases(
			case_number, name, description, investigator, status, priority,
			tags_json, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, c.CaseNumber, c.Name, c.Description, c.Investigator, string(c.Status), string(c.Priority),
		tags, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("insert case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert case rows affected: %w", err)
	}
	return n > 0, nil
}

const caseColumns = `id, case_number, name, description, investigator, status, priority, tags_json, created_at, updated_at`

// GetCaseByID 不存在时返回 nil, nil。
func (s *Store) GetCaseByID(ctx context.Context, caseID int64) (*model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ? LIMIT 1`, caseID)
	return scanCase(row)
}

// GetCaseByName 不存在时返回 nil, nil。
func (s *Store) GetCaseByName(ctx context.Context, name string) (*model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE name = ? LIMIT 1`, name)
	return scanCase(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*model.Case, error) {
	var (
		c                    model.Case
		status, priority     string
		tagsJSON             string
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.CaseNumber, &c.Name, &c.Description, &c.Investigator,
		&status, &priority, &tagsJSON, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.Status = model.CaseStatus(status)
	c.Priority = model.CasePriority(priority)
	c.Tags = []string{}
	if strings.TrimSpace(tagsJSON) != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &c.Tags)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// ListCases 返回案件列表（按 id 倒序），附带证据/事件/报告计数。
func (s *Store) ListCases(ctx context.Context, limit, offset int) ([]model.CaseSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id, c.case_number, c.name, c.description, c.investigator, c.status, c.priority,
			c.tags_json, c.created_at, c.updated_at,
			(SELECT COUNT(1) FROM evidence e WHERE e.case_id = c.id),
			(SELECT COUNT(1) FROM events v WHERE v.case_id = c.id),
			(SELECT COUNT(1) FROM agent_reports r WHERE r.case_id = c.id)
		FROM cases c
		ORDER BY c.id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	out := make([]model.CaseSummary, 0, 16)
	for rows.Next() {
		var (
			it                   model.CaseSummary
			status, priority     string
			tagsJSON             string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&it.ID, &it.CaseNumber, &it.Name, &it.Description, &it.Investigator,
			&status, &priority, &tagsJSON, &createdAt, &updatedAt,
			&it.EvidenceCount, &it.EventCount, &it.ReportCount); err != nil {
			return nil, fmt.Errorf("scan case summary: %w", err)
		}
		it.Status = model.CaseStatus(status)
		it.Priority = model.CasePriority(priority)
		it.Tags = []string{}
		_ = json.Unmarshal([]byte(tagsJSON), &it.Tags)
		it.CreatedAt = parseTime(createdAt)
		it.UpdatedAt = parseTime(updatedAt)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

// UpdateCase 覆盖可变字段；case_number 与 created_at 不在更新范围内。
// 返回 false 表示案件不存在。
func (s *Store) UpdateCase(ctx context.Context, c model.Case) (bool, error) {
	tags, err := marshalTags(c.Tags)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases
		SET name = ?, description = ?, status = ?, priority = ?, tags_json = ?, updated_at = ?
		WHERE id = ?
	`, c.Name, c.Description, string(c.Status), string(c.Priority), tags, formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return false, fmt.Errorf("update case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update case rows affected: %w", err)
	}
	return n > 0, nil
}

// CountCaseChainRows 返回案件拥有的证据数与事件数（用于删除前检查）。
func (s *Store) CountCaseChainRows(ctx context.Context, caseID int64) (evidence, events int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM evidence WHERE case_id = ?),
			(SELECT COUNT(1) FROM events WHERE case_id = ?)
	`, caseID, caseID).Scan(&evidence, &events)
	if err != nil {
		return 0, 0, fmt.Errorf("count case chain rows: %w", err)
	}
	return evidence, events, nil
}

// DeleteCase 删除案件，证据/事件/报告依赖外键级联删除。
func (s *Store) DeleteCase(ctx context.Context, caseID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cases WHERE id = ?`, caseID)
	if err != nil {
		return false, fmt.Errorf("delete case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete case rows affected: %w", err)
	}
	return n > 0, nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(raw), nil
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// now 统一取 UTC 当前时间，便于测试替换。
var now = func() time.Time { return time.Now().UTC() }
