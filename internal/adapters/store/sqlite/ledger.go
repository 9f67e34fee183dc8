package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"forensic-ledger/internal/domain/model"
)

// LastHash 返回指定链最近一条记录的 current_hash，空链返回 ""。
// 链顺序以自增 id 为准。
func (s *Store) LastHash(ctx context.Context, q Querier, kind model.ChainKind) (string, error) {
	table, err := chainTable(kind)
	if err != nil {
		return "", err
	}
	var last string
	err = q.QueryRowContext(ctx, `SELECT current_hash FROM `+table+` ORDER BY id DESC LIMIT 1`).Scan(&last)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query last %s hash: %w", kind, err)
	}
	return last, nil
}

// ChainHead 是链头检查点：最后一条记录的 id、current_hash 以及累计追加条数。
// 它与记录写入在同一事务内推进，尾部记录被整段删除时校验仍能发现。
type ChainHead struct {
	LastID   int64  `json:"last_id"`
	LastHash string `json:"last_hash"`
	Count    int64  `json:"count"`
}

func chainHeadKey(kind model.ChainKind) string {
	return "chain_head:" + string(kind)
}

// GetChainHead 读取链头检查点，从未追加过时返回 nil, nil。
func (s *Store) GetChainHead(ctx context.Context, q Querier, kind model.ChainKind) (*ChainHead, error) {
	if _, err := chainTable(kind); err != nil {
		return nil, err
	}
	raw, ok, err := s.GetMeta(ctx, q, chainHeadKey(kind))
	if err != nil || !ok {
		return nil, err
	}
	var head ChainHead
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return nil, fmt.Errorf("decode %s chain head: %w", kind, err)
	}
	return &head, nil
}

// PutChainHead 覆盖链头检查点，应与对应记录的 INSERT 处于同一事务。
func (s *Store) PutChainHead(ctx context.Context, q Querier, kind model.ChainKind, head ChainHead) error {
	if _, err := chainTable(kind); err != nil {
		return err
	}
	raw, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("encode %s chain head: %w", kind, err)
	}
	return s.PutMeta(ctx, q, chainHeadKey(kind), string(raw))
}

// CountChain 返回链上现存记录数。
func (s *Store) CountChain(ctx context.Context, q Querier, kind model.ChainKind) (int64, error) {
	table, err := chainTable(kind)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s chain: %w", kind, err)
	}
	return n, nil
}

// InsertEvidence 写入一条已计算好哈希的证据记录，返回自增 id。
func (s *Store) InsertEvidence(ctx context.Context, q Querier, ev model.Evidence) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO evidence(
			case_id, filename, file_path, file_hash, file_type, file_size,
			collected_at, metadata, prev_hash, current_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.CaseID, ev.Filename, ev.StoragePath, ev.FileHash, ev.FileType, ev.FileSize,
		formatTime(ev.CollectedAt), ev.Metadata, ev.PrevHash, ev.CurrentHash)
	if err != nil {
		return 0, fmt.Errorf("insert evidence: %w", err)
	}
	return res.LastInsertId()
}

// InsertEvent 写入一条已计算好哈希的事件记录，返回自增 id。
func (s *Store) InsertEvent(ctx context.Context, q Querier, e model.Event) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO events(case_id, description, details, timestamp, prev_hash, current_hash)
		VALUES(?, ?, ?, ?, ?, ?)
	`, e.CaseID, e.Description, e.Details, formatTime(e.Timestamp), e.PrevHash, e.CurrentHash)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

const evidenceColumns = `id, case_id, filename, file_path, file_hash, file_type, file_size, collected_at, metadata, prev_hash, current_hash`

const eventColumns = `id, case_id, description, details, timestamp, prev_hash, current_hash`

// ListEvidenceChain 按链顺序返回全部证据（校验用）。
func (s *Store) ListEvidenceChain(ctx context.Context) ([]model.Evidence, error) {
	return s.queryEvidence(ctx, `SELECT `+evidenceColumns+` FROM evidence ORDER BY id ASC`)
}

// ListEvidenceByCase 返回案件下的证据，按链顺序。
func (s *Store) ListEvidenceByCase(ctx context.Context, caseID int64) ([]model.Evidence, error) {
	return s.queryEvidence(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE case_id = ? ORDER BY id ASC`, caseID)
}

// GetEvidence 不存在时返回 nil, nil。
func (s *Store) GetEvidence(ctx context.Context, evidenceID int64) (*model.Evidence, error) {
	items, err := s.queryEvidence(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id = ? LIMIT 1`, evidenceID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// UpdateEvidenceMetadata 只允许改 metadata（不参与哈希）。返回 false 表示证据不存在。
func (s *Store) UpdateEvidenceMetadata(ctx context.Context, evidenceID int64, metadata string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE evidence SET metadata = ? WHERE id = ?`, metadata, evidenceID)
	if err != nil {
		return false, fmt.Errorf("update evidence metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update evidence metadata rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) queryEvidence(ctx context.Context, query string, args ...any) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	out := make([]model.Evidence, 0, 16)
	for rows.Next() {
		var (
			ev          model.Evidence
			collectedAt string
		)
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Filename, &ev.StoragePath, &ev.FileHash, &ev.FileType,
			&ev.FileSize, &collectedAt, &ev.Metadata, &ev.PrevHash, &ev.CurrentHash); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		ev.CollectedAt = parseTime(collectedAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}

// ListEventChain 按链顺序返回全部事件（校验用）。
func (s *Store) ListEventChain(ctx context.Context) ([]model.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id ASC`)
}

// ListEventsByCase 返回案件下的事件，limit<=0 表示不限制。
func (s *Store) ListEventsByCase(ctx context.Context, caseID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE case_id = ? ORDER BY id ASC LIMIT ?`, caseID, limit)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0, 16)
	for rows.Next() {
		var (
			e  model.Event
			ts string
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Description, &e.Details, &ts, &e.PrevHash, &e.CurrentHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func chainTable(kind model.ChainKind) (string, error) {
	switch kind {
	case model.ChainEvidence:
		return "evidence", nil
	case model.ChainEvents:
		return "events", nil
	}
	return "", fmt.Errorf("unknown chain kind %q: %w", kind, model.ErrInvalid)
}
