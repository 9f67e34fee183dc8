package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"forensic-ledger/internal/domain/model"
)

// InsertReport 写入 agent 报告，返回自增 id。报告写入后不再修改。
func (s *Store) InsertReport(ctx context.Context, r model.AgentReport) (int64, error) {
	findings := r.Findings
	if findings == nil {
		findings = []model.Finding{}
	}
	details := r.TechnicalDetails
	if details == nil {
		details = map[string]any{}
	}
	recs := r.Recommendations
	if recs == nil {
		recs = []string{}
	}

	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return 0, fmt.Errorf("marshal findings: %w", err)
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("marshal technical details: %w", err)
	}
	recsJSON, err := json.Marshal(recs)
	if err != nil {
		return 0, fmt.Errorf("marshal recommendations: %w", err)
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_reports(
			case_id, evidence_id, agent_name, analysis_type, verdict, severity, criticality,
			confidence, summary, findings_json, technical_details_json, recommendations_json,
			raw_response, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.CaseID, nullIfZero(r.EvidenceID), r.AgentName, r.AnalysisType, string(r.Verdict),
		string(r.Severity), string(r.Criticality), string(r.Confidence), r.Summary,
		string(findingsJSON), string(detailsJSON), string(recsJSON), r.RawResponse, formatTime(createdAt))
	if err != nil {
		return 0, fmt.Errorf("insert agent report: %w", err)
	}
	return res.LastInsertId()
}

const reportColumns = `id, case_id, evidence_id, agent_name, analysis_type, verdict, severity, criticality,
	confidence, summary, findings_json, technical_details_json, recommendations_json, raw_response, created_at`

// GetReport 不存在时返回 nil, nil。
func (s *Store) GetReport(ctx context.Context, reportID int64) (*model.AgentReport, error) {
	items, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM agent_reports WHERE id = ? LIMIT 1`, reportID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// ListReportsByCase 按写入顺序返回案件下的报告。
func (s *Store) ListReportsByCase(ctx context.Context, caseID int64) ([]model.AgentReport, error) {
	return s.queryReports(ctx, `SELECT `+reportColumns+` FROM agent_reports WHERE case_id = ? ORDER BY id ASC`, caseID)
}

// ListReportsByEvidence 按写入顺序返回证据关联的报告。
func (s *Store) ListReportsByEvidence(ctx context.Context, evidenceID int64) ([]model.AgentReport, error) {
	return s.queryReports(ctx, `SELECT `+reportColumns+` FROM agent_reports WHERE evidence_id = ? ORDER BY id ASC`, evidenceID)
}

// LatestReportByEvidence 返回证据最新一份报告，没有时返回 nil, nil。
func (s *Store) LatestReportByEvidence(ctx context.Context, evidenceID int64) (*model.AgentReport, error) {
	items, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM agent_reports WHERE evidence_id = ? ORDER BY id DESC LIMIT 1`, evidenceID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]model.AgentReport, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agent reports: %w", err)
	}
	defer rows.Close()

	out := make([]model.AgentReport, 0, 8)
	for rows.Next() {
		var (
			r                                       model.AgentReport
			evidenceID                              sql.NullInt64
			verdict, severity, criticality, conf    string
			findingsJSON, detailsJSON, recsJSON, ts string
		)
		if err := rows.Scan(&r.ID, &r.CaseID, &evidenceID, &r.AgentName, &r.AnalysisType,
			&verdict, &severity, &criticality, &conf, &r.Summary,
			&findingsJSON, &detailsJSON, &recsJSON, &r.RawResponse, &ts); err != nil {
			return nil, fmt.Errorf("scan agent report: %w", err)
		}
		if evidenceID.Valid {
			r.EvidenceID = evidenceID.Int64
		}
		r.Verdict = model.Verdict(verdict)
		r.Severity = model.Level(severity)
		r.Criticality = model.Level(criticality)
		r.Confidence = model.Confidence(conf)
		r.Findings = []model.Finding{}
		r.TechnicalDetails = map[string]any{}
		r.Recommendations = []string{}
		if err := json.Unmarshal([]byte(findingsJSON), &r.Findings); err != nil {
			return nil, fmt.Errorf("decode findings of report %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &r.TechnicalDetails); err != nil {
			return nil, fmt.Errorf("decode technical details of report %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(recsJSON), &r.Recommendations); err != nil {
			return nil, fmt.Errorf("decode recommendations of report %d: %w", r.ID, err)
		}
		r.CreatedAt = parseTime(ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent reports: %w", err)
	}
	return out, nil
}

// Summary 返回全局计数，按 verdict 与 agent 分组。
func (s *Store) Summary(ctx context.Context) (*model.AnalysisSummary, error) {
	out := &model.AnalysisSummary{
		ByVerdict: map[model.Verdict]int{},
		ByAgent:   map[string]int{},
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM cases),
			(SELECT COUNT(1) FROM evidence),
			(SELECT COUNT(1) FROM events),
			(SELECT COUNT(1) FROM agent_reports)
	`).Scan(&out.Cases, &out.Evidence, &out.Events, &out.Reports)
	if err != nil {
		return nil, fmt.Errorf("query summary counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT verdict, agent_name, COUNT(1)
		FROM agent_reports
		GROUP BY verdict, agent_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query summary groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			verdict, agent string
			n              int
		)
		if err := rows.Scan(&verdict, &agent, &n); err != nil {
			return nil, fmt.Errorf("scan summary group: %w", err)
		}
		out.ByVerdict[model.Verdict(verdict)] += n
		out.ByAgent[agent] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary groups: %w", err)
	}
	return out, nil
}
