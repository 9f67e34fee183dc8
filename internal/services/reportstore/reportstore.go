package reportstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/logging"
	"forensic-ledger/internal/services/cases"
)

// Store 持久化归一化后的 agent 报告。
type Store struct {
	store    *sqliteadapter.Store
	registry *cases.Registry
	now      func() time.Time
	logger   *slog.Logger
}

func New(store *sqliteadapter.Store, registry *cases.Registry) *Store {
	return &Store{
		store:    store,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.New("reportstore"),
	}
}

// Save 写入一份报告。caseID 为 0 时落到默认案件（不存在则创建），evidenceID 为 0 表示不关联证据。
func (s *Store) Save(ctx context.Context, caseID, evidenceID int64, agentName, analysisType string,
	report model.CanonicalReport, raw string) (int64, error) {
	if caseID == 0 {
		c, err := s.registry.ResolveOrCreate(ctx, "")
		if err != nil {
			return 0, fmt.Errorf("resolve default case: %w", err)
		}
		caseID = c.ID
	}
	if evidenceID != 0 {
		ev, err := s.store.GetEvidence(ctx, evidenceID)
		if err != nil {
			return 0, err
		}
		if ev == nil {
			return 0, fmt.Errorf("evidence %d: %w", evidenceID, model.ErrNotFound)
		}
	}
	if report.Verdict == "" {
		report.Verdict = model.VerdictUnknown
	}

	reportID, err := s.store.InsertReport(ctx, model.AgentReport{
		CaseID:          caseID,
		EvidenceID:      evidenceID,
		AgentName:       agentName,
		AnalysisType:    analysisType,
		RawResponse:     raw,
		CreatedAt:       s.now(),
		CanonicalReport: report,
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("report saved",
		slog.Int64("report_id", reportID),
		slog.Int64("case_id", caseID),
		slog.String("agent", agentName),
		slog.String("verdict", string(report.Verdict)))
	return reportID, nil
}

func (s *Store) Get(ctx context.Context, reportID int64) (*model.AgentReport, error) {
	r, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("report %d: %w", reportID, model.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListByCase(ctx context.Context, caseID int64) ([]model.AgentReport, error) {
	return s.store.ListReportsByCase(ctx, caseID)
}

func (s *Store) ListByEvidence(ctx context.Context, evidenceID int64) ([]model.AgentReport, error) {
	return s.store.ListReportsByEvidence(ctx, evidenceID)
}

// LatestVerdict 返回证据最新报告的结论；没有报告时返回 ErrNotFound。
func (s *Store) LatestVerdict(ctx context.Context, evidenceID int64) (*model.AgentReport, error) {
	r, err := s.store.LatestReportByEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("verdict for evidence %d: %w", evidenceID, model.ErrNotFound)
	}
	return r, nil
}

func (s *Store) Summary(ctx context.Context) (*model.AnalysisSummary, error) {
	return s.store.Summary(ctx)
}

// Timeline 合并案件的证据、事件与报告，按时间升序；同一时刻按证据、事件、报告的顺序。
func (s *Store) Timeline(ctx context.Context, caseID int64) ([]model.TimelineEntry, error) {
	evidence, err := s.store.ListEvidenceByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEventsByCase(ctx, caseID, 0)
	if err != nil {
		return nil, err
	}
	reports, err := s.store.ListReportsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	out := make([]model.TimelineEntry, 0, len(evidence)+len(events)+len(reports))
	for _, ev := range evidence {
		out = append(out, model.TimelineEntry{
			Kind:      "evidence",
			RefID:     ev.ID,
			Timestamp: ev.CollectedAt,
			Title:     "Evidence collected: " + ev.Filename,
			Detail:    fmt.Sprintf("%s, %d bytes, sha256 %s", ev.FileType, ev.FileSize, ev.FileHash),
		})
	}
	for _, e := range events {
		out = append(out, model.TimelineEntry{
			Kind:      "event",
			RefID:     e.ID,
			Timestamp: e.Timestamp,
			Title:     e.Description,
			Detail:    e.Details,
		})
	}
	for _, r := range reports {
		out = append(out, model.TimelineEntry{
			Kind:      "report",
			RefID:     r.ID,
			Timestamp: r.CreatedAt,
			Title:     fmt.Sprintf("%s report (%s)", r.AgentName, r.AnalysisType),
			Detail:    r.Summary,
			Verdict:   r.Verdict,
		})
	}

	rank := map[string]int{"evidence": 0, "event": 1, "report": 2}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].Kind != out[j].Kind {
			return rank[out[i].Kind] < rank[out[j].Kind]
		}
		return out[i].RefID < out[j].RefID
	})
	return out, nil
}
