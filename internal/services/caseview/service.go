package caseview

import (
	"context"
	"fmt"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/ledger"
	"forensic-ledger/internal/services/reportstore"
)

// Overview 是案件详情页的聚合结果。
type Overview struct {
	model.CaseSummary
	Verdicts     map[model.Verdict]int `json:"verdicts"`
	WorstVerdict model.Verdict         `json:"worst_verdict,omitempty"`
	ChainHalted  map[string]bool       `json:"chain_halted"`
}

// EvidenceView 是证据及其最新一份报告。
type EvidenceView struct {
	model.Evidence
	Latest *model.AgentReport `json:"latest_report,omitempty"`
}

// Service 是案件只读视图。
type Service struct {
	store    *sqliteadapter.Store
	registry *cases.Registry
	reports  *reportstore.Store
	chain    *ledger.Chain
}

func New(store *sqliteadapter.Store, registry *cases.Registry, reports *reportstore.Store, chain *ledger.Chain) *Service {
	return &Service{store: store, registry: registry, reports: reports, chain: chain}
}

// 结论严重程度排序，用于挑出案件最差结论。
var verdictRank = map[model.Verdict]int{
	model.VerdictCompromised: 6,
	model.VerdictMalicious:   5,
	model.VerdictSuspicious:  4,
	model.VerdictError:       3,
	model.VerdictIncomplete:  3,
	model.VerdictNotReady:    2,
	model.VerdictUnknown:     1,
}

// GetOverview 按 id 或名称查询案件概况。
func (s *Service) GetOverview(ctx context.Context, identifier string) (*Overview, error) {
	c, err := s.registry.Lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	evCount, eventCount, err := s.store.CountCaseChainRows(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	reports, err := s.reports.ListByCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	out := &Overview{
		CaseSummary: model.CaseSummary{
			Case:          *c,
			EvidenceCount: evCount,
			EventCount:    eventCount,
			ReportCount:   len(reports),
		},
		Verdicts:    map[model.Verdict]int{},
		ChainHalted: map[string]bool{},
	}
	for _, r := range reports {
		out.Verdicts[r.Verdict]++
		if out.WorstVerdict == "" || verdictRank[r.Verdict] > verdictRank[out.WorstVerdict] {
			out.WorstVerdict = r.Verdict
		}
	}
	for _, kind := range []model.ChainKind{model.ChainEvidence, model.ChainEvents} {
		_, halted, err := s.chain.Halted(ctx, kind)
		if err != nil {
			return nil, err
		}
		out.ChainHalted[string(kind)] = halted
	}
	return out, nil
}

// ListEvidence 返回案件证据，附带各自最新报告。
func (s *Service) ListEvidence(ctx context.Context, caseID int64) ([]EvidenceView, error) {
	items, err := s.store.ListEvidenceByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	out := make([]EvidenceView, 0, len(items))
	for _, ev := range items {
		latest, err := s.store.LatestReportByEvidence(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, EvidenceView{Evidence: ev, Latest: latest})
	}
	return out, nil
}

// GetEvidence 查询单条证据。
func (s *Service) GetEvidence(ctx context.Context, evidenceID int64) (*EvidenceView, error) {
	ev, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("evidence %d: %w", evidenceID, model.ErrNotFound)
	}
	latest, err := s.store.LatestReportByEvidence(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	return &EvidenceView{Evidence: *ev, Latest: latest}, nil
}

// AnnotateEvidence 覆盖证据的备注（metadata 不参与链式哈希）。
func (s *Service) AnnotateEvidence(ctx context.Context, evidenceID int64, metadata string) (*EvidenceView, error) {
	ok, err := s.store.UpdateEvidenceMetadata(ctx, evidenceID, metadata)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("evidence %d: %w", evidenceID, model.ErrNotFound)
	}
	return s.GetEvidence(ctx, evidenceID)
}

func (s *Service) ListEvents(ctx context.Context, caseID int64, limit int) ([]model.Event, error) {
	return s.store.ListEventsByCase(ctx, caseID, limit)
}

func (s *Service) Timeline(ctx context.Context, caseID int64) ([]model.TimelineEntry, error) {
	return s.reports.Timeline(ctx, caseID)
}
