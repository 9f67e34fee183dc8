package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/hash"
	"forensic-ledger/internal/platform/id"
	"forensic-ledger/internal/services/dispatch"
	"forensic-ledger/internal/services/ledger"
)

// FileCheck 是单个证据文件的落盘哈希复核结果。
type FileCheck struct {
	EvidenceID int64  `json:"evidence_id"`
	Filename   string `json:"filename"`
	StoredHash string `json:"stored_hash"`
	ActualHash string `json:"actual_hash,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// CustodyChecks 汇总发给 CustodianAgent 的复核材料。
type CustodyChecks struct {
	EvidenceChain ledger.Result `json:"evidence_chain"`
	EventsChain   ledger.Result `json:"events_chain"`
	Files         []FileCheck   `json:"files"`
}

func (c CustodyChecks) intact() bool {
	return c.EvidenceChain.OK && c.EventsChain.OK
}

// CustodyReview 校验两条链与案件证据文件，再交给 custodian 能力给出 SECURE/COMPROMISED/INCOMPLETE。
// 链校验失败时链已冻结，不再调用 agent：直接保存 COMPROMISED 报告，并返回包装 ErrIntegrity 的错误。
func (s *Service) CustodyReview(ctx context.Context, caseIdentifier string) (*Result, error) {
	c, err := s.registry.Lookup(ctx, caseIdentifier)
	if err != nil {
		return nil, err
	}

	checks, err := s.collectChecks(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	rt := s.dispatcher.Route(dispatch.ArtifactDescriptor{Requested: model.CapCustodian})

	if !checks.intact() {
		return s.compromised(ctx, c, rt, checks)
	}

	return s.analyze(ctx, c, dispatch.AnalysisContext{
		RequestID: id.Request(),
		CaseID:    c.ID,
		Filename:  c.CaseNumber,
		Route:     rt,
		Subject: dispatch.CustodySubject(c.Name, map[string]any{
			"evidence_chain": checks.EvidenceChain,
			"events_chain":   checks.EventsChain,
			"evidence_files": checks.Files,
		}),
		Params: map[string]any{"case_number": c.CaseNumber},
	})
}

func (s *Service) collectChecks(ctx context.Context, caseID int64) (CustodyChecks, error) {
	var out CustodyChecks
	var err error
	if out.EvidenceChain, err = s.chain.Verify(ctx, model.ChainEvidence); err != nil {
		return out, err
	}
	if out.EventsChain, err = s.chain.Verify(ctx, model.ChainEvents); err != nil {
		return out, err
	}

	items, err := s.evidence.ListEvidenceByCase(ctx, caseID)
	if err != nil {
		return out, err
	}
	out.Files = make([]FileCheck, 0, len(items))
	for _, ev := range items {
		fc := FileCheck{EvidenceID: ev.ID, Filename: ev.Filename, StoredHash: ev.FileHash}
		sum, _, err := hash.File(ev.StoragePath)
		if err != nil {
			fc.Error = err.Error()
		} else {
			fc.ActualHash = sum
			fc.OK = sum == ev.FileHash
		}
		out.Files = append(out.Files, fc)
	}
	return out, nil
}

func (s *Service) compromised(ctx context.Context, c *model.Case, rt dispatch.Route, checks CustodyChecks) (*Result, error) {
	var failures []error
	for _, r := range []ledger.Result{checks.EvidenceChain, checks.EventsChain} {
		if err := r.Err(); err != nil {
			failures = append(failures, err)
		}
	}
	integrityErr := errors.Join(failures...)

	report := model.CanonicalReport{
		Verdict:     model.VerdictCompromised,
		Severity:    model.LevelCritical,
		Criticality: model.LevelCritical,
		Confidence:  model.ConfidenceHigh,
		Summary:     "Ledger verification failed: " + integrityErr.Error(),
		Findings:    []model.Finding{},
		TechnicalDetails: map[string]any{
			"evidence_chain": checks.EvidenceChain,
			"events_chain":   checks.EventsChain,
			"evidence_files": checks.Files,
		},
		Recommendations: []string{
			"Preserve the database file for investigation",
			"Acknowledge the halted chain only after the cause is understood",
		},
	}
	for _, r := range []ledger.Result{checks.EvidenceChain, checks.EventsChain} {
		for _, f := range r.Failures {
			report.Findings = append(report.Findings, model.Finding{
				Category:    fmt.Sprintf("%s chain", r.Kind),
				Description: f.Message,
				Severity:    string(model.LevelCritical),
				Evidence:    fmt.Sprintf("record %d (case %d)", f.RecordID, f.CaseID),
			})
		}
	}

	reportID, err := s.reports.Save(ctx, c.ID, 0, rt.AgentName, rt.AnalysisType, report, "")
	if err != nil {
		return nil, err
	}
	s.logger.Error("custody review found ledger corruption",
		slog.Bool("integrity_alert", true),
		slog.String("case", c.CaseNumber),
		slog.Int64("report_id", reportID))

	return &Result{
		Status:       "integrity_alert",
		CaseID:       c.ID,
		CaseNumber:   c.CaseNumber,
		Analysis:     report,
		ReportID:     reportID,
		AgentName:    rt.AgentName,
		AnalysisType: rt.AnalysisType,
	}, fmt.Errorf("custody review of %s: %w", c.CaseNumber, integrityErr)
}
