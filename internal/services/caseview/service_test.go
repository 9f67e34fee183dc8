package caseview

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/ledger"
	"forensic-ledger/internal/services/reportstore"
)

func TestOverviewAndEvidence(t *testing.T) {
	ctx := context.Background()
	db, store, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "view.db"))
	if err != nil {
		t.Fatalf("open and migrate: %v", err)
	}
	defer db.Close()

	registry := cases.NewRegistry(store, "default")
	chain := ledger.New(store)
	reports := reportstore.New(store, registry)
	svc := New(store, registry, reports, chain)

	c, err := registry.ResolveOrCreate(ctx, "view")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	var ids []int64
	for i, name := range []string{"a.exe", "b.pcap"} {
		ev, err := chain.AppendEvidence(ctx, model.Evidence{CaseID: c.ID, Filename: name, FileHash: "h", FileSize: int64(i)})
		if err != nil {
			t.Fatalf("append evidence: %v", err)
		}
		ids = append(ids, ev.ID)
	}
	if _, err := chain.AppendEvent(ctx, c.ID, "note", ""); err != nil {
		t.Fatalf("append event: %v", err)
	}
	for _, v := range []model.Verdict{model.VerdictBenign, model.VerdictMalicious} {
		if _, err := reports.Save(ctx, c.ID, ids[0], "BinaryAnalyzer", "binary", model.CanonicalReport{Verdict: v}, ""); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	ov, err := svc.GetOverview(ctx, "view")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.EvidenceCount != 2 || ov.EventCount != 1 || ov.ReportCount != 2 {
		t.Fatalf("counts: %+v", ov.CaseSummary)
	}
	if ov.WorstVerdict != model.VerdictMalicious || ov.Verdicts[model.VerdictBenign] != 1 {
		t.Fatalf("verdicts: %v worst=%s", ov.Verdicts, ov.WorstVerdict)
	}
	if ov.ChainHalted["evidence"] || ov.ChainHalted["events"] {
		t.Fatalf("chains should not be halted: %v", ov.ChainHalted)
	}

	views, err := svc.ListEvidence(ctx, c.ID)
	if err != nil || len(views) != 2 {
		t.Fatalf("evidence: %d %v", len(views), err)
	}
	if views[0].Latest == nil || views[0].Latest.Verdict != model.VerdictMalicious || views[1].Latest != nil {
		t.Fatalf("latest reports: %+v / %+v", views[0].Latest, views[1].Latest)
	}

	annotated, err := svc.AnnotateEvidence(ctx, ids[1], `{"note":"seized from laptop"}`)
	if err != nil || annotated.Metadata != `{"note":"seized from laptop"}` {
		t.Fatalf("annotate: %+v %v", annotated, err)
	}
	if res, err := chain.Verify(ctx, model.ChainEvidence); err != nil || !res.OK {
		t.Fatalf("annotation must not break the chain: %+v %v", res, err)
	}

	if _, err := svc.GetEvidence(ctx, 999); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing evidence: %v", err)
	}
	if _, err := svc.GetOverview(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing case: %v", err)
	}
}
