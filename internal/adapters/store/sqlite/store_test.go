package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"forensic-ledger/internal/domain/model"

	"github.com/google/go-cmp/cmp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, store, err := OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open and migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store
}

func seedCase(t *testing.T, s *Store, name string) *model.Case {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.InsertCaseIfAbsent(ctx, model.Case{
		CaseNumber:   "CASE-2024-" + name,
		Name:         name,
		Investigator: "System",
		Status:       model.CaseOpen,
		Priority:     model.PriorityMedium,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	})
	if err != nil {
		t.Fatalf("insert case: %v", err)
	}
	c, err := s.GetCaseByName(ctx, name)
	if err != nil || c == nil {
		t.Fatalf("get case: %v %v", c, err)
	}
	return c
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	m := NewMigrator(db)
	first, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("first up: %v", err)
	}
	if len(first) == 0 {
		t.Fatalf("expected migrations to run")
	}
	second, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no migrations on second run, got %v", second)
	}

	v, err := NewStore(db).GetSchemaMetaValue(ctx, "schema_version")
	if err != nil || v != "1" {
		t.Fatalf("schema_version=%q err=%v", v, err)
	}
}

func TestCases_InsertIfAbsentAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedCase(t, s, "alpha")

	created, err := s.InsertCaseIfAbsent(ctx, model.Case{
		CaseNumber: "CASE-2024-OTHER", Name: "alpha",
		Status: model.CaseOpen, Priority: model.PriorityLow,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("duplicate name must not create a second row")
	}

	c.Status = model.CaseAnalyzing
	c.Tags = []string{"ransomware", "q1"}
	c.UpdatedAt = c.UpdatedAt.Add(time.Hour)
	ok, err := s.UpdateCase(ctx, *c)
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	got, err := s.GetCaseByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("case mismatch (-want +got):\n%s", diff)
	}

	missing, err := s.GetCaseByID(ctx, 999)
	if err != nil || missing != nil {
		t.Fatalf("expected nil,nil for missing case, got %v %v", missing, err)
	}
}

func TestLedgerRows_OrderAndCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedCase(t, s, "bravo")

	last, err := s.LastHash(ctx, s.DB(), model.ChainEvidence)
	if err != nil || last != "" {
		t.Fatalf("empty chain last hash: %q %v", last, err)
	}

	for i, h := range []string{"aa", "bb"} {
		_, err := s.InsertEvidence(ctx, s.DB(), model.Evidence{
			CaseID: c.ID, Filename: "f.bin", StoragePath: "/x/f.bin", FileHash: "h",
			CollectedAt: time.Now(), PrevHash: last, CurrentHash: h,
		})
		if err != nil {
			t.Fatalf("insert evidence %d: %v", i, err)
		}
		last = h
	}
	if _, err := s.InsertEvent(ctx, s.DB(), model.Event{
		CaseID: c.ID, Description: "x", Timestamp: time.Now(), CurrentHash: "ee",
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	got, err := s.LastHash(ctx, s.DB(), model.ChainEvidence)
	if err != nil || got != "bb" {
		t.Fatalf("last hash: %q %v", got, err)
	}
	chain, err := s.ListEvidenceChain(ctx)
	if err != nil || len(chain) != 2 || chain[1].PrevHash != "aa" {
		t.Fatalf("chain: %+v %v", chain, err)
	}

	ev, ed, err := s.CountCaseChainRows(ctx, c.ID)
	if err != nil || ev != 2 || ed != 1 {
		t.Fatalf("counts: %d %d %v", ev, ed, err)
	}
	if ok, err := s.DeleteCase(ctx, c.ID); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	chain, _ = s.ListEvidenceChain(ctx)
	if len(chain) != 0 {
		t.Fatalf("cascade delete failed: %d rows left", len(chain))
	}

	if _, err := s.LastHash(ctx, s.DB(), "bogus"); err == nil {
		t.Fatalf("expected error for unknown chain")
	}
}

func TestReports_RoundTripAndSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedCase(t, s, "charlie")

	want := model.AgentReport{
		CaseID:       c.ID,
		AgentName:    "BinaryAnalyzer",
		AnalysisType: "binary",
		RawResponse:  "raw",
		CreatedAt:    time.Date(2024, 3, 2, 8, 0, 0, 123000000, time.UTC),
		CanonicalReport: model.CanonicalReport{
			Verdict:     model.VerdictMalicious,
			Severity:    model.LevelHigh,
			Criticality: model.LevelCritical,
			Confidence:  model.ConfidenceHigh,
			Summary:     "dropper",
			Findings: []model.Finding{
				{Category: "Persistence", Description: "run key", Severity: "High", Evidence: "HKCU\\Run"},
			},
			TechnicalDetails: map[string]any{"sha256": "abc", "packed": true},
			Recommendations:  []string{"isolate host"},
		},
	}
	reportID, err := s.InsertReport(ctx, want)
	if err != nil {
		t.Fatalf("insert report: %v", err)
	}
	want.ID = reportID

	got, err := s.GetReport(ctx, reportID)
	if err != nil || got == nil {
		t.Fatalf("get report: %v %v", got, err)
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Cases != 1 || sum.Reports != 1 || sum.ByVerdict[model.VerdictMalicious] != 1 || sum.ByAgent["BinaryAnalyzer"] != 1 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestChainHeadAndMeta(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	head, err := s.GetChainHead(ctx, s.DB(), model.ChainEvents)
	if err != nil || head != nil {
		t.Fatalf("fresh chain head: %+v %v", head, err)
	}

	want := ChainHead{LastID: 7, LastHash: "abc", Count: 7}
	err = s.WithTx(ctx, func(q Querier) error {
		return s.PutChainHead(ctx, q, model.ChainEvents, want)
	})
	if err != nil {
		t.Fatalf("put chain head: %v", err)
	}
	head, err = s.GetChainHead(ctx, s.DB(), model.ChainEvents)
	if err != nil {
		t.Fatalf("get chain head: %v", err)
	}
	if diff := cmp.Diff(want, *head); diff != "" {
		t.Fatalf("chain head mismatch (-want +got):\n%s", diff)
	}
	if h, _ := s.GetChainHead(ctx, s.DB(), model.ChainEvidence); h != nil {
		t.Fatalf("evidence head must be independent: %+v", h)
	}
	if _, err := s.GetChainHead(ctx, s.DB(), "bogus"); err == nil {
		t.Fatalf("expected error for unknown chain")
	}

	if err := s.PutMeta(ctx, s.DB(), "k", "v1"); err != nil {
		t.Fatalf("put meta: %v", err)
	}
	if err := s.PutMeta(ctx, s.DB(), "k", "v2"); err != nil {
		t.Fatalf("overwrite meta: %v", err)
	}
	if v, ok, err := s.GetMeta(ctx, s.DB(), "k"); err != nil || !ok || v != "v2" {
		t.Fatalf("get meta: %q %v %v", v, ok, err)
	}
	if was, err := s.DeleteMeta(ctx, s.DB(), "k"); err != nil || !was {
		t.Fatalf("delete meta: %v %v", was, err)
	}
	if was, _ := s.DeleteMeta(ctx, s.DB(), "k"); was {
		t.Fatalf("second delete should report nothing removed")
	}
}
