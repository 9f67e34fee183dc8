package forensicexport

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/hash"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/ledger"
)

type fixture struct {
	store *sqliteadapter.Store
	chain *ledger.Chain
	caseN *model.Case
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, store, err := sqliteadapter.OpenAndMigrate(ctx, filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open and migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	chain := ledger.New(store)
	c, err := cases.NewRegistry(store, "default").Create(ctx, model.NewCase{Name: "bundle"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	src := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(src, []byte("sshd: accepted publickey for root\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, size, err := hash.File(src)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := chain.AppendEvidence(ctx, model.Evidence{
		CaseID: c.ID, Filename: "auth.log", StoragePath: src, FileHash: sum, FileType: "log", FileSize: size,
	})
	if err != nil {
		t.Fatalf("append evidence: %v", err)
	}
	if _, err := chain.AppendEvent(ctx, c.ID, "artifact submitted for analysis", `{"agent":"UserProfilerAgent"}`); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if _, err := store.InsertReport(ctx, model.AgentReport{
		CaseID: c.ID, EvidenceID: ev.ID, AgentName: "UserProfilerAgent", AnalysisType: "log",
		RawResponse:     "SUSPICIOUS",
		CanonicalReport: model.CanonicalReport{Verdict: model.VerdictSuspicious, Summary: "root login"},
	}); err != nil {
		t.Fatalf("insert report: %v", err)
	}
	return &fixture{store: store, chain: chain, caseN: c, dir: dir}
}

func TestGenerateAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := Generate(ctx, f.store, f.chain, Options{CaseID: f.caseN.ID, OutDir: filepath.Join(f.dir, "exports"), Operator: "tester"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings: %v", res.Warnings)
	}
	// evidence + report + ledger/verify.json + manifest
	if res.Files != 4 {
		t.Fatalf("files = %d", res.Files)
	}
	sum, _, err := hash.File(res.ZipPath)
	if err != nil || sum != res.ZipSHA256 {
		t.Fatalf("zip hash %s vs %s (%v)", sum, res.ZipSHA256, err)
	}

	vr, err := VerifyZip(res.ZipPath)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !vr.OK || vr.Err() != nil || vr.Total != 4 || vr.Records != 2 || vr.CaseName != "bundle" {
		t.Fatalf("verify result: %+v", vr)
	}

	events, err := f.store.ListEventsByCase(ctx, f.caseN.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if last := events[len(events)-1]; last.Description != ExportedEvent {
		t.Fatalf("last event: %+v", last)
	}
}

func TestVerifyZip_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	res, err := Generate(context.Background(), f.store, f.chain, Options{CaseID: f.caseN.ID, OutDir: f.dir})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	tampered := filepath.Join(f.dir, "tampered.zip")
	rewriteZip(t, res.ZipPath, tampered, func(name string, raw []byte) []byte {
		if strings.HasPrefix(name, "evidence/") {
			return []byte("sshd: nothing to see here\n")
		}
		return raw
	})
	vr, err := VerifyZip(tampered)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if vr.OK || vr.Failed != 1 || !errors.Is(vr.Err(), ledger.ErrIntegrity) {
		t.Fatalf("expected one failed file: %+v", vr)
	}
	if len(vr.Broken) != 1 || vr.Broken[0].Message != "evidence file differs from recorded file_hash" {
		t.Fatalf("broken records: %+v", vr.Broken)
	}

	// manifest 中改写链上字段，重算 current_hash 必然对不上
	forged := filepath.Join(f.dir, "forged.zip")
	rewriteZip(t, res.ZipPath, forged, func(name string, raw []byte) []byte {
		if name == manifestName {
			return bytes.Replace(raw, []byte(`"filename": "auth.log"`), []byte(`"filename": "innocent.log"`), 1)
		}
		return raw
	})
	vr, err = VerifyZip(forged)
	if err != nil {
		t.Fatalf("verify forged: %v", err)
	}
	var chainBroken bool
	for _, b := range vr.Broken {
		if b.Kind == model.ChainEvidence && b.Message == "current_hash mismatch" {
			chainBroken = true
		}
	}
	if vr.OK || !chainBroken {
		t.Fatalf("forged manifest not detected: %+v", vr)
	}
}

func TestGenerate_MissingEvidenceFileWarns(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(filepath.Join(f.dir, "auth.log")); err != nil {
		t.Fatal(err)
	}
	res, err := Generate(context.Background(), f.store, f.chain, Options{CaseID: f.caseN.ID, OutDir: f.dir})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Warnings) != 1 || res.Files != 3 {
		t.Fatalf("result: %+v", res)
	}
	vr, err := VerifyZip(res.ZipPath)
	if err != nil || !vr.OK {
		t.Fatalf("bundle without evidence file should still verify: %+v %v", vr, err)
	}
}

func TestGenerate_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := Generate(ctx, f.store, f.chain, Options{OutDir: f.dir}); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("missing case id: %v", err)
	}
	if _, err := Generate(ctx, f.store, f.chain, Options{CaseID: f.caseN.ID}); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("missing out dir: %v", err)
	}
	if _, err := Generate(ctx, f.store, f.chain, Options{CaseID: 99, OutDir: f.dir}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown case: %v", err)
	}
}

func rewriteZip(t *testing.T, src, dst string, mutate func(name string, raw []byte) []byte) {
	t.Helper()
	r, err := zip.OpenReader(src)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer r.Close()

	out, err := os.Create(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	for _, zf := range r.File {
		rc, err := zf.Open()
		if err != nil {
			t.Fatal(err)
		}
		raw, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		w, err := zw.Create(zf.Name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(mutate(zf.Name, raw)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}
