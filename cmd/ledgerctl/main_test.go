package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/ledger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootFlags.output = "table"
		verifyFlags.chain = "all"
		verifyFlags.bundle = ""
		exportFlags.bundle = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestMigrateCasesAndVerify(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")

	out, err := execute(t, "migrate", "--db", db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "migrations applied") {
		t.Fatalf("migrate output: %s", out)
	}
	if out, err = execute(t, "migrate", "--db", db); err != nil || !strings.Contains(out, "up to date") {
		t.Fatalf("second migrate: %v %s", err, out)
	}

	if out, err = execute(t, "cases", "create", "op-heron", "--db", db, "--priority", "high", "--tag", "apt"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "priority=HIGH") {
		t.Fatalf("create output: %s", out)
	}

	out, err = execute(t, "cases", "list", "--db", db, "-o", "json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode list: %v (%s)", err, out)
	}
	if len(rows) != 1 || rows[0]["name"] != "op-heron" {
		t.Fatalf("rows: %v", rows)
	}

	out, err = execute(t, "verify", "--db", db, "--chain", "evidence")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "evidence") || !strings.Contains(out, "OK") {
		t.Fatalf("verify output: %s", out)
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ledger.yaml")
	if err := os.WriteFile(cfgPath, []byte("db_path: "+filepath.Join(dir, "l.db")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "token", "--config", cfgPath); err == nil {
		t.Fatalf("expected error without auth.jwt_secret")
	}

	if err := os.WriteFile(cfgPath, []byte("auth:\n  jwt_secret: s3cret\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "token", "--config", cfgPath)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("not a JWT: %q", out)
	}
}

// verify 在独立进程里发现篡改后，另一个进程里的 Chain 也必须拒绝追加，直到 acknowledge。
func TestVerifyHaltIsSharedThroughDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")

	db, store, err := sqliteadapter.OpenAndMigrate(ctx, dbPath)
	if err != nil {
		t.Fatalf("open and migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c, err := cases.NewRegistry(store, "default").Create(ctx, model.NewCase{Name: "op-egret"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	serving := ledger.New(store)
	ev, err := serving.AppendEvidence(ctx, model.Evidence{CaseID: c.ID, Filename: "a.bin", FileHash: "h1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `UPDATE evidence SET file_hash = 'h2' WHERE id = ?`, ev.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := execute(t, "verify", "--db", dbPath, "--chain", "evidence"); !errors.Is(err, ledger.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity from verify, got %v", err)
	}
	if _, err := serving.AppendEvidence(ctx, model.Evidence{CaseID: c.ID, Filename: "b.bin", FileHash: "h3"}); !errors.Is(err, ledger.ErrChainHalted) {
		t.Fatalf("serving chain must be halted, got %v", err)
	}

	out, err := execute(t, "acknowledge", "evidence", "--db", dbPath)
	if err != nil || !strings.Contains(out, "released") {
		t.Fatalf("acknowledge: %v %s", err, out)
	}
	if _, err := serving.AppendEvidence(ctx, model.Evidence{CaseID: c.ID, Filename: "b.bin", FileHash: "h3"}); err != nil {
		t.Fatalf("append after acknowledge: %v", err)
	}
}
