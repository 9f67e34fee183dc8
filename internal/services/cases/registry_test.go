package cases

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/services/ledger"
)

func newTestRegistry(t *testing.T) (*Registry, *sqliteadapter.Store) {
	t.Helper()
	db, store, err := sqliteadapter.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("open and migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRegistry(store, "default", WithEvents(ledger.New(store))), store
}

var caseNumberRe = regexp.MustCompile(`^CASE-\d{4}-[0-9A-F]{8}$`)

func TestResolveOrCreate_AutoCreatesWithDefaults(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	c, err := r.ResolveOrCreate(ctx, "operation-nightjar")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !caseNumberRe.MatchString(c.CaseNumber) {
		t.Fatalf("case number %q", c.CaseNumber)
	}
	if c.Status != model.CaseOpen || c.Priority != model.PriorityMedium || c.Investigator != "System" {
		t.Fatalf("defaults: %+v", c)
	}
	if c.Description != "Auto-created case for operation-nightjar" {
		t.Fatalf("description: %q", c.Description)
	}

	// 按主键、按名称都应命中同一案件
	byName, err := r.ResolveOrCreate(ctx, "operation-nightjar")
	if err != nil || byName.ID != c.ID {
		t.Fatalf("by name: %+v %v", byName, err)
	}
	byID, err := r.ResolveOrCreate(ctx, "1")
	if err != nil || byID.ID != c.ID {
		t.Fatalf("by id: %+v %v", byID, err)
	}

	def, err := r.ResolveOrCreate(ctx, "  ")
	if err != nil || def.Name != "default" {
		t.Fatalf("default case: %+v %v", def, err)
	}
}

func TestResolveOrCreate_NumericNameWithoutRow(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	c, err := r.ResolveOrCreate(ctx, "2024")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Name != "2024" {
		t.Fatalf("expected case named 2024, got %+v", c)
	}
	again, err := r.ResolveOrCreate(ctx, "2024")
	if err != nil || again.ID != c.ID {
		t.Fatalf("second resolve: %+v %v", again, err)
	}
}

func TestResolveOrCreate_ConcurrentCreatesOneRow(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	const callers = 8
	ids := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c, err := r.ResolveOrCreate(ctx, "nonexistent-case-77")
			errs[i] = err
			if c != nil {
				ids[i] = c.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got case %d, want %d", i, ids[i], ids[0])
		}
	}
	list, err := store.ListCases(ctx, 100, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one case row, got %d", len(list))
	}
}

func TestCreate_ExplicitAndConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	c, err := r.Create(ctx, model.NewCase{
		Name: "ransomware-q1", Investigator: "J. Doe", Priority: "high", Tags: []string{"ir", "ir", " q1 "},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Priority != model.PriorityHigh || c.Investigator != "J. Doe" {
		t.Fatalf("explicit fields lost: %+v", c)
	}
	if len(c.Tags) != 2 || c.Tags[1] != "q1" {
		t.Fatalf("tags: %v", c.Tags)
	}

	if _, err := r.Create(ctx, model.NewCase{Name: "ransomware-q1"}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := r.Create(ctx, model.NewCase{Name: "x", Priority: "urgent"}); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestUpdates_KeepCaseNumber(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	c, err := r.ResolveOrCreate(ctx, "alpha")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.ResolveOrCreate(ctx, "beta"); err != nil {
		t.Fatalf("resolve beta: %v", err)
	}

	r.now = func() time.Time { return base.Add(time.Hour) }
	got, err := r.Rename(ctx, c.ID, "alpha-renamed")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got.CaseNumber != c.CaseNumber || !got.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("rename changed identity or timestamp: %+v", got)
	}
	if _, err := r.Rename(ctx, c.ID, "beta"); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected rename conflict, got %v", err)
	}

	if _, err := r.SetStatus(ctx, c.ID, "analyzing"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := r.SetStatus(ctx, c.ID, "archived"); !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := r.SetPriority(ctx, c.ID, "critical"); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if _, err := r.SetTags(ctx, c.ID, []string{"apt"}); err != nil {
		t.Fatalf("set tags: %v", err)
	}
	final, err := r.SetDescription(ctx, c.ID, "lateral movement")
	if err != nil {
		t.Fatalf("set description: %v", err)
	}
	if final.Status != model.CaseAnalyzing || final.Priority != model.PriorityCritical ||
		final.Description != "lateral movement" || len(final.Tags) != 1 {
		t.Fatalf("final case: %+v", final)
	}

	if _, err := r.SetStatus(ctx, 999, "closed"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_RequiresForceWhenLedgerRowsExist(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	empty, _ := r.ResolveOrCreate(ctx, "empty")
	if err := r.Delete(ctx, empty.ID, false); err != nil {
		t.Fatalf("delete empty case: %v", err)
	}
	if _, err := r.Lookup(ctx, r.DefaultName()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("deleting an empty case must not record anything: %v", err)
	}

	c, _ := r.ResolveOrCreate(ctx, "owned")
	if _, err := r.events.AppendEvent(ctx, c.ID, "artifact submitted", ""); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := r.Delete(ctx, c.ID, false); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict without force, got %v", err)
	}
	if err := r.Delete(ctx, c.ID, true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if _, err := r.Get(ctx, c.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.Delete(ctx, c.ID, true); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	sink, err := r.Lookup(ctx, r.DefaultName())
	if err != nil {
		t.Fatalf("default case: %v", err)
	}
	events, err := store.ListEventsByCase(ctx, sink.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Description != DeletedEvent || !strings.Contains(events[0].Details, c.CaseNumber) {
		t.Fatalf("deletion event: %+v", events)
	}
}

func TestDelete_ForcedRefusals(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)
	chain := ledger.New(store)

	def, _ := r.ResolveOrCreate(ctx, "")
	if _, err := chain.AppendEvent(ctx, def.ID, "note", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := r.Delete(ctx, def.ID, true); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("default case with records must not be force-deleted: %v", err)
	}

	bare := NewRegistry(store, "default")
	c, _ := bare.ResolveOrCreate(ctx, "unrecorded")
	if _, err := chain.AppendEvent(ctx, c.ID, "note", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := bare.Delete(ctx, c.ID, true); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("registry without event chain must refuse: %v", err)
	}

	// 事件链冻结时删案留痕失败，案件保持不动
	if _, err := store.DB().ExecContext(ctx, `UPDATE events SET details = 'x' WHERE case_id = ?`, c.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if res, err := chain.Verify(ctx, model.ChainEvents); err != nil || res.OK {
		t.Fatalf("verify: %+v %v", res, err)
	}
	if err := r.Delete(ctx, c.ID, true); !errors.Is(err, ledger.ErrChainHalted) {
		t.Fatalf("expected ErrChainHalted, got %v", err)
	}
	if _, err := r.Get(ctx, c.ID); err != nil {
		t.Fatalf("case must survive a refused delete: %v", err)
	}
}

