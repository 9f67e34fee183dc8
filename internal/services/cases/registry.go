package cases

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/id"
	"forensic-ledger/internal/platform/logging"
)

// DefaultInvestigator 是隐式建案时的办案人。
const DefaultInvestigator = "System"

// DeletedEvent 是强制删案时记到默认案件下的事件描述。
const DeletedEvent = "case deleted"

// EventAppender 是删案留痕所需的事件链写入能力。
type EventAppender interface {
	AppendEvent(ctx context.Context, caseID int64, description, details string) (model.Event, error)
}

type Option func(*Registry)

// WithEvents 接入事件链；未接入时拒绝删除持有链上记录的案件。
func WithEvents(events EventAppender) Option {
	return func(r *Registry) { r.events = events }
}

// Registry 负责案件的解析与维护。
// 同名并发解析通过 singleflight 合并，建案本身在互斥锁内执行，
// 再加上 cases.name 唯一约束，保证同一标识只会落一行。
type Registry struct {
	store       *sqliteadapter.Store
	defaultName string

	group    singleflight.Group
	createMu sync.Mutex

	events EventAppender

	now    func() time.Time
	logger *slog.Logger
}

func NewRegistry(store *sqliteadapter.Store, defaultName string, opts ...Option) *Registry {
	if strings.TrimSpace(defaultName) == "" {
		defaultName = "default"
	}
	r := &Registry{
		store:       store,
		defaultName: defaultName,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logging.New("cases"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultName 返回默认案件名称。
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// ResolveOrCreate 把外部传入的案件标识解析为案件：
// 纯数字先按主键查，查不到再按名称查；都没有则自动建案。空标识解析为默认案件。
func (r *Registry) ResolveOrCreate(ctx context.Context, identifier string) (*model.Case, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = r.defaultName
	}

	v, err, _ := r.group.Do(identifier, func() (any, error) {
		return r.resolve(ctx, identifier)
	})
	if err != nil {
		return nil, err
	}
	c := *v.(*model.Case)
	return &c, nil
}

func (r *Registry) resolve(ctx context.Context, identifier string) (*model.Case, error) {
	if n, err := strconv.ParseInt(identifier, 10, 64); err == nil && n > 0 {
		c, err := r.store.GetCaseByID(ctx, n)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}

	c, err := r.store.GetCaseByName(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	return r.create(ctx, model.NewCase{
		Name:        identifier,
		Description: "Auto-created case for " + identifier,
	}, false)
}

// Create 显式建案。同名案件已存在时返回 ErrConflict。
func (r *Registry) Create(ctx context.Context, in model.NewCase) (*model.Case, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("case name is required: %w", model.ErrInvalid)
	}
	if in.Priority != "" {
		p, ok := model.ParseCasePriority(string(in.Priority))
		if !ok {
			return nil, fmt.Errorf("priority %q: %w", in.Priority, model.ErrInvalid)
		}
		in.Priority = p
	}
	return r.create(ctx, in, true)
}

func (r *Registry) create(ctx context.Context, in model.NewCase, explicit bool) (*model.Case, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	now := r.now()
	c := model.Case{
		CaseNumber:   id.CaseNumber(now),
		Name:         in.Name,
		Description:  in.Description,
		Investigator: in.Investigator,
		Status:       model.CaseOpen,
		Priority:     in.Priority,
		Tags:         normalizeTags(in.Tags),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.Investigator == "" {
		c.Investigator = DefaultInvestigator
	}
	if c.Priority == "" {
		c.Priority = model.PriorityMedium
	}

	created, err := r.store.InsertCaseIfAbsent(ctx, c)
	if err != nil {
		return nil, err
	}
	if !created && explicit {
		return nil, fmt.Errorf("case %q already exists: %w", in.Name, model.ErrConflict)
	}

	out, err := r.store.GetCaseByName(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("case %q vanished after insert", in.Name)
	}
	if created {
		r.logger.Info("case created",
			slog.Int64("case_id", out.ID),
			slog.String("case_number", out.CaseNumber),
			slog.String("name", out.Name),
			slog.Bool("implicit", !explicit))
	}
	return out, nil
}

// Get 按主键查询，不存在返回 ErrNotFound。
func (r *Registry) Get(ctx context.Context, caseID int64) (*model.Case, error) {
	c, err := r.store.GetCaseByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", caseID, model.ErrNotFound)
	}
	return c, nil
}

// Lookup 只解析不创建：数字按主键，否则按名称。
func (r *Registry) Lookup(ctx context.Context, identifier string) (*model.Case, error) {
	identifier = strings.TrimSpace(identifier)
	if n, err := strconv.ParseInt(identifier, 10, 64); err == nil && n > 0 {
		c, err := r.store.GetCaseByID(ctx, n)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	c, err := r.store.GetCaseByName(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %q: %w", identifier, model.ErrNotFound)
	}
	return c, nil
}

func (r *Registry) List(ctx context.Context, limit, offset int) ([]model.CaseSummary, error) {
	return r.store.ListCases(ctx, limit, offset)
}

// Rename 修改显示名称，名称冲突返回 ErrConflict。
func (r *Registry) Rename(ctx context.Context, caseID int64, name string) (*model.Case, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("case name is required: %w", model.ErrInvalid)
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	existing, err := r.store.GetCaseByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ID != caseID {
		return nil, fmt.Errorf("case %q already exists: %w", name, model.ErrConflict)
	}
	return r.update(ctx, caseID, func(c *model.Case) { c.Name = name })
}

func (r *Registry) SetStatus(ctx context.Context, caseID int64, status string) (*model.Case, error) {
	s, ok := model.ParseCaseStatus(status)
	if !ok {
		return nil, fmt.Errorf("status %q: %w", status, model.ErrInvalid)
	}
	return r.update(ctx, caseID, func(c *model.Case) { c.Status = s })
}

func (r *Registry) SetPriority(ctx context.Context, caseID int64, priority string) (*model.Case, error) {
	p, ok := model.ParseCasePriority(priority)
	if !ok {
		return nil, fmt.Errorf("priority %q: %w", priority, model.ErrInvalid)
	}
	return r.update(ctx, caseID, func(c *model.Case) { c.Priority = p })
}

func (r *Registry) SetTags(ctx context.Context, caseID int64, tags []string) (*model.Case, error) {
	return r.update(ctx, caseID, func(c *model.Case) { c.Tags = normalizeTags(tags) })
}

func (r *Registry) SetDescription(ctx context.Context, caseID int64, description string) (*model.Case, error) {
	return r.update(ctx, caseID, func(c *model.Case) { c.Description = description })
}

func (r *Registry) update(ctx context.Context, caseID int64, mutate func(*model.Case)) (*model.Case, error) {
	c, err := r.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	mutate(c)
	c.UpdatedAt = r.now()

	ok, err := r.store.UpdateCase(ctx, *c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("case %d: %w", caseID, model.ErrNotFound)
	}
	return r.Get(ctx, caseID)
}

// Delete 级联删除案件。证据/事件链是全局只追加的，案件仍持有链上记录时必须 force。
// 强制删除前先在默认案件下追加一条删案事件；事件写不进去（例如链已冻结）则不删。
// 被删记录留下的缺口由下一次校验按断链或链头检查点不符报出。
func (r *Registry) Delete(ctx context.Context, caseID int64, force bool) error {
	c, err := r.Get(ctx, caseID)
	if err != nil {
		return err
	}

	evidence, events, err := r.store.CountCaseChainRows(ctx, caseID)
	if err != nil {
		return err
	}
	owned := evidence > 0 || events > 0
	if owned && !force {
		return fmt.Errorf("case %d owns %d evidence and %d event records: %w", caseID, evidence, events, model.ErrConflict)
	}
	if owned {
		if err := r.recordDeletion(ctx, c, evidence, events); err != nil {
			return err
		}
	}

	ok, err := r.store.DeleteCase(ctx, caseID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("case %d: %w", caseID, model.ErrNotFound)
	}

	if owned {
		r.logger.Warn("case deleted with ledger records",
			slog.Int64("case_id", caseID),
			slog.String("case_number", c.CaseNumber),
			slog.Int("evidence", evidence),
			slog.Int("events", events))
	}
	return nil
}

func (r *Registry) recordDeletion(ctx context.Context, c *model.Case, evidence, events int) error {
	if r.events == nil {
		return fmt.Errorf("case %d owns ledger records and no event chain is configured: %w", c.ID, model.ErrConflict)
	}
	if c.Name == r.defaultName {
		return fmt.Errorf("default case %q records case deletions and cannot be force-deleted: %w", c.Name, model.ErrConflict)
	}
	sink, err := r.ResolveOrCreate(ctx, r.defaultName)
	if err != nil {
		return err
	}
	details, err := json.Marshal(map[string]any{
		"case_id":       c.ID,
		"case_number":   c.CaseNumber,
		"name":          c.Name,
		"evidence_rows": evidence,
		"event_rows":    events,
	})
	if err != nil {
		return fmt.Errorf("encode deletion details: %w", err)
	}
	if _, err := r.events.AppendEvent(ctx, sink.ID, DeletedEvent, string(details)); err != nil {
		return fmt.Errorf("record deletion of case %d: %w", c.ID, err)
	}
	return nil
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
