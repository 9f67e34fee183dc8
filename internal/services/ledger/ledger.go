package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/hash"
	"forensic-ledger/internal/platform/logging"
)

var (
	// ErrIntegrity 表示校验发现链被篡改或断裂。
	ErrIntegrity = errors.New("ledger integrity violation")
	// ErrChainHalted 表示链已因完整性告警被冻结，需要人工确认后才能继续写入。
	ErrChainHalted = errors.New("ledger chain halted")
)

// Payload 是可以入链的记录。
type Payload interface {
	ChainPayload() map[string]any
}

// Record 是一次追加后的链上位置信息。
type Record struct {
	Kind        model.ChainKind `json:"kind"`
	ID          int64           `json:"id"`
	PrevHash    string          `json:"prev_hash"`
	CurrentHash string          `json:"current_hash"`
	Timestamp   time.Time       `json:"timestamp"`
}

// AlertFunc 在校验失败时被调用（例如推送告警）。
type AlertFunc func(kind model.ChainKind, res Result)

type Option func(*Chain)

func WithAlert(fn AlertFunc) Option {
	return func(c *Chain) { c.alert = fn }
}

// WithClock 替换时间源，测试用。
func WithClock(fn func() time.Time) Option {
	return func(c *Chain) { c.now = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// Chain 维护证据链与事件链两条全局哈希链。
// 同一条链的“读链头 + 插入 + 推进检查点”在进程内串行，并包在同一个事务里。
// 冻结状态落在 schema_meta 中，对重启后的进程和 CLI 同样生效。
type Chain struct {
	store *sqliteadapter.Store

	evidenceMu sync.Mutex
	eventsMu   sync.Mutex

	alert  AlertFunc
	now    func() time.Time
	logger *slog.Logger
}

func New(store *sqliteadapter.Store, opts ...Option) *Chain {
	c := &Chain{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New("ledger")
	}
	return c
}

// Canonical 把 payload 序列化为紧凑 JSON，map 的 key 按字典序输出。
func Canonical(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return string(raw), nil
}

// ComputeHash = SHA-256(prev \n canonical(payload) \n timestamp)。
// timestamp 必须是落库的 RFC3339Nano 字符串，校验时才能按列原样重算。
func ComputeHash(prev string, payload map[string]any, timestamp string) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return hash.Text(prev, canonical, timestamp), nil
}

// Append 按 kind 追加一条记录，payload 必须是 model.Evidence 或 model.Event。
func (c *Chain) Append(ctx context.Context, kind model.ChainKind, payload Payload) (Record, error) {
	switch kind {
	case model.ChainEvidence:
		ev, ok := payload.(model.Evidence)
		if !ok {
			return Record{}, fmt.Errorf("evidence chain expects model.Evidence, got %T: %w", payload, model.ErrInvalid)
		}
		out, err := c.AppendEvidence(ctx, ev)
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: kind, ID: out.ID, PrevHash: out.PrevHash, CurrentHash: out.CurrentHash, Timestamp: out.CollectedAt}, nil
	case model.ChainEvents:
		e, ok := payload.(model.Event)
		if !ok {
			return Record{}, fmt.Errorf("events chain expects model.Event, got %T: %w", payload, model.ErrInvalid)
		}
		out, err := c.appendEvent(ctx, e)
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: kind, ID: out.ID, PrevHash: out.PrevHash, CurrentHash: out.CurrentHash, Timestamp: out.Timestamp}, nil
	}
	return Record{}, fmt.Errorf("unknown chain kind %q: %w", kind, model.ErrInvalid)
}

// AppendEvidence 追加证据记录。CollectedAt 为空时取当前时间。
func (c *Chain) AppendEvidence(ctx context.Context, ev model.Evidence) (model.Evidence, error) {
	if ev.CaseID <= 0 {
		return model.Evidence{}, fmt.Errorf("evidence without case: %w", model.ErrInvalid)
	}
	if ev.CollectedAt.IsZero() {
		ev.CollectedAt = c.now()
	}
	ts := sqliteadapter.FormatTime(ev.CollectedAt)
	ev.CollectedAt = parseStored(ts)

	c.evidenceMu.Lock()
	defer c.evidenceMu.Unlock()

	err := c.commit(ctx, model.ChainEvidence, func(q sqliteadapter.Querier, prev string) (int64, string, error) {
		var err error
		ev.PrevHash = prev
		if ev.CurrentHash, err = ComputeHash(prev, ev.ChainPayload(), ts); err != nil {
			return 0, "", err
		}
		ev.ID, err = c.store.InsertEvidence(ctx, q, ev)
		return ev.ID, ev.CurrentHash, err
	})
	if err != nil {
		return model.Evidence{}, fmt.Errorf("append evidence: %w", err)
	}

	c.logger.Debug("evidence appended",
		slog.Int64("evidence_id", ev.ID),
		slog.Int64("case_id", ev.CaseID),
		slog.String("current_hash", ev.CurrentHash))
	return ev, nil
}

// AppendEvent 追加案件事件。
func (c *Chain) AppendEvent(ctx context.Context, caseID int64, description, details string) (model.Event, error) {
	return c.appendEvent(ctx, model.Event{CaseID: caseID, Description: description, Details: details})
}

func (c *Chain) appendEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if e.CaseID <= 0 {
		return model.Event{}, fmt.Errorf("event without case: %w", model.ErrInvalid)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	ts := sqliteadapter.FormatTime(e.Timestamp)
	e.Timestamp = parseStored(ts)

	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()

	err := c.commit(ctx, model.ChainEvents, func(q sqliteadapter.Querier, prev string) (int64, string, error) {
		var err error
		e.PrevHash = prev
		if e.CurrentHash, err = ComputeHash(prev, e.ChainPayload(), ts); err != nil {
			return 0, "", err
		}
		e.ID, err = c.store.InsertEvent(ctx, q, e)
		return e.ID, e.CurrentHash, err
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

// commit 在一个事务里完成：检查冻结、取前驱哈希、写入记录、推进链头检查点。
// 前驱取检查点而不是表里现存的最后一行，尾部被删后新记录会在校验时暴露断链。
func (c *Chain) commit(ctx context.Context, kind model.ChainKind,
	insert func(q sqliteadapter.Querier, prev string) (id int64, currentHash string, err error)) error {
	return c.store.WithTx(ctx, func(q sqliteadapter.Querier) error {
		if _, halted, err := c.loadHalt(ctx, q, kind); err != nil {
			return err
		} else if halted {
			return fmt.Errorf("%s chain: %w", kind, ErrChainHalted)
		}

		head, err := c.store.GetChainHead(ctx, q, kind)
		if err != nil {
			return err
		}
		var prev string
		if head != nil {
			prev = head.LastHash
		} else if prev, err = c.store.LastHash(ctx, q, kind); err != nil {
			return err
		}

		id, current, err := insert(q, prev)
		if err != nil {
			return err
		}

		next := sqliteadapter.ChainHead{LastID: id, LastHash: current}
		if head != nil {
			next.Count = head.Count + 1
		} else if next.Count, err = c.store.CountChain(ctx, q, kind); err != nil {
			return err
		}
		return c.store.PutChainHead(ctx, q, kind, next)
	})
}

func haltKey(kind model.ChainKind) string {
	return "halted:" + string(kind)
}

func (c *Chain) loadHalt(ctx context.Context, q sqliteadapter.Querier, kind model.ChainKind) (Result, bool, error) {
	raw, ok, err := c.store.GetMeta(ctx, q, haltKey(kind))
	if err != nil || !ok {
		return Result{}, false, err
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		// 记录损坏也按冻结处理
		return Result{Kind: kind}, true, nil
	}
	return res, true, nil
}

// Halted 返回链是否处于冻结状态，以及触发冻结的校验结果。
func (c *Chain) Halted(ctx context.Context, kind model.ChainKind) (Result, bool, error) {
	if !kind.Valid() {
		return Result{}, false, fmt.Errorf("unknown chain kind %q: %w", kind, model.ErrInvalid)
	}
	return c.loadHalt(ctx, c.store.DB(), kind)
}

// Acknowledge 由操作员确认完整性告警后解除冻结，返回此前是否处于冻结。链本身不做任何修复。
func (c *Chain) Acknowledge(ctx context.Context, kind model.ChainKind) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown chain kind %q: %w", kind, model.ErrInvalid)
	}
	was, err := c.store.DeleteMeta(ctx, c.store.DB(), haltKey(kind))
	if err != nil {
		return false, fmt.Errorf("acknowledge %s chain: %w", kind, err)
	}
	if was {
		c.logger.Warn("integrity alert acknowledged", slog.String("chain", string(kind)))
	}
	return was, nil
}

func (c *Chain) halt(ctx context.Context, kind model.ChainKind, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode halt: %w", err)
	}
	if err := c.store.PutMeta(ctx, c.store.DB(), haltKey(kind), string(raw)); err != nil {
		return fmt.Errorf("halt %s chain: %w", kind, err)
	}

	c.logger.Error("ledger verification failed",
		slog.Bool("integrity_alert", true),
		slog.String("chain", string(kind)),
		slog.Int("total", res.Total),
		slog.Int("failed", res.Failed))

	if c.alert != nil {
		c.alert(kind, res)
	}
	return nil
}

func parseStored(ts string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, ts)
	return t.UTC()
}
