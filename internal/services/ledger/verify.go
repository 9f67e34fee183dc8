package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
)

// FailureItem 表示一条校验失败的记录（用于 UI/CLI 展示）。
type FailureItem struct {
	Index     int       `json:"index"`
	RecordID  int64     `json:"record_id"`
	CaseID    int64     `json:"case_id"`
	Timestamp time.Time `json:"timestamp"`

	// PrevHashMismatch 表示 prev_hash 与上一条记录的 current_hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// HashMismatch 表示按公式重算的 current_hash 与存量字段不一致。
	HashMismatch bool   `json:"hash_mismatch"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是一条链的完整校验结果。
type Result struct {
	Kind model.ChainKind `json:"kind"`
	OK   bool            `json:"ok"`

	Total int `json:"total"`

	Failed         int `json:"failed"`
	PrevHashFailed int `json:"prev_hash_failed"`
	HashFailed     int `json:"hash_failed"`

	// HeadMismatch 表示重放到的链尾与链头检查点不符（尾部记录被删除或绕过账本写入）。
	HeadMismatch bool `json:"head_mismatch"`

	LastHash  string        `json:"last_hash,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Failures  []FailureItem `json:"failures"`
}

// Err 在校验失败时返回包装了 ErrIntegrity 的错误。
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%s chain: %d of %d records failed: %w", r.Kind, r.Failed, r.Total, ErrIntegrity)
}

// link 是校验所需的最小字段集合，两条链共用一套校验逻辑。
type link struct {
	id          int64
	caseID      int64
	timestamp   time.Time
	payload     map[string]any
	prevHash    string
	currentHash string
}

// Verify 重放整条链：逐条重算 current_hash、检查 prev_hash 连续性，并把链尾与链头检查点比对。
// 失败时冻结该链（后续追加返回 ErrChainHalted），记录 integrity_alert 日志并触发告警回调。
func (c *Chain) Verify(ctx context.Context, kind model.ChainKind) (Result, error) {
	mu, err := c.mutex(kind)
	if err != nil {
		return Result{}, err
	}
	mu.Lock()
	links, err := c.loadLinks(ctx, kind)
	var head *sqliteadapter.ChainHead
	if err == nil {
		head, err = c.store.GetChainHead(ctx, c.store.DB(), kind)
	}
	mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	res, err := verifyLinks(kind, links, head)
	if err != nil {
		return Result{}, err
	}
	res.CheckedAt = c.now()

	if !res.OK {
		if err := c.halt(ctx, kind, res); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func (c *Chain) mutex(kind model.ChainKind) (*sync.Mutex, error) {
	switch kind {
	case model.ChainEvidence:
		return &c.evidenceMu, nil
	case model.ChainEvents:
		return &c.eventsMu, nil
	}
	return nil, fmt.Errorf("unknown chain kind %q: %w", kind, model.ErrInvalid)
}

func (c *Chain) loadLinks(ctx context.Context, kind model.ChainKind) ([]link, error) {
	switch kind {
	case model.ChainEvidence:
		items, err := c.store.ListEvidenceChain(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]link, 0, len(items))
		for _, it := range items {
			out = append(out, link{
				id: it.ID, caseID: it.CaseID, timestamp: it.CollectedAt,
				payload: it.ChainPayload(), prevHash: it.PrevHash, currentHash: it.CurrentHash,
			})
		}
		return out, nil
	case model.ChainEvents:
		items, err := c.store.ListEventChain(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]link, 0, len(items))
		for _, it := range items {
			out = append(out, link{
				id: it.ID, caseID: it.CaseID, timestamp: it.Timestamp,
				payload: it.ChainPayload(), prevHash: it.PrevHash, currentHash: it.CurrentHash,
			})
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown chain kind %q: %w", kind, model.ErrInvalid)
}

func verifyLinks(kind model.ChainKind, links []link, head *sqliteadapter.ChainHead) (Result, error) {
	res := Result{
		Kind:     kind,
		OK:       true,
		Total:    len(links),
		Failures: []FailureItem{},
	}

	prev := ""
	for i, it := range links {
		expectedPrev := prev
		actualPrev := strings.TrimSpace(it.prevHash)

		expectedHash, err := ComputeHash(expectedPrev, it.payload, sqliteadapter.FormatTime(it.timestamp))
		if err != nil {
			return Result{}, err
		}
		actualHash := strings.TrimSpace(it.currentHash)

		prevMismatch := actualPrev != expectedPrev
		hashMismatch := actualHash != expectedHash

		if prevMismatch || hashMismatch {
			res.OK = false
			res.Failed++
			if prevMismatch {
				res.PrevHashFailed++
			}
			if hashMismatch {
				res.HashFailed++
			}

			msg := ""
			switch {
			case prevMismatch && hashMismatch:
				msg = "prev_hash and current_hash mismatch"
			case prevMismatch:
				msg = "prev_hash mismatch"
			case hashMismatch:
				msg = "current_hash mismatch"
			}

			res.Failures = append(res.Failures, FailureItem{
				Index:     i,
				RecordID:  it.id,
				CaseID:    it.caseID,
				Timestamp: it.timestamp,

				PrevHashMismatch: prevMismatch,
				ExpectedPrevHash: expectedPrev,
				ActualPrevHash:   actualPrev,

				HashMismatch: hashMismatch,
				ExpectedHash: expectedHash,
				ActualHash:   actualHash,

				Message: msg,
			})
		}

		// 以库中记录的 current_hash 推进，断点之后的记录仍能继续定位异常。
		prev = actualHash
		res.LastHash = actualHash
	}

	if item, ok := checkHead(links, head); !ok {
		res.OK = false
		res.Failed++
		res.HeadMismatch = true
		res.Failures = append(res.Failures, item)
	}
	return res, nil
}

// checkHead 比对链尾与检查点。从未追加过的链没有检查点，此时链必须为空。
func checkHead(links []link, head *sqliteadapter.ChainHead) (FailureItem, bool) {
	var tail link
	if len(links) > 0 {
		tail = links[len(links)-1]
	}
	if head == nil {
		if len(links) == 0 {
			return FailureItem{}, true
		}
		return FailureItem{
			Index:     len(links) - 1,
			RecordID:  tail.id,
			CaseID:    tail.caseID,
			Timestamp: tail.timestamp,
			Message:   "chain head checkpoint missing",
		}, false
	}

	tailHash := strings.TrimSpace(tail.currentHash)
	if int64(len(links)) == head.Count && tail.id == head.LastID && tailHash == head.LastHash {
		return FailureItem{}, true
	}
	return FailureItem{
		Index:        len(links),
		RecordID:     head.LastID,
		ExpectedHash: head.LastHash,
		ActualHash:   tailHash,
		Message: fmt.Sprintf("chain head checkpoint mismatch: expected %d records ending at id %d, found %d ending at id %d",
			head.Count, head.LastID, len(links), tail.id),
	}, false
}
