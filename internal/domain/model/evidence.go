package model

import "time"

// ChainKind 区分两条全局哈希链。
type ChainKind string

const (
	ChainEvidence ChainKind = "evidence"
	ChainEvents   ChainKind = "events"
)

func (k ChainKind) Valid() bool {
	return k == ChainEvidence || k == ChainEvents
}

// Evidence 是证据记录（evidence 表）。
// 入链后只有 Metadata 允许追加修改，Metadata 不参与哈希计算。
type Evidence struct {
	ID          int64     `json:"id"`
	CaseID      int64     `json:"case_id"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"file_path"`
	FileHash    string    `json:"file_hash"`
	FileType    string    `json:"file_type"`
	FileSize    int64     `json:"file_size"`
	CollectedAt time.Time `json:"collected_at"`
	Metadata    string    `json:"metadata,omitempty"`
	PrevHash    string    `json:"prev_hash"`
	CurrentHash string    `json:"current_hash"`
}

// ChainPayload 返回参与链式哈希的字段集合。
func (e Evidence) ChainPayload() map[string]any {
	return map[string]any{
		"case_id":   e.CaseID,
		"filename":  e.Filename,
		"file_path": e.StoragePath,
		"file_hash": e.FileHash,
		"file_type": e.FileType,
		"file_size": e.FileSize,
	}
}

// Event 是案件事件记录（events 表），独立成链，只追加。
type Event struct {
	ID          int64     `json:"id"`
	CaseID      int64     `json:"case_id"`
	Description string    `json:"description"`
	Details     string    `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	PrevHash    string    `json:"prev_hash"`
	CurrentHash string    `json:"current_hash"`
}

func (e Event) ChainPayload() map[string]any {
	return map[string]any{
		"case_id":     e.CaseID,
		"description": e.Description,
		"details":     e.Details,
	}
}
