package model

import (
	"strings"
	"time"
)

// CaseStatus 表示案件状态。
type CaseStatus string

const (
	CaseOpen      CaseStatus = "OPEN"
	CaseAnalyzing CaseStatus = "ANALYZING"
	CaseClosed    CaseStatus = "CLOSED"
	CaseSuspended CaseStatus = "SUSPENDED"
)

// ParseCaseStatus 大小写不敏感地解析状态值。
func ParseCaseStatus(s string) (CaseStatus, bool) {
	v := CaseStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case CaseOpen, CaseAnalyzing, CaseClosed, CaseSuspended:
		return v, true
	}
	return "", false
}

// CasePriority 表示案件优先级。
type CasePriority string

const (
	PriorityLow      CasePriority = "LOW"
	PriorityMedium   CasePriority = "MEDIUM"
	PriorityHigh     CasePriority = "HIGH"
	PriorityCritical CasePriority = "CRITICAL"
)

func ParseCasePriority(s string) (CasePriority, bool) {
	v := CasePriority(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return v, true
	}
	return "", false
}

// Case 是案件主记录（cases 表）。
// CaseNumber 创建后不可变，Name 全局唯一。
type Case struct {
	ID           int64        `json:"id"`
	CaseNumber   string       `json:"case_number"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Investigator string       `json:"investigator"`
	Status       CaseStatus   `json:"status"`
	Priority     CasePriority `json:"priority"`
	Tags         []string     `json:"tags"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewCase 是显式建案的入参。
type NewCase struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Investigator string       `json:"investigator,omitempty"`
	Priority     CasePriority `json:"priority,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
}

// CaseSummary 是案件列表页用的结构，附带关联数据计数。
type CaseSummary struct {
	Case
	EvidenceCount int `json:"evidence_count"`
	EventCount    int `json:"event_count"`
	ReportCount   int `json:"report_count"`
}
