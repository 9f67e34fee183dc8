package model

import (
	"strings"
	"time"
)

// Verdict 是分析结论，覆盖所有 agent 家族的取值。
type Verdict string

const (
	VerdictMalicious   Verdict = "MALICIOUS"
	VerdictSuspicious  Verdict = "SUSPICIOUS"
	VerdictBenign      Verdict = "BENIGN"
	VerdictSecure      Verdict = "SECURE"
	VerdictCompromised Verdict = "COMPROMISED"
	VerdictIncomplete  Verdict = "INCOMPLETE"
	VerdictReady       Verdict = "READY"
	VerdictNotReady    Verdict = "NOT_READY"
	VerdictError       Verdict = "ERROR"
	VerdictUnknown     Verdict = "UNKNOWN"
)

var verdictSynonyms = map[string]Verdict{
	"CLEAN":     VerdictBenign,
	"NOT READY": VerdictNotReady,
	"NOT-READY": VerdictNotReady,
}

// ParseVerdict 把任意文本归一到 Verdict 枚举，无法识别时返回 UNKNOWN。
func ParseVerdict(s string) Verdict {
	v := strings.ToUpper(strings.TrimSpace(s))
	if syn, ok := verdictSynonyms[v]; ok {
		return syn
	}
	switch Verdict(v) {
	case VerdictMalicious, VerdictSuspicious, VerdictBenign,
		VerdictSecure, VerdictCompromised, VerdictIncomplete,
		VerdictReady, VerdictNotReady, VerdictError:
		return Verdict(v)
	}
	return VerdictUnknown
}

// Level 用于 severity / criticality。
type Level string

const (
	LevelCritical Level = "Critical"
	LevelHigh     Level = "High"
	LevelMedium   Level = "Medium"
	LevelLow      Level = "Low"
)

// ParseLevel 大小写不敏感，非法值回落到 Medium。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return LevelCritical
	case "high":
		return LevelHigh
	case "medium":
		return LevelMedium
	case "low":
		return LevelLow
	}
	return LevelMedium
}

// Confidence 只有 High/Medium/Low 三档。
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ConfidenceHigh
	case "low":
		return ConfidenceLow
	}
	return ConfidenceMedium
}

// Finding 是报告中的单条发现。
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Evidence    string `json:"evidence"`
}

// CanonicalReport 是归一化之后的分析结论。
type CanonicalReport struct {
	Verdict          Verdict        `json:"verdict"`
	Severity         Level          `json:"severity"`
	Criticality      Level          `json:"criticality"`
	Confidence       Confidence     `json:"confidence"`
	Summary          string         `json:"summary"`
	Findings         []Finding      `json:"findings"`
	TechnicalDetails map[string]any `json:"technical_details"`
	Recommendations  []string       `json:"recommendations"`
}

// AgentReport 是落库后的报告（agent_reports 表），写入后不再修改。
// EvidenceID 为 0 表示报告不关联具体证据。
type AgentReport struct {
	ID           int64     `json:"id"`
	CaseID       int64     `json:"case_id"`
	EvidenceID   int64     `json:"evidence_id,omitempty"`
	AgentName    string    `json:"agent_name"`
	AnalysisType string    `json:"analysis_type"`
	RawResponse  string    `json:"raw_response"`
	CreatedAt    time.Time `json:"created_at"`

	CanonicalReport
}

// AnalysisSummary 是全局统计，用于仪表盘。
type AnalysisSummary struct {
	Cases     int             `json:"cases"`
	Evidence  int             `json:"evidence"`
	Events    int             `json:"events"`
	Reports   int             `json:"reports"`
	ByVerdict map[Verdict]int `json:"by_verdict"`
	ByAgent   map[string]int  `json:"by_agent"`
}

// TimelineEntry 是案件时间线的一条（证据、事件、报告合并排序）。
type TimelineEntry struct {
	Kind      string    `json:"kind"` // evidence|event|report
	RefID     int64     `json:"ref_id"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail,omitempty"`
	Verdict   Verdict   `json:"verdict,omitempty"`
}
