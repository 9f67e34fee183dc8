package normalize

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"forensic-ledger/internal/domain/model"
)

//go:embed heuristics.yaml
var heuristicsYAML []byte

// Rules 是文本兜底解析的关键词配置。
type Rules struct {
	VerdictKeywords  []string `yaml:"verdict_keywords"`
	SeverityKeywords struct {
		Critical []string `yaml:"critical"`
		High     []string `yaml:"high"`
		Low      []string `yaml:"low"`
	} `yaml:"severity_keywords"`
	Fallback struct {
		Category         string   `yaml:"category"`
		Evidence         string   `yaml:"evidence"`
		SummaryLimit     int      `yaml:"summary_limit"`
		DescriptionLimit int      `yaml:"description_limit"`
		Recommendations  []string `yaml:"recommendations"`
	} `yaml:"fallback"`
}

// LoadRules 解析关键词配置。
func LoadRules(raw []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Rules{}, fmt.Errorf("parse heuristics: %w", err)
	}
	if len(r.VerdictKeywords) == 0 {
		return Rules{}, fmt.Errorf("heuristics: verdict_keywords is empty")
	}
	if r.Fallback.SummaryLimit <= 0 || r.Fallback.DescriptionLimit <= 0 {
		return Rules{}, fmt.Errorf("heuristics: fallback limits must be positive")
	}
	return r, nil
}

const verdictAlternation = `MALICIOUS|SUSPICIOUS|BENIGN|CLEAN|SECURE|COMPROMISED|INCOMPLETE|NOT[ _]READY|READY|ERROR`

const levelAlternation = `critical|high|medium|low`

var (
	verdictPhrasePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)verdict\s+is\s+\**\s*(` + verdictAlternation + `)\b`),
		regexp.MustCompile(`(?i)verdict["*\s]*[:\-]+["*\s]*(` + verdictAlternation + `)\b`),
	}

	combinedLevelPattern = regexp.MustCompile(`(?i)\(\s*(` + levelAlternation + `)\s+severity\s*,\s*(` + levelAlternation + `)\s+criticality\s*\)`)

	severityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\(\s*(` + levelAlternation + `)\s+severity`),
		regexp.MustCompile(`(?i)severity["*\s]*[:\-]?["*\s]*(` + levelAlternation + `)\b`),
	}

	criticalityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\(\s*(` + levelAlternation + `)\s+criticality`),
		regexp.MustCompile(`(?i)criticality["*\s]*[:\-]?["*\s]*(` + levelAlternation + `)\b`),
	}

	confidencePattern = regexp.MustCompile(`(?i)confidence["*\s]*[:\-]?["*\s]*(high|medium|low)\b`)
)

// Heuristic 是最后一级解析：从自由文本里挖 verdict / 等级 / 置信度，总能给出报告。
type Heuristic struct {
	rules    Rules
	verdicts []*regexp.Regexp
	critical *regexp.Regexp
	high     *regexp.Regexp
	low      *regexp.Regexp
}

func NewHeuristic(rules Rules) *Heuristic {
	h := &Heuristic{rules: rules}
	for _, kw := range rules.VerdictKeywords {
		h.verdicts = append(h.verdicts, wordPattern([]string{kw}))
	}
	h.critical = wordPattern(rules.SeverityKeywords.Critical)
	h.high = wordPattern(rules.SeverityKeywords.High)
	h.low = wordPattern(rules.SeverityKeywords.Low)
	return h
}

// wordPattern 构造大小写不敏感的整词匹配；空词表返回 nil。
func wordPattern(words []string) *regexp.Regexp {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func countMatches(re *regexp.Regexp, text string) int {
	if re == nil {
		return 0
	}
	return len(re.FindAllStringIndex(text, -1))
}

// Verdict 先找显式短语，再按优先级找裸关键词，都没有返回 UNKNOWN。
func (h *Heuristic) Verdict(text string) model.Verdict {
	for _, re := range verdictPhrasePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return model.ParseVerdict(m[1])
		}
	}
	for i, re := range h.verdicts {
		if re.MatchString(text) {
			return model.ParseVerdict(h.rules.VerdictKeywords[i])
		}
	}
	return model.VerdictUnknown
}

// Levels 返回 severity 与 criticality。
// 优先取 "(X severity, Y criticality)"，其次取带标签的写法，都没有时按词桶推断。
func (h *Heuristic) Levels(text string, verdict model.Verdict) (severity, criticality model.Level) {
	if m := combinedLevelPattern.FindStringSubmatch(text); m != nil {
		return model.ParseLevel(m[1]), model.ParseLevel(m[2])
	}

	severity = firstLevel(severityPatterns, text)
	criticality = firstLevel(criticalityPatterns, text)
	if severity != "" && criticality != "" {
		return severity, criticality
	}

	inferred := h.infer(text, verdict)
	if severity == "" {
		severity = inferred
	}
	if criticality == "" {
		criticality = inferred
	}
	return severity, criticality
}

func firstLevel(patterns []*regexp.Regexp, text string) model.Level {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return model.ParseLevel(m[1])
		}
	}
	return ""
}

func (h *Heuristic) infer(text string, verdict model.Verdict) model.Level {
	critical := countMatches(h.critical, text)
	high := countMatches(h.high, text)
	low := countMatches(h.low, text)

	switch {
	case critical > 0 || verdict == model.VerdictMalicious:
		return model.LevelHigh
	case high > low:
		return model.LevelMedium
	case low > 0:
		return model.LevelLow
	}
	return model.LevelMedium
}

// Confidence 只认带标签的写法，没有时为 Medium。
func (h *Heuristic) Confidence(text string) model.Confidence {
	if m := confidencePattern.FindStringSubmatch(text); m != nil {
		return model.ParseConfidence(m[1])
	}
	return model.ConfidenceMedium
}

// Report 生成兜底报告：单条综合 finding，原文完整保存在 technical_details.raw_response。
func (h *Heuristic) Report(raw string) model.CanonicalReport {
	text := strings.TrimSpace(raw)
	verdict := h.Verdict(text)
	severity, criticality := h.Levels(text, verdict)

	fb := h.rules.Fallback
	recs := make([]string, len(fb.Recommendations))
	copy(recs, fb.Recommendations)

	return model.CanonicalReport{
		Verdict:     verdict,
		Severity:    severity,
		Criticality: criticality,
		Confidence:  h.Confidence(text),
		Summary:     truncate(text, fb.SummaryLimit),
		Findings: []model.Finding{{
			Category:    fb.Category,
			Description: truncate(text, fb.DescriptionLimit),
			Severity:    string(severity),
			Evidence:    fb.Evidence,
		}},
		TechnicalDetails: map[string]any{"raw_response": raw},
		Recommendations:  recs,
	}
}

// truncate 按字符截断，超长时追加 "..."。
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
