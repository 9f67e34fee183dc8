package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"forensic-ledger/internal/domain/model"
)

// Strategy 标识产出报告的解析层级。
type Strategy string

const (
	StrategyFenced    Strategy = "fenced"
	StrategyRaw       Strategy = "raw"
	StrategyEmbedded  Strategy = "embedded"
	StrategyHeuristic Strategy = "heuristic"
)

// Result 是一次归一化的结果。
type Result struct {
	Report   model.CanonicalReport
	Strategy Strategy
}

// parser 尝试从原文中取出结构化对象；ok=false 表示交给下一级。
type parser struct {
	name  Strategy
	parse func(raw string) (map[string]any, bool)
}

// Normalizer 把 agent 的自由文本回复转换为 CanonicalReport。
// 解析按固定顺序逐级尝试，先命中者生效；最后一级文本挖掘总能给出结果。
type Normalizer struct {
	parsers   []parser
	heuristic *Heuristic
}

// New 使用内嵌的关键词表构造 Normalizer。
func New() *Normalizer {
	rules, err := LoadRules(heuristicsYAML)
	if err != nil {
		panic(fmt.Sprintf("load heuristics.yaml: %v", err))
	}
	return NewWithRules(rules)
}

func NewWithRules(rules Rules) *Normalizer {
	return &Normalizer{
		parsers: []parser{
			{name: StrategyFenced, parse: parseFenced},
			{name: StrategyRaw, parse: parseRaw},
			{name: StrategyEmbedded, parse: parseEmbedded},
		},
		heuristic: NewHeuristic(rules),
	}
}

// Normalize 对任意输入（包括空串）都返回合法报告。
func (n *Normalizer) Normalize(raw string) Result {
	for _, p := range n.parsers {
		if obj, ok := p.parse(raw); ok {
			return Result{Report: fromObject(obj), Strategy: p.name}
		}
	}
	return Result{Report: n.heuristic.Report(raw), Strategy: StrategyHeuristic}
}

var (
	fencedPatterns = []*regexp.Regexp{
		regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n\\s*```"),
		regexp.MustCompile("(?s)```\\s*\\n(\\{.*?\\})\\s*\\n\\s*```"),
		regexp.MustCompile("(?s)`(\\{.*?\\})`"),
	}

	nestedObjectPattern = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	greedyObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

func parseFenced(raw string) (map[string]any, bool) {
	for _, re := range fencedPatterns {
		for _, m := range re.FindAllStringSubmatch(raw, -1) {
			if obj, ok := decodeVerdictObject(m[1]); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

func parseRaw(raw string) (map[string]any, bool) {
	return decodeVerdictObject(raw)
}

func parseEmbedded(raw string) (map[string]any, bool) {
	for _, candidate := range nestedObjectPattern.FindAllString(raw, -1) {
		if obj, ok := decodeVerdictObject(candidate); ok {
			return obj, true
		}
	}
	if candidate := greedyObjectPattern.FindString(raw); candidate != "" {
		return decodeVerdictObject(candidate)
	}
	return nil, false
}

// decodeVerdictObject 严格按 JSON 解析，且必须包含 verdict 字段才算成功。
func decodeVerdictObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	if _, ok := obj["verdict"]; !ok {
		return nil, false
	}
	return obj, true
}

func fromObject(obj map[string]any) model.CanonicalReport {
	r := model.CanonicalReport{
		Verdict:          model.ParseVerdict(stringField(obj, "verdict")),
		Severity:         model.ParseLevel(stringField(obj, "severity")),
		Criticality:      model.ParseLevel(stringField(obj, "criticality")),
		Confidence:       model.ParseConfidence(stringField(obj, "confidence")),
		Summary:          stringField(obj, "summary"),
		Findings:         []model.Finding{},
		TechnicalDetails: map[string]any{},
		Recommendations:  []string{},
	}

	if items, ok := obj["findings"].([]any); ok {
		for _, it := range items {
			switch f := it.(type) {
			case map[string]any:
				r.Findings = append(r.Findings, model.Finding{
					Category:    stringField(f, "category"),
					Description: stringField(f, "description"),
					Severity:    stringField(f, "severity"),
					Evidence:    stringField(f, "evidence"),
				})
			case string:
				r.Findings = append(r.Findings, model.Finding{Description: f})
			}
		}
	}

	if details, ok := obj["technical_details"].(map[string]any); ok {
		r.TechnicalDetails = details
	}

	switch recs := obj["recommendations"].(type) {
	case []any:
		for _, it := range recs {
			if s := toString(it); s != "" {
				r.Recommendations = append(r.Recommendations, s)
			}
		}
	case string:
		if s := strings.TrimSpace(recs); s != "" {
			r.Recommendations = append(r.Recommendations, s)
		}
	}

	return r
}

func stringField(obj map[string]any, key string) string {
	return toString(obj[key])
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case map[string]any, []any:
		raw, _ := json.Marshal(t)
		return string(raw)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
