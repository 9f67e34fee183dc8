package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"forensic-ledger/internal/adapters/analyzer"
	"forensic-ledger/internal/adapters/tools"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/id"
	"forensic-ledger/internal/platform/logging"
)

// SubmittedEvent 是每次派发前写入事件链的描述。
const SubmittedEvent = "artifact submitted for analysis"

// Extractor 是分析前的工具预提取（tshark、plist 等），失败不影响派发。
type Extractor interface {
	Name() string
	Extract(ctx context.Context, path string) (*tools.Extraction, error)
}

// EventAppender 由 ledger.Chain 实现。
type EventAppender interface {
	AppendEvent(ctx context.Context, caseID int64, description, details string) (model.Event, error)
}

// AnalysisContext 是单次分析的全部上下文，按参数逐层传递，不落到任何全局状态里。
type AnalysisContext struct {
	RequestID  string
	CaseID     int64
	EvidenceID int64
	Path       string
	Filename   string
	FileHash   string
	Route      Route
	// Subject 替代默认的“分析某路径文件”指令，用于实时数据与保管链复核等非文件场景。
	Subject string
	Params  map[string]any
}

// AnalysisRequest 是发给 agent 的完整请求。
type AnalysisRequest struct {
	RequestID  string            `json:"request_id"`
	Agent      string            `json:"agent"`
	Capability model.Capability  `json:"capability"`
	Prompt     string            `json:"prompt"`
	State      map[string]any    `json:"state"`
	Extraction *tools.Extraction `json:"-"`
}

// FailureKind 区分分析失败的原因。
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureUnavailable  FailureKind = "unavailable"
	FailureUnauthorized FailureKind = "unauthorized"
	FailureEmpty        FailureKind = "empty_response"
)

// Outcome 是一次派发的结果。Raw 总是有内容：失败时为降级摘要。
type Outcome struct {
	Request  AnalysisRequest
	Raw      string
	Degraded bool
	Failure  FailureKind
	Err      error
	Elapsed  time.Duration
}

type Option func(*Dispatcher)

// WithTimeout 设置单次 agent 调用的超时。
func WithTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithExtractor 按能力注册预提取。
func WithExtractor(c model.Capability, ex Extractor) Option {
	return func(x *Dispatcher) { x.byCapability[c] = ex }
}

// WithFileTypeExtractor 按文件类型注册预提取，优先于按能力注册的。
func WithFileTypeExtractor(ex Extractor, fileTypes ...string) Option {
	return func(x *Dispatcher) {
		for _, ft := range fileTypes {
			x.byFileType[strings.ToLower(ft)] = ex
		}
	}
}

// Dispatcher 把证据路由到对应 agent，构造请求并调用。
type Dispatcher struct {
	router  *Router
	invoker analyzer.Invoker
	events  EventAppender

	byCapability map[model.Capability]Extractor
	byFileType   map[string]Extractor

	timeout time.Duration
	logger  *slog.Logger
}

func New(router *Router, invoker analyzer.Invoker, events EventAppender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:       router,
		invoker:      invoker,
		events:       events,
		byCapability: map[model.Capability]Extractor{},
		byFileType:   map[string]Extractor{},
		timeout:      120 * time.Second,
		logger:       logging.New("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Route(desc ArtifactDescriptor) Route {
	return d.router.Route(desc)
}

func (d *Dispatcher) extractorFor(rt Route) (Extractor, bool) {
	if ex, ok := d.byFileType[strings.ToLower(rt.FileType)]; ok {
		return ex, true
	}
	ex, ok := d.byCapability[rt.Capability]
	return ex, ok
}

// Build 构造分析请求。预提取失败时退化为只带路径的请求。
func (d *Dispatcher) Build(ctx context.Context, ac AnalysisContext) AnalysisRequest {
	if ac.RequestID == "" {
		ac.RequestID = id.Request()
	}
	rt := ac.Route

	var extraction *tools.Extraction
	if ex, ok := d.extractorFor(rt); ok && ac.Path != "" {
		out, err := ex.Extract(ctx, ac.Path)
		if err != nil {
			d.logger.Warn("pre-extraction failed, sending path-only request",
				slog.String("request_id", ac.RequestID),
				slog.String("capability", string(rt.Capability)),
				slog.String("error", err.Error()))
		} else {
			extraction = out
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", rt.AgentName, subjectFor(ac))
	if extraction != nil && extraction.Prompt != "" {
		b.WriteString("\n")
		b.WriteString(extraction.Prompt)
		b.WriteString("\nBased on this technical data, provide your forensic assessment.\n")
	}
	b.WriteString(jsonInstruction(rt.Verdicts))

	state := map[string]any{
		"request_id":    ac.RequestID,
		"case_id":       ac.CaseID,
		"evidence_id":   ac.EvidenceID,
		"artifact_path": ac.Path,
		"filename":      ac.Filename,
		"file_hash":     ac.FileHash,
		"capability":    string(rt.Capability),
	}
	for k, v := range ac.Params {
		if _, taken := state[k]; !taken {
			state[k] = v
		}
	}

	return AnalysisRequest{
		RequestID:  ac.RequestID,
		Agent:      rt.AgentName,
		Capability: rt.Capability,
		Prompt:     b.String(),
		State:      state,
		Extraction: extraction,
	}
}

// Dispatch 先在事件链登记提交记录，再调用 agent。
// 只有事件链写入失败才返回 error；agent 的失败体现在 Outcome 里。
func (d *Dispatcher) Dispatch(ctx context.Context, ac AnalysisContext) (Outcome, error) {
	if ac.RequestID == "" {
		ac.RequestID = id.Request()
	}
	req := d.Build(ctx, ac)

	details, _ := json.Marshal(map[string]any{
		"request_id":  req.RequestID,
		"agent":       req.Agent,
		"capability":  req.Capability,
		"evidence_id": ac.EvidenceID,
		"filename":    ac.Filename,
	})
	if _, err := d.events.AppendEvent(ctx, ac.CaseID, SubmittedEvent, string(details)); err != nil {
		return Outcome{Request: req}, fmt.Errorf("record submission: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	raw, err := d.invoker.Invoke(callCtx, analyzer.Request{
		SessionID: req.RequestID,
		Agent:     req.Agent,
		Prompt:    req.Prompt,
		State:     req.State,
	})
	out := Outcome{Request: req, Raw: raw, Err: err, Elapsed: time.Since(start)}

	switch {
	case err != nil:
		out.Failure = classify(err)
	case strings.TrimSpace(raw) == "":
		out.Failure = FailureEmpty
	}
	if out.Failure != FailureNone {
		out.Degraded = true
		out.Raw = DegradedSummary(ac, out.Failure)
		d.logger.Warn("analyzer failed, returning degraded summary",
			slog.String("request_id", req.RequestID),
			slog.String("agent", req.Agent),
			slog.String("failure", string(out.Failure)),
			slog.Any("error", err))
		return out, nil
	}

	d.logger.Info("analysis completed",
		slog.String("request_id", req.RequestID),
		slog.String("agent", req.Agent),
		slog.Duration("elapsed", out.Elapsed))
	return out, nil
}

func classify(err error) FailureKind {
	if errors.Is(err, analyzer.ErrUnauthorized) {
		return FailureUnauthorized
	}
	return FailureUnavailable
}

// DegradedSummary 生成 agent 不可用时的静态结论，格式与正常回复一致，便于统一归一化。
func DegradedSummary(ac AnalysisContext, failure FailureKind) string {
	reason := "the analysis service was unreachable or timed out"
	if failure == FailureUnauthorized {
		reason = "the analysis service rejected the configured credentials"
	}
	if failure == FailureEmpty {
		reason = "the analysis service returned an empty response"
	}
	guess := fmt.Sprintf("%s (%s)", ac.Route.FileType, ac.Route.Capability)

	body := map[string]any{
		"verdict":     string(model.VerdictUnknown),
		"severity":    string(model.LevelMedium),
		"criticality": string(model.LevelMedium),
		"confidence":  string(model.ConfidenceLow),
		"summary":     fmt.Sprintf("Automated analysis unavailable: %s. Manual review recommended.", reason),
		"findings": []map[string]string{{
			"category":    "Degraded Mode",
			"description": fmt.Sprintf("No %s assessment was produced for %s.", ac.Route.AgentName, ac.Filename),
			"severity":    string(model.LevelMedium),
			"evidence":    "File type guess: " + guess,
		}},
		"technical_details": map[string]any{
			"degraded":        true,
			"failure":         string(failure),
			"file_type_guess": guess,
			"request_id":      ac.RequestID,
		},
		"recommendations": []string{
			"Manual review recommended",
			"Retry analysis once the analysis service is available",
		},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

// Capabilities 列出全部能力及其扩展名、预提取工具。
func (d *Dispatcher) Capabilities() []CapabilityInfo {
	exts := d.router.Extensions()
	out := make([]CapabilityInfo, 0, len(model.AllCapabilities))
	for _, c := range model.AllCapabilities {
		rt := newRoute(c, "")
		info := CapabilityInfo{
			Capability: c,
			AgentName:  rt.AgentName,
			Verdicts:   rt.Verdicts,
			Extensions: exts[c],
		}
		if info.Extensions == nil {
			info.Extensions = []string{}
		}
		var names []string
		if ex, ok := d.byCapability[c]; ok {
			names = append(names, ex.Name())
		}
		for ft, ex := range d.byFileType {
			if contains(info.Extensions, ft) && !contains(names, ex.Name()) {
				names = append(names, ex.Name())
			}
		}
		sort.Strings(names)
		info.Extractor = strings.Join(names, ",")
		out = append(out, info)
	}
	return out
}

// Extensions 透出路由表（能力 -> 扩展名）。
func (d *Dispatcher) Extensions() map[model.Capability][]string {
	return d.router.Extensions()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
