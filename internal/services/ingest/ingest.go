package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/hash"
	"forensic-ledger/internal/platform/id"
	"forensic-ledger/internal/platform/logging"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/dispatch"
	"forensic-ledger/internal/services/ledger"
	"forensic-ledger/internal/services/normalize"
	"forensic-ledger/internal/services/reportstore"
)

// CompletedEvent 是分析结束后写入事件链的描述。
const CompletedEvent = "analysis completed"

// 流式提交时用于魔数嗅探的字节数。
const sniffBytes = 16

// Upload 是一次文件提交。
type Upload struct {
	Case       string
	Filename   string
	Capability string
	Body       io.Reader
}

// FileInfo 描述落盘后的证据文件。
type FileInfo struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	Type     string `json:"type"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// Result 是一次分析的完整结果，直接作为 HTTP 响应体。
type Result struct {
	Status       string                `json:"status"`
	RequestID    string                `json:"request_id"`
	CaseID       int64                 `json:"case_id"`
	CaseNumber   string                `json:"case_number"`
	Analysis     model.CanonicalReport `json:"analysis"`
	Strategy     normalize.Strategy    `json:"strategy"`
	EvidenceID   int64                 `json:"evidence_id,omitempty"`
	ReportID     int64                 `json:"report_id"`
	AgentName    string                `json:"agent_name"`
	AnalysisType string                `json:"analysis_type"`
	Degraded     bool                  `json:"degraded"`
	FileInfo     *FileInfo             `json:"file_info,omitempty"`
}

// EvidenceLister 由 sqlite.Store 实现，保管链复核时列出案件证据。
type EvidenceLister interface {
	ListEvidenceByCase(ctx context.Context, caseID int64) ([]model.Evidence, error)
}

// Deps 汇总 Service 依赖的组件。
type Deps struct {
	EvidenceDir string
	Registry    *cases.Registry
	Chain       *ledger.Chain
	Dispatcher  *dispatch.Dispatcher
	Normalizer  *normalize.Normalizer
	Reports     *reportstore.Store
	Evidence    EvidenceLister
}

// Service 编排一次分析：解析案件 -> 证据落盘入链 -> 派发 -> 归一化 -> 存报告 -> 记完成事件。
type Service struct {
	evidenceDir string
	registry    *cases.Registry
	chain       *ledger.Chain
	dispatcher  *dispatch.Dispatcher
	normalizer  *normalize.Normalizer
	reports     *reportstore.Store
	evidence    EvidenceLister
	logger      *slog.Logger
}

func New(d Deps) *Service {
	return &Service{
		evidenceDir: d.EvidenceDir,
		registry:    d.Registry,
		chain:       d.Chain,
		dispatcher:  d.Dispatcher,
		normalizer:  d.Normalizer,
		reports:     d.Reports,
		evidence:    d.Evidence,
		logger:      logging.New("ingest"),
	}
}

// Upload 处理文件上传。capability 非空时覆盖扩展名路由。
func (s *Service) Upload(ctx context.Context, in Upload) (*Result, error) {
	name := safeName(in.Filename)
	if name == "" {
		return nil, fmt.Errorf("upload without filename: %w", model.ErrInvalid)
	}
	var requested model.Capability
	if strings.TrimSpace(in.Capability) != "" {
		c, ok := model.ParseCapability(in.Capability)
		if !ok {
			return nil, fmt.Errorf("unknown capability %q: %w", in.Capability, model.ErrInvalid)
		}
		requested = c
	}

	c, err := s.registry.ResolveOrCreate(ctx, in.Case)
	if err != nil {
		return nil, err
	}
	rt := s.dispatcher.Route(dispatch.ArtifactDescriptor{Filename: name, Requested: requested})
	return s.ingest(ctx, c, name, in.Body, rt, "")
}

// Stream 处理原始字节流，按魔数嗅探类型。
func (s *Service) Stream(ctx context.Context, caseIdentifier string, body io.Reader) (*Result, error) {
	br := bufio.NewReader(body)
	header, err := br.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("peek stream: %w", err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("empty stream: %w", model.ErrInvalid)
	}

	c, err := s.registry.ResolveOrCreate(ctx, caseIdentifier)
	if err != nil {
		return nil, err
	}
	rt := s.dispatcher.Route(dispatch.ArtifactDescriptor{Header: header, Stream: true})
	name := id.New("stream") + "." + rt.FileType
	return s.ingest(ctx, c, name, br, rt, "")
}

// Live 处理采集脚本推送的实时数据，数据本身作为 JSON 证据入链。
func (s *Service) Live(ctx context.Context, caseIdentifier string, b dispatch.LiveBurst) (*Result, error) {
	if strings.TrimSpace(b.BurstID) == "" {
		b.BurstID = id.New("burst")
	}
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal live burst: %w", err)
	}

	c, err := s.registry.ResolveOrCreate(ctx, caseIdentifier)
	if err != nil {
		return nil, err
	}
	rt := dispatch.RouteLive(b)
	name := safeName(fmt.Sprintf("live_%s_%s.json", b.Platform, b.BurstID))
	return s.ingest(ctx, c, name, strings.NewReader(string(raw)), rt, dispatch.LiveSubject(b))
}

func (s *Service) ingest(ctx context.Context, c *model.Case, name string, body io.Reader, rt dispatch.Route, subject string) (*Result, error) {
	requestID := id.Request()

	info, err := s.store(c, name, body)
	if err != nil {
		return nil, err
	}
	info.Type = rt.AnalysisType

	ev, err := s.chain.AppendEvidence(ctx, model.Evidence{
		CaseID:      c.ID,
		Filename:    info.Filename,
		StoragePath: info.Path,
		FileHash:    info.Hash,
		FileType:    info.Type,
		FileSize:    info.Size,
		Metadata:    metadataJSON(map[string]any{"request_id": requestID, "detected_type": rt.FileType}),
	})
	if err != nil {
		// 未入链的文件不算证据
		_ = os.Remove(info.Path)
		return nil, err
	}
	if c.Status == model.CaseOpen {
		if _, err := s.registry.SetStatus(ctx, c.ID, string(model.CaseAnalyzing)); err != nil {
			s.logger.Warn("update case status failed", slog.Int64("case_id", c.ID), slog.String("error", err.Error()))
		}
	}

	res, err := s.analyze(ctx, c, dispatch.AnalysisContext{
		RequestID:  requestID,
		CaseID:     c.ID,
		EvidenceID: ev.ID,
		Path:       info.Path,
		Filename:   info.Filename,
		FileHash:   info.Hash,
		Route:      rt,
		Subject:    subject,
	})
	if err != nil {
		return nil, err
	}
	res.EvidenceID = ev.ID
	res.FileInfo = info
	return res, nil
}

// analyze 派发、归一化、存报告并记录完成事件。
func (s *Service) analyze(ctx context.Context, c *model.Case, ac dispatch.AnalysisContext) (*Result, error) {
	out, err := s.dispatcher.Dispatch(ctx, ac)
	if err != nil {
		return nil, err
	}

	norm := s.normalizer.Normalize(out.Raw)
	report := norm.Report
	if ex := out.Request.Extraction; ex != nil && len(ex.Details) > 0 {
		if report.TechnicalDetails == nil {
			report.TechnicalDetails = map[string]any{}
		}
		for k, v := range ex.Details {
			report.TechnicalDetails[k] = v
		}
	}

	reportID, err := s.reports.Save(ctx, c.ID, ac.EvidenceID, out.Request.Agent, ac.Route.AnalysisType, report, out.Raw)
	if err != nil {
		return nil, err
	}

	details, _ := json.Marshal(map[string]any{
		"request_id":  out.Request.RequestID,
		"report_id":   reportID,
		"evidence_id": ac.EvidenceID,
		"agent":       out.Request.Agent,
		"verdict":     report.Verdict,
		"degraded":    out.Degraded,
	})
	if _, err := s.chain.AppendEvent(ctx, c.ID, CompletedEvent, string(details)); err != nil {
		return nil, err
	}

	s.logger.Info("artifact analyzed",
		slog.String("request_id", out.Request.RequestID),
		slog.String("case", c.CaseNumber),
		slog.String("agent", out.Request.Agent),
		slog.String("verdict", string(report.Verdict)),
		slog.String("strategy", string(norm.Strategy)),
		slog.Bool("degraded", out.Degraded))

	return &Result{
		Status:       "success",
		RequestID:    out.Request.RequestID,
		CaseID:       c.ID,
		CaseNumber:   c.CaseNumber,
		Analysis:     report,
		Strategy:     norm.Strategy,
		ReportID:     reportID,
		AgentName:    out.Request.Agent,
		AnalysisType: ac.Route.AnalysisType,
		Degraded:     out.Degraded,
	}, nil
}

// store 把证据写到 evidence_dir/<案件编号>/ 下，边写边算 SHA-256。
func (s *Service) store(c *model.Case, name string, body io.Reader) (*FileInfo, error) {
	dir := filepath.Join(s.evidenceDir, c.CaseNumber)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir evidence dir: %w", err)
	}
	path := filepath.Join(dir, id.New("ev")+"_"+name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create evidence file: %w", err)
	}
	sum, size, err := hash.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write evidence file: %w", err)
	}
	return &FileInfo{Filename: name, Hash: sum, Path: path, Size: size}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
}

func metadataJSON(m map[string]any) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}
