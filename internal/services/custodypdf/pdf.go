package custodypdf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/hash"
	"forensic-ledger/internal/platform/logging"
	"forensic-ledger/internal/services/ledger"
)

// ExportedEvent 是导出完成后写入事件链的描述。
const ExportedEvent = "custody report exported"

// FontEnv 指定 UTF-8 字体文件路径，未设置时按系统常见路径探测。
const FontEnv = "FORENSIC_LEDGER_PDF_FONT"

type Options struct {
	CaseID   int64
	OutDir   string
	Operator string
	Note     string
}

type Result struct {
	CaseID      int64     `json:"case_id"`
	PDFPath     string    `json:"pdf_path"`
	PDFSHA256   string    `json:"pdf_sha256"`
	Warnings    []string  `json:"warnings,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// 单份 PDF 中各列表的展示上限。
const (
	maxEvidence = 200
	maxEvents   = 300
	maxReports  = 200
)

type data struct {
	c             model.Case
	evidence      []model.Evidence
	events        []model.Event
	reports       []model.AgentReport
	evidenceChain ledger.Result
	eventsChain   ledger.Result
}

// Generate 导出案件保管链 PDF：案件信息、链校验结果、证据、事件与分析报告。
// 导出本身作为事件入链；链已冻结时导出仍然完成，只在 warnings 中说明。
func Generate(ctx context.Context, store *sqliteadapter.Store, chain *ledger.Chain, opts Options) (*Result, error) {
	if opts.CaseID <= 0 {
		return nil, fmt.Errorf("case id is required: %w", model.ErrInvalid)
	}
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, fmt.Errorf("output directory is required: %w", model.ErrInvalid)
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}
	logger := logging.New("custodypdf")

	c, err := store.GetCaseByID(ctx, opts.CaseID)
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", opts.CaseID, model.ErrNotFound)
	}

	warnings := []string{}
	d := data{c: *c}
	if d.evidence, err = store.ListEvidenceByCase(ctx, c.ID); err != nil {
		warnings = append(warnings, "list evidence failed: "+err.Error())
	}
	if d.events, err = store.ListEventsByCase(ctx, c.ID, 0); err != nil {
		warnings = append(warnings, "list events failed: "+err.Error())
	}
	if d.reports, err = store.ListReportsByCase(ctx, c.ID); err != nil {
		warnings = append(warnings, "list reports failed: "+err.Error())
	}
	if d.evidenceChain, err = chain.Verify(ctx, model.ChainEvidence); err != nil {
		warnings = append(warnings, "verify evidence chain failed: "+err.Error())
	}
	if d.eventsChain, err = chain.Verify(ctx, model.ChainEvents); err != nil {
		warnings = append(warnings, "verify events chain failed: "+err.Error())
	}

	now := time.Now().UTC()
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(opts.OutDir, fmt.Sprintf("%s_custody_%d.pdf", c.CaseNumber, now.Unix()))

	pdf, utf8OK := buildPDF(d, operator, opts.Note, warnings, now)
	if !utf8OK {
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"pdf":            filepath.Base(pdfPath),
		"pdf_sha256":     sum,
		"operator":       operator,
		"evidence_count": len(d.evidence),
		"report_count":   len(d.reports),
	})
	if _, err := chain.AppendEvent(ctx, c.ID, ExportedEvent, string(details)); err != nil {
		warnings = append(warnings, "record export event failed: "+err.Error())
		logger.Warn("record export event failed", slog.String("case", c.CaseNumber), slog.String("error", err.Error()))
	}

	return &Result{
		CaseID:      c.ID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

func buildPDF(d data, operator, note string, warnings []string, generatedAt time.Time) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Forensic Ledger - Chain of Custody", false)

	font, utf8OK := initPDFUnicodeFont(pdf)
	w := writer{pdf: pdf, font: font, utf8OK: utf8OK}

	pdf.AddPage()
	pdf.SetFont(font, "B", 16)
	pdf.CellFormat(0, 9, "Forensic Ledger - Chain of Custody Report", "", 1, "L", false, 0, "")
	pdf.SetFont(font, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, "Generated at: "+fmtTime(generatedAt), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Operator: "+w.text(operator), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, "Note: "+w.text(note), "", "L", false)
	}
	pdf.Ln(2)

	c := d.c
	w.section("1. Case")
	w.kv("Case Number", c.CaseNumber)
	w.kv("Name", c.Name)
	w.kv("Description", c.Description)
	w.kv("Investigator", c.Investigator)
	w.kv("Status", string(c.Status))
	w.kv("Priority", string(c.Priority))
	w.kv("Tags", strings.Join(c.Tags, ", "))
	w.kv("Created At", fmtTime(c.CreatedAt))
	w.kv("Updated At", fmtTime(c.UpdatedAt))
	pdf.Ln(2)

	local := append([]string{}, warnings...)
	if !utf8OK {
		local = append(local, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if len(local) > 0 {
		w.section("Warnings")
		pdf.SetFont(font, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, msg := range local {
			pdf.MultiCell(0, 4.5, "- "+w.text(msg), "", "L", false)
		}
		pdf.Ln(2)
	}

	w.section("2. Ledger Verification")
	for _, r := range []ledger.Result{d.evidenceChain, d.eventsChain} {
		status := "INTACT"
		if !r.OK {
			status = "BROKEN"
		}
		w.kv(string(r.Kind)+" chain", fmt.Sprintf("%s (%d records, %d failed)", status, r.Total, r.Failed))
		if r.LastHash != "" {
			w.kv("Last Hash", r.LastHash)
		}
		for _, f := range r.Failures {
			pdf.SetFont(font, "", 9)
			pdf.SetTextColor(160, 20, 20)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("record %d (case %d): %s", f.RecordID, f.CaseID, f.Message), "", "L", false)
		}
	}
	pdf.Ln(2)

	w.section("3. Evidence")
	if len(d.evidence) == 0 {
		w.empty()
	}
	for _, ev := range head(d.evidence, maxEvidence) {
		w.entry(fmt.Sprintf("#%d %s | %s | %s", ev.ID, ev.Filename, ev.FileType, fmtTime(ev.CollectedAt)))
		w.line(fmt.Sprintf("sha256: %s (%d bytes)", ev.FileHash, ev.FileSize))
		w.line("prev_hash: " + orDash(ev.PrevHash))
		w.line("current_hash: " + ev.CurrentHash)
		pdf.Ln(1)
	}
	pdf.Ln(2)

	w.section("4. Analysis Reports")
	if len(d.reports) == 0 {
		w.empty()
	}
	for _, r := range head(d.reports, maxReports) {
		w.entry(fmt.Sprintf("#%d %s | %s | %s/%s | confidence %s", r.ID, r.AgentName, r.Verdict, r.Severity, r.Criticality, r.Confidence))
		if r.EvidenceID != 0 {
			w.line(fmt.Sprintf("evidence: #%d", r.EvidenceID))
		}
		w.line("summary: " + r.Summary)
		for _, f := range r.Findings {
			w.line(fmt.Sprintf("- [%s] %s: %s", f.Severity, f.Category, f.Description))
		}
		pdf.Ln(1)
	}
	pdf.Ln(2)

	w.section("5. Case Events")
	if len(d.events) == 0 {
		w.empty()
	}
	for _, e := range head(d.events, maxEvents) {
		w.line(fmt.Sprintf("%s  %s  [%s]", fmtTime(e.Timestamp), e.Description, short(e.CurrentHash)))
	}

	pdf.Ln(2)
	pdf.SetFont(font, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Hashes are SHA-256 over prev_hash, the canonical record payload and its timestamp. Re-run ledger verification to confirm.", "", "L", false)
	return pdf, utf8OK
}

type writer struct {
	pdf    *gofpdf.Fpdf
	font   string
	utf8OK bool
}

func (w writer) section(title string) {
	w.pdf.SetFont(w.font, "B", 12)
	w.pdf.SetTextColor(0, 0, 0)
	w.pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	w.pdf.SetDrawColor(200, 200, 200)
	w.pdf.Line(w.pdf.GetX(), w.pdf.GetY(), 196, w.pdf.GetY())
	w.pdf.Ln(2)
}

func (w writer) kv(key, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	w.pdf.SetFont(w.font, "B", 10)
	w.pdf.SetTextColor(30, 30, 30)
	w.pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	w.pdf.SetFont(w.font, "", 10)
	w.pdf.SetTextColor(20, 20, 20)
	w.pdf.MultiCell(0, 5.2, w.text(value), "", "L", false)
}

func (w writer) entry(s string) {
	w.pdf.SetFont(w.font, "B", 10)
	w.pdf.SetTextColor(20, 20, 20)
	w.pdf.MultiCell(0, 5, w.text(s), "", "L", false)
}

func (w writer) line(s string) {
	w.pdf.SetFont(w.font, "", 9)
	w.pdf.SetTextColor(40, 40, 40)
	w.pdf.MultiCell(0, 4.5, w.text(s), "", "L", false)
}

func (w writer) empty() {
	w.pdf.SetFont(w.font, "", 10)
	w.pdf.SetTextColor(90, 90, 90)
	w.pdf.MultiCell(0, 5, "(empty)", "", "L", false)
}

// text 压平换行；没有 UTF-8 字体时把非 ASCII 字符替换为 '?'。
func (w writer) text(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(s)
	s = strings.TrimSpace(s)
	if w.utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

func head[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05Z")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体；失败回退到 Helvetica。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	var candidates []string
	if v := strings.TrimSpace(os.Getenv(FontEnv)); v != "" {
		candidates = append(candidates, v)
	}
	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}
	return "Helvetica", false
}
