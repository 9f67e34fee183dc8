package forensicexport

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/app"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/hash"
	"forensic-ledger/internal/platform/id"
	"forensic-ledger/internal/platform/logging"
	"forensic-ledger/internal/services/ledger"
)

// ExportedEvent 是导出完成后写入事件链的描述。
const ExportedEvent = "evidence bundle exported"

const (
	manifestSchemaV1 = "forensic_ledger.evidence_bundle.v1"
	hashListName     = "hashes.sha256"
	manifestName     = "manifest.json"
)

// Options 定义证据包（ZIP）导出参数。
type Options struct {
	CaseID   int64
	OutDir   string
	Operator string
	Note     string
}

// FileHashEntry 是 ZIP 内单个文件的哈希登记。
type FileHashEntry struct {
	Path      string `json:"path"` // ZIP 内路径，"/" 分隔
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Kind      string `json:"kind"` // evidence|report|ledger|manifest
}

// ManifestEvidence 把证据链记录与其在 ZIP 内的位置对应起来。
type ManifestEvidence struct {
	Evidence model.Evidence `json:"evidence"`
	ZipPath  string         `json:"zip_path,omitempty"`
}

// Manifest 是 manifest.json 的结构。链上记录原样导出，离线也能重算 current_hash。
type Manifest struct {
	Schema      string    `json:"schema"`
	GeneratedAt time.Time `json:"generated_at"`
	App         struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	} `json:"app"`

	Case     model.Case         `json:"case"`
	Evidence []ManifestEvidence `json:"evidence"`
	Events   []model.Event      `json:"events"`
	Reports  []int64            `json:"report_ids"`
	Ledger   []ledger.Result    `json:"ledger"`
	Files    []FileHashEntry    `json:"files"`
	Warnings []string           `json:"warnings,omitempty"`
	Operator string             `json:"operator,omitempty"`
	Note     string             `json:"note,omitempty"`
}

// Result 是一次导出的摘要。
type Result struct {
	CaseID      int64     `json:"case_id"`
	ZipPath     string    `json:"zip_path"`
	ZipSHA256   string    `json:"zip_sha256"`
	Files       int       `json:"files"`
	Warnings    []string  `json:"warnings,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Generate 生成案件证据包：
// - evidence/..：证据文件原件
// - reports/<id>.json：分析报告（含原始响应）
// - ledger/verify.json：导出时两条链的校验结果
// - manifest.json：案件、证据链与事件链记录、文件清单
// - hashes.sha256：ZIP 内各文件（除自身）的 sha256sum 兼容列表
//
// 缺失的证据文件不阻断导出，但会写进 warnings。
func Generate(ctx context.Context, store *sqliteadapter.Store, chain *ledger.Chain, opts Options) (*Result, error) {
	if opts.CaseID <= 0 {
		return nil, fmt.Errorf("case_id is required: %w", model.ErrInvalid)
	}
	outDir := strings.TrimSpace(opts.OutDir)
	if outDir == "" {
		return nil, fmt.Errorf("output directory is required: %w", model.ErrInvalid)
	}

	c, err := store.GetCaseByID(ctx, opts.CaseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", opts.CaseID, model.ErrNotFound)
	}
	evidence, err := store.ListEvidenceByCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	events, err := store.ListEventsByCase(ctx, c.ID, 0)
	if err != nil {
		return nil, err
	}
	reports, err := store.ListReportsByCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	var results []ledger.Result
	for _, kind := range []model.ChainKind{model.ChainEvidence, model.ChainEvents} {
		res, err := chain.Verify(ctx, kind)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	now := time.Now().UTC()
	zipPath := filepath.Join(outDir, c.CaseNumber+"_"+id.New("bundle")+".zip")
	f, err := os.OpenFile(zipPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	b := &bundle{zw: zip.NewWriter(f), modified: now}
	defer func() { _ = b.zw.Close() }()

	manifest := Manifest{
		Schema:      manifestSchemaV1,
		GeneratedAt: now,
		Case:        *c,
		Events:      events,
		Ledger:      results,
		Operator:    strings.TrimSpace(opts.Operator),
		Note:        strings.TrimSpace(opts.Note),
	}
	manifest.App.Version = app.Version
	manifest.App.Commit = app.Commit
	manifest.App.BuildTime = app.BuildTime

	for _, ev := range evidence {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := ManifestEvidence{Evidence: ev}
		zp := fmt.Sprintf("evidence/%d_%s", ev.ID, filepath.Base(ev.Filename))
		sum, err := b.addFile(ev.StoragePath, zp, "evidence")
		switch {
		case err != nil:
			b.warn("evidence %d: %v", ev.ID, err)
		case sum != ev.FileHash:
			entry.ZipPath = zp
			b.warn("evidence %d: file hash %s differs from recorded %s", ev.ID, sum, ev.FileHash)
		default:
			entry.ZipPath = zp
		}
		manifest.Evidence = append(manifest.Evidence, entry)
	}

	for _, r := range reports {
		raw, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal report %d: %w", r.ID, err)
		}
		if err := b.addBytes(fmt.Sprintf("reports/%d.json", r.ID), "report", raw); err != nil {
			return nil, err
		}
		manifest.Reports = append(manifest.Reports, r.ID)
	}

	verifyRaw, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal ledger results: %w", err)
	}
	if err := b.addBytes("ledger/verify.json", "ledger", verifyRaw); err != nil {
		return nil, err
	}

	sort.Slice(b.files, func(i, j int) bool { return b.files[i].Path < b.files[j].Path })
	manifest.Files = append([]FileHashEntry(nil), b.files...)
	manifest.Warnings = b.warnings
	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := b.addBytes(manifestName, "manifest", manifestRaw); err != nil {
		return nil, err
	}

	sort.Slice(b.files, func(i, j int) bool { return b.files[i].Path < b.files[j].Path })
	lines := []string{
		"# forensic-ledger evidence bundle hash list",
		"# case=" + c.CaseNumber,
		"# generated_at=" + now.Format(time.RFC3339),
		"# format: <sha256><two spaces><path>",
	}
	for _, fh := range b.files {
		lines = append(lines, fh.SHA256+"  "+fh.Path)
	}
	lines = append(lines, "")
	if err := b.write(hashListName, []byte(strings.Join(lines, "\n"))); err != nil {
		return nil, err
	}

	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}
	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"zip_path":   zipPath,
		"zip_sha256": zipSum,
		"operator":   manifest.Operator,
		"files":      len(b.files),
		"warnings":   len(b.warnings),
	})
	logger := logging.New("forensicexport")
	// 链已冻结时导出照常完成，只是无法留痕。
	if _, err := chain.AppendEvent(ctx, c.ID, ExportedEvent, string(details)); err != nil {
		logger.Warn("record export event failed", slog.String("case", c.CaseNumber), slog.String("error", err.Error()))
		b.warn("export event not recorded: %v", err)
	}

	logger.Info("evidence bundle exported",
		slog.Int64("case_id", c.ID),
		slog.String("zip_path", zipPath),
		slog.Int("files", len(b.files)),
		slog.Int("warnings", len(b.warnings)))

	return &Result{
		CaseID:      c.ID,
		ZipPath:     zipPath,
		ZipSHA256:   zipSum,
		Files:       len(b.files),
		Warnings:    b.warnings,
		GeneratedAt: now,
	}, nil
}

type bundle struct {
	zw       *zip.Writer
	modified time.Time
	files    []FileHashEntry
	warnings []string
}

func (b *bundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func (b *bundle) addFile(src, zipPath, kind string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("storage path empty")
	}
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: zipPath, Method: zip.Deflate, Modified: b.modified})
	if err != nil {
		return "", err
	}
	sum, size, err := hash.Copy(w, in)
	if err != nil {
		return "", err
	}
	b.files = append(b.files, FileHashEntry{Path: zipPath, SHA256: sum, SizeBytes: size, Kind: kind})
	return sum, nil
}

func (b *bundle) addBytes(zipPath, kind string, raw []byte) error {
	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: zipPath, Method: zip.Deflate, Modified: b.modified})
	if err != nil {
		return fmt.Errorf("write %s: %w", zipPath, err)
	}
	sum, size, err := hash.Copy(w, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("write %s: %w", zipPath, err)
	}
	b.files = append(b.files, FileHashEntry{Path: zipPath, SHA256: sum, SizeBytes: size, Kind: kind})
	return nil
}

func (b *bundle) write(zipPath string, raw []byte) error {
	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: zipPath, Method: zip.Deflate, Modified: b.modified})
	if err != nil {
		return fmt.Errorf("write %s: %w", zipPath, err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write %s: %w", zipPath, err)
	}
	return nil
}
