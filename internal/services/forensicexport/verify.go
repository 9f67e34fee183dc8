package forensicexport

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/platform/hash"
	"forensic-ledger/internal/services/ledger"
)

// FileCheck 是 hashes.sha256 中一行的复核结果。
type FileCheck struct {
	Path     string `json:"path"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Status   string `json:"status"` // ok|missing|mismatch|unlisted|error
	Message  string `json:"message,omitempty"`
}

// RecordCheck 是 manifest 中一条链上记录的离线重算结果。
type RecordCheck struct {
	Kind     model.ChainKind `json:"kind"`
	RecordID int64           `json:"record_id"`
	Expected string          `json:"expected"`
	Actual   string          `json:"actual"`
	Message  string          `json:"message,omitempty"`
}

// VerifyResult 是证据包复核结果。
type VerifyResult struct {
	OK       bool          `json:"ok"`
	Total    int           `json:"files_total"`
	Failed   int           `json:"files_failed"`
	Files    []FileCheck   `json:"files"`
	Records  int           `json:"records_total"`
	Broken   []RecordCheck `json:"records_broken,omitempty"`
	CaseName string        `json:"case_name,omitempty"`
}

// VerifyZip 离线复核证据包：
// 1) 按 hashes.sha256 逐个重算 ZIP 内文件哈希；
// 2) 按 manifest 中的链上字段重算每条证据/事件记录的 current_hash；
// 3) 证据原件的哈希必须与链上登记的 file_hash 一致。
func VerifyZip(path string) (*VerifyResult, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	expected, err := readHashList(files)
	if err != nil {
		return nil, err
	}

	out := &VerifyResult{}
	actual := map[string]string{}
	listed := map[string]bool{hashListName: true}
	for _, e := range expected {
		listed[e.Path] = true
		check := FileCheck{Path: e.Path, Expected: e.SHA256}
		f, ok := files[e.Path]
		switch {
		case !ok:
			check.Status = "missing"
		default:
			sum, err := zipFileSHA256(f)
			switch {
			case err != nil:
				check.Status = "error"
				check.Message = err.Error()
			case sum != e.SHA256:
				check.Status = "mismatch"
				check.Actual = sum
			default:
				check.Status = "ok"
				check.Actual = sum
			}
			actual[e.Path] = sum
		}
		out.Files = append(out.Files, check)
	}
	for name := range files {
		if !listed[name] && !strings.HasSuffix(name, "/") {
			out.Files = append(out.Files, FileCheck{Path: name, Status: "unlisted"})
		}
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	for _, fc := range out.Files {
		out.Total++
		if fc.Status != "ok" {
			out.Failed++
		}
	}

	mf, ok := files[manifestName]
	if !ok {
		return nil, fmt.Errorf("%s not found in zip", manifestName)
	}
	manifest, err := readManifest(mf)
	if err != nil {
		return nil, err
	}
	out.CaseName = manifest.Case.Name

	for _, me := range manifest.Evidence {
		out.Records++
		ev := me.Evidence
		if rc, bad := recheck(model.ChainEvidence, ev.ID, ev.PrevHash, ev.CurrentHash, ev.ChainPayload(), sqliteadapter.FormatTime(ev.CollectedAt)); bad {
			out.Broken = append(out.Broken, rc)
		}
		if me.ZipPath == "" {
			continue
		}
		if sum, ok := actual[me.ZipPath]; ok && sum != ev.FileHash {
			out.Broken = append(out.Broken, RecordCheck{
				Kind:     model.ChainEvidence,
				RecordID: ev.ID,
				Expected: ev.FileHash,
				Actual:   sum,
				Message:  "evidence file differs from recorded file_hash",
			})
		}
	}
	for _, e := range manifest.Events {
		out.Records++
		if rc, bad := recheck(model.ChainEvents, e.ID, e.PrevHash, e.CurrentHash, e.ChainPayload(), sqliteadapter.FormatTime(e.Timestamp)); bad {
			out.Broken = append(out.Broken, rc)
		}
	}

	out.OK = out.Failed == 0 && len(out.Broken) == 0
	return out, nil
}

// Err 在复核失败时返回包装了 ledger.ErrIntegrity 的错误。
func (r *VerifyResult) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("bundle: %d of %d files failed, %d records broken: %w", r.Failed, r.Total, len(r.Broken), ledger.ErrIntegrity)
}

func recheck(kind model.ChainKind, id int64, prev, current string, payload map[string]any, ts string) (RecordCheck, bool) {
	rc := RecordCheck{Kind: kind, RecordID: id, Expected: current}
	sum, err := ledger.ComputeHash(prev, payload, ts)
	if err != nil {
		rc.Message = err.Error()
		return rc, true
	}
	rc.Actual = sum
	if sum != current {
		rc.Message = "current_hash mismatch"
		return rc, true
	}
	return rc, false
}

type hashLine struct {
	SHA256 string
	Path   string
}

func readHashList(files map[string]*zip.File) ([]hashLine, error) {
	f, ok := files[hashListName]
	if !ok {
		return nil, fmt.Errorf("%s not found in zip", hashListName)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", hashListName, err)
	}
	defer rc.Close()

	var out []hashLine
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// sha256sum 格式：<sha256><两个空格><path>
		sum, p, ok := strings.Cut(line, "  ")
		if !ok || len(sum) != 64 || strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, hashLine{SHA256: sum, Path: strings.TrimSpace(p)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", hashListName, err)
	}
	return out, nil
}

func readManifest(f *zip.File) (*Manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", manifestName, err)
	}
	defer rc.Close()
	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", manifestName, err)
	}
	return &m, nil
}

func zipFileSHA256(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := hash.Copy(io.Discard, rc)
	return sum, err
}
