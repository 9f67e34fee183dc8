package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"howett.net/plist"
)

// PlistSummary 是属性列表文件的结构摘要（不含具体取值，取值留给 agent 判断）。
type PlistSummary struct {
	Format       string   `json:"format"`
	TopLevelKeys []string `json:"top_level_keys"`
	BundleID     string   `json:"bundle_id,omitempty"`
	BundleName   string   `json:"bundle_name,omitempty"`
	Version      string   `json:"version,omitempty"`
}

// PlistReader 读取 XML / 二进制 plist。
type PlistReader struct {
	MaxBytes int64
}

func NewPlistReader() *PlistReader {
	return &PlistReader{MaxBytes: 32 << 20}
}

func (r *PlistReader) Read(path string) (*PlistSummary, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat plist: %w", err)
	}
	if r.MaxBytes > 0 && fi.Size() > r.MaxBytes {
		return nil, fmt.Errorf("plist too large: %d bytes", fi.Size())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plist: %w", err)
	}
	return ParsePlist(raw)
}

// ParsePlist 解析 plist 内容；顶层不是字典时只给出格式。
func ParsePlist(raw []byte) (*PlistSummary, error) {
	var top any
	format, err := plist.Unmarshal(raw, &top)
	if err != nil {
		return nil, fmt.Errorf("decode plist: %w", err)
	}

	out := &PlistSummary{Format: plist.FormatNames[format], TopLevelKeys: []string{}}
	dict, ok := top.(map[string]any)
	if !ok {
		return out, nil
	}
	for k := range dict {
		out.TopLevelKeys = append(out.TopLevelKeys, k)
	}
	sort.Strings(out.TopLevelKeys)

	str := func(key string) string {
		s, _ := dict[key].(string)
		return strings.TrimSpace(s)
	}
	out.BundleID = str("CFBundleIdentifier")
	out.BundleName = str("CFBundleDisplayName")
	if out.BundleName == "" {
		out.BundleName = str("CFBundleName")
	}
	out.Version = str("CFBundleShortVersionString")
	if out.Version == "" {
		out.Version = str("CFBundleVersion")
	}
	return out, nil
}

// Extract 实现 dispatch 的预提取接口。
func (r *PlistReader) Extract(ctx context.Context, path string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := r.Read(path)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("PROPERTY LIST EXTRACTED:\n")
	fmt.Fprintf(&b, "- Format: %s\n", s.Format)
	fmt.Fprintf(&b, "- Top-level keys (%d): %s\n", len(s.TopLevelKeys), strings.Join(head(s.TopLevelKeys, 50), ", "))
	if s.BundleID != "" {
		fmt.Fprintf(&b, "- Bundle: %s %s (%s)\n", s.BundleName, s.Version, s.BundleID)
	}

	return &Extraction{
		Tool:   "plist",
		Prompt: b.String(),
		Details: map[string]any{
			"plist_format":    s.Format,
			"plist_key_count": len(s.TopLevelKeys),
			"plist_bundle_id": s.BundleID,
		},
	}, nil
}

func (r *PlistReader) Name() string { return "plist" }
