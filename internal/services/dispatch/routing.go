package dispatch

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"forensic-ledger/internal/domain/model"
)

// 内置扩展名路由表，配置中的 routing 可以追加或覆盖。
var defaultRoutes = map[string]model.Capability{
	".pcap":   model.CapNetwork,
	".pcapng": model.CapNetwork,

	".exe": model.CapBinary,
	".dll": model.CapBinary,
	".bin": model.CapBinary,
	".so":  model.CapBinary,
	".msi": model.CapBinary,
	".deb": model.CapBinary,
	".rpm": model.CapBinary,

	".lime": model.CapMemory,
	".raw":  model.CapMemory,
	".mem":  model.CapMemory,

	".img": model.CapDisk,
	".dd":  model.CapDisk,
	".ewf": model.CapDisk,
	".aff": model.CapDisk,

	".log":   model.CapLog,
	".txt":   model.CapLog,
	".csv":   model.CapLog,
	".evtx":  model.CapLog,
	".evt":   model.CapLog,
	".plist": model.CapLog,

	".plaso": model.CapTimeline,
	".body":  model.CapTimeline,
}

var securityVerdicts = []model.Verdict{model.VerdictMalicious, model.VerdictSuspicious, model.VerdictBenign}

// 各能力的 verdict 家族，未列出的按安全结论处理。
var verdictFamilies = map[model.Capability][]model.Verdict{
	model.CapCustodian:    {model.VerdictSecure, model.VerdictCompromised, model.VerdictIncomplete},
	model.CapLiveResponse: {model.VerdictReady, model.VerdictNotReady, model.VerdictError},
}

// ArtifactDescriptor 描述待路由的证据。Header 是文件开头若干字节，流式提交时用于嗅探。
type ArtifactDescriptor struct {
	Filename  string
	Header    []byte
	Stream    bool
	Requested model.Capability
}

// Route 是路由结论。
type Route struct {
	Capability   model.Capability `json:"capability"`
	AgentName    string           `json:"agent_name"`
	AnalysisType string           `json:"analysis_type"`
	FileType     string           `json:"file_type"`
	Generic      bool             `json:"generic,omitempty"`
	Verdicts     []model.Verdict  `json:"verdicts"`
}

func newRoute(c model.Capability, fileType string) Route {
	verdicts, ok := verdictFamilies[c]
	if !ok {
		verdicts = securityVerdicts
	}
	return Route{
		Capability:   c,
		AgentName:    c.AgentName(),
		AnalysisType: string(c),
		FileType:     fileType,
		Verdicts:     verdicts,
	}
}

// Router 负责扩展名与魔数路由。
type Router struct {
	routes map[string]model.Capability
}

// NewRouter 在内置表上叠加 overrides（扩展名 -> 能力名）。
func NewRouter(overrides map[string]string) (*Router, error) {
	r := &Router{routes: make(map[string]model.Capability, len(defaultRoutes)+len(overrides))}
	for ext, c := range defaultRoutes {
		r.routes[ext] = c
	}
	for ext, name := range overrides {
		c, ok := model.ParseCapability(name)
		if !ok {
			return nil, fmt.Errorf("routing %s: unknown capability %q: %w", ext, name, model.ErrInvalid)
		}
		r.routes[strings.ToLower(ext)] = c
	}
	return r, nil
}

// Route 选择分析能力：调用方显式指定 > 扩展名表 > 流式魔数嗅探 > 通用二进制分析。
func (r *Router) Route(desc ArtifactDescriptor) Route {
	ext := strings.ToLower(filepath.Ext(desc.Filename))

	if desc.Requested != "" && desc.Requested.Valid() {
		return newRoute(desc.Requested, fileTypeOf(ext, desc.Header))
	}
	if c, ok := r.routes[ext]; ok {
		return newRoute(c, ext)
	}
	if desc.Stream {
		c, kind := Sniff(desc.Header)
		return newRoute(c, kind)
	}

	rt := newRoute(model.CapBinary, ext)
	rt.Generic = true
	return rt
}

// Extensions 返回能力 -> 扩展名列表，用于 /api/file-types。
func (r *Router) Extensions() map[model.Capability][]string {
	out := map[model.Capability][]string{}
	for ext, c := range r.routes {
		out[c] = append(out[c], ext)
	}
	for c := range out {
		sort.Strings(out[c])
	}
	return out
}

func fileTypeOf(ext string, header []byte) string {
	if ext != "" {
		return ext
	}
	_, kind := Sniff(header)
	return kind
}

var (
	magicPcapLE   = []byte{0xd4, 0xc3, 0xb2, 0xa1}
	magicPcapBE   = []byte{0xa1, 0xb2, 0xc3, 0xd4}
	magicPcapNsLE = []byte{0x4d, 0x3c, 0xb2, 0xa1}
	magicPcapNsBE = []byte{0xa1, 0xb2, 0x3c, 0x4d}
	magicPcapng   = []byte{0x0a, 0x0d, 0x0d, 0x0a}
	magicBplist   = []byte("bplist00")
	magicELF      = []byte{0x7f, 'E', 'L', 'F'}
	magicPE       = []byte("MZ")
)

var machOMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce}, {0xce, 0xfa, 0xed, 0xfe},
	{0xfe, 0xed, 0xfa, 0xcf}, {0xcf, 0xfa, 0xed, 0xfe},
	{0xca, 0xfe, 0xba, 0xbe},
}

// Sniff 按魔数判断流内容；无法识别的流按内存镜像处理。
func Sniff(header []byte) (model.Capability, string) {
	switch {
	case bytes.HasPrefix(header, magicPcapLE), bytes.HasPrefix(header, magicPcapBE),
		bytes.HasPrefix(header, magicPcapNsLE), bytes.HasPrefix(header, magicPcapNsBE):
		return model.CapNetwork, "pcap"
	case bytes.HasPrefix(header, magicPcapng):
		return model.CapNetwork, "pcapng"
	case bytes.HasPrefix(header, magicBplist):
		return model.CapLog, "bplist"
	case bytes.HasPrefix(header, magicELF):
		return model.CapBinary, "elf"
	case bytes.HasPrefix(header, magicPE):
		return model.CapBinary, "pe"
	}
	for _, m := range machOMagics {
		if bytes.HasPrefix(header, m) {
			return model.CapBinary, "macho"
		}
	}
	return model.CapMemory, "memory"
}

// LiveBurst 是采集脚本推送的一批实时数据。
type LiveBurst struct {
	BurstID      string         `json:"burst_id"`
	Platform     string         `json:"platform"`
	AnalysisType string         `json:"analysis_type"`
	Timestamp    string         `json:"timestamp"`
	Data         map[string]any `json:"data"`
}

// RouteLive：内存类数据交给内存分析，其余交给实时响应分析，结论按安全家族给出。
func RouteLive(b LiveBurst) Route {
	c := model.CapLiveResponse
	if strings.EqualFold(strings.TrimSpace(b.AnalysisType), "memory") {
		c = model.CapMemory
	}
	rt := newRoute(c, "live:"+strings.ToLower(strings.TrimSpace(b.AnalysisType)))
	rt.Verdicts = securityVerdicts
	return rt
}

// CapabilityInfo 用于 /api/agents/status。
type CapabilityInfo struct {
	Capability model.Capability `json:"capability"`
	AgentName  string           `json:"agent_name"`
	Verdicts   []model.Verdict  `json:"verdicts"`
	Extensions []string         `json:"extensions"`
	Extractor  string           `json:"extractor,omitempty"`
}
