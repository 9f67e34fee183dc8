package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"forensic-ledger/internal/platform/logging"
)

// 可疑 DNS：域名过长或包含以下片段。
var suspiciousDomainMarkers = []string{"dga", "bot", "malware", "c2"}

var unusualProtocolMarkers = []string{"tor", "p2p", "bitcoin"}

const (
	suspiciousDomainMinLen = 20
	highIPCountThreshold   = 50
)

// NetworkStats 是 tshark 预提取的统计结果。
type NetworkStats struct {
	TotalPackets      string   `json:"total_packets"`
	UniqueIPs         []string `json:"unique_ips"`
	DNSQueries        []string `json:"dns_queries"`
	HTTPHosts         []string `json:"http_hosts"`
	Protocols         []string `json:"protocols_detected"`
	SuspiciousDomains []string `json:"suspicious_domains"`
	HighIPCount       bool     `json:"high_ip_count"`
	UnusualProtocols  bool     `json:"unusual_protocols"`
	RawStats          string   `json:"-"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Tshark 调用 tshark 对抓包文件做只读统计。
type Tshark struct {
	Path    string
	Timeout time.Duration
	Run     Runner

	logger *slog.Logger
}

func NewTshark(path string, timeout time.Duration) *Tshark {
	if strings.TrimSpace(path) == "" {
		path = "tshark"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tshark{Path: path, Timeout: timeout, Run: runCmd, logger: logging.New("tools.tshark")}
}

// Analyze 并发执行各项 tshark 统计。io,stat 是必需项，失败即整体失败；
// 其余命令失败只记 warning，统计结果按已有数据给出。
func (t *Tshark) Analyze(ctx context.Context, pcapPath string) (*NetworkStats, error) {
	if _, err := os.Stat(pcapPath); err != nil {
		return nil, fmt.Errorf("pcap not readable: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		outputs  = map[string]string{}
		warnings []string
	)
	commands := []struct {
		key      string
		required bool
		args     []string
	}{
		{"stats", true, []string{"-r", pcapPath, "-q", "-z", "io,stat,0"}},
		{"protocols", false, []string{"-r", pcapPath, "-q", "-z", "io,phs"}},
		{"conversations", false, []string{"-r", pcapPath, "-q", "-z", "conv,ip"}},
		{"dns", false, []string{"-r", pcapPath, "-Y", "dns.qry.name", "-T", "fields", "-e", "dns.qry.name"}},
		{"http", false, []string{"-r", pcapPath, "-Y", "http.host", "-T", "fields", "-e", "http.host"}},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range commands {
		c := c
		g.Go(func() error {
			out, err := t.Run(gctx, t.Path, c.args...)
			if err != nil {
				if c.required {
					return fmt.Errorf("tshark %s: %w", c.key, err)
				}
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("%s: %v", c.key, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			outputs[c.key] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(warnings)
	for _, w := range warnings {
		t.logger.Warn("tshark command failed", slog.String("path", pcapPath), slog.String("detail", w))
	}
	return buildStats(outputs, warnings), nil
}

func buildStats(outputs map[string]string, warnings []string) *NetworkStats {
	s := &NetworkStats{
		TotalPackets: parsePacketCount(outputs["stats"]),
		UniqueIPs:    parseConversationIPs(outputs["conversations"]),
		DNSQueries:   uniqueLines(outputs["dns"]),
		HTTPHosts:    uniqueLines(outputs["http"]),
		Protocols:    protocolLines(outputs["protocols"], 10),
		RawStats:     outputs["stats"],
		Warnings:     warnings,
	}
	s.SuspiciousDomains = suspiciousDomains(s.DNSQueries)
	s.HighIPCount = len(s.UniqueIPs) > highIPCountThreshold
	phs := strings.ToLower(outputs["protocols"])
	for _, m := range unusualProtocolMarkers {
		if strings.Contains(phs, m) {
			s.UnusualProtocols = true
			break
		}
	}
	return s
}

// parsePacketCount 从 io,stat 表格的数据行 "| 0.0 <> 12.3 | 982 | 314515 |" 取帧数。
func parsePacketCount(stats string) string {
	for _, line := range strings.Split(stats, "\n") {
		if !strings.Contains(line, "|") || !strings.Contains(line, "<>") {
			continue
		}
		var cols []string
		for _, p := range strings.Split(line, "|") {
			if p = strings.TrimSpace(p); p != "" {
				cols = append(cols, p)
			}
		}
		if len(cols) >= 3 {
			return cols[1]
		}
	}
	return "0"
}

// parseConversationIPs 从 conv,ip 输出的 "a <-> b ..." 行里收集 IPv4 地址，保持出现顺序。
func parseConversationIPs(conv string) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(ip string) {
		ip = strings.TrimSpace(ip)
		if ip == "" || !strings.Contains(ip, ".") || seen[ip] {
			return
		}
		seen[ip] = true
		out = append(out, ip)
	}
	for _, line := range strings.Split(conv, "\n") {
		if strings.HasPrefix(line, "=") || !strings.Contains(line, "<->") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[1] == "<->" {
			add(fields[0])
			add(fields[2])
		}
	}
	return out
}

// uniqueLines 去重并排序。
func uniqueLines(out string) []string {
	seen := map[string]bool{}
	lines := []string{}
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		lines = append(lines, l)
	}
	sort.Strings(lines)
	return lines
}

func protocolLines(phs string, limit int) []string {
	out := []string{}
	for _, l := range strings.Split(phs, "\n") {
		if strings.HasPrefix(l, "=") {
			continue
		}
		if l = strings.TrimSpace(l); l == "" {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	return out
}

func suspiciousDomains(queries []string) []string {
	out := []string{}
	for _, q := range queries {
		lower := strings.ToLower(q)
		hit := len(q) > suspiciousDomainMinLen
		for _, m := range suspiciousDomainMarkers {
			if strings.Contains(lower, m) {
				hit = true
				break
			}
		}
		if hit {
			out = append(out, q)
		}
	}
	return out
}

// Details 是合并进报告 technical_details 的字段。
func (s *NetworkStats) Details() map[string]any {
	return map[string]any{
		"total_packets":      s.TotalPackets,
		"unique_ips":         fmt.Sprintf("%d", len(s.UniqueIPs)),
		"protocols_detected": head(s.Protocols, 10),
		"top_talkers":        head(s.UniqueIPs, 10),
		"suspicious_domains": head(s.SuspiciousDomains, 10),
		"dns_queries_count":  fmt.Sprintf("%d", len(s.DNSQueries)),
		"http_hosts_count":   fmt.Sprintf("%d", len(s.HTTPHosts)),
	}
}

// Prompt 把统计结果渲染成给 NetworkAnalyzer 的上下文段落。
func (s *NetworkStats) Prompt() string {
	var b strings.Builder
	b.WriteString("NETWORK DATA EXTRACTED:\n")
	fmt.Fprintf(&b, "- Total packets: %s\n", s.TotalPackets)
	fmt.Fprintf(&b, "- Unique IP addresses: %d (%s)\n", len(s.UniqueIPs), strings.Join(head(s.UniqueIPs, 5), ", "))
	fmt.Fprintf(&b, "- DNS queries found: %d\n", len(s.DNSQueries))
	fmt.Fprintf(&b, "- Suspicious domains detected: %s\n", strings.Join(head(s.SuspiciousDomains, 10), ", "))
	fmt.Fprintf(&b, "- Protocols detected: %s\n", strings.Join(s.Protocols, "; "))
	fmt.Fprintf(&b, "- HTTP hosts: %s\n", strings.Join(s.HTTPHosts, ", "))
	b.WriteString("\nANALYSIS INDICATORS:\n")
	fmt.Fprintf(&b, "- Suspicious DNS count: %d\n", len(s.SuspiciousDomains))
	fmt.Fprintf(&b, "- High IP count (>%d): %t\n", highIPCountThreshold, s.HighIPCount)
	fmt.Fprintf(&b, "- Unusual protocols detected: %t\n", s.UnusualProtocols)
	if raw := strings.TrimSpace(s.RawStats); raw != "" {
		if len(raw) > 500 {
			raw = raw[:500] + "..."
		}
		b.WriteString("\nRAW TSHARK OUTPUT:\n")
		b.WriteString(raw)
		b.WriteString("\n")
	}
	return b.String()
}

// Extract 实现 dispatch 的预提取接口。
func (t *Tshark) Extract(ctx context.Context, path string) (*Extraction, error) {
	stats, err := t.Analyze(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Extraction{Tool: "tshark", Prompt: stats.Prompt(), Details: stats.Details()}, nil
}

func head(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

func (t *Tshark) Name() string { return "tshark" }
