package model

import "strings"

// Capability 表示一类分析能力，每种能力对应一个外部 agent。
type Capability string

const (
	CapNetwork      Capability = "network"
	CapBinary       Capability = "binary"
	CapMemory       Capability = "memory"
	CapDisk         Capability = "disk"
	CapLog          Capability = "log"
	CapLiveResponse Capability = "live_response"
	CapRecon        Capability = "reconnaissance"
	CapSandbox      Capability = "sandbox"
	CapTimeline     Capability = "timeline"
	CapCustodian    Capability = "custodian"
)

// AllCapabilities 按展示顺序列出全部能力。
var AllCapabilities = []Capability{
	CapNetwork, CapBinary, CapMemory, CapDisk, CapLog,
	CapLiveResponse, CapRecon, CapSandbox, CapTimeline, CapCustodian,
}

var agentNames = map[Capability]string{
	CapNetwork:      "NetworkAnalyzer",
	CapBinary:       "BinaryAnalyzer",
	CapMemory:       "MemoryAnalyzer",
	CapDisk:         "DiskAnalyzer",
	CapLog:          "UserProfilerAgent",
	CapLiveResponse: "LiveResponseAgent",
	CapRecon:        "ReconAgent",
	CapSandbox:      "SandboxAgent",
	CapTimeline:     "TimelineAgent",
	CapCustodian:    "CustodianAgent",
}

// AgentName 返回能力对应的 agent 名称，未知能力返回空串。
func (c Capability) AgentName() string {
	return agentNames[c]
}

func (c Capability) Valid() bool {
	_, ok := agentNames[c]
	return ok
}

// ParseCapability 同时接受能力名和 agent 名（例如 "sandbox" / "SandboxAgent"）。
func ParseCapability(s string) (Capability, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, "-", "_")
	if v == "live" || v == "liveresponse" {
		v = string(CapLiveResponse)
	}
	if v == "recon" {
		v = string(CapRecon)
	}
	if c := Capability(v); c.Valid() {
		return c, true
	}
	for c, name := range agentNames {
		if strings.EqualFold(name, s) {
			return c, true
		}
	}
	return "", false
}
