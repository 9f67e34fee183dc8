package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"forensic-ledger/internal/domain/model"
)

// 各能力的默认分析指令，%s 为证据路径。
var instructions = map[model.Capability]string{
	model.CapNetwork:      "Analyze the uploaded PCAP file at %s and provide network forensics analysis.",
	model.CapBinary:       "Please analyze the binary file located at '%s'. Extract strings, check for signatures, and provide a summary of findings.",
	model.CapMemory:       "Analyze the uploaded memory image at %s for processes, command lines and injected code, and produce a summary.",
	model.CapDisk:         "Analyze the uploaded disk image at %s for interesting artifacts and create a timeline.",
	model.CapLog:          "Analyze the uploaded log file at %s for user behavior patterns, login activities, and suspicious user actions.",
	model.CapLiveResponse: "Review the live response collection at %s and report whether the collection is usable.",
	model.CapRecon:        "Perform threat-intelligence reconnaissance on the indicators contained in %s.",
	model.CapSandbox:      "Detonate the sample at %s in the sandbox and report the observed behavior.",
	model.CapTimeline:     "Build a forensic timeline from the artifact at %s and highlight anomalous sequences.",
	model.CapCustodian:    "Review the chain of custody records for the evidence at %s.",
}

const genericInstruction = "Please analyze the file located at '%s'. Determine the file type and provide appropriate analysis."

func subjectFor(ac AnalysisContext) string {
	if s := strings.TrimSpace(ac.Subject); s != "" {
		return s
	}
	if ac.Route.Generic {
		return fmt.Sprintf(genericInstruction, ac.Path)
	}
	tmpl, ok := instructions[ac.Route.Capability]
	if !ok {
		tmpl = genericInstruction
	}
	return fmt.Sprintf(tmpl, ac.Path)
}

// jsonInstruction 要求 agent 只返回固定结构的 JSON。
func jsonInstruction(verdicts []model.Verdict) string {
	names := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		names = append(names, string(v))
	}
	return fmt.Sprintf(`
Your response must be ONLY raw JSON without markdown formatting, code blocks or additional text.

Required JSON structure:
{
    "verdict": "%s",
    "severity": "Critical|High|Medium|Low",
    "criticality": "Critical|High|Medium|Low",
    "confidence": "High|Medium|Low",
    "summary": "Brief summary of findings",
    "findings": [
        {
            "category": "Category name",
            "description": "Detailed description",
            "severity": "Critical|High|Medium|Low",
            "evidence": "Supporting evidence"
        }
    ],
    "technical_details": {},
    "recommendations": ["recommendation1", "recommendation2"]
}
`, strings.Join(names, "|"))
}

// LiveSubject 渲染实时采集数据的分析指令。
func LiveSubject(b LiveBurst) string {
	data, err := json.MarshalIndent(b.Data, "", "  ")
	if err != nil {
		data = []byte("{}")
	}
	var look string
	if strings.EqualFold(b.AnalysisType, "memory") {
		look = "Look for suspicious processes or process injection, unusual memory consumption, malicious network connections, hidden or rootkit processes, and anomalous loaded modules."
	} else {
		look = "Assess the security posture, risk level and key indicators, and recommend further actions."
	}
	return fmt.Sprintf("Analyze the following live %s data collected from a %s system.\nBurst ID: %s\nTimestamp: %s\nData: %s\n%s",
		b.AnalysisType, b.Platform, b.BurstID, b.Timestamp, data, look)
}

// CustodySubject 渲染保管链复核指令，checks 是 ledger 校验结果的摘要。
func CustodySubject(caseName string, checks map[string]any) string {
	keys := make([]string, 0, len(checks))
	for k := range checks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "Review the chain of custody for case %q. Ledger verification results:\n", caseName)
	for _, k := range keys {
		raw, _ := json.Marshal(checks[k])
		fmt.Fprintf(&b, "- %s: %s\n", k, raw)
	}
	b.WriteString("Determine whether evidence integrity was maintained (SECURE), altered (COMPROMISED) or documentation is missing (INCOMPLETE).")
	return b.String()
}
