package format

import (
	"strconv"
	"strings"
	"time"

	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/services/ledger"
)

const stamp = "2006-01-02 15:04:05"

// Cases 渲染案件列表。
func Cases(m Mode, rows []model.CaseSummary) string {
	t := NewTable(m)
	t.Header("ID", "CASE NUMBER", "NAME", "STATUS", "PRIORITY", "EVIDENCE", "EVENTS", "REPORTS", "UPDATED")
	for _, c := range rows {
		t.Row(c.ID, c.CaseNumber, c.Name, c.Status, c.Priority,
			c.EvidenceCount, c.EventCount, c.ReportCount, c.UpdatedAt.Local().Format(stamp))
	}
	t.Columns(
		ColumnConfig{Number: 3, MaxWidth: 32},
		ColumnConfig{Number: 6, Align: AlignRight},
		ColumnConfig{Number: 7, Align: AlignRight},
		ColumnConfig{Number: 8, Align: AlignRight},
	)
	t.Footer("", "", "", "", "TOTAL", len(rows), "", "", "")
	return t.String()
}

// Verify 渲染一条或多条链的校验结果，失败条目逐行列出。
func Verify(m Mode, results ...ledger.Result) string {
	t := NewTable(m)
	t.Header("CHAIN", "STATUS", "RECORDS", "FAILED", "PREV MISMATCH", "HASH MISMATCH", "LAST HASH")
	for _, r := range results {
		status := "OK"
		if !r.OK {
			status = "BROKEN"
		}
		t.Row(r.Kind, status, r.Total, r.Failed, r.PrevHashFailed, r.HashFailed, short(r.LastHash))
	}
	out := t.String()

	var failures []string
	for _, r := range results {
		if r.OK {
			continue
		}
		ft := NewTable(m)
		ft.Header("CHAIN", "INDEX", "RECORD", "CASE", "TIMESTAMP", "MESSAGE")
		for _, f := range r.Failures {
			ft.Row(r.Kind, f.Index, f.RecordID, f.CaseID, f.Timestamp.Local().Format(stamp), f.Message)
		}
		ft.Columns(ColumnConfig{Number: 6, MaxWidth: 60})
		failures = append(failures, ft.String())
	}
	if len(failures) == 0 {
		return out
	}
	return out + "\n" + strings.Join(failures, "\n")
}

// Reports 渲染报告列表（不含原始响应）。
func Reports(m Mode, rows []model.AgentReport) string {
	t := NewTable(m)
	t.Header("ID", "EVIDENCE", "AGENT", "TYPE", "VERDICT", "SEVERITY", "CONFIDENCE", "SUMMARY", "CREATED")
	for _, r := range rows {
		evidence := "-"
		if r.EvidenceID > 0 {
			evidence = strconv.FormatInt(r.EvidenceID, 10)
		}
		t.Row(r.ID, evidence, r.AgentName, r.AnalysisType, r.Verdict, r.Severity, r.Confidence,
			r.Summary, r.CreatedAt.Local().Format(stamp))
	}
	t.Columns(ColumnConfig{Number: 8, MaxWidth: 48})
	return t.String()
}

// Evidence 渲染证据链记录。
func Evidence(m Mode, rows []model.Evidence) string {
	t := NewTable(m)
	t.Header("ID", "CASE", "FILENAME", "TYPE", "SIZE", "SHA-256", "COLLECTED", "CURRENT HASH")
	for _, e := range rows {
		t.Row(e.ID, e.CaseID, e.Filename, e.FileType, e.FileSize, short(e.FileHash),
			e.CollectedAt.Local().Format(stamp), short(e.CurrentHash))
	}
	t.Columns(ColumnConfig{Number: 5, Align: AlignRight})
	return t.String()
}

// Timeline 渲染案件时间线。
func Timeline(m Mode, items []model.TimelineEntry) string {
	t := NewTable(m)
	t.Header("TIME", "KIND", "REF", "TITLE", "VERDICT")
	for _, it := range items {
		t.Row(it.Timestamp.Local().Format(time.RFC3339), it.Kind, it.RefID, it.Title, it.Verdict)
	}
	t.Columns(ColumnConfig{Number: 4, MaxWidth: 60})
	return t.String()
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "…"
}
