package webapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"forensic-ledger/internal/adapters/analyzer"
	sqliteadapter "forensic-ledger/internal/adapters/store/sqlite"
	"forensic-ledger/internal/services/cases"
	"forensic-ledger/internal/services/caseview"
	"forensic-ledger/internal/services/dispatch"
	"forensic-ledger/internal/services/ingest"
	"forensic-ledger/internal/services/ledger"
	"forensic-ledger/internal/services/normalize"
	"forensic-ledger/internal/services/reportstore"
)

type replyInvoker struct{}

func (replyInvoker) Invoke(_ context.Context, req analyzer.Request) (string, error) {
	if req.Agent == "CustodianAgent" {
		return `{"verdict": "SECURE", "summary": "ok"}`, nil
	}
	return "The sample is MALICIOUS (High severity, Critical criticality). Confidence: High", nil
}

type testEnv struct {
	srv   *httptest.Server
	store *sqliteadapter.Store
	token string
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	dbPath := filepath.Join(root, "ledger.db")
	db, store, err := sqliteadapter.OpenAndMigrate(ctx, dbPath)
	if err != nil {
		t.Fatalf("open and migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	router, err := dispatch.NewRouter(map[string]string{".note": "log"})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	chain := ledger.New(store)
	registry := cases.NewRegistry(store, "default", cases.WithEvents(chain))
	reports := reportstore.New(store, registry)
	d := dispatch.New(router, replyInvoker{}, chain)
	svc := ingest.New(ingest.Deps{
		EvidenceDir: filepath.Join(root, "evidence"),
		Registry:    registry,
		Chain:       chain,
		Dispatcher:  d,
		Normalizer:  normalize.New(),
		Reports:     reports,
		Evidence:    store,
	})

	s := New(Deps{
		Store:      store,
		Registry:   registry,
		Chain:      chain,
		Dispatcher: d,
		Reports:    reports,
		Ingest:     svc,
		View:       caseview.New(store, registry, reports, chain),
	}, Options{DBPath: dbPath, JWTSecret: secret})

	env := &testEnv{srv: httptest.NewServer(s.Handler()), store: store}
	t.Cleanup(env.srv.Close)
	if secret != "" {
		env.token, err = IssueToken(secret, "investigator", time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, raw)
		}
	}
	return resp, out
}

func (e *testEnv) upload(t *testing.T, caseName, filename, content string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if caseName != "" {
		_ = mw.WriteField("case", caseName)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	return e.do(t, http.MethodPost, "/api/analyze/upload", mw.FormDataContentType(), &buf)
}

func TestUploadAndReadEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.upload(t, "op-heron", "dropper.exe", "MZ payload")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d: %v", resp.StatusCode, body)
	}
	if body["agent_name"] != "BinaryAnalyzer" || body["degraded"] != false || body["status"] != "success" {
		t.Fatalf("upload body: %v", body)
	}
	analysis := body["analysis"].(map[string]any)
	if analysis["verdict"] != "MALICIOUS" || analysis["criticality"] != "Critical" {
		t.Fatalf("analysis: %v", analysis)
	}
	fi := body["file_info"].(map[string]any)
	if fi["filename"] != "dropper.exe" || len(fi["hash"].(string)) != 64 {
		t.Fatalf("file info: %v", fi)
	}
	evidenceID := int64(body["evidence_id"].(float64))
	reportID := int64(body["report_id"].(float64))

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/evidence/%d/verdict", evidenceID), "", nil)
	if resp.StatusCode != http.StatusOK || body["verdict"] != "MALICIOUS" {
		t.Fatalf("verdict: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/reports/%d", reportID), "", nil)
	if resp.StatusCode != http.StatusOK || body["agent_name"] != "BinaryAnalyzer" {
		t.Fatalf("report: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/cases/op-heron/timeline", "", nil)
	if resp.StatusCode != http.StatusOK || len(body["timeline"].([]any)) != 4 {
		t.Fatalf("timeline: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/cases/op-heron", "", nil)
	if resp.StatusCode != http.StatusOK || body["evidence_count"].(float64) != 1 || body["status"] != "ANALYZING" {
		t.Fatalf("overview: %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/reports/999", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing report status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/cases/nope/evidence", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing case status %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/analysis/summary", "", nil)
	if resp.StatusCode != http.StatusOK || body["reports"].(float64) != 1 {
		t.Fatalf("summary: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/file-types", "", nil)
	if resp.StatusCode != http.StatusOK || body["extensions"].(map[string]any)[".note"] != "UserProfilerAgent" {
		t.Fatalf("file types: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/agents/status", "", nil)
	if resp.StatusCode != http.StatusOK || len(body["agents"].([]any)) != 10 {
		t.Fatalf("agents: %d %v", resp.StatusCode, body)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/cases/op-heron/export/pdf", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("pdf export: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if len(resp.Header.Get("X-Content-SHA256")) != 64 {
		t.Fatalf("pdf hash header missing")
	}
	resp, _ = env.do(t, http.MethodGet, "/api/cases/op-heron/export/bundle", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("bundle export: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestStreamEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	pcap := append([]byte{0xd4, 0xc3, 0xb2, 0xa1}, bytes.Repeat([]byte{1}, 40)...)
	resp, body := env.do(t, http.MethodPost, "/api/analyze/stream?case=streams", "application/octet-stream", bytes.NewReader(pcap))
	if resp.StatusCode != http.StatusOK || body["agent_name"] != "NetworkAnalyzer" {
		t.Fatalf("stream: %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/stream/live-analysis?case=streams", "application/json",
		strings.NewReader(`{"burst_id":"b7","platform":"windows","analysis_type":"network","data":{"conns":3}}`))
	if resp.StatusCode != http.StatusOK || body["agent_name"] != "LiveResponseAgent" {
		t.Fatalf("live: %d %v", resp.StatusCode, body)
	}
}

func TestCaseCRUD(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.do(t, http.MethodPost, "/api/cases", "application/json",
		strings.NewReader(`{"name":"op-kite","investigator":"R. Chen","priority":"high","tags":["apt"," apt "]}`))
	if resp.StatusCode != http.StatusCreated || body["priority"] != "HIGH" {
		t.Fatalf("create: %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/cases", "application/json", strings.NewReader(`{"name":"op-kite"}`))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPatch, "/api/cases/op-kite", "application/json",
		strings.NewReader(`{"status":"suspended","description":"on hold"}`))
	if resp.StatusCode != http.StatusOK || body["status"] != "SUSPENDED" || body["description"] != "on hold" {
		t.Fatalf("patch: %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/cases/op-kite", "application/json", strings.NewReader(`{"status":"lost"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status value: %d", resp.StatusCode)
	}

	if resp, body := env.upload(t, "op-kite", "notes.note", "user logged in"); resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodDelete, "/api/cases/op-kite", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete without force: %d", resp.StatusCode)
	}
	resp, body = env.do(t, http.MethodDelete, "/api/cases/op-kite?force=true", "", nil)
	if resp.StatusCode != http.StatusOK || body["forced"] != true || body["recorded_in"] != "default" {
		t.Fatalf("forced delete: %d %v", resp.StatusCode, body)
	}

	// 只剩记录删案事件的默认案件
	resp, body = env.do(t, http.MethodGet, "/api/cases", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %v", resp.StatusCode, body)
	}
	list := body["cases"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["name"] != "default" {
		t.Fatalf("list after delete: %v", list)
	}
	resp, body = env.do(t, http.MethodGet, "/api/cases/default/events", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(fmt.Sprint(body), "case deleted") {
		t.Fatalf("deletion event: %d %v", resp.StatusCode, body)
	}

	// 被删案件持有证据链尾部，校验按链头检查点报警
	resp, body = env.do(t, http.MethodGet, "/api/ledger/evidence/verify", "", nil)
	if resp.StatusCode != http.StatusConflict || body["result"].(map[string]any)["head_mismatch"] != true {
		t.Fatalf("verify after tail deletion: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["default_case"] != "default" ||
		body["chain_halted"].(map[string]any)["evidence"] != true {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestLedgerIntegrityFlow(t *testing.T) {
	env := newTestEnv(t, "")
	resp, body := env.upload(t, "op-wren", "auth.log", "sshd accepted")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: %d %v", resp.StatusCode, body)
	}
	evidenceID := body["evidence_id"].(float64)

	resp, body = env.do(t, http.MethodGet, "/api/ledger/evidence/verify", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("verify: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/api/cases/op-wren/custody-review", "", nil)
	if resp.StatusCode != http.StatusOK || body["analysis"].(map[string]any)["verdict"] != "SECURE" {
		t.Fatalf("custody review: %d %v", resp.StatusCode, body)
	}

	if _, err := env.store.DB().ExecContext(context.Background(),
		`UPDATE evidence SET filename = 'renamed.log' WHERE id = ?`, int64(evidenceID)); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	resp, body = env.do(t, http.MethodGet, "/api/ledger/evidence/verify", "", nil)
	if resp.StatusCode != http.StatusConflict || body["integrity_alert"] != true {
		t.Fatalf("tampered verify: %d %v", resp.StatusCode, body)
	}
	resp, body = env.upload(t, "op-wren", "more.log", "x")
	if resp.StatusCode != http.StatusConflict || body["integrity_alert"] != true {
		t.Fatalf("upload on halted chain: %d %v", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/api/cases/op-wren/custody-review", "", nil)
	if resp.StatusCode != http.StatusConflict || body["review"].(map[string]any)["analysis"].(map[string]any)["verdict"] != "COMPROMISED" {
		t.Fatalf("custody review after tamper: %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/ledger/evidence/acknowledge", "", nil)
	if resp.StatusCode != http.StatusOK || body["was_halted"] != true {
		t.Fatalf("acknowledge: %d %v", resp.StatusCode, body)
	}
	if resp, body := env.upload(t, "op-wren", "more.log", "x"); resp.StatusCode != http.StatusOK {
		t.Fatalf("upload after acknowledge: %d %v", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/ledger/bogus/verify", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown chain: %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	token := env.token

	env.token = ""
	if resp, _ := env.do(t, http.MethodGet, "/api/health", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/cases", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", resp.StatusCode)
	}

	env.token = "not-a-jwt"
	if resp, _ := env.do(t, http.MethodGet, "/api/cases", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", resp.StatusCode)
	}
	other, err := IssueToken("other-secret", "x", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.token = other
	if resp, _ := env.do(t, http.MethodGet, "/api/cases", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret: %d", resp.StatusCode)
	}
	expired, err := IssueToken("s3cret", "x", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	env.token = expired
	if resp, _ := env.do(t, http.MethodGet, "/api/cases", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", resp.StatusCode)
	}

	env.token = token
	if resp, _ := env.do(t, http.MethodGet, "/api/cases", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: %d", resp.StatusCode)
	}
}
