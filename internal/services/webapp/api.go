package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"forensic-ledger/internal/domain/model"
	"forensic-ledger/internal/services/custodypdf"
	"forensic-ledger/internal/services/forensicexport"
	"forensic-ledger/internal/services/ledger"
)

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		offset := parseInt(r.URL.Query().Get("offset"), 0)
		rows, err := s.deps.Registry.List(r.Context(), limit, offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cases": rows})
	case http.MethodPost:
		type createCaseRequest struct {
			Name         string   `json:"name"`
			Description  string   `json:"description,omitempty"`
			Investigator string   `json:"investigator,omitempty"`
			Priority     string   `json:"priority,omitempty"`
			Tags         []string `json:"tags,omitempty"`
		}
		var req createCaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		c, err := s.deps.Registry.Create(r.Context(), model.NewCase{
			Name:         req.Name,
			Description:  strings.TrimSpace(req.Description),
			Investigator: strings.TrimSpace(req.Investigator),
			Priority:     model.CasePriority(strings.TrimSpace(req.Priority)),
			Tags:         req.Tags,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleCaseRoutes 分发 /api/cases/{id}[/{action}...]，{id} 可以是主键或案件名称。
func (s *Server) handleCaseRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/cases/")
	if len(parts) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ident := parts[0]
	action := ""
	if len(parts) > 1 {
		action = strings.Join(parts[1:], "/")
	}

	if action == "" {
		switch r.Method {
		case http.MethodGet:
			s.handleCaseOverview(w, r, ident)
		case http.MethodPatch:
			s.handleCasePatch(w, r, ident)
		case http.MethodDelete:
			s.handleCaseDelete(w, r, ident)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	c, err := s.deps.Registry.Lookup(r.Context(), ident)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch action {
	case "evidence":
		if !allow(w, r, http.MethodGet) {
			return
		}
		rows, err := s.deps.View.ListEvidence(r.Context(), c.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"case_id": c.ID, "evidence": rows})
	case "events":
		if !allow(w, r, http.MethodGet) {
			return
		}
		rows, err := s.deps.View.ListEvents(r.Context(), c.ID, parseInt(r.URL.Query().Get("limit"), 0))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"case_id": c.ID, "events": rows})
	case "reports":
		if !allow(w, r, http.MethodGet) {
			return
		}
		rows, err := s.deps.Reports.ListByCase(r.Context(), c.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"case_id": c.ID, "reports": rows})
	case "timeline":
		if !allow(w, r, http.MethodGet) {
			return
		}
		rows, err := s.deps.View.Timeline(r.Context(), c.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"case_id": c.ID, "timeline": rows})
	case "export/pdf":
		if !allow(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		res, err := custodypdf.Generate(r.Context(), s.deps.Store, s.deps.Chain, custodypdf.Options{
			CaseID:   c.ID,
			OutDir:   s.reportDir(),
			Operator: r.URL.Query().Get("operator"),
			Note:     r.URL.Query().Get("note"),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("X-Content-SHA256", res.PDFSHA256)
		serveFile(w, r, res.PDFPath, c.CaseNumber+"_custody")
	case "export/bundle":
		if !allow(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		res, err := forensicexport.Generate(r.Context(), s.deps.Store, s.deps.Chain, forensicexport.Options{
			CaseID:   c.ID,
			OutDir:   s.exportDir(),
			Operator: r.URL.Query().Get("operator"),
			Note:     r.URL.Query().Get("note"),
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("X-Content-SHA256", res.ZipSHA256)
		serveFile(w, r, res.ZipPath, c.CaseNumber+"_bundle")
	case "custody-review":
		if !allow(w, r, http.MethodPost) {
			return
		}
		res, err := s.deps.Ingest.CustodyReview(r.Context(), strconv.FormatInt(c.ID, 10))
		if err != nil {
			if errors.Is(err, ledger.ErrIntegrity) && res != nil {
				writeJSON(w, http.StatusConflict, map[string]any{
					"error":           err.Error(),
					"integrity_alert": true,
					"review":          res,
				})
				return
			}
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleCaseOverview(w http.ResponseWriter, r *http.Request, ident string) {
	ov, err := s.deps.View.GetOverview(r.Context(), ident)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// handleCasePatch 只更新请求中出现的字段；case_number 不可修改。
func (s *Server) handleCasePatch(w http.ResponseWriter, r *http.Request, ident string) {
	type patchRequest struct {
		Name        *string   `json:"name,omitempty"`
		Description *string   `json:"description,omitempty"`
		Status      *string   `json:"status,omitempty"`
		Priority    *string   `json:"priority,omitempty"`
		Tags        *[]string `json:"tags,omitempty"`
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	ctx := r.Context()
	c, err := s.deps.Registry.Lookup(ctx, ident)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	reg := s.deps.Registry
	if req.Name != nil {
		if c, err = reg.Rename(ctx, c.ID, *req.Name); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if req.Description != nil {
		if c, err = reg.SetDescription(ctx, c.ID, *req.Description); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if req.Status != nil {
		if c, err = reg.SetStatus(ctx, c.ID, *req.Status); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if req.Priority != nil {
		if c, err = reg.SetPriority(ctx, c.ID, *req.Priority); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if req.Tags != nil {
		if c, err = reg.SetTags(ctx, c.ID, *req.Tags); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCaseDelete(w http.ResponseWriter, r *http.Request, ident string) {
	c, err := s.deps.Registry.Lookup(r.Context(), ident)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	force := parseBool(r.URL.Query().Get("force"), false)
	if err := s.deps.Registry.Delete(r.Context(), c.ID, force); err != nil {
		writeServiceError(w, err)
		return
	}
	out := map[string]any{"deleted": c.ID, "case_number": c.CaseNumber, "forced": force}
	if force {
		out["recorded_in"] = s.deps.Registry.DefaultName()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvidenceRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/evidence/")
	if len(parts) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	evidenceID, ok := parseID(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid evidence id %q", parts[0]))
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			ev, err := s.deps.View.GetEvidence(r.Context(), evidenceID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, ev)
		case http.MethodPatch:
			var req struct {
				Metadata string `json:"metadata"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
				return
			}
			ev, err := s.deps.View.AnnotateEvidence(r.Context(), evidenceID, req.Metadata)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, ev)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "reports":
		if !allow(w, r, http.MethodGet) {
			return
		}
		rows, err := s.deps.Reports.ListByEvidence(r.Context(), evidenceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"evidence_id": evidenceID, "reports": rows})
	case "verdict":
		if !allow(w, r, http.MethodGet) {
			return
		}
		rep, err := s.deps.Reports.LatestVerdict(r.Context(), evidenceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"evidence_id": evidenceID,
			"report_id":   rep.ID,
			"agent_name":  rep.AgentName,
			"verdict":     rep.Verdict,
			"severity":    rep.Severity,
			"confidence":  rep.Confidence,
			"created_at":  rep.CreatedAt,
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/reports/")
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !allow(w, r, http.MethodGet) {
		return
	}
	reportID, ok := parseID(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid report id %q", parts[0]))
		return
	}
	rep, err := s.deps.Reports.Get(r.Context(), reportID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) reportDir() string {
	if s.opts.ReportDir != "" {
		return s.opts.ReportDir
	}
	return filepath.Join(filepath.Dir(s.opts.DBPath), "reports")
}

func (s *Server) exportDir() string {
	return filepath.Join(filepath.Dir(s.opts.DBPath), "exports")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

// writeServiceError 按哨兵错误映射状态码；链完整性问题额外带 integrity_alert。
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrIntegrity), errors.Is(err, ledger.ErrChainHalted):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":           err.Error(),
			"integrity_alert": true,
		})
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, model.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func parseID(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}
