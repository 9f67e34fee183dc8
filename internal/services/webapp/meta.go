package webapp

import (
	"net/http"
	"time"

	"forensic-ledger/internal/app"
	"forensic-ledger/internal/domain/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	schemaVersion, _ := s.deps.Store.GetSchemaMetaValue(r.Context(), "schema_version")
	halted := map[string]bool{}
	for _, kind := range []model.ChainKind{model.ChainEvidence, model.ChainEvents} {
		_, h, err := s.deps.Chain.Halted(r.Context(), kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		halted[string(kind)] = h
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "forensic-ledger",
		"time":    time.Now().UTC(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
			"path":           s.opts.DBPath,
		},
		"chain_halted": halted,
		"default_case": s.deps.Registry.DefaultName(),
	})
}

func (s *Server) handleAgentsStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.deps.Dispatcher.Capabilities(),
	})
}

func (s *Server) handleFileTypes(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	exts := s.deps.Dispatcher.Extensions()
	byExt := map[string]string{}
	for c, list := range exts {
		for _, ext := range list {
			byExt[ext] = c.AgentName()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": exts,
		"extensions":   byExt,
		"fallback":     model.CapBinary.AgentName(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	sum, err := s.deps.Reports.Summary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
