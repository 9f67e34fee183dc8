package webapp

import (
	"log/slog"
	"net/http"
	"time"
)

// Server 是 API 的运行时对象。
type Server struct {
	opts    Options
	deps    Deps
	started time.Time
	logger  *slog.Logger
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents/status", s.handleAgentsStatus)
	mux.HandleFunc("/api/file-types", s.handleFileTypes)
	mux.HandleFunc("/api/analysis/summary", s.handleSummary)

	mux.HandleFunc("/api/analyze/upload", s.handleUpload)
	mux.HandleFunc("/api/analyze/stream", s.handleStream)
	mux.HandleFunc("/api/stream/live-analysis", s.handleLive)

	mux.HandleFunc("/api/cases", s.handleCases)
	mux.HandleFunc("/api/cases/", s.handleCaseRoutes)
	mux.HandleFunc("/api/evidence/", s.handleEvidenceRoutes)
	mux.HandleFunc("/api/reports/", s.handleReportRoutes)
	mux.HandleFunc("/api/ledger/", s.handleLedgerRoutes)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}
