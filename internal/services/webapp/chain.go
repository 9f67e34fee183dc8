package webapp

import (
	"net/http"

	"forensic-ledger/internal/domain/model"
)

// handleLedgerRoutes:
// - GET  /api/ledger/{evidence|events}/verify
// - POST /api/ledger/{evidence|events}/acknowledge
func (s *Server) handleLedgerRoutes(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/ledger/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	kind := model.ChainKind(parts[0])
	if !kind.Valid() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "verify":
		if !allow(w, r, http.MethodGet) {
			return
		}
		res, err := s.deps.Chain.Verify(r.Context(), kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !res.OK {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":           res.Err().Error(),
				"integrity_alert": true,
				"result":          res,
			})
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "acknowledge":
		if !allow(w, r, http.MethodPost) {
			return
		}
		prev, _, err := s.deps.Chain.Halted(r.Context(), kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		halted, err := s.deps.Chain.Acknowledge(r.Context(), kind)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := map[string]any{"kind": kind, "was_halted": halted}
		if halted {
			out["alert"] = prev
		}
		writeJSON(w, http.StatusOK, out)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
