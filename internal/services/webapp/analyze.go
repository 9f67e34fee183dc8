package webapp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"forensic-ledger/internal/services/dispatch"
	"forensic-ledger/internal/services/ingest"
)

// 超过该大小的 multipart 内容落到临时文件。
const multipartMemory = 32 << 20

// handleUpload: multipart 字段 file，可选 case、capability（也可放在查询参数里）。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	res, err := s.deps.Ingest.Upload(r.Context(), ingest.Upload{
		Case:       r.FormValue("case"),
		Filename:   header.Filename,
		Capability: r.FormValue("capability"),
		Body:       file,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStream 接收原始字节流，按魔数嗅探类型。
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	defer body.Close()

	res, err := s.deps.Ingest.Stream(r.Context(), r.URL.Query().Get("case"), body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var burst dispatch.LiveBurst
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, multipartMemory)).Decode(&burst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	res, err := s.deps.Ingest.Live(r.Context(), r.URL.Query().Get("case"), burst)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
