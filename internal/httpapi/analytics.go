package httpapi

import (
	"net/http"

	"github.com/sua-org/cam-stream/internal/analytics"
)

const maxDetectionBytes = 256 * 1024

func (s *Server) logDetection(w http.ResponseWriter, r *http.Request) {
	d, err := analytics.Decode(http.MaxBytesReader(w, r.Body, maxDetectionBytes))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.recorder.Record(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}
