package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/jonathan/robopost/internal/signature"
)

// maxCallbackBytes bounds a callback body. Results carry generated articles.
const maxCallbackBytes = 5 << 20

// handleCallback applies a signed callback from the workflow engine.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	resp, err := s.callback.Ingest(r.Context(), body, signature.FromHeaders(r.Header.Get))
	if err != nil {
		s.serviceError(w, err, "Failed to process callback")
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}
