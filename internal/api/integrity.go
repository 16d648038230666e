package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
)

const (
	headerPayloadSHA256 = "X-Payload-SHA256"
	maxBodySize         = 1 << 20 // 1 MB
)

// payloadIntegrity buffers the request body, caps its size, and checks the
// optional X-Payload-SHA256 header against the hex digest of the raw bytes.
// Downstream handlers read the buffered body.
func (s *Server) payloadIntegrity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				payloadRejections.WithLabelValues(rejectTooLarge).Inc()
				s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			payloadRejections.WithLabelValues(rejectUnreadable).Inc()
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if want := r.Header.Get(headerPayloadSHA256); want != "" {
			sum := sha256.Sum256(body)
			if !strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimSpace(want)) {
				payloadRejections.WithLabelValues(rejectChecksum).Inc()
				s.writeError(w, http.StatusBadRequest, "SHA256 hash mismatch for request body")
				return
			}
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
