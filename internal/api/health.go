package api

import (
	"net/http"

	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/version"
)

type healthResponse struct {
	Status     string `json:"status"`
	Dispatcher string `json:"dispatcher"`
}

// handleHealthz answers 200 while the dispatcher is running and 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := s.engine.State()
	if state != engine.StateRunning {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Dispatcher: state.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Dispatcher: state.String()})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"api": "pong"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}
