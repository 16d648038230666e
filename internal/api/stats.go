package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByRoute         map[string]int `json:"by_route"`
	QueueDepth      int            `json:"queue_depth"`
	DispatcherState string         `json:"dispatcher_state"`
	Isolation       string         `json:"isolation"`
	EngineID        string         `json:"engine_id"`
}

// routesResponse is the JSON response for GET /v1/routes.
type routesResponse struct {
	Routes []string `json:"routes"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:           stats.Total,
		ByStatus:        stats.ByState,
		ByRoute:         stats.ByRoute,
		QueueDepth:      s.engine.QueueLen(),
		DispatcherState: s.engine.State().String(),
		Isolation:       s.engine.Mode(),
		EngineID:        s.engine.ID(),
	})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, routesResponse{Routes: s.engine.Routes()})
}
