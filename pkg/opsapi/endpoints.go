package opsapi

import "net/http"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/endpoints
func (s *Server) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	eps := s.registry.Snapshot()
	online := 0
	for _, ep := range eps {
		if ep.Online {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": eps,
		"online":    online,
	})
}

// POST /api/endpoints/probe
func (s *Server) handleProbeEndpoints(w http.ResponseWriter, r *http.Request) {
	online := s.registry.ProbeAll(r.Context())
	s.logger.Info("endpoints probed on request", "online", online)
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": s.registry.Snapshot(),
		"online":    online,
	})
}

// GET /api/dispatcher
func (s *Server) handleDispatcherStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Stats())
}
