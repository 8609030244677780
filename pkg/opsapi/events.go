package opsapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/manthysbr/npsat-dispatch/internal/core/services"
)

// GET /api/runs/{id}/events
func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()
	s.stream(w, r, ch)
}

// GET /api/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.eventBus.SubscribeGlobal()
	defer unsub()
	s.stream(w, r, ch)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, ch <-chan services.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", "job_id", evt.JobID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}
