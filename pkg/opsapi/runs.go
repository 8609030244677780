package opsapi

import (
	"errors"
	"math"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/oapi-codegen/runtime"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

type percentileDTO struct {
	Percentile float64    `json:"percentile"`
	Values     []*float64 `json:"values"`
}

type runDTO struct {
	domain.Job
	Percentiles []percentileDTO `json:"percentiles"`
}

// runID binds the {id} path segment. The contract has already checked it.
func runID(r *http.Request) (domain.JobID, error) {
	var id int64
	err := runtime.BindStyledParameterWithOptions("simple", "id", mux.Vars(r)["id"], &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	return domain.JobID(id), err
}

// nullable turns NaN years into JSON nulls
func nullable(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		v := v
		out[i] = &v
	}
	return out
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrStaleTransition):
		writeError(w, http.StatusConflict, "model run is not in ERROR")
	default:
		s.logger.Error("ops request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /api/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	summaries, err := s.store.GetPercentiles(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}

	out := runDTO{Job: job, Percentiles: make([]percentileDTO, 0, len(summaries))}
	for _, p := range summaries {
		out.Percentiles = append(out.Percentiles, percentileDTO{Percentile: p.Percentile, Values: nullable(p.Values)})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/runs/{id}/history
func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if events == nil {
		events = []domain.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// POST /api/runs/{id}/reset
func (s *Server) handleResetRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dispatcher.Reset(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": domain.JobStatusReady})
}
