// Package opsapi serves the operator HTTP surface of the dispatcher:
// endpoint liveness, dispatcher state, model run inspection and reset, and
// live status events.
package opsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/manthysbr/npsat-dispatch/internal/core/services"
)

type registry interface {
	Snapshot() []domain.Endpoint
	ProbeAll(ctx context.Context) int
}

type dispatcher interface {
	Stats() services.DispatcherStats
	Reset(ctx context.Context, id domain.JobID) error
}

type runStore interface {
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListEvents(ctx context.Context, id domain.JobID) ([]domain.JobEvent, error)
	GetPercentiles(ctx context.Context, id domain.JobID) ([]domain.PercentileSummary, error)
}

type Server struct {
	logger     *slog.Logger
	registry   registry
	dispatcher dispatcher
	store      runStore
	eventBus   *services.EventBus
	origins    []string
}

func NewServer(
	logger *slog.Logger,
	registry registry,
	dispatcher dispatcher,
	store runStore,
	eventBus *services.EventBus,
	allowedOrigins []string,
) *Server {
	return &Server{
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		eventBus:   eventBus,
		origins:    allowedOrigins,
	}
}

// Handler mounts the routes behind contract validation and CORS
func (s *Server) Handler(ctx context.Context) (http.Handler, error) {
	contract, err := loadContract(ctx)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/endpoints", s.handleListEndpoints).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/probe", s.handleProbeEndpoints).Methods(http.MethodPost)
	api.HandleFunc("/dispatcher", s.handleDispatcherStats).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleBroadcastSSE).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/history", s.handleRunHistory).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/reset", s.handleResetRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id}/events", s.handleRunSSE).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(validate(contract, r)), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
