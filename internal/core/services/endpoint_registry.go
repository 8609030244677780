package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/manthysbr/npsat-dispatch/internal/core/ports"
	"github.com/manthysbr/npsat-dispatch/internal/metrics"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// RegistryConfig controls how solver endpoints are probed
type RegistryConfig struct {
	ProbeInterval    time.Duration
	ProbeConcurrency int64
}

// EndpointRegistry holds the configured solver endpoints and their last
// known liveness. Nothing here probes implicitly: ListOnline only reads the
// flags that the last Probe/ProbeAll left behind.
type EndpointRegistry struct {
	logger *slog.Logger
	prober ports.Prober
	clock  clock.WithTicker
	cfg    RegistryConfig

	mu        sync.RWMutex
	endpoints []domain.Endpoint // configuration order
}

func NewEndpointRegistry(logger *slog.Logger, prober ports.Prober, clk clock.WithTicker, endpoints []domain.Endpoint, cfg RegistryConfig) *EndpointRegistry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Minute
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 4
	}

	eps := make([]domain.Endpoint, len(endpoints))
	copy(eps, endpoints)
	for i := range eps {
		eps[i].Online = false
	}

	return &EndpointRegistry{
		logger:    logger,
		prober:    prober,
		clock:     clk,
		cfg:       cfg,
		endpoints: eps,
	}
}

// ListOnline returns copies of the endpoints whose last probe succeeded
func (r *EndpointRegistry) ListOnline() []domain.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Endpoint
	for _, ep := range r.endpoints {
		if ep.Online {
			out = append(out, ep)
		}
	}
	return out
}

// Snapshot returns copies of all endpoints, online or not
func (r *EndpointRegistry) Snapshot() []domain.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// IsOnline reports the recorded state of the endpoint at addr
func (r *EndpointRegistry) IsOnline(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ep := range r.endpoints {
		if ep.Address() == addr {
			return ep.Online
		}
	}
	return false
}

// Probe checks one endpoint and records the result. Endpoints that are not
// registered are probed but not recorded.
func (r *EndpointRegistry) Probe(ctx context.Context, endpoint domain.Endpoint) bool {
	err := r.prober.Probe(ctx, endpoint)
	online := err == nil
	now := r.clock.Now()

	r.mu.Lock()
	for i := range r.endpoints {
		if r.endpoints[i].Address() != endpoint.Address() {
			continue
		}
		ep := &r.endpoints[i]
		if ep.Online != online {
			if online {
				r.logger.Info("solver endpoint online", "endpoint", ep.Address())
			} else {
				r.logger.Warn("solver endpoint offline", "endpoint", ep.Address(), "error", err)
			}
		}
		ep.Online = online
		ep.LastProbe = &now
		ep.ProbeError = ""
		if err != nil {
			ep.ProbeError = err.Error()
		}
	}
	count := r.countOnlineLocked()
	r.mu.Unlock()

	metrics.RecordProbe(endpoint.Address(), online)
	metrics.SetEndpointsOnline(count)
	return online
}

// ProbeAll probes every endpoint, at most ProbeConcurrency at a time, and
// returns how many are online afterwards.
func (r *EndpointRegistry) ProbeAll(ctx context.Context) int {
	sem := semaphore.NewWeighted(r.cfg.ProbeConcurrency)
	var wg sync.WaitGroup

	for _, ep := range r.Snapshot() {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ep domain.Endpoint) {
			defer wg.Done()
			defer sem.Release(1)
			r.Probe(ctx, ep)
		}(ep)
	}
	wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countOnlineLocked()
}

// Run re-probes every endpoint on the configured interval. Blocks until ctx
// is cancelled.
func (r *EndpointRegistry) Run(ctx context.Context) error {
	r.logger.Info("endpoint prober started", "interval", r.cfg.ProbeInterval, "endpoints", len(r.endpoints))
	ticker := r.clock.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("endpoint prober stopped")
			return nil
		case <-ticker.C():
			n := r.ProbeAll(ctx)
			r.logger.Debug("endpoints re-probed", "online", n)
		}
	}
}

func (r *EndpointRegistry) countOnlineLocked() int {
	n := 0
	for _, ep := range r.endpoints {
		if ep.Online {
			n++
		}
	}
	return n
}
