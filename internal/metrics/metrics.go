// Package metrics registers the Prometheus collectors of the dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "npsat_dispatch_"

// Dispatch outcomes, used as the "outcome" label
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeEncoding  = "encoding"
	OutcomeInternal  = "internal"
)

var dispatchOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "dispatch_total",
		Help: "Model runs dispatched to a solver, by outcome",
	},
	[]string{"outcome"},
)

var dispatchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    prefix + "dispatch_duration_seconds",
		Help:    "Wall time from claim to final state of one dispatch",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	},
	[]string{"endpoint"},
)

var queueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "queue_depth",
		Help: "Claimed model runs waiting for a worker",
	},
)

var inFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "in_flight",
		Help: "Model runs currently being processed by a worker",
	},
)

var endpointsOnline = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: prefix + "endpoints_online",
		Help: "Solver endpoints that passed their last probe",
	},
)

var probes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "probes_total",
		Help: "Liveness probes sent to solver endpoints, by result",
	},
	[]string{"endpoint", "result"},
)

var recovered = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "recovered_total",
		Help: "Running model runs put back to READY at startup",
	},
)

var noEndpointWarnings = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "no_endpoint_polls_total",
		Help: "Polls skipped because no solver endpoint was online",
	},
	[]string{"logged"},
)

func RecordDispatch(outcome, endpoint string, d time.Duration) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
	dispatchDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func SetInFlight(n int) {
	inFlight.Set(float64(n))
}

func SetEndpointsOnline(n int) {
	endpointsOnline.Set(float64(n))
}

func RecordProbe(endpoint string, ok bool) {
	result := "offline"
	if ok {
		result = "online"
	}
	probes.WithLabelValues(endpoint, result).Inc()
}

func RecordRecovered(n int) {
	recovered.Add(float64(n))
}

// RecordNoEndpoint counts a skipped poll; logged tells whether the warning was emitted or suppressed
func RecordNoEndpoint(logged bool) {
	label := "suppressed"
	if logged {
		label = "emitted"
	}
	noEndpointWarnings.WithLabelValues(label).Inc()
}
