package ports

import (
	"context"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

// JobStore abstracts the system of record for model runs (DuckDB or PostgreSQL).
// Every Mark* call is a single compare-and-set: it only succeeds when the job
// is in the state the transition starts from.
type JobStore interface {
	// ListEligible returns READY jobs, oldest submission first, with
	// scenarios, regions and modifications loaded.
	ListEligible(ctx context.Context) ([]domain.Job, error)

	// RecoverRunning forces every RUNNING job back to READY. Called once at startup.
	RecoverRunning(ctx context.Context) (int, error)

	// MarkRunning claims a READY job. Returns false if the job was not READY.
	MarkRunning(ctx context.Context, id domain.JobID) (bool, error)

	// MarkReady releases a RUNNING job for retry.
	MarkReady(ctx context.Context, id domain.JobID, reason string) error

	MarkCompleted(ctx context.Context, id domain.JobID, wellCount int) error
	MarkError(ctx context.Context, id domain.JobID, message string) error

	// WritePercentiles replaces the stored summaries of a job.
	WritePercentiles(ctx context.Context, id domain.JobID, summaries []domain.PercentileSummary) error

	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// ResetJob moves an ERROR job back to READY so it is dispatched again.
	ResetJob(ctx context.Context, id domain.JobID) error

	ListEvents(ctx context.Context, id domain.JobID) ([]domain.JobEvent, error)
}

// Transport delivers one encoded message to a solver and returns its raw reply.
type Transport interface {
	Send(ctx context.Context, endpoint domain.Endpoint, message string) ([]byte, error)
}

// Prober checks whether a solver endpoint is accepting work.
type Prober interface {
	Probe(ctx context.Context, endpoint domain.Endpoint) error
}
