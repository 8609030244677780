package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/manthysbr/npsat-dispatch/internal/core/codec"
	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/manthysbr/npsat-dispatch/internal/core/ports"
	"github.com/manthysbr/npsat-dispatch/internal/metrics"
	"k8s.io/utils/clock"
)

// DispatcherConfig defines polling and back-off behaviour
type DispatcherConfig struct {
	PollInterval         time.Duration
	NoEndpointBackoff    time.Duration
	NoEndpointWarnWindow time.Duration
	ListRetryAttempts    uint
	ListRetryDelay       time.Duration
	Percentiles          []float64
}

// onlineEndpoints is the part of the registry the dispatcher reads
type onlineEndpoints interface {
	ListOnline() []domain.Endpoint
}

// Claim tracks a job between MarkRunning and its final transition
type Claim struct {
	AttemptID string       `json:"attempt_id"`
	JobID     domain.JobID `json:"job_id"`
	Endpoint  string       `json:"endpoint,omitempty"`
	ClaimedAt time.Time    `json:"claimed_at"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
}

type worker struct {
	endpoint domain.Endpoint
	stop     context.CancelFunc
	done     chan struct{}
}

func (w *worker) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// DispatcherStats is a point-in-time view for the ops API
type DispatcherStats struct {
	Workers    []string `json:"workers"`
	QueueDepth int      `json:"queue_depth"`
	InFlight   []Claim  `json:"in_flight"`
	Completed  uint64   `json:"completed"`
	Retried    uint64   `json:"retried"`
	Failed     uint64   `json:"failed"`
}

// Dispatcher moves READY model runs through the solvers. A single poller
// claims jobs onto a shared queue; one worker per online endpoint drains it.
type Dispatcher struct {
	logger    *slog.Logger
	store     ports.JobStore
	transport ports.Transport
	endpoints onlineEndpoints
	tables    codec.Tables
	bus       *EventBus
	clock     clock.WithTicker
	cfg       DispatcherConfig
	warner    *RateLimitedWarner
	queue     *JobQueue

	mu      sync.Mutex
	claims  map[domain.JobID]*Claim
	workers map[string]*worker
	// draining holds stopped workers still finishing a job, by endpoint
	draining  map[string]*worker
	idleUntil time.Time
	completed uint64
	retried   uint64
	failed    uint64

	wg    sync.WaitGroup
	fatal chan error
}

func NewDispatcher(
	logger *slog.Logger,
	store ports.JobStore,
	transport ports.Transport,
	endpoints onlineEndpoints,
	tables codec.Tables,
	bus *EventBus,
	clk clock.WithTicker,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.NoEndpointBackoff <= 0 {
		cfg.NoEndpointBackoff = time.Minute
	}
	if cfg.ListRetryAttempts == 0 {
		cfg.ListRetryAttempts = 3
	}
	if len(cfg.Percentiles) == 0 {
		cfg.Percentiles = []float64{5, 15, 50, 85, 95}
	}

	return &Dispatcher{
		logger:    logger,
		store:     store,
		transport: transport,
		endpoints: endpoints,
		tables:    tables,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		warner:    NewRateLimitedWarner(logger, clk, cfg.NoEndpointWarnWindow),
		queue:     NewJobQueue(),
		claims:    make(map[domain.JobID]*Claim),
		workers:   make(map[string]*worker),
		draining:  make(map[string]*worker),
		fatal:     make(chan error, 1),
	}
}

// Run recovers interrupted jobs, then polls until ctx is cancelled. It
// returns an error when the job store cannot be read, or when a job cannot
// be moved out of RUNNING; the next start recovers such jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	n, err := d.store.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if n > 0 {
		d.logger.Info("interrupted model runs returned to queue", "count", n)
	}
	metrics.RecordRecovered(n)

	d.logger.Info("dispatcher started", "poll_interval", d.cfg.PollInterval)

	ticker := d.clock.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	err = d.pollOnce(ctx)
	for err == nil {
		select {
		case <-ctx.Done():
			d.shutdown(ctx)
			return nil
		case <-ticker.C():
			err = d.pollOnce(ctx)
		case err = <-d.fatal:
		}
	}

	d.shutdown(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// pollOnce reconciles workers with the registry and claims every eligible
// job that is not already in flight.
func (d *Dispatcher) pollOnce(ctx context.Context) error {
	now := d.clock.Now()

	d.mu.Lock()
	idle := now.Before(d.idleUntil)
	d.mu.Unlock()
	if idle {
		return nil
	}

	online := d.endpoints.ListOnline()
	d.syncWorkers(ctx, online)

	if len(online) == 0 {
		logged := d.warner.Warn("no solver endpoints online, model runs are waiting",
			"backoff", d.cfg.NoEndpointBackoff)
		metrics.RecordNoEndpoint(logged)
		// Nobody is left to pop these
		for _, job := range d.queue.Drain() {
			d.release(ctx, job.ID, "no solver endpoints online")
		}
		d.mu.Lock()
		d.idleUntil = now.Add(d.cfg.NoEndpointBackoff)
		d.mu.Unlock()
		return nil
	}

	var jobs []domain.Job
	err := retry.Do(
		func() error {
			var err error
			jobs, err = d.store.ListEligible(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(d.cfg.ListRetryAttempts),
		retry.Delay(d.cfg.ListRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("listing eligible model runs failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("list eligible jobs: %w", err)
	}

	for _, job := range jobs {
		d.claim(ctx, job)
	}
	metrics.SetQueueDepth(d.queue.Len())
	return nil
}

func (d *Dispatcher) claim(ctx context.Context, job domain.Job) {
	d.mu.Lock()
	_, busy := d.claims[job.ID]
	d.mu.Unlock()
	if busy {
		return
	}

	ok, err := d.store.MarkRunning(ctx, job.ID)
	if err != nil {
		d.logger.Error("failed to claim model run", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	c := &Claim{AttemptID: uuid.NewString(), JobID: job.ID, ClaimedAt: d.clock.Now()}
	d.mu.Lock()
	d.claims[job.ID] = c
	inFlight := len(d.claims)
	d.mu.Unlock()
	metrics.SetInFlight(inFlight)

	d.publish(job.ID, domain.JobStatusRunning, "", c)
	d.logger.Info("model run claimed", "job_id", job.ID, "attempt_id", c.AttemptID)

	if !d.queue.Push(job) {
		d.release(context.WithoutCancel(ctx), job.ID, "dispatcher shutting down")
	}
}

// syncWorkers starts a worker for each newly online endpoint and stops the
// workers of endpoints that went offline. A stopped worker finishes its
// current job first, and its endpoint gets no new worker until it has.
func (d *Dispatcher) syncWorkers(ctx context.Context, online []domain.Endpoint) {
	want := make(map[string]domain.Endpoint, len(online))
	for _, ep := range online {
		want[ep.Address()] = ep
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for addr, w := range d.draining {
		if w.finished() {
			delete(d.draining, addr)
		}
	}

	for addr, w := range d.workers {
		if _, ok := want[addr]; !ok {
			d.logger.Info("stopping worker, endpoint offline", "endpoint", addr)
			w.stop()
			delete(d.workers, addr)
			if !w.finished() {
				d.draining[addr] = w
			}
		}
	}

	for addr, ep := range want {
		if _, ok := d.workers[addr]; ok {
			continue
		}
		if _, ok := d.draining[addr]; ok {
			d.logger.Debug("endpoint back online, previous worker still busy", "endpoint", addr)
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &worker{endpoint: ep, stop: cancel, done: make(chan struct{})}
		d.workers[addr] = w
		d.wg.Add(1)
		go d.runWorker(wctx, w)
		d.logger.Info("worker started", "endpoint", addr)
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, w *worker) {
	defer d.wg.Done()
	defer close(w.done)
	for ctx.Err() == nil {
		job, err := d.queue.Pop(ctx)
		if err != nil {
			return
		}
		// Dispatches are never interrupted; their store writes outlive ctx.
		d.process(context.WithoutCancel(ctx), job, w.endpoint)
	}
}

// process runs one job to a final state
func (d *Dispatcher) process(ctx context.Context, job domain.Job, ep domain.Endpoint) {
	start := d.clock.Now()
	addr := ep.Address()

	d.mu.Lock()
	c, ok := d.claims[job.ID]
	if ok {
		c.Endpoint = addr
		c.StartedAt = &start
	}
	d.mu.Unlock()
	if !ok {
		c = &Claim{AttemptID: uuid.NewString(), JobID: job.ID, ClaimedAt: start}
	}

	log := d.logger.With("job_id", job.ID, "attempt_id", c.AttemptID, "endpoint", addr)
	log.Info("dispatching model run")
	metrics.SetQueueDepth(d.queue.Len())

	err := d.dispatchSafely(ctx, job, ep)
	outcome := d.settle(ctx, log, job, c, err)

	metrics.RecordDispatch(outcome, addr, d.clock.Since(start))
	d.forget(job.ID)
}

// dispatchSafely turns a panic anywhere in the pipeline into an internal error
func (d *Dispatcher) dispatchSafely(ctx context.Context, job domain.Job, ep domain.Endpoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while dispatching: %v", r)
		}
	}()
	return d.dispatch(ctx, job, ep)
}

// dispatch is encode, send, decode, reduce, write back. Codec errors are
// returned as they are so their status text stays intact.
func (d *Dispatcher) dispatch(ctx context.Context, job domain.Job, ep domain.Endpoint) error {
	msg, err := codec.Encode(job, d.tables)
	if err != nil {
		return err
	}

	reply, err := d.transport.Send(ctx, ep, msg)
	if err != nil {
		return err
	}

	raw, err := codec.Decode(reply)
	if err != nil {
		return err
	}

	summaries := Reduce(job.ID, raw, d.cfg.Percentiles)
	err = d.retryWrite(ctx, func() error { return d.store.WritePercentiles(ctx, job.ID, summaries) })
	if err != nil {
		return fmt.Errorf("write percentiles: %w", err)
	}
	err = d.retryWrite(ctx, func() error { return d.store.MarkCompleted(ctx, job.ID, raw.WellCount) })
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// settle records the final transition for err and returns the metrics outcome
func (d *Dispatcher) settle(ctx context.Context, log *slog.Logger, job domain.Job, c *Claim, err error) string {
	var rejected *domain.SolverRejectedError

	switch {
	case err == nil:
		log.Info("model run completed")
		d.count(&d.completed)
		d.publish(job.ID, domain.JobStatusCompleted, "", c)
		return metrics.OutcomeCompleted

	case domain.IsRetryable(err):
		log.Warn("solver unavailable, model run returned to queue", "error", err)
		d.count(&d.retried)
		d.release(ctx, job.ID, err.Error())
		return metrics.OutcomeRetried

	case errors.As(err, &rejected):
		log.Warn("solver rejected model run", "error", err)
		d.fail(ctx, log, job.ID, c, err)
		return metrics.OutcomeRejected

	case errors.Is(err, domain.ErrMalformedResult):
		log.Error("malformed solver reply", "error", err)
		d.fail(ctx, log, job.ID, c, err)
		return metrics.OutcomeMalformed

	case errors.Is(err, domain.ErrEncodingInvariant):
		log.Error("model run cannot be encoded", "error", err)
		d.fail(ctx, log, job.ID, c, err)
		return metrics.OutcomeEncoding

	default:
		log.Error("internal error while dispatching model run", "error", err)
		d.fail(ctx, log, job.ID, c, err)
		return metrics.OutcomeInternal
	}
}

func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, id domain.JobID, c *Claim, cause error) {
	msg := domain.StatusMessage(cause)
	d.count(&d.failed)
	err := d.retryWrite(ctx, func() error { return d.store.MarkError(ctx, id, msg) })
	if err != nil {
		log.Error("failed to record model run error", "error", err)
		d.writeFailed(id, err)
		return
	}
	d.publish(id, domain.JobStatusError, msg, c)
}

// release puts a RUNNING job back to READY
func (d *Dispatcher) release(ctx context.Context, id domain.JobID, reason string) {
	d.mu.Lock()
	c := d.claims[id]
	d.mu.Unlock()

	err := d.retryWrite(ctx, func() error { return d.store.MarkReady(ctx, id, reason) })
	if err != nil {
		d.logger.Error("failed to return model run to queue", "job_id", id, "error", err)
		d.writeFailed(id, err)
		return
	}
	d.publish(id, domain.JobStatusReady, reason, c)
	d.forget(id)
}

// retryWrite retries a final transition a few times; a stale transition is
// not retried since the job has already moved on.
func (d *Dispatcher) retryWrite(ctx context.Context, write func() error) error {
	return retry.Do(
		write,
		retry.Context(ctx),
		retry.Attempts(d.cfg.ListRetryAttempts),
		retry.Delay(d.cfg.ListRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, domain.ErrStaleTransition) && !errors.Is(err, domain.ErrJobNotFound)
		}),
	)
}

// writeFailed stops Run when a job is stuck in RUNNING because the store
// refused its final transition. A stale or missing job has already moved on.
func (d *Dispatcher) writeFailed(id domain.JobID, err error) {
	if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrJobNotFound) {
		return
	}
	select {
	case d.fatal <- fmt.Errorf("model run %d left running: %w", id, err):
	default:
	}
}

func (d *Dispatcher) forget(id domain.JobID) {
	d.mu.Lock()
	delete(d.claims, id)
	n := len(d.claims)
	d.mu.Unlock()
	metrics.SetInFlight(n)
}

func (d *Dispatcher) count(counter *uint64) {
	d.mu.Lock()
	*counter++
	d.mu.Unlock()
}

func (d *Dispatcher) publish(id domain.JobID, status domain.JobStatus, message string, c *Claim) {
	if d.bus == nil {
		return
	}
	e := Event{
		JobID:     id,
		Type:      EventTypeStatus,
		Status:    status,
		Message:   message,
		Timestamp: d.clock.Now().UnixMilli(),
	}
	if c != nil {
		e.AttemptID = c.AttemptID
		e.Endpoint = c.Endpoint
	}
	d.bus.Publish(e)
}

// shutdown stops the workers after their current job and hands queued,
// never-started jobs back to READY.
func (d *Dispatcher) shutdown(ctx context.Context) {
	d.logger.Info("dispatcher stopping")
	d.queue.Close()

	d.mu.Lock()
	for addr, w := range d.workers {
		w.stop()
		delete(d.workers, addr)
	}
	for addr, w := range d.draining {
		w.stop()
		delete(d.draining, addr)
	}
	d.mu.Unlock()
	d.wg.Wait()

	bg := context.WithoutCancel(ctx)
	left := d.queue.Drain()
	for _, job := range left {
		d.release(bg, job.ID, "dispatcher shutting down")
	}
	metrics.SetQueueDepth(0)
	d.logger.Info("dispatcher stopped", "released", len(left))
}

// Reset moves a failed model run back to READY so the next poll picks it up
func (d *Dispatcher) Reset(ctx context.Context, id domain.JobID) error {
	if err := d.store.ResetJob(ctx, id); err != nil {
		return err
	}
	d.logger.Info("model run reset", "job_id", id)
	d.publish(id, domain.JobStatusReady, "manual reset", nil)
	return nil
}

// Stats reports workers, queue depth, in-flight jobs and outcome counters
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := DispatcherStats{
		Workers:    make([]string, 0, len(d.workers)),
		QueueDepth: d.queue.Len(),
		InFlight:   make([]Claim, 0, len(d.claims)),
		Completed:  d.completed,
		Retried:    d.retried,
		Failed:     d.failed,
	}
	for addr := range d.workers {
		s.Workers = append(s.Workers, addr)
	}
	sort.Strings(s.Workers)
	for _, c := range d.claims {
		s.InFlight = append(s.InFlight, *c)
	}
	sort.Slice(s.InFlight, func(i, j int) bool { return s.InFlight[i].JobID < s.InFlight[j].JobID })
	return s
}
