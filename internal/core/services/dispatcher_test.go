package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/npsat-dispatch/internal/core/codec"
	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const okReply = "1 2 3 1 2 3 4 5 6 ENDofMSG\n"

type staticEndpoints struct {
	mu  sync.Mutex
	eps []domain.Endpoint
}

func (s *staticEndpoints) ListOnline() []domain.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Endpoint(nil), s.eps...)
}

func (s *staticEndpoints) set(eps ...domain.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eps = eps
}

func online(ports ...int) *staticEndpoints {
	s := &staticEndpoints{}
	for _, p := range ports {
		s.eps = append(s.eps, domain.Endpoint{Host: "127.0.0.1", Port: p, Online: true})
	}
	return s
}

// fakeTransport answers each Send with reply(callNumber, message)
type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	reply func(n int, msg string) ([]byte, error)
}

func (f *fakeTransport) Send(ctx context.Context, ep domain.Endpoint, msg string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	n := len(f.calls)
	f.mu.Unlock()
	return f.reply(n, msg)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func replyOK() *fakeTransport {
	return &fakeTransport{reply: func(int, string) ([]byte, error) { return []byte(okReply), nil }}
}

func dispatchTables() codec.Tables {
	return codec.Tables{
		RegionCodes: domain.RegionCodes{domain.RegionCentralValley: "CentralValley"},
		Crops: domain.CropCatalog{
			"SWAT": {
				{ID: 1, Name: "all other crops", Code: "-1", Active: true},
				{ID: 2, Name: "grape", Code: "5", Active: true},
			},
		},
		AllOtherCropsID: 1,
	}
}

func readyJob(id domain.JobID) domain.Job {
	return domain.Job{
		ID:                 id,
		Status:             domain.JobStatusReady,
		SimEndYear:         2100,
		ReductionStartYear: 2020,
		ReductionEndYear:   2030,
		FlowScenario:       domain.Scenario{Name: "CVHM_2020", Type: domain.ScenarioTypeFlow},
		LoadScenario:       domain.Scenario{Name: "SWAT", Type: domain.ScenarioTypeLoad, CropScheme: "SWAT"},
		UnsatScenario:      domain.Scenario{Name: "unsat", Type: domain.ScenarioTypeUnsat},
		Regions:            []domain.Region{{Name: "Central Valley", MantisID: "CentralValley", Type: domain.RegionCentralValley}},
		Modifications:      []domain.Modification{{CropID: 2, Proportion: 0.5}},
	}
}

func newTestDispatcher(logger *slog.Logger, store *memStore, transport *fakeTransport, eps *staticEndpoints, clk *clocktesting.FakeClock) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return NewDispatcher(logger, store, transport, eps, dispatchTables(), NewEventBus(logger), clk, DispatcherConfig{
		PollInterval:         5 * time.Second,
		NoEndpointBackoff:    time.Minute,
		NoEndpointWarnWindow: 24 * time.Hour,
		ListRetryAttempts:    2,
		ListRetryDelay:       time.Millisecond,
		Percentiles:          []float64{50},
	})
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

func TestDispatcher_RecoversBeforeFirstPoll(t *testing.T) {
	interrupted := readyJob(1)
	interrupted.Status = domain.JobStatusRunning
	store := newMemStore(interrupted, readyJob(2))
	clk := clocktesting.NewFakeClock(time.Now())
	d := newTestDispatcher(nil, store, replyOK(), online(9000), clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	eventually(t, func() bool {
		return store.status(1) == domain.JobStatusCompleted && store.status(2) == domain.JobStatusCompleted
	})
	assert.Equal(t, []string{"RecoverRunning", "ListEligible"}, store.firstCalls(2))
	assert.Equal(t, []domain.JobStatus{domain.JobStatusReady, domain.JobStatusRunning, domain.JobStatusCompleted}, store.transitions(1))

	cancel()
	require.NoError(t, <-done)

	require.Len(t, store.percentiles[2], 1)
	assert.Equal(t, []float64{1, 2, 3}, store.percentiles[2][0].Values)
	job, err := store.GetJob(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, job.WellCount)
	assert.Equal(t, 2, *job.WellCount)
}

func TestDispatcher_ClaimsJobOnce(t *testing.T) {
	store := newMemStore(readyJob(1))
	store.staleList = true

	unblock := make(chan struct{})
	transport := &fakeTransport{reply: func(int, string) ([]byte, error) {
		<-unblock
		return []byte(okReply), nil
	}}
	d := newTestDispatcher(nil, store, transport, online(9000), clocktesting.NewFakeClock(time.Now()))
	ctx := context.Background()

	require.NoError(t, d.pollOnce(ctx))
	eventually(t, func() bool { return transport.callCount() == 1 })

	// The stale listing still reports the job as READY
	require.NoError(t, d.pollOnce(ctx))
	require.NoError(t, d.pollOnce(ctx))
	assert.Equal(t, 1, store.callCount("MarkRunning"))
	assert.Len(t, d.Stats().InFlight, 1)

	close(unblock)
	eventually(t, func() bool { return store.status(1) == domain.JobStatusCompleted })
	d.shutdown(ctx)
	assert.Equal(t, 1, transport.callCount())
}

func TestDispatcher_MalformedReplyThenNextJob(t *testing.T) {
	bad := readyJob(1)
	bad.FlowScenario.Name = "BROKEN"
	store := newMemStore(bad, readyJob(2))

	transport := &fakeTransport{reply: func(_ int, msg string) ([]byte, error) {
		if strings.Contains(msg, "flowScen BROKEN") {
			return []byte("1 2 3 1 2 ENDofMSG\n"), nil
		}
		return []byte(okReply), nil
	}}
	d := newTestDispatcher(nil, store, transport, online(9000), clocktesting.NewFakeClock(time.Now()))
	ctx := context.Background()

	require.NoError(t, d.pollOnce(ctx))
	eventually(t, func() bool {
		return store.status(1) == domain.JobStatusError && store.status(2) == domain.JobStatusCompleted
	})
	d.shutdown(ctx)

	job, err := store.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.MalformedResultMessage, job.StatusMessage)
	assert.Empty(t, store.percentiles[1])
	assert.Equal(t, uint64(1), d.Stats().Failed)
	assert.Equal(t, uint64(1), d.Stats().Completed)
}

func TestDispatcher_TimeoutReturnsToReadyOnce(t *testing.T) {
	store := newMemStore(readyJob(1))
	transport := &fakeTransport{reply: func(n int, _ string) ([]byte, error) {
		if n == 1 {
			return nil, domain.ErrTransportTimeout
		}
		return []byte(okReply), nil
	}}
	d := newTestDispatcher(nil, store, transport, online(9000), clocktesting.NewFakeClock(time.Now()))
	ctx := context.Background()

	require.NoError(t, d.pollOnce(ctx))
	eventually(t, func() bool { return store.status(1) == domain.JobStatusReady && len(d.Stats().InFlight) == 0 })
	assert.Equal(t, 1, store.callCount("MarkReady"))
	assert.Equal(t, 0, store.callCount("MarkError"))
	assert.Equal(t, uint64(1), d.Stats().Retried)

	require.NoError(t, d.pollOnce(ctx))
	eventually(t, func() bool { return store.status(1) == domain.JobStatusCompleted })
	d.shutdown(ctx)

	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusRunning, domain.JobStatusReady,
		domain.JobStatusRunning, domain.JobStatusCompleted,
	}, store.transitions(1))
	assert.Equal(t, 1, store.callCount("MarkReady"))
}

func TestDispatcher_TerminalErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.Job)
		reply   func(int, string) ([]byte, error)
		message string
		sends   int
	}{
		{
			name:    "solver rejected",
			reply:   func(int, string) ([]byte, error) { return []byte("0 Scenario SWAT not found ENDofMSG\n"), nil },
			message: "Scenario SWAT not found",
			sends:   1,
		},
		{
			name:    "encoding violation",
			mutate:  func(j *domain.Job) { j.Regions = nil },
			reply:   func(int, string) ([]byte, error) { return []byte(okReply), nil },
			message: domain.EncodingMessage,
			sends:   0,
		},
		{
			name:    "panic",
			reply:   func(int, string) ([]byte, error) { panic("boom") },
			message: domain.InternalErrorMessage,
			sends:   1,
		},
		{
			name:    "unexpected error",
			reply:   func(int, string) ([]byte, error) { return nil, errors.New("disk on fire") },
			message: domain.InternalErrorMessage,
			sends:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := readyJob(1)
			if tt.mutate != nil {
				tt.mutate(&job)
			}
			store := newMemStore(job)
			transport := &fakeTransport{reply: tt.reply}
			d := newTestDispatcher(nil, store, transport, online(9000), clocktesting.NewFakeClock(time.Now()))
			ctx := context.Background()

			require.NoError(t, d.pollOnce(ctx))
			eventually(t, func() bool { return store.status(1) == domain.JobStatusError })
			d.shutdown(ctx)

			got, err := store.GetJob(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.message, got.StatusMessage)
			assert.Equal(t, tt.sends, transport.callCount())
			assert.Equal(t, 0, store.callCount("MarkReady"))
		})
	}
}

func TestDispatcher_NoEndpointsWarnsOncePerDay(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	store := newMemStore(readyJob(1))
	clk := clocktesting.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	d := newTestDispatcher(logger, store, replyOK(), &staticEndpoints{}, clk)
	ctx := context.Background()

	end := clk.Now().Add(72 * time.Hour)
	for clk.Now().Before(end) {
		require.NoError(t, d.pollOnce(ctx))
		clk.Step(5 * time.Second)
	}

	assert.Equal(t, 3, strings.Count(buf.String(), "no solver endpoints online"))
	assert.Equal(t, 0, store.callCount("ListEligible"))
	assert.Equal(t, 0, store.callCount("MarkRunning"))
	assert.Equal(t, domain.JobStatusReady, store.status(1))
	assert.Empty(t, d.Stats().Workers)
}

func TestDispatcher_WorkersFollowEndpoints(t *testing.T) {
	store := newMemStore()
	eps := online(9000, 9001)
	d := newTestDispatcher(nil, store, replyOK(), eps, clocktesting.NewFakeClock(time.Now()))
	ctx := context.Background()

	require.NoError(t, d.pollOnce(ctx))
	assert.Equal(t, []string{"127.0.0.1:9000", "127.0.0.1:9001"}, d.Stats().Workers)

	eps.set(domain.Endpoint{Host: "127.0.0.1", Port: 9001, Online: true})
	require.NoError(t, d.pollOnce(ctx))
	assert.Equal(t, []string{"127.0.0.1:9001"}, d.Stats().Workers)

	d.shutdown(ctx)
	assert.Empty(t, d.Stats().Workers)
}

func TestDispatcher_ShutdownReleasesQueuedJobs(t *testing.T) {
	store := newMemStore(readyJob(1), readyJob(2), readyJob(3))
	unblock := make(chan struct{})
	transport := &fakeTransport{reply: func(int, string) ([]byte, error) {
		<-unblock
		return []byte(okReply), nil
	}}
	d := newTestDispatcher(nil, store, transport, online(9000), clocktesting.NewFakeClock(time.Now()))
	ctx := context.Background()

	require.NoError(t, d.pollOnce(ctx))
	eventually(t, func() bool { return transport.callCount() == 1 })

	stopped := make(chan struct{})
	go func() {
		d.shutdown(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("shutdown returned while a dispatch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	<-stopped

	assert.Equal(t, domain.JobStatusCompleted, store.status(1))
	assert.Equal(t, domain.JobStatusReady, store.status(2))
	assert.Equal(t, domain.JobStatusReady, store.status(3))
	assert.Equal(t, 1, transport.callCount())
	assert.Empty(t, d.Stats().InFlight)
}

func TestDispatcher_ListFailureIsFatal(t *testing.T) {
	store := newMemStore(readyJob(1))
	store.listErr = errors.New("connection refused")
	store.listErrLeft = -1
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	d := newTestDispatcher(logger, store, replyOK(), online(9000), clocktesting.NewFakeClock(time.Now()))

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 2, store.callCount("ListEligible"))
}

func TestDispatcher_ListRecoversWithinRetries(t *testing.T) {
	store := newMemStore(readyJob(1))
	store.listErr = errors.New("connection reset")
	store.listErrLeft = 1
	d := newTestDispatcher(nil, store, replyOK(), online(9000), clocktesting.NewFakeClock(time.Now()))
	ctx := context.Background()

	require.NoError(t, d.pollOnce(ctx))
	eventually(t, func() bool { return store.status(1) == domain.JobStatusCompleted })
	d.shutdown(ctx)
	assert.Equal(t, 2, store.callCount("ListEligible"))
}

func TestDispatcher_ResetPublishes(t *testing.T) {
	failed := readyJob(1)
	failed.Status = domain.JobStatusError
	store := newMemStore(failed)
	d := newTestDispatcher(nil, store, replyOK(), online(9000), clocktesting.NewFakeClock(time.Now()))

	events, unsub := d.bus.Subscribe(1)
	defer unsub()

	require.NoError(t, d.Reset(context.Background(), 1))
	assert.Equal(t, domain.JobStatusReady, store.status(1))

	select {
	case e := <-events:
		assert.Equal(t, domain.JobStatusReady, e.Status)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	assert.ErrorIs(t, d.Reset(context.Background(), 1), domain.ErrStaleTransition)
}

// concurrentSends records how many Sends overlap
type concurrentSends struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (c *concurrentSends) enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
}

func (c *concurrentSends) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
}

func (c *concurrentSends) max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func TestDispatcher_EndpointFlapKeepsOneJobPerSolver(t *testing.T) {
	store := newMemStore(readyJob(1), readyJob(2))
	var sends concurrentSends
	unblock := make(chan struct{})
	transport := &fakeTransport{reply: func(n int, _ string) ([]byte, error) {
		sends.enter()
		defer sends.leave()
		if n == 1 {
			<-unblock
		}
		return []byte(okReply), nil
	}}
	eps := online(9000)
	clk := clocktesting.NewFakeClock(time.Now())
	d := newTestDispatcher(nil, store, transport, eps, clk)
	ctx := context.Background()

	require.NoError(t, d.pollOnce(ctx))
	eventually(t, func() bool { return transport.callCount() == 1 })

	eps.set()
	require.NoError(t, d.pollOnce(ctx))
	assert.Equal(t, domain.JobStatusReady, store.status(2))
	clk.Step(2 * time.Minute)

	eps.set(domain.Endpoint{Host: "127.0.0.1", Port: 9000, Online: true})
	require.NoError(t, d.pollOnce(ctx))
	assert.Empty(t, d.Stats().Workers, "the endpoint is still busy with job 1")
	assert.Equal(t, domain.JobStatusRunning, store.status(2))
	assert.Equal(t, 1, transport.callCount())

	close(unblock)
	eventually(t, func() bool { return store.status(1) == domain.JobStatusCompleted })

	eventually(t, func() bool {
		return d.pollOnce(ctx) == nil && store.status(2) == domain.JobStatusCompleted
	})
	d.shutdown(ctx)

	assert.Equal(t, 1, sends.max())
	assert.Equal(t, 2, transport.callCount())
	assert.Empty(t, d.Stats().InFlight)
}

func TestDispatcher_StuckRunningStopsRun(t *testing.T) {
	tests := []struct {
		name  string
		write string
		reply func(int, string) ([]byte, error)
	}{
		{
			name:  "return to queue fails",
			write: "MarkReady",
			reply: func(int, string) ([]byte, error) { return nil, domain.ErrTransportTimeout },
		},
		{
			name:  "record error fails",
			write: "MarkError",
			reply: func(int, string) ([]byte, error) { return []byte("0 bad scenario ENDofMSG\n"), nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(readyJob(1))
			store.failWrites(tt.write, errors.New("database is locked"))
			logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
			d := newTestDispatcher(logger, store, &fakeTransport{reply: tt.reply}, online(9000), clocktesting.NewFakeClock(time.Now()))

			done := make(chan error, 1)
			go func() { done <- d.Run(context.Background()) }()

			select {
			case err := <-done:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "database is locked")
			case <-time.After(2 * time.Second):
				t.Fatal("Run kept going with a job stuck in RUNNING")
			}
			assert.Equal(t, domain.JobStatusRunning, store.status(1))
			assert.Equal(t, 2, store.callCount(tt.write))

			// A restart recovers the job
			store.failWrites(tt.write, nil)
			restarted := newTestDispatcher(logger, store, replyOK(), online(9000), clocktesting.NewFakeClock(time.Now()))
			ctx, cancel := context.WithCancel(context.Background())
			go func() { done <- restarted.Run(ctx) }()
			eventually(t, func() bool { return store.status(1) == domain.JobStatusCompleted })
			cancel()
			require.NoError(t, <-done)
		})
	}
}
