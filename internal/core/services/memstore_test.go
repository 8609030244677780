package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/manthysbr/npsat-dispatch/internal/core/ports"
)

// memStore is an in-memory JobStore with the same compare-and-set rules as
// the SQL stores.
type memStore struct {
	mu          sync.Mutex
	jobs        map[domain.JobID]*domain.Job
	percentiles map[domain.JobID][]domain.PercentileSummary
	events      []domain.JobEvent
	calls       []string

	listErr     error
	listErrLeft int
	// staleList keeps returning jobs as READY after they were claimed
	staleList bool
	// writeErr fails the named final transition, e.g. "MarkReady"
	writeErr map[string]error
}

var _ ports.JobStore = (*memStore)(nil)

func newMemStore(jobs ...domain.Job) *memStore {
	s := &memStore{
		jobs:        make(map[domain.JobID]*domain.Job),
		percentiles: make(map[domain.JobID][]domain.PercentileSummary),
	}
	for i := range jobs {
		j := jobs[i]
		if j.Status == "" {
			j.Status = domain.JobStatusReady
		}
		s.jobs[j.ID] = &j
	}
	return s
}

func (s *memStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *memStore) transition(id domain.JobID, from, to domain.JobStatus, reason string) error {
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != from {
		return domain.ErrStaleTransition
	}
	j.Status = to
	f := from
	s.events = append(s.events, domain.JobEvent{JobID: id, FromStatus: &f, ToStatus: to, Reason: reason, At: time.Now()})
	return nil
}

func (s *memStore) ListEligible(ctx context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListEligible")

	if s.listErrLeft != 0 {
		if s.listErrLeft > 0 {
			s.listErrLeft--
		}
		return nil, s.listErr
	}

	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusReady || (s.staleList && j.Status == domain.JobStatusRunning) {
			job := *j
			job.Status = domain.JobStatusReady
			out = append(out, job)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *memStore) RecoverRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RecoverRunning")

	n := 0
	for id, j := range s.jobs {
		if j.Status == domain.JobStatusRunning {
			_ = s.transition(id, domain.JobStatusRunning, domain.JobStatusReady, "recovered at startup")
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkRunning(ctx context.Context, id domain.JobID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("MarkRunning")

	err := s.transition(id, domain.JobStatusReady, domain.JobStatusRunning, "claimed")
	if errors.Is(err, domain.ErrStaleTransition) {
		return false, nil
	}
	return err == nil, err
}

func (s *memStore) MarkReady(ctx context.Context, id domain.JobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("MarkReady")
	if err := s.writeErr["MarkReady"]; err != nil {
		return err
	}
	return s.transition(id, domain.JobStatusRunning, domain.JobStatusReady, reason)
}

func (s *memStore) MarkCompleted(ctx context.Context, id domain.JobID, wellCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("MarkCompleted")
	if err := s.transition(id, domain.JobStatusRunning, domain.JobStatusCompleted, ""); err != nil {
		return err
	}
	s.jobs[id].WellCount = &wellCount
	return nil
}

func (s *memStore) MarkError(ctx context.Context, id domain.JobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("MarkError")
	if err := s.writeErr["MarkError"]; err != nil {
		return err
	}
	if err := s.transition(id, domain.JobStatusRunning, domain.JobStatusError, message); err != nil {
		return err
	}
	s.jobs[id].StatusMessage = message
	return nil
}

func (s *memStore) WritePercentiles(ctx context.Context, id domain.JobID, summaries []domain.PercentileSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("WritePercentiles")
	s.percentiles[id] = summaries
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return *j, nil
}

func (s *memStore) ResetJob(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ResetJob")
	return s.transition(id, domain.JobStatusError, domain.JobStatusReady, "manual reset")
}

func (s *memStore) ListEvents(ctx context.Context, id domain.JobID) ([]domain.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobEvent
	for _, e := range s.events {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) failWrites(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr == nil {
		s.writeErr = make(map[string]error)
	}
	s.writeErr[name] = err
}

func (s *memStore) status(id domain.JobID) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

// transitions returns the to-states a job went through
func (s *memStore) transitions(id domain.JobID) []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobStatus
	for _, e := range s.events {
		if e.JobID == id {
			out = append(out, e.ToStatus)
		}
	}
	return out
}

func (s *memStore) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (s *memStore) firstCalls(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) < n {
		n = len(s.calls)
	}
	return append([]string(nil), s.calls[:n]...)
}
