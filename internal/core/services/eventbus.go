package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
)

type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeLog    EventType = "log"
)

// Event is a notification about one model run
type Event struct {
	JobID     domain.JobID     `json:"job_id"`
	Type      EventType        `json:"type"`
	Status    domain.JobStatus `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	AttemptID string           `json:"attempt_id,omitempty"`
	Endpoint  string           `json:"endpoint,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// EventBus fans job events out to in-process subscribers. Slow subscribers
// lose events rather than stall the dispatcher.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan Event
	global []chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan Event),
	}
}

// Subscribe returns a channel that receives events for one job, and the
// function that cancels the subscription and closes the channel.
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs[jobID] = append(b.subs[jobID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[jobID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}

	return ch, unsub
}

// SubscribeGlobal receives the events of every job
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	b.global = append(b.global, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, sub := range b.global {
			if sub == ch {
				close(ch)
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish sends an event to the job's subscribers and to global subscribers
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		b.send(ch, e)
	}
	for _, ch := range b.global {
		b.send(ch, e)
	}
}

func (b *EventBus) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		b.logger.Warn("event bus channel full, dropping event", "job_id", e.JobID, "type", e.Type)
	}
}
