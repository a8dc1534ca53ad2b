package events

import (
	"sync"
	"time"

	"transcribe-queue/internal/domain"
)

// Type classifies job lifecycle notifications.
type Type string

const (
	TypeCreated   Type = "created"
	TypeClaimed   Type = "claimed"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeRequeued  Type = "requeued"
)

// Event is a sequenced job transition consumed by dashboard subscribers.
type Event struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	JobID     string          `json:"jobId"`
	FileName  string          `json:"fileName"`
	State     domain.JobState `json:"state"`
	Priority  domain.Priority `json:"priority"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
}

// FromJob builds an event snapshot from a persisted transition.
func FromJob(kind string, job domain.Job) Event {
	return Event{
		Type:     Type(kind),
		JobID:    job.ID,
		FileName: job.FileName,
		State:    job.State,
		Priority: job.Priority,
		Attempts: job.Attempts,
		Error:    job.LastError,
	}
}

// Bus stores recent events, provides incremental reads, and fans out live
// notifications to subscribers.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[int]chan Event
	nextSub   int
}

// NewBus creates a bounded in-memory event buffer.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Publish appends one event, assigns sequence and timestamp, and fans it out
// to live subscribers. Slow subscribers miss events rather than block.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}

	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live listener. The cancel function must be called to
// release the subscription and close the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
