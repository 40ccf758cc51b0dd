package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the job ledger and runners.
const (
	JobState    = "job.state"
	JobProgress = "job.progress"
	JobDeleted  = "job.deleted"
	ContactSeen = "contact.seen"
)

// Event is a small in-memory signal about a job or contact.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
//
// Data should be JSON-serializable; the HTTP events stream writes it as is.
type Event struct {
	Type  string    `json:"type"`
	JobID string    `json:"job_id,omitempty"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Filter selects the events a subscriber wants. Nil accepts everything.
type Filter func(Event) bool

// ForJob keeps events about a single job.
func ForJob(id string) Filter {
	return func(e Event) bool { return e.JobID == id }
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, f Filter) (ch <-chan Event, unsubscribe func())
	// Dropped counts events discarded because a subscriber was full.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	filter Filter
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == nil || s.filter(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// the channel may be closed by a concurrent unsubscribe
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, f Filter) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &sub{ch: make(chan Event, buffer), filter: f}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int, Filter) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (Nop) Dropped() uint64 { return 0 }
