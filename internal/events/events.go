// Package events carries the pipeline's internal diagnostics. Events are
// observable by subscribers only; nothing here is ever turned back into a
// report payload.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/harbor_report/internal/logging"
)

// Kind classifies a diagnostic event.
type Kind string

const (
	CommunicationError Kind = "communication_error"
	APIError           Kind = "api_error"
	InternalError      Kind = "internal_error"
	MaxItemsReached    Kind = "max_items_reached"
	QueueOverflow      Kind = "queue_overflow"
)

// Event is one diagnostic raised by a queue, client, store or scope guard.
type Event struct {
	Kind       Kind      `json:"kind"`
	At         time.Time `json:"at"`
	QueueID    string    `json:"queue_id,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	Token      string    `json:"token,omitempty"` // masked
	BundleID   string    `json:"bundle_id,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message"`
	Err        string    `json:"error,omitempty"`
}

func (e Event) String() string {
	if e.Err != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New stamps an event of kind k.
func New(k Kind, message string) Event {
	return Event{Kind: k, At: time.Now().UTC(), Message: message}
}

// WithError attaches err's text to the event.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// Emitter accepts diagnostic events.
type Emitter interface {
	Emit(Event)
}

// Listener receives events from a Bus.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Bus fans events out to every subscribed listener, synchronously and in
// subscription order.
type Bus struct {
	logger *logging.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	order     []int
}

func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus{logger: logger, listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function removing it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers e to every listener. A panicking listener is logged and
// skipped.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range targets {
		b.deliver(l, e)
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Plain().WithField("kind", string(e.Kind)).WithField("panic", fmt.Sprint(r)).Error("event listener panicked")
		}
	}()
	l.OnEvent(e)
}

// Listeners returns the number of subscribers.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Recorder is a Listener that keeps every event, for tests and CLIs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Emit(e Event) { r.OnEvent(e) }

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
