// Package registry owns the delivery queues of a process, indexes them by
// access token and routes their diagnostics to subscribers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/pool"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/logging"
	"github.com/austindbirch/harbor_report/internal/queue"
	"github.com/austindbirch/harbor_report/internal/tokenmeta"
)

var (
	// ErrMetadataMismatch is returned when a queue carries token metadata other
	// than the instance this registry shares for that token.
	ErrMetadataMismatch = errors.New("registry: queue metadata is not shared for its token")
	ErrNotRegistered    = errors.New("registry: queue not registered")
	ErrDuplicateQueue   = errors.New("registry: queue id already registered")
)

// maxConcurrentFlushes bounds FlushAll's fan-out.
const maxConcurrentFlushes = 16

type Registry struct {
	clock  clock.Clock
	logger *logging.Logger
	bus    *events.Bus
	seq    atomic.Uint64

	mu      sync.Mutex
	queues  map[string]*queue.Queue
	byToken map[string]map[string]*queue.Queue
	meta    map[string]*tokenmeta.Metadata
}

// Option configures New.
type Option func(*Registry)

// WithClock sets the time source handed to token metadata and new queues.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clk }
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns an empty registry. Most callers share Default instead.
func New(opts ...Option) *Registry {
	r := &Registry{
		clock:   clock.New(),
		logger:  logging.Default(),
		queues:  make(map[string]*queue.Queue),
		byToken: make(map[string]map[string]*queue.Queue),
		meta:    make(map[string]*tokenmeta.Metadata),
	}
	for _, o := range opts {
		o(r)
	}
	r.bus = events.NewBus(r.logger)
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// Clock is the time source of every queue and token metadata entry the
// registry creates.
func (r *Registry) Clock() clock.Clock { return r.clock }

// CreateQueue builds a queue for owner, shares the token metadata for
// cfg.AccessToken with it, registers it and starts its drain loop.
func (r *Registry) CreateQueue(owner string, cfg config.Send, sender queue.Sender, opts ...queue.Option) (*queue.Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid send config: %w", err)
	}
	id := fmt.Sprintf("%s-%d", owner, r.seq.Add(1))
	base := []queue.Option{
		queue.WithClock(r.clock),
		queue.WithEmitter(r),
		queue.WithLogger(r.logger),
	}

	r.mu.Lock()
	meta := r.meta[cfg.AccessToken]
	if meta == nil {
		meta = tokenmeta.New(cfg.AccessToken, tokenmeta.PolicyFromConfig(cfg), r.clock)
	}
	q := queue.New(id, owner, cfg, sender, meta, append(base, opts...)...)
	err := r.registerLocked(q)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	q.Start()
	r.logger.Plain().WithQueue(id).WithOwner(owner).WithToken(cfg.AccessToken).Info("delivery queue created")
	return q, nil
}

// Register indexes a queue built outside CreateQueue. The first queue on a
// token donates its metadata; later ones must carry the same instance.
func (r *Registry) Register(q *queue.Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(q)
}

func (r *Registry) registerLocked(q *queue.Queue) error {
	if _, ok := r.queues[q.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateQueue, q.ID())
	}
	token := q.AccessToken()
	if shared, ok := r.meta[token]; ok && shared != q.Metadata() {
		return fmt.Errorf("%w: queue %s", ErrMetadataMismatch, q.ID())
	}
	r.meta[token] = q.Metadata()
	q.Metadata().Attach(q.ID())

	r.queues[q.ID()] = q
	if r.byToken[token] == nil {
		r.byToken[token] = make(map[string]*queue.Queue)
	}
	r.byToken[token][q.ID()] = q
	return nil
}

// Unregister removes q from the index. Token metadata is released with the
// last queue that used it.
func (r *Registry) Unregister(q *queue.Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[q.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, q.ID())
	}
	delete(r.queues, q.ID())

	token := q.AccessToken()
	delete(r.byToken[token], q.ID())
	if len(r.byToken[token]) == 0 {
		delete(r.byToken, token)
	}
	if meta := r.meta[token]; meta != nil && meta.Detach(q.ID()) == 0 {
		delete(r.meta, token)
	}
	return nil
}

// DestroyQueue stops q, flushing for at most timeout, then unregisters it.
func (r *Registry) DestroyQueue(q *queue.Queue, timeout time.Duration) error {
	stopErr := q.Stop(timeout)
	if err := r.Unregister(q); err != nil {
		return errors.Join(stopErr, err)
	}
	entry := r.logger.Plain().WithQueue(q.ID()).WithOwner(q.Owner())
	if stopErr != nil {
		entry.WithError(stopErr).Warn("delivery queue destroyed with undelivered bundles")
	} else {
		entry.Info("delivery queue destroyed")
	}
	return stopErr
}

// GetQueueCount counts the queues using token, or all queues for "".
func (r *Registry) GetQueueCount(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		return len(r.queues)
	}
	return len(r.byToken[token])
}

// Queues returns a snapshot of the registered queues ordered by ID.
func (r *Registry) Queues() []*queue.Queue {
	r.mu.Lock()
	out := make([]*queue.Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// TokenMetadata returns the shared metadata for token, nil when no queue
// uses it.
func (r *Registry) TokenMetadata(token string) *tokenmeta.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta[token]
}

// FlushAll flushes every registered queue concurrently, each bounded by
// timeout, and joins the failures.
func (r *Registry) FlushAll(timeout time.Duration) error {
	p := pool.New().WithErrors().WithMaxGoroutines(maxConcurrentFlushes)
	for _, q := range r.Queues() {
		p.Go(func() error {
			if err := q.Flush(timeout); err != nil {
				return fmt.Errorf("queue %s: %w", q.ID(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// Shutdown destroys every registered queue.
func (r *Registry) Shutdown(timeout time.Duration) error {
	p := pool.New().WithErrors().WithMaxGoroutines(maxConcurrentFlushes)
	for _, q := range r.Queues() {
		p.Go(func() error {
			if err := r.DestroyQueue(q, timeout); err != nil {
				return fmt.Errorf("queue %s: %w", q.ID(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// EmitInternalEvent logs e and fans it out to subscribers. Events never
// re-enter a delivery queue.
func (r *Registry) EmitInternalEvent(e events.Event) {
	entry := r.logger.Plain().WithQueue(e.QueueID).WithOwner(e.Owner).WithBundle(e.BundleID).
		WithField("event", string(e.Kind))
	if e.Err != "" {
		entry = entry.WithField("error", e.Err)
	}
	entry.Warn(e.Message)
	r.bus.Emit(e)
}

// Emit makes the registry the events.Emitter of its queues.
func (r *Registry) Emit(e events.Event) { r.EmitInternalEvent(e) }

// Subscribe registers l for diagnostics and returns its unsubscribe func.
func (r *Registry) Subscribe(l events.Listener) func() {
	return r.bus.Subscribe(l)
}
