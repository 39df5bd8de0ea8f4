// Package reporter is the producer side of the pipeline: one Reporter per
// logger instance, owning one delivery queue.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/logging"
	"github.com/austindbirch/harbor_report/internal/metrics"
	"github.com/austindbirch/harbor_report/internal/offline"
	"github.com/austindbirch/harbor_report/internal/queue"
	"github.com/austindbirch/harbor_report/internal/registry"
	"github.com/austindbirch/harbor_report/internal/scope"
)

var (
	ErrClosed     = errors.New("reporter: closed")
	ErrSuppressed = errors.New("reporter: scope report limit reached")
	ErrDropped    = errors.New("reporter: payload dropped before enqueue")
)

// Transform is one step of the enrichment pipeline run before enqueue. It
// must not mutate its input.
type Transform func(payload any) any

type Reporter struct {
	reg        *registry.Registry
	q          *queue.Queue
	owner      string
	cfg        config.Send
	transforms []Transform
	guard      *scope.Guard
	logger     *logging.Logger

	store     offline.Store
	ownsStore bool
	closed    atomic.Bool
}

type options struct {
	owner      string
	transforms []Transform
	guard      *scope.Guard
	store      offline.Store
	logger     *logging.Logger
	sender     queue.Sender
	httpClient *http.Client
}

// Option configures New.
type Option func(*options)

// WithOwner names the logger identity stamped on every bundle.
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}

// WithTransforms appends payload transforms, run in order before enqueue.
func WithTransforms(ts ...Transform) Option {
	return func(o *options) { o.transforms = append(o.transforms, ts...) }
}

// WithGuard shares a scope guard between reporters. By default each reporter
// gets its own guard emitting through the registry.
func WithGuard(g *scope.Guard) Option {
	return func(o *options) { o.guard = g }
}

// WithStore overrides the offline store opened from cfg.Offline. The
// reporter does not close a store it was given.
func WithStore(s offline.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSender replaces the HTTP delivery client.
func WithSender(s queue.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithHTTPClient sets the http.Client of the default delivery client. It has
// no effect together with WithSender.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// New creates a reporter and its queue in reg. When cfg.Offline.Enabled is
// set and no store is supplied, the store at cfg.Offline.Location is opened
// and closed again by Close.
func New(reg *registry.Registry, cfg config.Send, opts ...Option) (*Reporter, error) {
	o := options{owner: "default", logger: logging.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if reg == nil {
		reg = registry.Default()
	}
	// Token metadata is shared through the registry, so every time source
	// below is the registry's.
	clk := reg.Clock()
	var qopts []queue.Option

	r := &Reporter{
		reg:        reg,
		owner:      o.owner,
		cfg:        cfg,
		transforms: o.transforms,
		guard:      o.guard,
		logger:     o.logger,
		store:      o.store,
	}
	if r.guard == nil {
		r.guard = scope.NewGuard(reg, scope.WithLogger(o.logger))
	}

	if r.store == nil && cfg.Offline.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err := offline.Open(ctx, cfg.Offline.Location, offline.WithClock(clk), offline.WithLogger(o.logger))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("open offline store: %w", err)
		}
		r.store, r.ownsStore = store, true
	}

	sender := o.sender
	if sender == nil {
		copts := []delivery.ClientOption{delivery.WithClock(clk), delivery.WithLogger(o.logger)}
		if o.httpClient != nil {
			copts = append(copts, delivery.WithHTTPClient(o.httpClient))
		}
		sender = delivery.NewClient(cfg, copts...)
	}

	if r.store != nil {
		qopts = append(qopts, queue.WithStore(r.store))
	}
	q, err := reg.CreateQueue(o.owner, cfg, sender, qopts...)
	if err != nil {
		_ = r.closeStore()
		return nil, err
	}
	r.q = q
	return r, nil
}

func (r *Reporter) Owner() string       { return r.owner }
func (r *Reporter) Queue() *queue.Queue { return r.q }

// Scope opens a report-count scope on ctx bounded by cfg.MaxItemsInScope.
// Callers defer the handle's Release.
func (r *Reporter) Scope(ctx context.Context, id string) (context.Context, *scope.Handle) {
	return r.guard.Push(ctx, id, r.cfg.MaxItemsInScope)
}

// Log hands payload to the queue and reports whether it was accepted. It
// never blocks on delivery and never returns delivery errors.
func (r *Reporter) Log(ctx context.Context, level delivery.Level, payload any) bool {
	b, err := r.prepare(ctx, level, payload, false)
	if err != nil {
		return false
	}
	return r.q.Enqueue(b)
}

// LogSync delivers payload before returning. Transport failures and ctx
// expiry come back as *delivery.TimeoutError.
func (r *Reporter) LogSync(ctx context.Context, level delivery.Level, payload any) error {
	b, err := r.prepare(ctx, level, payload, true)
	if err != nil {
		return err
	}
	return r.q.EnqueueAndWait(ctx, b)
}

func (r *Reporter) prepare(ctx context.Context, level delivery.Level, payload any, synchronous bool) (*delivery.Bundle, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if d := r.guard.IncrementAndCheck(ctx); !d.Allowed {
		metrics.RecordDropped("scope_limit")
		r.logger.Plain().WithOwner(r.owner).WithFields(map[string]any{"scope": d.Scope, "count": d.Count}).Debug("report suppressed by scope limit")
		return nil, ErrSuppressed
	}
	payload, err := r.transform(payload)
	if err != nil {
		metrics.RecordDropped("internal")
		e := events.New(events.InternalError, "payload transform failed").WithError(err)
		e.Owner = r.owner
		r.reg.EmitInternalEvent(e)
		return nil, fmt.Errorf("%w: %v", ErrDropped, err)
	}
	if synchronous {
		return delivery.NewSyncBundle(r.owner, level, payload), nil
	}
	return delivery.NewBundle(r.owner, level, payload), nil
}

// transform runs the pipeline; a panicking step drops the payload.
func (r *Reporter) transform(payload any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transform panicked: %v", p)
		}
	}()
	out = payload
	for _, t := range r.transforms {
		out = t(out)
	}
	return out, nil
}

// Flush waits for the queue to drain.
func (r *Reporter) Flush(timeout time.Duration) error {
	return r.q.Flush(timeout)
}

// Close flushes for at most timeout, destroys the queue and closes an owned
// offline store. Later calls return ErrClosed.
func (r *Reporter) Close(timeout time.Duration) error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := r.reg.DestroyQueue(r.q, timeout)
	return errors.Join(err, r.closeStore())
}

func (r *Reporter) closeStore() error {
	if !r.ownsStore || r.store == nil {
		return nil
	}
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("close offline store: %w", err)
	}
	return nil
}
