// Package queue implements the per-logger delivery queue and its drain loop.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/austindbirch/harbor_report/internal/config"
	"github.com/austindbirch/harbor_report/internal/delivery"
	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/logging"
	"github.com/austindbirch/harbor_report/internal/metrics"
	"github.com/austindbirch/harbor_report/internal/offline"
	"github.com/austindbirch/harbor_report/internal/tokenmeta"
)

var (
	ErrFlushTimeout = errors.New("queue: flush timed out")
	ErrStopped      = errors.New("queue: stopped")
	ErrQueueFull    = errors.New("queue: full")
	ErrNotSync      = errors.New("queue: bundle was not created for synchronous delivery")
)

const offlineWriteTimeout = 5 * time.Second

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, b *delivery.Bundle) delivery.Outcome
}

// RawSender re-delivers serialized payloads; senders implementing it can
// replay the offline store.
type RawSender interface {
	SendRaw(ctx context.Context, body []byte) delivery.Outcome
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopping
	stateStopped
)

// Queue holds one logger's pending bundles and drains them FIFO on a single
// goroutine. Enqueue is safe from any goroutine and never waits on I/O.
type Queue struct {
	id     string
	owner  string
	cfg    config.Send
	sender Sender
	meta   *tokenmeta.Metadata

	clock    clock.Clock
	emitter  events.Emitter
	logger   *logging.Logger
	store    offline.Store
	dest     offline.Destination
	replayer *Replayer

	mu      sync.Mutex
	items   []*delivery.Bundle
	busy    bool
	state   state
	changed chan struct{} // closed and replaced on every drain progress

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source for retry waits and the token delay.
// Registry queues get the registry clock.
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) { q.clock = clk }
}

// WithEmitter routes diagnostics, normally to the registry.
func WithEmitter(e events.Emitter) Option {
	return func(q *Queue) { q.emitter = e }
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithStore enables the offline fallback. Exhausted bundles are persisted
// and, when the sender can re-deliver raw payloads, replayed while idle.
func WithStore(s offline.Store) Option {
	return func(q *Queue) { q.store = s }
}

// New returns a stopped queue for one destination. The sender performs
// each attempt and meta is the token metadata shared by every queue using
// the same access token. A non-positive MaxQueueDepth takes the default
// and MaxAttempts is at least 1. Call Start to begin draining.
func New(id, owner string, cfg config.Send, sender Sender, meta *tokenmeta.Metadata, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		id:      id,
		owner:   owner,
		cfg:     cfg,
		sender:  sender,
		meta:    meta,
		clock:   clock.New(),
		emitter: events.Discard,
		logger:  logging.Default(),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.cfg.MaxQueueDepth <= 0 {
		q.cfg.MaxQueueDepth = config.DefaultSend().MaxQueueDepth
	}
	if q.cfg.MaxAttempts <= 0 {
		q.cfg.MaxAttempts = 1
	}
	if q.store != nil {
		q.dest = offline.DestinationFor(cfg)
		if raw, ok := sender.(RawSender); ok {
			q.replayer = NewReplayer(q.store, raw, meta,
				WithReplayClock(q.clock),
				WithReplayEmitter(q.emitter),
				WithReplayLogger(q.logger),
				WithInterrupt(func() bool { return q.Len() > 0 }),
			)
		}
	}
	return q
}

// Accessors for the fixed identity of the queue.
func (q *Queue) ID() string                       { return q.id }
func (q *Queue) Owner() string                    { return q.owner }
func (q *Queue) AccessToken() string              { return q.cfg.AccessToken }
func (q *Queue) Metadata() *tokenmeta.Metadata    { return q.meta }
func (q *Queue) Config() config.Send              { return q.cfg }
func (q *Queue) Destination() offline.Destination { return offline.DestinationFor(q.cfg) }

// Len is the number of bundles waiting, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start launches the drain loop. Calling it again, or after Stop, does
// nothing.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != stateCreated {
		return
	}
	q.state = stateRunning
	go q.run()
}

// Enqueue accepts b unless the queue is stopping or full under the
// reject_newest policy. Under drop_oldest the head is evicted instead.
func (q *Queue) Enqueue(b *delivery.Bundle) bool {
	q.mu.Lock()
	if q.state == stateStopping || q.state == stateStopped {
		q.mu.Unlock()
		b.Complete(ErrStopped)
		metrics.RecordDropped("stopped")
		q.emit(events.InternalError, "enqueue on stopped queue", b, delivery.Outcome{Err: ErrStopped})
		return false
	}

	var evicted *delivery.Bundle
	if len(q.items) >= q.cfg.MaxQueueDepth {
		if q.cfg.Overflow == config.RejectNewest {
			q.mu.Unlock()
			b.Complete(ErrQueueFull)
			metrics.RecordDropped("overflow_newest")
			q.emit(events.QueueOverflow, fmt.Sprintf("queue full at %d, rejected newest bundle", q.cfg.MaxQueueDepth), b, delivery.Outcome{})
			return false
		}
		evicted = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, b)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.SetQueueDepth(q.id, depth)
	metrics.RecordAccepted()
	if evicted != nil {
		evicted.Complete(ErrQueueFull)
		metrics.RecordDropped("overflow_oldest")
		q.emit(events.QueueOverflow, fmt.Sprintf("queue full at %d, dropped oldest bundle", q.cfg.MaxQueueDepth), evicted, delivery.Outcome{})
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// EnqueueAndWait enqueues a bundle built with delivery.NewSyncBundle and
// blocks until it is delivered, dropped or ctx ends. Transport failures and
// expiry surface as *delivery.TimeoutError.
func (q *Queue) EnqueueAndWait(ctx context.Context, b *delivery.Bundle) error {
	if !b.Synchronous() {
		return ErrNotSync
	}
	if !q.Enqueue(b) {
		return <-b.Done()
	}
	select {
	case err := <-b.Done():
		return err
	case <-ctx.Done():
		return &delivery.TimeoutError{Last: ctx.Err()}
	}
}

// Flush blocks until the queue is empty and nothing is in flight. A timeout
// of zero or less only reports the current state.
func (q *Queue) Flush(timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		q.mu.Lock()
		if len(q.items) == 0 && !q.busy {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		if expired == nil {
			return ErrFlushTimeout
		}
		select {
		case <-ch:
		case <-expired:
			return ErrFlushTimeout
		}
	}
}

// Stop flushes for at most timeout, ends the drain loop and discards what is
// left with an InternalError diagnostic.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.state == stateStopped || q.state == stateStopping {
		q.mu.Unlock()
		return nil
	}
	wasRunning := q.state == stateRunning
	q.state = stateStopping
	q.mu.Unlock()

	var flushErr error
	if wasRunning {
		flushErr = q.Flush(timeout)
	}
	q.cancel()
	if wasRunning {
		<-q.done
	} else {
		close(q.done)
	}

	q.mu.Lock()
	q.state = stateStopped
	left := q.items
	q.items = nil
	q.notifyLocked()
	q.mu.Unlock()
	metrics.ForgetQueue(q.id)

	if n := len(left); n > 0 {
		for _, b := range left {
			b.Complete(ErrStopped)
			metrics.RecordDropped("teardown")
		}
		q.emit(events.InternalError, fmt.Sprintf("queue stopped with %d undelivered bundles", n), nil, delivery.Outcome{})
		if flushErr == nil {
			flushErr = ErrStopped
		}
		return fmt.Errorf("discarded %d bundles: %w", n, flushErr)
	}
	return flushErr
}

// Done is closed once the drain loop has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) run() {
	defer close(q.done)

	var tick <-chan time.Time
	if q.replayer != nil && q.cfg.Offline.ReplayInterval > 0 {
		t := q.clock.Ticker(q.cfg.Offline.ReplayInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		b := q.pop()
		if b == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			case <-tick:
				q.replayIdle()
			}
			continue
		}

		if !q.process(b) {
			q.pushFront(b)
			return
		}
		q.finish()
	}
}

func (q *Queue) pop() *delivery.Bundle {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.busy = true
	metrics.SetQueueDepth(q.id, len(q.items))
	return b
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
	q.notifyLocked()
}

// pushFront returns an interrupted bundle to the head so teardown accounts
// for it with the rest.
func (q *Queue) pushFront(b *delivery.Bundle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*delivery.Bundle{b}, q.items...)
	q.busy = false
	q.notifyLocked()
}

// process drives one bundle to a terminal state. It returns false when the
// queue was cancelled before that happened.
func (q *Queue) process(b *delivery.Bundle) bool {
	failures := 0
	for {
		if q.ctx.Err() != nil || !q.waitEligible() {
			return false
		}

		out := q.sender.Send(q.ctx, b)
		b.Attempts++
		if q.ctx.Err() != nil && out.Kind == delivery.CommunicationFailure {
			return false
		}

		switch out.Kind {
		case delivery.Success:
			q.meta.ResetDelay()
			if out.RateLimit.Exhausted() {
				q.meta.IncrementDelay(out.RateLimit.RetryAfter())
			}
			b.Complete(nil)
			return true

		case delivery.RateLimited:
			d := q.meta.IncrementDelay(out.RateLimit.RetryAfter())
			metrics.RecordRetry("rate_limited")
			q.log(b).WithField("delay", d.String()).Info("rate limited, backing off")

		case delivery.CommunicationFailure:
			failures++
			reason := delivery.Reason(out.Err, 0)
			q.emit(events.CommunicationError, "delivery attempt failed", b, out)
			if failures >= q.cfg.MaxAttempts {
				q.exhausted(b, out)
				return true
			}
			delay := retryDelay(failures, q.cfg.RetrySchedule, q.cfg.JitterPercent)
			metrics.RecordRetry(reason)
			q.log(b).WithFields(map[string]any{
				"attempt": failures,
				"delay":   delay.String(),
				"reason":  reason,
			}).Info("retry delivery")
			if !q.sleep(delay) {
				return false
			}

		case delivery.ClientOrServerError:
			q.emit(events.APIError, "destination rejected bundle", b, out)
			if q.cfg.StoreRejected && q.store != nil {
				q.storeOffline(b)
			} else {
				metrics.RecordDropped("rejected")
			}
			b.Complete(out.Err)
			return true

		default:
			q.emit(events.InternalError, "bundle could not be sent", b, out)
			metrics.RecordDropped("internal")
			b.Complete(out.Err)
			return true
		}
	}
}

func (q *Queue) exhausted(b *delivery.Bundle, out delivery.Outcome) {
	if q.store != nil {
		q.storeOffline(b)
	} else {
		metrics.RecordDropped("exhausted")
		q.log(b).WithError(out.Err).Warn("retries exhausted, bundle dropped")
	}
	b.Complete(&delivery.TimeoutError{Attempts: b.Attempts, Last: out.Err})
}

func (q *Queue) storeOffline(b *delivery.Bundle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), offlineWriteTimeout)
	defer cancel()

	if err := q.store.Store(ctx, b, q.dest); err != nil {
		metrics.RecordOffline("error")
		metrics.RecordDropped("offline_error")
		q.emit(events.InternalError, "offline store write failed", b, delivery.Outcome{Err: err})
		return
	}
	metrics.RecordOffline("stored")
	q.log(b).Info("bundle stored offline")
}

func (q *Queue) replayIdle() {
	n, err := q.replayer.Replay(q.ctx, q.dest)
	if err != nil && q.ctx.Err() == nil {
		q.logger.Plain().WithQueue(q.id).WithError(err).Warn("offline replay interrupted")
	}
	if n > 0 {
		q.logger.Plain().WithQueue(q.id).WithField("replayed", n).Info("offline records re-delivered")
	}
}

// waitEligible sleeps out the shared token delay. Another queue may extend
// it while we sleep, so it is re-read after every wake-up.
func (q *Queue) waitEligible() bool {
	for {
		d := q.meta.CurrentDelay()
		if d <= 0 {
			return true
		}
		if !q.sleep(d) {
			return false
		}
	}
}

func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := q.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

func (q *Queue) log(b *delivery.Bundle) *logging.LogEntry {
	return q.logger.Plain().WithQueue(q.id).WithOwner(q.owner).WithToken(q.cfg.AccessToken).WithBundle(b.ID)
}

func (q *Queue) emit(kind events.Kind, msg string, b *delivery.Bundle, out delivery.Outcome) {
	e := events.New(kind, msg).WithError(out.Err)
	e.QueueID = q.id
	e.Owner = q.owner
	e.Token = config.MaskToken(q.cfg.AccessToken)
	e.StatusCode = out.StatusCode
	if b != nil {
		e.BundleID = b.ID
		e.Attempt = b.Attempts
	}
	q.emitter.Emit(e)
}
