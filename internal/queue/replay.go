package queue

import (
	"context"
	"errors"
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

// ErrReplayRateLimited ends a replay pass when the destination pushes back.
var ErrReplayRateLimited = errors.New("queue: replay paused by rate limit")

// Replayer re-delivers offline records through the same token backoff as
// live traffic.
type Replayer struct {
	store   offline.Store
	sender  RawSender
	meta    *tokenmeta.Metadata
	clock   clock.Clock
	emitter events.Emitter
	logger  *logging.Logger

	interrupt func() bool
}

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

func WithReplayClock(clk clock.Clock) ReplayOption {
	return func(r *Replayer) { r.clock = clk }
}

func WithReplayEmitter(e events.Emitter) ReplayOption {
	return func(r *Replayer) { r.emitter = e }
}

func WithReplayLogger(l *logging.Logger) ReplayOption {
	return func(r *Replayer) { r.logger = l }
}

// WithInterrupt stops a pass between records once fn returns true.
func WithInterrupt(fn func() bool) ReplayOption {
	return func(r *Replayer) { r.interrupt = fn }
}

// NewReplayer returns a replayer re-delivering records of store through
// sender, honoring the delay in meta.
func NewReplayer(store offline.Store, sender RawSender, meta *tokenmeta.Metadata, opts ...ReplayOption) *Replayer {
	r := &Replayer{
		store:     store,
		sender:    sender,
		meta:      meta,
		clock:     clock.New(),
		emitter:   events.Discard,
		logger:    logging.Default(),
		interrupt: func() bool { return false },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Replay walks dest's pending records oldest first and returns how many were
// delivered. A pass ends early on a rate limit, a communication failure,
// cancellation or interruption; undelivered records stay stored.
func (r *Replayer) Replay(ctx context.Context, dest offline.Destination) (int, error) {
	delivered := 0
	for rec, err := range r.store.DrainPending(ctx, dest) {
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			metrics.RecordOffline("error")
			r.logger.Plain().WithToken(dest.AccessToken).WithError(err).Warn("unreadable offline record skipped")
			continue
		}
		if r.interrupt() {
			return delivered, nil
		}
		if err := r.waitEligible(ctx); err != nil {
			return delivered, err
		}

		out := r.sender.SendRaw(ctx, rec.Payload)
		switch out.Kind {
		case delivery.Success:
			r.meta.ResetDelay()
			if out.RateLimit.Exhausted() {
				r.meta.IncrementDelay(out.RateLimit.RetryAfter())
			}
			r.remove(ctx, rec)
			metrics.RecordOffline("replayed")
			delivered++

		case delivery.RateLimited:
			r.meta.IncrementDelay(out.RateLimit.RetryAfter())
			metrics.RecordRetry("rate_limited")
			return delivered, ErrReplayRateLimited

		case delivery.CommunicationFailure:
			r.emit(events.CommunicationError, "offline re-delivery failed", rec, dest, out)
			return delivered, out.Err

		case delivery.ClientOrServerError:
			r.emit(events.APIError, "destination rejected offline record", rec, dest, out)
			r.remove(ctx, rec)
			metrics.RecordOffline("discarded")

		default:
			r.emit(events.InternalError, "offline record could not be sent", rec, dest, out)
			r.remove(ctx, rec)
			metrics.RecordOffline("discarded")
		}
	}
	return delivered, ctx.Err()
}

func (r *Replayer) remove(ctx context.Context, rec *offline.Record) {
	if err := r.store.Remove(ctx, rec); err != nil && !errors.Is(err, offline.ErrNotFound) {
		metrics.RecordOffline("error")
		r.logger.Plain().WithBundle(rec.ID).WithError(err).Error("offline record removal failed")
	}
}

func (r *Replayer) waitEligible(ctx context.Context) error {
	for {
		d := r.meta.CurrentDelay()
		if d <= 0 {
			return nil
		}
		if err := r.sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (r *Replayer) sleep(ctx context.Context, d time.Duration) error {
	t := r.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replayer) emit(kind events.Kind, msg string, rec *offline.Record, dest offline.Destination, out delivery.Outcome) {
	e := events.New(kind, msg).WithError(out.Err)
	e.Owner = rec.Owner
	e.BundleID = rec.ID
	e.Token = config.MaskToken(dest.AccessToken)
	e.StatusCode = out.StatusCode
	e.Attempt = rec.Attempts
	r.emitter.Emit(e)
}
