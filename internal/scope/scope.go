// Package scope caps how many reports one logical operation may emit.
//
// A scope is a frame stored in a context.Context. Frames chain to the frame
// that was current when they were pushed, and goroutines started with a
// derived context share the same frames, so counts follow the call chain
// rather than the goroutine.
package scope

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/austindbirch/harbor_report/internal/events"
	"github.com/austindbirch/harbor_report/internal/logging"
)

type ctxKey struct{}

type frame struct {
	id       string
	max      int // 0 is unlimited
	parent   *frame
	count    atomic.Int64
	warned   atomic.Bool
	released atomic.Bool
}

// Decision is the result of counting one report attempt.
type Decision struct {
	Scope   string // innermost open scope, "" when none
	Count   int    // items counted in that scope, including this one
	Allowed bool
}

// Guard counts report attempts against the scopes found in a context.
type Guard struct {
	emitter events.Emitter
	logger  *logging.Logger
}

// Option configures a Guard.
type Option func(*Guard)

func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// NewGuard returns a guard that reports MaxItemsReached to emitter.
func NewGuard(emitter events.Emitter, opts ...Option) *Guard {
	if emitter == nil {
		emitter = events.Discard
	}
	g := &Guard{emitter: emitter, logger: logging.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Handle ends the scope it was returned with.
type Handle struct {
	f    *frame
	once sync.Once
}

// Release closes the scope. Later increments through contexts that still
// carry it count against the parent instead. Safe to call more than once.
func (h *Handle) Release() {
	if h == nil || h.f == nil {
		return
	}
	h.once.Do(func() { h.f.released.Store(true) })
}

// Push opens scope id under whatever scope ctx already carries and returns
// the derived context. maxItems <= 0 counts without a ceiling.
func (g *Guard) Push(ctx context.Context, id string, maxItems int) (context.Context, *Handle) {
	if maxItems < 0 {
		maxItems = 0
	}
	f := &frame{id: id, max: maxItems, parent: current(ctx)}
	return context.WithValue(ctx, ctxKey{}, f), &Handle{f: f}
}

// IncrementAndCheck counts one report attempt in every open scope of ctx.
// The attempt that brings a scope to its maximum is allowed and emits a
// single MaxItemsReached event; every attempt past it is suppressed.
func (g *Guard) IncrementAndCheck(ctx context.Context) Decision {
	d := Decision{Allowed: true}
	first := true
	for f := current(ctx); f != nil; f = f.parent {
		if f.released.Load() {
			continue
		}
		n := int(f.count.Add(1))
		if first {
			d.Scope, d.Count = f.id, n
			first = false
		}
		if f.max == 0 {
			continue
		}
		switch {
		case n == f.max:
			if f.warned.CompareAndSwap(false, true) {
				g.warn(f)
			}
		case n > f.max:
			d.Allowed = false
		}
	}
	return d
}

func (g *Guard) warn(f *frame) {
	msg := fmt.Sprintf("scope %q reached its limit of %d reports, further reports are suppressed", f.id, f.max)
	g.logger.Plain().WithFields(map[string]any{"scope": f.id, "max_items": f.max}).Warn(msg)
	g.emitter.Emit(events.New(events.MaxItemsReached, msg))
}

// Count returns the item count of the innermost open scope in ctx.
func Count(ctx context.Context) (id string, n int, ok bool) {
	for f := current(ctx); f != nil; f = f.parent {
		if !f.released.Load() {
			return f.id, int(f.count.Load()), true
		}
	}
	return "", 0, false
}

func current(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(ctxKey{}).(*frame)
	return f
}
