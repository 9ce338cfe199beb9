// Package engine drives the per-client streaming session: allocate an
// identifier, register for the matching scan event, wait out one of the three
// terminations (delivery, timeout, client cancellation) and tear down exactly
// once.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ScanEvent is the payload correlated from the vendor callback to the waiting
// session. Kind carries the vendor event name ("SCAN" for an existing
// follower, "subscribe" for a first-time scan).
type ScanEvent struct {
	UserID string
	Kind   string
}

// InitialFrame is the first frame of every session: the allocated identifier
// and the URL the mobile client should scan.
type InitialFrame struct {
	SceneID   string `json:"scene_id"`
	QRCodeURL string `json:"qrcode_url"`
}

// ScanFrame reports a completed scan. It is the only frame after the initial
// one when delivery happens.
type ScanFrame struct {
	UserID string `json:"userId"`
	Event  string `json:"event"`
}

// TimeoutFrame tells the consumer the session expired without a scan. It is
// only sent when the engine is configured to announce timeouts.
type TimeoutFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

const timeoutMessage = "scan not received before deadline"

// State names a position in the session lifecycle. It is carried in logs so
// a session's path through the machine can be reconstructed per scene id.
type State uint8

const (
	StateCreated State = iota
	StateRegistered
	StateDelivered
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRegistered:
		return "registered"
	case StateDelivered:
		return "delivered"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// EmitFunc writes one frame to the consumer and flushes it. A non-nil error
// means the consumer is gone and the session should wind down quietly.
type EmitFunc func(frame any) error

// IdentifierPool is the slice of the pool the engine needs.
type IdentifierPool interface {
	Allocate(ctx context.Context) (id, url string, err error)
	Release(id string)
}

// ScanRegistry is the slice of the correlation registry the engine needs.
type ScanRegistry interface {
	Register(key string) <-chan ScanEvent
	Deliver(key string, ev ScanEvent) bool
	Deregister(key string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTimeoutNotice controls whether expired sessions emit a final timeout
// frame before closing.
func WithTimeoutNotice(enabled bool) Option {
	return func(e *Engine) {
		e.timeoutNotice = enabled
	}
}

// Engine binds the identifier pool and the correlation registry into runnable
// sessions. One Engine serves the whole process; each Run call is one session.
type Engine struct {
	pool          IdentifierPool
	reg           ScanRegistry
	budget        time.Duration
	timeoutNotice bool
	log           *slog.Logger
}

// New constructs an Engine whose sessions wait at most budget for a scan.
func New(pool IdentifierPool, reg ScanRegistry, budget time.Duration, opts ...Option) *Engine {
	e := &Engine{
		pool:          pool,
		reg:           reg,
		budget:        budget,
		timeoutNotice: true,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one session against emit until delivery, timeout or context
// cancellation. All three terminations are normal and return nil; the only
// error Run reports is a failed identifier allocation, which callers should
// surface as a transient service-busy condition. Teardown (deregister, then
// release) runs exactly once on every exit path.
func (e *Engine) Run(ctx context.Context, emit EmitFunc) error {
	e.log.DebugContext(ctx, "session.open", slog.String("state", StateCreated.String()))

	id, url, err := e.pool.Allocate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			e.log.InfoContext(ctx, "session.cancelled", slog.String("state", StateCreated.String()))
			return nil
		}
		e.log.ErrorContext(ctx, "session.allocate.fail", slog.String("err", err.Error()))
		return fmt.Errorf("allocate scene identifier: %w", err)
	}

	outcome := StateRegistered
	defer func() {
		e.reg.Deregister(id)
		e.pool.Release(id)
		e.log.InfoContext(ctx, "session.closed",
			slog.String("scene_id", id),
			slog.String("state", outcome.String()))
	}()

	ch := e.reg.Register(id)
	deadline := time.Now().Add(e.budget)
	e.log.InfoContext(ctx, "session.registered",
		slog.String("scene_id", id),
		slog.Time("deadline", deadline))

	if err := emit(InitialFrame{SceneID: id, QRCodeURL: url}); err != nil {
		outcome = StateCancelled
		e.log.InfoContext(ctx, "session.emit.initial.fail",
			slog.String("scene_id", id),
			slog.String("err", err.Error()))
		return nil
	}

	deliverScan := func(ev ScanEvent) {
		outcome = StateDelivered
		e.log.InfoContext(ctx, "session.scan.received",
			slog.String("scene_id", id),
			slog.String("user_id", ev.UserID),
			slog.String("kind", ev.Kind))
		if err := emit(ScanFrame{UserID: ev.UserID, Event: ev.Kind}); err != nil {
			e.log.InfoContext(ctx, "session.emit.scan.fail",
				slog.String("scene_id", id),
				slog.String("err", err.Error()))
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case ev := <-ch:
		deliverScan(ev)
		return nil

	case <-timer.C:
		// A delivery committed before the deadline wins over the timer: the
		// vendor was already told somebody is waiting.
		select {
		case ev := <-ch:
			deliverScan(ev)
			return nil
		default:
		}
		outcome = StateTimedOut
		e.log.InfoContext(ctx, "session.timeout", slog.String("scene_id", id))
		if e.timeoutNotice {
			if err := emit(TimeoutFrame{Event: "timeout", Message: timeoutMessage}); err != nil {
				e.log.InfoContext(ctx, "session.emit.timeout.fail",
					slog.String("scene_id", id),
					slog.String("err", err.Error()))
			}
		}
		return nil

	case <-ctx.Done():
		outcome = StateCancelled
		e.log.InfoContext(ctx, "session.cancelled", slog.String("scene_id", id))
		return nil
	}
}

// Deliver routes a scan event to the session registered under sceneID and
// reports whether one was waiting. Events with no waiter are dropped; the
// caller acknowledges the vendor either way.
func (e *Engine) Deliver(ctx context.Context, sceneID string, ev ScanEvent) bool {
	delivered := e.reg.Deliver(sceneID, ev)
	if delivered {
		e.log.InfoContext(ctx, "scan.delivered",
			slog.String("scene_id", sceneID),
			slog.String("user_id", ev.UserID))
	} else {
		e.log.WarnContext(ctx, "scan.no_waiter", slog.String("scene_id", sceneID))
	}
	return delivered
}
