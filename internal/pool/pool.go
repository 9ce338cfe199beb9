// Package pool owns the set of vendor-backed scene identifiers: minting,
// caching, allocation to streaming sessions, lazy expiry and release.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrExhausted means no identifier could be produced: the available stack
// drained and every fallback mint attempt failed. Callers translate it into
// a service-busy response; it is never fatal.
var ErrExhausted = errors.New("identifier pool exhausted")

// Issuer mints a vendor-backed scannable ticket for a scene identifier.
// Implementations are expected to be network-bound, fallible and rate-limited.
type Issuer interface {
	IssueTicket(ctx context.Context, sceneID string) (url string, issuedAt time.Time, err error)
}

const warmConcurrency = 4

type recordState uint8

const (
	stateAvailable recordState = iota
	stateAllocated
)

// record tracks one minted identifier. state is authoritative: an id is
// handed to at most one session between Allocate and Release regardless of
// how many times Release is called.
type record struct {
	url      string
	issuedAt time.Time
	state    recordState
}

// Option configures a Pool.
type Option func(*Pool)

// WithTTL sets how long a minted identifier stays allocatable.
func WithTTL(ttl time.Duration) Option {
	return func(p *Pool) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithRetryPolicy sets the fallback mint attempt count and the delay between
// attempts.
func WithRetryPolicy(maxRetries int, retryDelay time.Duration) Option {
	return func(p *Pool) {
		if maxRetries > 0 {
			p.maxRetries = maxRetries
		}
		if retryDelay >= 0 {
			p.retryDelay = retryDelay
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// Pool is the process-wide identifier pool. All bookkeeping is serialized by
// one mutex; vendor calls are never made while holding it.
type Pool struct {
	issuer     Issuer
	log        *slog.Logger
	ttl        time.Duration
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time

	mu        sync.Mutex
	records   map[string]*record
	available []string // LIFO: most recently released or minted first
}

// New constructs an empty Pool backed by issuer.
func New(issuer Issuer, opts ...Option) *Pool {
	p := &Pool{
		issuer:     issuer,
		log:        slog.Default(),
		ttl:        30 * 24 * time.Hour,
		maxRetries: 3,
		retryDelay: time.Second,
		now:        time.Now,
		records:    make(map[string]*record),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Warm mints count identifiers and adds them to the pool as available. Each
// mint is attempted independently; failures are logged and skipped so a flaky
// vendor only shrinks the warm set, never aborts startup.
func (p *Pool) Warm(ctx context.Context, count int) {
	g := new(errgroup.Group)
	g.SetLimit(warmConcurrency)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			id := uuid.NewString()
			url, issuedAt, err := p.issuer.IssueTicket(ctx, id)
			if err != nil {
				p.log.WarnContext(ctx, "pool.warm.mint.fail", slog.String("scene_id", id), slog.String("err", err.Error()))
				return nil
			}
			p.mu.Lock()
			p.records[id] = &record{url: url, issuedAt: issuedAt, state: stateAvailable}
			p.available = append(p.available, id)
			p.mu.Unlock()
			p.log.InfoContext(ctx, "pool.warm.mint.ok", slog.String("scene_id", id))
			return nil
		})
	}
	_ = g.Wait()
}

// Allocate hands out an identifier for exclusive use by one session. It pops
// available candidates newest-first, discarding expired records as it goes;
// with the stack drained it falls back to minting a fresh identifier with
// bounded retries. The returned id stays allocated until Release.
func (p *Pool) Allocate(ctx context.Context) (id, url string, err error) {
	p.mu.Lock()
	for len(p.available) > 0 {
		last := len(p.available) - 1
		id := p.available[last]
		p.available = p.available[:last]

		rec, ok := p.records[id]
		if !ok {
			p.log.Warn("pool.allocate.orphan", slog.String("scene_id", id))
			continue
		}
		if p.now().Sub(rec.issuedAt) >= p.ttl {
			delete(p.records, id)
			p.log.Info("pool.allocate.expired", slog.String("scene_id", id))
			continue
		}
		rec.state = stateAllocated
		p.mu.Unlock()
		return id, rec.url, nil
	}
	p.mu.Unlock()

	return p.mintAllocated(ctx)
}

// mintAllocated creates a brand new identifier directly in the allocated
// state. The vendor call happens outside the pool mutex so concurrent
// allocations are not serialized behind network latency; only the final
// bookkeeping takes the lock.
func (p *Pool) mintAllocated(ctx context.Context) (string, string, error) {
	id := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		url, issuedAt, err := p.issuer.IssueTicket(ctx, id)
		if err == nil {
			p.mu.Lock()
			p.records[id] = &record{url: url, issuedAt: issuedAt, state: stateAllocated}
			p.mu.Unlock()
			p.log.InfoContext(ctx, "pool.allocate.mint.ok", slog.String("scene_id", id), slog.Int("attempt", attempt))
			return id, url, nil
		}
		lastErr = err
		p.log.WarnContext(ctx, "pool.allocate.mint.fail",
			slog.String("scene_id", id),
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()))

		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}
	}

	p.log.ErrorContext(ctx, "pool.allocate.exhausted", slog.Int("attempts", p.maxRetries))
	if lastErr != nil {
		return "", "", fmt.Errorf("%w (last issuance error: %v)", ErrExhausted, lastErr)
	}
	return "", "", ErrExhausted
}

// Release returns an identifier to the available stack. Unknown ids are
// logged and ignored; an id that is already available is left untouched, so
// racing release paths cannot put the same id up for allocation twice.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		p.log.Warn("pool.release.unknown", slog.String("scene_id", id))
		return
	}
	if rec.state != stateAllocated {
		return
	}
	rec.state = stateAvailable
	p.available = append(p.available, id)
	p.log.Debug("pool.release.ok", slog.String("scene_id", id))
}

// Lookup returns the scannable URL for an identifier, regardless of its
// allocation or expiry state.
func (p *Pool) Lookup(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		return "", false
	}
	return rec.url, true
}

// Stats reports the available and total identifier counts.
func (p *Pool) Stats() (available, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.records)
}
