// Package admission bounds how many pipeline executions run at once.
//
// A [Gate] hands out [Permit]s up to a fixed ceiling. Callers beyond the
// ceiling wait until a permit is released or their context ends. Release is
// idempotent, so a permit can be released from a defer and from an early
// error path without double-counting.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the number of concurrent executions admitted when no limit
// is configured.
const DefaultLimit = 50

// Gate is a counting semaphore over pipeline executions.
// All methods are safe for concurrent use.
type Gate struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	waiting  atomic.Int64

	onChange func(inFlight, waiting int64)
}

// Option configures a [Gate].
type Option func(*Gate)

// WithObserver registers fn to be called with the signed change in in-flight
// and waiting counts each time either moves. It is used to feed gauges.
func WithObserver(fn func(inFlightDelta, waitingDelta int64)) Option {
	return func(g *Gate) {
		g.onChange = fn
	}
}

// New creates a gate admitting at most limit concurrent holders.
func New(limit int, opts ...Option) (*Gate, error) {
	if limit < 1 {
		return nil, fmt.Errorf("admission: limit must be at least 1, got %d", limit)
	}
	g := &Gate{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Acquire blocks until a permit is free or ctx ends. On ctx end it returns
// ctx.Err() and the gate is left unchanged.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	g.waiting.Add(1)
	g.notify(0, 1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		g.notify(0, -1)
		return nil, err
	}
	g.inFlight.Add(1)
	g.notify(1, -1)
	return &Permit{gate: g}, nil
}

// TryAcquire returns a permit if one is free right now.
func (g *Gate) TryAcquire() (*Permit, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.inFlight.Add(1)
	g.notify(1, 0)
	return &Permit{gate: g}, true
}

// Limit returns the configured ceiling.
func (g *Gate) Limit() int { return int(g.limit) }

// InFlight returns the number of permits currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Waiting returns the number of callers blocked in [Gate.Acquire].
func (g *Gate) Waiting() int { return int(g.waiting.Load()) }

func (g *Gate) notify(inFlight, waiting int64) {
	if g.onChange != nil {
		g.onChange(inFlight, waiting)
	}
}

// Permit is one unit of admission. Release must be called exactly once per
// successful acquire; further calls are no-ops.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the permit to its gate.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.inFlight.Add(-1)
		p.gate.notify(-1, 0)
		p.gate.sem.Release(1)
	})
}
