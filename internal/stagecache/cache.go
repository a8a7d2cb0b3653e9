// Package stagecache provides the bounded, single-flight result cache that sits
// in front of each pipeline stage.
//
// A [Cache] maps a content-derived key to the successful output of a stage
// call. Entries are evicted in least-recently-used order once the entry limit
// or the optional byte budget is exceeded. Concurrent requests for a key that
// is already being computed join the running computation instead of starting
// a second one.
//
// Failures are never stored: a failed computation is reported to every caller
// that was waiting for it and the next request for the same key starts fresh.
//
// Each caller may give up independently when its own context ends. The shared
// computation keeps running for the remaining waiters and is cancelled only
// when the last waiter has left.
package stagecache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Outcome reports how a [Cache.GetOrCompute] call was served.
type Outcome string

const (
	// Miss means this call started the computation.
	Miss Outcome = "miss"

	// Hit means the value was served from a stored entry.
	Hit Outcome = "hit"

	// Shared means this call joined a computation started by another caller.
	Shared Outcome = "shared"
)

// Config configures a [Cache].
type Config[V any] struct {
	// Name identifies the cache in logs.
	Name string

	// MaxEntries bounds the number of stored entries. Zero means unbounded.
	MaxEntries int

	// MaxBytes bounds the summed SizeOf of stored entries. Zero means
	// unbounded. A single value larger than MaxBytes is never stored.
	MaxBytes int64

	// SizeOf reports the weight of a value for MaxBytes accounting. Required
	// when MaxBytes is set.
	SizeOf func(V) int64

	// OnEvict, if set, is called once per evicted entry after the cache lock
	// has been released.
	OnEvict func()
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Shared    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

type entry[K comparable, V any] struct {
	key   K
	value V
	size  int64
}

// call is one in-flight computation shared by every waiter on its key.
type call[V any] struct {
	done    chan struct{}
	val     V
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Cache is a generic LRU cache with single-flight computation.
// All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	cfg Config[V]

	mu       sync.Mutex
	ll       *list.List // front = most recently used; elements hold *entry[K, V]
	items    map[K]*list.Element
	inflight map[K]*call[V]
	bytes    int64
	stats    Stats
}

// New creates an empty cache.
func New[K comparable, V any](cfg Config[V]) (*Cache[K, V], error) {
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("stagecache: max entries must not be negative, got %d", cfg.MaxEntries)
	}
	if cfg.MaxBytes < 0 {
		return nil, fmt.Errorf("stagecache: max bytes must not be negative, got %d", cfg.MaxBytes)
	}
	if cfg.MaxBytes > 0 && cfg.SizeOf == nil {
		return nil, fmt.Errorf("stagecache: %q sets max bytes without a size function", cfg.Name)
	}
	return &Cache[K, V]{
		cfg:      cfg,
		ll:       list.New(),
		items:    make(map[K]*list.Element),
		inflight: make(map[K]*call[V]),
	}, nil
}

// GetOrCompute returns the stored value for key or obtains it from fn.
//
// When no entry exists and no computation for key is running, fn is started
// in its own goroutine with a context that is detached from ctx and cancelled
// only after every waiter has gone. A successful result is stored before any
// waiter is released, so requests arriving afterwards are hits.
//
// If ctx ends before the value is ready, GetOrCompute returns ctx.Err()
// without affecting other waiters.
func (c *Cache[K, V]) GetOrCompute(ctx context.Context, key K, fn func(context.Context) (V, error)) (V, Outcome, error) {
	var zero V

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		c.stats.Hits++
		v := el.Value.(*entry[K, V]).value
		c.mu.Unlock()
		return v, Hit, nil
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return zero, Miss, err
	}

	outcome := Shared
	cl, running := c.inflight[key]
	if running {
		c.stats.Shared++
	} else {
		outcome = Miss
		c.stats.Misses++
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cl = &call[V]{done: make(chan struct{}), cancel: cancel}
		c.inflight[key] = cl
		go c.run(runCtx, key, cl, fn)
	}
	cl.waiters++
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.val, outcome, cl.err
	case <-ctx.Done():
		c.leave(key, cl)
		return zero, outcome, ctx.Err()
	}
}

// leave drops one waiter from cl and cancels the computation when none remain.
func (c *Cache[K, V]) leave(key K, cl *call[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl.waiters--
	if cl.waiters > 0 {
		return
	}
	select {
	case <-cl.done:
		return
	default:
	}
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	cl.cancel()
	slog.Debug("stagecache: computation abandoned", "cache", c.cfg.Name)
}

func (c *Cache[K, V]) run(ctx context.Context, key K, cl *call[V], fn func(context.Context) (V, error)) {
	defer cl.cancel()

	val, err := safeCall(ctx, fn)

	c.mu.Lock()
	cl.val, cl.err = val, err
	evicted := 0
	// An abandoned call has already been removed from inflight and a newer
	// call may own the key by now.
	if c.inflight[key] == cl {
		delete(c.inflight, key)
		if err == nil {
			evicted = c.store(key, val)
		}
	}
	close(cl.done)
	c.mu.Unlock()

	if c.cfg.OnEvict != nil {
		for range evicted {
			c.cfg.OnEvict()
		}
	}
}

func safeCall[V any](ctx context.Context, fn func(context.Context) (V, error)) (val V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stagecache: computation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// store inserts key at the front and evicts from the back until both limits
// hold. It returns the number of evicted entries. Caller must hold c.mu.
func (c *Cache[K, V]) store(key K, val V) int {
	var size int64
	if c.cfg.SizeOf != nil {
		size = c.cfg.SizeOf(val)
	}
	if c.cfg.MaxBytes > 0 && size > c.cfg.MaxBytes {
		slog.Debug("stagecache: value exceeds byte budget, not stored",
			"cache", c.cfg.Name,
			"size", size,
			"max_bytes", c.cfg.MaxBytes,
		)
		return 0
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		c.bytes += size - e.size
		e.value, e.size = val, size
		c.ll.MoveToFront(el)
	} else {
		c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: val, size: size})
		c.bytes += size
	}

	evicted := 0
	for c.overLimit() {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
		evicted++
	}
	if evicted > 0 {
		c.stats.Evictions += int64(evicted)
		slog.Debug("stagecache: evicted entries",
			"cache", c.cfg.Name,
			"evicted", evicted,
			"entries", c.ll.Len(),
			"bytes", c.bytes,
		)
	}
	return evicted
}

func (c *Cache[K, V]) overLimit() bool {
	if c.cfg.MaxEntries > 0 && c.ll.Len() > c.cfg.MaxEntries {
		return true
	}
	return c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := c.ll.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
	c.bytes -= e.size
}

// Get returns the stored value for key and marks it as recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Contains reports whether key is stored without touching its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Remove deletes the entry for key, if any.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeElement(el)
	}
	return ok
}

// Purge removes every stored entry. Running computations are unaffected.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	clear(c.items)
	c.bytes = 0
}

// Len returns the number of stored entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the summed size of stored entries.
func (c *Cache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// InFlight returns the number of computations currently running.
func (c *Cache[K, V]) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.ll.Len()
	s.Bytes = c.bytes
	return s
}

// Name returns the configured cache name.
func (c *Cache[K, V]) Name() string { return c.cfg.Name }
