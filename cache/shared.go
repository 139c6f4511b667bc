// Package cache provides a reference-counted cache that coalesces concurrent
// fetches of the same key and delays eviction of unused entries until a byte
// threshold is crossed.
package cache

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eak1mov/go-tilestream/async"
)

// DefaultThreshold is the candidate byte total above which unused entries are evicted.
const DefaultThreshold = 100 << 20

// Lookup outcomes reported to Metrics.
const (
	LookupHit       = "hit"
	LookupCoalesced = "coalesced"
	LookupMiss      = "miss"
)

// Metrics receives cache events. Implementations must be safe for concurrent use.
type Metrics interface {
	ObserveLookup(cache, status string)
	RecordEviction(cache string, sizeBytes int64)
	RecordCandidateBytes(cache string, bytes int64)
	RecordEntries(cache string, entries int)
}

// FetchFunc produces the value for a key and its size in bytes. It runs on a worker.
type FetchFunc[V any] func() (V, int64, error)

type entry[K comparable, V any] struct {
	key       K
	value     V
	sizeBytes int64
	refs      int
	candidate *list.Element
}

type pendingFetch struct {
	promise async.Promise[struct{}]
	refs    int
}

// Shared maps keys to reference-counted values.
//
// An entry is resolved once its fetch succeeded. A resolved entry with no
// references sits in a FIFO list of deletion candidates; while the total size
// of the candidates exceeds the threshold the oldest candidate is evicted.
// Reacquiring a candidate removes it from the list.
type Shared[K comparable, V any] struct {
	executor  *async.Executor
	name      string
	threshold int64
	onEvict   func(K, V)
	logger    *slog.Logger
	metrics   Metrics

	mu             sync.Mutex
	pending        map[K]*pendingFetch
	resolved       map[K]*entry[K, V]
	candidates     *list.List // of *entry[K, V], oldest first
	candidateBytes int64
}

type options struct {
	name      string
	threshold int64
	logger    *slog.Logger
	metrics   Metrics
}

type Option func(*options)

// WithThreshold sets the candidate byte total that triggers eviction.
func WithThreshold(bytes int64) Option {
	return func(o *options) { o.threshold = bytes }
}

// WithName labels log records and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a cache whose fetches run on e. onEvict, if not nil, is called
// outside the cache lock for every evicted value.
func New[K comparable, V any](e *async.Executor, onEvict func(K, V), opts ...Option) *Shared[K, V] {
	o := options{
		name:      "shared",
		threshold: DefaultThreshold,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Shared[K, V]{
		executor:   e,
		name:       o.name,
		threshold:  o.threshold,
		onEvict:    onEvict,
		logger:     o.logger,
		metrics:    o.metrics,
		pending:    make(map[K]*pendingFetch),
		resolved:   make(map[K]*entry[K, V]),
		candidates: list.New(),
	}
}

// Handle is one reference to a resolved entry.
type Handle[K comparable, V any] struct {
	cache    *Shared[K, V]
	entry    *entry[K, V]
	released bool
}

func (h *Handle[K, V]) Key() K           { return h.entry.key }
func (h *Handle[K, V]) Value() V         { return h.entry.value }
func (h *Handle[K, V]) SizeBytes() int64 { return h.entry.sizeBytes }

// Release drops the reference. Releasing a handle twice panics.
func (h *Handle[K, V]) Release() {
	if h.released {
		panic(fmt.Sprintf("cache: handle for %v released twice", h.entry.key))
	}
	h.released = true
	h.cache.release(h.entry)
}

// GetOrFetch returns a handle for key. A resolved entry is returned at once, a
// pending one is shared, otherwise fetch is started on a worker. Every waiter
// of a failed fetch receives the same error and nothing is cached.
func (c *Shared[K, V]) GetOrFetch(key K, fetch FetchFunc[V]) async.Future[*Handle[K, V]] {
	c.mu.Lock()
	if e, ok := c.resolved[key]; ok {
		c.acquireLocked(e)
		c.mu.Unlock()
		c.observe(LookupHit)
		return async.Resolved(c.executor, &Handle[K, V]{cache: c, entry: e})
	}
	if p, ok := c.pending[key]; ok {
		p.refs++
		c.mu.Unlock()
		c.observe(LookupCoalesced)
		return c.await(key, p)
	}
	p := &pendingFetch{promise: async.NewPromise[struct{}](c.executor), refs: 1}
	c.pending[key] = p
	c.mu.Unlock()
	c.observe(LookupMiss)

	done := async.RunInWorkerThread(c.executor, func() (struct{}, error) {
		value, size, err := fetch()
		c.complete(key, p, value, size, err)
		return struct{}{}, nil
	})
	// A panicking fetch never reaches complete.
	async.ThenImmediately(async.Settle(done), func(r async.Result[struct{}]) (struct{}, error) {
		if r.Err != nil {
			var zero V
			c.complete(key, p, zero, 0, r.Err)
		}
		return struct{}{}, nil
	})
	return c.await(key, p)
}

func (c *Shared[K, V]) await(key K, p *pendingFetch) async.Future[*Handle[K, V]] {
	return async.ThenImmediately(p.promise.Future(), func(struct{}) (*Handle[K, V], error) {
		c.mu.Lock()
		e := c.resolved[key]
		c.mu.Unlock()
		return &Handle[K, V]{cache: c, entry: e}, nil
	})
}

// complete moves the entry from pending to resolved before waking waiters, so
// that every waiter finds it and owns one of the references taken while pending.
func (c *Shared[K, V]) complete(key K, p *pendingFetch, value V, size int64, err error) {
	c.mu.Lock()
	if c.pending[key] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	if err == nil {
		c.resolved[key] = &entry[K, V]{key: key, value: value, sizeBytes: size, refs: p.refs}
	}
	entries := len(c.resolved)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordEntries(c.name, entries)
	}
	if err != nil {
		c.logger.Debug("cache: fetch failed", "cache", c.name, "key", key, "error", err)
		p.promise.Reject(err)
		return
	}
	p.promise.Resolve(struct{}{})
}

func (c *Shared[K, V]) acquireLocked(e *entry[K, V]) {
	e.refs++
	if e.candidate != nil {
		c.candidates.Remove(e.candidate)
		e.candidate = nil
		c.candidateBytes -= e.sizeBytes
	}
}

// Reacquire returns a new handle if key is resolved, rescuing it from the
// deletion candidates. It never starts a fetch.
func (c *Shared[K, V]) Reacquire(key K) (*Handle[K, V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.resolved[key]
	if !ok {
		return nil, false
	}
	c.acquireLocked(e)
	return &Handle[K, V]{cache: c, entry: e}, true
}

func (c *Shared[K, V]) release(e *entry[K, V]) {
	c.mu.Lock()
	if e.refs <= 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("cache: release of unreferenced entry %v", e.key))
	}
	e.refs--
	if e.refs == 0 {
		e.candidate = c.candidates.PushBack(e)
		c.candidateBytes += e.sizeBytes
	}
	evicted := c.evictLocked()
	candidateBytes := c.candidateBytes
	entries := len(c.resolved)
	c.mu.Unlock()

	c.finishEviction(evicted, candidateBytes, entries)
}

func (c *Shared[K, V]) evictLocked() []*entry[K, V] {
	var evicted []*entry[K, V]
	for c.candidateBytes > c.threshold {
		front := c.candidates.Front()
		if front == nil {
			break
		}
		e := front.Value.(*entry[K, V])
		if e.refs != 0 {
			panic(fmt.Sprintf("cache: evicting entry %v with %d references", e.key, e.refs))
		}
		c.candidates.Remove(front)
		e.candidate = nil
		c.candidateBytes -= e.sizeBytes
		delete(c.resolved, e.key)
		evicted = append(evicted, e)
	}
	return evicted
}

func (c *Shared[K, V]) finishEviction(evicted []*entry[K, V], candidateBytes int64, entries int) {
	for _, e := range evicted {
		c.logger.Debug("cache: evicted", "cache", c.name, "key", e.key, "bytes", e.sizeBytes)
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
		if c.metrics != nil {
			c.metrics.RecordEviction(c.name, e.sizeBytes)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordCandidateBytes(c.name, candidateBytes)
		c.metrics.RecordEntries(c.name, entries)
	}
}

// SetThreshold changes the eviction threshold and evicts down to it.
func (c *Shared[K, V]) SetThreshold(bytes int64) {
	c.mu.Lock()
	c.threshold = bytes
	evicted := c.evictLocked()
	candidateBytes := c.candidateBytes
	entries := len(c.resolved)
	c.mu.Unlock()

	c.finishEviction(evicted, candidateBytes, entries)
}

// Stats is a snapshot of the cache bookkeeping.
type Stats struct {
	Resolved       int
	Pending        int
	Candidates     int
	CandidateBytes int64
}

func (c *Shared[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resolved:       len(c.resolved),
		Pending:        len(c.pending),
		Candidates:     c.candidates.Len(),
		CandidateBytes: c.candidateBytes,
	}
}

func (c *Shared[K, V]) observe(status string) {
	if c.metrics != nil {
		c.metrics.ObserveLookup(c.name, status)
	}
}
