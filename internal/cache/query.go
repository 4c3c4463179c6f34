package cache

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/CrunchNZ/lpb-sub001/internal/logging"
)

// Config configures a QueryCache.
type Config struct {
	// Name labels the cache in metrics and logs (e.g. "data", "api").
	Name string

	MaxSize       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration

	// CoarseInvalidation makes InvalidatePattern clear the whole cache
	// regardless of the pattern.
	CoarseInvalidation bool

	// DisableCoalescing lets concurrent misses on the same key each call
	// their producer.
	DisableCoalescing bool
}

// Option customises a QueryCache.
type Option func(*queryOptions)

type queryOptions struct {
	recorder  Recorder
	storeOpts []StoreOption
}

// WithRecorder sends cache events to r.
func WithRecorder(r Recorder) Option {
	return func(o *queryOptions) { o.recorder = r }
}

// WithStoreOptions passes options through to the underlying Store.
func WithStoreOptions(opts ...StoreOption) Option {
	return func(o *queryOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// Producer computes the value for a cache miss.
type Producer[V any] func(ctx context.Context) (V, error)

// QueryCache wraps producer calls with a Store. Keys are derived from a
// method name and its arguments; every key is indexed under its method so
// writes can invalidate just the reads they affect.
type QueryCache struct {
	name     string
	coarse   bool
	coalesce bool
	recorder Recorder

	store *Store[any]
	stats *statsTable
	group singleflight.Group

	// mu orders cache fills against invalidation. A fill holds it while it
	// checks the generation, indexes its key and stores its value.
	mu    sync.Mutex
	gens  map[string]uint64 // per-method invalidation generation
	epoch uint64            // bumped by Clear and coarse invalidation

	idxMu sync.Mutex
	index map[string]map[string]struct{} // method -> live keys
}

// NewQueryCache creates a QueryCache and starts the sweep of its store.
func NewQueryCache(cfg Config, opts ...Option) *QueryCache {
	o := queryOptions{recorder: NoopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	qc := &QueryCache{
		name:     cfg.Name,
		coarse:   cfg.CoarseInvalidation,
		coalesce: !cfg.DisableCoalescing,
		recorder: o.recorder,
		stats:    newStatsTable(),
		gens:     make(map[string]uint64),
		index:    make(map[string]map[string]struct{}),
	}
	storeOpts := append([]StoreOption{WithEvictFunc(qc.onEvict)}, o.storeOpts...)
	qc.store = NewStore[any](StoreConfig{
		MaxSize:       cfg.MaxSize,
		DefaultTTL:    cfg.DefaultTTL,
		SweepInterval: cfg.SweepInterval,
	}, storeOpts...)
	return qc
}

// Name returns the cache label.
func (qc *QueryCache) Name() string { return qc.name }

// Query returns the cached result of method(args) or calls producer on a
// miss. A successful result is stored for ttl (the cache default when
// ttl <= 0). Producer errors are returned unchanged and nothing is cached.
//
// Concurrent misses on the same key share one producer call unless the cache
// was built with DisableCoalescing. Every caller that misses counts a miss.
func Query[V any](ctx context.Context, qc *QueryCache, method string, args []any, ttl time.Duration, producer Producer[V]) (V, error) {
	var zero V

	key, err := Key(method, args)
	if err != nil {
		return zero, err
	}

	if cached, ok := qc.store.Get(key); ok {
		v, ok := cached.(V)
		// a nil result of an interface-typed query is stored as a nil any
		if ok || (cached == nil && any(zero) == nil) {
			qc.stats.hit(method)
			qc.recorder.Hit(qc.name, method)
			return v, nil
		}
		logging.Op().Warn("cache entry has unexpected type, refilling",
			"cache", qc.name, "method", method)
	}

	qc.stats.miss(method)
	qc.recorder.Miss(qc.name, method)

	gen, epoch := qc.generation(method)
	fill := func() (any, error) {
		start := time.Now()
		v, err := producer(ctx)
		qc.recorder.ProducerDone(qc.name, method, time.Since(start), err)
		if err != nil {
			logging.Op().Debug("cache producer failed", "cache", qc.name, "method", method, "error", err)
			return nil, err
		}
		qc.fill(method, key, v, ttl, gen, epoch)
		return v, nil
	}

	var res any
	if qc.coalesce {
		// Callers only share a flight started under the same generation, so
		// a read issued after an invalidation never gets a value produced
		// before it.
		flight := key + "#" + strconv.FormatUint(gen, 10) + "." + strconv.FormatUint(epoch, 10)
		res, err, _ = qc.group.Do(flight, fill)
	} else {
		res, err = fill()
	}
	if err != nil {
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (qc *QueryCache) generation(method string) (uint64, uint64) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	gen, ok := qc.gens[method]
	if !ok {
		// register so glob invalidations see in-flight fills
		qc.gens[method] = 0
	}
	return gen, qc.epoch
}

// fill stores a produced value unless the method was invalidated while the
// producer ran; in that case the value may predate a write and is dropped.
// The key is indexed after it is stored, so onEvict can tell a stale
// notification from a live entry.
func (qc *QueryCache) fill(method, key string, v any, ttl time.Duration, gen, epoch uint64) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if qc.gens[method] != gen || qc.epoch != epoch {
		return
	}
	qc.store.SetWithTTL(key, v, ttl)

	qc.idxMu.Lock()
	keys, ok := qc.index[method]
	if !ok {
		keys = make(map[string]struct{})
		qc.index[method] = keys
	}
	keys[key] = struct{}{}
	qc.idxMu.Unlock()

	qc.recorder.Size(qc.name, qc.store.Len())
}

// onEvict drops key from the method index. Notifications arrive after the
// store lock is released, so the key may already hold a newer entry; that
// entry keeps its index slot.
func (qc *QueryCache) onEvict(key string, reason EvictReason) {
	method := MethodOf(key)
	qc.idxMu.Lock()
	if keys, ok := qc.index[method]; ok && !qc.store.Contains(key) {
		delete(keys, key)
		if len(keys) == 0 {
			delete(qc.index, method)
		}
	}
	qc.idxMu.Unlock()
	qc.recorder.Evict(qc.name, reason)
}

// InvalidatePattern removes the entries of every method whose name matches
// pattern (path.Match syntax; a plain method name matches itself) and returns
// how many entries were removed. With CoarseInvalidation the whole cache is
// cleared. A malformed pattern matches only a method with that exact name.
func (qc *QueryCache) InvalidatePattern(pattern string) int {
	if qc.coarse {
		n := qc.store.Len()
		qc.mu.Lock()
		qc.epoch++
		qc.store.Clear()
		qc.mu.Unlock()
		qc.recorder.Size(qc.name, 0)
		return n
	}

	qc.mu.Lock()
	defer qc.mu.Unlock()

	// No fill of a matching method can index a key while mu is held, so
	// their index sets can go as a whole.
	var keys []string
	qc.idxMu.Lock()
	for method, set := range qc.index {
		if !methodMatches(pattern, method) {
			continue
		}
		for key := range set {
			keys = append(keys, key)
		}
		delete(qc.index, method)
	}
	qc.idxMu.Unlock()

	// gens holds every method that ever started a fill, so this also
	// catches fills still waiting on their producer.
	for method := range qc.gens {
		if methodMatches(pattern, method) {
			qc.gens[method]++
		}
	}

	removed := 0
	for _, key := range keys {
		if qc.store.Delete(key) {
			removed++
		}
	}
	qc.recorder.Size(qc.name, qc.store.Len())
	return removed
}

// InvalidateMethods invalidates each named method and returns the total number
// of entries removed.
func (qc *QueryCache) InvalidateMethods(methods ...string) int {
	removed := 0
	for _, m := range methods {
		removed += qc.InvalidatePattern(m)
	}
	return removed
}

func methodMatches(pattern, method string) bool {
	if pattern == method {
		return true
	}
	ok, err := path.Match(pattern, method)
	return err == nil && ok
}

// Stats returns the store occupancy and per-method counters.
func (qc *QueryCache) Stats() Stats {
	return Stats{
		Cache: StoreStats{
			Size:    qc.store.Len(),
			MaxSize: qc.store.MaxSize(),
		},
		Queries: qc.stats.snapshot(),
	}
}

// Len returns the number of cached entries.
func (qc *QueryCache) Len() int { return qc.store.Len() }

// Clear drops every entry and resets all counters.
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	qc.epoch++
	qc.store.Clear()
	qc.mu.Unlock()
	qc.stats.reset()
	qc.recorder.Size(qc.name, 0)
}

// Close stops the store sweep.
func (qc *QueryCache) Close() error {
	return qc.store.Close()
}
