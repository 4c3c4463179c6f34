package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Defaults applied by NewStore when a StoreConfig field is zero.
const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// StoreConfig sizes a Store.
type StoreConfig struct {
	MaxSize       int           // maximum number of entries (default 1000)
	DefaultTTL    time.Duration // TTL used when Set is given none (default 5m)
	SweepInterval time.Duration // expiry sweep period (default 1m, negative disables)
}

// StoreOption customises a Store beyond its sizing.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now     func() time.Time
	onEvict EvictFunc
}

// WithClock replaces time.Now. Tests use it to step time deterministically.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) { o.now = now }
}

// WithEvictFunc registers a hook called for every entry that leaves the store.
func WithEvictFunc(fn EvictFunc) StoreOption {
	return func(o *storeOptions) { o.onEvict = fn }
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

type eviction struct {
	key    string
	reason EvictReason
}

// Store is a capacity-bounded key/value store with per-entry TTL and LRU
// eviction. Get moves a live entry to the most recently used position without
// extending its TTL. Safe for concurrent use.
type Store[V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *entry[V]]

	// reason labels what lru reports through evicted; pending collects those
	// reports until the lock is released. Both are guarded by mu.
	reason  EvictReason
	pending []eviction

	maxSize       int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	onEvict       EvictFunc

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates a Store and starts its expiry sweep. Call Close to stop it.
func NewStore[V any](cfg StoreConfig, opts ...StoreOption) *Store[V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store[V]{
		maxSize:       cfg.MaxSize,
		defaultTTL:    cfg.DefaultTTL,
		sweepInterval: cfg.SweepInterval,
		now:           o.now,
		onEvict:       o.onEvict,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	// NewLRU only fails for a non-positive size.
	s.lru, _ = simplelru.NewLRU[string, *entry[V]](cfg.MaxSize, s.evicted)
	if cfg.SweepInterval > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s
}

// Get returns the value for key. Expired entries are removed and reported as
// absent. A hit moves the entry to the most recently used position.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	s.mu.Lock()
	e, ok := s.lru.Peek(key)
	if !ok {
		s.mu.Unlock()
		return zero, false
	}
	if e.expired(s.now()) {
		s.reason = EvictExpired
		s.lru.Remove(key)
		evicted := s.takePending()
		s.mu.Unlock()
		s.notify(evicted)
		return zero, false
	}
	s.lru.Get(key)
	v := e.value
	s.mu.Unlock()
	return v, true
}

// Contains reports whether key is stored, without touching its recency or
// checking its TTL.
func (s *Store[V]) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Contains(key)
}

// Set stores value under key with the default TTL.
func (s *Store[V]) Set(key string, value V) {
	s.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A ttl <= 0 selects the default TTL. When
// the store is full and key is new, the least recently used entry is evicted.
// Overwriting restarts the TTL and marks the key most recently used.
func (s *Store[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	s.reason = EvictCapacity
	s.lru.Add(key, &entry[V]{value: value, storedAt: s.now(), ttl: ttl})
	evicted := s.takePending()
	s.mu.Unlock()

	s.notify(evicted)
}

// Delete removes key and reports whether it was present.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	s.reason = EvictDeleted
	ok := s.lru.Remove(key)
	evicted := s.takePending()
	s.mu.Unlock()

	s.notify(evicted)
	return ok
}

// Clear removes every entry.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	s.reason = EvictCleared
	s.lru.Purge()
	evicted := s.takePending()
	s.mu.Unlock()

	s.notify(evicted)
}

// Len returns the number of stored entries, expired ones included until they
// are swept or read.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// MaxSize returns the configured capacity.
func (s *Store[V]) MaxSize() int {
	return s.maxSize
}

// Keys returns the stored keys ordered from least to most recently used.
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}

// Sweep removes all expired entries and returns how many were dropped. The
// background loop calls it every SweepInterval.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	now := s.now()
	s.reason = EvictExpired
	for _, key := range s.lru.Keys() {
		if e, ok := s.lru.Peek(key); ok && e.expired(now) {
			s.lru.Remove(key)
		}
	}
	evicted := s.takePending()
	s.mu.Unlock()

	s.notify(evicted)
	return len(evicted)
}

// Close stops the sweep goroutine and waits for it to exit. Entries stay
// readable. Close is idempotent.
func (s *Store[V]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.done
	return nil
}

func (s *Store[V]) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// evicted is the lru eviction callback. It runs with s.mu held.
func (s *Store[V]) evicted(key string, _ *entry[V]) {
	s.pending = append(s.pending, eviction{key: key, reason: s.reason})
}

// takePending hands over the evictions collected so far. Caller must hold s.mu.
func (s *Store[V]) takePending() []eviction {
	evicted := s.pending
	s.pending = nil
	return evicted
}

func (s *Store[V]) notify(evicted []eviction) {
	if s.onEvict == nil {
		return
	}
	for _, ev := range evicted {
		s.onEvict(ev.key, ev.reason)
	}
}
