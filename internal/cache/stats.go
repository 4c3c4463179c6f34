package cache

import (
	"sort"
	"sync"
	"time"
)

// MethodStats are the hit/miss counters of one cached method.
type MethodStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// StoreStats describes the occupancy of the underlying Store.
type StoreStats struct {
	Size    int `json:"size"`
	MaxSize int `json:"max_size"`
}

// Stats is the diagnostics snapshot returned by QueryCache.Stats.
type Stats struct {
	Cache   StoreStats             `json:"cache_stats"`
	Queries map[string]MethodStats `json:"query_stats"`
}

// Methods returns the method names in Queries, sorted.
func (s Stats) Methods() []string {
	names := make([]string, 0, len(s.Queries))
	for name := range s.Queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

type counters struct {
	hits   uint64
	misses uint64
}

// statsTable holds per-method counters for the lifetime of a QueryCache.
type statsTable struct {
	mu      sync.Mutex
	methods map[string]*counters
}

func newStatsTable() *statsTable {
	return &statsTable{methods: make(map[string]*counters)}
}

func (t *statsTable) get(method string) *counters {
	c, ok := t.methods[method]
	if !ok {
		c = &counters{}
		t.methods[method] = c
	}
	return c
}

func (t *statsTable) hit(method string) {
	t.mu.Lock()
	t.get(method).hits++
	t.mu.Unlock()
}

func (t *statsTable) miss(method string) {
	t.mu.Lock()
	t.get(method).misses++
	t.mu.Unlock()
}

func (t *statsTable) snapshot() map[string]MethodStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]MethodStats, len(t.methods))
	for name, c := range t.methods {
		out[name] = MethodStats{Hits: c.hits, Misses: c.misses, HitRate: hitRate(c.hits, c.misses)}
	}
	return out
}

func (t *statsTable) reset() {
	t.mu.Lock()
	t.methods = make(map[string]*counters)
	t.mu.Unlock()
}

// Recorder receives cache events, typically to export them as metrics.
type Recorder interface {
	Hit(cache, method string)
	Miss(cache, method string)
	Evict(cache string, reason EvictReason)
	Size(cache string, n int)
	ProducerDone(cache, method string, d time.Duration, err error)
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) Hit(string, string)                                {}
func (NoopRecorder) Miss(string, string)                               {}
func (NoopRecorder) Evict(string, EvictReason)                         {}
func (NoopRecorder) Size(string, int)                                  {}
func (NoopRecorder) ProducerDone(string, string, time.Duration, error) {}
