package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type position struct {
	ID  string
	PnL int
}

func newTestQueryCache(t *testing.T, cfg Config, opts ...Option) *QueryCache {
	t.Helper()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = -1
	}
	qc := NewQueryCache(cfg, opts...)
	t.Cleanup(func() { qc.Close() })
	return qc
}

func TestQuery_HitAfterMiss(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10, DefaultTTL: time.Minute})
	ctx := context.Background()

	var calls atomic.Int64
	producer := func(context.Context) (int, error) {
		calls.Add(1)
		return 42, nil
	}

	for i := 0; i < 2; i++ {
		v, err := Query(ctx, qc, "m", []any{1}, 0, producer)
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if v != 42 {
			t.Fatalf("expected 42, got %d", v)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected producer called once, got %d", calls.Load())
	}

	st := qc.Stats().Queries["m"]
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("expected hits=1 misses=1, got %+v", st)
	}
	if st.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", st.HitRate)
	}
}

func TestQuery_DifferentArgsDifferentEntries(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()

	echo := func(s string) Producer[string] {
		return func(context.Context) (string, error) { return s, nil }
	}
	a, _ := Query(ctx, qc, "get", []any{"a"}, 0, echo("a"))
	b, _ := Query(ctx, qc, "get", []any{"b"}, 0, echo("b"))
	if a != "a" || b != "b" {
		t.Fatalf("expected distinct values, got %q %q", a, b)
	}
	if qc.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", qc.Len())
	}
}

func TestQuery_PositionScenario(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 2, DefaultTTL: 100 * time.Millisecond})
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(context.Context) (*position, error) {
		calls.Add(1)
		return &position{ID: "pos_1", PnL: 50}, nil
	}

	first, err := Query(ctx, qc, "getPosition", []any{"pos_1"}, 0, fetch)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if diff := cmp.Diff(&position{ID: "pos_1", PnL: 50}, first); diff != "" {
		t.Fatalf("value mismatch (-want +got):\n%s", diff)
	}

	second, err := Query(ctx, qc, "getPosition", []any{"pos_1"}, 0, fetch)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second != first {
		t.Fatal("expected the same cached object")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls.Load())
	}
	if st := qc.Stats().Queries["getPosition"]; st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("expected hits=1 misses=1, got %+v", st)
	}

	time.Sleep(150 * time.Millisecond)

	if _, err := Query(ctx, qc, "getPosition", []any{"pos_1"}, 0, fetch); err != nil {
		t.Fatalf("third: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls.Load())
	}
	if st := qc.Stats().Queries["getPosition"]; st.Misses != 2 {
		t.Fatalf("expected misses=2, got %+v", st)
	}
}

func TestQuery_ErrorsAreNotCached(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()
	errBoom := errors.New("db down")

	var calls atomic.Int64
	failing := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errBoom
	}

	if _, err := Query(ctx, qc, "m", []any{1}, 0, failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if qc.Len() != 0 {
		t.Fatalf("expected nothing cached, got %d entries", qc.Len())
	}
	if _, err := Query(ctx, qc, "m", []any{1}, 0, failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected producer error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected producer called twice, got %d", calls.Load())
	}
	if st := qc.Stats().Queries["m"]; st.Misses != 2 || st.Hits != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestQuery_UnserializableArgs(t *testing.T) {
	qc := newTestQueryCache(t, Config{})
	called := false
	_, err := Query(context.Background(), qc, "m", []any{make(chan int)}, 0, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	if !errors.Is(err, ErrUnserializableArgs) {
		t.Fatalf("expected ErrUnserializableArgs, got %v", err)
	}
	if called {
		t.Fatal("producer must not run without a key")
	}
}

func TestQuery_PerCallTTL(t *testing.T) {
	clock := newFakeClock()
	qc := newTestQueryCache(t, Config{DefaultTTL: time.Hour}, WithStoreOptions(WithClock(clock.Now)))
	ctx := context.Background()

	var calls atomic.Int64
	producer := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	Query(ctx, qc, "price", nil, 10*time.Second, producer)
	clock.Advance(11 * time.Second)
	v, _ := Query(ctx, qc, "price", nil, 10*time.Second, producer)
	if v != 2 {
		t.Fatalf("expected refetch after per-call ttl, got %d", v)
	}
}

func TestInvalidatePattern_Selective(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()

	var posCalls, stratCalls atomic.Int64
	getPos := func(context.Context) (string, error) { posCalls.Add(1); return "p", nil }
	getStrat := func(context.Context) (string, error) { stratCalls.Add(1); return "s", nil }

	Query(ctx, qc, "GetPosition", []any{"p1"}, 0, getPos)
	Query(ctx, qc, "GetPosition", []any{"p2"}, 0, getPos)
	Query(ctx, qc, "GetStrategy", []any{"s1"}, 0, getStrat)

	if n := qc.InvalidatePattern("GetPosition"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}

	Query(ctx, qc, "GetPosition", []any{"p1"}, 0, getPos)
	Query(ctx, qc, "GetStrategy", []any{"s1"}, 0, getStrat)

	if posCalls.Load() != 3 {
		t.Fatalf("expected position refetch, got %d calls", posCalls.Load())
	}
	if stratCalls.Load() != 1 {
		t.Fatalf("strategy entry should survive, got %d calls", stratCalls.Load())
	}
}

func TestInvalidatePattern_Glob(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()
	one := func(context.Context) (int, error) { return 1, nil }

	Query(ctx, qc, "ListActivePositions", nil, 0, one)
	Query(ctx, qc, "ListPositionsByStrategy", []any{"s"}, 0, one)
	Query(ctx, qc, "GetStrategy", []any{"s"}, 0, one)

	if n := qc.InvalidatePattern("List*"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if qc.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", qc.Len())
	}
	if n := qc.InvalidatePattern("*"); n != 1 {
		t.Fatalf("expected wildcard to remove the rest, got %d", n)
	}
}

func TestInvalidatePattern_Coarse(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10, CoarseInvalidation: true})
	ctx := context.Background()

	var calls atomic.Int64
	producer := func(context.Context) (int, error) { calls.Add(1); return 1, nil }

	Query(ctx, qc, "a", nil, 0, producer)
	Query(ctx, qc, "b", nil, 0, producer)

	if n := qc.InvalidatePattern("anything"); n != 2 {
		t.Fatalf("coarse invalidation should clear all, removed %d", n)
	}
	Query(ctx, qc, "a", nil, 0, producer)
	if calls.Load() != 3 {
		t.Fatalf("expected producer re-invoked, got %d calls", calls.Load())
	}
}

func TestInvalidatePattern_DropsInFlightFill(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Query(ctx, qc, "GetPosition", []any{"p1"}, 0, func(context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()

	<-started
	qc.InvalidatePattern("GetPosition")
	close(release)
	<-done

	if qc.Len() != 0 {
		t.Fatal("value produced before an invalidation must not be cached")
	}
}

func TestQuery_ReadAfterInvalidationGetsFreshValue(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	oldDone := make(chan string)
	go func() {
		v, _ := Query(ctx, qc, "GetPosition", []any{"p1"}, 0, func(context.Context) (string, error) {
			close(started)
			<-release
			return "old", nil
		})
		oldDone <- v
	}()

	<-started
	qc.InvalidatePattern("GetPosition")

	got, err := Query(ctx, qc, "GetPosition", []any{"p1"}, 0, func(context.Context) (string, error) {
		return "new", nil
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "new" {
		t.Fatalf("read issued after invalidation returned %q, want new", got)
	}

	close(release)
	if v := <-oldDone; v != "old" {
		t.Fatalf("in-flight caller got %q, want old", v)
	}

	cached, _ := Query(ctx, qc, "GetPosition", []any{"p1"}, 0, func(context.Context) (string, error) {
		return "unexpected", nil
	})
	if cached != "new" {
		t.Fatalf("cached value = %q, want new", cached)
	}
}

// refillingRecorder refills one key from inside the first eviction
// notification it sees, landing a fresh entry between the store dropping a
// batch of keys and the cache hearing about the rest of them.
type refillingRecorder struct {
	NoopRecorder
	once   sync.Once
	refill func()
}

func (r *refillingRecorder) Evict(string, EvictReason) { r.once.Do(r.refill) }

func TestInvalidatePattern_FindsEntryRefilledDuringSweep(t *testing.T) {
	clock := newFakeClock()
	rec := &refillingRecorder{}
	qc := newTestQueryCache(t, Config{MaxSize: 10, DefaultTTL: time.Second},
		WithRecorder(rec), WithStoreOptions(WithClock(clock.Now)))
	ctx := context.Background()
	produce := func(v string) Producer[string] {
		return func(context.Context) (string, error) { return v, nil }
	}

	Query(ctx, qc, "GetPosition", []any{"p1"}, 0, produce("one"))
	Query(ctx, qc, "GetPosition", []any{"p2"}, 0, produce("two"))
	rec.refill = func() {
		Query(ctx, qc, "GetPosition", []any{"p2"}, time.Hour, produce("two again"))
	}

	clock.Advance(2 * time.Second)
	if n := qc.store.Sweep(); n != 2 {
		t.Fatalf("expected 2 swept entries, got %d", n)
	}
	if qc.Len() != 1 {
		t.Fatalf("expected the refilled entry to be cached, got %d entries", qc.Len())
	}

	if n := qc.InvalidatePattern("GetPosition"); n != 1 {
		t.Fatalf("expected the refilled entry to be invalidated, removed %d", n)
	}
	if qc.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", qc.Len())
	}
}

func TestQuery_NilInterfaceResultIsCached(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()

	var calls atomic.Int64
	producer := func(context.Context) (error, error) {
		calls.Add(1)
		return nil, nil
	}
	for i := 0; i < 3; i++ {
		v, err := Query(ctx, qc, "LastFailure", nil, 0, producer)
		if err != nil || v != nil {
			t.Fatalf("query %d: v=%v err=%v", i, v, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected producer called once, got %d", calls.Load())
	}
	if st := qc.Stats().Queries["LastFailure"]; st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("expected hits=2 misses=1, got %+v", st)
	}
}

func TestInvalidateMethods(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()
	one := func(context.Context) (int, error) { return 1, nil }

	Query(ctx, qc, "A", nil, 0, one)
	Query(ctx, qc, "B", nil, 0, one)
	Query(ctx, qc, "C", nil, 0, one)

	if n := qc.InvalidateMethods("A", "B", "missing"); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if qc.Len() != 1 {
		t.Fatalf("expected C to remain, got %d entries", qc.Len())
	}
}

func TestIndexFollowsCapacityEviction(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 1})
	ctx := context.Background()
	one := func(context.Context) (int, error) { return 1, nil }

	Query(ctx, qc, "A", nil, 0, one)
	Query(ctx, qc, "B", nil, 0, one) // evicts A

	qc.idxMu.Lock()
	_, hasA := qc.index["A"]
	qc.idxMu.Unlock()
	if hasA {
		t.Fatal("index should drop keys evicted for capacity")
	}
	if n := qc.InvalidatePattern("A"); n != 0 {
		t.Fatalf("expected nothing to invalidate, got %d", n)
	}
}

func TestQuery_CoalescesConcurrentMisses(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	producer := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Query(ctx, qc, "quote", []any{"SOL"}, 0, producer)
			if err != nil {
				t.Errorf("query: %v", err)
			}
			results[i] = v
		}(i)
	}

	// let the callers pile up on the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, v := range results {
		if v != 7 {
			t.Fatalf("caller %d got %d", i, v)
		}
	}
	if calls.Load() >= callers {
		t.Fatalf("expected coalesced producer calls, got %d", calls.Load())
	}
	st := qc.Stats().Queries["quote"]
	if st.Hits+st.Misses != callers {
		t.Fatalf("expected %d lookups, got %+v", callers, st)
	}
}

func TestQuery_NoCoalescing(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10, DisableCoalescing: true})
	ctx := context.Background()

	var calls atomic.Int64
	var inFlight sync.WaitGroup
	inFlight.Add(2)
	release := make(chan struct{})
	producer := func(context.Context) (int, error) {
		calls.Add(1)
		inFlight.Done()
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Query(ctx, qc, "m", nil, 0, producer)
		}()
	}
	inFlight.Wait()
	close(release)
	wg.Wait()

	if calls.Load() != 2 {
		t.Fatalf("expected both misses to call the producer, got %d", calls.Load())
	}
}

func TestQuery_TypeMismatchRefills(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 10})
	ctx := context.Background()

	Query(ctx, qc, "m", nil, 0, func(context.Context) (int, error) { return 1, nil })
	s, err := Query(ctx, qc, "m", nil, 0, func(context.Context) (string, error) { return "one", nil })
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if s != "one" {
		t.Fatalf("expected refill with new type, got %q", s)
	}
}

func TestStatsAndClear(t *testing.T) {
	qc := newTestQueryCache(t, Config{MaxSize: 3})
	ctx := context.Background()
	one := func(context.Context) (int, error) { return 1, nil }

	if got := qc.Stats(); got.Cache.MaxSize != 3 || len(got.Queries) != 0 {
		t.Fatalf("unexpected initial stats %+v", got)
	}

	Query(ctx, qc, "a", nil, 0, one)
	Query(ctx, qc, "a", nil, 0, one)
	Query(ctx, qc, "b", nil, 0, one)

	want := Stats{
		Cache: StoreStats{Size: 2, MaxSize: 3},
		Queries: map[string]MethodStats{
			"a": {Hits: 1, Misses: 1, HitRate: 0.5},
			"b": {Hits: 0, Misses: 1, HitRate: 0},
		},
	}
	if diff := cmp.Diff(want, qc.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, qc.Stats().Methods()); diff != "" {
		t.Fatalf("methods mismatch (-want +got):\n%s", diff)
	}

	qc.Clear()
	got := qc.Stats()
	if got.Cache.Size != 0 || len(got.Queries) != 0 {
		t.Fatalf("expected empty stats after clear, got %+v", got)
	}
}

type countingRecorder struct {
	NoopRecorder
	mu     sync.Mutex
	hits   int
	misses int
	evicts map[EvictReason]int
}

func (r *countingRecorder) Hit(string, string)  { r.mu.Lock(); r.hits++; r.mu.Unlock() }
func (r *countingRecorder) Miss(string, string) { r.mu.Lock(); r.misses++; r.mu.Unlock() }
func (r *countingRecorder) Evict(_ string, reason EvictReason) {
	r.mu.Lock()
	if r.evicts == nil {
		r.evicts = map[EvictReason]int{}
	}
	r.evicts[reason]++
	r.mu.Unlock()
}

func TestQuery_Recorder(t *testing.T) {
	rec := &countingRecorder{}
	qc := newTestQueryCache(t, Config{Name: "data", MaxSize: 1}, WithRecorder(rec))
	ctx := context.Background()
	one := func(context.Context) (int, error) { return 1, nil }

	Query(ctx, qc, "a", nil, 0, one)
	Query(ctx, qc, "a", nil, 0, one)
	Query(ctx, qc, "b", nil, 0, one)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.hits != 1 || rec.misses != 2 {
		t.Fatalf("expected 1 hit 2 misses, got %d/%d", rec.hits, rec.misses)
	}
	if rec.evicts[EvictCapacity] != 1 {
		t.Fatalf("expected one capacity eviction, got %v", rec.evicts)
	}
}
