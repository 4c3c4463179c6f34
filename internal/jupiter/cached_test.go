package jupiter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/circuitbreaker"
	"github.com/CrunchNZ/lpb-sub001/internal/logging"
	"github.com/CrunchNZ/lpb-sub001/internal/ratelimit"
)

func newCachedClient(t *testing.T, budgets map[string]ratelimit.Budget, opts ...CachedOption) (*fakeJupiter, *CachedClient) {
	t.Helper()
	fake, client := newFake(t)
	qc := cache.NewQueryCache(cache.Config{Name: "api", MaxSize: 50, DefaultTTL: time.Minute, SweepInterval: -1})
	t.Cleanup(func() { qc.Close() })
	limiter := ratelimit.New(ratelimit.Config{
		Default:   ratelimit.Budget{MaxRequests: 100, Window: time.Minute},
		Endpoints: budgets,
	}, nil)
	return fake, NewCachedClient(client, limiter, qc, opts...)
}

func TestCachedClient_PriceIsCached(t *testing.T) {
	fake, c := newCachedClient(t, nil)
	ctx := context.Background()

	if _, err := c.Price(ctx, []string{usdcMint, solMint}); err != nil {
		t.Fatal(err)
	}
	// same set in a different order hits the cache
	if _, err := c.Price(ctx, []string{solMint, usdcMint, solMint}); err != nil {
		t.Fatal(err)
	}
	if got := fake.priceCalls.Load(); got != 1 {
		t.Fatalf("upstream price calls = %d, want 1", got)
	}
	st := c.Cache().Stats().Queries[EndpointPrice]
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCachedClient_QuoteCachedPerRequest(t *testing.T) {
	fake, c := newCachedClient(t, nil)
	ctx := context.Background()
	req := QuoteRequest{InputMint: solMint, OutputMint: usdcMint, Amount: 1_000, SlippageBps: 50}

	c.Quote(ctx, req)
	c.Quote(ctx, req)
	req.Amount = 2_000
	c.Quote(ctx, req)

	if got := fake.quoteCalls.Load(); got != 2 {
		t.Fatalf("upstream quote calls = %d, want 2", got)
	}
}

func TestCachedClient_RateLimitedNeverReachesServer(t *testing.T) {
	fake, c := newCachedClient(t, map[string]ratelimit.Budget{
		EndpointQuote: {MaxRequests: 2, Window: time.Minute},
	})
	ctx := context.Background()
	req := QuoteRequest{InputMint: solMint, OutputMint: usdcMint, Amount: 1_000, SlippageBps: 50}

	for i := 0; i < 2; i++ {
		if _, err := c.Quote(ctx, req); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	req.Amount = 5_000 // uncached key
	_, err := c.Quote(ctx, req)
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	var rl *ratelimit.RateLimitedError
	if !errors.As(err, &rl) || rl.Endpoint != EndpointQuote || rl.RetryAfter <= 0 {
		t.Fatalf("unexpected rate limit error %+v", rl)
	}
	if got := fake.quoteCalls.Load(); got != 1 {
		t.Fatalf("upstream quote calls = %d, want 1", got)
	}

	// other endpoints keep their own budget
	if _, err := c.Price(ctx, []string{solMint}); err != nil {
		t.Fatalf("price should not be limited: %v", err)
	}
}

func TestCachedClient_SwapNeverCached(t *testing.T) {
	fake, c := newCachedClient(t, map[string]ratelimit.Budget{
		EndpointSwap: {MaxRequests: 2, Window: time.Minute},
	})
	ctx := context.Background()

	q, err := c.Quote(ctx, QuoteRequest{InputMint: solMint, OutputMint: usdcMint, Amount: 1_000, SlippageBps: 50})
	if err != nil {
		t.Fatal(err)
	}
	req := SwapRequest{Quote: q, UserPublicKey: "user"}
	for i := 0; i < 2; i++ {
		if _, err := c.SwapTransaction(ctx, req); err != nil {
			t.Fatalf("swap %d: %v", i, err)
		}
	}
	if got := fake.swapCalls.Load(); got != 2 {
		t.Fatalf("upstream swap calls = %d, want 2", got)
	}
	if _, err := c.SwapTransaction(ctx, req); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("third swap err = %v, want rate limited", err)
	}
	if _, ok := c.Cache().Stats().Queries[EndpointSwap]; ok {
		t.Fatal("swap must not appear in cache stats")
	}
}

func TestCachedClient_ErrorsNotCached(t *testing.T) {
	fake, c := newCachedClient(t, nil)
	fake.status.Store(http.StatusBadGateway)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Price(ctx, []string{solMint})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	if c.Cache().Len() != 0 {
		t.Fatal("failed calls must not be cached")
	}

	fake.status.Store(0)
	if _, err := c.Price(ctx, []string{solMint}); err != nil {
		t.Fatalf("recovered call: %v", err)
	}
	if got := fake.priceCalls.Load(); got != 1 {
		t.Fatalf("successful upstream price calls = %d, want 1", got)
	}
}

func TestCachedClient_CallLog(t *testing.T) {
	var buf bytes.Buffer
	_, c := newCachedClient(t, map[string]ratelimit.Budget{
		EndpointPrice: {MaxRequests: 1, Window: time.Minute},
	}, WithCallLogger(logging.NewLogger(&buf)))
	ctx := context.Background()

	c.Price(ctx, []string{solMint})
	c.Price(ctx, []string{solMint})

	out := buf.String()
	if !strings.Contains(out, "[jupiter] ok      read price") || !strings.Contains(out, "[jupiter] limited read price") {
		t.Fatalf("unexpected call log:\n%s", out)
	}
}

func TestCachedClient_BreakerStopsUpstreamCalls(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorPct:       50,
		MinRequests:    2,
		WindowDuration: time.Minute,
		OpenDuration:   time.Hour,
	})
	fake, c := newCachedClient(t, nil, WithBreakers(breakers))
	fake.status.Store(http.StatusServiceUnavailable)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Price(ctx, []string{solMint}); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}
	_, err := c.Price(ctx, []string{solMint})
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if got := fake.requests.Load(); got != 2 {
		t.Fatalf("upstream requests = %d, want 2", got)
	}

	// Other endpoints have their own breaker.
	fake.status.Store(0)
	req := QuoteRequest{InputMint: solMint, OutputMint: usdcMint, Amount: 1_000_000_000, SlippageBps: 50}
	if _, err := c.Quote(ctx, req); err != nil {
		t.Fatalf("quote should pass its own breaker: %v", err)
	}
	if got := c.Breakers().Snapshot()[EndpointPrice]; got != "open" {
		t.Fatalf("price breaker = %q, want open", got)
	}
}

func TestCachedClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorPct:       50,
		MinRequests:    1,
		WindowDuration: time.Minute,
		OpenDuration:   time.Hour,
	})
	fake, c := newCachedClient(t, nil, WithBreakers(breakers))
	fake.status.Store(http.StatusBadRequest)

	for i := 0; i < 3; i++ {
		_, err := c.Price(context.Background(), []string{solMint})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			t.Fatalf("call %d: 4xx responses must not open the breaker", i)
		}
	}
}

func TestCachedClient_CanceledCallLeavesBreakerHalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		ErrorPct:       50,
		MinRequests:    1,
		WindowDuration: time.Minute,
		OpenDuration:   time.Minute,
		HalfOpenProbes: 1,
	}, circuitbreaker.WithClock(clock))
	fake, c := newCachedClient(t, nil, WithBreakers(breakers))

	fake.status.Store(http.StatusServiceUnavailable)
	if _, err := c.Price(context.Background(), []string{solMint}); err == nil {
		t.Fatal("expected upstream failure")
	}
	if got := breakers.Snapshot()[EndpointPrice]; got != "open" {
		t.Fatalf("price breaker = %q, want open", got)
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	fake.status.Store(0)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Price(canceled, []string{solMint}); err == nil {
		t.Fatal("expected canceled call to fail")
	}
	if got := breakers.Snapshot()[EndpointPrice]; got != "half_open" {
		t.Fatalf("canceled call settled the breaker: %q", got)
	}

	if _, err := c.Price(context.Background(), []string{solMint}); err != nil {
		t.Fatalf("live call should be admitted: %v", err)
	}
	if got := breakers.Snapshot()[EndpointPrice]; got != "closed" {
		t.Fatalf("price breaker = %q, want closed", got)
	}
}
