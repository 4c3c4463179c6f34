// Package circuitbreaker stops calls to an upstream endpoint that keeps
// failing, so a degraded API is not hammered while the rate limiter still
// has budget.
//
// # State machine
//
//	Closed ──(error rate ≥ ErrorPct over MinRequests)──► Open ──(OpenDuration)──► HalfOpen
//	  ▲                                                                               │
//	  └──────────────────────(HalfOpenProbes succeed)─────────────────────────────────┘
//	                         (any probe fails) ─────────────────────────────────► Open
//
// The error rate is computed over a sliding window of WindowDuration. Every
// method is safe for concurrent use, and a nil *Breaker allows everything.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen matches every rejection from an open breaker.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned by Allow while the breaker rejects calls.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrOpen) hold.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a few probe calls are allowed
)

// States lists every state, in order.
var States = []State{StateClosed, StateOpen, StateHalfOpen}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       // error percentage that trips the breaker (0-100)
	MinRequests    int           // calls in the window before the rate is judged
	WindowDuration time.Duration // sliding window for the error rate
	OpenDuration   time.Duration // time spent open before probing
	HalfOpenProbes int           // probe calls allowed while half-open
}

// Enabled reports whether cfg describes a working breaker.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateHook calls fn after every state change, outside the lock.
func WithStateHook(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one upstream endpoint.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange func(name string, from, to State)

	mu        sync.Mutex
	state     State
	successes []time.Time // within the window
	failures  []time.Time // within the window
	openedAt  time.Time
	probes    int // probes dispatched since entering half-open
	probeOK   int // probes that succeeded
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the guarded endpoint.
func (b *Breaker) Name() string { return b.name }

// Allow returns nil when a call may proceed, or an *OpenError.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	now := b.now()
	from := b.state
	b.advance(now)

	var err error
	switch b.state {
	case StateOpen:
		err = &OpenError{Name: b.name, RetryAfter: b.cfg.OpenDuration - now.Sub(b.openedAt)}
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenProbes {
			b.probes++
		} else {
			err = &OpenError{Name: b.name}
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return err
}

// RecordSuccess records a call the upstream answered.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	now := b.now()
	from := b.state
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.probeOK++
		if b.probeOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure records an upstream failure.
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	now := b.now()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Abandon records that an admitted call ended without an upstream answer,
// e.g. because its caller went away. A half-open probe slot is handed back.
func (b *Breaker) Abandon() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > b.probeOK {
		b.probes--
	}
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	from := b.state
	b.advance(b.now())
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return to
}

// advance moves an open breaker to half-open once OpenDuration has passed.
// Must be called under lock.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.probes = 0
		b.probeOK = 0
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// maxWindowEntries caps each window slice.
const maxWindowEntries = 10000

// trimWindow drops entries older than the window. Must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold opens the breaker when the error rate is too high. Must be
// called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total < b.cfg.MinRequests {
		return
	}
	errorPct := float64(len(b.failures)) / float64(total) * 100
	if errorPct >= b.cfg.ErrorPct {
		b.state = StateOpen
		b.openedAt = now
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds one breaker per endpoint, all sharing a Config.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry returns nil when cfg is not Enabled; a nil Registry hands out
// nil breakers, which allow every call.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if !cfg.Enabled() {
		return nil
	}
	return &Registry{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshot returns the state of every breaker by name.
func (r *Registry) Snapshot() map[string]string {
	if r == nil {
		return map[string]string{}
	}
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]string, len(breakers))
	for _, b := range breakers {
		out[b.name] = b.State().String()
	}
	return out
}
