package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrunchNZ/lpb-sub001/internal/logging"
)

// probeInterval is the minimum time between health probes of the primary.
const probeInterval = 5 * time.Second

// pinger is implemented by primaries that can be probed without touching a
// real window.
type pinger interface {
	Ping(ctx context.Context) error
}

// FallbackBackend uses a primary backend (typically Redis) and degrades to a
// LocalBackend when the primary fails. While degraded it probes the primary
// at most every probeInterval and switches back once it answers.
type FallbackBackend struct {
	primary  Backend
	local    *LocalBackend
	degraded atomic.Bool
	probeMu  sync.Mutex

	lastProbe atomic.Int64 // unix nanos
}

// NewFallbackBackend wraps primary with a local fallback. A positive
// pruneInterval drops elapsed local windows on that period until Close, so
// per-client keys served during an outage do not pile up.
func NewFallbackBackend(primary Backend, pruneInterval time.Duration) *FallbackBackend {
	f := &FallbackBackend{
		primary: primary,
		local:   NewLocalBackend(),
	}
	if pruneInterval > 0 {
		f.local.StartPruning(pruneInterval)
	}
	return f
}

// Close stops pruning of the local fallback. The primary is owned by the
// caller.
func (f *FallbackBackend) Close() error {
	return f.local.Close()
}

func (f *FallbackBackend) Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	if f.degraded.Load() {
		f.maybeProbe(ctx)
		return f.local.Hit(ctx, key, limit, window)
	}
	limited, count, err := f.primary.Hit(ctx, key, limit, window)
	if err != nil {
		f.degrade(err)
		return f.local.Hit(ctx, key, limit, window)
	}
	return limited, count, nil
}

func (f *FallbackBackend) Count(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	if f.degraded.Load() {
		return f.local.Count(ctx, key, window)
	}
	count, resetAt, err := f.primary.Count(ctx, key, window)
	if err != nil {
		f.degrade(err)
		return f.local.Count(ctx, key, window)
	}
	return count, resetAt, nil
}

func (f *FallbackBackend) Reset(ctx context.Context) error {
	_ = f.local.Reset(ctx)
	if f.degraded.Load() {
		return nil
	}
	if err := f.primary.Reset(ctx); err != nil {
		f.degrade(err)
	}
	return nil
}

// Degraded reports whether requests are currently served locally.
func (f *FallbackBackend) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackBackend) degrade(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		logging.Op().Warn("rate-limit primary backend error, degrading to local", "error", err)
	}
	f.lastProbe.Store(time.Now().UnixNano())
}

func (f *FallbackBackend) maybeProbe(ctx context.Context) {
	last := time.Unix(0, f.lastProbe.Load())
	if time.Since(last) < probeInterval {
		return
	}
	go f.probe(context.WithoutCancel(ctx))
}

func (f *FallbackBackend) probe(ctx context.Context) {
	if !f.probeMu.TryLock() {
		return
	}
	defer f.probeMu.Unlock()
	f.lastProbe.Store(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	if p, ok := f.primary.(pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, _, err = f.primary.Count(ctx, "probe:health", time.Second)
	}
	if err == nil {
		logging.Op().Info("rate-limit primary backend recovered, resuming distributed mode")
		f.degraded.Store(false)
	}
}
