package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count  int
	start  time.Time
	length time.Duration
}

func (w *window) elapsed(now time.Time) bool {
	return now.Sub(w.start) > w.length
}

// LocalBackend keeps fixed windows in process memory.
type LocalBackend struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewLocalBackend creates an in-memory backend.
func NewLocalBackend() *LocalBackend {
	return NewLocalBackendWithClock(time.Now)
}

// NewLocalBackendWithClock creates an in-memory backend reading time from now.
func NewLocalBackendWithClock(now func() time.Time) *LocalBackend {
	return &LocalBackend{
		windows: make(map[string]*window),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (b *LocalBackend) Hit(_ context.Context, key string, limit int, length time.Duration) (bool, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	w, ok := b.windows[key]
	if !ok || w.elapsed(now) {
		b.windows[key] = &window{count: 1, start: now, length: length}
		return false, 1, nil
	}
	if w.count >= limit {
		return true, w.count, nil
	}
	w.count++
	return false, w.count, nil
}

func (b *LocalBackend) Count(_ context.Context, key string, _ time.Duration) (int, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.windows[key]
	if !ok || w.elapsed(b.now()) {
		return 0, time.Time{}, nil
	}
	return w.count, w.start.Add(w.length), nil
}

func (b *LocalBackend) Reset(context.Context) error {
	b.mu.Lock()
	b.windows = make(map[string]*window)
	b.mu.Unlock()
	return nil
}

// Len returns the number of tracked windows, elapsed ones included.
func (b *LocalBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows)
}

// Prune drops elapsed windows and returns how many were removed.
func (b *LocalBackend) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for key, w := range b.windows {
		if w.elapsed(now) {
			delete(b.windows, key)
			n++
		}
	}
	return n
}

// StartPruning prunes elapsed windows every interval until Close.
func (b *LocalBackend) StartPruning(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Prune()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Close stops pruning.
func (b *LocalBackend) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	return nil
}
