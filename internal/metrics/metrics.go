// Package metrics exposes cache and rate limiter telemetry: Prometheus
// collectors for scraping and in-process call statistics for the
// diagnostics API.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CrunchNZ/lpb-sub001/internal/logging"
)

const maxInt64 = int64(^uint64(0) >> 1)

// TimeSeriesBucket stores call counts for one hour
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Calls        int64
	Errors       int64
	Limited      int64
	TotalLatency int64
}

// MethodCalls tracks calls to a single orchestrated method
type MethodCalls struct {
	Calls    atomic.Int64
	Failures atomic.Int64
	Limited  atomic.Int64
	TotalMs  atomic.Int64
	MinMs    atomic.Int64
	MaxMs    atomic.Int64
}

// CallStats aggregates orchestration call logs per source and method, with
// hourly buckets for the last 24 hours.
type CallStats struct {
	total   atomic.Int64
	methods sync.Map // "source.method" -> *MethodCalls

	timeSeriesMu sync.RWMutex
	timeSeries   []*TimeSeriesBucket

	now       func() time.Time
	startTime time.Time
}

// NewCallStats creates an empty CallStats.
func NewCallStats() *CallStats {
	return newCallStats(time.Now)
}

func newCallStats(now func() time.Time) *CallStats {
	s := &CallStats{now: now, startTime: now()}
	s.resetTimeSeries(now().Truncate(time.Hour))
	return s
}

func (s *CallStats) resetTimeSeries(hour time.Time) {
	s.timeSeries = make([]*TimeSeriesBucket, 24)
	for i := 0; i < 24; i++ {
		s.timeSeries[i] = &TimeSeriesBucket{Timestamp: hour.Add(time.Duration(i-23) * time.Hour)}
	}
}

// Record adds one call. Its signature matches logging.Logger.AddSink.
func (s *CallStats) Record(entry logging.CallLog) {
	s.total.Add(1)

	mc := s.method(entry.Source + "." + entry.Method)
	mc.Calls.Add(1)
	if !entry.Success {
		mc.Failures.Add(1)
	}
	if entry.Limited {
		mc.Limited.Add(1)
	}
	mc.TotalMs.Add(entry.DurationMs)
	updateMin(&mc.MinMs, entry.DurationMs)
	updateMax(&mc.MaxMs, entry.DurationMs)

	s.recordTimeSeries(entry)
}

func (s *CallStats) method(name string) *MethodCalls {
	if v, ok := s.methods.Load(name); ok {
		return v.(*MethodCalls)
	}
	mc := &MethodCalls{}
	mc.MinMs.Store(maxInt64)
	actual, _ := s.methods.LoadOrStore(name, mc)
	return actual.(*MethodCalls)
}

func (s *CallStats) recordTimeSeries(entry logging.CallLog) {
	s.timeSeriesMu.Lock()
	defer s.timeSeriesMu.Unlock()

	now := s.now().Truncate(time.Hour)
	last := s.timeSeries[len(s.timeSeries)-1]
	if hours := int(now.Sub(last.Timestamp).Hours()); hours > 0 {
		if hours >= 24 {
			s.resetTimeSeries(now)
		} else {
			s.timeSeries = s.timeSeries[hours:]
			for i := 0; i < hours; i++ {
				s.timeSeries = append(s.timeSeries, &TimeSeriesBucket{
					Timestamp: last.Timestamp.Add(time.Duration(i+1) * time.Hour),
				})
			}
		}
	}

	bucket := s.timeSeries[len(s.timeSeries)-1]
	bucket.Calls++
	bucket.TotalLatency += entry.DurationMs
	if !entry.Success {
		bucket.Errors++
	}
	if entry.Limited {
		bucket.Limited++
	}
}

// MethodSnapshot is the exported view of one method's counters.
type MethodSnapshot struct {
	Calls    int64   `json:"calls"`
	Failures int64   `json:"failures"`
	Limited  int64   `json:"rate_limited"`
	AvgMs    float64 `json:"avg_ms"`
	MinMs    int64   `json:"min_ms"`
	MaxMs    int64   `json:"max_ms"`
}

// Snapshot returns per-method counters keyed by "source.method".
func (s *CallStats) Snapshot() map[string]MethodSnapshot {
	out := make(map[string]MethodSnapshot)
	s.methods.Range(func(key, value any) bool {
		mc := value.(*MethodCalls)
		calls := mc.Calls.Load()
		snap := MethodSnapshot{
			Calls:    calls,
			Failures: mc.Failures.Load(),
			Limited:  mc.Limited.Load(),
			MinMs:    mc.MinMs.Load(),
			MaxMs:    mc.MaxMs.Load(),
		}
		if calls > 0 {
			snap.AvgMs = float64(mc.TotalMs.Load()) / float64(calls)
		}
		if snap.MinMs == maxInt64 {
			snap.MinMs = 0
		}
		out[key.(string)] = snap
		return true
	})
	return out
}

// Methods returns the recorded method names, sorted.
func (s *CallStats) Methods() []string {
	var names []string
	s.methods.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// TimeSeries returns the hourly buckets, oldest first.
func (s *CallStats) TimeSeries() []map[string]any {
	s.timeSeriesMu.RLock()
	defer s.timeSeriesMu.RUnlock()

	result := make([]map[string]any, len(s.timeSeries))
	for i, bucket := range s.timeSeries {
		avg := float64(0)
		if bucket.Calls > 0 {
			avg = float64(bucket.TotalLatency) / float64(bucket.Calls)
		}
		result[i] = map[string]any{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"calls":        bucket.Calls,
			"errors":       bucket.Errors,
			"rate_limited": bucket.Limited,
			"avg_duration": avg,
		}
	}
	return result
}

// JSONHandler exposes the totals and per-method counters as JSON.
func (s *CallStats) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"uptime_seconds": int64(s.now().Sub(s.startTime).Seconds()),
			"total_calls":    s.total.Load(),
			"methods":        s.Snapshot(),
		})
	})
}

// TimeSeriesHandler exposes the hourly buckets as JSON.
func (s *CallStats) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
