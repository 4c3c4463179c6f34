// Package cache implements the in-process caching core used in front of the
// position store and the Jupiter API client.
//
// Store is a capacity-bounded LRU map whose entries carry their own TTL. A
// background sweep drops expired entries that are never read again.
// QueryCache turns arbitrary producer functions into cached calls keyed by a
// method name and its arguments, keeps per-method hit/miss counters and
// supports selective invalidation by method name.
//
// Nothing here is persisted or shared between processes.
package cache

import (
	"errors"
)

// ErrUnserializableArgs is returned when a query's arguments cannot be
// reduced to a canonical cache key.
var ErrUnserializableArgs = errors.New("cache: arguments are not serializable")

// EvictReason says why an entry left a Store.
type EvictReason int

const (
	EvictExpired  EvictReason = iota // TTL elapsed, found by Get or the sweep
	EvictCapacity                    // dropped to make room for a new key
	EvictDeleted                     // explicit Delete
	EvictCleared                     // Clear
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	case EvictCapacity:
		return "capacity"
	case EvictDeleted:
		return "deleted"
	case EvictCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// EvictFunc observes entries leaving a Store. It is called without the store
// lock held, so it may call back into the store.
type EvictFunc func(key string, reason EvictReason)
