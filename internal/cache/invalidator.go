package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CrunchNZ/lpb-sub001/internal/logging"
)

// DefaultInvalidationChannel is the Redis Pub/Sub channel peers use to share
// invalidated methods.
const DefaultInvalidationChannel = "lpdash:cache:invalidate"

type invalidation struct {
	Origin  string   `json:"origin"`
	Cache   string   `json:"cache"`
	Methods []string `json:"methods"`
}

// Invalidator shares method invalidations between processes that cache the
// same data. Writes in one process publish the methods they changed; every
// other subscriber drops those methods from its local QueryCache.
type Invalidator struct {
	qc      *QueryCache
	client  *redis.Client
	channel string
	origin  string

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an invalidator for qc. An empty channel uses
// DefaultInvalidationChannel.
func NewInvalidator(qc *QueryCache, client *redis.Client, channel string) *Invalidator {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &Invalidator{
		qc:      qc,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

// Start listens for invalidations from peers. It blocks until ctx is
// cancelled or Close is called.
func (inv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		cancel()
		return
	}
	inv.cancel = cancel
	inv.mu.Unlock()

	pubsub := inv.client.Subscribe(subCtx, inv.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			inv.handle(msg.Payload)
		}
	}
}

// handle applies one message and reports how many entries it removed.
func (inv *Invalidator) handle(payload string) int {
	var m invalidation
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		logging.Op().Debug("ignoring malformed invalidation", "channel", inv.channel, "error", err)
		return 0
	}
	if m.Origin == inv.origin || m.Cache != inv.qc.Name() || len(m.Methods) == 0 {
		return 0
	}
	return inv.qc.InvalidateMethods(m.Methods...)
}

// PublishInvalidation tells peers to drop the given methods. The local cache
// is not touched.
func (inv *Invalidator) PublishInvalidation(ctx context.Context, methods ...string) error {
	if len(methods) == 0 {
		return nil
	}
	payload, err := json.Marshal(invalidation{Origin: inv.origin, Cache: inv.qc.Name(), Methods: methods})
	if err != nil {
		return err
	}
	return inv.client.Publish(ctx, inv.channel, payload).Err()
}

// Close stops the listener.
func (inv *Invalidator) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return nil
	}
	inv.closed = true
	if inv.cancel != nil {
		inv.cancel()
	}
	return nil
}
