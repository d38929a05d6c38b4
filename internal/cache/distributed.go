package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteStore is the subset of a remote cache client the distributed
// provider depends on; satisfied by *redis.Client.
type RemoteStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Distributed is a cache provider backed by a remote store, with an
// LRU mirror serving stale-on-error reads and a fallback mode for
// when the remote is unreachable.
type Distributed[V any] struct {
	remote       RemoteStore
	mirror       *LRU[V]
	ttl          time.Duration
	reconnectDur time.Duration

	fallback atomic.Bool
	mu       sync.Mutex
	timer    *time.Timer
}

// NewDistributed creates a provider. Passing a nil remote disables the
// remote entirely and leaves the reconnect timer unarmed, serving
// strictly from the LRU mirror (construction-time disablement per the
// specification).
func NewDistributed[V any](remote RemoteStore, mirrorMax int, ttl time.Duration, reconnectInterval time.Duration) *Distributed[V] {
	d := &Distributed[V]{
		remote:       remote,
		mirror:       NewLRU[V](mirrorMax, ttl),
		ttl:          ttl,
		reconnectDur: reconnectInterval,
	}
	if remote == nil {
		d.fallback.Store(true)
	}
	return d
}

func (d *Distributed[V]) inFallback() bool {
	return d.remote == nil || d.fallback.Load()
}

func (d *Distributed[V]) enterFallback() {
	if !d.fallback.CompareAndSwap(false, true) {
		return
	}
	if d.remote == nil {
		return
	}
	slog.Warn("distributed cache entering fallback mode, remote unreachable")
	d.armReconnect()
}

func (d *Distributed[V]) armReconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.reconnectDur, d.tryReconnect)
}

func (d *Distributed[V]) tryReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.remote.Ping(ctx).Err(); err != nil {
		slog.Debug("distributed cache reconnect attempt failed", "error", err)
		d.mu.Lock()
		d.timer = time.AfterFunc(d.reconnectDur, d.tryReconnect)
		d.mu.Unlock()
		return
	}

	slog.Info("distributed cache reconnected")
	d.fallback.Store(false)
	d.mu.Lock()
	d.timer = nil
	d.mu.Unlock()
}

// Get prefers the remote; on any remote error, falls back to the LRU
// mirror's value when present (stale-on-error).
func (d *Distributed[V]) Get(ctx context.Context, key string) (value V, found bool) {
	if d.inFallback() {
		v, _, ok := d.mirror.Get(key)
		return v, ok
	}

	raw, err := d.remote.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			d.enterFallback()
		}
		v, _, ok := d.mirror.Get(key)
		return v, ok
	}

	var v V
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v, _, ok := d.mirror.Get(key)
		return v, ok
	}
	d.mirror.Set(key, v)
	return v, true
}

// Set writes through to the remote and to the LRU mirror.
func (d *Distributed[V]) Set(ctx context.Context, key string, value V) error {
	d.mirror.Set(key, value)

	if d.inFallback() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := d.remote.Set(ctx, key, data, d.ttl).Err(); err != nil {
		d.enterFallback()
		return nil
	}
	return nil
}

// Has reports whether key is present in the mirror; the remote is not
// consulted so this remains O(1) and consistent with Get's fallback.
func (d *Distributed[V]) Has(key string) bool {
	return d.mirror.Has(key)
}

// Delete removes key from both the remote and the mirror.
func (d *Distributed[V]) Delete(ctx context.Context, key string) {
	d.mirror.Delete(key)
	if !d.inFallback() {
		if err := d.remote.Del(ctx, key).Err(); err != nil {
			d.enterFallback()
		}
	}
}

// Clear empties the mirror. The remote store is left untouched; it is
// a shared resource that may back other processes.
func (d *Distributed[V]) Clear() {
	d.mirror.Clear()
}

// InFallback reports whether the provider is currently serving only
// from its LRU mirror.
func (d *Distributed[V]) InFallback() bool {
	return d.inFallback()
}

// Size returns the number of entries held by the LRU mirror. The
// remote store's own size is not queried; the mirror is a superset of
// every key this process has read or written and is cheap to count.
func (d *Distributed[V]) Size() int {
	return d.mirror.Size()
}
