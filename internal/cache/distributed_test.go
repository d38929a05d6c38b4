package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRemote is a minimal in-memory stand-in for *redis.Client used to
// exercise Distributed's write-through and stale-on-error behavior
// without a live server.
type fakeRemote struct {
	mu      sync.Mutex
	data    map[string][]byte
	failing bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[string][]byte)}
}

func (f *fakeRemote) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	v, ok := f.data[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(string(v))
	return cmd
}

func (f *fakeRemote) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = v
	case string:
		f.data[key] = []byte(v)
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRemote) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "del")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func (f *fakeRemote) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "ping")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func TestDistributed_WriteThrough(t *testing.T) {
	remote := newFakeRemote()
	d := NewDistributed[string](remote, 10, time.Minute, time.Minute)

	if err := d.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, ok := remote.data["k"]
	if !ok {
		t.Fatal("expected remote to receive write-through")
	}
	var got string
	json.Unmarshal(raw, &got)
	if got != "v" {
		t.Errorf("expected remote value v, got %v", got)
	}

	v, found := d.Get(context.Background(), "k")
	if !found || v != "v" {
		t.Errorf("expected get to return v, got %v %v", v, found)
	}
}

func TestDistributed_StaleOnError(t *testing.T) {
	remote := newFakeRemote()
	d := NewDistributed[string](remote, 10, time.Minute, time.Hour)

	d.Set(context.Background(), "k", "v")
	remote.mu.Lock()
	remote.failing = true
	remote.mu.Unlock()

	v, found := d.Get(context.Background(), "k")
	if !found || v != "v" {
		t.Errorf("expected stale mirror value served on remote error, got %v %v", v, found)
	}
	if !d.InFallback() {
		t.Error("expected provider to enter fallback mode after remote error")
	}
}

func TestDistributed_NilRemoteNeverArmsReconnect(t *testing.T) {
	d := NewDistributed[string](nil, 10, time.Minute, time.Millisecond)
	if !d.InFallback() {
		t.Error("expected nil remote to start in fallback")
	}
	if err := d.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, found := d.Get(context.Background(), "k")
	if !found || v != "v" {
		t.Errorf("expected mirror-only read, got %v %v", v, found)
	}
}

func TestDistributed_ReconnectRestoresRemote(t *testing.T) {
	remote := newFakeRemote()
	remote.failing = true
	d := NewDistributed[string](remote, 10, time.Minute, 20*time.Millisecond)

	d.Get(context.Background(), "missing") // triggers fallback via Get's remote error path
	if !d.InFallback() {
		t.Fatal("expected fallback after failing get")
	}

	remote.mu.Lock()
	remote.failing = false
	remote.mu.Unlock()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !d.InFallback() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected reconnect timer to clear fallback mode")
}
