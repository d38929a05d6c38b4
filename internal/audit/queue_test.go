package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (s *recordingSink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestAsyncSink_DrainWaitsForQueuedWrites(t *testing.T) {
	next := &recordingSink{}
	sink := NewAsyncSink(next, 2, 16)

	for i := 0; i < 10; i++ {
		if err := sink.Write(context.Background(), Record{Kind: "tool_call", ExecutionID: "exec-1"}); err != nil {
			t.Fatalf("unexpected error on write %d: %v", i, err)
		}
	}

	if err := sink.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected error draining: %v", err)
	}
	if got := next.len(); got != 10 {
		t.Fatalf("expected all 10 records forwarded, got %d", got)
	}
}

func TestAsyncSink_WriteAfterQueueFullReturnsError(t *testing.T) {
	blocker := make(chan struct{})
	next := blockingSink{block: blocker}
	sink := NewAsyncSink(next, 1, 1)
	defer close(blocker)

	// First write is picked up by the single worker and blocks there;
	// the second fills the one-slot queue; the third has nowhere to go.
	if err := sink.Write(context.Background(), Record{Kind: "tool_call"}); err != nil {
		t.Fatalf("unexpected error on first write: %v", err)
	}
	if err := sink.Write(context.Background(), Record{Kind: "tool_call"}); err != nil {
		t.Fatalf("unexpected error on second write: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if err := sink.Write(context.Background(), Record{Kind: "tool_call"}); err == ErrQueueFull {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected a full queue to eventually reject a write")
		default:
		}
	}
}

type blockingSink struct {
	block <-chan struct{}
}

func (b blockingSink) Write(ctx context.Context, rec Record) error {
	<-b.block
	return nil
}

func (b blockingSink) Close() error { return nil }

func TestAsyncSink_DrainTimesOutWhenCtxExpires(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	next := blockingSink{block: block}
	sink := NewAsyncSink(next, 1, 4)

	if err := sink.Write(context.Background(), Record{Kind: "tool_call"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := sink.Drain(ctx); err == nil {
		t.Fatal("expected drain to time out while the single worker is still blocked")
	}
}

func TestAsyncSink_CloseClosesUnderlyingSink(t *testing.T) {
	next := &recordingSink{}
	sink := NewAsyncSink(next, 1, 1)
	if err := sink.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.closed {
		t.Error("expected underlying sink to be closed")
	}
}
