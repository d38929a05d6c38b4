// Package breaker implements a per-upstream circuit breaker: a
// closed/open/half-open state machine that fails fast once an upstream
// has accumulated enough consecutive failures, and periodically lets a
// single probe call through to decide whether to recover.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config holds the tunables for a single breaker instance.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	Cooldown         time.Duration // time spent open before a probe is admitted
	Timeout          time.Duration // a call exceeding this duration counts as a failure
}

// DefaultConfig matches the specification's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		Timeout:          60 * time.Second,
	}
}

// OpenError is returned when a call is rejected because the breaker is
// open (or because a half-open probe is already in flight).
type OpenError struct {
	ServerID    string
	RetryAfter  time.Duration
}

func (e *OpenError) Error() string {
	secs := int(e.RetryAfter / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("Circuit breaker is open for server '%s'. Retry after %ds", e.ServerID, secs)
}

// Breaker guards calls to a single upstream server.
type Breaker struct {
	id  string
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	totalFailures       int
	totalSuccesses      int
	lastFailureAt       time.Time
	nextAttemptAt       time.Time
	probeInFlight       bool

	now func() time.Time
}

// New creates a breaker for the named upstream.
func New(id string, cfg Config) *Breaker {
	return &Breaker{id: id, cfg: cfg, now: time.Now}
}

// Snapshot is a read-only view of the breaker's current state, used by
// the health handler and metrics exporter.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	TotalFailures       int
	TotalSuccesses      int
	NextAttemptAt       time.Time
}

// Status returns the current state without mutating it, resolving an
// expired cooldown into half-open as a side-effectless read.
func (b *Breaker) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.state
	if state == Open && !b.nextAttemptAt.IsZero() && !b.now().Before(b.nextAttemptAt) {
		state = HalfOpen
	}
	return Snapshot{
		State:               state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		NextAttemptAt:       b.nextAttemptAt,
	}
}

// admit decides whether a call may proceed, transitioning open→half-open
// when the cooldown has elapsed. Returns an OpenError if the call must
// be rejected.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.probeInFlight {
			return &OpenError{ServerID: b.id, RetryAfter: b.cfg.Cooldown}
		}
		b.probeInFlight = true
		return nil
	case Open:
		now := b.now()
		if now.Before(b.nextAttemptAt) {
			return &OpenError{ServerID: b.id, RetryAfter: b.nextAttemptAt.Sub(now)}
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	b.consecutiveFailures = 0
	b.probeInFlight = false
	b.state = Closed
	b.nextAttemptAt = time.Time{}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	b.lastFailureAt = b.now()
	b.probeInFlight = false

	if b.state == HalfOpen {
		b.state = Open
		b.nextAttemptAt = b.lastFailureAt.Add(b.cfg.Cooldown)
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = Open
		b.nextAttemptAt = b.lastFailureAt.Add(b.cfg.Cooldown)
	}
}

// Call runs fn, gating it through the breaker's state machine and
// enforcing the internal timeout. fn is only invoked when the breaker
// admits the call.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}
