// Package ratelimit implements a sliding-window rate limiter keyed by
// (clientID, endpointClass), with per-endpoint overrides and a per-key
// lock so that a burst of concurrent requests from the same client
// produces exactly the configured number of allowances.
package ratelimit

import (
	"sync"
	"time"

	appsync "github.com/aberemia24/code-executor-broker/internal/sync"
)

// Rule is the (maxRequests, window) pair applied to one endpoint class.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultRule is applied to any endpoint class without an override.
func DefaultRule() Rule {
	return Rule{MaxRequests: 30, Window: 60 * time.Second}
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      int
	Window     time.Duration
}

// Limiter is a sliding-window limiter over per-(client, endpoint) buckets.
type Limiter struct {
	defaultRule Rule
	overrides   map[string]Rule

	mu      sync.Mutex
	buckets map[string][]time.Time
	keyLock *appsync.KeyLock

	now func() time.Time
}

// New creates a limiter with the given default rule and per-endpoint
// overrides (endpoint class -> Rule).
func New(defaultRule Rule, overrides map[string]Rule) *Limiter {
	if overrides == nil {
		overrides = map[string]Rule{}
	}
	return &Limiter{
		defaultRule: defaultRule,
		overrides:   overrides,
		buckets:     make(map[string][]time.Time),
		keyLock:     appsync.NewKeyLock(),
		now:         time.Now,
	}
}

func (l *Limiter) ruleFor(endpointClass string) Rule {
	if r, ok := l.overrides[endpointClass]; ok {
		return r
	}
	return l.defaultRule
}

// Check consults and mutates the bucket for (clientID, endpointClass),
// dropping timestamps older than the window, then admitting the request
// if the remaining count is strictly less than the rule's max.
func (l *Limiter) Check(clientID, endpointClass string) Decision {
	rule := l.ruleFor(endpointClass)
	key := clientID + "::" + endpointClass

	l.keyLock.Lock(key)
	defer l.keyLock.Unlock(key)

	now := l.now()
	cutoff := now.Add(-rule.Window)

	l.mu.Lock()
	bucket := l.buckets[key]
	kept := bucket[:0:0]
	for _, ts := range bucket {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) < rule.MaxRequests {
		kept = append(kept, now)
		l.buckets[key] = kept
		l.mu.Unlock()
		return Decision{Allowed: true, Limit: rule.MaxRequests, Window: rule.Window}
	}

	oldest := kept[0]
	l.buckets[key] = kept
	l.mu.Unlock()

	retryAfter := oldest.Add(rule.Window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, RetryAfter: retryAfter, Limit: rule.MaxRequests, Window: rule.Window}
}
