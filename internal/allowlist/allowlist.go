// Package allowlist enforces a per-execution frozen set of permitted
// tools and tracks every call made through the proxy.
package allowlist

import (
	"fmt"
	"sync"
	"time"

	"github.com/aberemia24/code-executor-broker/internal/toolid"
)

// AllowList is an immutable set of tool IDs permitted for one execution.
type AllowList struct {
	allowed map[string]struct{}
}

// New freezes ids into an AllowList.
func New(ids []toolid.ID) *AllowList {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id.String()] = struct{}{}
	}
	return &AllowList{allowed: m}
}

// IsAllowed is the non-throwing form.
func (a *AllowList) IsAllowed(id toolid.ID) bool {
	_, ok := a.allowed[id.String()]
	return ok
}

// Validate returns a descriptive error unless id is allowed.
func (a *AllowList) Validate(id toolid.ID) error {
	if a.IsAllowed(id) {
		return nil
	}
	return fmt.Errorf("Tool '%s' not in allowlist. Add '%s' to allowedTools array.", id.String(), id.String())
}

// CallStatus is the outcome of a single tracked invocation.
type CallStatus string

const (
	StatusSuccess CallStatus = "success"
	StatusError   CallStatus = "error"
)

// CallRecord is one tracked tool invocation.
type CallRecord struct {
	ToolName     string
	DurationMs   int64
	Status       CallStatus
	ErrorMessage string
	TimestampMs  int64
}

// ToolSummary aggregates the calls made to a single tool.
type ToolSummary struct {
	ToolName        string
	Count           int
	SuccessCount    int
	ErrorCount      int
	TotalDurationMs int64
	LastDurationMs  int64
	LastStatus      CallStatus
	LastError       string
	LastCalledAtMs  int64
}

// AverageDurationMs returns the mean call duration, or 0 if no calls.
func (s ToolSummary) AverageDurationMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalDurationMs) / float64(s.Count)
}

// Tracker records every tool invocation made during an execution and
// maintains per-tool aggregates in first-seen order.
type Tracker struct {
	mu       sync.Mutex
	records  []CallRecord
	order    []string
	summary  map[string]*ToolSummary
	nowMs    func() int64
}

// NewTracker creates an empty call tracker.
func NewTracker() *Tracker {
	return &Tracker{
		summary: make(map[string]*ToolSummary),
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// Record appends a completed call to the tracker.
func (t *Tracker) Record(toolName string, duration time.Duration, status CallStatus, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := CallRecord{
		ToolName:     toolName,
		DurationMs:   duration.Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
		TimestampMs:  t.nowMs(),
	}
	t.records = append(t.records, rec)

	s, ok := t.summary[toolName]
	if !ok {
		s = &ToolSummary{ToolName: toolName}
		t.summary[toolName] = s
		t.order = append(t.order, toolName)
	}
	s.Count++
	s.TotalDurationMs += rec.DurationMs
	s.LastDurationMs = rec.DurationMs
	s.LastStatus = status
	s.LastCalledAtMs = rec.TimestampMs
	if status == StatusSuccess {
		s.SuccessCount++
	} else {
		s.ErrorCount++
		s.LastError = errMsg
	}
}

// GetCalls returns a defensive copy of every recorded call, in order.
func (t *Tracker) GetCalls() []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallRecord, len(t.records))
	copy(out, t.records)
	return out
}

// GetUniqueCalls returns the distinct tool names called, in first-seen order.
func (t *Tracker) GetUniqueCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// GetSummary returns a defensive copy of the per-tool aggregates, in
// first-seen order.
func (t *Tracker) GetSummary() []ToolSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolSummary, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.summary[name])
	}
	return out
}
