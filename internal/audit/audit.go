// Package audit persists a structured record of every discovery and
// tool-call request the proxy handles.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a single audited event emitted by the discovery or
// tool-call handlers.
type Record struct {
	Kind        string          `json:"kind"` // discovery | tool_call
	ExecutionID string          `json:"executionId"`
	ClientID    string          `json:"clientId,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	Query       []string        `json:"query,omitempty"`
	Status      string          `json:"status"`
	DurationMs  int64           `json:"durationMs"`
	Error       string          `json:"error,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Sink persists audit records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Noop discards every record; used when auditing is disabled.
type Noop struct{}

func (Noop) Write(context.Context, Record) error { return nil }
func (Noop) Close() error                        { return nil }
