// Package mcpschema defines the tool-schema value types shared by the
// upstream pool, the schema cache, and the proxy's discovery/tool-call
// handlers.
package mcpschema

import (
	"encoding/json"
	"strings"

	"github.com/aberemia24/code-executor-broker/internal/toolid"
)

// ToolSchema is the cacheable description of a single upstream tool.
type ToolSchema struct {
	Name         toolid.ID       `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// MatchesKeyword reports whether kw (already lower-cased) appears in the
// schema's lowercased "name description" text, per the discovery
// handler's OR-match filtering rule.
func (s ToolSchema) MatchesKeyword(kw string) bool {
	haystack := strings.ToLower(s.Name.String()) + " " + strings.ToLower(s.Description)
	return strings.Contains(haystack, kw)
}
