// Package toolid parses and validates the broker's canonical tool
// identifier: mcp__<server>__<tool>.
package toolid

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ID is a canonical, validated tool identifier.
type ID struct {
	raw    string
	server string
	tool   string
}

// Parse validates s against mcp__<server>__<tool> and splits it into its
// two segments. The parse is total: any string either produces a valid ID
// or a descriptive error, never a partial result.
func Parse(s string) (ID, error) {
	const prefix = "mcp__"
	if !strings.HasPrefix(s, prefix) {
		return ID{}, fmt.Errorf("tool id %q: must start with %q", s, prefix)
	}
	rest := strings.TrimPrefix(s, prefix)

	// server and tool segments are separated by the first remaining "__";
	// the tool segment itself may not contain "__" again since both
	// segments are restricted to [a-z0-9_]+ and we split on the first
	// double underscore.
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return ID{}, fmt.Errorf("tool id %q: expected mcp__<server>__<tool>", s)
	}
	server := rest[:idx]
	tool := rest[idx+2:]

	if server == "" || !segmentPattern.MatchString(server) {
		return ID{}, fmt.Errorf("tool id %q: invalid server segment %q", s, server)
	}
	if tool == "" || !segmentPattern.MatchString(tool) {
		return ID{}, fmt.Errorf("tool id %q: invalid tool segment %q", s, tool)
	}

	return ID{raw: s, server: server, tool: tool}, nil
}

// MustParse is Parse, panicking on error. Intended for constants/tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// New builds an ID from an already-validated server/tool pair.
func New(server, tool string) (ID, error) {
	return Parse(fmt.Sprintf("mcp__%s__%s", server, tool))
}

// Server returns the upstream server segment.
func (id ID) Server() string { return id.server }

// Tool returns the upstream-local tool segment.
func (id ID) Tool() string { return id.tool }

// String returns the canonical mcp__<server>__<tool> form.
func (id ID) String() string { return id.raw }

// IsZero reports whether id is the zero value (never produced by Parse).
func (id ID) IsZero() bool { return id.raw == "" }

// MarshalJSON encodes id as its canonical mcp__<server>__<tool> string,
// so it round-trips through JSON the same way it's written on the wire.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.raw)
}

// UnmarshalJSON parses a canonical mcp__<server>__<tool> string back
// into id.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
