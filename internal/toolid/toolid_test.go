package toolid

import (
	"encoding/json"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	cases := []struct {
		in     string
		server string
		tool   string
	}{
		{"mcp__zen__codereview", "zen", "codereview"},
		{"mcp__filesystem__read", "filesystem", "read"},
		{"mcp__fetcher__fetch", "fetcher", "fetch"},
		{"mcp__a1_b__c2_d", "a1_b", "c2_d"},
	}
	for _, c := range cases {
		id, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", c.in, err)
		}
		if id.Server() != c.server || id.Tool() != c.tool {
			t.Errorf("Parse(%q) = server %q tool %q, want %q/%q", c.in, id.Server(), id.Tool(), c.server, c.tool)
		}
		if id.String() != c.in {
			t.Errorf("String() = %q, want %q", id.String(), c.in)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"zen__codereview",
		"mcp__zen",
		"mcp____codereview",
		"mcp__zen__",
		"mcp__Zen__codereview",
		"mcp__zen__code review",
		"mcp__zen__code-review",
	}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", in)
		}
	}
}

func TestNew(t *testing.T) {
	id, err := New("zen", "codereview")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if id.String() != "mcp__zen__codereview" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestJSON_RoundTrips(t *testing.T) {
	id := MustParse("mcp__zen__codereview")

	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if string(data) != `"mcp__zen__codereview"` {
		t.Errorf("Marshal = %s, want %q", data, "mcp__zen__codereview")
	}

	var got ID
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if got.Server() != "zen" || got.Tool() != "codereview" {
		t.Errorf("Unmarshal = server %q tool %q, want zen/codereview", got.Server(), got.Tool())
	}
}

func TestJSON_RejectsInvalidString(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`"not-a-tool-id"`), &id); err == nil {
		t.Error("expected error unmarshaling an invalid tool id")
	}
}
