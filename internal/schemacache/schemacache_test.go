package schemacache

import (
	"context"
	"errors"
	"testing"

	"github.com/aberemia24/code-executor-broker/internal/mcpschema"
	"github.com/aberemia24/code-executor-broker/internal/toolid"
)

type fakeProvider struct {
	data map[string]mcpschema.ToolSchema
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{data: make(map[string]mcpschema.ToolSchema)}
}

func (p *fakeProvider) Get(ctx context.Context, key string) (mcpschema.ToolSchema, bool) {
	s, ok := p.data[key]
	return s, ok
}

func (p *fakeProvider) Set(ctx context.Context, key string, value mcpschema.ToolSchema) error {
	p.data[key] = value
	return nil
}

func (p *fakeProvider) Size() int {
	return len(p.data)
}

type fakeLister struct {
	schemas map[string][]mcpschema.ToolSchema
	calls   int
	err     error
}

func (l *fakeLister) ListToolSchemas(ctx context.Context, server string) ([]mcpschema.ToolSchema, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.schemas[server], nil
}

func TestCache_MissRefreshesAllToolsForServer(t *testing.T) {
	provider := newFakeProvider()
	lister := &fakeLister{schemas: map[string][]mcpschema.ToolSchema{
		"zen": {
			{Name: toolid.MustParse("mcp__zen__codereview"), Description: "review"},
			{Name: toolid.MustParse("mcp__zen__precommit"), Description: "precommit"},
		},
	}}
	c := New(provider, lister)

	s, err := c.Get(context.Background(), "zen", "codereview")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Description != "review" {
		t.Errorf("expected codereview schema, got %+v", s)
	}
	if lister.calls != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", lister.calls)
	}

	// Second tool from the same server should already be populated.
	if _, ok := provider.Get(context.Background(), "zen::precommit"); !ok {
		t.Error("expected precommit populated by the single refresh")
	}

	// Cache hit: no further upstream call.
	if _, err := c.Get(context.Background(), "zen", "codereview"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lister.calls != 1 {
		t.Errorf("expected cache hit to avoid a second upstream call, got %d calls", lister.calls)
	}
}

func TestCache_HitNeverConsultsUpstream(t *testing.T) {
	provider := newFakeProvider()
	provider.data["zen::codereview"] = mcpschema.ToolSchema{Name: toolid.MustParse("mcp__zen__codereview"), Description: "cached"}
	lister := &fakeLister{err: errors.New("upstream down")}
	c := New(provider, lister)

	s, err := c.Get(context.Background(), "zen", "codereview")
	if err != nil {
		t.Fatalf("expected cached hit to succeed without upstream, got %v", err)
	}
	if s.Description != "cached" {
		t.Errorf("expected cached schema, got %+v", s)
	}
	if lister.calls != 0 {
		t.Errorf("expected no upstream calls on a cache hit, got %d", lister.calls)
	}
}

func TestCache_UpstreamErrorPropagatesOnTotalMiss(t *testing.T) {
	provider := newFakeProvider()
	lister := &fakeLister{err: errors.New("upstream down")}
	c := New(provider, lister)

	if _, err := c.Get(context.Background(), "zen", "codereview"); err == nil {
		t.Fatal("expected upstream error to propagate when nothing is cached")
	}
}

func TestCache_UnknownToolAfterRefresh(t *testing.T) {
	provider := newFakeProvider()
	lister := &fakeLister{schemas: map[string][]mcpschema.ToolSchema{
		"zen": {{Name: toolid.MustParse("mcp__zen__codereview"), Description: "review"}},
	}}
	c := New(provider, lister)

	_, err := c.Get(context.Background(), "zen", "nonexistent")
	if err == nil {
		t.Fatal("expected error for tool missing from refreshed server")
	}
}
