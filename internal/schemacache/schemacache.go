// Package schemacache wraps a cache provider with typed server::tool
// keys holding tool schemas, refreshing from the upstream pool on miss.
package schemacache

import (
	"context"
	"fmt"

	"github.com/aberemia24/code-executor-broker/internal/mcpschema"
	"github.com/aberemia24/code-executor-broker/internal/metrics"
)

// Provider is the subset of a cache.Distributed[mcpschema.ToolSchema]
// the schema cache depends on, letting it work over either the
// in-memory LRU or the distributed provider uniformly.
type Provider interface {
	Get(ctx context.Context, key string) (mcpschema.ToolSchema, bool)
	Set(ctx context.Context, key string, value mcpschema.ToolSchema) error
	Size() int
}

// SchemaLister is satisfied by the upstream pool: it knows how to list
// every tool schema a single named upstream currently advertises.
type SchemaLister interface {
	ListToolSchemas(ctx context.Context, server string) ([]mcpschema.ToolSchema, error)
}

// Cache is the schema cache described in §4.E: on miss, it refreshes
// every tool for the owning server in one shot before returning the
// single schema the caller asked for.
type Cache struct {
	provider Provider
	upstream SchemaLister
}

// New creates a schema cache over provider, refreshing misses via upstream.
func New(provider Provider, upstream SchemaLister) *Cache {
	return &Cache{provider: provider, upstream: upstream}
}

func key(server, tool string) string {
	return server + "::" + tool
}

// Size returns the number of schemas currently held by the underlying
// provider.
func (c *Cache) Size() int {
	return c.provider.Size()
}

// Get returns the schema for server/tool, refreshing all of the
// server's schemas on a miss. On upstream error during refresh, a
// stale cached entry (if any) is returned in its place; otherwise the
// upstream error propagates.
func (c *Cache) Get(ctx context.Context, server, tool string) (mcpschema.ToolSchema, error) {
	if s, ok := c.provider.Get(ctx, key(server, tool)); ok {
		metrics.CacheHits.WithLabelValues("schema").Inc()
		return s, nil
	}
	metrics.CacheMisses.WithLabelValues("schema").Inc()

	schemas, err := c.upstream.ListToolSchemas(ctx, server)
	if err != nil {
		if s, ok := c.provider.Get(ctx, key(server, tool)); ok {
			return s, nil
		}
		return mcpschema.ToolSchema{}, fmt.Errorf("refresh schemas for server %q: %w", server, err)
	}

	var found mcpschema.ToolSchema
	hasFound := false
	for _, s := range schemas {
		c.provider.Set(ctx, key(server, s.Name.Tool()), s)
		if s.Name.Tool() == tool {
			found = s
			hasFound = true
		}
	}

	if !hasFound {
		return mcpschema.ToolSchema{}, fmt.Errorf("tool %q not found on server %q", tool, server)
	}
	return found, nil
}
