// Package upstream launches and manages the subordinate MCP tool
// servers a sandboxed execution is allowed to call, keeping one
// framed-stdio client per server behind a circuit breaker.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/aberemia24/code-executor-broker/internal/breaker"
	"github.com/aberemia24/code-executor-broker/internal/config"
	"github.com/aberemia24/code-executor-broker/internal/mcpschema"
	"github.com/aberemia24/code-executor-broker/internal/toolid"
)

// Session is the subset of *mcp.ClientSession the pool depends
// on, narrowed out so tests can substitute a fake session without
// spawning a real child process.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// client is the pool's per-server connection state: a live session
// plus the circuit breaker guarding calls to it.
type client struct {
	cfg     config.MCPServerConfig
	breaker *breaker.Breaker

	mu      sync.RWMutex
	session Session
	stale   bool
}

// Pool owns every upstream client for the current execution and is
// the sole surface through which tools are discovered and invoked.
type Pool struct {
	impl           *mcp.Implementation
	connectTimeout time.Duration
	connectFn      func(ctx context.Context, c *client) (Session, error)

	mu      sync.RWMutex
	clients map[string]*client

	reconnectGroup singleflight.Group
}

// New creates a pool from a set of server descriptors. Clients are not
// connected eagerly; connection happens on first use.
func New(servers []config.MCPServerConfig, breakerCfg breaker.Config, connectTimeout time.Duration) *Pool {
	clients := make(map[string]*client, len(servers))
	for _, s := range servers {
		clients[s.Name] = &client{
			cfg:     s,
			breaker: breaker.New(s.Name, breakerCfg),
			stale:   true,
		}
	}
	p := &Pool{
		impl:           &mcp.Implementation{Name: "code-executor-broker", Version: "1.0.0"},
		connectTimeout: connectTimeout,
		clients:        clients,
	}
	p.connectFn = p.spawnAndConnect
	return p
}

// NewTestPool builds a single-server pool whose connection is session
// rather than a spawned subprocess. Exposed so packages that depend on
// the pool (notably internal/broker) can exercise real handler logic
// against a fake upstream in their own tests.
func NewTestPool(name string, session Session, breakerCfg breaker.Config) *Pool {
	p := New([]config.MCPServerConfig{{Name: name, Command: "unused"}}, breakerCfg, time.Second)
	p.connectFn = func(ctx context.Context, c *client) (Session, error) {
		return session, nil
	}
	return p
}

func (p *Pool) get(name string) (*client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[name]
	return c, ok
}

// getOrReconnect returns a live session for name, reconnecting if
// necessary. Concurrent reconnect attempts for the same server are
// coalesced via singleflight.
func (p *Pool) getOrReconnect(ctx context.Context, name string) (Session, error) {
	c, ok := p.get(name)
	if !ok {
		return nil, fmt.Errorf("unknown upstream server %q", name)
	}

	c.mu.RLock()
	session, stale := c.session, c.stale
	c.mu.RUnlock()
	if session != nil && !stale {
		return session, nil
	}

	val, err, _ := p.reconnectGroup.Do(name, func() (interface{}, error) {
		c.mu.RLock()
		session, stale := c.session, c.stale
		c.mu.RUnlock()
		if session != nil && !stale {
			return session, nil
		}
		session, err := p.connectFn(ctx, c)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.session = session
		c.stale = false
		c.mu.Unlock()
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(Session), nil
}

// spawnAndConnect launches the server's child process and opens a
// framed-stdio MCP session. It is the default connectFn; tests
// substitute their own to avoid spawning real processes.
func (p *Pool) spawnAndConnect(ctx context.Context, c *client) (Session, error) {
	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		env := cmd.Environ()
		for k, v := range c.cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	transport := &mcp.CommandTransport{Command: cmd}
	mcpClient := mcp.NewClient(p.impl, nil)

	session, err := mcpClient.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect upstream %q: %w", c.cfg.Name, err)
	}

	slog.Info("upstream connected", "server", c.cfg.Name, "command", c.cfg.Command)
	return session, nil
}

func (p *Pool) markStale(name string) {
	if c, ok := p.get(name); ok {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
	}
}

// ConnectedCount reports how many upstream servers currently hold a
// live, non-stale session. Used by the health handler.
func (p *Pool) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, c := range p.clients {
		c.mu.RLock()
		if c.session != nil && !c.stale {
			n++
		}
		c.mu.RUnlock()
	}
	return n
}

// ServerStatus is a per-server snapshot used by the metrics exporter
// and health handler: whether the pool currently holds a live session
// for it, and what state its circuit breaker is in.
type ServerStatus struct {
	Connected    bool
	BreakerState breaker.State
}

// Statuses returns a ServerStatus for every configured upstream,
// keyed by server name.
func (p *Pool) Statuses() map[string]ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ServerStatus, len(p.clients))
	for name, c := range p.clients {
		out[name] = statusOf(c)
	}
	return out
}

// Status returns the ServerStatus for a single named upstream.
func (p *Pool) Status(name string) (ServerStatus, bool) {
	c, ok := p.get(name)
	if !ok {
		return ServerStatus{}, false
	}
	return statusOf(c), true
}

func statusOf(c *client) ServerStatus {
	c.mu.RLock()
	connected := c.session != nil && !c.stale
	c.mu.RUnlock()
	return ServerStatus{
		Connected:    connected,
		BreakerState: c.breaker.Status().State,
	}
}

// ListAllTools returns the union of tool IDs currently known across
// every connected upstream. Used by the health handler.
func (p *Pool) ListAllTools(ctx context.Context) []toolid.ID {
	p.mu.RLock()
	names := make([]string, 0, len(p.clients))
	for n := range p.clients {
		names = append(names, n)
	}
	p.mu.RUnlock()

	var mu sync.Mutex
	var all []toolid.ID
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			schemas, err := p.ListToolSchemas(ctx, name)
			if err != nil {
				return
			}
			mu.Lock()
			for _, s := range schemas {
				all = append(all, s.Name)
			}
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return all
}

// ListToolSchemas queries a single upstream's currently advertised
// tools. A connection failure is returned to the caller (schemacache
// decides whether to fall back to a stale cached copy); this method
// itself does not swallow errors, so ListAllToolSchemas' resilient
// aggregation happens one level up.
func (p *Pool) ListToolSchemas(ctx context.Context, server string) ([]mcpschema.ToolSchema, error) {
	session, err := p.getOrReconnect(ctx, server)
	if err != nil {
		return nil, err
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		p.markStale(server)
		return nil, fmt.Errorf("list tools on %q: %w", server, err)
	}

	schemas := make([]mcpschema.ToolSchema, 0, len(result.Tools))
	for _, t := range result.Tools {
		id, err := toolid.New(server, t.Name)
		if err != nil {
			slog.Warn("skipping tool with invalid name", "server", server, "tool", t.Name, "error", err)
			continue
		}
		var inputSchema json.RawMessage
		if t.InputSchema != nil {
			if b, err := json.Marshal(t.InputSchema); err == nil {
				inputSchema = b
			} else {
				slog.Warn("skipping unmarshalable input schema", "server", server, "tool", t.Name, "error", err)
			}
		}
		schemas = append(schemas, mcpschema.ToolSchema{
			Name:        id,
			Description: t.Description,
			InputSchema: inputSchema,
		})
	}
	return schemas, nil
}

// ListAllToolSchemas queries every upstream in parallel. A failed
// upstream contributes no tools but does not fail the aggregate.
func (p *Pool) ListAllToolSchemas(ctx context.Context) []mcpschema.ToolSchema {
	p.mu.RLock()
	names := make([]string, 0, len(p.clients))
	for n := range p.clients {
		names = append(names, n)
	}
	p.mu.RUnlock()

	var mu sync.Mutex
	var all []mcpschema.ToolSchema
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			schemas, err := p.ListToolSchemas(ctx, name)
			if err != nil {
				slog.Warn("upstream tool listing failed, excluding from aggregate", "server", name, "error", err)
				return
			}
			mu.Lock()
			all = append(all, schemas...)
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return all
}

// CallTool routes a parsed tool ID to its upstream, wrapped by that
// server's circuit breaker. On a transport error it attempts one
// reconnect and retries once.
func (p *Pool) CallTool(ctx context.Context, id toolid.ID, params map[string]any) (*mcp.CallToolResult, error) {
	c, ok := p.get(id.Server())
	if !ok {
		return nil, fmt.Errorf("unknown upstream server %q", id.Server())
	}

	var result *mcp.CallToolResult
	attempt := func(ctx context.Context) error {
		session, err := p.getOrReconnect(ctx, id.Server())
		if err != nil {
			return err
		}
		r, err := session.CallTool(ctx, &mcp.CallToolParams{Name: id.Tool(), Arguments: params})
		if err != nil {
			p.markStale(id.Server())
			return err
		}
		result = r
		return nil
	}

	err := c.breaker.Call(ctx, attempt)
	if err != nil {
		var openErr *breaker.OpenError
		if asOpenError(err, &openErr) {
			return nil, err
		}
		// One reconnect-and-retry on transport failure.
		err = c.breaker.Call(ctx, attempt)
	}
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", id.String(), err)
	}
	return result, nil
}

func asOpenError(err error, target **breaker.OpenError) bool {
	oe, ok := err.(*breaker.OpenError)
	if ok {
		*target = oe
	}
	return ok
}

// Cleanup closes every connected upstream's transport.
func (p *Pool) Cleanup() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, c := range p.clients {
		c.mu.Lock()
		if c.session != nil {
			if err := c.session.Close(); err != nil {
				slog.Warn("error closing upstream session", "server", name, "error", err)
			}
			c.session = nil
		}
		c.mu.Unlock()
	}
}
