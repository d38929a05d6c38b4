package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aberemia24/code-executor-broker/internal/allowlist"
	"github.com/aberemia24/code-executor-broker/internal/breaker"
	"github.com/aberemia24/code-executor-broker/internal/cache"
	"github.com/aberemia24/code-executor-broker/internal/mcpschema"
	"github.com/aberemia24/code-executor-broker/internal/ratelimit"
	"github.com/aberemia24/code-executor-broker/internal/schemacache"
	"github.com/aberemia24/code-executor-broker/internal/toolid"
	"github.com/aberemia24/code-executor-broker/internal/upstream"
)

type fakeSession struct {
	tools   []mcp.Tool
	result  *mcp.CallToolResult
	callErr error
}

func (f *fakeSession) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func (f *fakeSession) Close() error { return nil }

type neverShuttingDown struct{}

func (neverShuttingDown) IsShuttingDown() bool { return false }

type alwaysShuttingDown struct{}

func (alwaysShuttingDown) IsShuttingDown() bool { return true }

func mustID(t *testing.T, server, tool string) toolid.ID {
	t.Helper()
	id, err := toolid.New(server, tool)
	if err != nil {
		t.Fatalf("unexpected error building tool id: %v", err)
	}
	return id
}

// testServer wires a Server against a single fake upstream named
// "zen" exposing tool "codereview", generously rate-limited unless the
// test overrides it.
func testServer(t *testing.T, session *fakeSession, ids []toolid.ID, limiter *ratelimit.Limiter, shutdown ShutdownChecker) *Server {
	t.Helper()
	pool := upstream.NewTestPool("zen", session, breaker.Config{
		FailureThreshold: 2, Cooldown: time.Minute, Timeout: time.Second,
	})
	provider := cache.LRUProvider[mcpschema.ToolSchema]{LRU: cache.NewLRU[mcpschema.ToolSchema](64, 0)}
	sc := schemacache.New(provider, pool)
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Rule{MaxRequests: 1000, Window: time.Minute}, nil)
	}
	if shutdown == nil {
		shutdown = neverShuttingDown{}
	}
	allowList := allowlist.New(ids)
	s, err := New(allowList, limiter, sc, pool, nil, shutdown, false)
	if err != nil {
		t.Fatalf("unexpected error constructing server: %v", err)
	}
	return s
}

func doRequest(s *Server, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.Token())
	rec := httptest.NewRecorder()
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.wrap("/", s.handleRoot))
	mux.HandleFunc("/mcp/tools", s.wrap("/mcp/tools", s.handleDiscovery))
	mux.HandleFunc("/health", s.wrap("/health", s.handleHealth))
	mux.HandleFunc("/metrics", s.wrap("/metrics", s.handleMetrics))
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleToolCall_AllowedToolSucceeds(t *testing.T) {
	session := &fakeSession{}
	id := mustID(t, "zen", "codereview")
	s := testServer(t, session, []toolid.ID{id}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/", `{"toolName":"mcp__zen__codereview","params":{}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleToolCall_RejectsUnlistedTool(t *testing.T) {
	session := &fakeSession{}
	s := testServer(t, session, nil, nil, nil) // empty allow-list

	rec := doRequest(s, http.MethodPost, "/", `{"toolName":"mcp__zen__codereview","params":{}}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleToolCall_RateLimitExceeded(t *testing.T) {
	session := &fakeSession{}
	id := mustID(t, "zen", "codereview")
	limiter := ratelimit.New(ratelimit.Rule{MaxRequests: 1, Window: time.Minute}, nil)
	s := testServer(t, session, []toolid.ID{id}, limiter, nil)

	first := doRequest(s, http.MethodPost, "/", `{"toolName":"mcp__zen__codereview","params":{}}`)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first call to succeed, got %d", first.Code)
	}
	second := doRequest(s, http.MethodPost, "/", `{"toolName":"mcp__zen__codereview","params":{}}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second call, got %d: %s", second.Code, second.Body.String())
	}
}

func TestHandleToolCall_BlocksSSRFTarget(t *testing.T) {
	session := &fakeSession{}
	id := mustID(t, "zen", "fetch")
	s := testServer(t, session, []toolid.ID{id}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/", `{"toolName":"mcp__zen__fetch","params":{"url":"http://169.254.169.254/latest/meta-data"}}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for SSRF-blocked target, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleToolCall_RedactsSecretInOutput(t *testing.T) {
	session := &fakeSession{result: &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "key=sk-abcdefghijklmnopqrstuvwxyz"}},
	}}
	id := mustID(t, "zen", "codereview")
	s := testServer(t, session, []toolid.ID{id}, nil, nil)

	rec := doRequest(s, http.MethodPost, "/", `{"toolName":"mcp__zen__codereview","params":{}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-abcdefghijklmnopqrstuvwxyz") {
		t.Error("expected secret to be redacted from response body")
	}
	if !strings.Contains(rec.Body.String(), "REDACTED_SECRET") {
		t.Error("expected redaction marker in response body")
	}
}

func TestHandleDiscovery_FiltersByKeyword(t *testing.T) {
	session := &fakeSession{tools: []mcp.Tool{
		{Name: "codereview", Description: "review code for bugs"},
		{Name: "precommit", Description: "run precommit checks"},
	}}
	id1 := mustID(t, "zen", "codereview")
	id2 := mustID(t, "zen", "precommit")
	s := testServer(t, session, []toolid.ID{id1, id2}, nil, nil)

	rec := doRequest(s, http.MethodGet, "/mcp/tools?q=review", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Tools []mcpschema.ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Tools) != 1 || body.Tools[0].Name.Tool() != "codereview" {
		t.Fatalf("expected only codereview to match, got %+v", body.Tools)
	}
}

func TestHandleDiscovery_RejectsInvalidQuery(t *testing.T) {
	s := testServer(t, &fakeSession{}, nil, nil, nil)
	rec := doRequest(s, http.MethodGet, "/mcp/tools?q="+"%3Cscript%3E", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid query, got %d", rec.Code)
	}
}

func TestHandleHealth_ReportsConnectedAndSize(t *testing.T) {
	s := testServer(t, &fakeSession{}, nil, nil, nil)
	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
}

func TestWrap_RejectsMissingOrWrongToken(t *testing.T) {
	s := testServer(t, &fakeSession{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	s.wrap("/health", s.handleHealth)(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWrap_RejectsDuringShutdown(t *testing.T) {
	s := testServer(t, &fakeSession{}, nil, nil, alwaysShuttingDown{})
	rec := doRequest(s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 during shutdown, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header during shutdown")
	}
}

func TestHandleRoot_WrongMethodAndPath(t *testing.T) {
	s := testServer(t, &fakeSession{}, nil, nil, nil)

	rec := doRequest(s, http.MethodGet, "/", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /, got %d", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}
}
