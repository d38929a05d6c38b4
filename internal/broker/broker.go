// Package broker implements the loopback HTTP proxy a sandboxed
// execution talks to: tool invocation, discovery, health, and metrics,
// all gated by a per-instance bearer token and the shared rate
// limiter/circuit-breaker/allow-list collaborators.
package broker

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aberemia24/code-executor-broker/internal/allowlist"
	"github.com/aberemia24/code-executor-broker/internal/audit"
	"github.com/aberemia24/code-executor-broker/internal/cache"
	"github.com/aberemia24/code-executor-broker/internal/metrics"
	"github.com/aberemia24/code-executor-broker/internal/ratelimit"
	"github.com/aberemia24/code-executor-broker/internal/schemacache"
	"github.com/aberemia24/code-executor-broker/internal/upstream"
)

// DiscoveryTimeout is the hard deadline discovery requests are held to.
const DiscoveryTimeout = 500 * time.Millisecond

// ShutdownChecker reports whether the graceful shutdown sequence has
// started; the proxy consults it on every request.
type ShutdownChecker interface {
	IsShuttingDown() bool
}

// Server is one execution's loopback proxy: its own token, listener,
// and call tracker, sharing the pool/cache/breaker collaborators with
// every other concurrently running execution.
type Server struct {
	token           string
	executionID     string
	startedAt       time.Time
	allowList       *allowlist.AllowList
	tracker         *allowlist.Tracker
	limiter         *ratelimit.Limiter
	schemaCache     *schemacache.Cache
	pool            *upstream.Pool
	auditSink       audit.Sink
	shutdown        ShutdownChecker
	rejectOnSecret  bool
	compiledSchemas *cache.LRU[*jsonschema.Schema]

	httpServer *http.Server
}

// New constructs a proxy server bound to 127.0.0.1 on a random
// ephemeral port, generating a fresh 256-bit bearer token.
func New(
	allowList *allowlist.AllowList,
	limiter *ratelimit.Limiter,
	schemaCache *schemacache.Cache,
	pool *upstream.Pool,
	auditSink audit.Sink,
	shutdown ShutdownChecker,
	rejectOnSecret bool,
) (*Server, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate bearer token: %w", err)
	}
	if auditSink == nil {
		auditSink = audit.Noop{}
	}

	s := &Server{
		token:           token,
		executionID:     uuid.NewString(),
		startedAt:       time.Now(),
		allowList:       allowList,
		tracker:         allowlist.NewTracker(),
		limiter:         limiter,
		schemaCache:     schemaCache,
		pool:            pool,
		auditSink:       auditSink,
		shutdown:        shutdown,
		rejectOnSecret:  rejectOnSecret,
		compiledSchemas: cache.NewLRU[*jsonschema.Schema](256, 0),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.wrap("/", s.handleRoot))
	mux.HandleFunc("/mcp/tools", s.wrap("/mcp/tools", s.handleDiscovery))
	mux.HandleFunc("/health", s.wrap("/health", s.handleHealth))
	mux.HandleFunc("/metrics", s.wrap("/metrics", s.handleMetrics))

	s.httpServer = &http.Server{Handler: mux}
	return s, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32) // 256 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Token returns the bearer token the sandbox runner must present.
func (s *Server) Token() string { return s.token }

// Tracker returns the call tracker accumulating this execution's invocations.
func (s *Server) Tracker() *allowlist.Tracker { return s.tracker }

// Start begins listening on 127.0.0.1 and returns the bound address
// (with its resolved ephemeral port) once the listener is live.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().String()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("proxy server stopped unexpectedly", "error", err)
		}
	}()
	return addr, nil
}

// Close implements shutdown.Listener.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.handleToolCall(w, r)
}

// wrap applies the authorization check, shutdown gate, and per-request
// metrics/logging bookkeeping described in §4.J around a handler.
func (s *Server) wrap(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		}()

		if s.shutdown != nil && s.shutdown.IsShuttingDown() {
			sw.Header().Set("Retry-After", "5")
			writeJSON(sw, http.StatusServiceUnavailable, map[string]string{
				"error": "Server is shutting down, please retry your request",
			})
			return
		}

		if !s.authorize(r) {
			writeError(sw, http.StatusUnauthorized, "Auth token invalid")
			return
		}

		next(sw, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	const prefix = "Bearer "
	got := r.Header.Get("Authorization")
	if len(got) <= len(prefix) || got[:len(prefix)] != prefix {
		return false
	}
	presented := got[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// emitAudit writes rec to the audit sink, treating any failure as
// best-effort per §7's "audit-log failures are logged and swallowed".
func (s *Server) emitAudit(ctx context.Context, rec audit.Record) {
	if err := s.auditSink.Write(ctx, rec); err != nil {
		slog.Warn("audit write failed", "kind", rec.Kind, "error", err)
	}
}
