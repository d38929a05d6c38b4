// Command broker is the thin CLI wrapper around the code-execution
// broker core: it wires every collaborator package together, starts
// one execution's loopback proxy, and hands the submitted script to
// the Starlark sandbox runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aberemia24/code-executor-broker/internal/allowlist"
	"github.com/aberemia24/code-executor-broker/internal/audit"
	"github.com/aberemia24/code-executor-broker/internal/breaker"
	"github.com/aberemia24/code-executor-broker/internal/broker"
	"github.com/aberemia24/code-executor-broker/internal/cache"
	"github.com/aberemia24/code-executor-broker/internal/config"
	"github.com/aberemia24/code-executor-broker/internal/mcpschema"
	"github.com/aberemia24/code-executor-broker/internal/ratelimit"
	"github.com/aberemia24/code-executor-broker/internal/sandbox"
	"github.com/aberemia24/code-executor-broker/internal/schemacache"
	"github.com/aberemia24/code-executor-broker/internal/shutdown"
	"github.com/aberemia24/code-executor-broker/internal/toolid"
	"github.com/aberemia24/code-executor-broker/internal/upstream"
)

func main() {
	var (
		scriptPath = flag.String("script", "", "path to the script to execute (reads stdin if empty)")
		toolsFlag  = flag.String("tools", "", "comma-separated mcp__<server>__<tool> ids this execution may call (default: every discovered tool)")
		writePaths = flag.String("write-paths", "", "comma-separated filesystem prefixes the script's write_file builtin may write under")
	)
	flag.Parse()

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	baseSink := buildAuditSink(cfg)
	auditSink := audit.NewAsyncSink(baseSink, 2, 256)
	defer auditSink.Close()

	servers, err := config.LoadMCPServerConfigs(cfg.MCPConfigPath)
	if err != nil {
		slog.Error("load mcp server configs failed", "error", err)
		os.Exit(1)
	}

	pool := upstream.New(servers, breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.Threshold,
		Cooldown:         cfg.CircuitBreakerCooldown(),
		Timeout:          60 * time.Second,
	}, 10*time.Second)
	defer pool.Cleanup()

	schemaProvider := buildSchemaProvider(cfg)
	schemaCache := schemacache.New(schemaProvider, pool)

	limiter := ratelimit.New(ratelimit.Rule{
		MaxRequests: cfg.Executor.RateLimitRPM,
		Window:      time.Minute,
	}, map[string]ratelimit.Rule{
		"discovery": {MaxRequests: cfg.Executor.RateLimitRPM, Window: time.Minute},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	allTools := pool.ListAllToolSchemas(ctx)
	cancel()

	allowedIDs := resolveAllowedTools(*toolsFlag, allTools)
	allowList := allowlist.New(allowedIDs)

	// The coordinator needs the proxy server as its Listener, and the
	// proxy server needs the coordinator as its ShutdownChecker; lr
	// breaks the cycle by being constructed first and filled in once
	// srv exists.
	lr := &listenerRef{}
	shutdownCoordinator := shutdown.New(lr, auditSink, 30*time.Second, auditSink)

	srv, err := broker.New(allowList, limiter, schemaCache, pool, auditSink, shutdownCoordinator, false)
	if err != nil {
		slog.Error("construct proxy server failed", "error", err)
		os.Exit(1)
	}
	lr.srv = srv

	addr, err := srv.Start()
	if err != nil {
		slog.Error("start proxy server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("proxy listening", "addr", addr, "bridgeHost", cfg.BridgeHost())

	runCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	shutdownCoordinator.ListenForSignals(runCtx)

	code, err := readScript(*scriptPath)
	if err != nil {
		slog.Error("read script failed", "error", err)
		os.Exit(1)
	}

	allowedNames := make([]string, len(allowedIDs))
	for i, id := range allowedIDs {
		allowedNames[i] = id.String()
	}

	runner := sandbox.New(allowedNames, "")
	result := runner.Run(context.Background(), sandbox.ProxyInfo{
		URL:   "http://" + addr + "/",
		Token: srv.Token(),
	}, sandbox.Request{
		Code:         code,
		AllowedTools: allowedNames,
		TimeoutMs:    cfg.Executor.TimeoutMs,
		Permissions:  sandbox.Permissions{WritePaths: splitNonEmpty(*writePaths)},
	})

	exitCode := shutdownCoordinator.Shutdown(context.Background())

	if !result.Success {
		fmt.Fprintln(os.Stderr, result.Error)
		os.Exit(1)
	}
	fmt.Fprint(os.Stdout, result.Output)
	os.Exit(exitCode)
}

// listenerRef adapts a *broker.Server to shutdown.Listener even though
// the server doesn't exist yet at the point the coordinator is built.
type listenerRef struct {
	srv *broker.Server
}

func (l *listenerRef) Close() error {
	if l.srv == nil {
		return nil
	}
	return l.srv.Close()
}

func readScript(path string) (string, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveAllowedTools parses an explicit -tools flag, or (when absent)
// defaults to every tool currently discoverable across the configured
// upstreams — the broker still enforces an allow-list per §4.I, it is
// simply the full discovered set when the caller didn't narrow it.
func resolveAllowedTools(flagValue string, discovered []mcpschema.ToolSchema) []toolid.ID {
	if flagValue == "" {
		ids := make([]toolid.ID, len(discovered))
		for i, s := range discovered {
			ids[i] = s.Name
		}
		return ids
	}
	var ids []toolid.ID
	for _, raw := range splitNonEmpty(flagValue) {
		id, err := toolid.Parse(raw)
		if err != nil {
			slog.Warn("skipping invalid tool id in -tools flag", "value", raw, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func buildAuditSink(cfg *config.Config) audit.Sink {
	if !cfg.Audit.Enabled {
		return audit.Noop{}
	}
	if strings.HasSuffix(cfg.Audit.Path, ".db") || strings.HasSuffix(cfg.Audit.Path, ".sqlite") {
		sink, err := audit.NewSQLiteSink(cfg.Audit.Path)
		if err != nil {
			slog.Error("open sqlite audit sink failed, falling back to noop", "error", err)
			return audit.Noop{}
		}
		return sink
	}
	return audit.NewFileSink(cfg.Audit.Path)
}

// buildSchemaProvider backs the schema cache with a Redis-distributed
// provider when SCHEMA_CACHE_REDIS_ADDR is set, otherwise a
// process-local LRU, per spec.md §4.D's construction-time disablement.
func buildSchemaProvider(cfg *config.Config) schemacache.Provider {
	ttl := cfg.SchemaCacheTTL()
	addr := os.Getenv("SCHEMA_CACHE_REDIS_ADDR")
	if addr == "" {
		return cache.LRUProvider[mcpschema.ToolSchema]{LRU: cache.NewLRU[mcpschema.ToolSchema](1024, ttl)}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return cache.NewDistributed[mcpschema.ToolSchema](client, 1024, ttl, 10*time.Second)
}

func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var writers []io.Writer
	var closers []io.Closer
	outputs := strings.Split(cfg.Log.Output, ",")

	for _, output := range outputs {
		output = strings.TrimSpace(output)
		if output == "" {
			continue
		}

		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			l := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    100,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			}
			w = l
			closers = append(closers, l)
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	multiWriter := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(multiWriter, opts)
	} else {
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	return slog.New(handler), cleanup
}
