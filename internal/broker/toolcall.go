package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aberemia24/code-executor-broker/internal/allowlist"
	"github.com/aberemia24/code-executor-broker/internal/audit"
	"github.com/aberemia24/code-executor-broker/internal/breaker"
	"github.com/aberemia24/code-executor-broker/internal/contentfilter"
	"github.com/aberemia24/code-executor-broker/internal/errorfmt"
	"github.com/aberemia24/code-executor-broker/internal/metrics"
	"github.com/aberemia24/code-executor-broker/internal/netfilter"
	"github.com/aberemia24/code-executor-broker/internal/toolid"
)

type toolCallRequest struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req toolCallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	decision := s.limiter.Check(clientID(r), "default")
	metrics.RateLimitDecisions.WithLabelValues("default", decisionLabel(decision.Allowed)).Inc()
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded",
			"retryAfter": decision.RetryAfter.Seconds(),
			"limit":      decision.Limit,
			"window":     decision.Window.Seconds(),
		})
		return
	}

	id, err := toolid.Parse(req.ToolName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.allowList.Validate(id); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}

	start := time.Now()
	status := allowlist.StatusError
	var toolErr string

	result, schemaErrStatus, handlerErr := s.invokeTool(r.Context(), id, req.Params)
	duration := time.Since(start)

	if handlerErr == nil {
		status = allowlist.StatusSuccess
	} else {
		toolErr = handlerErr.Error()
	}
	s.tracker.Record(id.String(), duration, status, toolErr)
	metrics.UpstreamToolCalls.WithLabelValues(id.Server(), id.Tool(), string(status)).Inc()

	s.emitAudit(r.Context(), audit.Record{
		Kind:        "tool_call",
		ExecutionID: s.executionID,
		ClientID:    clientID(r),
		ToolName:    id.String(),
		Status:      string(status),
		DurationMs:  duration.Milliseconds(),
		Error:       toolErr,
		Timestamp:   time.Now(),
	})

	if handlerErr != nil {
		writeToolError(w, schemaErrStatus, handlerErr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// invokeTool runs steps 4-8 of §4.L: schema validation, the
// circuit-breaker-guarded upstream call, SSRF pre-validation for
// URL-fetching tools, and output content filtering. The returned HTTP
// status is only meaningful when err is non-nil.
func (s *Server) invokeTool(ctx context.Context, id toolid.ID, params map[string]any) (json.RawMessage, int, error) {
	schema, err := s.schemaCache.Get(ctx, id.Server(), id.Tool())
	if err == nil && len(schema.InputSchema) > 0 {
		if verr := s.validateParams(id, schema.InputSchema, params); verr != nil {
			formatted := errorfmt.Format(verr)
			msg, _ := json.Marshal(formatted)
			return nil, http.StatusBadRequest, errors.New(string(msg))
		}
	}

	if url, ok := fetchTargetURL(params); ok {
		verdict := netfilter.ClassifyURL(url)
		if !verdict.Allowed {
			return nil, http.StatusForbidden, errors.New("blocked target URL: " + verdict.Detail)
		}
	}

	callResult, err := s.pool.CallTool(ctx, id, params)
	if status, ok := s.pool.Status(id.Server()); ok {
		metrics.CircuitBreakerState.WithLabelValues(id.Server()).Set(metrics.BreakerStateValue(status.BreakerState.String()))
		connections := 0.0
		if status.Connected {
			connections = 1
		}
		metrics.PoolActiveConnections.WithLabelValues(id.Server()).Set(connections)
	}
	if err != nil {
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			return nil, http.StatusServiceUnavailable, err
		}
		return nil, http.StatusInternalServerError, err
	}

	resultJSON, err := json.Marshal(callResult)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}

	redacted, report, err := contentfilter.Filter(string(resultJSON), s.rejectOnSecret)
	for _, v := range report.Violations {
		metrics.ContentFilterViolations.WithLabelValues(string(v.Kind)).Add(float64(v.Count))
	}
	if err != nil {
		var rejectErr *contentfilter.RejectOnSecret
		if errors.As(err, &rejectErr) {
			return nil, http.StatusForbidden, err
		}
		return nil, http.StatusInternalServerError, err
	}

	return json.RawMessage(redacted), http.StatusOK, nil
}

// validateParams compiles rawSchema (cached per tool) and validates
// params against it, returning a *jsonschema.ValidationError on failure.
func (s *Server) validateParams(id toolid.ID, rawSchema json.RawMessage, params map[string]any) error {
	key := id.String()
	schema, fresh, found := s.compiledSchemas.Get(key)
	_ = fresh
	if found {
		metrics.CacheHits.WithLabelValues("compiled_schema").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("compiled_schema").Inc()
	}
	if !found {
		compiled, err := jsonschema.CompileString(key, string(rawSchema))
		if err != nil {
			// A schema that fails to compile cannot be enforced; let
			// the call through rather than failing closed on our own bug.
			return nil
		}
		schema = compiled
		s.compiledSchemas.Set(key, schema)
	}

	var doc any
	if err := json.Unmarshal(mustMarshal(params), &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// fetchTargetURL reports whether params looks like the arguments to a
// URL-fetching tool, returning the candidate URL if so.
func fetchTargetURL(params map[string]any) (string, bool) {
	for _, key := range []string{"url", "URL", "target"} {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func writeToolError(w http.ResponseWriter, status int, err error) {
	var body map[string]any
	if jsonErr := json.Unmarshal([]byte(err.Error()), &body); jsonErr == nil {
		if _, ok := body["userFriendly"]; ok {
			writeJSON(w, status, map[string]any{
				"error":       body["userFriendly"],
				"suggestions": body["suggestions"],
			})
			return
		}
	}
	writeError(w, status, err.Error())
}
