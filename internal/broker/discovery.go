package broker

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aberemia24/code-executor-broker/internal/audit"
	"github.com/aberemia24/code-executor-broker/internal/mcpschema"
	"github.com/aberemia24/code-executor-broker/internal/metrics"
)

var keywordPattern = regexp.MustCompile(`^[A-Za-z0-9 _-]{1,100}$`)

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	queries := r.URL.Query()["q"]
	for _, q := range queries {
		if !keywordPattern.MatchString(q) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid query parameter",
				"query": q,
			})
			return
		}
	}

	decision := s.limiter.Check(clientID(r), "discovery")
	metrics.RateLimitDecisions.WithLabelValues("discovery", decisionLabel(decision.Allowed)).Inc()
	if !decision.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded",
			"retryAfter": decision.RetryAfter.Seconds(),
			"limit":      decision.Limit,
			"window":     decision.Window.Seconds(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DiscoveryTimeout)
	defer cancel()

	all, err := s.listAllSchemas(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Request timeout after 500ms")
		return
	}

	keywords := make([]string, len(queries))
	for i, q := range queries {
		keywords[i] = strings.ToLower(q)
	}

	matched := filterSchemas(all, keywords)

	s.emitAudit(r.Context(), audit.Record{
		Kind:        "discovery",
		ExecutionID: s.executionID,
		ClientID:    clientID(r),
		Query:       queries,
		Status:      "success",
		Timestamp:   time.Now(),
	})

	writeJSON(w, http.StatusOK, map[string]any{"tools": matched})
}

// listAllSchemas runs the pool's parallel aggregation on a goroutine so
// a hung upstream cannot hold the handler past ctx's deadline.
func (s *Server) listAllSchemas(ctx context.Context) ([]mcpschema.ToolSchema, error) {
	done := make(chan []mcpschema.ToolSchema, 1)
	go func() {
		done <- s.pool.ListAllToolSchemas(ctx)
	}()
	select {
	case schemas := <-done:
		return schemas, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func filterSchemas(all []mcpschema.ToolSchema, keywords []string) []mcpschema.ToolSchema {
	if len(keywords) == 0 {
		return all
	}
	matched := make([]mcpschema.ToolSchema, 0, len(all))
	for _, t := range all {
		for _, kw := range keywords {
			if t.MatchesKeyword(kw) {
				matched = append(matched, t)
				break
			}
		}
	}
	return matched
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// clientID keys the rate limiter's buckets. A proxy instance serves a
// single sandboxed execution, but the limiter is shared across the
// process, so requests are still distinguished by their source address.
func clientID(r *http.Request) string {
	return r.RemoteAddr
}
