package broker

import (
	"net/http"
	"time"
)

type healthBody struct {
	Healthy     bool              `json:"healthy"`
	Timestamp   time.Time         `json:"timestamp"`
	UptimeMs    int64             `json:"uptime"`
	MCPClients  healthMCPClients  `json:"mcpClients"`
	SchemaCache healthSchemaCache `json:"schemaCache"`
}

type healthMCPClients struct {
	Connected int `json:"connected"`
}

type healthSchemaCache struct {
	Size int `json:"size"`
}

// handleHealth always returns 200; load balancers inspect the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	connected := 0
	if s.pool != nil {
		connected = s.pool.ConnectedCount()
	}

	size := 0
	if s.schemaCache != nil {
		size = s.schemaCache.Size()
	}

	writeJSON(w, http.StatusOK, healthBody{
		Healthy:     connected > 0,
		Timestamp:   time.Now(),
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
		MCPClients:  healthMCPClients{Connected: connected},
		SchemaCache: healthSchemaCache{Size: size},
	})
}
