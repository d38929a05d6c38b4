package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// MCPServerConfig is one entry of an mcpServers document (§3, §6):
// {name, command, args[], env?, sourceTool}.
type MCPServerConfig struct {
	Name       string
	Command    string
	Args       []string
	Env        map[string]string
	SourceTool string
}

// mcpServersDocument mirrors the on-disk {"mcpServers": {...}} shape.
type mcpServersDocument struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// LoadMCPServerConfigs reads one or more mcpServers documents (a
// project-local file followed by zero or more tool-local files) and
// merges them by name, later sources overriding earlier ones. Entries
// missing "command" are skipped with a warning. A document missing
// "mcpServers" entirely is treated as empty.
func LoadMCPServerConfigs(paths ...string) ([]MCPServerConfig, error) {
	merged := make(map[string]MCPServerConfig)
	var order []string

	for _, path := range paths {
		if path == "" {
			continue
		}
		expanded := ExpandPath(path)
		data, err := os.ReadFile(expanded)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Debug("mcp server config not found", "path", expanded)
				continue
			}
			return nil, fmt.Errorf("read mcp server config %s: %w", expanded, err)
		}

		var doc mcpServersDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse mcp server config %s: %w", expanded, err)
		}

		for name, entry := range doc.MCPServers {
			if entry.Command == "" {
				slog.Warn("mcp server entry missing command, skipping", "name", name, "source", expanded)
				continue
			}
			if _, exists := merged[name]; !exists {
				order = append(order, name)
			}
			merged[name] = MCPServerConfig{
				Name:       name,
				Command:    entry.Command,
				Args:       entry.Args,
				Env:        entry.Env,
				SourceTool: expanded,
			}
		}
	}

	result := make([]MCPServerConfig, 0, len(order))
	for _, name := range order {
		result = append(result, merged[name])
	}
	return result, nil
}

// ExpandPath expands a leading "~" and Windows-style %USERPROFILE%/%APPDATA%
// environment references in a config path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + strings.TrimPrefix(path, "~")
		}
	}
	path = strings.ReplaceAll(path, "%USERPROFILE%", os.Getenv("USERPROFILE"))
	path = strings.ReplaceAll(path, "%APPDATA%", os.Getenv("APPDATA"))
	return path
}
