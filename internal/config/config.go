// Package config loads the broker's runtime configuration: defaults,
// then an optional YAML overlay, then the environment variables §6 of
// the specification recognizes (which always win, since most of them
// carry secrets or values an orchestrator injects at deploy time).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's runtime configuration.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format string `yaml:"format"` // text, json
		Output string `yaml:"output"` // stdout, stderr, or a comma-separated list including file paths
	} `yaml:"log"`

	MCPConfigPath   string   `yaml:"-"`
	AllowedProjects []string `yaml:"-"`

	Audit struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"audit"`

	Executor struct {
		TimeoutMs        int `yaml:"timeout_ms"`
		SchemaCacheTTLMs int `yaml:"schema_cache_ttl_ms"`
		RateLimitRPM     int `yaml:"rate_limit_rpm"`
	} `yaml:"executor"`

	CircuitBreaker struct {
		Threshold int `yaml:"threshold"`
		TimeoutMs int `yaml:"timeout_ms"`
	} `yaml:"circuit_breaker"`

	DockerContainer bool `yaml:"-"`
}

const defaultConfigPath = "broker.yaml"

// GetLogLevel returns the slog.Level based on Log.Level string.
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SchemaCacheTTL returns the configured schema-cache TTL as a duration.
func (c *Config) SchemaCacheTTL() time.Duration {
	return time.Duration(c.Executor.SchemaCacheTTLMs) * time.Millisecond
}

// ExecutorTimeout returns the configured per-execution timeout.
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutMs) * time.Millisecond
}

// CircuitBreakerCooldown returns the configured circuit-breaker cooldown.
func (c *Config) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreaker.TimeoutMs) * time.Millisecond
}

// LoadConfig loads configuration from an optional YAML file and
// supplements it with the environment variables §6 recognizes.
func LoadConfig() *Config {
	cfg := &Config{}

	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Executor.TimeoutMs = 120_000
	cfg.Executor.SchemaCacheTTLMs = 86_400_000
	cfg.Executor.RateLimitRPM = 60
	cfg.CircuitBreaker.Threshold = 5
	cfg.CircuitBreaker.TimeoutMs = 30_000

	configPath := getEnv("BROKER_CONFIG_PATH", defaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			slog.Error("read config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config not found, using defaults", "path", configPath)
	}

	cfg.MCPConfigPath = getEnv("MCP_CONFIG_PATH", cfg.MCPConfigPath)
	if projects := os.Getenv("ALLOWED_PROJECTS"); projects != "" {
		cfg.AllowedProjects = strings.Split(projects, ":")
	}

	cfg.Audit.Enabled = getEnvBool("ENABLE_AUDIT_LOG", cfg.Audit.Enabled)
	cfg.Audit.Path = getEnv("AUDIT_LOG_PATH", cfg.Audit.Path)

	cfg.Executor.TimeoutMs = getEnvInt("CODE_EXECUTOR_TIMEOUT_MS", cfg.Executor.TimeoutMs)
	cfg.Executor.SchemaCacheTTLMs = getEnvInt("CODE_EXECUTOR_SCHEMA_CACHE_TTL_MS", cfg.Executor.SchemaCacheTTLMs)
	cfg.Executor.RateLimitRPM = getEnvInt("CODE_EXECUTOR_RATE_LIMIT_RPM", cfg.Executor.RateLimitRPM)

	cfg.CircuitBreaker.Threshold = getEnvInt("CIRCUIT_BREAKER_THRESHOLD", cfg.CircuitBreaker.Threshold)
	cfg.CircuitBreaker.TimeoutMs = getEnvInt("CIRCUIT_BREAKER_TIMEOUT_MS", cfg.CircuitBreaker.TimeoutMs)

	cfg.DockerContainer = detectDocker()

	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.Log.Level = envLogLevel
	}
	if envLogFormat := os.Getenv("LOG_FORMAT"); envLogFormat != "" {
		cfg.Log.Format = envLogFormat
	}
	if envLogOutput := os.Getenv("LOG_OUTPUT"); envLogOutput != "" {
		cfg.Log.Output = envLogOutput
	}

	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Executor.TimeoutMs <= 0 {
		errs = append(errs, "CODE_EXECUTOR_TIMEOUT_MS must be positive")
	}
	if c.Executor.RateLimitRPM <= 0 {
		errs = append(errs, "CODE_EXECUTOR_RATE_LIMIT_RPM must be positive")
	}
	if c.CircuitBreaker.Threshold <= 0 {
		errs = append(errs, "CIRCUIT_BREAKER_THRESHOLD must be positive")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, "AUDIT_LOG_PATH is required when ENABLE_AUDIT_LOG is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BridgeHost returns the hostname the sandbox should advertise to reach
// the proxy, selecting host.docker.internal when running in a container.
func (c *Config) BridgeHost() string {
	if c.DockerContainer {
		return "host.docker.internal"
	}
	return "localhost"
}

func detectDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	v := os.Getenv("DOCKER_CONTAINER")
	return v == "true" || v == "1"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
