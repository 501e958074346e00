package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the orchestrator configuration. Every recognized option
// is enumerated here; unknown FLOWCORTEX_* environment keys are rejected at
// startup so that typos fail fast instead of silently falling back to
// defaults.
type Config struct {
	// Application settings
	AppName     string `mapstructure:"app_name"`
	Environment string `mapstructure:"node_env"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// Server configuration
	Server ServerConfig `mapstructure:",squash"`

	// Backend endpoints
	DatabaseURL string `mapstructure:"database_url"`
	QueueURL    string `mapstructure:"queue_url"`

	// Agent execution settings
	Agent AgentConfig `mapstructure:",squash"`

	// Queue delivery settings
	Queue QueueConfig `mapstructure:",squash"`

	// Auth and HTTP protection
	Auth AuthConfig `mapstructure:",squash"`

	// Feature flags
	Features FeatureFlags `mapstructure:",squash"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AgentConfig holds agent execution limits.
type AgentConfig struct {
	// QueueConcurrency is the worker pool size (max concurrent tasks).
	QueueConcurrency int `mapstructure:"agent_queue_concurrency"`

	// TaskTimeout is the default per-task execution timeout in seconds.
	TaskTimeout int `mapstructure:"agent_task_timeout"`

	// MaxRetries is the default retry budget for a failed task.
	MaxRetries int `mapstructure:"agent_max_retries"`

	// MemoryLimit is the total memory budget in megabytes.
	MemoryLimit int `mapstructure:"agent_memory_limit"`
}

// QueueConfig holds durable-queue delivery settings.
type QueueConfig struct {
	// MaxAttempts is read and validated but not passed to the queue: app.New
	// sets the queue's dead-letter bound to AGENT_MAX_RETRIES + 1.
	MaxAttempts int `mapstructure:"queue_max_attempts"`

	// BackoffType selects the retry delay curve ("exponential" or "fixed").
	BackoffType string `mapstructure:"queue_backoff_type"`

	// BackoffDelay is the base retry delay in milliseconds.
	BackoffDelay int `mapstructure:"queue_backoff_delay"`
}

// AuthConfig holds authentication and HTTP protection settings.
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Must be at least 32 chars.
	JWTSecret string `mapstructure:"jwt_secret"`

	// CORSOrigins is a comma-separated allowlist of origins.
	CORSOrigins string `mapstructure:"cors_origins"`

	// RateLimitMax is the request budget per window per client.
	RateLimitMax int `mapstructure:"rate_limit_max"`

	// RateLimitWindow is the rate-limit window in minutes.
	RateLimitWindow int `mapstructure:"rate_limit_window"`
}

// FeatureFlags gates optional subsystems.
type FeatureFlags struct {
	EnableWebsockets         bool `mapstructure:"enable_websockets"`
	EnableRealTimeMonitoring bool `mapstructure:"enable_real_time_monitoring"`
	EnableWorkflowCaching    bool `mapstructure:"enable_workflow_caching"`
}

// Recognized retry delay curves.
const (
	BackoffTypeExponential = "exponential"
	BackoffTypeFixed       = "fixed"
)

// recognizedKeys lists every environment option the orchestrator understands.
var recognizedKeys = []string{
	"app_name", "node_env", "log_level", "log_format",
	"host", "port",
	"database_url", "queue_url",
	"agent_queue_concurrency", "agent_task_timeout", "agent_max_retries", "agent_memory_limit",
	"queue_max_attempts", "queue_backoff_type", "queue_backoff_delay",
	"jwt_secret", "cors_origins", "rate_limit_max", "rate_limit_window",
	"enable_websockets", "enable_real_time_monitoring", "enable_workflow_caching",
}

// Load loads configuration from the environment (and an optional .env file)
// and validates it. The returned error is a startup failure: the caller
// should exit with code 1.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()

	// Defaults
	v.SetDefault("app_name", "FlowCortex")
	v.SetDefault("node_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 3001)
	v.SetDefault("agent_queue_concurrency", 5)
	v.SetDefault("agent_task_timeout", 300)
	v.SetDefault("agent_max_retries", 3)
	v.SetDefault("agent_memory_limit", 512)
	v.SetDefault("queue_max_attempts", 3)
	v.SetDefault("queue_backoff_type", BackoffTypeExponential)
	v.SetDefault("queue_backoff_delay", 2000)
	v.SetDefault("rate_limit_max", 100)
	v.SetDefault("rate_limit_window", 15)
	v.SetDefault("enable_websockets", true)
	v.SetDefault("enable_real_time_monitoring", true)
	v.SetDefault("enable_workflow_caching", false)

	// Every option is read from its bare environment name (PORT,
	// DATABASE_URL, ...); the FLOWCORTEX_ prefix is accepted as an override
	// namespace.
	for _, key := range recognizedKeys {
		envName := strings.ToUpper(key)
		if err := v.BindEnv(key, "FLOWCORTEX_"+envName, envName); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", envName, err)
		}
	}

	if err := rejectUnknownKeys(); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// rejectUnknownKeys fails startup when a FLOWCORTEX_-prefixed variable does
// not name a recognized option.
func rejectUnknownKeys() error {
	known := make(map[string]bool, len(recognizedKeys))
	for _, key := range recognizedKeys {
		known[strings.ToUpper(key)] = true
	}

	for _, entry := range os.Environ() {
		eq := strings.Index(entry, "=")
		if eq < 0 {
			continue
		}
		name := entry[:eq]
		if !strings.HasPrefix(name, "FLOWCORTEX_") {
			continue
		}
		if !known[strings.TrimPrefix(name, "FLOWCORTEX_")] {
			return fmt.Errorf("unknown configuration key: %s", name)
		}
	}

	return nil
}

// Validate checks configuration invariants. Missing backends and weak
// secrets are startup errors, not runtime surprises.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.QueueURL == "" {
		return fmt.Errorf("QUEUE_URL is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Agent.QueueConcurrency <= 0 {
		return fmt.Errorf("AGENT_QUEUE_CONCURRENCY must be positive, got %d", c.Agent.QueueConcurrency)
	}
	if c.Agent.TaskTimeout <= 0 {
		return fmt.Errorf("AGENT_TASK_TIMEOUT must be positive, got %d", c.Agent.TaskTimeout)
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("AGENT_MAX_RETRIES cannot be negative, got %d", c.Agent.MaxRetries)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffType != BackoffTypeExponential && c.Queue.BackoffType != BackoffTypeFixed {
		return fmt.Errorf("QUEUE_BACKOFF_TYPE must be %q or %q, got %q",
			BackoffTypeExponential, BackoffTypeFixed, c.Queue.BackoffType)
	}
	return nil
}

// TaskTimeout returns the default task timeout as a duration.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Agent.TaskTimeout) * time.Second
}

// BackoffDelay returns the base queue retry delay as a duration.
func (c *Config) BackoffDelay() time.Duration {
	return time.Duration(c.Queue.BackoffDelay) * time.Millisecond
}

// RateLimitWindow returns the rate-limit window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Auth.RateLimitWindow) * time.Minute
}

// MemoryLimitBytes returns the configured memory budget in bytes.
func (c *Config) MemoryLimitBytes() int64 {
	return int64(c.Agent.MemoryLimit) * 1024 * 1024
}

// CORSOriginList splits the configured origin allowlist.
func (c *Config) CORSOriginList() []string {
	if c.Auth.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.Auth.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
