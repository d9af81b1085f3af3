// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the agentroom controller configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    string

	// VideoSDK access token, sent on room creation and agent invites.
	Token       string
	RoomsAPIURL string
	// Base URL of the join-agent endpoint.
	APIBaseURL string
	// Base URL of the leave-agent endpoint.
	AgentBaseURL string

	Agent      AgentConfig
	Connection ConnectionConfig
	Log        LogConfig

	HTTPTimeout          time.Duration
	SessionTTL           time.Duration
	RoomAutoCloseSeconds int
	SpeakingThreshold    float64
	OTelEnabled          bool

	// Session creation limit per owner.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// AgentConfig controls how the AI agent is invited.
type AgentConfig struct {
	PipelineType string
	Personality  string
	NamePatterns []string
	PromptsFile  string
}

// ConnectionConfig holds the meeting connection timings.
type ConnectionConfig struct {
	JoinSettleDelay  time.Duration
	RetryBackoff     time.Duration
	RetryRejoinDelay time.Duration
	MaxRetries       int
}

// LogConfig controls rotated file logging. An empty File disables it.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/agentroom.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Token:        getEnv("VIDEOSDK_TOKEN", ""),
		RoomsAPIURL:  strings.TrimRight(getEnv("ROOMS_API_URL", "https://api.videosdk.live"), "/"),
		APIBaseURL:   strings.TrimRight(getEnv("API_BASE_URL", ""), "/"),
		AgentBaseURL: strings.TrimRight(getEnv("AGENT_BASE_URL", ""), "/"),
		Agent: AgentConfig{
			PipelineType: getEnv("PIPELINE_TYPE", "gemini-live-2.5-flash-preview"),
			Personality:  getEnv("AGENT_PERSONALITY", "Tutor"),
			NamePatterns: getEnvList("AGENT_NAME_PATTERNS", []string{"Agent", "Haley"}),
			PromptsFile:  getEnv("PROMPTS_FILE", ""),
		},
		Connection: ConnectionConfig{
			JoinSettleDelay:  getEnvDuration("JOIN_SETTLE_DELAY", 2*time.Second),
			RetryBackoff:     getEnvDuration("RETRY_BACKOFF", 5*time.Second),
			RetryRejoinDelay: getEnvDuration("RETRY_REJOIN_DELAY", time.Second),
			MaxRetries:       getEnvInt("MAX_RETRIES", 3),
		},
		Log:                  loadLogConfig(),
		HTTPTimeout:          getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		SessionTTL:           getEnvDuration("SESSION_TTL", 30*time.Minute),
		RoomAutoCloseSeconds: getEnvInt("ROOM_AUTO_CLOSE_SECONDS", 300),
		SpeakingThreshold:    getEnvFloat("SPEAKING_THRESHOLD", 0.1),
		OTelEnabled:          getEnvBool("OTEL_ENABLED", false),
		RateLimitRequests:    getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:      getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Token == "" {
		return fmt.Errorf("VIDEOSDK_TOKEN cannot be empty")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL cannot be empty")
	}
	if c.AgentBaseURL == "" {
		return fmt.Errorf("AGENT_BASE_URL cannot be empty")
	}
	if c.Connection.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be > 0")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SpeakingThreshold <= 0 || c.SpeakingThreshold > 1 {
		return fmt.Errorf("SPEAKING_THRESHOLD must be within (0, 1]")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AgentdConfig holds the agent backend configuration.
type AgentdConfig struct {
	Port             string
	DBPath           string
	LogLevel         string
	Runner           string // "grpc" or "docker"
	PipelineAddr     string
	AgentImage       string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	MaxLifetime      time.Duration
	Log              LogConfig
}

// LoadAgentd reads the agent backend configuration from environment variables.
func LoadAgentd() (*AgentdConfig, error) {
	cfg := &AgentdConfig{
		Port:             getEnv("AGENTD_PORT", "8000"),
		DBPath:           getEnv("AGENTD_DB_PATH", "./data/agentd.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Runner:           strings.ToLower(getEnv("AGENT_RUNNER", "grpc")),
		PipelineAddr:     getEnv("PIPELINE_ADDR", "localhost:50051"),
		AgentImage:       getEnv("AGENT_IMAGE", "agentroom-worker:latest"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		MaxLifetime:      getEnvDuration("AGENT_MAX_LIFETIME", time.Hour),
		Log:              loadLogConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *AgentdConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("AGENTD_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("AGENTD_DB_PATH cannot be empty")
	}
	switch c.Runner {
	case "grpc":
		if c.PipelineAddr == "" {
			return fmt.Errorf("PIPELINE_ADDR cannot be empty when AGENT_RUNNER=grpc")
		}
	case "docker":
		if c.AgentImage == "" {
			return fmt.Errorf("AGENT_IMAGE cannot be empty when AGENT_RUNNER=docker")
		}
	default:
		return fmt.Errorf("AGENT_RUNNER must be grpc or docker, got %q", c.Runner)
	}
	if c.MaxLifetime <= 0 {
		return fmt.Errorf("AGENT_MAX_LIFETIME must be > 0")
	}
	return nil
}

func loadLogConfig() LogConfig {
	return LogConfig{
		File:       getEnv("LOG_FILE", ""),
		MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
		MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("5s") or bare milliseconds ("5000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
