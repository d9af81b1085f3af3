package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VIDEOSDK_TOKEN", "tok")
	t.Setenv("API_BASE_URL", "http://agents.local/")
	t.Setenv("AGENT_BASE_URL", "http://agents.local")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "http://agents.local" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.Connection.JoinSettleDelay != 2*time.Second {
		t.Fatalf("expected 2s settle delay, got %v", cfg.Connection.JoinSettleDelay)
	}
	if cfg.Connection.RetryBackoff != 5*time.Second || cfg.Connection.RetryRejoinDelay != time.Second {
		t.Fatalf("unexpected retry timings: %+v", cfg.Connection)
	}
	if cfg.Connection.MaxRetries != 3 {
		t.Fatalf("expected 3 max retries, got %d", cfg.Connection.MaxRetries)
	}
	if got := strings.Join(cfg.Agent.NamePatterns, ","); got != "Agent,Haley" {
		t.Fatalf("unexpected name patterns %q", got)
	}
	if cfg.Agent.PipelineType != "gemini-live-2.5-flash-preview" {
		t.Fatalf("unexpected pipeline type %q", cfg.Agent.PipelineType)
	}
	if cfg.SpeakingThreshold != 0.1 {
		t.Fatalf("expected threshold 0.1, got %v", cfg.SpeakingThreshold)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	setRequired(t)
	t.Setenv("VIDEOSDK_TOKEN", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "VIDEOSDK_TOKEN") {
		t.Fatalf("expected token validation error, got %v", err)
	}
}

func TestLoadRejectsThresholdOutOfRange(t *testing.T) {
	for _, v := range []string{"0", "-0.2", "1.5"} {
		setRequired(t)
		t.Setenv("SPEAKING_THRESHOLD", v)

		_, err := Load()
		if err == nil || !strings.Contains(err.Error(), "SPEAKING_THRESHOLD") {
			t.Fatalf("SPEAKING_THRESHOLD=%s: expected validation error, got %v", v, err)
		}
	}

	t.Setenv("SPEAKING_THRESHOLD", "1")
	if _, err := Load(); err != nil {
		t.Fatalf("expected threshold 1 accepted, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RETRY_BACKOFF", "250")
	t.Setenv("RETRY_REJOIN_DELAY", "1.5s")
	t.Setenv("AGENT_NAME_PATTERNS", " Bot , ,Assistant")
	t.Setenv("OTEL_ENABLED", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connection.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("expected bare milliseconds, got %v", cfg.Connection.RetryBackoff)
	}
	if cfg.Connection.RetryRejoinDelay != 1500*time.Millisecond {
		t.Fatalf("expected duration string, got %v", cfg.Connection.RetryRejoinDelay)
	}
	if got := strings.Join(cfg.Agent.NamePatterns, ","); got != "Bot,Assistant" {
		t.Fatalf("unexpected name patterns %q", got)
	}
	if !cfg.OTelEnabled {
		t.Fatal("expected OTEL_ENABLED=yes to enable telemetry")
	}
}

func TestLoadAgentdRejectsUnknownRunner(t *testing.T) {
	t.Setenv("AGENT_RUNNER", "k8s")

	if _, err := LoadAgentd(); err == nil {
		t.Fatal("expected error for unknown runner")
	}

	t.Setenv("AGENT_RUNNER", "Docker")
	cfg, err := LoadAgentd()
	if err != nil {
		t.Fatalf("LoadAgentd: %v", err)
	}
	if cfg.Runner != "docker" {
		t.Fatalf("expected normalised runner, got %q", cfg.Runner)
	}
}
