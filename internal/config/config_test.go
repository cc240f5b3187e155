package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral event store by default, got %s", cfg.EventStore.RetentionMode)
	}
	if cfg.Delivery.Policy.MaxRetries >= cfg.STT.Policy.MaxRetries {
		t.Fatalf("expected delivery retry cap below stt, got %d vs %d", cfg.Delivery.Policy.MaxRetries, cfg.STT.Policy.MaxRetries)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_RUNS", "123")
	t.Setenv("LOQA_AUDIO_RMS_THRESHOLD", "0.05")
	t.Setenv("LOQA_AUDIO_SILENCE_FRAMES", "20")
	t.Setenv("LOQA_STT_MAX_RETRIES", "4")
	t.Setenv("LOQA_STT_DEADLINE_MS", "1234")
	t.Setenv("LOQA_DELIVERY_BACKOFF_MULTIPLIER", "1.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.EventStore.RetentionDays != 7 || cfg.EventStore.MaxRuns != 123 {
		t.Fatalf("expected event store retention overrides")
	}
	if cfg.Audio.RMSThreshold != 0.05 || cfg.Audio.SilenceFrames != 20 {
		t.Fatalf("expected audio overrides, got %+v", cfg.Audio)
	}
	if cfg.STT.Policy.MaxRetries != 4 || cfg.STT.Policy.DeadlineMS != 1234 {
		t.Fatalf("expected stt policy overrides, got %+v", cfg.STT.Policy)
	}
	if cfg.Delivery.Policy.BackoffMultiplier != 1.5 {
		t.Fatalf("expected delivery multiplier override, got %v", cfg.Delivery.Policy.BackoffMultiplier)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := `
runtime_name: test-pipeline
registry:
  services:
    stt: http://stt.local/transcribe
stt:
  mode: http
  service: stt
audio:
  rms_threshold: 0.1
  silence_frames: 10
llm:
  mode: openai
  api_key: sk-test
delivery:
  mode: nats
  policy:
    deadline_ms: 900
    max_retries: 0
    backoff_initial_ms: 10
    backoff_max_ms: 10
    backoff_multiplier: 1
    max_conns: 2
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-pipeline" {
		t.Fatalf("unexpected runtime name %q", cfg.RuntimeName)
	}
	if cfg.Registry.Services["stt"] != "http://stt.local/transcribe" {
		t.Fatalf("expected registry entry, got %v", cfg.Registry.Services)
	}
	if cfg.Audio.SilenceFrames != 10 || cfg.Audio.MaxSegmentMS != 15000 {
		t.Fatalf("expected partial audio override to keep defaults, got %+v", cfg.Audio)
	}
	if cfg.Delivery.Policy.Deadline().Milliseconds() != 900 {
		t.Fatalf("unexpected delivery deadline %v", cfg.Delivery.Policy.Deadline())
	}
}

func TestValidateAllowsDeliveryWithoutRetries(t *testing.T) {
	cfg := Default()
	cfg.STT.Policy.MaxRetries = 0
	cfg.Delivery.Policy.MaxRetries = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected zero delivery retries to be valid, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http stt without endpoint", func(c *Config) { c.STT.Mode = "http" }, "stt.endpoint"},
		{"unknown llm mode", func(c *Config) { c.LLM.Mode = "carrier-pigeon" }, "llm.mode"},
		{"openai without key", func(c *Config) { c.LLM.Mode = "openai" }, "llm.api_key"},
		{"discord without token", func(c *Config) { c.Delivery.Mode = "discord" }, "discord_token"},
		{"threshold out of range", func(c *Config) { c.Audio.RMSThreshold = 1.5 }, "rms_threshold"},
		{"min above max", func(c *Config) { c.Audio.MinSegmentMS = c.Audio.MaxSegmentMS }, "min_segment_ms"},
		{"negative retries", func(c *Config) { c.TTS.Policy.MaxRetries = -1 }, "tts.policy.max_retries"},
		{"delivery retries at stage cap", func(c *Config) { c.Delivery.Policy.MaxRetries = c.LLM.Policy.MaxRetries }, "delivery.policy.max_retries"},
		{"delivery retries above lowered stage", func(c *Config) {
			c.TTS.Policy.MaxRetries = 1
			c.Delivery.Policy.MaxRetries = 1
		}, "delivery.policy.max_retries"},
		{"unknown trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "trace_exporter"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, "otlp_endpoint"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 }, "trace_sample_ratio"},
		{"zero deadline", func(c *Config) { c.Delivery.Policy.DeadlineMS = 0 }, "delivery.policy.deadline_ms"},
		{"empty notice", func(c *Config) { c.Pipeline.FailureNotice = " " }, "failure_notice"},
		{"persistent store without path", func(c *Config) {
			c.EventStore.RetentionMode = "persistent"
			c.EventStore.Path = ""
		}, "event_store.path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
