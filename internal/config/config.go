package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// TraceExporter is auto, otlp, stdout or none. Auto picks otlp when an
	// endpoint is set.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	Registry    RegistryConfig    `yaml:"registry"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Audio       AudioConfig       `yaml:"audio"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	STT         STTConfig         `yaml:"stt"`
	LLM         LLMConfig         `yaml:"llm"`
	TTS         TTSConfig         `yaml:"tts"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

// NodeCapability is announced on the bus. An "endpoint" attribute makes the
// capability resolvable as a service by name.
type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

// RegistryConfig seeds the service registry with static name -> URL entries.
type RegistryConfig struct {
	Services map[string]string `yaml:"services"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type IngestConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	IdleTimeoutMS int    `yaml:"idle_timeout_ms"`
}

// AudioConfig holds the frame buffering and voice activity tunables.
type AudioConfig struct {
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	MaxBufferedFrames int     `yaml:"max_buffered_frames"`
	RMSThreshold      float64 `yaml:"rms_threshold"`
	SilenceFrames     int     `yaml:"silence_frames"`
	MaxSegmentMS      int     `yaml:"max_segment_ms"`
	MinSegmentMS      int     `yaml:"min_segment_ms"`
}

type CorrelationConfig struct {
	GracePeriodMS int `yaml:"grace_period_ms"`
}

type PipelineConfig struct {
	FailureNotice string `yaml:"failure_notice"`
}

// StagePolicy bounds a single external stage call.
type StagePolicy struct {
	DeadlineMS        int     `yaml:"deadline_ms"`
	AttemptTimeoutMS  int     `yaml:"attempt_timeout_ms"`
	MaxRetries        int     `yaml:"max_retries"`
	BackoffInitialMS  int     `yaml:"backoff_initial_ms"`
	BackoffMaxMS      int     `yaml:"backoff_max_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxConns          int     `yaml:"max_conns"`
}

func (p StagePolicy) Deadline() time.Duration {
	return time.Duration(p.DeadlineMS) * time.Millisecond
}

func (p StagePolicy) AttemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutMS) * time.Millisecond
}

func (p StagePolicy) BackoffInitial() time.Duration {
	return time.Duration(p.BackoffInitialMS) * time.Millisecond
}

func (p StagePolicy) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxMS) * time.Millisecond
}

type STTConfig struct {
	Mode      string      `yaml:"mode"` // mock, http, exec
	Endpoint  string      `yaml:"endpoint"`
	Service   string      `yaml:"service"`
	Command   string      `yaml:"command"`
	ModelPath string      `yaml:"model_path"`
	Language  string      `yaml:"language"`
	Policy    StagePolicy `yaml:"policy"`
}

type LLMConfig struct {
	Mode          string      `yaml:"mode"` // mock, http, ollama, openai, exec
	Endpoint      string      `yaml:"endpoint"`
	Service       string      `yaml:"service"`
	Command       string      `yaml:"command"`
	APIKey        string      `yaml:"api_key"`
	ModelFast     string      `yaml:"model_fast"`
	ModelBalanced string      `yaml:"model_balanced"`
	DefaultTier   string      `yaml:"default_tier"`
	System        string      `yaml:"system"`
	MaxTokens     int         `yaml:"max_tokens"`
	Temperature   float64     `yaml:"temperature"`
	Policy        StagePolicy `yaml:"policy"`
}

type TTSConfig struct {
	Mode       string      `yaml:"mode"` // mock, http, exec
	Endpoint   string      `yaml:"endpoint"`
	Service    string      `yaml:"service"`
	Command    string      `yaml:"command"`
	Voice      string      `yaml:"voice"`
	SampleRate int         `yaml:"sample_rate"`
	Channels   int         `yaml:"channels"`
	Policy     StagePolicy `yaml:"policy"`
}

type DeliveryConfig struct {
	Mode          string      `yaml:"mode"` // mock, nats, webhook, discord
	Endpoint      string      `yaml:"endpoint"`
	Service       string      `yaml:"service"`
	SubjectPrefix string      `yaml:"subject_prefix"`
	DiscordToken  string      `yaml:"discord_token"`
	Policy        StagePolicy `yaml:"policy"`
}

func defaultPolicy(deadlineMS, attemptMS, retries int) StagePolicy {
	return StagePolicy{
		DeadlineMS:        deadlineMS,
		AttemptTimeoutMS:  attemptMS,
		MaxRetries:        retries,
		BackoffInitialMS:  200,
		BackoffMaxMS:      2000,
		BackoffMultiplier: 2,
		MaxConns:          16,
	}
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-pipeline",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceExporter:    "auto",
			TraceSampleRatio: 1,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-node-1",
			Role:              "pipeline",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "pipeline.core", Tier: "balanced"},
			},
		},
		Registry: RegistryConfig{Services: map[string]string{}},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRuns:       10000,
		},
		Ingest: IngestConfig{
			Enabled:       true,
			SubjectPrefix: "audio",
			IdleTimeoutMS: 30000,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			Channels:          1,
			MaxBufferedFrames: 500,
			RMSThreshold:      0.02,
			SilenceFrames:     25,
			MaxSegmentMS:      15000,
			MinSegmentMS:      250,
		},
		Correlation: CorrelationConfig{GracePeriodMS: 30000},
		Pipeline: PipelineConfig{
			FailureNotice: "Sorry, something went wrong while answering. Please try again.",
		},
		STT: STTConfig{
			Mode:     "mock",
			Language: "en",
			Policy:   defaultPolicy(10000, 5000, 2),
		},
		LLM: LLMConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     256,
			Temperature:   0.7,
			Policy:        defaultPolicy(30000, 20000, 2),
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
			Policy:     defaultPolicy(15000, 8000, 2),
		},
		Delivery: DeliveryConfig{
			Mode:          "mock",
			SubjectPrefix: "delivery",
			Policy:        defaultPolicy(5000, 3000, 1),
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Ingest.Enabled, "LOQA_INGEST_ENABLED")
	overrideString(&cfg.Ingest.SubjectPrefix, "LOQA_INGEST_SUBJECT_PREFIX")
	overrideInt(&cfg.Ingest.IdleTimeoutMS, "LOQA_INGEST_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.MaxBufferedFrames, "LOQA_AUDIO_MAX_BUFFERED_FRAMES")
	overrideFloat(&cfg.Audio.RMSThreshold, "LOQA_AUDIO_RMS_THRESHOLD")
	overrideInt(&cfg.Audio.SilenceFrames, "LOQA_AUDIO_SILENCE_FRAMES")
	overrideInt(&cfg.Audio.MaxSegmentMS, "LOQA_AUDIO_MAX_SEGMENT_MS")
	overrideInt(&cfg.Audio.MinSegmentMS, "LOQA_AUDIO_MIN_SEGMENT_MS")
	overrideInt(&cfg.Correlation.GracePeriodMS, "LOQA_CORRELATION_GRACE_PERIOD_MS")
	overrideString(&cfg.Pipeline.FailureNotice, "LOQA_PIPELINE_FAILURE_NOTICE")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Service, "LOQA_STT_SERVICE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overridePolicy(&cfg.STT.Policy, "LOQA_STT")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Service, "LOQA_LLM_SERVICE")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideString(&cfg.LLM.System, "LOQA_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overridePolicy(&cfg.LLM.Policy, "LOQA_LLM")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Service, "LOQA_TTS_SERVICE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overridePolicy(&cfg.TTS.Policy, "LOQA_TTS")
	overrideString(&cfg.Delivery.Mode, "LOQA_DELIVERY_MODE")
	overrideString(&cfg.Delivery.Endpoint, "LOQA_DELIVERY_ENDPOINT")
	overrideString(&cfg.Delivery.Service, "LOQA_DELIVERY_SERVICE")
	overrideString(&cfg.Delivery.SubjectPrefix, "LOQA_DELIVERY_SUBJECT_PREFIX")
	overrideString(&cfg.Delivery.DiscordToken, "LOQA_DELIVERY_DISCORD_TOKEN")
	overridePolicy(&cfg.Delivery.Policy, "LOQA_DELIVERY")
}

func overridePolicy(p *StagePolicy, prefix string) {
	overrideInt(&p.DeadlineMS, prefix+"_DEADLINE_MS")
	overrideInt(&p.AttemptTimeoutMS, prefix+"_ATTEMPT_TIMEOUT_MS")
	overrideInt(&p.MaxRetries, prefix+"_MAX_RETRIES")
	overrideInt(&p.BackoffInitialMS, prefix+"_BACKOFF_INITIAL_MS")
	overrideInt(&p.BackoffMaxMS, prefix+"_BACKOFF_MAX_MS")
	overrideFloat(&p.BackoffMultiplier, prefix+"_BACKOFF_MULTIPLIER")
	overrideInt(&p.MaxConns, prefix+"_MAX_CONNS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first configuration problem found.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	for name, url := range cfg.Registry.Services {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			return errors.New("registry.services entries need a name and a url")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "auto", "stdout", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|otlp|stdout|none")
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0, 1]")
	}
	if cfg.Ingest.Enabled && cfg.Ingest.SubjectPrefix == "" {
		return errors.New("ingest.subject_prefix must not be empty when ingest is enabled")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	if cfg.Correlation.GracePeriodMS < 0 {
		return errors.New("correlation.grace_period_ms must be >= 0")
	}
	if strings.TrimSpace(cfg.Pipeline.FailureNotice) == "" {
		return errors.New("pipeline.failure_notice must not be empty")
	}

	switch cfg.STT.Mode {
	case "mock":
	case "http":
		if cfg.STT.Endpoint == "" && cfg.STT.Service == "" {
			return errors.New("stt.endpoint or stt.service must be set when mode=http")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|http|exec")
	}

	switch cfg.LLM.Mode {
	case "mock":
	case "http", "ollama":
		if cfg.LLM.Endpoint == "" && cfg.LLM.Service == "" {
			return fmt.Errorf("llm.endpoint or llm.service must be set when mode=%s", cfg.LLM.Mode)
		}
	case "openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|http|ollama|openai|exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}

	switch cfg.TTS.Mode {
	case "mock":
	case "http":
		if cfg.TTS.Endpoint == "" && cfg.TTS.Service == "" {
			return errors.New("tts.endpoint or tts.service must be set when mode=http")
		}
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|http|exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}

	switch cfg.Delivery.Mode {
	case "mock":
	case "nats":
		if cfg.Delivery.SubjectPrefix == "" {
			return errors.New("delivery.subject_prefix must be set when mode=nats")
		}
	case "webhook":
		if cfg.Delivery.Endpoint == "" && cfg.Delivery.Service == "" {
			return errors.New("delivery.endpoint or delivery.service must be set when mode=webhook")
		}
	case "discord":
		if cfg.Delivery.DiscordToken == "" {
			return errors.New("delivery.discord_token must be set when mode=discord")
		}
	default:
		return errors.New("delivery.mode must be one of mock|nats|webhook|discord")
	}

	policies := []struct {
		name   string
		policy StagePolicy
	}{
		{"stt", cfg.STT.Policy},
		{"llm", cfg.LLM.Policy},
		{"tts", cfg.TTS.Policy},
		{"delivery", cfg.Delivery.Policy},
	}
	for _, p := range policies {
		if err := validatePolicy(p.name, p.policy); err != nil {
			return err
		}
	}
	// Delivery retries stay strictly below every stage; zero is always allowed.
	stageCap := min(cfg.STT.Policy.MaxRetries, cfg.LLM.Policy.MaxRetries, cfg.TTS.Policy.MaxRetries)
	if cfg.Delivery.Policy.MaxRetries > 0 && cfg.Delivery.Policy.MaxRetries >= stageCap {
		return fmt.Errorf("delivery.policy.max_retries (%d) must be below the smallest stage max_retries (%d)", cfg.Delivery.Policy.MaxRetries, stageCap)
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if a.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if a.MaxBufferedFrames <= 0 {
		return errors.New("audio.max_buffered_frames must be positive")
	}
	if a.RMSThreshold <= 0 || a.RMSThreshold >= 1 {
		return errors.New("audio.rms_threshold must be within (0, 1)")
	}
	if a.SilenceFrames <= 0 {
		return errors.New("audio.silence_frames must be positive")
	}
	if a.MaxSegmentMS <= 0 {
		return errors.New("audio.max_segment_ms must be positive")
	}
	if a.MinSegmentMS < 0 || a.MinSegmentMS >= a.MaxSegmentMS {
		return errors.New("audio.min_segment_ms must be >= 0 and below max_segment_ms")
	}
	return nil
}

func validatePolicy(name string, p StagePolicy) error {
	if p.DeadlineMS <= 0 {
		return fmt.Errorf("%s.policy.deadline_ms must be positive", name)
	}
	if p.AttemptTimeoutMS < 0 {
		return fmt.Errorf("%s.policy.attempt_timeout_ms must be >= 0", name)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%s.policy.max_retries must be >= 0", name)
	}
	if p.BackoffInitialMS < 0 || p.BackoffMaxMS < p.BackoffInitialMS {
		return fmt.Errorf("%s.policy backoff bounds are invalid", name)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("%s.policy.backoff_multiplier must be >= 1", name)
	}
	if p.MaxConns <= 0 {
		return fmt.Errorf("%s.policy.max_conns must be positive", name)
	}
	return nil
}
