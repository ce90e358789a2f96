package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Bridge      BridgeConfig    `yaml:"bridge"`
	Transport   TransportConfig `yaml:"transport"`
	Journal     JournalConfig   `yaml:"journal"`
	Ingest      IngestConfig    `yaml:"ingest"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type RetryConfig struct {
	BaseMS      int     `yaml:"base_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxMS       int     `yaml:"max_ms"`
	MaxAttempts int     `yaml:"max_attempts"`
}

type BridgeConfig struct {
	SampleRate      int         `yaml:"sample_rate"`
	Channels        int         `yaml:"channels"`
	ChunkDurationMS int         `yaml:"chunk_duration_ms"`
	RingCapacityMS  int         `yaml:"ring_capacity_ms"`
	HandoffQueue    int         `yaml:"handoff_queue"`
	MaxInflight     int         `yaml:"max_inflight"`
	ResumeInflight  int         `yaml:"resume_inflight"`
	OverrunPolicy   string      `yaml:"overrun_policy"` // drop, stall
	ResultTimeoutMS int         `yaml:"result_timeout_ms"`
	DrainGraceMS    int         `yaml:"drain_grace_ms"`
	FailureMode     string      `yaml:"failure_mode"` // abort, stall
	EmitPartials    bool        `yaml:"emit_partials"`
	Retry           RetryConfig `yaml:"retry"`
}

type TransportConfig struct {
	Mode           string `yaml:"mode"` // mock, ws, exec
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	Command        string `yaml:"command"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type IngestConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-bridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Bridge: BridgeConfig{
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 500,
			RingCapacityMS:  4000,
			HandoffQueue:    8,
			MaxInflight:     8,
			ResumeInflight:  4,
			OverrunPolicy:   "drop",
			ResultTimeoutMS: 10000,
			DrainGraceMS:    5000,
			FailureMode:     "abort",
			EmitPartials:    true,
			Retry: RetryConfig{
				BaseMS:      250,
				Multiplier:  2.0,
				MaxMS:       8000,
				MaxAttempts: 6,
			},
		},
		Transport: TransportConfig{
			Mode:           "mock",
			Language:       "en-US",
			ConnectTimeout: 5000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-bridge.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Ingest: IngestConfig{
			Enabled:       true,
			SubjectPrefix: "audio.frame",
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_BRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_BRIDGE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_BRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_BRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_BRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_BRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_BRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_BRIDGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BRIDGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bridge.SampleRate, "LOQA_BRIDGE_SAMPLE_RATE")
	overrideInt(&cfg.Bridge.Channels, "LOQA_BRIDGE_CHANNELS")
	overrideInt(&cfg.Bridge.ChunkDurationMS, "LOQA_BRIDGE_CHUNK_DURATION_MS")
	overrideInt(&cfg.Bridge.RingCapacityMS, "LOQA_BRIDGE_RING_CAPACITY_MS")
	overrideInt(&cfg.Bridge.HandoffQueue, "LOQA_BRIDGE_HANDOFF_QUEUE")
	overrideInt(&cfg.Bridge.MaxInflight, "LOQA_BRIDGE_MAX_INFLIGHT")
	overrideInt(&cfg.Bridge.ResumeInflight, "LOQA_BRIDGE_RESUME_INFLIGHT")
	overrideString(&cfg.Bridge.OverrunPolicy, "LOQA_BRIDGE_OVERRUN_POLICY")
	overrideInt(&cfg.Bridge.ResultTimeoutMS, "LOQA_BRIDGE_RESULT_TIMEOUT_MS")
	overrideInt(&cfg.Bridge.DrainGraceMS, "LOQA_BRIDGE_DRAIN_GRACE_MS")
	overrideString(&cfg.Bridge.FailureMode, "LOQA_BRIDGE_FAILURE_MODE")
	overrideBool(&cfg.Bridge.EmitPartials, "LOQA_BRIDGE_EMIT_PARTIALS")
	overrideInt(&cfg.Bridge.Retry.BaseMS, "LOQA_BRIDGE_RETRY_BASE_MS")
	overrideFloat(&cfg.Bridge.Retry.Multiplier, "LOQA_BRIDGE_RETRY_MULTIPLIER")
	overrideInt(&cfg.Bridge.Retry.MaxMS, "LOQA_BRIDGE_RETRY_MAX_MS")
	overrideInt(&cfg.Bridge.Retry.MaxAttempts, "LOQA_BRIDGE_RETRY_MAX_ATTEMPTS")
	overrideString(&cfg.Transport.Mode, "LOQA_BRIDGE_TRANSPORT_MODE")
	overrideString(&cfg.Transport.Endpoint, "LOQA_BRIDGE_TRANSPORT_ENDPOINT")
	overrideString(&cfg.Transport.APIKey, "LOQA_BRIDGE_TRANSPORT_API_KEY")
	overrideString(&cfg.Transport.Model, "LOQA_BRIDGE_TRANSPORT_MODEL")
	overrideString(&cfg.Transport.Language, "LOQA_BRIDGE_TRANSPORT_LANGUAGE")
	overrideString(&cfg.Transport.Command, "LOQA_BRIDGE_TRANSPORT_COMMAND")
	overrideInt(&cfg.Transport.ConnectTimeout, "LOQA_BRIDGE_TRANSPORT_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "LOQA_BRIDGE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_BRIDGE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_BRIDGE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "LOQA_BRIDGE_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_BRIDGE_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Ingest.Enabled, "LOQA_BRIDGE_INGEST_ENABLED")
	overrideString(&cfg.Ingest.SubjectPrefix, "LOQA_BRIDGE_INGEST_SUBJECT_PREFIX")
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

func validate(cfg Config) error {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bridge.SampleRate <= 0 {
		return errors.New("bridge.sample_rate must be positive")
	}
	if cfg.Bridge.Channels <= 0 {
		return errors.New("bridge.channels must be positive")
	}
	if cfg.Bridge.ChunkDurationMS <= 0 {
		return errors.New("bridge.chunk_duration_ms must be positive")
	}
	if cfg.Bridge.RingCapacityMS < cfg.Bridge.ChunkDurationMS {
		return errors.New("bridge.ring_capacity_ms must cover at least one chunk duration")
	}
	if cfg.Bridge.HandoffQueue <= 0 {
		return errors.New("bridge.handoff_queue must be positive")
	}
	if cfg.Bridge.MaxInflight <= 0 {
		return errors.New("bridge.max_inflight must be positive")
	}
	if cfg.Bridge.ResumeInflight < 0 || cfg.Bridge.ResumeInflight >= cfg.Bridge.MaxInflight {
		return errors.New("bridge.resume_inflight must be less than max_inflight")
	}
	switch cfg.Bridge.OverrunPolicy {
	case "drop", "stall":
	default:
		return errors.New("bridge.overrun_policy must be one of drop|stall")
	}
	if cfg.Bridge.ResultTimeoutMS <= 0 {
		return errors.New("bridge.result_timeout_ms must be positive")
	}
	if cfg.Bridge.DrainGraceMS < 0 {
		return errors.New("bridge.drain_grace_ms must be >= 0")
	}
	switch cfg.Bridge.FailureMode {
	case "abort", "stall":
	default:
		return errors.New("bridge.failure_mode must be one of abort|stall")
	}
	if cfg.Bridge.Retry.BaseMS <= 0 {
		return errors.New("bridge.retry.base_ms must be positive")
	}
	if cfg.Bridge.Retry.Multiplier < 1 {
		return errors.New("bridge.retry.multiplier must be >= 1")
	}
	if cfg.Bridge.Retry.MaxMS < cfg.Bridge.Retry.BaseMS {
		return errors.New("bridge.retry.max_ms must be >= base_ms")
	}
	if cfg.Bridge.Retry.MaxAttempts <= 0 {
		return errors.New("bridge.retry.max_attempts must be positive")
	}
	switch cfg.Transport.Mode {
	case "mock", "ws", "exec":
	default:
		return errors.New("transport.mode must be one of mock|ws|exec")
	}
	if cfg.Transport.Mode == "ws" && cfg.Transport.Endpoint == "" {
		return errors.New("transport.endpoint must be set when mode=ws")
	}
	if cfg.Transport.Mode == "exec" && cfg.Transport.Command == "" {
		return errors.New("transport.command must be set when mode=exec")
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Ingest.Enabled && cfg.Ingest.SubjectPrefix == "" {
		return errors.New("ingest.subject_prefix must not be empty when ingest is enabled")
	}
	return nil
}
