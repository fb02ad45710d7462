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
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Guidance    GuidanceConfig   `yaml:"guidance"`
	Voice       VoiceConfig      `yaml:"voice"`
	Baseline    BaselineConfig   `yaml:"baseline"`
	TTS         TTSConfig        `yaml:"tts"`
	Rollout     RolloutConfig    `yaml:"rollout"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig controls silence detection and segment gating.
type CaptureConfig struct {
	TickMS          int     `yaml:"tick_ms"`
	Threshold       float64 `yaml:"threshold"`
	Depth           string  `yaml:"depth"` // quick, normal, deep
	MinSegmentBytes int     `yaml:"min_segment_bytes"`
	MinSpeechMS     int     `yaml:"min_speech_ms"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
}

type STTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, exec, http
	Command   string `yaml:"command"`
	Endpoint  string `yaml:"endpoint"`
	Encoding  string `yaml:"encoding"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type GuidanceConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Mode         string `yaml:"mode"` // mock, ollama, exec
	Endpoint     string `yaml:"endpoint"`
	Command      string `yaml:"command"`
	Model        string `yaml:"model"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	ContextTurns int    `yaml:"context_turns"`
}

type VoiceConfig struct {
	SilenceProbability float64 `yaml:"silence_probability"`
}

// BaselineConfig configures the free-form generator used by the baseline arm.
type BaselineConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	Voice          string `yaml:"voice"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	Target         string `yaml:"target"`
	ClaimTimeoutMS int    `yaml:"claim_timeout_ms"`
	CacheSize      int    `yaml:"cache_size"`
}

type RolloutConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Mode            string   `yaml:"mode"` // current, hybrid, split
	SplitPercentage int      `yaml:"split_percentage"`
	TestSessions    []string `yaml:"test_sessions"`
	MinSamples      int      `yaml:"min_samples"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-presence",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/presence-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			TickMS:          500,
			Threshold:       0.12,
			Depth:           "normal",
			MinSegmentBytes: 1000,
			MinSpeechMS:     300,
			SampleRate:      16000,
			Channels:        1,
		},
		STT: STTConfig{
			Enabled:   true,
			Mode:      "mock",
			Encoding:  "audio/wav",
			TimeoutMS: 15000,
		},
		Guidance: GuidanceConfig{
			Enabled:      true,
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.2:latest",
			TimeoutMS:    8000,
			ContextTurns: 6,
		},
		Voice: VoiceConfig{
			SilenceProbability: 0.8,
		},
		Baseline: BaselineConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Enabled:        true,
			Mode:           "mock",
			SampleRate:     22050,
			Channels:       1,
			Voice:          "en-US",
			Target:         "default",
			ClaimTimeoutMS: 5000,
			CacheSize:      64,
		},
		Rollout: RolloutConfig{
			Enabled:         false,
			Mode:            "current",
			SplitPercentage: 0,
			MinSamples:      50,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Capture.TickMS, "LOQA_CAPTURE_TICK_MS")
	overrideFloat(&cfg.Capture.Threshold, "LOQA_CAPTURE_THRESHOLD")
	overrideString(&cfg.Capture.Depth, "LOQA_CAPTURE_DEPTH")
	overrideInt(&cfg.Capture.MinSegmentBytes, "LOQA_CAPTURE_MIN_SEGMENT_BYTES")
	overrideInt(&cfg.Capture.MinSpeechMS, "LOQA_CAPTURE_MIN_SPEECH_MS")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Encoding, "LOQA_STT_ENCODING")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideBool(&cfg.Guidance.Enabled, "LOQA_GUIDANCE_ENABLED")
	overrideString(&cfg.Guidance.Mode, "LOQA_GUIDANCE_MODE")
	overrideString(&cfg.Guidance.Endpoint, "LOQA_GUIDANCE_ENDPOINT")
	overrideString(&cfg.Guidance.Command, "LOQA_GUIDANCE_COMMAND")
	overrideString(&cfg.Guidance.Model, "LOQA_GUIDANCE_MODEL")
	overrideInt(&cfg.Guidance.TimeoutMS, "LOQA_GUIDANCE_TIMEOUT_MS")
	overrideInt(&cfg.Guidance.ContextTurns, "LOQA_GUIDANCE_CONTEXT_TURNS")
	overrideFloat(&cfg.Voice.SilenceProbability, "LOQA_VOICE_SILENCE_PROBABILITY")
	overrideString(&cfg.Baseline.Mode, "LOQA_BASELINE_MODE")
	overrideString(&cfg.Baseline.Endpoint, "LOQA_BASELINE_ENDPOINT")
	overrideString(&cfg.Baseline.Command, "LOQA_BASELINE_COMMAND")
	overrideString(&cfg.Baseline.Model, "LOQA_BASELINE_MODEL")
	overrideInt(&cfg.Baseline.MaxTokens, "LOQA_BASELINE_MAX_TOKENS")
	overrideFloat(&cfg.Baseline.Temperature, "LOQA_BASELINE_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideString(&cfg.TTS.Target, "LOQA_TTS_TARGET")
	overrideInt(&cfg.TTS.ClaimTimeoutMS, "LOQA_TTS_CLAIM_TIMEOUT_MS")
	overrideInt(&cfg.TTS.CacheSize, "LOQA_TTS_CACHE_SIZE")
	overrideBool(&cfg.Rollout.Enabled, "LOQA_ROLLOUT_ENABLED")
	overrideString(&cfg.Rollout.Mode, "LOQA_ROLLOUT_MODE")
	overrideInt(&cfg.Rollout.SplitPercentage, "LOQA_ROLLOUT_SPLIT_PERCENTAGE")
	overrideStringSlice(&cfg.Rollout.TestSessions, "LOQA_ROLLOUT_TEST_SESSIONS")
	overrideInt(&cfg.Rollout.MinSamples, "LOQA_ROLLOUT_MIN_SAMPLES")
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
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Capture.TickMS <= 0 {
		return errors.New("capture.tick_ms must be positive")
	}
	if cfg.Capture.Threshold < 0 || cfg.Capture.Threshold >= 1 {
		return errors.New("capture.threshold must be within [0,1)")
	}
	switch cfg.Capture.Depth {
	case "quick", "normal", "deep":
	default:
		return errors.New("capture.depth must be one of quick|normal|deep")
	}
	if cfg.Capture.MinSegmentBytes < 0 || cfg.Capture.MinSpeechMS < 0 {
		return errors.New("capture gate values must be >= 0")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "http":
		default:
			return errors.New("stt.mode must be one of mock|exec|http")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "http" && cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	}
	if cfg.Guidance.Enabled {
		switch cfg.Guidance.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("guidance.mode must be one of mock|ollama|exec")
		}
		if cfg.Guidance.Mode == "ollama" && cfg.Guidance.Endpoint == "" {
			return errors.New("guidance.endpoint must be set when mode=ollama")
		}
		if cfg.Guidance.Mode == "exec" && cfg.Guidance.Command == "" {
			return errors.New("guidance.command must be set when mode=exec")
		}
	}
	if cfg.Voice.SilenceProbability < 0 || cfg.Voice.SilenceProbability > 1 {
		return errors.New("voice.silence_probability must be within [0,1]")
	}
	switch cfg.Baseline.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("baseline.mode must be one of mock|ollama|exec")
	}
	if cfg.Baseline.Mode == "exec" && cfg.Baseline.Command == "" {
		return errors.New("baseline.command must be set when mode=exec")
	}
	if cfg.Baseline.MaxTokens < 0 {
		return errors.New("baseline.max_tokens must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.CacheSize < 0 {
			return errors.New("tts.cache_size must be >= 0")
		}
	}
	switch cfg.Rollout.Mode {
	case "current", "hybrid", "split":
	default:
		return errors.New("rollout.mode must be one of current|hybrid|split")
	}
	if cfg.Rollout.SplitPercentage < 0 || cfg.Rollout.SplitPercentage > 100 {
		return errors.New("rollout.split_percentage must be between 0 and 100")
	}
	return nil
}
