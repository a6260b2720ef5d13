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
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Session     SessionConfig     `yaml:"session"`
	Turn        TurnConfig        `yaml:"turn"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	Responder   ResponderConfig   `yaml:"responder"`
	CallLog     CallLogConfig     `yaml:"call_log"`
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

type SessionConfig struct {
	// BusCapacity bounds the inbound audio frame queue per call. At a
	// 20ms frame cadence 256 frames is roughly five seconds of audio.
	BusCapacity int `yaml:"bus_capacity"`
	MaxSessions int `yaml:"max_sessions"`
}

type TurnConfig struct {
	SilenceThresholdMS int    `yaml:"silence_threshold_ms"`
	BargeInBudgetMS    int    `yaml:"barge_in_budget_ms"`
	NoInputTimeoutMS   int    `yaml:"no_input_timeout_ms"`
	ContextMaxTurns    int    `yaml:"context_max_turns"`
	Greeting           string `yaml:"greeting"`
	FallbackPhrase     string `yaml:"fallback_phrase"`
	GoodbyePhrase      string `yaml:"goodbye_phrase"`
}

type RecognitionConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, ws
	Command          string `yaml:"command"`
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	PartialEveryMS   int    `yaml:"partial_every_ms"`
	ReconnectRetries int    `yaml:"reconnect_retries"`
	ReconnectMinMS   int    `yaml:"reconnect_min_ms"`
	ReconnectMaxMS   int    `yaml:"reconnect_max_ms"`
}

type SynthesisConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, ws
	Command         string `yaml:"command"`
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	CancelBudgetMS  int    `yaml:"cancel_budget_ms"`
}

type ResponderConfig struct {
	Mode              string  `yaml:"mode"` // mock, ollama, exec
	Endpoint          string  `yaml:"endpoint"`
	Command           string  `yaml:"command"`
	Model             string  `yaml:"model"`
	SystemPrompt      string  `yaml:"system_prompt"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	FirstChunkTimeout int     `yaml:"first_chunk_timeout_ms"`
	OverallTimeout    int     `yaml:"overall_timeout_ms"`
}

type CallLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxCalls      int    `yaml:"max_calls"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ServiceName: "callbridge",
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
		Session: SessionConfig{
			BusCapacity: 256,
			MaxSessions: 64,
		},
		Turn: TurnConfig{
			SilenceThresholdMS: 600,
			BargeInBudgetMS:    250,
			NoInputTimeoutMS:   15000,
			ContextMaxTurns:    16,
			Greeting:           "Hello! How can I help you today?",
			FallbackPhrase:     "Sorry, I didn't catch that. Could you say it again?",
			GoodbyePhrase:      "Sorry, I'm having trouble hearing you. Goodbye!",
		},
		Recognition: RecognitionConfig{
			Mode:             "mock",
			SampleRate:       16000,
			Channels:         1,
			PartialEveryMS:   800,
			ReconnectRetries: 3,
			ReconnectMinMS:   200,
			ReconnectMaxMS:   2000,
		},
		Synthesis: SynthesisConfig{
			Mode:            "mock",
			Voice:           "en-US",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			CancelBudgetMS:  250,
		},
		Responder: ResponderConfig{
			Mode:              "mock",
			Endpoint:          "http://localhost:11434",
			Model:             "llama3.2:latest",
			MaxTokens:         256,
			Temperature:       0.7,
			FirstChunkTimeout: 5000,
			OverallTimeout:    30000,
		},
		CallLog: CallLogConfig{
			Path:          "./data/callbridge-calls.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxCalls:      10000,
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
	overrideString(&cfg.ServiceName, "CALLBRIDGE_SERVICE_NAME")
	overrideString(&cfg.Environment, "CALLBRIDGE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CALLBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CALLBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CALLBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CALLBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CALLBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CALLBRIDGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CALLBRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CALLBRIDGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CALLBRIDGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CALLBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CALLBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CALLBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CALLBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CALLBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CALLBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Session.BusCapacity, "CALLBRIDGE_SESSION_BUS_CAPACITY")
	overrideInt(&cfg.Session.MaxSessions, "CALLBRIDGE_SESSION_MAX_SESSIONS")
	overrideInt(&cfg.Turn.SilenceThresholdMS, "CALLBRIDGE_TURN_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.Turn.BargeInBudgetMS, "CALLBRIDGE_TURN_BARGE_IN_BUDGET_MS")
	overrideInt(&cfg.Turn.NoInputTimeoutMS, "CALLBRIDGE_TURN_NO_INPUT_TIMEOUT_MS")
	overrideInt(&cfg.Turn.ContextMaxTurns, "CALLBRIDGE_TURN_CONTEXT_MAX_TURNS")
	overrideString(&cfg.Turn.Greeting, "CALLBRIDGE_TURN_GREETING")
	overrideString(&cfg.Turn.FallbackPhrase, "CALLBRIDGE_TURN_FALLBACK_PHRASE")
	overrideString(&cfg.Turn.GoodbyePhrase, "CALLBRIDGE_TURN_GOODBYE_PHRASE")
	overrideString(&cfg.Recognition.Mode, "CALLBRIDGE_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "CALLBRIDGE_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.Endpoint, "CALLBRIDGE_RECOGNITION_ENDPOINT")
	overrideString(&cfg.Recognition.APIKey, "CALLBRIDGE_RECOGNITION_API_KEY")
	overrideInt(&cfg.Recognition.SampleRate, "CALLBRIDGE_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.Channels, "CALLBRIDGE_RECOGNITION_CHANNELS")
	overrideInt(&cfg.Recognition.PartialEveryMS, "CALLBRIDGE_RECOGNITION_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Recognition.ReconnectRetries, "CALLBRIDGE_RECOGNITION_RECONNECT_RETRIES")
	overrideInt(&cfg.Recognition.ReconnectMinMS, "CALLBRIDGE_RECOGNITION_RECONNECT_MIN_MS")
	overrideInt(&cfg.Recognition.ReconnectMaxMS, "CALLBRIDGE_RECOGNITION_RECONNECT_MAX_MS")
	overrideString(&cfg.Synthesis.Mode, "CALLBRIDGE_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "CALLBRIDGE_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.Endpoint, "CALLBRIDGE_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.APIKey, "CALLBRIDGE_SYNTHESIS_API_KEY")
	overrideString(&cfg.Synthesis.Voice, "CALLBRIDGE_SYNTHESIS_VOICE")
	overrideInt(&cfg.Synthesis.SampleRate, "CALLBRIDGE_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.Channels, "CALLBRIDGE_SYNTHESIS_CHANNELS")
	overrideInt(&cfg.Synthesis.ChunkDurationMS, "CALLBRIDGE_SYNTHESIS_CHUNK_DURATION_MS")
	overrideInt(&cfg.Synthesis.CancelBudgetMS, "CALLBRIDGE_SYNTHESIS_CANCEL_BUDGET_MS")
	overrideString(&cfg.Responder.Mode, "CALLBRIDGE_RESPONDER_MODE")
	overrideString(&cfg.Responder.Endpoint, "CALLBRIDGE_RESPONDER_ENDPOINT")
	overrideString(&cfg.Responder.Command, "CALLBRIDGE_RESPONDER_COMMAND")
	overrideString(&cfg.Responder.Model, "CALLBRIDGE_RESPONDER_MODEL")
	overrideString(&cfg.Responder.SystemPrompt, "CALLBRIDGE_RESPONDER_SYSTEM_PROMPT")
	overrideInt(&cfg.Responder.MaxTokens, "CALLBRIDGE_RESPONDER_MAX_TOKENS")
	overrideFloat(&cfg.Responder.Temperature, "CALLBRIDGE_RESPONDER_TEMPERATURE")
	overrideInt(&cfg.Responder.FirstChunkTimeout, "CALLBRIDGE_RESPONDER_FIRST_CHUNK_TIMEOUT_MS")
	overrideInt(&cfg.Responder.OverallTimeout, "CALLBRIDGE_RESPONDER_OVERALL_TIMEOUT_MS")
	overrideString(&cfg.CallLog.Path, "CALLBRIDGE_CALL_LOG_PATH")
	overrideString(&cfg.CallLog.RetentionMode, "CALLBRIDGE_CALL_LOG_RETENTION_MODE")
	overrideInt(&cfg.CallLog.RetentionDays, "CALLBRIDGE_CALL_LOG_RETENTION_DAYS")
	overrideInt(&cfg.CallLog.MaxCalls, "CALLBRIDGE_CALL_LOG_MAX_CALLS")
	overrideBool(&cfg.CallLog.VacuumOnStart, "CALLBRIDGE_CALL_LOG_VACUUM_ON_START")
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
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
	if cfg.Session.BusCapacity <= 0 {
		return errors.New("session.bus_capacity must be positive")
	}
	if cfg.Session.MaxSessions <= 0 {
		return errors.New("session.max_sessions must be >= 1")
	}
	if cfg.Turn.SilenceThresholdMS <= 0 {
		return errors.New("turn.silence_threshold_ms must be positive")
	}
	if cfg.Turn.BargeInBudgetMS <= 0 {
		return errors.New("turn.barge_in_budget_ms must be positive")
	}
	if cfg.Turn.NoInputTimeoutMS <= cfg.Turn.SilenceThresholdMS {
		return errors.New("turn.no_input_timeout_ms must be greater than the silence threshold")
	}
	if cfg.Turn.ContextMaxTurns <= 0 {
		return errors.New("turn.context_max_turns must be >= 1")
	}
	if cfg.Turn.FallbackPhrase == "" {
		return errors.New("turn.fallback_phrase must not be empty")
	}
	switch cfg.Recognition.Mode {
	case "mock", "exec", "ws":
	default:
		return errors.New("recognition.mode must be one of mock|exec|ws")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.Mode == "ws" && cfg.Recognition.Endpoint == "" {
		return errors.New("recognition.endpoint must be set when mode=ws")
	}
	if cfg.Recognition.SampleRate <= 0 {
		return errors.New("recognition.sample_rate must be positive")
	}
	if cfg.Recognition.Channels <= 0 {
		return errors.New("recognition.channels must be positive")
	}
	if cfg.Recognition.ReconnectRetries < 0 {
		return errors.New("recognition.reconnect_retries must be >= 0")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec", "ws":
	default:
		return errors.New("synthesis.mode must be one of mock|exec|ws")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.Mode == "ws" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when mode=ws")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.Channels <= 0 {
		return errors.New("synthesis.channels must be positive")
	}
	if cfg.Synthesis.CancelBudgetMS <= 0 {
		return errors.New("synthesis.cancel_budget_ms must be positive")
	}
	switch cfg.Responder.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("responder.mode must be one of mock|ollama|exec")
	}
	if cfg.Responder.Mode == "ollama" && cfg.Responder.Endpoint == "" {
		return errors.New("responder.endpoint must be set when mode=ollama")
	}
	if cfg.Responder.Mode == "exec" && cfg.Responder.Command == "" {
		return errors.New("responder.command must be set when mode=exec")
	}
	if cfg.Responder.MaxTokens < 0 {
		return errors.New("responder.max_tokens must be >= 0")
	}
	if cfg.Responder.FirstChunkTimeout <= 0 {
		return errors.New("responder.first_chunk_timeout_ms must be positive")
	}
	if cfg.Responder.OverallTimeout <= cfg.Responder.FirstChunkTimeout {
		return errors.New("responder.overall_timeout_ms must be greater than the first chunk timeout")
	}
	if cfg.CallLog.Path == "" {
		return errors.New("call_log.path must not be empty")
	}
	switch cfg.CallLog.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("call_log.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.CallLog.RetentionDays < 0 {
		return errors.New("call_log.retention_days must be >= 0")
	}
	return nil
}
