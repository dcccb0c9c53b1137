// Package config provides the configuration schema and loader for the
// VoiceWire server. Values come from the environment (with .env support);
// an optional YAML file supplies defaults that the environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration for the VoiceWire process.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// PublicHost is the externally-visible host used when building the
	// media-stream WebSocket URL in TwiML. Empty means "use the webhook
	// request's Host header".
	PublicHost string `yaml:"public_host"`

	LogLevel LogLevel `yaml:"log_level"`

	OpenAI OpenAIConfig `yaml:"openai"`
	GPU    GPUConfig    `yaml:"gpu"`
	API    APIConfig    `yaml:"api"`
	Calls  CallsConfig  `yaml:"calls"`
	Twilio TwilioConfig `yaml:"twilio"`
}

// OpenAIConfig configures the Realtime LLM sessions and the out-of-band
// summarization completions.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// GPUConfig locates the GPU inference service.
type GPUConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// APIConfig locates the internal configuration service.
type APIConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// CallsConfig holds process-level call defaults. Per-assistant settings from
// the configuration service override these.
type CallsConfig struct {
	// MaxDurationSeconds caps the total call length.
	MaxDurationSeconds int `yaml:"max_duration_seconds"`

	// SilenceTimeoutSeconds hangs up a call after this much continuous
	// silence. The assistant-level silence_timeout_seconds wins when set.
	SilenceTimeoutSeconds int `yaml:"silence_timeout_seconds"`
}

// TwilioConfig controls webhook security.
type TwilioConfig struct {
	// ValidateSignatures enables X-Twilio-Signature verification on
	// webhooks. Requires per-call auth tokens from the configuration
	// service.
	ValidateSignatures bool `yaml:"validate_signatures"`
}

// Defaults applied when neither the environment nor the file sets a value.
const (
	defaultPort           = 8080
	defaultModel          = "gpt-4o-realtime-preview"
	defaultTemperature    = 0.8
	defaultMaxTokens      = 4096
	defaultMaxDuration    = 1800
	defaultSilenceTimeout = 30
)

// Load builds the configuration: YAML file (optional, empty path skips it),
// then .env, then environment variables, then defaults for what remains.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// .env populates the process environment without clobbering real env
	// vars; missing file is fine.
	_ = godotenv.Load()

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envInt(&cfg.Port, "PORT")
	envString((*string)(&cfg.LogLevel), "LOG_LEVEL")
	envString(&cfg.PublicHost, "PUBLIC_HOST")

	envString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	envString(&cfg.OpenAI.Model, "OPENAI_MODEL")
	envFloat(&cfg.OpenAI.Temperature, "OPENAI_TEMPERATURE")
	envInt(&cfg.OpenAI.MaxTokens, "OPENAI_MAX_TOKENS")

	envString(&cfg.GPU.URL, "GPU_SERVER_URL")
	envString(&cfg.GPU.APIKey, "GPU_SERVER_API_KEY")

	envString(&cfg.API.URL, "LARAVEL_API_URL")
	envString(&cfg.API.Secret, "LARAVEL_API_SECRET")

	envInt(&cfg.Calls.MaxDurationSeconds, "MAX_CALL_DURATION_SECONDS")
	// SILENCE_TIMEOUT_SECONDS and SILENCE_HANGUP_SECONDS are aliases; the
	// former wins when both are set.
	envInt(&cfg.Calls.SilenceTimeoutSeconds, "SILENCE_HANGUP_SECONDS")
	envInt(&cfg.Calls.SilenceTimeoutSeconds, "SILENCE_TIMEOUT_SECONDS")

	envBool(&cfg.Twilio.ValidateSignatures, "TWILIO_VALIDATE_SIGNATURES")
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = defaultModel
	}
	if cfg.OpenAI.Temperature == 0 {
		cfg.OpenAI.Temperature = defaultTemperature
	}
	if cfg.OpenAI.MaxTokens == 0 {
		cfg.OpenAI.MaxTokens = defaultMaxTokens
	}
	if cfg.Calls.MaxDurationSeconds == 0 {
		cfg.Calls.MaxDurationSeconds = defaultMaxDuration
	}
	if cfg.Calls.SilenceTimeoutSeconds == 0 {
		cfg.Calls.SilenceTimeoutSeconds = defaultSilenceTimeout
	}
}

// Validate rejects configuration the process cannot start with.
func Validate(cfg *Config) error {
	if !cfg.LogLevel.IsValid() {
		return fmt.Errorf("config: invalid log level %q", cfg.LogLevel)
	}
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("config: OPENAI_API_KEY is required")
	}
	if cfg.GPU.URL == "" {
		return fmt.Errorf("config: GPU_SERVER_URL is required")
	}
	if cfg.API.URL == "" {
		return fmt.Errorf("config: LARAVEL_API_URL is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
