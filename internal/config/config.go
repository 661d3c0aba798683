// Package config defines the kikitori configuration schema and loader.
//
// Configuration is read from a YAML file, after which a fixed set of
// environment variables may override individual stream and transcriber
// settings. Unknown YAML keys are rejected so typos fail fast.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config is the root configuration for the kikitori server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Translator  TranslatorConfig  `yaml:"translator"`
	Stream      StreamConfig      `yaml:"stream"`
	Session     SessionConfig     `yaml:"session"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of "debug", "info", "warn", "error". Default: "info".
	LogLevel string `yaml:"log_level"`

	// TLS enables HTTPS when both files are set.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig points at a certificate/key pair.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// TranscriberConfig holds whisper model settings.
type TranscriberConfig struct {
	// ModelPath is the path to a ggml model file. When empty, the path is
	// derived from ModelSize as "models/ggml-<size>.bin".
	ModelPath string `yaml:"model_path"`

	// ModelSize selects a stock model when ModelPath is empty.
	// Default: "base".
	ModelSize string `yaml:"model_size"`

	// Language is the transcription language hint. Default: "ja".
	Language string `yaml:"language"`

	// BeamSize is the whisper beam search width. Default: 3.
	BeamSize int `yaml:"beam_size"`

	// Concurrency caps simultaneous inference passes across all sessions.
	// Default: 2.
	Concurrency int `yaml:"concurrency"`

	// Threads is the per-inference CPU thread count. Zero lets the model
	// pick.
	Threads int `yaml:"threads"`
}

// ResolvedModelPath returns ModelPath, or the stock path derived from
// ModelSize when ModelPath is empty.
func (t TranscriberConfig) ResolvedModelPath() string {
	if t.ModelPath != "" {
		return t.ModelPath
	}
	size := t.ModelSize
	if size == "" {
		size = "base"
	}
	return fmt.Sprintf("models/ggml-%s.bin", size)
}

// TranslatorConfig configures the translation backend chain.
type TranslatorConfig struct {
	// Disabled turns translation off server-wide regardless of what
	// clients request.
	Disabled bool `yaml:"disabled"`

	// Primary is the first translation backend tried.
	Primary TranslatorEntry `yaml:"primary"`

	// Fallback is an optional second backend used when the primary's
	// circuit opens.
	Fallback *TranslatorEntry `yaml:"fallback"`
}

// Enabled reports whether translation is both configured and not turned
// off. An entirely empty primary entry means the operator never set up a
// translation backend, which is a valid way to run without translation.
func (t TranslatorConfig) Enabled() bool {
	return !t.Disabled && t.Primary != (TranslatorEntry{})
}

// TranslatorEntry identifies one LLM translation backend.
type TranslatorEntry struct {
	// Provider is one of "openai", "anthropic", "gemini", "ollama",
	// "deepseek", "mistral", "groq", or "openai-compatible" for a direct
	// OpenAI-style endpoint.
	Provider string `yaml:"provider"`

	// Model is the model identifier, e.g. "gpt-4o-mini".
	Model string `yaml:"model"`

	// APIKey authenticates with the backend. Many backends also read
	// their conventional environment variable when this is empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend endpoint, e.g. for a local ollama or
	// an OpenAI-compatible proxy.
	BaseURL string `yaml:"base_url"`
}

// knownTranslatorProviders lists accepted TranslatorEntry.Provider values.
var knownTranslatorProviders = map[string]bool{
	"openai":            true,
	"anthropic":         true,
	"gemini":            true,
	"ollama":            true,
	"deepseek":          true,
	"mistral":           true,
	"groq":              true,
	"openai-compatible": true,
}

// StreamConfig tunes the incremental transcription loop.
type StreamConfig struct {
	// MaxAudioSeconds caps the cumulative audio buffer. Default: 30.
	MaxAudioSeconds float64 `yaml:"max_audio_seconds"`

	// TranscriptionInterval is the number of audio chunks between
	// transcription passes. Default: 1.
	TranscriptionInterval int `yaml:"transcription_interval"`

	// MinAudioSeconds is the minimum buffered audio before the first
	// pass. Default: 1.0.
	MinAudioSeconds float64 `yaml:"min_audio_seconds"`

	// OverlapSeconds is the audio kept ahead of the trim point so
	// sentences spanning a trim are not lost. Default: 5.0.
	OverlapSeconds float64 `yaml:"overlap_seconds"`

	// PromptMaxChars caps the rolling context prompt fed back into the
	// model. Default: 224.
	PromptMaxChars int `yaml:"prompt_max_chars"`

	// FinalizeTimeoutSeconds bounds end-of-session finalization.
	// Default: 20.
	FinalizeTimeoutSeconds float64 `yaml:"finalize_timeout_seconds"`
}

// MaxAudio returns MaxAudioSeconds as a duration.
func (s StreamConfig) MaxAudio() time.Duration {
	return time.Duration(s.MaxAudioSeconds * float64(time.Second))
}

// MinAudio returns MinAudioSeconds as a duration.
func (s StreamConfig) MinAudio() time.Duration {
	return time.Duration(s.MinAudioSeconds * float64(time.Second))
}

// Overlap returns OverlapSeconds as a duration.
func (s StreamConfig) Overlap() time.Duration {
	return time.Duration(s.OverlapSeconds * float64(time.Second))
}

// FinalizeTimeout returns FinalizeTimeoutSeconds as a duration.
func (s StreamConfig) FinalizeTimeout() time.Duration {
	return time.Duration(s.FinalizeTimeoutSeconds * float64(time.Second))
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	// IdleTTLSeconds is how long a session may sit idle before the
	// sweeper destroys it. Default: 1800.
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`
}

// IdleTTL returns IdleTTLSeconds as a duration.
func (s SessionConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLSeconds) * time.Second
}

// ArchiveConfig configures transcript persistence.
type ArchiveConfig struct {
	// PostgresDSN enables the Postgres archive when non-empty. An empty
	// DSN means completed transcripts are discarded.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// applyDefaults fills zero values with production defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Transcriber.ModelSize == "" && c.Transcriber.ModelPath == "" {
		c.Transcriber.ModelSize = "base"
	}
	if c.Transcriber.Language == "" {
		c.Transcriber.Language = "ja"
	}
	if c.Transcriber.BeamSize == 0 {
		c.Transcriber.BeamSize = 3
	}
	if c.Transcriber.Concurrency == 0 {
		c.Transcriber.Concurrency = 2
	}
	if c.Stream.MaxAudioSeconds == 0 {
		c.Stream.MaxAudioSeconds = 30
	}
	if c.Stream.TranscriptionInterval == 0 {
		c.Stream.TranscriptionInterval = 1
	}
	if c.Stream.MinAudioSeconds == 0 {
		c.Stream.MinAudioSeconds = 1.0
	}
	if c.Stream.OverlapSeconds == 0 {
		c.Stream.OverlapSeconds = 5.0
	}
	if c.Stream.PromptMaxChars == 0 {
		c.Stream.PromptMaxChars = 224
	}
	if c.Stream.FinalizeTimeoutSeconds == 0 {
		c.Stream.FinalizeTimeoutSeconds = 20
	}
	if c.Session.IdleTTLSeconds == 0 {
		c.Session.IdleTTLSeconds = 1800
	}
}

// Validate checks the configuration for hard errors and logs warnings for
// suspicious but workable values. All hard errors are joined and returned
// together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file must be set together"))
	}

	if c.Transcriber.BeamSize < 1 {
		errs = append(errs, fmt.Errorf("transcriber.beam_size: must be >= 1, got %d", c.Transcriber.BeamSize))
	}
	if c.Transcriber.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("transcriber.concurrency: must be >= 1, got %d", c.Transcriber.Concurrency))
	}
	if c.Transcriber.Language != "ja" {
		slog.Warn("transcriber language other than Japanese, kana normalization will be a no-op",
			"language", c.Transcriber.Language)
	}

	if c.Translator.Enabled() {
		if err := c.Translator.Primary.validate("translator.primary"); err != nil {
			errs = append(errs, err)
		}
		if c.Translator.Fallback != nil {
			if err := c.Translator.Fallback.validate("translator.fallback"); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if c.Stream.MaxAudioSeconds < c.Stream.MinAudioSeconds {
		errs = append(errs, fmt.Errorf("stream.max_audio_seconds (%.1f) is below stream.min_audio_seconds (%.1f)",
			c.Stream.MaxAudioSeconds, c.Stream.MinAudioSeconds))
	}
	if c.Stream.OverlapSeconds > c.Stream.MaxAudioSeconds {
		errs = append(errs, fmt.Errorf("stream.overlap_seconds (%.1f) exceeds stream.max_audio_seconds (%.1f)",
			c.Stream.OverlapSeconds, c.Stream.MaxAudioSeconds))
	}
	if c.Stream.TranscriptionInterval < 1 {
		errs = append(errs, fmt.Errorf("stream.transcription_interval: must be >= 1, got %d", c.Stream.TranscriptionInterval))
	}
	if c.Stream.MaxAudioSeconds > 60 {
		slog.Warn("large cumulative buffer increases per-pass transcription latency",
			"max_audio_seconds", c.Stream.MaxAudioSeconds)
	}
	if c.Stream.PromptMaxChars > 224 {
		slog.Warn("prompt_max_chars above the whisper prompt window will be truncated by the model",
			"prompt_max_chars", c.Stream.PromptMaxChars)
	}

	if c.Session.IdleTTLSeconds < 60 {
		slog.Warn("short session idle TTL may destroy sessions between client reconnects",
			"idle_ttl_seconds", c.Session.IdleTTLSeconds)
	}

	return errors.Join(errs...)
}

func (e TranslatorEntry) validate(path string) error {
	var errs []error
	if !knownTranslatorProviders[e.Provider] {
		errs = append(errs, fmt.Errorf("%s.provider: unknown provider %q", path, e.Provider))
	}
	if e.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model: must not be empty", path))
	}
	if e.Provider == "openai-compatible" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url: required for openai-compatible", path))
	}
	return errors.Join(errs...)
}
