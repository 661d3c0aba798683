package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration from the YAML file at path, applies defaults
// and environment overrides, and validates the result.
//
// A missing file is not an error: the defaults (plus environment overrides)
// are used, which is enough to run with a stock model and no translation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		data = nil
	} else if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration bytes, applies defaults and environment
// overrides, and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides individual settings from environment variables. These
// take precedence over the YAML file so deployments can tune the stream
// behaviour without editing config.
func (c *Config) applyEnv() {
	envString("WHISPER_MODEL_SIZE", &c.Transcriber.ModelSize)
	envInt("WHISPER_BEAM_SIZE", &c.Transcriber.BeamSize)
	envFloat("CUMULATIVE_MAX_AUDIO_SECONDS", &c.Stream.MaxAudioSeconds)
	envInt("CUMULATIVE_TRANSCRIPTION_INTERVAL", &c.Stream.TranscriptionInterval)
	envFloat("CUMULATIVE_MIN_AUDIO_SECONDS", &c.Stream.MinAudioSeconds)
	envFloat("CUMULATIVE_OVERLAP_SECONDS", &c.Stream.OverlapSeconds)
	envInt("PROMPT_MAX_CHARS", &c.Stream.PromptMaxChars)
	envFloat("END_FINALIZATION_TIMEOUT_SECONDS", &c.Stream.FinalizeTimeoutSeconds)
	envInt("SESSION_IDLE_TTL_SECONDS", &c.Session.IdleTTLSeconds)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "name", name, "value", v, "error", err)
		return
	}
	*dst = n
}

func envFloat(name string, dst *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "name", name, "value", v, "error", err)
		return
	}
	*dst = f
}
