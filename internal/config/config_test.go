package config

import (
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Transcriber.Language != "ja" {
		t.Errorf("Language = %q, want ja", cfg.Transcriber.Language)
	}
	if cfg.Transcriber.BeamSize != 3 {
		t.Errorf("BeamSize = %d, want 3", cfg.Transcriber.BeamSize)
	}
	if got := cfg.Stream.MaxAudio(); got != 30*time.Second {
		t.Errorf("MaxAudio = %v, want 30s", got)
	}
	if got := cfg.Stream.Overlap(); got != 5*time.Second {
		t.Errorf("Overlap = %v, want 5s", got)
	}
	if cfg.Stream.PromptMaxChars != 224 {
		t.Errorf("PromptMaxChars = %d, want 224", cfg.Stream.PromptMaxChars)
	}
	if got := cfg.Session.IdleTTL(); got != 30*time.Minute {
		t.Errorf("IdleTTL = %v, want 30m", got)
	}
}

func TestParse_FullFile(t *testing.T) {
	yml := `
server:
  listen_addr: ":9090"
  log_level: debug
transcriber:
  model_path: /opt/models/ggml-large-v3.bin
  beam_size: 5
  concurrency: 4
translator:
  primary:
    provider: openai
    model: gpt-4o-mini
  fallback:
    provider: ollama
    model: qwen2.5:7b
    base_url: http://localhost:11434
stream:
  max_audio_seconds: 45
  overlap_seconds: 8
session:
  idle_ttl_seconds: 600
archive:
  postgres_dsn: postgres://kikitori@localhost/kikitori
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if got := cfg.Transcriber.ResolvedModelPath(); got != "/opt/models/ggml-large-v3.bin" {
		t.Errorf("ResolvedModelPath = %q", got)
	}
	if cfg.Translator.Fallback == nil || cfg.Translator.Fallback.Provider != "ollama" {
		t.Errorf("Fallback = %+v", cfg.Translator.Fallback)
	}
	if cfg.Stream.MaxAudioSeconds != 45 {
		t.Errorf("MaxAudioSeconds = %v, want 45", cfg.Stream.MaxAudioSeconds)
	}
	if cfg.Archive.PostgresDSN == "" {
		t.Error("PostgresDSN not parsed")
	}
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte("server:\n  listen_adress: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{
			name: "bad log level",
			yml:  "server:\n  log_level: verbose\n",
			want: "log_level",
		},
		{
			name: "overlap exceeds max",
			yml:  "stream:\n  max_audio_seconds: 10\n  overlap_seconds: 20\n",
			want: "overlap_seconds",
		},
		{
			name: "tls half configured",
			yml:  "server:\n  tls:\n    cert_file: /etc/ssl/cert.pem\n",
			want: "tls",
		},
		{
			name: "unknown translator provider",
			yml:  "translator:\n  primary:\n    provider: skynet\n    model: t800\n",
			want: "provider",
		},
		{
			name: "openai-compatible without base url",
			yml:  "translator:\n  primary:\n    provider: openai-compatible\n    model: local\n",
			want: "base_url",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParse_DisabledTranslatorSkipsValidation(t *testing.T) {
	cfg, err := Parse([]byte("translator:\n  disabled: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Translator.Disabled {
		t.Error("Disabled not set")
	}
}

func TestParse_AbsentTranslatorMeansDisabled(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse without a translator section: %v", err)
	}
	if cfg.Translator.Enabled() {
		t.Error("Enabled() = true with no translator configured")
	}

	cfg, err = Parse([]byte("translator:\n  primary:\n    provider: openai\n    model: gpt-4o-mini\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Translator.Enabled() {
		t.Error("Enabled() = false with a configured primary")
	}
}

func TestResolvedModelPath_FromSize(t *testing.T) {
	tc := TranscriberConfig{ModelSize: "small"}
	if got := tc.ResolvedModelPath(); got != "models/ggml-small.bin" {
		t.Errorf("ResolvedModelPath = %q", got)
	}
	tc = TranscriberConfig{}
	if got := tc.ResolvedModelPath(); got != "models/ggml-base.bin" {
		t.Errorf("ResolvedModelPath = %q", got)
	}
}
