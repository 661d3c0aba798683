// Command kikitori is the streaming Japanese speech-to-text server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kikitori/kikitori/internal/archive"
	"github.com/kikitori/kikitori/internal/config"
	"github.com/kikitori/kikitori/internal/observe"
	"github.com/kikitori/kikitori/internal/resilience"
	"github.com/kikitori/kikitori/internal/server"
	"github.com/kikitori/kikitori/internal/session"
	"github.com/kikitori/kikitori/pkg/provider/normalizer/kana"
	"github.com/kikitori/kikitori/pkg/provider/transcriber/whisper"
	"github.com/kikitori/kikitori/pkg/provider/translator"
	"github.com/kikitori/kikitori/pkg/provider/translator/anyllm"
	oatranslate "github.com/kikitori/kikitori/pkg/provider/translator/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kikitori: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kikitori starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "kikitori",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	modelPath := cfg.Transcriber.ResolvedModelPath()
	transcriberProvider, err := whisper.New(modelPath,
		whisper.WithLanguage(cfg.Transcriber.Language),
		whisper.WithBeamSize(cfg.Transcriber.BeamSize),
		whisper.WithConcurrency(cfg.Transcriber.Concurrency),
		whisper.WithThreads(cfg.Transcriber.Threads),
	)
	if err != nil {
		slog.Error("failed to load whisper model", "path", modelPath, "err", err)
		return 1
	}
	defer func() {
		if err := transcriberProvider.Close(); err != nil {
			slog.Warn("transcriber close error", "err", err)
		}
	}()
	slog.Info("provider created", "kind", "transcriber", "model", modelPath)

	normalizerProvider := kana.New()

	translatorProvider, err := buildTranslator(cfg.Translator)
	if err != nil {
		slog.Error("failed to build translator", "err", err)
		return 1
	}

	store := buildArchive(ctx, cfg.Archive)
	defer store.Close()

	// ── Session registry ──────────────────────────────────────────────────────
	registry := session.NewRegistry(cfg.Session.IdleTTL(), observe.DefaultMetrics())
	go registry.Sweep(ctx)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	srv := server.New(cfg, server.Deps{
		Registry:    registry,
		Transcriber: transcriberProvider,
		Normalizer:  normalizerProvider,
		Translator:  translatorProvider,
		Archive:     store,
		Metrics:     observe.DefaultMetrics(),
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Translator wiring ─────────────────────────────────────────────────────────

// failoverTranslator routes each call through a breaker-guarded provider
// group, so a failing primary backend hands over to the fallback.
type failoverTranslator struct {
	group *resilience.Group[translator.Provider]
}

var _ translator.Provider = (*failoverTranslator)(nil)

func (t *failoverTranslator) Translate(ctx context.Context, text string) (string, error) {
	var out string
	err := t.group.Execute(ctx, func(ctx context.Context, name string, p translator.Provider) error {
		var terr error
		out, terr = p.Translate(ctx, text)
		if terr != nil {
			slog.Warn("translation backend failed", "backend", name, "err", terr)
		}
		return terr
	})
	return out, err
}

// buildTranslator assembles the translation chain from config. A disabled
// or unconfigured translator returns nil, which turns the stage off
// entirely.
func buildTranslator(cfg config.TranslatorConfig) (translator.Provider, error) {
	if !cfg.Enabled() {
		slog.Info("translation disabled by config")
		return nil, nil
	}

	group := resilience.NewGroup[translator.Provider]()

	primary, err := newTranslatorBackend(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("translator primary: %w", err)
	}
	group.Add(cfg.Primary.Provider, primary)
	slog.Info("provider created", "kind", "translator", "name", cfg.Primary.Provider, "model", cfg.Primary.Model)

	if cfg.Fallback != nil {
		fb, err := newTranslatorBackend(*cfg.Fallback)
		if err != nil {
			return nil, fmt.Errorf("translator fallback: %w", err)
		}
		group.Add(cfg.Fallback.Provider, fb)
		slog.Info("provider created", "kind", "translator-fallback", "name", cfg.Fallback.Provider, "model", cfg.Fallback.Model)
	}

	return &failoverTranslator{group: group}, nil
}

func newTranslatorBackend(e config.TranslatorEntry) (translator.Provider, error) {
	if e.Provider == "openai-compatible" {
		var opts []oatranslate.Option
		if e.BaseURL != "" {
			opts = append(opts, oatranslate.WithBaseURL(e.BaseURL))
		}
		return oatranslate.New(e.APIKey, e.Model, opts...)
	}

	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return anyllm.New(e.Provider, e.Model, opts...)
}

// ── Archive wiring ────────────────────────────────────────────────────────────

// buildArchive connects the Postgres transcript archive when a DSN is
// configured. Archive failures never prevent startup; transcripts are
// simply not persisted.
func buildArchive(ctx context.Context, cfg config.ArchiveConfig) archive.Store {
	if cfg.PostgresDSN == "" {
		slog.Info("transcript archive disabled")
		return archive.Noop{}
	}
	store, err := archive.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Warn("archive unavailable, transcripts will not be persisted", "err", err)
		return archive.Noop{}
	}
	slog.Info("transcript archive connected")
	return store
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         kikitori startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Whisper model", cfg.Transcriber.ResolvedModelPath())
	printEntry("Language", cfg.Transcriber.Language)
	if !cfg.Translator.Enabled() {
		printEntry("Translator", "(disabled)")
	} else {
		printEntry("Translator", cfg.Translator.Primary.Provider+" / "+cfg.Translator.Primary.Model)
		if cfg.Translator.Fallback != nil {
			printEntry("Fallback", cfg.Translator.Fallback.Provider+" / "+cfg.Translator.Fallback.Model)
		}
	}
	if cfg.Archive.PostgresDSN != "" {
		printEntry("Archive", "postgres")
	} else {
		printEntry("Archive", "(disabled)")
	}
	printEntry("Buffer cap", fmt.Sprintf("%.0fs (overlap %.0fs)", cfg.Stream.MaxAudioSeconds, cfg.Stream.OverlapSeconds))
	printEntry("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(label, value string) {
	fmt.Println(formatEntry(label, value))
}

// formatEntry renders one summary box line, truncating long values on rune
// boundaries so multi-byte paths are not cut mid-character.
func formatEntry(label, value string) string {
	if runes := []rune(value); len(runes) > 21 {
		value = string(runes[:18]) + "…"
	}
	return fmt.Sprintf("║  %-13s : %-21s ║", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
