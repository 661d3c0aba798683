// Package server exposes the WebSocket streaming endpoint and the
// supporting HTTP surface (health probes, Prometheus metrics, transcript
// history).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kikitori/kikitori/internal/archive"
	"github.com/kikitori/kikitori/internal/config"
	"github.com/kikitori/kikitori/internal/health"
	"github.com/kikitori/kikitori/internal/observe"
	"github.com/kikitori/kikitori/internal/session"
	"github.com/kikitori/kikitori/pkg/provider/normalizer"
	"github.com/kikitori/kikitori/pkg/provider/transcriber"
	"github.com/kikitori/kikitori/pkg/provider/translator"
)

// Deps bundles the collaborators a Server needs. Registry and Transcriber
// are required; nil Normalizer or Translator disables that stage for all
// sessions, and a nil Archive discards transcripts.
type Deps struct {
	Registry    *session.Registry
	Transcriber transcriber.Provider
	Normalizer  normalizer.Provider
	Translator  translator.Provider
	Archive     archive.Store
	Metrics     *observe.Metrics
}

// Server handles streaming transcription connections.
type Server struct {
	cfg  *config.Config
	deps Deps

	httpSrv *http.Server
}

// New creates a Server. It does not start listening; call Run.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Archive == nil {
		deps.Archive = archive.Noop{}
	}
	return &Server{cfg: cfg, deps: deps}
}

// Handler builds the full HTTP surface:
//
//	GET /stream      - WebSocket streaming transcription
//	GET /transcripts - recent archived transcripts as JSON
//	GET /metrics     - Prometheus scrape endpoint
//	GET /healthz     - liveness probe
//	GET /readyz      - readiness probe
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /transcripts", s.handleTranscripts)
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New().Check("transcriber", func(context.Context) error {
		if s.deps.Transcriber == nil {
			return errors.New("no transcriber configured")
		}
		return nil
	})
	h.Register(mux)

	return observe.Middleware(s.deps.Metrics)(mux)
}

// Run serves HTTP until ctx is cancelled, then drains connections with a
// 15 second grace period.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Server.TLS.Enabled() {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleTranscripts lists recently archived transcripts, newest first.
// ?limit= caps the result count (default 50, max 500).
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}

	records, err := s.deps.Archive.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("transcript listing failed", "err", err)
		http.Error(w, `{"error":"archive unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		slog.Warn("transcript response encoding failed", "err", err)
	}
}
