// Package health serves the liveness and readiness probes.
//
// /healthz reports that the process is up. /readyz additionally runs every
// registered probe (model loaded, archive reachable) and returns 503 when
// any of them fails.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

type probe struct {
	name string
	fn   func(ctx context.Context) error
}

// Handler answers the health endpoints. Probes are registered up front via
// [Handler.Check]; the list is not safe to grow after Register.
type Handler struct {
	startedAt time.Time
	probes    []probe
}

// New creates a Handler with no probes. A probeless Handler reports ready.
func New() *Handler {
	return &Handler{startedAt: time.Now()}
}

// Check registers a named readiness probe and returns the Handler for
// chaining. fn must honour context cancellation.
func (h *Handler) Check(name string, fn func(ctx context.Context) error) *Handler {
	h.probes = append(h.probes, probe{name: name, fn: fn})
	return h
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

type healthBody struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptimeSeconds,omitempty"`
	Checks        map[string]string `json:"checks,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok", Checks: make(map[string]string, len(h.probes))}
	code := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.fn(ctx)
		cancel()

		if err != nil {
			body.Checks[p.name] = err.Error()
			body.Status = "unavailable"
			code = http.StatusServiceUnavailable
		} else {
			body.Checks[p.name] = "ok"
		}
	}

	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
