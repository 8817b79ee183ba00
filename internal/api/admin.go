// Package api serves the admin HTTP endpoints: prometheus metrics, cycle
// statistics, health, quota usage and manual collection runs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/quota"
	"github.com/tejusbharadwaj/solarflux/internal/scheduler"
)

// Runner starts collection cycles, normally a *scheduler.Scheduler.
type Runner interface {
	Sources() []string
	RunOnce(ctx context.Context, source string) error
	Stats() *scheduler.Stats
}

type Handler struct {
	Runner   Runner
	Limiter  *quota.Limiter
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger

	// Optional read models.
	Health  func() map[string]string
	Cache   func() map[string]int
	Pending func() map[string]int

	// RunTimeout bounds manual runs, which outlive their request.
	RunTimeout time.Duration
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.healthz)
	r.Get("/stats", h.stats)
	r.Get("/quota", h.quota)
	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	r.Post("/sources/{source}/run", h.run)
}

// NewRouter returns the admin router with the usual chi middleware stack.
func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	statuses := map[string]string{}
	if h.Health != nil {
		statuses = h.Health()
	}
	code := http.StatusOK
	if statuses["overall"] == "NOT_SERVING" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": code == http.StatusOK, "services": statuses})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"sources": h.Runner.Stats().Snapshot()}
	if h.Cache != nil {
		resp["cache"] = h.Cache()
	}
	if h.Pending != nil {
		resp["pending"] = h.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) quota(w http.ResponseWriter, _ *http.Request) {
	usage := make(map[string]quota.Usage)
	if h.Limiter != nil {
		for _, s := range h.Limiter.Sources() {
			usage[s] = h.Limiter.Usage(s)
		}
	}
	writeJSON(w, http.StatusOK, usage)
}

// run starts a cycle in the background and answers 202 right away.
func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if !slices.Contains(h.Runner.Sources(), source) {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "unknown source " + source})
		return
	}

	timeout := h.RunTimeout
	if timeout <= 0 {
		timeout = scheduler.DefaultCycleTimeout
	}
	requestID := middleware.GetReqID(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.Runner.RunOnce(ctx, source); err != nil {
			h.Logger.WithFields(logrus.Fields{"source": source, "request_id": requestID}).
				WithError(err).Warn("Manual run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "source": source})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
