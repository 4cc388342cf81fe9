// Package server exposes health, metrics and flow runs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vaultsandbox/resetcheck/internal/history"
	"github.com/vaultsandbox/resetcheck/internal/monitor"
	"github.com/vaultsandbox/resetcheck/resetflow"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Flows is the part of the monitor the router needs.
type Flows interface {
	RunFlow(ctx context.Context, name string) (*resetflow.Report, error)
	Last(name string) (*resetflow.Report, bool)
	Has(name string) bool
	Flows() []string
}

var _ Flows = (*monitor.Monitor)(nil)

type handler struct {
	flows   Flows
	history history.Store
	logger  *zap.Logger
}

// FlowStatus is one entry of GET /runs.
type FlowStatus struct {
	Flow string            `json:"flow"`
	Last *resetflow.Report `json:"last,omitempty"`
}

// NewRouter returns the HTTP API.
func NewRouter(flows Flows, store history.Store, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{flows: flows, history: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.listFlows)
		r.Get("/{flow}", h.recentRuns)
		r.Post("/{flow}", h.runNow)
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *handler) listFlows(w http.ResponseWriter, _ *http.Request) {
	names := h.flows.Flows()
	out := make([]FlowStatus, 0, len(names))
	for _, name := range names {
		st := FlowStatus{Flow: name}
		if last, ok := h.flows.Last(name); ok {
			st.Last = last
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) recentRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "flow")
	if !h.flows.Has(name) {
		writeError(w, r, http.StatusNotFound, "unknown flow "+strconv.Quote(name))
		return
	}
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	reports, err := h.history.Recent(r.Context(), name, limit)
	if err != nil {
		h.logger.Error("load history", zap.String("flow", name), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "history unavailable")
		return
	}
	if reports == nil {
		reports = []*resetflow.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *handler) runNow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "flow")
	report, err := h.flows.RunFlow(r.Context(), name)
	switch {
	case errors.Is(err, monitor.ErrUnknownFlow):
		writeError(w, r, http.StatusNotFound, "unknown flow "+strconv.Quote(name))
	case err != nil && report == nil:
		writeError(w, r, http.StatusInternalServerError, err.Error())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, report)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
