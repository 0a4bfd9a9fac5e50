package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crumbs/internal/config"
	"crumbs/internal/store"
	"crumbs/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	cfg      config.APIConfig
	log      *slog.Logger
	store    store.Store
	registry *prometheus.Registry
	metrics  *metrics
	mux      *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, st store.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		log:      logger,
		store:    st,
		registry: reg,
		metrics:  newMetrics(reg),
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(s.instrument)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Get("/load-user-data", s.handleLoad)
	r.Post("/save-user-data", s.handleSave)
	r.Get("/export-user-data", s.handleExport)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("healthz store ping failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if userID == s.cfg.FallbackUserID {
		writeJSON(w, http.StatusOK, wire.LoadResponse{})
		return
	}

	rec, err := s.store.Load(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.loads.WithLabelValues("new").Inc()
		writeJSON(w, http.StatusOK, wire.LoadResponse{})
		return
	}
	if err != nil {
		s.metrics.storeErrors.WithLabelValues("load").Inc()
		s.log.Error("load user data failed", "user_id", userID, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeDomainError(w, err, "Failed to load data")
		return
	}
	s.metrics.loads.WithLabelValues("found").Inc()
	writeJSON(w, http.StatusOK, wire.LoadResponse{Found: true, Record: rec})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var in wire.SaveRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON in request body: %v", err))
		return
	}
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if in.UserID == s.cfg.FallbackUserID {
		writeJSON(w, http.StatusOK, wire.SaveResponse{Message: "Data saved successfully (fallback user)"})
		return
	}

	lastUpdated, err := s.store.Upsert(r.Context(), in)
	if err != nil {
		s.metrics.storeErrors.WithLabelValues("upsert").Inc()
		s.log.Error("save user data failed", "user_id", in.UserID, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeDomainError(w, err, "Failed to save data")
		return
	}
	s.metrics.saves.Inc()
	writeJSON(w, http.StatusOK, wire.SaveResponse{Message: "Data saved successfully", LastUpdated: lastUpdated})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	rec, err := s.store.Load(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no saved game for this user")
		return
	}
	if err != nil {
		s.log.Error("export user data failed", "user_id", userID, "err", err)
		writeDomainError(w, err, "Failed to export data")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="cookie_clicker_data.json"`)
	writeJSON(w, http.StatusOK, rec)
}

func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Database connection timeout. Please try again later.")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// decodeJSON tolerates unknown fields; older clients send extras alongside the snapshot.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}
