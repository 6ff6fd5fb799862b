package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storesync/internal/config"
	"storesync/internal/database"
	"storesync/internal/dispatcher"
	"storesync/internal/models"
	"storesync/internal/status"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Exporter is the slice of the export component the API needs.
type Exporter interface {
	BacklogReport(ctx context.Context) (string, error)
}

// Server exposes the admin HTTP API: dashboard snapshots, manual sync
// control and conflict resolution.
type Server struct {
	cfg      config.APIConfig
	db       *database.DB
	status   *status.Aggregator
	exporter Exporter
	logger   zerolog.Logger
	server   *http.Server
	auth     *HTTPAuth
}

func NewServer(cfg config.APIConfig, monitoring config.MonitoringConfig, db *database.DB, agg *status.Aggregator, exporter Exporter, logger *zerolog.Logger) *Server {
	var l zerolog.Logger
	if logger != nil {
		l = logger.With().Str("component", "api").Logger()
	} else {
		l = zerolog.Nop()
	}

	srv := &Server{cfg: cfg, db: db, status: agg, exporter: exporter, logger: l}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/dashboard", srv.handleDashboard)
	mux.HandleFunc("/api/v1/sync/trigger", srv.handleSyncTrigger)
	mux.HandleFunc("/api/v1/sync/retry", srv.handleSyncRetry)
	mux.HandleFunc("/api/v1/queue", srv.handleQueueList)
	mux.HandleFunc("/api/v1/queue/", srv.handleQueueItem)
	mux.HandleFunc("/api/v1/conflicts", srv.handleConflicts)
	mux.HandleFunc("/api/v1/conflicts/", srv.handleConflictResolve)
	mux.HandleFunc("/api/v1/export", srv.handleExport)

	handler := http.Handler(srv.auth.Wrap(mux))

	// Liveness и метрики доступны без ключа: их опрашивают probe'ы и
	// Prometheus, а не операторы.
	root := http.NewServeMux()
	root.HandleFunc("/healthz", srv.handleHealthz)
	if monitoring.PrometheusEnabled {
		root.Handle("/metrics", promhttp.Handler())
	}
	root.Handle("/", handler)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(root),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the root handler, used by tests to drive the API
// without a listening socket.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health, err := s.status.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	code := http.StatusOK
	if health == models.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"health": health})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	dash, err := s.status.Dashboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.status.TriggerManualSync(); err != nil {
		if errors.Is(err, dispatcher.ErrNotConnected) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		ItemID string `json:"item_id"`
		All    bool   `json:"all"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if body.All {
		n, err := s.status.RetryAllFailed(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
		return
	}

	if body.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id or all is required")
		return
	}
	if err := s.status.RetryFailed(r.Context(), body.ItemID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found or not failed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retried", "item_id": body.ItemID})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	queueStatus := strings.TrimSpace(r.URL.Query().Get("status"))
	if queueStatus == "" {
		queueStatus = models.StatusPending
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	items, err := s.db.ListByStatus(r.Context(), queueStatus, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleQueueItem routes /api/v1/queue/{id}/cancel.
func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/queue/")
	itemID, action, ok := strings.Cut(rest, "/")
	if !ok || itemID == "" || action != "cancel" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.status.CancelPending(r.Context(), itemID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusConflict, "item not found or not cancellable")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "item_id": itemID})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	conflictStatus := strings.TrimSpace(r.URL.Query().Get("status"))
	if conflictStatus == "" {
		conflictStatus = models.ConflictOpen
	}
	records, err := s.db.ListConflicts(r.Context(), conflictStatus, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": records})
}

// handleConflictResolve routes /api/v1/conflicts/{id}/resolve.
func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/conflicts/")
	rawID, action, ok := strings.Cut(rest, "/")
	if !ok || action != "resolve" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var body struct {
		Resolution      string  `json:"resolution"`
		ResolvedPayload *string `json:"resolved_payload"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !models.KnownStrategy(body.Resolution) || body.Resolution == models.StrategyManualReview {
		writeError(w, http.StatusBadRequest, "resolution must be a concrete strategy")
		return
	}
	if body.Resolution != models.StrategyLastWriteWinsRemote && body.ResolvedPayload == nil {
		// Всё, кроме remote-wins, возвращает элемент в очередь и требует
		// итоговый payload.
		writeError(w, http.StatusBadRequest, "resolved_payload is required for this resolution")
		return
	}

	if err := s.db.ResolveConflict(r.Context(), id, body.Resolution, body.ResolvedPayload); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "open conflict not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Разрешённый конфликт возвращает элемент в очередь: пробуем сразу.
	_ = s.status.TriggerManualSync()
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "conflict_id": id})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.exporter == nil {
		writeError(w, http.StatusNotImplemented, "exports are not configured")
		return
	}

	path, err := s.exporter.BacklogReport(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_path": path})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
