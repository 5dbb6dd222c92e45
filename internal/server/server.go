package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/zali-labs/quest-indexer/internal/broadcaster"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/internal/listener"
	"github.com/zali-labs/quest-indexer/internal/metrics"
	"github.com/zali-labs/quest-indexer/internal/models"
	"github.com/zali-labs/quest-indexer/internal/notifier"
	"github.com/zali-labs/quest-indexer/internal/storage"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

// HealthFunc produces the component health snapshot served at /health.
type HealthFunc func(ctx context.Context) models.HealthReport

// Deps are the components the HTTP API reads from. Notifier may be nil
// when notifications are disabled; its routes then return 404.
type Deps struct {
	Store       storage.Storage
	Listener    *listener.EventListener
	Broadcaster *broadcaster.Broadcaster
	Notifier    *notifier.Service
	Metrics     *metrics.Metrics
	Health      HealthFunc
}

// Server exposes the indexer's read API, the WebSocket feed, and
// operational endpoints.
type Server struct {
	cfg    *config.ServerConfig
	deps   Deps
	router *mux.Router
	http   *http.Server
	logger *logrus.Logger
}

// New builds the server and its route table.
func New(cfg *config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: utils.GetLogger(),
	}
	s.routes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	if s.cfg.EnableHealth {
		s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	}
	if s.cfg.EnableMetrics && s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/players/{address}", s.handlePlayer).Methods("GET")
	api.HandleFunc("/questions/{id}", s.handleQuestion).Methods("GET")
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET")

	if s.deps.Notifier != nil {
		api.HandleFunc("/notifications", s.handleNotifications).Methods("GET")
		api.HandleFunc("/notifications/read-all", s.handleMarkAllRead).Methods("POST")
		api.HandleFunc("/notifications/clear", s.handleClearNotifications).Methods("POST")
		api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("POST")
		api.HandleFunc("/notifications/{id}/dismiss", s.handleDismiss).Methods("POST")
		api.HandleFunc("/notifications/preferences", s.handleGetPreferences).Methods("GET")
		api.HandleFunc("/notifications/preferences", s.handleUpdatePreferences).Methods("PUT")
	}

	if s.deps.Broadcaster != nil {
		s.router.Handle("/ws", broadcaster.NewWebSocketHandler(s.deps.Broadcaster))
	}

	s.router.Use(s.loggingMiddleware)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("HTTP server starting")
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var report models.HealthReport
	if s.deps.Health != nil {
		report = s.deps.Health(r.Context())
	} else {
		report = models.HealthReport{Healthy: true, CheckedAt: time.Now().UTC()}
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleStats aggregates the pipeline's stats surfaces into one payload.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	global, err := s.deps.Store.GetGlobalStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read global stats")
		return
	}

	payload := map[string]interface{}{
		"global": global,
	}
	if s.deps.Listener != nil {
		payload["listener"] = s.deps.Listener.Stats()
	}
	if s.deps.Broadcaster != nil {
		payload["broadcaster"] = s.deps.Broadcaster.Stats()
	}
	if s.deps.Notifier != nil {
		payload["notifications"] = s.deps.Notifier.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleEvents serves stored events filtered by query parameters:
// types, from_block, to_block, user, question_id, limit, offset.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.deps.Store.GetEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	total, err := s.deps.Store.GetEventCount(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"total":  total,
	})
}

func parseEventFilter(r *http.Request) (models.EventFilter, error) {
	var filter models.EventFilter
	q := r.URL.Query()

	if raw := q.Get("types"); raw != "" {
		known := make(map[models.EventName]bool)
		for _, name := range models.AllEventNames() {
			known[name] = true
		}
		for _, part := range strings.Split(raw, ",") {
			name := models.EventName(strings.TrimSpace(part))
			if !known[name] {
				return filter, fmt.Errorf("unknown event type %q", part)
			}
			filter.EventTypes = append(filter.EventTypes, name)
		}
	}

	if raw := q.Get("from_block"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid from_block")
		}
		filter.FromBlock = &v
	}
	if raw := q.Get("to_block"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid to_block")
		}
		filter.ToBlock = &v
	}
	if raw := q.Get("user"); raw != "" {
		if !utils.IsValidAddress(raw) {
			return filter, fmt.Errorf("invalid user address")
		}
		filter.User = raw
	}
	if raw := q.Get("question_id"); raw != "" {
		id, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return filter, fmt.Errorf("invalid question_id")
		}
		filter.QuestionID = id
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filter, fmt.Errorf("invalid limit")
		}
		filter.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filter, fmt.Errorf("invalid offset")
		}
		filter.Offset = v
	}
	return filter, nil
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !utils.IsValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid player address")
		return
	}

	player, err := s.deps.Store.GetPlayer(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read player")
		return
	}
	if player == nil {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := new(big.Int).SetString(id, 10); !ok {
		writeError(w, http.StatusBadRequest, "invalid question id")
		return
	}

	question, err := s.deps.Store.GetQuestion(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read question")
		return
	}
	if question == nil {
		writeError(w, http.StatusNotFound, "question not found")
		return
	}
	writeJSON(w, http.StatusOK, question)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = v
	}

	entries, err := s.deps.Store.GetLeaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leaderboard": entries,
		"count":       len(entries),
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"
	list := s.deps.Notifier.List(unreadOnly)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
		"count":         len(list),
		"unread":        s.deps.Notifier.UnreadCount(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Notifier.MarkRead(id) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	marked := s.deps.Notifier.MarkAllRead()
	writeJSON(w, http.StatusOK, map[string]interface{}{"marked": marked})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Notifier.Dismiss(id) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	s.deps.Notifier.ClearAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Notifier.GetPreferences())
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var prefs notifier.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid preferences payload")
		return
	}
	if err := s.deps.Notifier.UpdatePreferences(prefs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist preferences")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Notifier.GetPreferences())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
