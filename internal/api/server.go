// Package api serves the REST discovery, audit and health endpoints and mounts the socket routes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"discosync/internal/session"
	"discosync/pkg/types"
)

// DefaultEventLimit is used when /api/silent-disco/events carries no limit.
const DefaultEventLimit = 50

// SessionDirectory is the read-only view of live sessions the API exposes.
type SessionDirectory interface {
	ListSessions() []types.SessionSummary
	Get(sessionKey string) (types.SessionSummary, bool)
	LiveSessions() []types.LiveSession
	Stats() session.Stats
}

// Store is the slice of the collaborator store the API reads.
type Store interface {
	GetFeatureFlags(ctx context.Context) ([]*types.FeatureFlag, error)
	ListSessionEvents(ctx context.Context, limit int) ([]*types.SessionEvent, error)
	HealthCheck(ctx context.Context) error
}

// SocketStats counts open sockets by kind.
type SocketStats interface {
	GetStats() map[string]int
}

// SubscriberCounter reports the notification hub audience.
type SubscriberCounter interface {
	SubscriberCount() int
}

// SocketHandler serves the two upgrade endpoints.
type SocketHandler interface {
	HandleSession(w http.ResponseWriter, r *http.Request)
	HandleNotifications(w http.ResponseWriter, r *http.Request)
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	sessions SessionDirectory
	store    Store
	sockets  SocketStats
	hub      SubscriberCounter
	started  time.Time
	router   *mux.Router
	log      zerolog.Logger
}

// NewServer wires the REST routes and, when ws is non-nil, the socket routes under
// both their bare and /api prefixed paths.
func NewServer(
	sessions SessionDirectory,
	store Store,
	sockets SocketStats,
	hub SubscriberCounter,
	ws SocketHandler,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		sessions: sessions,
		store:    store,
		sockets:  sockets,
		hub:      hub,
		started:  time.Now(),
		router:   mux.NewRouter(),
		log:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes(ws)
	return s
}

// ARCHITECTURAL DISCOVERY: Socket routes bypass the JSON middleware; the upgrade
// response must not carry a JSON content type
func (s *Server) setupRoutes(ws SocketHandler) {
	if ws != nil {
		for _, prefix := range []string{"", "/api"} {
			s.router.HandleFunc(prefix+"/ws/session/{sessionId}", ws.HandleSession).Methods(http.MethodGet)
			s.router.HandleFunc(prefix+"/ws/notifications", ws.HandleNotifications).Methods(http.MethodGet)
		}
	}

	rest := s.router.NewRoute().Subrouter()
	rest.Use(corsMiddleware, jsonMiddleware)

	rest.HandleFunc("/api/silent-disco/sessions", s.listSessions).Methods(http.MethodGet, http.MethodOptions)
	rest.HandleFunc("/api/silent-disco/session/{sessionId}", s.getSession).Methods(http.MethodGet, http.MethodOptions)
	rest.HandleFunc("/api/silent-disco/active-sessions", s.activeSessions).Methods(http.MethodGet, http.MethodOptions)
	rest.HandleFunc("/api/silent-disco/events", s.listEvents).Methods(http.MethodGet, http.MethodOptions)
	rest.HandleFunc("/api/feature-flags", s.featureFlags).Methods(http.MethodGet, http.MethodOptions)
	rest.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet, http.MethodOptions)
	rest.HandleFunc("/api/health", s.healthCheck).Methods(http.MethodGet, http.MethodOptions)

	s.router.NotFoundHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Not found", http.StatusNotFound)
	}))
	s.router.MethodNotAllowedHandler = jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response types for JSON serialization
type ActiveSessionsResponse struct {
	ActiveSessions []types.LiveSession `json:"active_sessions"`
	HasActive      bool                `json:"has_active"`
}

type EventsResponse struct {
	Events []*types.SessionEvent `json:"events"`
	Count  int                   `json:"count"`
}

type FeatureFlagsResponse struct {
	FeatureFlags []*types.FeatureFlag `json:"feature_flags"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Sessions    session.Stats  `json:"sessions"`
	Connections map[string]int `json:"connections"`
	Subscribers int            `json:"subscribers"`
	System      SystemInfo     `json:"system"`
}

type SystemInfo struct {
	Goroutines     int    `json:"goroutines"`
	MemoryRSSBytes uint64 `json:"memory_rss_bytes"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /api/silent-disco/sessions - every live session, bare array
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.ListSessions()
	if sessions == nil {
		sessions = []types.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// FUNCTIONAL DISCOVERY: GET /api/silent-disco/session/{id} - 404 once the last member left
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionKey := mux.Vars(r)["sessionId"]
	if !types.IsValidSessionKey(sessionKey) {
		sendError(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	summary, ok := s.sessions.Get(sessionKey)
	if !ok {
		sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GET /api/silent-disco/active-sessions - sessions a coach has started
func (s *Server) activeSessions(w http.ResponseWriter, r *http.Request) {
	live := s.sessions.LiveSessions()
	if live == nil {
		live = []types.LiveSession{}
	}
	writeJSON(w, http.StatusOK, ActiveSessionsResponse{
		ActiveSessions: live,
		HasActive:      len(live) > 0,
	})
}

// GET /api/silent-disco/events?limit=N
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := DefaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.store.ListSessionEvents(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list session events failed")
		sendError(w, "Failed to list session events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)})
}

// GET /api/feature-flags
func (s *Server) featureFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.store.GetFeatureFlags(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list feature flags failed")
		sendError(w, "Failed to list feature flags", http.StatusInternalServerError)
		return
	}
	if flags == nil {
		flags = []*types.FeatureFlag{}
	}
	writeJSON(w, http.StatusOK, FeatureFlagsResponse{FeatureFlags: flags})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Sessions:    s.sessions.Stats(),
		Connections: s.sockets.GetStats(),
		Subscribers: s.hub.SubscriberCount(),
		System:      s.systemInfo(ctx),
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

// TECHNICAL DISCOVERY: RSS comes from the OS view of the process, not runtime.MemStats;
// a failed probe reports zero rather than failing the health check
func (s *Server) systemInfo(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		s.log.Debug().Err(err).Msg("process probe failed")
		return info
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("memory probe failed")
		return info
	}
	info.MemoryRSSBytes = mem.RSS
	return info
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// The discovery endpoints are public and read-only
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
