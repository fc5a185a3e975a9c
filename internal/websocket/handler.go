// Package websocket is the socket transport for the session and notification endpoints.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"discosync/internal/config"
	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

// FeatureGate reports whether a named capability is switched on.
type FeatureGate interface {
	IsFeatureEnabled(ctx context.Context, name string) (bool, error)
}

// HandlerConfig carries the socket and join-handshake settings.
type HandlerConfig struct {
	Connection     ConnectionOptions
	JoinTimeout    time.Duration
	StrictJoin     bool
	AllowedOrigins []string
}

// HandlerConfigFrom extracts the handler settings from the server configuration.
func HandlerConfigFrom(cfg *config.Config) HandlerConfig {
	return HandlerConfig{
		Connection: ConnectionOptions{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
			ReadTimeout:  cfg.WebSocket.ReadTimeout,
		},
		JoinTimeout:    cfg.Sync.JoinTimeout,
		StrictJoin:     cfg.Sync.StrictJoin,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
}

// Handler upgrades and serves the session and notification sockets
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// the handler owns socket lifecycle only and delegates every message
type Handler struct {
	sockets   *Registry
	sessions  interfaces.SessionRegistry
	processor interfaces.CommandProcessor
	hub       interfaces.NotificationHub
	flags     FeatureGate
	cfg       HandlerConfig
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewHandler creates a WebSocket handler with dependency injection. flags may be
// nil, in which case the session endpoint is always open.
func NewHandler(
	sockets *Registry,
	sessions interfaces.SessionRegistry,
	processor interfaces.CommandProcessor,
	hub interfaces.NotificationHub,
	flags FeatureGate,
	cfg HandlerConfig,
	logger zerolog.Logger,
) *Handler {
	h := &Handler{
		sockets:   sockets,
		sessions:  sessions,
		processor: processor,
		hub:       hub,
		flags:     flags,
		cfg:       cfg,
		log:       logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin admits every origin when none are configured
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleSession serves /ws/session/{sessionId}
// ARCHITECTURAL DISCOVERY: Multi-stage validation (key -> feature flag -> upgrade -> JOIN -> registration)
// rejects bad requests with plain HTTP errors before a socket is spent on them
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionKey := mux.Vars(r)["sessionId"]
	if !types.IsValidSessionKey(sessionKey) {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	if status, err := h.checkFeature(r.Context()); err != nil {
		h.log.Info().Err(err).Str("session", sessionKey).Int("status", status).Msg("session connection refused")
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.cfg.Connection, h.log)
	_ = h.sockets.Register(conn, KindSession, sessionKey)
	defer h.sockets.Unregister(conn)

	identity, err := h.awaitJoin(conn)
	if err != nil {
		h.log.Info().Err(err).Str("session", sessionKey).Str("conn", conn.ID()).Msg("join handshake failed")
		_ = conn.CloseWithReason(websocket.ClosePolicyViolation, ErrJoinRequired.Error())
		return
	}

	h.sessions.Join(sessionKey, conn, identity)
	h.log.Info().
		Str("session", sessionKey).
		Str("conn", conn.ID()).
		Str("email", identity.Email).
		Bool("coach", identity.IsCoach).
		Msg("connection joined")

	// FUNCTIONAL DISCOVERY: Deferred cleanup runs exactly once per connection,
	// however the read loop ends
	defer func() {
		h.sessions.Leave(sessionKey, conn)
		h.processor.Release(conn)
		_ = conn.Close()
		h.log.Info().Str("session", sessionKey).Str("conn", conn.ID()).Msg("connection left")
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			h.logReadError(err, conn)
			return
		}
		h.processor.Process(conn.Context(), conn, sessionKey, data)
	}
}

// checkFeature gates the session endpoint on the audio service flag.
// Returns the HTTP status to answer with when the gate is closed.
func (h *Handler) checkFeature(ctx context.Context) (int, error) {
	if h.flags == nil {
		return http.StatusOK, nil
	}
	enabled, err := h.flags.IsFeatureEnabled(ctx, types.FeatureAudioService)
	switch {
	case errors.Is(err, interfaces.ErrFeatureNotFound):
		return http.StatusForbidden, ErrServiceDisabled
	case err != nil:
		return http.StatusServiceUnavailable, err
	case !enabled:
		return http.StatusForbidden, ErrServiceDisabled
	}
	return http.StatusOK, nil
}

// awaitJoin reads the first message within the join window
// FUNCTIONAL DISCOVERY: In lenient mode anything other than a usable JOIN admits
// the socket as an anonymous participant and the first message is discarded
func (h *Handler) awaitJoin(conn *Connection) (types.Identity, error) {
	data, err := conn.ReadMessageWithin(h.cfg.JoinTimeout)
	if err != nil {
		return types.Identity{}, err
	}

	env, err := types.ParseEnvelope(data)
	if err == nil && env.Type != types.MessageTypeJoin {
		err = ErrJoinRequired
	}

	var identity types.Identity
	if err == nil {
		identity, err = types.ParseIdentity(env)
	}

	if err != nil {
		if h.cfg.StrictJoin {
			return types.Identity{}, err
		}
		return types.AnonymousIdentity(), nil
	}
	return identity, nil
}

// HandleNotifications serves /ws/notifications
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.cfg.Connection, h.log)
	_ = h.sockets.Register(conn, KindNotification, "")
	defer h.sockets.Unregister(conn)

	if err := h.hub.Subscribe(conn); err != nil {
		h.log.Warn().Err(err).Str("conn", conn.ID()).Msg("subscribe failed")
		_ = conn.Close()
		return
	}
	defer func() {
		h.hub.Unsubscribe(conn)
		_ = conn.Close()
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			h.logReadError(err, conn)
			return
		}

		env, err := types.ParseEnvelope(data)
		if err != nil {
			continue
		}

		var reply *types.Message
		switch env.Type {
		case types.MessageTypePing:
			reply = &types.Message{Type: types.MessageTypePong, Data: struct{}{}}
		case types.MessageTypeSubscribe:
			reply = &types.Message{Type: types.MessageTypeSubscribed, Data: types.Subscribed{Events: types.GlobalEvents}}
		}
		if reply == nil {
			continue
		}
		if err := conn.Send(*reply); err != nil {
			return
		}
	}
}

func (h *Handler) logReadError(err error, conn *Connection) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		h.log.Debug().Err(err).Str("conn", conn.ID()).Msg("websocket read error")
	}
}
