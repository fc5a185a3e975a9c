// Package router processes the messages a session connection sends after JOIN.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"discosync/internal/session"
	"discosync/internal/telemetry"
	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

// auditTimeout bounds one asynchronous audit write.
const auditTimeout = 10 * time.Second

// Router implements the CommandProcessor interface
// ARCHITECTURAL DISCOVERY: Pure dispatch and authorization; state, fan-out and
// eviction stay in the session registry, global delivery stays in the hub
type Router struct {
	registry *session.Registry
	notifier interfaces.Notifier
	audit    interfaces.DatabaseManager
	limiter  *RateLimiter
	tracer   trace.Tracer
	log      zerolog.Logger

	pending sync.WaitGroup
}

// Option customizes a Router.
type Option func(*Router)

// WithTracer overrides the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// WithRateLimit sets the per-connection budget of messages per minute; 0 disables it.
func WithRateLimit(perMinute int) Option {
	return func(r *Router) {
		r.limiter = NewRateLimiter(perMinute)
	}
}

// NewRouter creates a command processor. notifier and audit may be nil.
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with mock components
func NewRouter(registry *session.Registry, notifier interfaces.Notifier, audit interfaces.DatabaseManager, logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		notifier: notifier,
		audit:    audit,
		limiter:  NewRateLimiter(0),
		tracer:   telemetry.Tracer(),
		log:      logger.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process handles one raw frame from conn in sessionKey
// FUNCTIONAL DISCOVERY: Protocol errors are logged and dropped; the client never
// sees them and the socket stays open
func (r *Router) Process(ctx context.Context, conn interfaces.Connection, sessionKey string, raw []byte) {
	if err := r.dispatch(ctx, conn, sessionKey, raw); err != nil {
		r.log.Debug().
			Err(err).
			Str("session", sessionKey).
			Str("conn", conn.ID()).
			Msg("message dropped")
	}
}

// Release drops per-connection bookkeeping.
func (r *Router) Release(conn interfaces.Connection) {
	r.limiter.Forget(conn.ID())
}

// Cleanup prunes rate limiter state for idle connections.
func (r *Router) Cleanup() int {
	return r.limiter.Cleanup()
}

// Wait blocks until pending audit writes have finished.
func (r *Router) Wait() {
	r.pending.Wait()
}

func (r *Router) dispatch(ctx context.Context, conn interfaces.Connection, sessionKey string, raw []byte) error {
	if !r.limiter.Allow(conn.ID()) {
		return ErrRateLimitExceeded
	}

	env, err := types.ParseEnvelope(raw)
	if err != nil {
		return err
	}

	switch env.Type {
	case types.MessageTypePing:
		return r.registry.Do(sessionKey, func(tx *session.Tx) {
			_ = tx.Send(conn, types.Message{
				Type: types.MessageTypePong,
				Data: types.Pong{ServerTime: tx.Now()},
			})
		})

	case types.MessageTypeGetState:
		return r.registry.Do(sessionKey, func(tx *session.Tx) {
			_ = tx.SendState(conn)
		})

	case types.MessageTypeJoin:
		return ErrUnexpectedJoin
	}

	if !types.IsControlType(env.Type) {
		return fmt.Errorf("%w: %s", ErrUnhandledType, env.Type)
	}

	cmd, err := types.ParseCommand(env)
	if err != nil {
		return err
	}
	return r.control(ctx, conn, sessionKey, cmd)
}

// control authorizes and applies one playback command
// ARCHITECTURAL DISCOVERY: Authorize, apply and broadcast share one session
// critical section so every member observes mutations in the same order
func (r *Router) control(ctx context.Context, conn interfaces.Connection, sessionKey string, cmd types.Command) error {
	_, span := r.tracer.Start(ctx, "command "+cmd.Type,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.String("command.type", cmd.Type),
		),
	)
	defer span.End()

	var (
		auth  session.Authorization
		state types.PlaybackState
		coach types.Identity
	)
	err := r.registry.Do(sessionKey, func(tx *session.Tx) {
		auth = tx.Authorize(conn)
		if !auth.Allowed() {
			_ = tx.Send(conn, types.Message{
				Type: types.MessageTypeError,
				Data: types.ErrorReply{Message: auth.Message(), Code: auth.Code()},
			})
			return
		}

		state = tx.Apply(cmd)
		coach, _ = tx.Identity(conn)
		tx.Broadcast(types.Message{Type: cmd.Type, Data: echo(cmd, state)}, nil)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Bool("command.authorized", auth.Allowed()),
		attribute.String("command.authorization", auth.String()),
	)
	if !auth.Allowed() {
		r.log.Info().
			Str("session", sessionKey).
			Str("conn", conn.ID()).
			Str("type", cmd.Type).
			Str("code", auth.Code()).
			Msg("command refused")
		return ErrCommandRefused
	}

	switch cmd.Type {
	case types.MessageTypeSessionStart:
		r.publish(types.MessageTypeSessionStart, types.SessionStartNotice{
			SessionID:   sessionKey,
			CourseName:  state.CourseName,
			CourseImage: state.CourseImage,
			Timestamp:   state.Timestamp,
		})
		r.record(sessionKey, cmd.Type, state, coach)

	case types.MessageTypeSessionEnd:
		r.publish(types.MessageTypeSessionEnd, types.SessionEndNotice{
			SessionID: sessionKey,
			Timestamp: state.Timestamp,
		})
		r.record(sessionKey, cmd.Type, state, coach)
	}
	return nil
}

// echo builds the broadcast payload: the command data as received plus the
// server timestamp and the whole new state
func echo(cmd types.Command, state types.PlaybackState) map[string]interface{} {
	payload := make(map[string]interface{}, len(cmd.Data)+2)
	for k, v := range cmd.Data {
		payload[k] = v
	}
	payload["server_timestamp"] = state.Timestamp
	payload["session_state"] = state
	return payload
}

// publish forwards a lifecycle event to global subscribers.
func (r *Router) publish(eventType string, data interface{}) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(eventType, data); err != nil {
		r.log.Warn().Err(err).Str("type", eventType).Msg("failed to publish lifecycle event")
	}
}

// record appends a lifecycle event to the audit log without holding up the sender
// TECHNICAL DISCOVERY: Audit failures are logged only; live sessions never depend on the store
func (r *Router) record(sessionKey, eventType string, state types.PlaybackState, coach types.Identity) {
	if r.audit == nil {
		return
	}

	event := &types.SessionEvent{
		SessionKey: sessionKey,
		Type:       eventType,
		CoachEmail: coach.Email,
		CreatedAt:  state.Timestamp,
	}
	if eventType == types.MessageTypeSessionStart {
		event.CourseID = state.CourseID
		event.CourseName = state.CourseName
		event.CourseImage = state.CourseImage
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := r.audit.RecordSessionEvent(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error().Err(err).Str("session", sessionKey).Str("type", eventType).Msg("failed to record session event")
		}
	}()
}

var _ interfaces.CommandProcessor = (*Router)(nil)
