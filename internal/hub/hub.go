// Package hub fans session lifecycle events out to global notification subscribers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

// eventBufferSize bounds the queue between publishers and the delivery goroutine.
// TECHNICAL DISCOVERY: 1000 absorbs bursts of starts/ends without blocking a session lock holder
const eventBufferSize = 1000

// Hub tracks global subscribers and delivers published events to all of them
// ARCHITECTURAL DISCOVERY: Publishers only enqueue; a single goroutine does the
// fan-out so session critical sections never wait on global sockets
type Hub struct {
	events   chan types.Message
	shutdown chan struct{}
	done     chan struct{}
	running  bool
	mu       sync.RWMutex

	// TECHNICAL DISCOVERY: Subscriber set has its own lock, independent of lifecycle state
	subscribers map[interfaces.Connection]struct{}
	subsMu      sync.RWMutex

	live interfaces.LiveSessionChecker
	log  zerolog.Logger
}

// NewHub creates a stopped hub. live answers the subscribe-time question of
// whether any session is broadcasting.
func NewHub(live interfaces.LiveSessionChecker, logger zerolog.Logger) *Hub {
	return &Hub{
		events:      make(chan types.Message, eventBufferSize),
		subscribers: make(map[interfaces.Connection]struct{}),
		live:        live,
		log:         logger.With().Str("component", "hub").Logger(),
	}
}

// Start begins delivering published events
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	// fresh channels so a stopped hub can be started again
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.log.Info().Msg("starting notification hub")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop halts delivery after flushing the events already queued
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.log.Info().Msg("notification hub stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Publish queues one event for every current subscriber
// FUNCTIONAL DISCOVERY: Non-blocking enqueue; a full queue drops the event and
// reports it rather than stalling the publisher
func (h *Hub) Publish(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	msg := types.Message{Type: eventType, Data: json.RawMessage(payload)}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- msg:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// Subscribe adds conn and immediately tells it whether a session is live
func (h *Hub) Subscribe(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	h.subsMu.Lock()
	h.subscribers[conn] = struct{}{}
	count := len(h.subscribers)
	h.subsMu.Unlock()

	notice := types.Message{Type: types.MessageTypeNoActiveSession, Data: types.ActiveNotice{HasActive: false}}
	if h.live != nil && h.live.HasLiveSession() {
		notice = types.Message{Type: types.MessageTypeSessionActive, Data: types.ActiveNotice{HasActive: true}}
	}

	if err := conn.Send(notice); err != nil {
		h.Unsubscribe(conn)
		return fmt.Errorf("failed to send initial notice: %w", err)
	}

	h.log.Debug().Str("conn_id", conn.ID()).Int("subscribers", count).Msg("subscriber added")
	return nil
}

// Unsubscribe removes conn. Idempotent.
func (h *Hub) Unsubscribe(conn interfaces.Connection) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	delete(h.subscribers, conn)
}

// SubscriberCount returns the number of current subscribers.
func (h *Hub) SubscriberCount() int {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	for {
		select {
		case msg := <-h.events:
			h.deliver(msg)

		case <-shutdown:
			h.drain()
			return

		case <-ctx.Done():
			h.log.Debug().Msg("hub context cancelled")
			h.mu.Lock()
			if h.shutdown == shutdown && h.running {
				h.running = false
				close(shutdown)
			}
			h.mu.Unlock()
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case msg := <-h.events:
			h.deliver(msg)
		default:
			return
		}
	}
}

// deliver sends msg to every subscriber, then prunes the ones that failed
func (h *Hub) deliver(msg types.Message) {
	h.subsMu.RLock()
	targets := make([]interfaces.Connection, 0, len(h.subscribers))
	for conn := range h.subscribers {
		targets = append(targets, conn)
	}
	h.subsMu.RUnlock()

	var dead []interfaces.Connection
	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			dead = append(dead, conn)
		}
	}

	for _, conn := range dead {
		h.Unsubscribe(conn)
		_ = conn.Close()
	}

	h.log.Debug().
		Str("type", msg.Type).
		Int("delivered", len(targets)-len(dead)).
		Int("pruned", len(dead)).
		Msg("event delivered")
}

var _ interfaces.NotificationHub = (*Hub)(nil)
