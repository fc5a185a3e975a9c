package session

import (
	"encoding/json"

	"discosync/pkg/interfaces"
)

// Broadcast fans msg out to every member of the session except exclude.
// Members whose send fails are evicted once the pass completes.
func (r *Registry) Broadcast(key string, msg interface{}, exclude interfaces.Connection) error {
	s := r.acquire(key, false)
	if s == nil {
		return ErrSessionNotFound
	}
	defer s.mu.Unlock()

	r.broadcastLocked(s, msg, exclude)
	return nil
}

// broadcastLocked delivers msg to the members of s. Caller holds s.mu.
// FUNCTIONAL DISCOVERY: A failed send never stops the pass; failures are collected
// and evicted afterwards so every healthy member still receives msg
func (r *Registry) broadcastLocked(s *Session, msg interface{}, exclude interfaces.Connection) {
	if len(s.members) == 0 {
		return
	}

	payload, err := encode(msg)
	if err != nil {
		r.log.Error().Err(err).Str("session", s.key).Msg("failed to encode broadcast")
		return
	}

	var failed []interfaces.Connection
	for conn := range s.members {
		if conn == exclude {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.log.Warn().Err(err).Str("session", s.key).Str("conn", conn.ID()).Msg("broadcast send failed")
			failed = append(failed, conn)
		}
	}

	if len(failed) > 0 {
		r.evictLocked(s, failed)
	}
}

// sendLocked delivers msg to one member, evicting it on failure. Caller holds s.mu.
func (r *Registry) sendLocked(s *Session, conn interfaces.Connection, msg interface{}) error {
	payload, err := encode(msg)
	if err != nil {
		r.log.Error().Err(err).Str("session", s.key).Msg("failed to encode message")
		return err
	}
	if err := conn.Send(payload); err != nil {
		r.log.Warn().Err(err).Str("session", s.key).Str("conn", conn.ID()).Msg("send failed")
		r.evictLocked(s, []interfaces.Connection{conn})
		return err
	}
	return nil
}

// evictLocked closes and removes dead members, then either retires the session
// or tells the survivors the new participant count. Caller holds s.mu.
// TECHNICAL DISCOVERY: The follow-up count broadcast may itself evict; each round
// strictly shrinks the member set so the recursion terminates
func (r *Registry) evictLocked(s *Session, dead []interfaces.Connection) {
	removed := 0
	for _, conn := range dead {
		if r.removeLocked(s, conn) {
			removed++
		}
		if err := conn.Close(); err != nil {
			r.log.Debug().Err(err).Str("conn", conn.ID()).Msg("close after failed send")
		}
	}
	if removed == 0 {
		return
	}
	r.log.Info().Str("session", s.key).Int("evicted", removed).Int("remaining", len(s.members)).Msg("evicted dead connections")

	if len(s.members) == 0 {
		r.retireLocked(s)
		return
	}
	r.broadcastLocked(s, participantCountMessage(len(s.members)), nil)
}

// encode marshals msg once so a fan-out pass does not re-encode per member.
func encode(msg interface{}) (json.RawMessage, error) {
	if raw, ok := msg.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
