package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

// Registry owns every live session, keyed by the caller-supplied session key.
// ARCHITECTURAL DISCOVERY: Two lock levels. mu guards only insertion, lookup and
// deletion of whole records and is never held while waiting on a session lock;
// each Session's own mutex serializes every mutation and fan-out of that session
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      zerolog.Logger
	now      func() time.Time
}

// Session is one ephemeral playback-synchronization group.
type Session struct {
	key       string
	mu        sync.Mutex
	closed    bool
	state     types.PlaybackState
	members   map[interfaces.Connection]*member
	coach     interfaces.Connection
	createdAt time.Time
}

type member struct {
	identity types.Identity
	joinedAt time.Time
}

// Stats is a point-in-time count of registry contents for health reporting.
type Stats struct {
	Sessions     int `json:"sessions"`
	Connections  int `json:"connections"`
	Coaches      int `json:"coaches"`
	LiveSessions int `json:"live_sessions"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock used to stamp state and messages.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		log:      logger.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) clock() time.Time {
	return r.now().UTC()
}

// acquire returns the session for key with its lock held, or nil when absent and
// create is false.
// FUNCTIONAL DISCOVERY: A record can be retired between the map lookup and the
// session lock; retired records are marked closed and the lookup is retried
func (r *Registry) acquire(key string, create bool) *Session {
	for {
		r.mu.Lock()
		s, ok := r.sessions[key]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			s = newSession(key, r.clock())
			r.sessions[key] = s
			r.log.Info().Str("session", key).Msg("session created")
		}
		r.mu.Unlock()

		s.mu.Lock()
		if !s.closed {
			return s
		}
		s.mu.Unlock()
	}
}

func newSession(key string, now time.Time) *Session {
	return &Session{
		key:       key,
		state:     types.PlaybackState{Timestamp: now},
		members:   make(map[interfaces.Connection]*member),
		createdAt: now,
	}
}

// retireLocked deletes an empty session record. Caller holds s.mu.
func (r *Registry) retireLocked(s *Session) {
	s.closed = true
	s.coach = nil

	r.mu.Lock()
	if r.sessions[s.key] == s {
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()

	r.log.Info().Str("session", s.key).Dur("lifetime", r.clock().Sub(s.createdAt)).Msg("session retired")
}

// Join admits conn to the session, creating the session with a zeroed state on
// first join. The joiner receives STATE_SYNC and every member receives the new
// PARTICIPANT_COUNT.
func (r *Registry) Join(key string, conn interfaces.Connection, identity types.Identity) types.Snapshot {
	s := r.acquire(key, true)
	defer s.mu.Unlock()

	s.members[conn] = &member{identity: identity, joinedAt: r.clock()}
	if s.registerIfCoach(conn, identity) {
		r.log.Info().Str("session", key).Str("conn", conn.ID()).Str("email", identity.Email).Msg("coach registered")
	} else {
		r.log.Info().Str("session", key).Str("conn", conn.ID()).Str("email", identity.Email).Msg("participant joined")
	}

	snap := types.Snapshot{State: s.state, ParticipantCount: len(s.members)}
	if err := r.sendLocked(s, conn, r.stateSyncMessage(s)); err != nil {
		// the joiner was evicted and the remaining members already have the count
		return snap
	}
	r.broadcastLocked(s, participantCountMessage(len(s.members)), nil)
	return snap
}

// Leave removes conn from the session. The coach reference is cleared when it
// pointed at conn and the session is deleted once empty; otherwise the remaining
// members receive the new PARTICIPANT_COUNT. Leaving twice is a no-op.
func (r *Registry) Leave(key string, conn interfaces.Connection) {
	s := r.acquire(key, false)
	if s == nil {
		return
	}
	defer s.mu.Unlock()

	if !r.removeLocked(s, conn) {
		return
	}
	r.log.Info().Str("session", key).Str("conn", conn.ID()).Int("remaining", len(s.members)).Msg("connection left")

	if len(s.members) == 0 {
		r.retireLocked(s)
		return
	}
	r.broadcastLocked(s, participantCountMessage(len(s.members)), nil)
}

// removeLocked drops conn and any coach authority it held. Caller holds s.mu.
func (r *Registry) removeLocked(s *Session, conn interfaces.Connection) bool {
	if _, ok := s.members[conn]; !ok {
		return false
	}
	delete(s.members, conn)
	if s.clearIfCoach(conn) {
		r.log.Info().Str("session", s.key).Str("conn", conn.ID()).Msg("coach departed, session has no coach")
	}
	return true
}

// Snapshot returns the current state and participant count of one session.
func (r *Registry) Snapshot(key string) (types.Snapshot, error) {
	s := r.acquire(key, false)
	if s == nil {
		return types.Snapshot{}, ErrSessionNotFound
	}
	defer s.mu.Unlock()
	return types.Snapshot{State: s.state, ParticipantCount: len(s.members)}, nil
}

// Authorize reports whether conn may issue playback commands in the session.
func (r *Registry) Authorize(key string, conn interfaces.Connection) Authorization {
	s := r.acquire(key, false)
	if s == nil {
		return AuthorizationNotCoach
	}
	defer s.mu.Unlock()
	return s.authorize(conn)
}

// Do runs fn inside the session's critical section. Everything fn does through
// the Tx is linearized with every other operation on the same session.
func (r *Registry) Do(key string, fn func(tx *Tx)) error {
	s := r.acquire(key, false)
	if s == nil {
		return ErrSessionNotFound
	}
	defer s.mu.Unlock()

	fn(&Tx{r: r, s: s})
	return nil
}

// records copies the current session pointers so readers never hold mu while
// locking a session.
func (r *Registry) records() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// ListSessions summarizes every live session ordered by key.
func (r *Registry) ListSessions() []types.SessionSummary {
	records := r.records()
	out := make([]types.SessionSummary, 0, len(records))
	for _, s := range records {
		s.mu.Lock()
		if !s.closed {
			out = append(out, s.summaryLocked())
		}
		s.mu.Unlock()
	}
	return out
}

// Get summarizes one session.
func (r *Registry) Get(key string) (types.SessionSummary, bool) {
	s := r.acquire(key, false)
	if s == nil {
		return types.SessionSummary{}, false
	}
	defer s.mu.Unlock()
	return s.summaryLocked(), true
}

// LiveSessions lists the sessions whose course is currently set.
func (r *Registry) LiveSessions() []types.LiveSession {
	records := r.records()
	out := make([]types.LiveSession, 0)
	for _, s := range records {
		s.mu.Lock()
		if !s.closed && s.state.Broadcasting() {
			out = append(out, types.LiveSession{
				SessionID:        s.key,
				CourseName:       s.state.CourseName,
				CourseImage:      s.state.CourseImage,
				Playing:          s.state.Playing,
				ParticipantCount: len(s.members),
			})
		}
		s.mu.Unlock()
	}
	return out
}

// HasLiveSession reports whether any session has a course set.
func (r *Registry) HasLiveSession() bool {
	for _, s := range r.records() {
		s.mu.Lock()
		live := !s.closed && s.state.Broadcasting()
		s.mu.Unlock()
		if live {
			return true
		}
	}
	return false
}

// Stats counts sessions, connections and coaches.
func (r *Registry) Stats() Stats {
	var st Stats
	for _, s := range r.records() {
		s.mu.Lock()
		if !s.closed {
			st.Sessions++
			st.Connections += len(s.members)
			if s.coach != nil {
				st.Coaches++
			}
			if s.state.Broadcasting() {
				st.LiveSessions++
			}
		}
		s.mu.Unlock()
	}
	return st
}

// Shutdown closes every connection and discards every session.
func (r *Registry) Shutdown() {
	for _, s := range r.records() {
		s.mu.Lock()
		if !s.closed {
			for conn := range s.members {
				conn.Close()
			}
			s.members = make(map[interfaces.Connection]*member)
			r.retireLocked(s)
		}
		s.mu.Unlock()
	}
}

func (s *Session) summaryLocked() types.SessionSummary {
	return types.SessionSummary{
		SessionID:        s.key,
		ParticipantCount: len(s.members),
		HasCoach:         s.coach != nil,
		State:            s.state,
	}
}

func (r *Registry) stateSyncMessage(s *Session) types.Message {
	return types.Message{
		Type: types.MessageTypeStateSync,
		Data: types.StateSync{
			PlaybackState:    s.state,
			ParticipantCount: len(s.members),
			ServerTime:       r.clock(),
		},
	}
}

func participantCountMessage(count int) types.Message {
	return types.Message{
		Type: types.MessageTypeParticipantCount,
		Data: types.ParticipantCount{Count: count},
	}
}

// Tx is a handle on one session valid only inside the Registry.Do callback.
type Tx struct {
	r *Registry
	s *Session
}

// Key returns the session key.
func (tx *Tx) Key() string {
	return tx.s.key
}

// Authorize adjudicates a playback command from conn.
func (tx *Tx) Authorize(conn interfaces.Connection) Authorization {
	return tx.s.authorize(conn)
}

// Identity returns the identity conn declared on JOIN.
func (tx *Tx) Identity(conn interfaces.Connection) (types.Identity, bool) {
	m, ok := tx.s.members[conn]
	if !ok {
		return types.Identity{}, false
	}
	return m.identity, true
}

// State returns the current playback state.
func (tx *Tx) State() types.PlaybackState {
	return tx.s.state
}

// ParticipantCount returns the number of live members.
func (tx *Tx) ParticipantCount() int {
	return len(tx.s.members)
}

// Apply runs the state mutator for cmd and returns the whole new state.
func (tx *Tx) Apply(cmd types.Command) types.PlaybackState {
	return tx.s.apply(cmd, tx.r.clock())
}

// Now returns the registry clock.
func (tx *Tx) Now() time.Time {
	return tx.r.clock()
}

// Broadcast fans msg out to every member except exclude, evicting members whose send fails.
func (tx *Tx) Broadcast(msg interface{}, exclude interfaces.Connection) {
	tx.r.broadcastLocked(tx.s, msg, exclude)
}

// Send delivers msg to one member, evicting it on failure.
func (tx *Tx) Send(conn interfaces.Connection, msg interface{}) error {
	if _, ok := tx.s.members[conn]; !ok {
		return ErrNotMember
	}
	return tx.r.sendLocked(tx.s, conn, msg)
}

// SendState delivers STATE_SYNC to one member.
func (tx *Tx) SendState(conn interfaces.Connection) error {
	return tx.Send(conn, tx.r.stateSyncMessage(tx.s))
}
