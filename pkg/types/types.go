package types

import (
	"encoding/json"
	"time"
)

// ARCHITECTURAL DISCOVERY: Message type constants are shared by the session endpoint,
// the global notification endpoint and the command processor
const (
	// Session endpoint, inbound
	MessageTypeJoin         = "JOIN"
	MessageTypePlay         = "PLAY"
	MessageTypePause        = "PAUSE"
	MessageTypeSeek         = "SEEK"
	MessageTypeTrackChange  = "TRACK_CHANGE"
	MessageTypeSessionStart = "SESSION_START"
	MessageTypeSessionEnd   = "SESSION_END"
	MessageTypeGetState     = "GET_STATE"
	MessageTypePing         = "PING"

	// Session endpoint, outbound
	MessageTypeStateSync        = "STATE_SYNC"
	MessageTypeParticipantCount = "PARTICIPANT_COUNT"
	MessageTypeError            = "ERROR"
	MessageTypePong             = "PONG"

	// Global endpoint
	MessageTypeSubscribe       = "SUBSCRIBE"
	MessageTypeSubscribed      = "SUBSCRIBED"
	MessageTypeSessionActive   = "SESSION_ACTIVE"
	MessageTypeNoActiveSession = "NO_ACTIVE_SESSION"
)

// Error codes carried by ERROR replies
const (
	ErrorCodeUnauthorized    = "UNAUTHORIZED"
	ErrorCodeNotSessionOwner = "NOT_SESSION_OWNER"
)

// Feature flag names stored in the collaborator database
const (
	FeatureAudioService     = "AUDIO_SERVICE_ENABLED"
	FeatureVideoService     = "VIDEO_SERVICE_ENABLED"
	FeatureStreamingService = "STREAMING_SERVICE_ENABLED"
)

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound envelope whose payload is marshaled lazily.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Identity is what a connection declares about itself in its JOIN handshake.
// IsCoach is a claim only; authority comes from the session's coach registration.
type Identity struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	IsCoach bool   `json:"is_coach"`
}

// AnonymousIdentity is used when a connection joins without a usable JOIN payload.
func AnonymousIdentity() Identity {
	return Identity{Email: "anonymous", Name: "Participant"}
}

// PlaybackState is the single mutable record of a session.
// FUNCTIONAL DISCOVERY: Always transmitted whole, never as a delta; clients extrapolate
// position locally from Timestamp
type PlaybackState struct {
	Playing     bool      `json:"playing"`
	TrackIndex  int       `json:"track_index"`
	Position    float64   `json:"position"`
	Timestamp   time.Time `json:"timestamp"`
	CourseID    *string   `json:"course_id"`
	CourseName  *string   `json:"course_name"`
	CourseImage *string   `json:"course_image"`
}

// Broadcasting reports whether a course is live in this session.
func (p PlaybackState) Broadcasting() bool {
	return p.CourseName != nil && *p.CourseName != ""
}

// Snapshot is the state handed to a joining connection.
type Snapshot struct {
	State            PlaybackState
	ParticipantCount int
}

// StateSync is the STATE_SYNC payload: the state flattened with the live count.
type StateSync struct {
	PlaybackState
	ParticipantCount int       `json:"participant_count"`
	ServerTime       time.Time `json:"server_time"`
}

// ParticipantCount is the PARTICIPANT_COUNT payload.
type ParticipantCount struct {
	Count int `json:"count"`
}

// ErrorReply is the ERROR payload.
type ErrorReply struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Pong is the PONG payload on the session endpoint.
type Pong struct {
	ServerTime time.Time `json:"server_time"`
}

// SessionSummary describes one session for operational listings.
type SessionSummary struct {
	SessionID        string        `json:"session_id"`
	ParticipantCount int           `json:"participant_count"`
	HasCoach         bool          `json:"has_coach"`
	State            PlaybackState `json:"state"`
}

// LiveSession describes a session in broadcasting sub-state for public discovery.
type LiveSession struct {
	SessionID        string  `json:"session_id"`
	CourseName       *string `json:"course_name"`
	CourseImage      *string `json:"course_image"`
	Playing          bool    `json:"playing"`
	ParticipantCount int     `json:"participant_count"`
}

// SessionEvent is an audit record of an authorized SESSION_START or SESSION_END.
type SessionEvent struct {
	ID          string    `json:"id"`
	SessionKey  string    `json:"session_key"`
	Type        string    `json:"type"`
	CourseID    *string   `json:"course_id,omitempty"`
	CourseName  *string   `json:"course_name,omitempty"`
	CourseImage *string   `json:"course_image,omitempty"`
	CoachEmail  string    `json:"coach_email"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStartNotice is the global SESSION_START payload.
type SessionStartNotice struct {
	SessionID   string    `json:"session_id"`
	CourseName  *string   `json:"course_name"`
	CourseImage *string   `json:"course_image"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionEndNotice is the global SESSION_END payload.
type SessionEndNotice struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ActiveNotice is the SESSION_ACTIVE / NO_ACTIVE_SESSION payload sent on subscribe.
type ActiveNotice struct {
	HasActive bool `json:"has_active"`
}

// Subscribed is the SUBSCRIBED payload.
type Subscribed struct {
	Events []string `json:"events"`
}

// GlobalEvents lists the event types a global subscriber receives.
var GlobalEvents = []string{MessageTypeSessionStart, MessageTypeSessionEnd}

// FeatureFlag is one named capability switch from the collaborator store.
type FeatureFlag struct {
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	UpdatedAt *time.Time `json:"updated_at"`
	UpdatedBy *string    `json:"updated_by"`
}
