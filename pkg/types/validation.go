package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"unicode"
	"unicode/utf8"
)

// MaxMessageSize bounds a single inbound frame.
const MaxMessageSize = 64 * 1024

// MaxSessionKeyLength bounds the caller-supplied session key.
const MaxSessionKeyLength = 128

// Command is a parsed playback-control message.
// Data keeps the payload exactly as received so the echo carries it unchanged.
type Command struct {
	Type        string
	Data        map[string]interface{}
	Position    float64
	TrackIndex  int
	CourseID    *string
	CourseName  *string
	CourseImage *string
}

// ParseEnvelope decodes a raw frame into its {type, data} envelope.
// A missing or null data field is normalized to an empty object.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	if len(raw) > MaxMessageSize {
		return Envelope{}, ErrMessageTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingMessageType
	}

	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		env.Data = json.RawMessage("{}")
		return env, nil
	}
	if trimmed[0] != '{' {
		return Envelope{}, ErrInvalidPayload
	}
	return env, nil
}

// Fields decodes the envelope payload into a generic object, preserving numbers as written.
func (e Envelope) Fields() (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(e.Data) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return fields, nil
}

// ParseIdentity reads a JOIN payload. Both snake_case and camelCase keys are accepted;
// missing email or name fall back to the anonymous defaults.
func ParseIdentity(env Envelope) (Identity, error) {
	fields, err := env.Fields()
	if err != nil {
		return Identity{}, err
	}

	id := AnonymousIdentity()
	if v, ok, err := stringField(fields, "email"); err != nil {
		return Identity{}, err
	} else if ok && v != nil && *v != "" {
		id.Email = *v
	}
	if v, ok, err := stringField(fields, "name", "display_name", "displayName"); err != nil {
		return Identity{}, err
	} else if ok && v != nil && *v != "" {
		id.Name = *v
	}
	if v, ok := lookup(fields, "is_coach", "isCoach"); ok {
		b, isBool := v.(bool)
		if !isBool && v != nil {
			return Identity{}, fmt.Errorf("%w: is_coach", ErrInvalidFieldType)
		}
		id.IsCoach = b
	}
	return id, nil
}

// ParseCommand reads a playback-control envelope.
// FUNCTIONAL DISCOVERY: Missing position and track index default to zero, matching
// existing coach clients that omit them on PLAY from the start of a track
func ParseCommand(env Envelope) (Command, error) {
	if !IsControlType(env.Type) {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}
	fields, err := env.Fields()
	if err != nil {
		return Command{}, err
	}

	cmd := Command{Type: env.Type, Data: fields}

	switch env.Type {
	case MessageTypePlay, MessageTypePause, MessageTypeSeek:
		pos, err := numberField(fields, "position")
		if err != nil {
			return Command{}, err
		}
		cmd.Position = pos

	case MessageTypeTrackChange:
		idx, err := numberField(fields, "track_index", "trackIndex")
		if err != nil {
			return Command{}, err
		}
		if idx < 0 {
			return Command{}, ErrNegativeTrackIndex
		}
		if idx != math.Trunc(idx) || idx > math.MaxInt32 {
			return Command{}, fmt.Errorf("%w: track_index", ErrInvalidFieldType)
		}
		cmd.TrackIndex = int(idx)

	case MessageTypeSessionStart:
		if cmd.CourseID, _, err = stringField(fields, "course_id", "courseId"); err != nil {
			return Command{}, err
		}
		if cmd.CourseName, _, err = stringField(fields, "course_name", "courseName"); err != nil {
			return Command{}, err
		}
		if cmd.CourseImage, _, err = stringField(fields, "course_image", "courseImage"); err != nil {
			return Command{}, err
		}
	}

	return cmd, nil
}

// IsControlType reports whether a message type mutates playback state and needs coach authority.
func IsControlType(msgType string) bool {
	switch msgType {
	case MessageTypePlay,
		MessageTypePause,
		MessageTypeSeek,
		MessageTypeTrackChange,
		MessageTypeSessionStart,
		MessageTypeSessionEnd:
		return true
	default:
		return false
	}
}

// IsValidSessionKey checks a caller-supplied session key.
// Keys are opaque; only emptiness, length and control characters are rejected.
func IsValidSessionKey(key string) bool {
	if key == "" || len(key) > MaxSessionKeyLength || !utf8.ValidString(key) {
		return false
	}
	for _, r := range key {
		if unicode.IsControl(r) || r == '/' {
			return false
		}
	}
	return true
}

func lookup(fields map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]interface{}, keys ...string) (*string, bool, error) {
	v, ok := lookup(fields, keys...)
	if !ok || v == nil {
		return nil, ok, nil
	}
	s, isString := v.(string)
	if !isString {
		return nil, true, fmt.Errorf("%w: %s", ErrInvalidFieldType, keys[0])
	}
	return &s, true, nil
}

func numberField(fields map[string]interface{}, keys ...string) (float64, error) {
	v, ok := lookup(fields, keys...)
	if !ok || v == nil {
		return 0, nil
	}
	n, isNumber := v.(json.Number)
	if !isNumber {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFieldType, keys[0])
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFieldType, keys[0])
	}
	return f, nil
}
