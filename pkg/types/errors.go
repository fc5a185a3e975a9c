package types

import "errors"

// ARCHITECTURAL DISCOVERY: Parse failures are protocol errors; callers drop the
// message rather than reply, so these only travel as far as the log
var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrInvalidEnvelope    = errors.New("message is not a {type, data} envelope")
	ErrMissingMessageType = errors.New("message type is required")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidPayload     = errors.New("message data is not a JSON object")
	ErrInvalidSessionKey  = errors.New("session key must be 1-128 printable characters")
	ErrInvalidFieldType   = errors.New("message field has the wrong type")
	ErrNegativeTrackIndex = errors.New("track index must not be negative")
	ErrMessageTooLarge    = errors.New("message exceeds 64KB limit")
)
