package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
)

// Handler-related errors
var (
	ErrInvalidSessionKey = errors.New("invalid session key")
	ErrJoinRequired      = errors.New("first message must be JOIN")
	ErrServiceDisabled   = errors.New("audio service disabled")
)
