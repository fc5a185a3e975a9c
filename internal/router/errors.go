package router

import "errors"

// Router-specific error types. Process never surfaces them to the client; they
// classify dropped messages for logs and spans.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrUnexpectedJoin    = errors.New("JOIN received after handshake")
	ErrUnhandledType     = errors.New("message type not handled on session endpoint")
	ErrCommandRefused    = errors.New("command refused: sender does not hold coach authority")
)
