package session

import (
	"errors"

	"discosync/pkg/interfaces"
)

// Session registry error types
var (
	ErrSessionNotFound = interfaces.ErrSessionNotFound
	ErrNotMember       = errors.New("connection is not a member of this session")
)
