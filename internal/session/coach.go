package session

import (
	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

// Authorization is the outcome of adjudicating a playback command.
// A refusal is a normal value, never an error.
type Authorization int

const (
	// AuthorizationGranted: the sender is a member and the registered coach
	AuthorizationGranted Authorization = iota
	// AuthorizationNotCoach: the sender never declared itself coach
	AuthorizationNotCoach
	// AuthorizationNotOwner: the sender declared coach but another connection holds the registration
	AuthorizationNotOwner
)

// Allowed reports whether the command may proceed.
func (a Authorization) Allowed() bool {
	return a == AuthorizationGranted
}

// Code returns the ERROR reply code for a refusal.
func (a Authorization) Code() string {
	switch a {
	case AuthorizationNotCoach:
		return types.ErrorCodeUnauthorized
	case AuthorizationNotOwner:
		return types.ErrorCodeNotSessionOwner
	default:
		return ""
	}
}

// Message returns the human-readable ERROR reply text for a refusal.
func (a Authorization) Message() string {
	switch a {
	case AuthorizationNotCoach:
		return "Unauthorized action: only the coach can control playback."
	case AuthorizationNotOwner:
		return "You are not the coach of this session."
	default:
		return ""
	}
}

func (a Authorization) String() string {
	switch a {
	case AuthorizationGranted:
		return "granted"
	case AuthorizationNotCoach:
		return "not_coach"
	case AuthorizationNotOwner:
		return "not_owner"
	default:
		return "unknown"
	}
}

// registerIfCoach makes conn the session's coach when it declared itself one.
// FUNCTIONAL DISCOVERY: The most recent self-declared coach wins; an earlier coach
// silently loses authority and gets NOT_SESSION_OWNER on its next command
func (s *Session) registerIfCoach(conn interfaces.Connection, identity types.Identity) bool {
	if !identity.IsCoach {
		return false
	}
	s.coach = conn
	return true
}

// authorize grants only the member that is the current coach registration.
func (s *Session) authorize(conn interfaces.Connection) Authorization {
	m, ok := s.members[conn]
	if !ok || !m.identity.IsCoach {
		return AuthorizationNotCoach
	}
	if s.coach != conn {
		return AuthorizationNotOwner
	}
	return AuthorizationGranted
}

// clearIfCoach drops the coach reference only when it points at conn.
func (s *Session) clearIfCoach(conn interfaces.Connection) bool {
	if s.coach != conn {
		return false
	}
	s.coach = nil
	return true
}
