package interfaces

import "discosync/pkg/types"

// SessionRegistry owns the live sessions keyed by caller-supplied session key.
// ARCHITECTURAL DISCOVERY: Every mutation of one session is serialized; different
// sessions never block each other
type SessionRegistry interface {
	// Join admits conn to the session, creating it on first join, and returns the
	// state the joiner must render plus the live participant count
	Join(sessionKey string, conn Connection, identity types.Identity) types.Snapshot

	// Leave removes conn, clearing coach authority if it held it, and deletes the
	// session once it is empty. Idempotent.
	Leave(sessionKey string, conn Connection)

	// ListSessions summarizes every live session
	ListSessions() []types.SessionSummary

	// Get summarizes one session
	Get(sessionKey string) (types.SessionSummary, bool)

	// LiveSessions lists sessions in broadcasting sub-state
	LiveSessions() []types.LiveSession

	// HasLiveSession reports whether any session is broadcasting
	HasLiveSession() bool
}

// LiveSessionChecker is the narrow view the notification hub needs on subscribe.
type LiveSessionChecker interface {
	HasLiveSession() bool
}
