package session

import "errors"

// Errors returned by the session engine.
var (
	// ErrInvalidGraph is returned when an agent graph cannot form a session.
	ErrInvalidGraph = errors.New("invalid agent graph")
	// ErrInvalidAgentSecret is returned when a secret matches no live agent.
	ErrInvalidAgentSecret = errors.New("invalid agent secret")
	// ErrUnauthorized is returned when an agent touches a thread it is not a member of.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrThreadNotFound is returned for unknown thread names.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrAgentNotFound is returned for unknown agent names.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTimeout is returned when a wait elapses without a matching message.
	ErrTimeout = errors.New("wait timed out")
	// ErrSessionClosed is returned for operations on an ending or ended session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a session key is already registered.
	ErrSessionExists = errors.New("session already exists")
	// ErrUnresolvedAgent is returned when the registry cannot resolve an agent.
	ErrUnresolvedAgent = errors.New("unresolved agent")
	// ErrCapacity is returned when the manager cannot admit another session.
	ErrCapacity = errors.New("session capacity exhausted")
	// ErrStorageClosed is returned when operating on a closed record store.
	ErrStorageClosed = errors.New("record store is closed")
)
