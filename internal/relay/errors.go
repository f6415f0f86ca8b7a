package relay

import "errors"

var (
	// ErrAuth is returned when a connection's identity could not be verified.
	ErrAuth = errors.New("identity verification failed")
	// ErrNotAMember is returned when a connection's user may not join a room.
	ErrNotAMember = errors.New("user is not a member of room")
	// ErrUnknownConnection is returned for operations on a connection
	// that was never registered or has already closed.
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrRelayStopped      = errors.New("relay stopped")
)
