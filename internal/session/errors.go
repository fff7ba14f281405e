package session

import "errors"

// Errors returned by HandleFrame. None of them close the connection.
var (
	ErrProtocol          = errors.New("protocol error")
	ErrNotJoined         = errors.New("chat before join")
	ErrAlreadyJoined     = errors.New("already joined a room")
	ErrMessageTooLong    = errors.New("message empty or too long")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrSessionClosed     = errors.New("session closed")
)
