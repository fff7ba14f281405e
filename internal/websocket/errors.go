package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrNilConnection    = errors.New("connection cannot be nil")
)

// Handler-related errors
var (
	ErrNilSessionFactory = errors.New("session factory cannot be nil")
)
