package interfaces

// Peer is one client's transport as seen by the room registry and session.
type Peer interface {
	// ID returns a process-unique identifier used in logs.
	ID() string

	// Send queues one frame without blocking. A full queue or a closed peer
	// returns an error and the frame is dropped.
	Send(data []byte) error

	// IsOpen reports whether the peer is still ready to receive frames.
	IsOpen() bool

	// Close tears the transport down; safe to call more than once.
	Close() error
}
