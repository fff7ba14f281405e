package types

import "errors"

// Frame decoding errors. All of them are protocol errors: the frame is
// dropped and the connection stays open.
var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrMissingRoom      = errors.New("join frame missing room id")
	ErrInvalidRoomID    = errors.New("room ID must be 1-200 characters without control characters")
)
