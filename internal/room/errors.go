package room

import "errors"

var (
	ErrNilMember   = errors.New("member cannot be nil")
	ErrEmptyRoomID = errors.New("room ID cannot be empty")
)
