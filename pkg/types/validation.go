package types

import (
	"encoding/json"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxRoomIDLength bounds the room id in runes.
const MaxRoomIDLength = 200

// ParseInboundFrame decodes and validates one client frame.
func ParseInboundFrame(data []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return InboundFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := frame.Validate(); err != nil {
		return InboundFrame{}, err
	}
	return frame, nil
}

// Validate checks the frame type and, for join frames, the room id.
// Chat text is validated by the session because its length check has its own
// client-visible error code.
func (f *InboundFrame) Validate() error {
	switch f.Type {
	case FrameTypeJoin:
		if f.URL == "" {
			return ErrMissingRoom
		}
		if !IsValidRoomID(f.URL) {
			return ErrInvalidRoomID
		}
		return nil
	case FrameTypeChat:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
}

// IsValidRoomID accepts 1-200 runes of valid UTF-8 with no control characters.
func IsValidRoomID(roomID string) bool {
	if !utf8.ValidString(roomID) {
		return false
	}
	n := utf8.RuneCountInString(roomID)
	if n < 1 || n > MaxRoomIDLength {
		return false
	}
	for _, r := range roomID {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
