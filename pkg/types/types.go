package types

import (
	"time"
)

// Frame types exchanged over the WebSocket, one JSON object per frame.
const (
	FrameTypeJoin  = "join"
	FrameTypeChat  = "chat"
	FrameTypeError = "error"
)

// Error codes carried in error frames. Clients match on these strings.
const (
	CodeMessageTooLong    = "MESSAGE_TOO_LONG"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInvalidToken      = "INVALID_TOKEN"
)

// InboundFrame is the union of every client frame.
// join uses URL (the room id) and Token; chat uses User and Text.
type InboundFrame struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
	User  string `json:"user,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ChatFrame is broadcast to every other member of the sender's room.
type ChatFrame struct {
	Type string `json:"type"`
	User string `json:"user"`
	Text string `json:"text"`
}

// Penalty tells a throttled client its penalty level and how long to wait.
type Penalty struct {
	Level       int `json:"level"`
	WaitSeconds int `json:"waitSeconds"`
}

// ErrorFrame is sent only to the client whose frame was rejected.
type ErrorFrame struct {
	Type    string   `json:"type"`
	Code    string   `json:"code"`
	User    string   `json:"user"`
	Penalty *Penalty `json:"penalty,omitempty"`
}

// NewChatFrame builds an outbound chat frame.
func NewChatFrame(user, text string) ChatFrame {
	return ChatFrame{Type: FrameTypeChat, User: user, Text: text}
}

// NewErrorFrame builds an outbound error frame; penalty may be nil.
func NewErrorFrame(code, user string, penalty *Penalty) ErrorFrame {
	return ErrorFrame{Type: FrameTypeError, Code: code, User: user, Penalty: penalty}
}

// ArchivedMessage is one broadcast chat event handed to the archive.
type ArchivedMessage struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
