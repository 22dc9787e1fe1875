package socket

import (
	"encoding/json"

	"github.com/palmmind-office/Social-Media-Bot/internal/canonical"
)

// Frame is the JSON message format on the duplex channel. Events flowing to
// the backend are "user:join" (with an ID for ack correlation),
// "message:sent" and "livechat:request"; the backend pushes
// "message:received" and answers a join with an "ack" frame echoing the ID.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel event names.
const (
	EventUserJoin        = "user:join"
	EventAck             = "ack"
	EventMessageSent     = "message:sent"
	EventMessageReceived = "message:received"
	EventLivechatRequest = "livechat:request"
)

// Fixed join handshake markers.
const (
	ScopeAll = "all"
	RoleUser = "User"
)

// IdentityHints are optional identity fields carried on the join handshake.
type IdentityHints struct {
	Name         string `json:"name,omitempty"`
	MobileNumber string `json:"mobileNumber,omitempty"`
}

// JoinParams is the payload of a user:join frame.
type JoinParams struct {
	UserID   string        `json:"userId"`
	Scope    string        `json:"scope"`
	Role     string        `json:"role"`
	Platform string        `json:"platform"`
	Hints    IdentityHints `json:"hints"`
}

// MessageEvent is the payload of message:sent and message:received frames.
// Message is either a single canonical message object or an array of them.
type MessageEvent struct {
	Message  json.RawMessage    `json:"message"`
	Metadata canonical.Metadata `json:"metadata"`
}

// Batch splits the Message field into individual raw elements so that one
// malformed element cannot poison the decoding of its siblings. A non-array
// payload yields a single-element batch.
func (e MessageEvent) Batch() []json.RawMessage {
	var parts []json.RawMessage
	if err := json.Unmarshal(e.Message, &parts); err == nil {
		return parts
	}
	if len(e.Message) == 0 {
		return nil
	}
	return []json.RawMessage{e.Message}
}

func newFrame(event, id string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, ID: id, Data: raw}, nil
}
