// Package canonical defines the platform-neutral message shapes exchanged
// between the channel adapters and the conversational backend.
package canonical

import (
	"encoding/json"
	"strings"
)

// PayloadHuman is the sentinel payload marking a live-agent handoff request.
const PayloadHuman = "human"

// handoffKeywords are matched case-insensitively against inbound text.
var handoffKeywords = []string{"human", "agent", "support"}

// IsHumanRequest reports whether title is an explicit request for a live agent.
func IsHumanRequest(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range handoffKeywords {
		if lower == kw {
			return true
		}
	}
	return false
}

// ClassifyPayload returns the canonical payload for an inbound text message:
// the handoff sentinel when the title is a human-request keyword, otherwise
// fallback when non-empty, otherwise the title itself.
func ClassifyPayload(title, fallback string) string {
	if IsHumanRequest(title) {
		return PayloadHuman
	}
	if fallback != "" {
		return fallback
	}
	return title
}

// Inbound is a normalized message forwarded to the backend.
// Payload is never empty; Title may be empty only for non-text media.
type Inbound struct {
	Title      string      `json:"title"`
	Payload    string      `json:"payload"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Metadata carries transport correlation and identity hints, never business
// logic. MID is the platform-native message identifier, used to correlate a
// later unsend/edit event back to an already forwarded message. Recipient and
// Sender are set by the backend on the outbound direction.
type Metadata struct {
	MID         string `json:"mid,omitempty"`
	Time        int64  `json:"time,omitempty"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	Sender      string `json:"sender,omitempty"`
}

// Attachment is a media reference. Payload is a URL.
type Attachment struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Button is an interactive button on an outbound message.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
	Type    string `json:"type,omitempty"`
	Color   string `json:"color,omitempty"`
	Image   string `json:"image,omitempty"`
}

// QuickReply is a tap-to-answer suggestion.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Element is one card of a carousel/list template.
type Element struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

// Outbound is a message delivered by the backend for a platform to render.
// At most one of Buttons/QuickReplies is honored per platform capability.
// Custom carries an arbitrary platform-shaped object when the canonical
// shapes are insufficient; its interpretation is adapter-specific.
type Outbound struct {
	Text         string          `json:"text,omitempty"`
	ReplyText    string          `json:"replyText,omitempty"`
	Description  string          `json:"description,omitempty"`
	Buttons      []Button        `json:"buttons,omitempty"`
	QuickReplies []QuickReply    `json:"quickReplies,omitempty"`
	Elements     []Element       `json:"elements,omitempty"`
	Attachment   *Attachment     `json:"attachment,omitempty"`
	Custom       json.RawMessage `json:"custom,omitempty"`
}

// HasCustom reports whether the message carries a custom escape-hatch object.
func (m Outbound) HasCustom() bool {
	return len(m.Custom) > 0 && string(m.Custom) != "null"
}
