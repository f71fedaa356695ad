// ABOUTME: Normalized inbound event model shared by the buffer, coalescer, and pipeline
// ABOUTME: Events are immutable values serialized as JSON when buffered in the shared store

package inbound

import "time"

// Class is the coarse kind of an inbound event.
type Class string

const (
	ClassText    Class = "text"
	ClassMedia   Class = "media"
	ClassUnknown Class = "unknown"
)

// MediaRef points at an attachment held by the provider.
type MediaRef struct {
	ID       string `json:"media_id"`
	MimeType string `json:"mime_type"`
	// Category is the provider message type: image, audio or video.
	Category string `json:"category"`
}

// Event is one normalized inbound message.
type Event struct {
	Class      Class     `json:"class"`
	Originator string    `json:"originator"`
	Name       string    `json:"name,omitempty"`
	MessageID  string    `json:"message_id"`
	Timestamp  time.Time `json:"timestamp"`
	// Text is the message body for text events and the caption for media events.
	Text  string    `json:"text,omitempty"`
	Media *MediaRef `json:"media,omitempty"`

	// Kind is the raw provider type, kept for unknown-class events.
	Kind string `json:"kind,omitempty"`

	// ContextID is the message this one replies to, if any.
	ContextID string `json:"context_id,omitempty"`

	BusinessPhoneID string `json:"business_phone_id,omitempty"`
	BusinessPhone   string `json:"business_phone,omitempty"`
}

// HasMedia reports whether the event references an attachment.
func (e Event) HasMedia() bool {
	return e.Class == ClassMedia && e.Media != nil && e.Media.ID != ""
}

// Status is a delivery state reported by the provider for an outbound message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// StatusUpdate is a normalized delivery-status notification.
type StatusUpdate struct {
	MessageID   string    `json:"id"`
	Status      Status    `json:"status"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
