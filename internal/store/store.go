// ABOUTME: Store interface and data types for coven-ingest message history
// ABOUTME: Defines the Message record and the operations the pipeline persists through

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a provider message ID is saved twice
var ErrDuplicateMessage = errors.New("message already exists")

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Status constants. Inbound turns start as "received"; outbound replies start
// as "sent" and advance through the provider's delivery statuses.
const (
	StatusReceived  = "received"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message is one row of conversation history.
type Message struct {
	ID         string
	MessageID  string // provider message ID, empty when the provider did not return one
	Originator string
	Direction  string
	Class      string // "text", "media" or "unknown"
	Content    string
	MediaID    string
	MimeType   string
	MediaError string
	ContextID  string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store defines the interface for message history persistence
type Store interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// UpdateMessageStatus sets the delivery status for a provider message ID.
	// Returns ErrNotFound when no row carries that ID.
	UpdateMessageStatus(ctx context.Context, messageID, status string, at time.Time) error
	// ListMessages returns the most recent limit messages for an originator in
	// chronological order. A limit of 0 or less returns all of them.
	ListMessages(ctx context.Context, originator string, limit int) ([]*Message, error)
	Ping(ctx context.Context) error
	Close() error
}
