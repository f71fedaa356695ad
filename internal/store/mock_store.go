// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages []*Message
	byMsgID  map[string]*Message // keyed by provider message ID
	pingErr  error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		byMsgID: make(map[string]*Message),
	}
}

// SetPingError makes Ping return err.
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// SaveMessage stores a copy of msg.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.MessageID != "" {
		if _, exists := m.byMsgID[msg.MessageID]; exists {
			return ErrDuplicateMessage
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.Class == "" {
		msg.Class = "text"
	}

	stored := *msg
	m.messages = append(m.messages, &stored)
	if msg.MessageID != "" {
		m.byMsgID[msg.MessageID] = &stored
	}
	return nil
}

// GetMessage retrieves a message by provider message ID.
func (m *MockStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.byMsgID[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// UpdateMessageStatus sets the status for a provider message ID.
func (m *MockStore) UpdateMessageStatus(ctx context.Context, messageID, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byMsgID[messageID]
	if !ok {
		return ErrNotFound
	}
	if at.IsZero() {
		at = time.Now()
	}
	msg.Status = status
	msg.UpdatedAt = at.UTC()
	return nil
}

// ListMessages returns an originator's most recent messages, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, originator string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.Originator == originator {
			c := *msg
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Ping returns the error set by SetPingError.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
