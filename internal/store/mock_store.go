// ABOUTME: Mock SessionStore implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chat"
)

// MockStore is an in-memory SessionStore implementation for testing.
// It mirrors SQLiteStore's ordering and error behavior.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session   // keyed by session ID
	messages map[string][]*chat.Message // keyed by session ID, in append order
	msgIndex map[string]string          // message ID -> session ID
	agents   map[string]chat.Agent      // keyed by agent ID
	now      func() time.Time

	// AppendErr, when set, is returned by AppendMessage.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*chat.Session),
		messages: make(map[string][]*chat.Message),
		msgIndex: make(map[string]string),
		agents:   make(map[string]chat.Agent),
		now:      time.Now,
	}
}

func copySession(s *chat.Session) *chat.Session {
	c := *s
	c.ActiveAgents = append([]string{}, s.ActiveAgents...)
	return &c
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, title string, agents []string) (*chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := &chat.Session{
		ID:           uuid.New().String(),
		Title:        sessionTitle(title),
		CreatedAt:    m.now().UTC(),
		ActiveAgents: uniqueAgents(agents),
	}
	m.sessions[sess.ID] = sess
	return copySession(sess), nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ListSessions returns all sessions, newest first.
func (m *MockStore) ListSessions(ctx context.Context) ([]*chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*chat.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteSession removes a session and its messages.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	for _, msg := range m.messages[id] {
		delete(m.msgIndex, msg.ID)
	}
	delete(m.messages, id)
	delete(m.sessions, id)
	return nil
}

// SetActiveAgents replaces the session's agent list.
func (m *MockStore) SetActiveAgents(ctx context.Context, sessionID string, agents []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveAgents = uniqueAgents(agents)
	return nil
}

// AppendMessage stores a copy of msg at the end of the session's history.
func (m *MockStore) AppendMessage(ctx context.Context, sessionID string, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if msg.ID == "" {
		return errors.New("message ID is required")
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("invalid message type %q", msg.Type)
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	if _, dup := m.msgIndex[msg.ID]; dup {
		return ErrDuplicateMessage
	}

	c := msg.Clone()
	c.SessionID = sessionID
	c.Metadata.Streaming = false
	if c.Metadata.Timestamp.IsZero() {
		c.Metadata.Timestamp = m.now().UTC()
	}
	m.messages[sessionID] = append(m.messages[sessionID], c)
	m.msgIndex[c.ID] = sessionID
	return nil
}

// UpdateMessageStatus sets the delivery status and error text of a stored message.
func (m *MockStore) UpdateMessageStatus(ctx context.Context, sessionID, messageID string, status chat.DeliveryStatus, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[sessionID] {
		if msg.ID == messageID {
			msg.Metadata.Status = status
			msg.Metadata.Error = errText
			return nil
		}
	}
	return ErrNotFound
}

// GetMessages returns a page of the session's history, oldest first.
func (m *MockStore) GetMessages(ctx context.Context, sessionID string, p Pagination) ([]*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}

	msgs := m.messages[sessionID]
	if p.Before != "" {
		end := -1
		for i, msg := range msgs {
			if msg.ID == p.Before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, ErrNotFound
		}
		msgs = msgs[:end]
	}
	if limit := p.limit(); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*chat.Message, len(msgs))
	for i, msg := range msgs {
		result[i] = msg.Clone()
	}
	return result, nil
}

// GetMessage returns one stored message of a session.
func (m *MockStore) GetMessage(ctx context.Context, sessionID, messageID string) (*chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[sessionID] {
		if msg.ID == messageID {
			return msg.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// ListAgents returns the agent directory ordered by name.
func (m *MockStore) ListAgents(ctx context.Context) ([]chat.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]chat.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpsertAgent inserts or replaces a directory entry.
func (m *MockStore) UpsertAgent(ctx context.Context, agent chat.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.ID == "" {
		return errors.New("agent ID is required")
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	agent.Capabilities = append([]string(nil), agent.Capabilities...)
	if len(agent.Capabilities) == 0 {
		agent.Capabilities = nil
	}
	m.agents[agent.ID] = agent
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
