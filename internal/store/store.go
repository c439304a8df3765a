// ABOUTME: SessionStore interface and shared helpers for chat persistence
// ABOUTME: Sessions, their message history and the agent directory

package store

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/coven-chat/internal/chat"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when appending a message whose ID is already stored
var ErrDuplicateMessage = errors.New("message already exists")

// DefaultSessionTitle is used when CreateSession gets a blank title.
const DefaultSessionTitle = "New chat"

// Message history page sizes.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Pagination selects a page of message history. Messages are returned oldest
// first; Before, when set, is the ID of a message and only messages stored
// earlier than it are considered. Limit keeps the newest messages of that range.
type Pagination struct {
	Limit  int
	Before string
}

func (p Pagination) limit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageSize
	case p.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return p.Limit
	}
}

// SessionStore persists sessions, messages and the agent directory.
type SessionStore interface {
	// Sessions
	CreateSession(ctx context.Context, title string, agents []string) (*chat.Session, error)
	GetSession(ctx context.Context, id string) (*chat.Session, error)
	ListSessions(ctx context.Context) ([]*chat.Session, error)
	DeleteSession(ctx context.Context, id string) error
	SetActiveAgents(ctx context.Context, sessionID string, agents []string) error

	// Messages
	GetMessages(ctx context.Context, sessionID string, p Pagination) ([]*chat.Message, error)
	GetMessage(ctx context.Context, sessionID, messageID string) (*chat.Message, error)
	AppendMessage(ctx context.Context, sessionID string, msg *chat.Message) error
	UpdateMessageStatus(ctx context.Context, sessionID, messageID string, status chat.DeliveryStatus, errText string) error

	// Agent directory
	ListAgents(ctx context.Context) ([]chat.Agent, error)
	UpsertAgent(ctx context.Context, agent chat.Agent) error

	// Close releases any resources held by the store
	Close() error
}

func sessionTitle(title string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return DefaultSessionTitle
}

// uniqueAgents drops blanks and repeats, keeping first-appearance order.
func uniqueAgents(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
