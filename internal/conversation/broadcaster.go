// ABOUTME: In-memory fan-out event broadcaster for browser clients of a chat session
// ABOUTME: Publishes message, status, typing and error events to every subscriber of a session

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chat"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType names what changed.
type EventType string

const (
	// EventMessage carries a new or updated message, including streaming chunks.
	EventMessage EventType = "message"
	// EventStatus carries an agent's connection and activity state.
	EventStatus EventType = "status"
	// EventTyping reports that an agent started or stopped working on a reply.
	EventTyping EventType = "typing"
	// EventError reports an agent-level error that has no message of its own.
	EventError EventType = "error"
)

// Event is one UI-facing change in a session.
type Event struct {
	Type      EventType                  `json:"type"`
	SessionID string                     `json:"session_id"`
	AgentID   string                     `json:"agent_id,omitempty"`
	Message   *chat.Message              `json:"message,omitempty"`
	Status    *chat.AgentConnectionState `json:"status,omitempty"`
	Typing    bool                       `json:"typing,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// EventBroadcaster provides in-memory pub/sub of session events.
// Subscribers register for a session ID and receive events as the
// conversation service produces them.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given session.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *Event)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"session_id", sessionID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given session.
// If excludeSubID is non-empty, that subscriber is skipped.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(sessionID string, event *Event, excludeSubID string) {
	// Sends never block, so the read lock is held across them; Unsubscribe
	// closes channels under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[sessionID] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", sessionID,
				"type", event.Type)
		}
	}
}

// SubscriberCount returns the number of subscribers of a session.
func (b *EventBroadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed",
		"session_id", sessionID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("broadcaster closed")
}
