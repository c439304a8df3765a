// ABOUTME: Folds chunked agent packets into one streaming Message per (session, agent)
// ABOUTME: Content appends, turn_complete finalizes, error packets close the open message

package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/dedupe"
)

// ErrAgentReported matches every *AgentError.
var ErrAgentReported = errors.New("agent reported an error")

// AgentError is an error packet received from an agent.
type AgentError struct {
	SessionID string
	AgentID   string
	Text      string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Text)
}

func (e *AgentError) Is(target error) bool { return target == ErrAgentReported }

// Update describes the effect of one packet.
type Update struct {
	// Message is a copy of the affected message after the packet was applied.
	// It is nil when the packet touched no message.
	Message *chat.Message

	Started   bool // the packet opened a new message
	Finalized bool // the packet closed the open message
	Err       *AgentError
	Ignored   bool // the packet had no effect, e.g. a late turn_complete
}

// Params configures a Reassembler.
type Params struct {
	// IDs tracks agent-supplied message UUIDs so a reused UUID never names a
	// second message. Nil creates a private cache that Close releases.
	IDs *dedupe.Cache

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

type key struct {
	sessionID string
	agentID   string
}

// Reassembler holds at most one open streaming message per (session, agent).
// It is safe for concurrent use; packets for one agent must be applied in the
// order they arrived.
type Reassembler struct {
	ids     *dedupe.Cache
	ownsIDs bool
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	open map[key]*chat.Message
}

// New creates a Reassembler.
func New(p Params) *Reassembler {
	r := &Reassembler{
		ids:    p.IDs,
		now:    p.Now,
		logger: p.Logger,
		open:   make(map[key]*chat.Message),
	}
	if r.ids == nil {
		r.ids = dedupe.New(dedupe.Options{TTL: 24 * time.Hour})
		r.ownsIDs = true
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Apply folds pkt into the open message for (sessionID, agentID).
//
// Content is appended before completion or error is applied, so a packet
// carrying both content and turn_complete finishes the message with that
// content included. After completion the next content packet always starts a
// new message.
func (r *Reassembler) Apply(sessionID, agentID string, pkt chat.Packet) Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{sessionID: sessionID, agentID: agentID}
	m := r.open[k]
	var u Update

	content, hasContent := pkt.Content()
	if hasContent {
		if m == nil {
			m = r.startLocked(sessionID, agentID, pkt.MessageUUID, content)
			r.open[k] = m
			u.Started = true
		} else {
			m.AppendText(content)
			m.Metadata.Timestamp = r.now().UTC()
		}
	}

	if text, isErr := pkt.ErrorText(); isErr {
		u.Err = &AgentError{SessionID: sessionID, AgentID: agentID, Text: text}
		if m != nil {
			m.Metadata.Streaming = false
			m.Metadata.Error = text
			delete(r.open, k)
			u.Finalized = true
		}
		u.Message = m.Clone()
		return u
	}

	if pkt.TurnComplete {
		if m != nil {
			m.Metadata.Streaming = false
			delete(r.open, k)
			u.Finalized = true
		} else {
			r.logger.Debug("turn_complete with no open message",
				"session_id", sessionID,
				"agent_id", agentID,
			)
		}
	}

	if !hasContent && !u.Finalized {
		u.Ignored = true
		return u
	}
	u.Message = m.Clone()
	return u
}

func (r *Reassembler) startLocked(sessionID, agentID, messageUUID, content string) *chat.Message {
	id := messageUUID
	if id == "" || !r.ids.Claim(id) {
		if id != "" {
			r.logger.Warn("agent reused message_uuid, assigning a new ID",
				"agent_id", agentID,
				"message_uuid", id,
			)
		}
		id = uuid.New().String()
		r.ids.Mark(id)
	}

	return &chat.Message{
		ID:        id,
		Type:      chat.MessageTypeAgent,
		SessionID: sessionID,
		AgentID:   agentID,
		Parts:     []chat.Part{chat.TextPart(content)},
		Metadata: chat.Metadata{
			Timestamp: r.now().UTC(),
			Streaming: true,
			Status:    chat.StatusDelivered,
		},
	}
}

// Abort closes the open message for (sessionID, agentID), e.g. when the
// agent's connection drops mid-stream. It returns the closed message, or nil
// when none was open.
func (r *Reassembler) Abort(sessionID, agentID, reason string) *chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{sessionID: sessionID, agentID: agentID}
	m, ok := r.open[k]
	if !ok {
		return nil
	}
	delete(r.open, k)
	m.Metadata.Streaming = false
	m.Metadata.Error = reason
	return m.Clone()
}

// Open returns a copy of the open message for (sessionID, agentID), or nil.
func (r *Reassembler) Open(sessionID, agentID string) *chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open[key{sessionID: sessionID, agentID: agentID}].Clone()
}

// OpenCount returns the number of open messages across all sessions.
func (r *Reassembler) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Reset closes every open message of sessionID and returns them, marked
// non-streaming.
func (r *Reassembler) Reset(sessionID string) []*chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed []*chat.Message
	for k, m := range r.open {
		if k.sessionID != sessionID {
			continue
		}
		delete(r.open, k)
		m.Metadata.Streaming = false
		closed = append(closed, m.Clone())
	}
	return closed
}

// Close releases the private ID cache, if any.
func (r *Reassembler) Close() {
	if r.ownsIDs {
		r.ids.Close()
	}
}
