// ABOUTME: Core data model for agents, sessions, messages and connection state
// ABOUTME: Shared by the agent, routing, stream, store and conversation layers

package chat

import (
	"slices"
	"strings"
	"time"
)

// Agent is the identity and display metadata of a responder.
type Agent struct {
	ID           string   `json:"id" yaml:"id" toml:"id"`
	Name         string   `json:"name" yaml:"name" toml:"name"`
	Color        string   `json:"color,omitempty" yaml:"color" toml:"color"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities" toml:"capabilities"`
	Avatar       string   `json:"avatar,omitempty" yaml:"avatar" toml:"avatar"`
	Endpoint     string   `json:"endpoint,omitempty" yaml:"endpoint" toml:"endpoint"` // WebSocket URL the gateway dials
}

// HasCapability reports whether the agent advertises the given capability.
func (a Agent) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// Session is a conversation container.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	ActiveAgents []string  `json:"active_agents"`
}

// HasAgent reports whether agentID participates in the session.
func (s *Session) HasAgent(agentID string) bool {
	return slices.Contains(s.ActiveAgents, agentID)
}

// MessageType tags the Message variant.
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeAgent  MessageType = "agent"
	MessageTypeSystem MessageType = "system"
	MessageTypeError  MessageType = "error"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeUser, MessageTypeAgent, MessageTypeSystem, MessageTypeError:
		return true
	}
	return false
}

// PartKind tags a content fragment.
type PartKind string

const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
	PartData PartKind = "data"
)

// Part is one typed content fragment of a message.
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Filename string         `json:"filename,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	URI      string         `json:"uri,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// DeliveryStatus tracks what happened to an outbound message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusError     DeliveryStatus = "error"
)

// Metadata carries the mutable bookkeeping of a message.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Streaming bool           `json:"streaming"`
	Status    DeliveryStatus `json:"status,omitempty"`
	Targets   []string       `json:"targets,omitempty"` // agents a user message was routed to
	Error     string         `json:"error,omitempty"`
}

// Message is one unit of conversation content.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	AgentID   string      `json:"agent_id,omitempty"`
	Parts     []Part      `json:"parts"`
	Metadata  Metadata    `json:"metadata"`
	ReplyTo   string      `json:"reply_to,omitempty"`
}

// Text concatenates every text part of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// AppendText appends content to the last text part, creating one if needed.
func (m *Message) AppendText(content string) {
	for i := len(m.Parts) - 1; i >= 0; i-- {
		if m.Parts[i].Kind == PartText {
			m.Parts[i].Text += content
			return
		}
	}
	m.Parts = append(m.Parts, TextPart(content))
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		c.Parts[i] = p
		if p.Data != nil {
			c.Parts[i].Data = make(map[string]any, len(p.Data))
			for k, v := range p.Data {
				c.Parts[i].Data[k] = v
			}
		}
	}
	c.Metadata.Targets = slices.Clone(m.Metadata.Targets)
	return &c
}

// ConnectionStatus is the transport state of one agent connection.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

// ActivityStatus is what an agent is currently doing from the UI's point of view.
type ActivityStatus string

const (
	ActivityIdle       ActivityStatus = "idle"
	ActivityThinking   ActivityStatus = "thinking"
	ActivityResponding ActivityStatus = "responding"
	ActivityError      ActivityStatus = "error"
)

// AgentConnectionState is the runtime record for one (session, agent) pair.
// It is never persisted.
type AgentConnectionState struct {
	AgentID          string           `json:"agent_id"`
	SessionID        string           `json:"session_id,omitempty"`
	Connection       ConnectionStatus `json:"connection"`
	Activity         ActivityStatus   `json:"activity"`
	LastError        string           `json:"last_error,omitempty"`
	ReconnectAttempt int              `json:"reconnect_attempt"`
}

// DisconnectedState is the state reported for agents the registry does not know.
func DisconnectedState(agentID string) AgentConnectionState {
	return AgentConnectionState{
		AgentID:    agentID,
		Connection: ConnectionDisconnected,
		Activity:   ActivityIdle,
	}
}

// RoutingReason records which routing rule produced a decision.
type RoutingReason string

const (
	RoutedBySelection RoutingReason = "selection"
	RoutedByMention   RoutingReason = "mention"
	RoutedByBroadcast RoutingReason = "broadcast"
)

// RoutingDecision is the ephemeral result of routing one outbound message.
type RoutingDecision struct {
	TargetAgents []string      `json:"target_agents"`
	PrimaryAgent string        `json:"primary_agent"`
	Reason       RoutingReason `json:"reason"`
}
