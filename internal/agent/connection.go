// ABOUTME: One agent channel bound to a (session, agent) pair with automatic reconnection
// ABOUTME: Emits packet, error and lifecycle callbacks; never calls them with its lock held

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chat"
)

// ReasonClientDisconnect is the OnDisconnect reason for caller-initiated disconnects.
const ReasonClientDisconnect = "client disconnect"

// Handlers is the callback set for a connection. Any field may be nil.
// Callbacks for one connection are delivered from at most one goroutine at a
// time for packets, in the order the channel produced them.
type Handlers struct {
	OnPacket       func(agentID string, pkt chat.Packet)
	OnError        func(agentID string, err error)
	OnOpen         func(agentID string)
	OnDisconnect   func(agentID string, reason string)
	OnReconnecting func(agentID string, attempt int)
}

func (h Handlers) packet(id string, pkt chat.Packet) {
	if h.OnPacket != nil {
		h.OnPacket(id, pkt)
	}
}

func (h Handlers) error(id string, err error) {
	if h.OnError != nil {
		h.OnError(id, err)
	}
}

func (h Handlers) open(id string) {
	if h.OnOpen != nil {
		h.OnOpen(id)
	}
}

func (h Handlers) disconnect(id, reason string) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(id, reason)
	}
}

func (h Handlers) reconnecting(id string, attempt int) {
	if h.OnReconnecting != nil {
		h.OnReconnecting(id, attempt)
	}
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	Dialer Dialer

	Backoff Backoff

	// MaxReconnectAttempts of zero uses DefaultMaxReconnectAttempts;
	// a negative value disables automatic reconnection.
	MaxReconnectAttempts int

	DeliveryTimeout  time.Duration
	HandshakeTimeout time.Duration
	Handlers         Handlers
	Logger           *slog.Logger
}

// Connection manages one channel to one agent for one session.
type Connection struct {
	dialer           Dialer
	backoff          Backoff
	maxAttempts      int
	deliveryTimeout  time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger

	mu         sync.Mutex
	handlers   Handlers
	sessionID  string
	agent      chat.Agent
	state      chat.ConnectionStatus
	lastErr    error
	attempt    int
	gen        uint64 // bumped by Connect and Disconnect; stale goroutines compare against it
	channel    Channel
	acks       bool
	timer      *time.Timer
	dialCancel context.CancelFunc
	pending    map[string]*time.Timer // outbound message ID -> delivery timeout
}

// NewConnection creates a disconnected Connection.
func NewConnection(p ConnectionParams) *Connection {
	maxAttempts := p.MaxReconnectAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = DefaultMaxReconnectAttempts
	case maxAttempts < 0:
		maxAttempts = 0
	}
	deliveryTimeout := p.DeliveryTimeout
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}
	handshakeTimeout := p.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		dialer:           p.Dialer,
		backoff:          p.Backoff,
		maxAttempts:      maxAttempts,
		deliveryTimeout:  deliveryTimeout,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		handlers:         p.Handlers,
		state:            chat.ConnectionDisconnected,
		pending:          make(map[string]*time.Timer),
	}
}

// SetHandlers replaces the callback set.
func (c *Connection) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// AgentID returns the ID of the agent this connection is bound to.
func (c *Connection) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent.ID
}

// SessionID returns the session this connection is bound to.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Status returns a snapshot of the connection state. Activity is always
// idle here; the registry tracks activity.
func (c *Connection) Status() chat.AgentConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := chat.AgentConnectionState{
		AgentID:          c.agent.ID,
		SessionID:        c.sessionID,
		Connection:       c.state,
		Activity:         chat.ActivityIdle,
		ReconnectAttempt: c.attempt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Connect opens the channel for (sessionID, agent). It is a no-op when the
// connection is already connected or connecting to the same pair, and
// disconnects first when bound to a different pair. A failed handshake is
// returned and also starts the reconnect loop.
func (c *Connection) Connect(ctx context.Context, sessionID string, agent chat.Agent) error {
	c.mu.Lock()
	samePair := c.sessionID == sessionID && c.agent.ID == agent.ID
	if samePair && (c.state == chat.ConnectionConnected || c.state == chat.ConnectionConnecting) {
		c.mu.Unlock()
		return nil
	}

	var previous func()
	if c.state != chat.ConnectionDisconnected {
		previous = c.teardownLocked()
	}

	c.sessionID = sessionID
	c.agent = agent
	c.gen++
	gen := c.gen
	c.state = chat.ConnectionConnecting
	c.attempt = 0
	c.lastErr = nil
	c.mu.Unlock()

	if previous != nil {
		previous()
	}

	c.logger.Debug("connecting to agent", "agent_id", agent.ID, "session_id", sessionID)
	return c.dial(ctx, gen)
}

// dial performs one handshake for generation gen and applies the outcome.
func (c *Connection) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	sessionID, agent := c.sessionID, c.agent
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
		defer cancel()
	}

	ch, err := c.dialer.Dial(ctx, sessionID, agent)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return ErrConnectSuperseded
	}

	if err != nil {
		c.lastErr = err
		next := c.scheduleReconnectLocked(gen, err)
		c.mu.Unlock()

		c.logger.Warn("agent handshake failed", "agent_id", agent.ID, "session_id", sessionID, "error", err)
		next()
		return fmt.Errorf("connecting to agent %s: %w", agent.ID, err)
	}

	acks := channelAcks(ch)
	c.channel = ch
	c.acks = acks
	c.state = chat.ConnectionConnected
	c.attempt = 0
	c.lastErr = nil
	h := c.handlers
	c.mu.Unlock()

	c.logger.Info("agent connected",
		"agent_id", agent.ID,
		"session_id", sessionID,
		"acks", acks,
	)
	h.open(agent.ID)
	go c.readLoop(gen, agent.ID, ch)
	return nil
}

// readLoop delivers inbound packets in channel order until the channel fails.
func (c *Connection) readLoop(gen uint64, agentID string, ch Channel) {
	for {
		data, err := ch.Receive()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		h, ok := c.handlersFor(gen)
		if !ok {
			return
		}

		pkt, err := chat.DecodePacket(data)
		if err != nil {
			c.logger.Warn("dropping malformed packet", "agent_id", agentID, "error", err)
			h.error(agentID, err)
			continue
		}

		if pkt.Ack != "" {
			c.resolveAck(pkt.Ack)
		}
		h.packet(agentID, pkt)
	}
}

// handleClose reacts to an unexpected channel close.
func (c *Connection) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != chat.ConnectionConnected {
		c.mu.Unlock()
		return
	}

	lost := &ConnectionLostError{AgentID: c.agent.ID, Cause: cause}
	c.stopPendingLocked()
	c.channel = nil
	c.state = chat.ConnectionConnecting
	c.lastErr = lost
	agentID := c.agent.ID
	h := c.handlers
	next := c.scheduleReconnectLocked(gen, lost)
	c.mu.Unlock()

	c.logger.Warn("agent connection lost", "agent_id", agentID, "error", cause)
	h.disconnect(agentID, lost.Error())
	next()
}

// scheduleReconnectLocked decides the next step after a failure. The
// returned function must be called without the lock held; it fires the
// callback and arms the timer so OnReconnecting always precedes the attempt.
func (c *Connection) scheduleReconnectLocked(gen uint64, cause error) func() {
	agentID := c.agent.ID
	h := c.handlers

	if c.attempt >= c.maxAttempts {
		exhausted := &ReconnectExhaustedError{AgentID: agentID, Attempts: c.attempt, Last: cause}
		c.state = chat.ConnectionError
		c.lastErr = exhausted
		return func() {
			c.logger.Error("giving up on agent", "agent_id", agentID, "attempts", exhausted.Attempts)
			if c.current(gen) {
				h.error(agentID, exhausted)
			}
		}
	}

	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	attempt := c.attempt
	c.state = chat.ConnectionConnecting

	return func() {
		if !c.current(gen) {
			return
		}
		c.logger.Info("scheduling agent reconnect", "agent_id", agentID, "attempt", attempt, "delay", delay)
		h.reconnecting(agentID, attempt)

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen == c.gen && c.state == chat.ConnectionConnecting {
			c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
		}
	}
}

// reconnect runs one scheduled attempt.
func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != chat.ConnectionConnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
	c.dialCancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if gen == c.gen {
			c.dialCancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	_ = c.dial(ctx, gen)
}

// Disconnect closes the channel and cancels pending reconnect and delivery
// timers. It is a no-op when already disconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == chat.ConnectionDisconnected {
		c.mu.Unlock()
		return
	}
	notify := c.teardownLocked()
	c.mu.Unlock()

	notify()
}

// teardownLocked resets to disconnected and returns the work to run after
// unlocking: closing the channel and firing OnDisconnect.
func (c *Connection) teardownLocked() func() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.stopPendingLocked()

	ch := c.channel
	c.channel = nil
	c.state = chat.ConnectionDisconnected
	c.attempt = 0
	c.lastErr = nil
	agentID := c.agent.ID
	h := c.handlers

	return func() {
		if ch != nil {
			_ = ch.Close()
		}
		c.logger.Info("agent disconnected", "agent_id", agentID)
		h.disconnect(agentID, ReasonClientDisconnect)
	}
}

// SendTextMessage hands content to the channel and returns the outbound
// message ID. It fails with *NotConnectedError unless connected; failures
// are also reported through OnError. When the channel acknowledges
// delivery, a missing ack raises *DeliveryTimeoutError through OnError.
func (c *Connection) SendTextMessage(ctx context.Context, content string) (string, error) {
	c.mu.Lock()
	agentID := c.agent.ID
	h := c.handlers
	if c.state != chat.ConnectionConnected || c.channel == nil {
		err := &NotConnectedError{AgentID: agentID, State: string(c.state)}
		c.mu.Unlock()
		h.error(agentID, err)
		return "", err
	}

	ch := c.channel
	gen := c.gen
	msg := &chat.OutboundMessage{
		Type:      chat.OutboundTypeMessage,
		ID:        uuid.New().String(),
		Content:   content,
		SessionID: c.sessionID,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
	if c.acks {
		msgID := msg.ID
		c.pending[msgID] = time.AfterFunc(c.deliveryTimeout, func() { c.deliveryTimedOut(gen, msgID) })
	}
	c.mu.Unlock()

	if err := ch.Send(ctx, msg); err != nil {
		c.resolveAck(msg.ID)
		err = fmt.Errorf("sending to agent %s: %w", agentID, err)
		h.error(agentID, err)
		return "", err
	}

	c.logger.Debug("message sent to agent", "agent_id", agentID, "message_id", msg.ID)
	return msg.ID, nil
}

// PendingAcks returns how many sends await acknowledgment.
func (c *Connection) PendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) resolveAck(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.pending[messageID]; ok {
		t.Stop()
		delete(c.pending, messageID)
	}
}

func (c *Connection) deliveryTimedOut(gen uint64, messageID string) {
	c.mu.Lock()
	if _, ok := c.pending[messageID]; !ok || gen != c.gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, messageID)
	agentID := c.agent.ID
	h := c.handlers
	timeout := c.deliveryTimeout
	c.mu.Unlock()

	c.logger.Warn("delivery acknowledgment timed out", "agent_id", agentID, "message_id", messageID)
	h.error(agentID, &DeliveryTimeoutError{AgentID: agentID, MessageID: messageID, Timeout: timeout})
}

func (c *Connection) stopPendingLocked() {
	for id, t := range c.pending {
		t.Stop()
		delete(c.pending, id)
	}
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Connection) handlersFor(gen uint64) (Handlers, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers, gen == c.gen
}
