// ABOUTME: Service is the central layer joining agent connections, routing, streaming and persistence
// ABOUTME: User messages are recorded before routing; agent replies are recorded as they finalize

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/routing"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
)

var (
	// ErrDuplicateSend is returned when a client resubmits a message it already sent.
	ErrDuplicateSend = errors.New("message already submitted")

	// ErrNotRetryable is returned when Retry targets a message that did not fail.
	ErrNotRetryable = errors.New("message cannot be retried")
)

// persistTimeout bounds writes made from agent callbacks, which have no
// request context of their own.
const persistTimeout = 5 * time.Second

// Params holds the dependencies of a Service.
type Params struct {
	Store    store.SessionStore
	Registry *agent.Registry
	Routing  routing.Config

	// ClientIDs remembers client-supplied message IDs. Nil creates a private
	// cache with the default TTL.
	ClientIDs *dedupe.Cache

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Service owns the active chat session. It feeds agent packets through the
// reassembler, persists finalized replies, resolves routing waiters and
// publishes every change to the session's subscribers.
type Service struct {
	store     store.SessionStore
	registry  *agent.Registry
	router    *routing.Router
	stream    *stream.Reassembler
	events    *EventBroadcaster
	clientIDs *dedupe.Cache
	ownsIDs   bool
	now       func() time.Time
	logger    *slog.Logger

	unsubscribe func()

	mu       sync.Mutex
	session  *chat.Session
	agents   []chat.Agent
	failed   map[string][]string // user message ID -> targets that did not answer
	retrying map[string]bool
}

// New creates a Service and subscribes it to the registry's agent events.
func New(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation")

	now := p.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		store:     p.Store,
		registry:  p.Registry,
		clientIDs: p.ClientIDs,
		now:       now,
		logger:    logger,
		events:    NewEventBroadcaster(logger),
		failed:    make(map[string][]string),
		retrying:  make(map[string]bool),
	}
	if s.clientIDs == nil {
		s.clientIDs = dedupe.New(dedupe.Options{})
		s.ownsIDs = true
	}

	s.stream = stream.New(stream.Params{Now: now, Logger: logger})
	s.router = routing.NewRouter(routing.Params{
		Sender:   p.Registry,
		Config:   p.Routing,
		OnTyping: s.publishTyping,
		Logger:   logger,
	})
	s.unsubscribe = p.Registry.Subscribe(agent.Handlers{
		OnPacket:       s.handlePacket,
		OnError:        s.handleError,
		OnOpen:         s.handleOpen,
		OnDisconnect:   s.handleDisconnect,
		OnReconnecting: s.handleReconnecting,
	})
	return s
}

// Events returns the broadcaster that carries session events.
func (s *Service) Events() *EventBroadcaster { return s.events }

// Store returns the backing session store.
func (s *Service) Store() store.SessionStore { return s.store }

// Registry returns the connection registry.
func (s *Service) Registry() *agent.Registry { return s.registry }

// ActiveSession returns a copy of the active session, or nil.
func (s *Service) ActiveSession() *chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	c := *s.session
	c.ActiveAgents = slices.Clone(s.session.ActiveAgents)
	return &c
}

func (s *Service) activeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.ID
}

// RegisterAgents upserts directory entries, e.g. from configuration.
func (s *Service) RegisterAgents(ctx context.Context, agents []chat.Agent) error {
	for _, a := range agents {
		if err := s.store.UpsertAgent(ctx, a); err != nil {
			return fmt.Errorf("registering agent %s: %w", a.ID, err)
		}
	}
	return nil
}

// ActivateSession makes id the active session and connects its agents.
// Agents that fail their handshake keep retrying in the background and are
// reported through status events, so they do not fail activation.
func (s *Service) ActivateSession(ctx context.Context, id string) (*chat.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	directory, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading agent directory: %w", err)
	}
	agents := s.resolveAgents(sess, directory)

	s.mu.Lock()
	prev := s.session
	s.session = sess
	s.agents = agents
	s.mu.Unlock()

	if prev != nil && prev.ID != id {
		s.persistAll(s.stream.Reset(prev.ID))
	}

	if err := s.registry.ConnectAll(ctx, id, agents); err != nil {
		s.logger.Warn("some agents failed to connect", "session_id", id, "error", err)
	}
	for _, a := range agents {
		s.publishStatus(id, a.ID)
	}

	s.logger.Info("session activated", "session_id", id, "agents", len(agents))
	return s.ActiveSession(), nil
}

// resolveAgents maps the session's agent IDs onto directory entries,
// keeping the session's order.
func (s *Service) resolveAgents(sess *chat.Session, directory []chat.Agent) []chat.Agent {
	byID := make(map[string]chat.Agent, len(directory))
	for _, a := range directory {
		byID[a.ID] = a
	}
	agents := make([]chat.Agent, 0, len(sess.ActiveAgents))
	for _, id := range sess.ActiveAgents {
		a, ok := byID[id]
		if !ok {
			s.logger.Warn("session references unknown agent", "session_id", sess.ID, "agent_id", id)
			continue
		}
		agents = append(agents, a)
	}
	return agents
}

// DeactivateSession disconnects every agent and closes open streams.
// It is a no-op when no session is active.
func (s *Service) DeactivateSession() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.agents = nil
	s.mu.Unlock()

	if sess == nil {
		return
	}
	s.registry.DisconnectAll()
	s.persistAll(s.stream.Reset(sess.ID))
	s.logger.Info("session deactivated", "session_id", sess.ID)
}

// SetActiveAgents replaces a session's agent list. When the session is
// active, connections are opened and closed to match.
func (s *Service) SetActiveAgents(ctx context.Context, sessionID string, agentIDs []string) (*chat.Session, error) {
	if err := s.store.SetActiveAgents(ctx, sessionID, agentIDs); err != nil {
		return nil, err
	}
	if s.activeSessionID() == sessionID {
		return s.ActivateSession(ctx, sessionID)
	}
	return s.store.GetSession(ctx, sessionID)
}

// ReconnectAgent reconnects one agent of sessionID, activating the session
// first when needed. It is how a user revives an agent whose reconnect
// attempts ran out. A failed handshake is reported in the returned state
// rather than as an error.
func (s *Service) ReconnectAgent(ctx context.Context, sessionID, agentID string) (chat.AgentConnectionState, error) {
	agents, err := s.ensureActive(ctx, sessionID)
	if err != nil {
		return chat.AgentConnectionState{}, err
	}
	if !slices.ContainsFunc(agents, func(a chat.Agent) bool { return a.ID == agentID }) {
		return chat.AgentConnectionState{}, fmt.Errorf("agent %s in session %s: %w", agentID, sessionID, store.ErrNotFound)
	}

	if err := s.registry.Connect(ctx, agentID); err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) {
			return chat.AgentConnectionState{}, fmt.Errorf("agent %s in session %s: %w", agentID, sessionID, store.ErrNotFound)
		}
		s.logger.Warn("agent reconnect failed", "session_id", sessionID, "agent_id", agentID, "error", err)
	}
	s.publishStatus(sessionID, agentID)
	st := s.registry.Status(agentID)
	st.SessionID = sessionID
	return st, nil
}

// DeleteSession removes a session, deactivating it first when active.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if s.activeSessionID() == sessionID {
		s.DeactivateSession()
	}
	return s.store.DeleteSession(ctx, sessionID)
}

// SendRequest is one user submission.
type SendRequest struct {
	SessionID string
	Content   string

	// Agents is the explicit target selection; empty routes by mention or broadcast.
	Agents []string

	// ClientID is an optional client-generated ID; resubmissions are rejected
	// with ErrDuplicateSend.
	ClientID string
}

// SendResult is the outcome of a Send or Retry.
type SendResult struct {
	Message *chat.Message   `json:"message"`
	Routing *routing.Result `json:"routing"`
	Errors  []*chat.Message `json:"errors,omitempty"`
}

// Send records the user message, routes it and waits for the targets. Agent
// replies are recorded by the stream handlers as they complete; targets that
// fail get an error message and leave the user message in error status.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, routing.ErrEmptyMessage
	}

	var clientKey string
	if req.ClientID != "" {
		clientKey = req.SessionID + "/" + req.ClientID
		if !s.clientIDs.Claim(clientKey) {
			return nil, ErrDuplicateSend
		}
	}
	recorded := false
	defer func() {
		if clientKey != "" && !recorded {
			s.clientIDs.Forget(clientKey)
		}
	}()

	agents, err := s.ensureActive(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	decision, err := routing.Decide(req.Content, req.Agents, agents)
	if err != nil {
		return nil, err
	}

	user := &chat.Message{
		ID:        uuid.New().String(),
		Type:      chat.MessageTypeUser,
		SessionID: req.SessionID,
		Parts:     []chat.Part{chat.TextPart(req.Content)},
		Metadata: chat.Metadata{
			Timestamp: s.now().UTC(),
			Status:    chat.StatusPending,
			Targets:   decision.TargetAgents,
		},
	}
	if err := s.store.AppendMessage(ctx, req.SessionID, user); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	recorded = true

	s.logger.Debug("user message recorded",
		"session_id", req.SessionID,
		"message_id", user.ID,
		"targets", decision.TargetAgents,
		"reason", decision.Reason)
	s.publishMessage(user)

	return s.dispatch(ctx, user, req.Agents, agents)
}

// Retry re-sends a failed user message to the targets that did not answer.
func (s *Service) Retry(ctx context.Context, sessionID, messageID string) (*SendResult, error) {
	s.mu.Lock()
	if s.retrying[messageID] {
		s.mu.Unlock()
		return nil, ErrNotRetryable
	}
	s.retrying[messageID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.retrying, messageID)
		s.mu.Unlock()
	}()

	msg, err := s.store.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Type != chat.MessageTypeUser || msg.Metadata.Status != chat.StatusError {
		return nil, ErrNotRetryable
	}

	agents, err := s.ensureActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	targets := slices.Clone(s.failed[messageID])
	s.mu.Unlock()
	if len(targets) == 0 {
		targets = msg.Metadata.Targets
	}

	s.logger.Info("retrying message", "session_id", sessionID, "message_id", messageID, "targets", targets)
	s.setStatus(msg, chat.StatusPending, "")
	return s.dispatch(ctx, msg, targets, agents)
}

// ensureActive activates sessionID unless it already is, and returns its agents.
func (s *Service) ensureActive(ctx context.Context, sessionID string) ([]chat.Agent, error) {
	s.mu.Lock()
	if s.session != nil && s.session.ID == sessionID {
		agents := slices.Clone(s.agents)
		s.mu.Unlock()
		return agents, nil
	}
	s.mu.Unlock()

	if _, err := s.ActivateSession(ctx, sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.agents), nil
}

func (s *Service) dispatch(ctx context.Context, user *chat.Message, selected []string, agents []chat.Agent) (*SendResult, error) {
	res, err := s.router.Route(ctx, routing.Request{
		SessionID: user.SessionID,
		Content:   user.Text(),
		Selected:  selected,
		Agents:    agents,
	})
	if err != nil {
		s.setStatus(user, chat.StatusError, err.Error())
		return nil, err
	}

	out := &SendResult{Message: user, Routing: res}
	failed := res.FailedTargets()
	for _, agentID := range failed {
		out.Errors = append(out.Errors, s.recordFailure(user, res.Results[agentID]))
	}

	s.mu.Lock()
	if len(failed) > 0 {
		s.failed[user.ID] = failed
	} else {
		delete(s.failed, user.ID)
	}
	s.mu.Unlock()

	if len(failed) > 0 {
		s.setStatus(user, chat.StatusError, "no response from "+strings.Join(failed, ", "))
	} else {
		s.setStatus(user, chat.StatusDelivered, "")
	}
	return out, nil
}

// recordFailure stores and publishes an error message for one failed target.
func (s *Service) recordFailure(user *chat.Message, tr *routing.TargetResult) *chat.Message {
	var text string
	switch {
	case tr.IsTimeout:
		text = fmt.Sprintf("%s did not respond in time", tr.AgentID)
	case errors.Is(tr.Err, agent.ErrNotConnected):
		text = fmt.Sprintf("%s is not connected", tr.AgentID)
	default:
		text = fmt.Sprintf("%s could not answer", tr.AgentID)
	}
	var errText string
	if tr.Err != nil {
		errText = tr.Err.Error()
	}

	msg := &chat.Message{
		ID:        uuid.New().String(),
		Type:      chat.MessageTypeError,
		SessionID: user.SessionID,
		AgentID:   tr.AgentID,
		ReplyTo:   user.ID,
		Parts:     []chat.Part{chat.TextPart(text)},
		Metadata: chat.Metadata{
			Timestamp: s.now().UTC(),
			Status:    chat.StatusError,
			Error:     errText,
		},
	}
	s.persist(msg)
	s.publishMessage(msg)
	return msg
}

// setStatus updates a user message's delivery status in the store and
// announces the change.
func (s *Service) setStatus(msg *chat.Message, status chat.DeliveryStatus, errText string) {
	msg.Metadata.Status = status
	msg.Metadata.Error = errText

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.UpdateMessageStatus(ctx, msg.SessionID, msg.ID, status, errText); err != nil {
		s.logger.Error("failed to update message status",
			"error", err,
			"session_id", msg.SessionID,
			"message_id", msg.ID,
			"status", status)
	}
	s.publishMessage(msg)
}

// persist saves a message with a separate timeout context so that
// persistence completes even if the request context is cancelled.
func (s *Service) persist(msg *chat.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := s.store.AppendMessage(ctx, msg.SessionID, msg)
	switch {
	case err == nil:
		s.logger.Debug("message saved",
			"session_id", msg.SessionID,
			"message_id", msg.ID,
			"type", msg.Type)
	case errors.Is(err, store.ErrNotFound):
		s.logger.Warn("dropping message for deleted session",
			"session_id", msg.SessionID,
			"message_id", msg.ID)
	default:
		s.logger.Error("failed to save message",
			"error", err,
			"session_id", msg.SessionID,
			"message_id", msg.ID,
			"type", msg.Type)
	}
}

func (s *Service) persistAll(msgs []*chat.Message) {
	for _, m := range msgs {
		s.persist(m)
		s.publishMessage(m)
	}
}

func (s *Service) publishMessage(msg *chat.Message) {
	s.events.Publish(msg.SessionID, &Event{
		Type:      EventMessage,
		SessionID: msg.SessionID,
		AgentID:   msg.AgentID,
		Message:   msg.Clone(),
	}, "")
}

func (s *Service) publishStatus(sessionID, agentID string) {
	if sessionID == "" {
		return
	}
	st := s.registry.Status(agentID)
	st.SessionID = sessionID
	s.events.Publish(sessionID, &Event{
		Type:      EventStatus,
		SessionID: sessionID,
		AgentID:   agentID,
		Status:    &st,
	}, "")
}

func (s *Service) publishTyping(sessionID, agentID string, typing bool) {
	s.events.Publish(sessionID, &Event{
		Type:      EventTyping,
		SessionID: sessionID,
		AgentID:   agentID,
		Typing:    typing,
	}, "")
}

func (s *Service) publishError(sessionID, agentID string, err error) {
	if sessionID == "" {
		return
	}
	s.events.Publish(sessionID, &Event{
		Type:      EventError,
		SessionID: sessionID,
		AgentID:   agentID,
		Error:     err.Error(),
	}, "")
}

// handlePacket folds one agent packet into the open stream. Finalized
// messages are saved before the waiting router is resolved so a completed
// Send always finds the reply in the store.
func (s *Service) handlePacket(agentID string, pkt chat.Packet) {
	sessionID := s.registry.SessionID()
	if sessionID == "" {
		return
	}

	u := s.stream.Apply(sessionID, agentID, pkt)
	if u.Ignored {
		return
	}
	if u.Message != nil {
		if u.Finalized {
			s.persist(u.Message)
		}
		s.publishMessage(u.Message)
	}

	switch {
	case u.Err != nil:
		s.publishError(sessionID, agentID, u.Err)
		s.router.Fail(agentID, u.Err)
	case u.Finalized:
		s.router.Complete(agentID, u.Message)
	}
	s.publishStatus(sessionID, agentID)
}

func (s *Service) handleError(agentID string, err error) {
	sessionID := s.registry.SessionID()

	switch {
	case errors.Is(err, chat.ErrMalformedPacket):
		// Already logged by the connection; the stream is unaffected.
	case errors.Is(err, agent.ErrDeliveryTimeout):
		s.router.Fail(agentID, err)
	case errors.Is(err, agent.ErrReconnectExhausted):
		if sessionID != "" {
			if m := s.stream.Abort(sessionID, agentID, err.Error()); m != nil {
				s.persist(m)
				s.publishMessage(m)
			}
		}
		s.router.FailAll(agentID, err)
	}

	s.publishError(sessionID, agentID, err)
	s.publishStatus(sessionID, agentID)
}

func (s *Service) handleOpen(agentID string) {
	s.publishStatus(s.registry.SessionID(), agentID)
}

// handleDisconnect closes the agent's open stream and fails requests still
// waiting on it; a dropped connection never delivers those replies.
func (s *Service) handleDisconnect(agentID, reason string) {
	sessionID := s.activeSessionID()
	if sessionID != "" {
		if m := s.stream.Abort(sessionID, agentID, reason); m != nil {
			s.persist(m)
			s.publishMessage(m)
		}
	}

	if n := s.router.FailAll(agentID, fmt.Errorf("%w: %s", agent.ErrConnectionLost, reason)); n > 0 {
		s.logger.Debug("failed pending requests after disconnect", "agent_id", agentID, "pending", n)
	}
	s.publishStatus(sessionID, agentID)
}

func (s *Service) handleReconnecting(agentID string, attempt int) {
	s.publishStatus(s.registry.SessionID(), agentID)
}

// Close deactivates the session and releases the service's resources.
func (s *Service) Close() {
	s.DeactivateSession()
	s.unsubscribe()
	s.stream.Close()
	if s.ownsIDs {
		s.clientIDs.Close()
	}
	s.events.Close()
}
