// ABOUTME: Registry owns every agent Connection for the active chat session
// ABOUTME: Bulk connect/disconnect on session switch and fans out agent-tagged events

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
)

// RegistryParams configures a Registry. Connection-level fields are passed
// through to every Connection the registry creates.
type RegistryParams struct {
	Dialer               Dialer
	Backoff              Backoff
	MaxReconnectAttempts int
	DeliveryTimeout      time.Duration
	HandshakeTimeout     time.Duration
	Logger               *slog.Logger
}

type managed struct {
	conn     *Connection
	agent    chat.Agent
	activity chat.ActivityStatus
}

// Registry is the sole owner and mutator of AgentConnectionState for the
// active session. Consumers observe it through Subscribe.
type Registry struct {
	params RegistryParams
	logger *slog.Logger

	mu        sync.RWMutex
	sessionID string
	agents    map[string]*managed

	subMu   sync.RWMutex
	subs    map[int]Handlers
	nextSub int
}

// NewRegistry creates an empty Registry.
func NewRegistry(p RegistryParams) *Registry {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		params: p,
		logger: logger,
		agents: make(map[string]*managed),
		subs:   make(map[int]Handlers),
	}
}

// SessionID returns the session the registry is currently bound to.
func (r *Registry) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// Subscribe registers a handler set that receives every managed
// connection's events tagged by agent ID. The returned function removes it.
func (r *Registry) Subscribe(h Handlers) (unsubscribe func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = h
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
		})
	}
}

func (r *Registry) subscribers() []Handlers {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Handlers, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.subs[id])
	}
	return out
}

// ConnectAll binds the registry to sessionID and connects every agent that
// is not already connected. Switching sessions disconnects the previous set
// first; agents missing from the new list are disconnected and forgotten.
// Connections are opened concurrently; handshake failures are joined into
// the returned error and the affected connections keep retrying.
func (r *Registry) ConnectAll(ctx context.Context, sessionID string, agents []chat.Agent) error {
	r.mu.Lock()
	var stale []*Connection
	if r.sessionID != sessionID {
		for id, m := range r.agents {
			stale = append(stale, m.conn)
			delete(r.agents, id)
		}
		r.sessionID = sessionID
	} else {
		keep := make(map[string]bool, len(agents))
		for _, a := range agents {
			keep[a.ID] = true
		}
		for id, m := range r.agents {
			if !keep[id] {
				stale = append(stale, m.conn)
				delete(r.agents, id)
			}
		}
	}

	type job struct {
		conn  *Connection
		agent chat.Agent
	}
	var jobs []job
	for _, a := range agents {
		m, ok := r.agents[a.ID]
		if !ok {
			m = &managed{conn: r.newConnection(), agent: a, activity: chat.ActivityIdle}
			r.agents[a.ID] = m
		}
		m.agent = a
		jobs = append(jobs, job{conn: m.conn, agent: a})
	}
	r.mu.Unlock()

	for _, conn := range stale {
		conn.Disconnect()
	}

	r.logger.Info("=== SESSION AGENTS CONNECTING ===",
		"session_id", sessionID,
		"agents", len(jobs),
		"dropped", len(stale),
	)

	var wg sync.WaitGroup
	errs := make([]error, len(jobs))
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = j.conn.Connect(ctx, sessionID, j.agent)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Connect (re)connects a single managed agent, e.g. after the user asks to
// retry an agent whose reconnect attempts were exhausted.
func (r *Registry) Connect(ctx context.Context, agentID string) error {
	r.mu.RLock()
	m, ok := r.agents[agentID]
	sessionID := r.sessionID
	r.mu.RUnlock()
	if !ok {
		return ErrAgentNotFound
	}
	return m.conn.Connect(ctx, sessionID, m.agent)
}

// DisconnectAll disconnects every managed connection and forgets them.
// It is idempotent.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.agents))
	for id, m := range r.agents {
		conns = append(conns, m.conn)
		delete(r.agents, id)
	}
	sessionID := r.sessionID
	r.sessionID = ""
	r.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	if len(conns) > 0 {
		r.logger.Info("=== SESSION AGENTS DISCONNECTED ===",
			"session_id", sessionID,
			"agents", len(conns),
		)
	}
}

// Status returns the state snapshot for agentID, defaulting to disconnected
// for unknown agents.
func (r *Registry) Status(agentID string) chat.AgentConnectionState {
	r.mu.RLock()
	m, ok := r.agents[agentID]
	var activity chat.ActivityStatus
	if ok {
		activity = m.activity
	}
	r.mu.RUnlock()

	if !ok {
		return chat.DisconnectedState(agentID)
	}
	st := m.conn.Status()
	st.AgentID = agentID
	st.Activity = activity
	return st
}

// Statuses returns a snapshot for every managed agent, ordered by agent ID.
func (r *Registry) Statuses() []chat.AgentConnectionState {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	out := make([]chat.AgentConnectionState, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Status(id))
	}
	return out
}

// IsOnline reports whether agentID is currently connected.
func (r *Registry) IsOnline(agentID string) bool {
	return r.Status(agentID).Connection == chat.ConnectionConnected
}

// Agents returns the agents managed for the current session, ordered by ID.
func (r *Registry) Agents() []chat.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.Agent, 0, len(r.agents))
	for _, m := range r.agents {
		out = append(out, m.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAgents returns public information about all managed agents.
func (r *Registry) ListAgents() []*AgentInfo {
	agents := r.Agents()
	out := make([]*AgentInfo, 0, len(agents))
	for _, a := range agents {
		st := r.Status(a.ID)
		out = append(out, &AgentInfo{
			ID:           a.ID,
			Name:         a.Name,
			Color:        a.Color,
			Capabilities: a.Capabilities,
			Avatar:       a.Avatar,
			State:        st,
		})
	}
	return out
}

// Send dispatches content to agentID and marks it thinking. The connection's
// own error path is authoritative: a send to a disconnected agent fails with
// *NotConnectedError.
func (r *Registry) Send(ctx context.Context, agentID, content string) (string, error) {
	r.mu.RLock()
	m, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return "", &NotConnectedError{AgentID: agentID, State: string(chat.ConnectionDisconnected)}
	}

	// Marked before dispatch so a fast reply's activity is not overwritten.
	r.mu.Lock()
	prev := m.activity
	m.activity = chat.ActivityThinking
	r.mu.Unlock()

	id, err := m.conn.SendTextMessage(ctx, content)
	if err != nil {
		r.mu.Lock()
		if m.activity == chat.ActivityThinking {
			m.activity = prev
		}
		r.mu.Unlock()
		return "", err
	}
	return id, nil
}

func (r *Registry) setActivity(agentID string, activity chat.ActivityStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.agents[agentID]; ok {
		m.activity = activity
	}
}

// owns reports whether conn is still the managed connection for agentID.
// Events from connections dropped by a session switch are not forwarded.
func (r *Registry) owns(agentID string, conn *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.agents[agentID]
	return ok && m.conn == conn
}

// newConnection creates a Connection whose callbacks update activity and
// fan out to subscribers.
func (r *Registry) newConnection() *Connection {
	conn := NewConnection(ConnectionParams{
		Dialer:               r.params.Dialer,
		Backoff:              r.params.Backoff,
		MaxReconnectAttempts: r.params.MaxReconnectAttempts,
		DeliveryTimeout:      r.params.DeliveryTimeout,
		HandshakeTimeout:     r.params.HandshakeTimeout,
		Logger:               r.logger,
	})

	conn.SetHandlers(Handlers{
		OnPacket: func(agentID string, pkt chat.Packet) {
			if !r.owns(agentID, conn) {
				return
			}
			if _, isErr := pkt.ErrorText(); isErr {
				r.setActivity(agentID, chat.ActivityError)
			} else if pkt.TurnComplete {
				r.setActivity(agentID, chat.ActivityIdle)
			} else if _, ok := pkt.Content(); ok {
				r.setActivity(agentID, chat.ActivityResponding)
			}
			for _, h := range r.subscribers() {
				h.packet(agentID, pkt)
			}
		},
		OnError: func(agentID string, err error) {
			if !r.owns(agentID, conn) {
				return
			}
			if errors.Is(err, ErrReconnectExhausted) {
				r.setActivity(agentID, chat.ActivityError)
			}
			for _, h := range r.subscribers() {
				h.error(agentID, err)
			}
		},
		OnOpen: func(agentID string) {
			if !r.owns(agentID, conn) {
				return
			}
			r.setActivity(agentID, chat.ActivityIdle)
			for _, h := range r.subscribers() {
				h.open(agentID)
			}
		},
		OnDisconnect: func(agentID, reason string) {
			// Forwarded even for dropped connections so subscribers can
			// clear any per-agent state they hold.
			for _, h := range r.subscribers() {
				h.disconnect(agentID, reason)
			}
		},
		OnReconnecting: func(agentID string, attempt int) {
			if !r.owns(agentID, conn) {
				return
			}
			for _, h := range r.subscribers() {
				h.reconnecting(agentID, attempt)
			}
		},
	})
	return conn
}

// AgentInfo contains public information about a managed agent.
type AgentInfo struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Color        string                    `json:"color,omitempty"`
	Capabilities []string                  `json:"capabilities,omitempty"`
	Avatar       string                    `json:"avatar,omitempty"`
	State        chat.AgentConnectionState `json:"state"`
}
