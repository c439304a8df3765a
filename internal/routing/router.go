// ABOUTME: Fans one user message out to its target agents and collects their replies
// ABOUTME: Per-target and global timeouts; one target's failure never affects another

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
)

// Default routing timeouts.
const (
	DefaultResponseTimeout = 30 * time.Second
	DefaultGlobalTimeout   = 60 * time.Second
)

// ErrRoutingTimeout matches every *RoutingTimeoutError.
var ErrRoutingTimeout = errors.New("routing timed out")

// RoutingTimeoutError records that a target did not reply in time. Global is
// set when the whole routing call ran out of time rather than the target's
// own response timeout.
type RoutingTimeoutError struct {
	AgentID string
	Timeout time.Duration
	Global  bool
}

func (e *RoutingTimeoutError) Error() string {
	if e.Global {
		return fmt.Sprintf("agent %s: routing deadline of %s reached", e.AgentID, e.Timeout)
	}
	return fmt.Sprintf("agent %s did not respond within %s", e.AgentID, e.Timeout)
}

func (e *RoutingTimeoutError) Is(target error) bool { return target == ErrRoutingTimeout }

// Sender dispatches content to one agent and returns the outbound message ID.
// *agent.Registry implements it.
type Sender interface {
	Send(ctx context.Context, agentID, content string) (string, error)
}

// Config holds routing timeouts. Zero values use the defaults.
type Config struct {
	ResponseTimeout time.Duration
	GlobalTimeout   time.Duration
}

// Params holds the parameters for creating a Router.
type Params struct {
	Sender Sender
	Config Config

	// OnTyping is called with typing=true before a target is dispatched and
	// typing=false once its slot is filled, whatever the outcome.
	OnTyping func(sessionID, agentID string, typing bool)

	Logger *slog.Logger
}

// Request is one user message to route.
type Request struct {
	SessionID string
	Content   string

	// Selected is the explicit target set; empty means "decide from text".
	Selected []string

	// Agents are the agents active in the session.
	Agents []chat.Agent
}

// TargetResult is the outcome for one target.
type TargetResult struct {
	AgentID   string        `json:"agent_id"`
	MessageID string        `json:"message_id,omitempty"`
	Response  *chat.Message `json:"response,omitempty"`
	Err       error         `json:"-"`
	IsError   bool          `json:"is_error"`
	IsTimeout bool          `json:"is_timeout"`
	Duration  time.Duration `json:"duration"`
}

// Failed reports whether the target did not produce a response.
func (t *TargetResult) Failed() bool { return t.IsError || t.IsTimeout }

// Result is the outcome of one routing call.
type Result struct {
	Decision chat.RoutingDecision     `json:"decision"`
	Results  map[string]*TargetResult `json:"results"`

	// IsComplete is false when the call was cut short before every target
	// finished; errors and per-target timeouts still count as finished.
	IsComplete bool `json:"is_complete"`
}

// FailedTargets returns the targets without a response, in decision order.
func (r *Result) FailedTargets() []string {
	var out []string
	for _, id := range r.Decision.TargetAgents {
		if tr, ok := r.Results[id]; ok && tr.Failed() {
			out = append(out, id)
		}
	}
	return out
}

type outcome struct {
	msg *chat.Message
	err error
}

type waiter struct {
	done chan outcome
}

// Router routes messages and matches agent replies to the requests awaiting
// them. Replies for an agent resolve that agent's waiters oldest first.
type Router struct {
	sender   Sender
	cfg      Config
	onTyping func(sessionID, agentID string, typing bool)
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string][]*waiter
}

// NewRouter creates a Router.
func NewRouter(p Params) *Router {
	cfg := p.Config
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = DefaultGlobalTimeout
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		sender:   p.Sender,
		cfg:      cfg,
		onTyping: p.OnTyping,
		logger:   logger,
		waiters:  make(map[string][]*waiter),
	}
}

// Config returns the effective timeouts.
func (r *Router) Config() Config { return r.cfg }

// Route decides the targets for req and delivers to each concurrently. It
// returns once every target has a result or the global timeout expires. A
// blank message returns ErrEmptyMessage and routes nothing.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	decision, err := Decide(req.Content, req.Selected, req.Agents)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("routing message",
		"session_id", req.SessionID,
		"targets", decision.TargetAgents,
		"reason", decision.Reason,
	)

	routeCtx, cancel := context.WithTimeout(ctx, r.cfg.GlobalTimeout)
	defer cancel()

	type slot struct {
		tr  *TargetResult
		cut bool
	}
	slots := make(chan slot, len(decision.TargetAgents))
	for _, agentID := range decision.TargetAgents {
		go func() {
			tr, cut := r.deliver(ctx, routeCtx, req.SessionID, agentID, req.Content)
			slots <- slot{tr: tr, cut: cut}
		}()
	}

	res := &Result{
		Decision:   decision,
		Results:    make(map[string]*TargetResult, len(decision.TargetAgents)),
		IsComplete: true,
	}
	for range decision.TargetAgents {
		s := <-slots
		res.Results[s.tr.AgentID] = s.tr
		if s.cut {
			res.IsComplete = false
		}
	}

	if !res.IsComplete {
		r.logger.Warn("routing cut short",
			"session_id", req.SessionID,
			"failed", res.FailedTargets(),
		)
	}
	return res, nil
}

// deliver dispatches to one target and waits for its reply. cut reports that
// the wait ended because routeCtx ended rather than on the target's own terms.
func (r *Router) deliver(parent, routeCtx context.Context, sessionID, agentID, content string) (tr *TargetResult, cut bool) {
	start := time.Now()
	tr = &TargetResult{AgentID: agentID}

	// Register before sending so a fast reply cannot slip past.
	w := r.enqueue(agentID)
	r.typing(sessionID, agentID, true)
	defer func() {
		r.typing(sessionID, agentID, false)
		tr.Duration = time.Since(start)
	}()

	msgID, err := r.sender.Send(routeCtx, agentID, content)
	if err != nil {
		r.remove(agentID, w)
		tr.Err = err
		tr.IsError = true
		r.logger.Warn("delivery to agent failed", "session_id", sessionID, "agent_id", agentID, "error", err)
		return tr, false
	}
	tr.MessageID = msgID

	timer := time.NewTimer(r.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case out := <-w.done:
		if out.err != nil {
			tr.Err = out.err
			tr.IsError = true
		} else {
			tr.Response = out.msg
		}
		return tr, false

	case <-timer.C:
		r.remove(agentID, w)
		tr.Err = &RoutingTimeoutError{AgentID: agentID, Timeout: r.cfg.ResponseTimeout}
		tr.IsTimeout = true
		return tr, false

	case <-routeCtx.Done():
		r.remove(agentID, w)
		if parent.Err() != nil {
			tr.Err = parent.Err()
			tr.IsError = true
		} else {
			tr.Err = &RoutingTimeoutError{AgentID: agentID, Timeout: r.cfg.GlobalTimeout, Global: true}
			tr.IsTimeout = true
		}
		return tr, true
	}
}

func (r *Router) typing(sessionID, agentID string, on bool) {
	if r.onTyping != nil {
		r.onTyping(sessionID, agentID, on)
	}
}

func (r *Router) enqueue(agentID string) *waiter {
	w := &waiter{done: make(chan outcome, 1)}
	r.mu.Lock()
	r.waiters[agentID] = append(r.waiters[agentID], w)
	r.mu.Unlock()
	return w
}

func (r *Router) remove(agentID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.waiters[agentID]
	for i, q := range queue {
		if q == w {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.waiters, agentID)
	} else {
		r.waiters[agentID] = queue
	}
}

func (r *Router) dequeue(agentID string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.waiters[agentID]
	if len(queue) == 0 {
		return nil
	}
	w := queue[0]
	if len(queue) == 1 {
		delete(r.waiters, agentID)
	} else {
		r.waiters[agentID] = queue[1:]
	}
	return w
}

// Complete hands a finalized reply to the oldest request awaiting agentID.
// It reports whether a request was waiting.
//
// Replies carry no reference to the message they answer, so matching is by
// arrival order only. A reply that arrives after its request timed out
// resolves the next request waiting on the same agent.
func (r *Router) Complete(agentID string, msg *chat.Message) bool {
	w := r.dequeue(agentID)
	if w == nil {
		return false
	}
	w.done <- outcome{msg: msg}
	return true
}

// Fail resolves the oldest request awaiting agentID with err.
func (r *Router) Fail(agentID string, err error) bool {
	w := r.dequeue(agentID)
	if w == nil {
		return false
	}
	w.done <- outcome{err: err}
	return true
}

// FailAll resolves every request awaiting agentID with err, e.g. when the
// agent's connection is lost. It returns how many were resolved.
func (r *Router) FailAll(agentID string, err error) int {
	r.mu.Lock()
	queue := r.waiters[agentID]
	delete(r.waiters, agentID)
	r.mu.Unlock()

	for _, w := range queue {
		w.done <- outcome{err: err}
	}
	return len(queue)
}

// Pending returns how many requests await agentID.
func (r *Router) Pending(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[agentID])
}
