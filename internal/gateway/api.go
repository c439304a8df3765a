// ABOUTME: HTTP API handlers for agents, sessions and message history
// ABOUTME: Translates JSON requests into conversation service calls and maps errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/routing"
	"github.com/2389/coven-chat/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// AgentResponse is one directory entry with its live connection state.
type AgentResponse struct {
	chat.Agent
	State chat.AgentConnectionState `json:"state"`
}

// SessionResponse is a session plus whether it is active and its agents' states.
type SessionResponse struct {
	*chat.Session
	Active bool                        `json:"active"`
	Agents []chat.AgentConnectionState `json:"agents,omitempty"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Title  string   `json:"title"`
	Agents []string `json:"agents"`
}

// SetAgentsRequest is the body of PUT /api/sessions/{id}/agents.
type SetAgentsRequest struct {
	Agents []string `json:"agents"`
}

// SendMessageRequest is the body of POST /api/sessions/{id}/messages.
type SendMessageRequest struct {
	Content  string   `json:"content"`
	Agents   []string `json:"agents,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
}

// MessagesResponse is one page of history. NextBefore is the cursor for the
// previous page and is empty on the first page of the session.
type MessagesResponse struct {
	SessionID  string `json:"session_id"`
	Messages   any    `json:"messages"`
	NextBefore string `json:"next_before,omitempty"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, routing.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, routing.ErrNoTargets):
		return http.StatusUnprocessableEntity
	case errors.Is(err, conversation.ErrDuplicateSend),
		errors.Is(err, conversation.ErrNotRetryable),
		errors.Is(err, store.ErrDuplicateMessage):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func (g *Gateway) sendServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error(op+" failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.sendServiceError(w, "list agents", err)
		return
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, AgentResponse{Agent: a, State: g.registry.Status(a.ID)})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agents": resp})
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.store.ListSessions(r.Context())
	if err != nil {
		g.sendServiceError(w, "list sessions", err)
		return
	}

	activeID := ""
	if active := g.conversation.ActiveSession(); active != nil {
		activeID = active.ID
	}
	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, SessionResponse{Session: s, Active: s.ID == activeID})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// handleCreateSession handles POST /api/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := g.store.CreateSession(r.Context(), req.Title, req.Agents)
	if err != nil {
		g.sendServiceError(w, "create session", err)
		return
	}
	g.logger.Info("session created", "session_id", sess.ID, "agents", sess.ActiveAgents)
	g.sendJSON(w, http.StatusCreated, SessionResponse{Session: sess})
}

func (g *Gateway) sessionResponse(sess *chat.Session) SessionResponse {
	resp := SessionResponse{Session: sess}
	active := g.conversation.ActiveSession()
	if active == nil || active.ID != sess.ID {
		return resp
	}
	resp.Active = true
	for _, id := range sess.ActiveAgents {
		resp.Agents = append(resp.Agents, g.registry.Status(id))
	}
	return resp
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, "get session", err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessionResponse(sess))
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.conversation.DeleteSession(r.Context(), id); err != nil {
		g.sendServiceError(w, "delete session", err)
		return
	}
	g.logger.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateSession handles POST /api/sessions/{id}/activate.
func (g *Gateway) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.conversation.ActivateSession(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, "activate session", err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessionResponse(sess))
}

// handleSetAgents handles PUT /api/sessions/{id}/agents.
func (g *Gateway) handleSetAgents(w http.ResponseWriter, r *http.Request) {
	var req SetAgentsRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := g.conversation.SetActiveAgents(r.Context(), r.PathValue("id"), req.Agents)
	if err != nil {
		g.sendServiceError(w, "set agents", err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessionResponse(sess))
}

// handleReconnectAgent handles POST /api/sessions/{id}/agents/{agentID}/reconnect.
func (g *Gateway) handleReconnectAgent(w http.ResponseWriter, r *http.Request) {
	st, err := g.conversation.ReconnectAgent(r.Context(), r.PathValue("id"), r.PathValue("agentID"))
	if err != nil {
		g.sendServiceError(w, "reconnect agent", err)
		return
	}
	g.sendJSON(w, http.StatusOK, st)
}

// handleListMessages handles GET /api/sessions/{id}/messages.
// Supports ?limit=N, ?before=<message id> and ?format=html.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	q := r.URL.Query()

	page := store.Pagination{Before: q.Get("before")}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		page.Limit = min(limit, store.MaxPageSize)
	}

	format := q.Get("format")
	if format != "" && format != "json" && format != "html" {
		g.sendJSONError(w, http.StatusBadRequest, "format must be json or html")
		return
	}

	messages, err := g.store.GetMessages(r.Context(), sessionID, page)
	if err != nil {
		g.sendServiceError(w, "get messages", err)
		return
	}
	if messages == nil {
		messages = []*chat.Message{}
	}

	resp := MessagesResponse{SessionID: sessionID, Messages: messages}
	wantLimit := page.Limit
	if wantLimit == 0 {
		wantLimit = store.DefaultPageSize
	}
	if len(messages) == wantLimit && len(messages) > 0 {
		resp.NextBefore = messages[0].ID
	}

	if format == "html" {
		agents, err := g.store.ListAgents(r.Context())
		if err != nil {
			g.sendServiceError(w, "list agents", err)
			return
		}
		resp.Messages = g.renderMessages(messages, agents)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleSendMessage handles POST /api/sessions/{id}/messages. The response is
// written once every target has answered, failed or timed out.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.conversation.Send(r.Context(), conversation.SendRequest{
		SessionID: r.PathValue("id"),
		Content:   req.Content,
		Agents:    req.Agents,
		ClientID:  req.ClientID,
	})
	if err != nil {
		g.sendServiceError(w, "send message", err)
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

// handleRetry handles POST /api/sessions/{id}/messages/{mid}/retry.
func (g *Gateway) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := g.conversation.Retry(r.Context(), r.PathValue("id"), r.PathValue("mid"))
	if err != nil {
		g.sendServiceError(w, "retry message", err)
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}
