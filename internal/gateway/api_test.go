// ABOUTME: Tests for the session, message and agent HTTP handlers
// ABOUTME: Exercises routing through fake agents, error mapping, pagination and retry

package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/fakeagent"
	"github.com/2389/coven-chat/internal/routing"
	"github.com/2389/coven-chat/internal/store"
)

func TestSessions_CreateListGetDelete(t *testing.T) {
	env := newTestGateway(t)

	sess := env.createSession(t, "Planning", "chloe", "phil")
	assert.Equal(t, "Planning", sess.Title)
	assert.Equal(t, []string{"chloe", "phil"}, sess.ActiveAgents)

	var list struct {
		Sessions []SessionResponse `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions", nil, &list))
	require.Len(t, list.Sessions, 1)
	assert.False(t, list.Sessions[0].Active)

	var got SessionResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got))
	assert.Equal(t, sess.ID, got.ID)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, nil))
}

func TestSessions_NotFound(t *testing.T) {
	env := newTestGateway(t)

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/sessions/missing", nil},
		{http.MethodDelete, "/api/sessions/missing", nil},
		{http.MethodPost, "/api/sessions/missing/activate", nil},
		{http.MethodGet, "/api/sessions/missing/messages", nil},
		{http.MethodPost, "/api/sessions/missing/messages", SendMessageRequest{Content: "hi"}},
		{http.MethodPost, "/api/sessions/missing/messages/m1/retry", nil},
		{http.MethodPost, "/api/sessions/missing/agents/chloe/reconnect", nil},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var errResp map[string]string
			code := env.do(t, tt.method, tt.path, tt.body, &errResp)
			assert.Equal(t, http.StatusNotFound, code)
			assert.NotEmpty(t, errResp["error"])
		})
	}
}

func TestCreateSession_InvalidJSON(t *testing.T) {
	env := newTestGateway(t)

	resp, err := http.Post(env.srv.URL+"/api/sessions", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateSession_ReportsAgentStates(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "", "chloe")

	var got SessionResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/activate", nil, &got))
	assert.True(t, got.Active)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, "chloe", got.Agents[0].AgentID)

	var agents struct {
		Agents []AgentResponse `json:"agents"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/agents", nil, &agents))
	require.Len(t, agents.Agents, 2)
	states := map[string]chat.ConnectionStatus{}
	for _, a := range agents.Agents {
		states[a.ID] = a.State.Connection
	}
	assert.Equal(t, chat.ConnectionConnected, states["chloe"])
	assert.Equal(t, chat.ConnectionDisconnected, states["phil"])
}

func TestSendMessage_MentionRoutesToOneAgent(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "", "chloe", "phil")

	var res conversation.SendResult
	code := env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages",
		SendMessageRequest{Content: "@Chloe status?"}, &res)
	require.Equal(t, http.StatusOK, code)

	require.NotNil(t, res.Message)
	assert.Equal(t, chat.StatusDelivered, res.Message.Metadata.Status)
	require.NotNil(t, res.Routing)
	assert.Equal(t, []string{"chloe"}, res.Routing.Decision.TargetAgents)
	assert.Equal(t, chat.RoutedByMention, res.Routing.Decision.Reason)
	assert.Empty(t, res.Errors)

	assert.EqualValues(t, 1, env.agents["chloe"].Received())
	assert.EqualValues(t, 0, env.agents["phil"].Received())

	var page MessagesResponse
	var msgs []*chat.Message
	page.Messages = &msgs
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", nil, &page))
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.MessageTypeUser, msgs[0].Type)
	assert.Equal(t, chat.MessageTypeAgent, msgs[1].Type)
	assert.Equal(t, "chloe", msgs[1].AgentID)
	assert.Equal(t, "Chloe: @Chloe status?", msgs[1].Text())
	assert.False(t, msgs[1].Metadata.Streaming)
}

func TestSendMessage_BroadcastCollectsBothReplies(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "", "chloe", "phil")

	var res conversation.SendResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages",
		SendMessageRequest{Content: "hello all"}, &res))
	assert.Equal(t, chat.RoutedByBroadcast, res.Routing.Decision.Reason)
	assert.True(t, res.Routing.IsComplete)

	msgs, err := env.store.GetMessages(t.Context(), sess.ID, store.Pagination{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	replies := map[string]string{}
	for _, m := range msgs[1:] {
		replies[m.AgentID] = m.Text()
	}
	assert.Equal(t, "Chloe: hello all", replies["chloe"])
	assert.Equal(t, "Phil: hello all", replies["phil"])
}

func TestSendMessage_Errors(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "", "chloe")
	empty := env.createSession(t, "nobody")
	path := "/api/sessions/" + sess.ID + "/messages"

	var errResp map[string]string
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, SendMessageRequest{Content: "   "}, &errResp))
	assert.Equal(t, routing.ErrEmptyMessage.Error(), errResp["error"])

	assert.Equal(t, http.StatusUnprocessableEntity,
		env.do(t, http.MethodPost, "/api/sessions/"+empty.ID+"/messages", SendMessageRequest{Content: "anyone?"}, &errResp))

	first := SendMessageRequest{Content: "once", ClientID: "c-1"}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, path, first, nil))
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, path, first, &errResp))
	assert.Equal(t, conversation.ErrDuplicateSend.Error(), errResp["error"])
}

func TestSendMessage_AgentErrorThenRetry(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "", "chloe")
	path := "/api/sessions/" + sess.ID + "/messages"

	var res conversation.SendResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, path,
		SendMessageRequest{Content: "please " + fakeagent.FailTrigger}, &res))
	require.NotNil(t, res.Message)
	assert.Equal(t, chat.StatusError, res.Message.Metadata.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, res.Message.ID, res.Errors[0].ReplyTo)

	// A delivered message cannot be retried.
	var ok conversation.SendResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, path, SendMessageRequest{Content: "fine"}, &ok))
	assert.Equal(t, http.StatusConflict,
		env.do(t, http.MethodPost, path+"/"+ok.Message.ID+"/retry", nil, nil))

	// Retrying the failed one reaches the agent again, which fails again.
	var retried conversation.SendResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, path+"/"+res.Message.ID+"/retry", nil, &retried))
	assert.Equal(t, res.Message.ID, retried.Message.ID)
	assert.Equal(t, []string{"chloe"}, retried.Routing.Decision.TargetAgents)
	assert.EqualValues(t, 3, env.agents["chloe"].Received())
}

func TestReconnectAgent(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "", "chloe")

	var st chat.AgentConnectionState
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/agents/chloe/reconnect", nil, &st))
	assert.Equal(t, "chloe", st.AgentID)
	assert.Equal(t, sess.ID, st.SessionID)
	assert.Equal(t, chat.ConnectionConnected, st.Connection)

	var active SessionResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &active))
	assert.True(t, active.Active)

	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/agents/phil/reconnect", nil, nil))
}

func TestSetAgents(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "", "chloe")

	var got SessionResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/api/sessions/"+sess.ID+"/agents",
		SetAgentsRequest{Agents: []string{"phil"}}, &got))
	assert.Equal(t, []string{"phil"}, got.ActiveAgents)

	stored, err := env.store.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"phil"}, stored.ActiveAgents)
}

func TestListMessages_Pagination(t *testing.T) {
	env := newTestGateway(t)
	sess := env.createSession(t, "")
	for i := 1; i <= 5; i++ {
		require.NoError(t, env.store.AppendMessage(t.Context(), sess.ID, &chat.Message{
			ID:    fmt.Sprintf("m%d", i),
			Type:  chat.MessageTypeUser,
			Parts: []chat.Part{chat.TextPart(fmt.Sprintf("message %d", i))},
		}))
	}

	ids := func(path string) ([]string, string) {
		var msgs []*chat.Message
		page := MessagesResponse{Messages: &msgs}
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, nil, &page))
		var out []string
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out, page.NextBefore
	}

	got, next := ids("/api/sessions/" + sess.ID + "/messages?limit=2")
	assert.Equal(t, []string{"m4", "m5"}, got)
	assert.Equal(t, "m4", next)

	got, next = ids("/api/sessions/" + sess.ID + "/messages?limit=2&before=" + next)
	assert.Equal(t, []string{"m2", "m3"}, got)
	assert.Equal(t, "m2", next)

	got, next = ids("/api/sessions/" + sess.ID + "/messages?limit=2&before=m2")
	assert.Equal(t, []string{"m1"}, got)
	assert.Empty(t, next)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages?limit=0", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages?format=xml", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/messages?before=nope", nil, nil))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("loading: %w", store.ErrNotFound), http.StatusNotFound},
		{routing.ErrEmptyMessage, http.StatusBadRequest},
		{routing.ErrNoTargets, http.StatusUnprocessableEntity},
		{conversation.ErrDuplicateSend, http.StatusConflict},
		{conversation.ErrNotRetryable, http.StatusConflict},
		{store.ErrDuplicateMessage, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
