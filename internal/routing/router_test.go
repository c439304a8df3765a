// ABOUTME: Tests for Router delivery, reply matching and timeouts
// ABOUTME: Uses a scripted Sender to simulate replying, failing and silent agents

package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
)

// scriptedSender records sends and runs a per-agent behavior after each.
type scriptedSender struct {
	mu      sync.Mutex
	sent    map[string][]string
	fail    map[string]error
	onSend  func(agentID, content string)
	counter int
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{sent: make(map[string][]string), fail: make(map[string]error)}
}

func (s *scriptedSender) Send(_ context.Context, agentID, content string) (string, error) {
	s.mu.Lock()
	if err := s.fail[agentID]; err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.sent[agentID] = append(s.sent[agentID], content)
	s.counter++
	id := fmt.Sprintf("out-%d", s.counter)
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		go hook(agentID, content)
	}
	return id, nil
}

func (s *scriptedSender) sentTo(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent[agentID]...)
}

// typingLog records typing events.
type typingLog struct {
	mu     sync.Mutex
	events []string
}

func (l *typingLog) record(sessionID, agentID string, typing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("%s/%s=%v", sessionID, agentID, typing))
}

func (l *typingLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func reply(agentID, text string) *chat.Message {
	return &chat.Message{ID: "reply-" + agentID, Type: chat.MessageTypeAgent, AgentID: agentID, Parts: []chat.Part{chat.TextPart(text)}}
}

var routeAgents = []chat.Agent{
	{ID: "chloe", Name: "chloe"},
	{ID: "phil", Name: "phil"},
	{ID: "orchid", Name: "orchid"},
}

func TestRoute_MentionTargetsOnlyMentionedAgent(t *testing.T) {
	sender := newScriptedSender()
	var router *Router
	sender.onSend = func(agentID, _ string) { router.Complete(agentID, reply(agentID, "Working on it")) }
	router = NewRouter(Params{Sender: sender})

	res, err := router.Route(context.Background(), Request{
		SessionID: "S1",
		Content:   "@chloe status?",
		Agents:    routeAgents[:2],
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"@chloe status?"}, sender.sentTo("chloe"))
	assert.Empty(t, sender.sentTo("phil"))
	assert.True(t, res.IsComplete)
	require.Contains(t, res.Results, "chloe")
	assert.Equal(t, "Working on it", res.Results["chloe"].Response.Text())
	assert.Equal(t, "out-1", res.Results["chloe"].MessageID)
	assert.Len(t, res.Results, 1)
}

func TestRoute_EmptyMessageRoutesNothing(t *testing.T) {
	sender := newScriptedSender()
	router := NewRouter(Params{Sender: sender})

	res, err := router.Route(context.Background(), Request{SessionID: "S1", Content: "  ", Agents: routeAgents})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Nil(t, res)
	for _, a := range routeAgents {
		assert.Empty(t, sender.sentTo(a.ID))
	}
}

func TestRoute_PerAgentIsolation(t *testing.T) {
	sender := newScriptedSender()
	var router *Router
	lost := errors.New("connection to agent phil lost")
	sender.onSend = func(agentID, _ string) {
		if agentID == "phil" {
			// Channel force-closed mid-flight.
			router.FailAll(agentID, lost)
			return
		}
		time.Sleep(10 * time.Millisecond)
		router.Complete(agentID, reply(agentID, "ok from "+agentID))
	}
	router = NewRouter(Params{Sender: sender, Config: Config{ResponseTimeout: time.Second, GlobalTimeout: 2 * time.Second}})

	res, err := router.Route(context.Background(), Request{SessionID: "S1", Content: "everyone?", Agents: routeAgents})
	require.NoError(t, err)

	assert.True(t, res.IsComplete, "an error still fills its slot")
	require.Len(t, res.Results, 3)

	assert.True(t, res.Results["phil"].IsError)
	assert.ErrorIs(t, res.Results["phil"].Err, lost)

	for _, id := range []string{"chloe", "orchid"} {
		tr := res.Results[id]
		assert.False(t, tr.Failed(), id)
		assert.Equal(t, "ok from "+id, tr.Response.Text())
	}
	assert.Equal(t, []string{"phil"}, res.FailedTargets())
}

func TestRoute_SendFailureIsolated(t *testing.T) {
	sender := newScriptedSender()
	sender.fail["phil"] = errors.New("agent phil not connected")
	var router *Router
	sender.onSend = func(agentID, _ string) { router.Complete(agentID, reply(agentID, "hi")) }
	router = NewRouter(Params{Sender: sender})

	res, err := router.Route(context.Background(), Request{
		SessionID: "S1", Content: "hi", Selected: []string{"chloe", "phil"}, Agents: routeAgents,
	})
	require.NoError(t, err)

	assert.True(t, res.IsComplete)
	assert.True(t, res.Results["phil"].IsError)
	assert.Empty(t, res.Results["phil"].MessageID)
	assert.False(t, res.Results["chloe"].Failed())
	assert.Equal(t, 0, router.Pending("phil"))
}

func TestRoute_PerTargetTimeout(t *testing.T) {
	sender := newScriptedSender()
	var router *Router
	sender.onSend = func(agentID, _ string) {
		if agentID == "chloe" {
			router.Complete(agentID, reply(agentID, "fast"))
		}
	}
	router = NewRouter(Params{Sender: sender, Config: Config{ResponseTimeout: 30 * time.Millisecond, GlobalTimeout: time.Second}})

	res, err := router.Route(context.Background(), Request{
		SessionID: "S1", Content: "hi", Selected: []string{"chloe", "phil"}, Agents: routeAgents,
	})
	require.NoError(t, err)

	assert.True(t, res.IsComplete, "a per-target timeout fills its slot")
	assert.True(t, res.Results["phil"].IsTimeout)
	assert.ErrorIs(t, res.Results["phil"].Err, ErrRoutingTimeout)
	assert.Equal(t, "fast", res.Results["chloe"].Response.Text())
	assert.Equal(t, 0, router.Pending("phil"))
}

func TestRoute_GlobalTimeoutMarksIncomplete(t *testing.T) {
	sender := newScriptedSender()
	router := NewRouter(Params{Sender: sender, Config: Config{ResponseTimeout: time.Second, GlobalTimeout: 30 * time.Millisecond}})

	start := time.Now()
	res, err := router.Route(context.Background(), Request{SessionID: "S1", Content: "hello?", Selected: []string{"chloe"}, Agents: routeAgents})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, res.IsComplete)
	tr := res.Results["chloe"]
	assert.True(t, tr.IsTimeout)

	var rte *RoutingTimeoutError
	require.True(t, errors.As(tr.Err, &rte))
	assert.True(t, rte.Global)
}

func TestRoute_ContextCancelled(t *testing.T) {
	sender := newScriptedSender()
	router := NewRouter(Params{Sender: sender})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := router.Route(ctx, Request{SessionID: "S1", Content: "hello?", Selected: []string{"chloe"}, Agents: routeAgents})
	require.NoError(t, err)

	assert.False(t, res.IsComplete)
	assert.True(t, res.Results["chloe"].IsError)
	assert.ErrorIs(t, res.Results["chloe"].Err, context.Canceled)
}

func TestRoute_TypingLifecycle(t *testing.T) {
	sender := newScriptedSender()
	sender.fail["phil"] = errors.New("down")
	var router *Router
	sender.onSend = func(agentID, _ string) { router.Complete(agentID, reply(agentID, "ok")) }
	log := &typingLog{}
	router = NewRouter(Params{Sender: sender, OnTyping: log.record})

	_, err := router.Route(context.Background(), Request{SessionID: "S1", Content: "hi", Selected: []string{"chloe", "phil"}, Agents: routeAgents})
	require.NoError(t, err)

	events := log.snapshot()
	assert.ElementsMatch(t, []string{
		"S1/chloe=true", "S1/chloe=false",
		"S1/phil=true", "S1/phil=false",
	}, events)

	// Each agent's typing=true precedes its typing=false.
	for _, id := range []string{"chloe", "phil"} {
		on, off := -1, -1
		for i, e := range events {
			if e == "S1/"+id+"=true" {
				on = i
			}
			if e == "S1/"+id+"=false" {
				off = i
			}
		}
		assert.Less(t, on, off, id)
	}
}

func TestRouter_CompleteResolvesOldestFirst(t *testing.T) {
	router := NewRouter(Params{Sender: newScriptedSender()})

	first := router.enqueue("chloe")
	second := router.enqueue("chloe")
	assert.Equal(t, 2, router.Pending("chloe"))

	assert.True(t, router.Complete("chloe", reply("chloe", "one")))
	assert.True(t, router.Complete("chloe", reply("chloe", "two")))
	assert.False(t, router.Complete("chloe", reply("chloe", "three")))

	assert.Equal(t, "one", (<-first.done).msg.Text())
	assert.Equal(t, "two", (<-second.done).msg.Text())
	assert.Equal(t, 0, router.Pending("chloe"))
}

func TestRouter_LateReplyResolvesNextRequest(t *testing.T) {
	sender := newScriptedSender()
	router := NewRouter(Params{Sender: sender, Config: Config{ResponseTimeout: 100 * time.Millisecond, GlobalTimeout: 5 * time.Second}})
	req := Request{SessionID: "S1", Selected: []string{"phil"}, Agents: routeAgents}

	req.Content = "first"
	first, err := router.Route(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Results["phil"].IsTimeout)
	assert.False(t, router.Complete("phil", reply("phil", "nobody waits")))

	req.Content = "second"
	done := make(chan *Result, 1)
	go func() {
		res, err := router.Route(context.Background(), req)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return router.Pending("phil") == 1 }, time.Second, 5*time.Millisecond)

	// The answer to "first" shows up now and is taken as the answer to "second".
	require.True(t, router.Complete("phil", reply("phil", "answer to first")))

	select {
	case res := <-done:
		require.NotNil(t, res.Results["phil"].Response)
		assert.Equal(t, "answer to first", res.Results["phil"].Response.Text())
	case <-time.After(2 * time.Second):
		t.Fatal("second route did not finish")
	}
	assert.Equal(t, []string{"first", "second"}, sender.sentTo("phil"))
}

func TestRouter_FailWithoutWaiter(t *testing.T) {
	router := NewRouter(Params{Sender: newScriptedSender()})
	assert.False(t, router.Fail("ghost", errors.New("x")))
	assert.Equal(t, 0, router.FailAll("ghost", errors.New("x")))
}

func TestRouter_Defaults(t *testing.T) {
	router := NewRouter(Params{Sender: newScriptedSender()})
	assert.Equal(t, DefaultResponseTimeout, router.Config().ResponseTimeout)
	assert.Equal(t, DefaultGlobalTimeout, router.Config().GlobalTimeout)
}
