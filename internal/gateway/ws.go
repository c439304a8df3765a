// ABOUTME: Browser WebSocket endpoint streaming session events and accepting send/retry frames
// ABOUTME: One writer goroutine per client serializes events, replies and keepalive pings

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/conversation"
)

const (
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingInterval  = wsPongWait * 9 / 10
	wsMaxFrameBytes = 64 * 1024
	wsOutboxSize    = 16
)

// Client frame types.
const (
	FrameSend  = "send"
	FrameRetry = "retry"
)

// Reply frame types. Session events keep their own event types.
const (
	FrameResult = "result"
	FrameError  = "error"
)

// ClientFrame is one frame sent by a browser.
type ClientFrame struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	Agents    []string `json:"agents,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

// ReplyFrame answers one ClientFrame once its send or retry finishes.
type ReplyFrame struct {
	Type      string                   `json:"type"`
	ClientID  string                   `json:"client_id,omitempty"`
	MessageID string                   `json:"message_id,omitempty"`
	Result    *conversation.SendResult `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	sessionID string
	outbox    chan any
	ctx       context.Context
	cancel    context.CancelFunc
}

// reply queues a frame for the writer, giving up once the client is gone.
func (c *wsClient) reply(frame any) {
	select {
	case c.outbox <- frame:
	case <-c.ctx.Done():
	}
}

// handleWebSocket handles GET /ws?session=ID.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session is required")
		return
	}
	if _, err := g.store.GetSession(r.Context(), sessionID); err != nil {
		g.sendServiceError(w, "get session", err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsClient{
		conn:      conn,
		sessionID: sessionID,
		outbox:    make(chan any, wsOutboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	events, subID := g.conversation.Events().Subscribe(ctx, sessionID)
	g.logger.Info("client connected", "session_id", sessionID, "sub_id", subID)
	defer g.logger.Info("client disconnected", "session_id", sessionID, "sub_id", subID)

	go g.writeLoop(c, events)
	g.sendStatusSnapshot(c)
	g.readLoop(c)
}

// sendStatusSnapshot tells a new client the state of every agent in the
// session when it is the active one.
func (g *Gateway) sendStatusSnapshot(c *wsClient) {
	active := g.conversation.ActiveSession()
	if active == nil || active.ID != c.sessionID {
		return
	}
	for _, id := range active.ActiveAgents {
		st := g.registry.Status(id)
		st.SessionID = c.sessionID
		c.reply(&conversation.Event{
			Type:      conversation.EventStatus,
			SessionID: c.sessionID,
			AgentID:   id,
			Status:    &st,
		})
	}
}

func (g *Gateway) readLoop(c *wsClient) {
	c.conn.SetReadLimit(wsMaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "session_id", c.sessionID, "error", err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(&ReplyFrame{Type: FrameError, Error: "invalid JSON frame"})
			continue
		}

		switch frame.Type {
		case FrameSend, FrameRetry:
			go g.handleFrame(c, frame)
		default:
			c.reply(&ReplyFrame{Type: FrameError, ClientID: frame.ClientID, Error: "unknown frame type " + frame.Type})
		}
	}
}

// handleFrame runs one send or retry. It outlives the client connection so
// an answer in flight is still recorded after the browser goes away.
func (g *Gateway) handleFrame(c *wsClient, frame ClientFrame) {
	ctx := context.WithoutCancel(c.ctx)

	var res *conversation.SendResult
	var err error
	if frame.Type == FrameSend {
		res, err = g.conversation.Send(ctx, conversation.SendRequest{
			SessionID: c.sessionID,
			Content:   frame.Content,
			Agents:    frame.Agents,
			ClientID:  frame.ClientID,
		})
	} else {
		res, err = g.conversation.Retry(ctx, c.sessionID, frame.MessageID)
	}

	reply := &ReplyFrame{Type: FrameResult, ClientID: frame.ClientID, MessageID: frame.MessageID, Result: res}
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			g.logger.Error(frame.Type+" failed", "session_id", c.sessionID, "error", err)
		}
		reply = &ReplyFrame{Type: FrameError, ClientID: frame.ClientID, MessageID: frame.MessageID, Error: err.Error()}
	} else if res != nil && res.Message != nil {
		reply.MessageID = res.Message.ID
	}
	c.reply(reply)
}

// writeLoop is the only writer on the connection.
func (g *Gateway) writeLoop(c *wsClient, events <-chan *conversation.Event) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		var frame any
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			frame = ev
		case frame = <-c.outbox:
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(frame); err != nil {
			g.logger.Debug("client write error", "session_id", c.sessionID, "error", err)
			return
		}
	}
}
