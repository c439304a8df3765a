// ABOUTME: WebSocket implementation of Dialer and Channel using gorilla/websocket
// ABOUTME: Dials agent.Endpoint with session and agent IDs as query parameters

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/chat"
)

// ackProtocolHeader is returned by agents that acknowledge every outbound message.
const ackProtocolHeader = "X-Coven-Ack"

const writeWait = 10 * time.Second

// WebSocketDialer dials each agent's Endpoint.
type WebSocketDialer struct {
	// Header is sent with every handshake (e.g. Authorization).
	Header http.Header

	// HandshakeTimeout bounds the opening handshake when ctx has no deadline.
	HandshakeTimeout time.Duration

	// RequestAcks asks agents to acknowledge every outbound message. Agents
	// that agree answer the handshake with the same header.
	RequestAcks bool

	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer with the given handshake timeout.
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &WebSocketDialer{
		HandshakeTimeout: handshakeTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// EndpointURL builds the URL dialed for (sessionID, agent). http(s) schemes
// are rewritten to ws(s).
func EndpointURL(endpoint, sessionID, agentID string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("agent %s has no endpoint", agentID)
	}
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint for agent %s: %w", agentID, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("agent %s endpoint must use ws, wss, http or https", agentID)
	}
	q := u.Query()
	q.Set("session", sessionID)
	q.Set("agent", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a WebSocket to the agent.
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID string, agent chat.Agent) (Channel, error) {
	target, err := EndpointURL(agent.Endpoint, sessionID, agent.ID)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}

	dialer := d.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := d.Header.Clone()
	if d.RequestAcks {
		if header == nil {
			header = http.Header{}
		}
		header.Set(ackProtocolHeader, "true")
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing agent %s: %w (status %d)", agent.ID, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing agent %s: %w", agent.ID, err)
	}

	acks := resp != nil && strings.EqualFold(resp.Header.Get(ackProtocolHeader), "true")
	return &wsChannel{conn: conn, acks: acks}, nil
}

// wsChannel adapts a *websocket.Conn to Channel. gorilla allows one
// concurrent reader and one concurrent writer, so writes are serialized.
type wsChannel struct {
	conn      *websocket.Conn
	acks      bool
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsChannel) Send(ctx context.Context, msg *chat.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Receive() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsChannel) AcksDelivery() bool { return c.acks }
