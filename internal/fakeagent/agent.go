// ABOUTME: Scriptable WebSocket agent that streams replies in the agent packet format
// ABOUTME: Backs the fake-agent binary and end-to-end tests of the gateway

package fakeagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/chat"
)

// AckHeader is exchanged during the handshake to agree on delivery acks.
const AckHeader = "X-Coven-Ack"

// FailTrigger makes the agent answer with an error packet when a message contains it.
const FailTrigger = "/fail"

// Config configures an Agent.
type Config struct {
	// Name is used in replies and logs.
	Name string

	// Reply builds the full reply for an inbound message. Nil uses EchoReply.
	Reply func(content string) string

	// ChunkDelay is the pause between streamed chunks.
	ChunkDelay time.Duration

	// AlwaysAck acknowledges messages even when the gateway did not ask.
	AlwaysAck bool

	Logger *slog.Logger
}

// Agent is an http.Handler that speaks the agent side of the chat protocol.
type Agent struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	received atomic.Int64
}

// New creates an Agent.
func New(cfg Config) *Agent {
	if cfg.Name == "" {
		cfg.Name = "Echo Agent"
	}
	if cfg.Reply == nil {
		cfg.Reply = EchoReply
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With("agent", cfg.Name),
	}
}

// Received returns how many messages the agent has read.
func (a *Agent) Received() int64 {
	return a.received.Load()
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	acks := a.cfg.AlwaysAck || strings.EqualFold(r.Header.Get(AckHeader), "true")
	header := http.Header{}
	if acks {
		header.Set(AckHeader, "true")
	}

	conn, err := a.upgrader.Upgrade(w, r, header)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	q := r.URL.Query()
	a.logger.Info("gateway connected", "session", q.Get("session"), "agent_id", q.Get("agent"), "acks", acks)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.logger.Debug("connection closed", "error", err)
			return
		}

		var msg chat.OutboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Warn("invalid message from gateway", "error", err)
			continue
		}
		a.received.Add(1)
		a.logger.Info("received message", "id", msg.ID, "content", msg.Content)

		if acks {
			if err := writePacket(conn, chat.Packet{Ack: msg.ID}); err != nil {
				return
			}
		}
		if err := a.answer(conn, msg); err != nil {
			a.logger.Debug("write failed", "error", err)
			return
		}
	}
}

func (a *Agent) answer(conn *websocket.Conn, msg chat.OutboundMessage) error {
	if strings.Contains(msg.Content, FailTrigger) {
		return writePacket(conn, chat.Packet{Error: chat.StringPtr(a.cfg.Name + " was asked to fail")})
	}

	messageID := uuid.New().String()
	for _, chunk := range Chunks(a.cfg.Reply(msg.Content)) {
		if err := writePacket(conn, chat.Packet{Message: chat.StringPtr(chunk), MessageUUID: messageID}); err != nil {
			return err
		}
		if a.cfg.ChunkDelay > 0 {
			time.Sleep(a.cfg.ChunkDelay)
		}
	}
	return writePacket(conn, chat.Packet{TurnComplete: true, MessageUUID: messageID})
}

func writePacket(conn *websocket.Conn, pkt chat.Packet) error {
	data, err := chat.EncodePacket(pkt)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Chunks splits a reply into word-sized pieces whose concatenation is the reply.
func Chunks(reply string) []string {
	var out []string
	for _, c := range strings.SplitAfter(reply, " ") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// EchoReply answers with markdown that echoes the input.
func EchoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**", input)
}
