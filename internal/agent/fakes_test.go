// ABOUTME: In-memory Dialer and Channel fakes plus an event recorder for agent tests
// ABOUTME: Lets tests inject packets, drop channels and observe every callback

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
)

// fakeChannel is a Channel whose inbound side is fed by the test.
type fakeChannel struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	acks      bool

	mu      sync.Mutex
	sent    []*chat.OutboundMessage
	sendErr error
}

func newFakeChannel(acks bool) *fakeChannel {
	return &fakeChannel{
		incoming: make(chan []byte, 128),
		closed:   make(chan struct{}),
		acks:     acks,
	}
}

func (c *fakeChannel) Send(_ context.Context, msg *chat.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Receive() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) AcksDelivery() bool { return c.acks }

// drop simulates the remote side closing the channel.
func (c *fakeChannel) drop() { _ = c.Close() }

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) push(t *testing.T, pkt chat.Packet) {
	t.Helper()
	data, err := chat.EncodePacket(pkt)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeChannel) pushRaw(raw string) { c.incoming <- []byte(raw) }

func (c *fakeChannel) sentMessages() []*chat.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*chat.OutboundMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// fakeDialer hands out fakeChannels and can be told to fail.
type fakeDialer struct {
	mu         sync.Mutex
	acks       bool
	failAlways bool
	failNext   int
	dials      map[string]int
	channels   map[string][]*fakeChannel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:    make(map[string]int),
		channels: make(map[string][]*fakeChannel),
	}
}

var errDialRefused = errors.New("connection refused")

func (d *fakeDialer) Dial(ctx context.Context, sessionID string, agent chat.Agent) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[agent.ID]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failAlways || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		return nil, fmt.Errorf("dial %s/%s: %w", sessionID, agent.ID, errDialRefused)
	}
	ch := newFakeChannel(d.acks)
	d.channels[agent.ID] = append(d.channels[agent.ID], ch)
	return ch, nil
}

func (d *fakeDialer) setFailAlways(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAlways = v
}

func (d *fakeDialer) dialCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[agentID]
}

func (d *fakeDialer) channelCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels[agentID])
}

func (d *fakeDialer) latest(t *testing.T, agentID string) *fakeChannel {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	chans := d.channels[agentID]
	require.NotEmpty(t, chans, "no channel dialed for %s", agentID)
	return chans[len(chans)-1]
}

// recorder captures callbacks.
type recorder struct {
	mu           sync.Mutex
	packets      map[string][]chat.Packet
	errs         map[string][]error
	opens        map[string]int
	disconnects  map[string][]string
	reconnecting map[string][]int
}

func newRecorder() *recorder {
	return &recorder{
		packets:      make(map[string][]chat.Packet),
		errs:         make(map[string][]error),
		opens:        make(map[string]int),
		disconnects:  make(map[string][]string),
		reconnecting: make(map[string][]int),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnPacket: func(id string, pkt chat.Packet) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.packets[id] = append(r.packets[id], pkt)
		},
		OnError: func(id string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs[id] = append(r.errs[id], err)
		},
		OnOpen: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.opens[id]++
		},
		OnDisconnect: func(id, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects[id] = append(r.disconnects[id], reason)
		},
		OnReconnecting: func(id string, attempt int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reconnecting[id] = append(r.reconnecting[id], attempt)
		},
	}
}

func (r *recorder) packetCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets[id])
}

func (r *recorder) packetsFor(id string) []chat.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Packet(nil), r.packets[id]...)
}

func (r *recorder) errorsFor(id string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs[id]...)
}

func (r *recorder) openCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens[id]
}

func (r *recorder) disconnectsFor(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnects[id]...)
}

func (r *recorder) reconnectAttempts(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.reconnecting[id]...)
}

func (r *recorder) hasError(id string, target error) bool {
	for _, err := range r.errorsFor(id) {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// fastBackoff keeps reconnect tests quick and deterministic.
func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
}

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond
