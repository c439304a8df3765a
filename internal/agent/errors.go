// ABOUTME: Error taxonomy for agent connections and the registry
// ABOUTME: Typed errors carry the agent ID and match sentinel values via errors.Is

package agent

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below match these with errors.Is.
var (
	// ErrNotConnected indicates a send was attempted while the connection was not connected.
	ErrNotConnected = errors.New("agent not connected")

	// ErrDeliveryTimeout indicates an acknowledgment did not arrive in time.
	ErrDeliveryTimeout = errors.New("delivery acknowledgment timed out")

	// ErrConnectionLost indicates the channel closed without the caller asking for it.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnectExhausted indicates automatic reconnection gave up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrAgentNotFound indicates the specified agent is not managed by the registry.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrConnectSuperseded indicates a connect was cancelled by a later Disconnect or Connect.
	ErrConnectSuperseded = errors.New("connect superseded")
)

// NotConnectedError is returned by SendTextMessage when the connection is not connected.
type NotConnectedError struct {
	AgentID string
	State   string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("agent %s not connected (state %s)", e.AgentID, e.State)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// DeliveryTimeoutError is surfaced through OnError when an ack does not arrive.
type DeliveryTimeoutError struct {
	AgentID   string
	MessageID string
	Timeout   time.Duration
}

func (e *DeliveryTimeoutError) Error() string {
	return fmt.Sprintf("agent %s did not acknowledge message %s within %s", e.AgentID, e.MessageID, e.Timeout)
}

func (e *DeliveryTimeoutError) Is(target error) bool { return target == ErrDeliveryTimeout }

// ConnectionLostError describes an unexpected channel close.
type ConnectionLostError struct {
	AgentID string
	Cause   error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection to agent %s lost", e.AgentID)
	}
	return fmt.Sprintf("connection to agent %s lost: %v", e.AgentID, e.Cause)
}

func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }

func (e *ConnectionLostError) Unwrap() error { return e.Cause }

// ReconnectExhaustedError is terminal: the user must trigger a new connect.
type ReconnectExhaustedError struct {
	AgentID  string
	Attempts int
	Last     error
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("agent %s: gave up after %d reconnect attempts: %v", e.AgentID, e.Attempts, e.Last)
}

func (e *ReconnectExhaustedError) Is(target error) bool { return target == ErrReconnectExhausted }

func (e *ReconnectExhaustedError) Unwrap() error { return e.Last }
