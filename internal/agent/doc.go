// Package agent manages the live channels between a chat session and its agents.
//
// # Overview
//
// Every agent taking part in the active session gets one Connection bound to
// the (session, agent) pair. The Registry owns those connections, connects
// and disconnects them in bulk when the user switches sessions, and fans
// their events out to subscribers tagged by agent ID.
//
// # Connection
//
// A Connection moves through four states:
//
//	disconnected -> connecting -> connected
//	                    ^             |
//	                    +-------------+  unexpected close
//	connecting -> error                  reconnect attempts exhausted
//
// Connect is idempotent for the same pair. Disconnect cancels any pending
// reconnect timer and in-flight handshake; after it returns, no OnOpen or
// OnReconnecting callback fires for the old binding.
//
// # Reconnection
//
// After an unexpected close, attempt n (1-based) waits Backoff.Delay(n-1):
//
//	delay = min(max, base * 2^(n-1)) + jitter, clamped to max
//
// The defaults are base 1s, max 30s, 30% jitter and 10 attempts. A
// successful handshake resets the attempt counter.
//
// # Delivery
//
// SendTextMessage fails fast with *NotConnectedError unless the connection is
// connected. Agents that advertise acknowledgments (the X-Coven-Ack handshake
// header) must answer each outbound message with {"ack": "<id>"}; a missing
// ack raises *DeliveryTimeoutError through OnError.
//
// # Ordering
//
// Each connection reads its channel on a single goroutine, so OnPacket calls
// for one agent arrive in the order the agent produced them. Callbacks are
// never invoked with an internal lock held.
package agent
