// Package conversation joins the chat core into one session-level service.
//
// # Overview
//
// The conversation package sits between the HTTP/WebSocket handlers and the
// agent registry. It owns the active session, records every message, routes
// user messages and turns streamed agent packets into stored replies.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(conversation.Params{Store: st, Registry: reg})
//
// Key operations:
//
//   - ActivateSession(ctx, id): load the session and connect its agents
//   - DeactivateSession(): disconnect every agent and close open streams
//   - Send(ctx, req): record a user message, route it and wait for the targets
//   - Retry(ctx, sessionID, messageID): re-send a failed message to the agents that missed it
//   - ReconnectAgent(ctx, sessionID, agentID): reconnect one agent after its retries ran out
//
// # Message Flow
//
// When a user message arrives:
//
//  1. Drop it if the client already submitted the same client ID
//  2. Decide the targets (selection, then @-mention, then broadcast)
//  3. Record the message as pending
//  4. Route it; each target resolves independently
//  5. Record an error message for every target that failed
//  6. Mark the user message delivered, or error when any target failed
//
// Agent packets arrive on the registry's subscription. The reassembler folds
// them into one open message per agent; each change is published, and the
// finalized message is stored before the router is told the agent answered.
// A dropped connection closes the open message and fails the requests still
// waiting on that agent.
//
// # Event Broadcasting
//
// EventBroadcaster fans session events out to browser clients:
//
//	ch, subID := svc.Events().Subscribe(ctx, sessionID)
//
// Events include:
//   - message: a new or updated message, streaming chunks included
//   - status: an agent's connection and activity state
//   - typing: an agent started or stopped working on a reply
//   - error: an agent-level error
//
// Slow subscribers lose events rather than blocking the agents.
package conversation
