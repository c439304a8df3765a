// Package gateway serves the coven-chat HTTP API and browser WebSocket.
//
// # Architecture
//
// The Gateway owns the SQLite store, the agent registry and the conversation
// service built on them:
//
//	Browser ──HTTP/WS──▶ Gateway ──▶ conversation.Service ──▶ agent.Registry ──WS──▶ Agents
//	                                        │
//	                                        ▼
//	                                   SessionStore
//
// # Endpoints
//
//	GET    /health                                  liveness
//	GET    /health/ready                            503 until an agent is connected
//	GET    /api/agents                              directory with live state
//	GET    /api/sessions                            list sessions, newest first
//	POST   /api/sessions                            create {title, agents}
//	GET    /api/sessions/{id}                       one session
//	DELETE /api/sessions/{id}                       delete with its messages
//	POST   /api/sessions/{id}/activate              connect the session's agents
//	PUT    /api/sessions/{id}/agents                replace the agent list
//	POST   /api/sessions/{id}/agents/{agentID}/reconnect  reconnect one agent
//	GET    /api/sessions/{id}/messages              history (?limit, ?before, ?format=html)
//	POST   /api/sessions/{id}/messages              send {content, agents, client_id}
//	POST   /api/sessions/{id}/messages/{mid}/retry  re-send a failed message
//	GET    /ws?session={id}                         session event stream
//
// Sending blocks until every target has answered, failed or timed out; the
// response carries the routing result and any error messages recorded.
//
// # WebSocket
//
// A browser subscribes to one session. It receives the session's events
// (message, status, typing, error) and may send frames:
//
//	{"type":"send","content":"@Chloe hi","agents":[],"client_id":"c-1"}
//	{"type":"retry","message_id":"..."}
//
// Each frame is answered with a "result" frame, or an "error" frame, that
// echoes client_id. Reply frames and events share one writer and are not
// ordered relative to each other.
//
// # Authentication
//
// When auth.jwt_secret is set, /api/ and /ws require a JWT either as a bearer
// header or as the token query parameter. Health endpoints stay open.
//
// # Errors
//
// Service errors map onto status codes: not found is 404, an empty message
// 400, no routable agent 422, duplicate sends and non-retryable messages 409.
// Everything else is logged and answered with 500.
package gateway
