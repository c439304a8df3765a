// Package fakeagent implements a minimal agent for local runs and tests.
//
// An Agent is an http.Handler. It upgrades the gateway's connection, reads
// outbound messages and streams each reply back word by word under one
// message_uuid, followed by turn_complete. When the gateway sends the
// X-Coven-Ack handshake header the agent agrees and acknowledges every
// message before replying. A message containing FailTrigger gets an error
// packet instead of a reply.
package fakeagent
