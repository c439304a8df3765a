// Package chat defines the data model shared by every layer of coven-chat.
//
// # Overview
//
// The types here describe agents, chat sessions, messages and the per-agent
// runtime connection state. They carry no behavior beyond small helpers;
// ownership rules live in the packages that mutate them:
//
//   - agent.Registry owns AgentConnectionState for the active session
//   - stream.Reassembler owns streaming Messages until they are finalized
//   - store.SessionStore owns persisted Sessions and Messages
//
// # Messages
//
// A Message is a single tagged variant with Type in {user, agent, system, error}
// and an ordered list of Parts (text, file, data). A message whose
// Metadata.Streaming flag is true may still grow; once the flag flips to false
// the message is immutable and is persisted.
//
// # Wire Protocol
//
// Agents exchange JSON packets with the gateway. Outbound:
//
//	{"type":"message","id":"...","content":"...","sessionId":"...","agentId":"...","timestamp":"..."}
//
// Inbound streaming packet:
//
//	{"message":"...","turn_complete":true,"error":"...","message_uuid":"...","ack":"..."}
//
// The message, turn_complete and error fields are independent and may be
// combined. DecodePacket is the boundary adapter: it validates the payload,
// folds legacy field names into the canonical ones and reports failures as
// *MalformedPacketError.
package chat
