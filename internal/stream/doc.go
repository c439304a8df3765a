// Package stream reassembles chunked agent replies into messages.
//
// Agents stream a reply as a series of packets. Each packet may carry
// content, a turn_complete flag, an error, or any combination. For every
// (session, agent) pair the Reassembler keeps at most one open message:
//
//   - content with no open message starts one (streaming=true)
//   - content with an open message is appended to its text
//   - turn_complete closes the open message (streaming=false)
//   - turn_complete with nothing open is a no-op
//   - an error closes whatever is open and reports the error
//
// Content in a packet is always applied before its completion or error, and
// content after completion always starts a new message.
package stream
