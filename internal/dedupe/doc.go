// Package dedupe provides a bounded, time-windowed set of recently seen keys.
//
// The conversation service claims each browser submission's client ID so a
// double-clicked send is routed once, and the stream reassembler claims agent
// message UUIDs so a reused UUID never collides with a finalized message.
package dedupe
