// Package routing decides which agents receive a user message and tracks the
// request until each target replies, fails, or times out.
//
// Targets are chosen by the first rule that yields a non-empty set:
//
//  1. explicit selection (e.g. agent icons toggled in the UI)
//  2. @-mentions matching agent display names, case-insensitively
//  3. every agent active in the session
//
// Route delivers to all targets concurrently. A failure or timeout for one
// target is recorded in that target's TargetResult and never affects the
// others. Replies arrive out of band: the caller feeds finalized agent
// messages to Complete and agent failures to Fail or FailAll.
package routing
