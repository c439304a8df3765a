// Package store persists chat sessions, their message history and the agent
// directory.
//
// # Architecture
//
// SessionStore is the single interface consumed by the conversation service
// and the HTTP gateway. Two implementations exist:
//
//   - SQLiteStore: the production store, backed by modernc.org/sqlite
//   - MockStore: an in-memory store with the same ordering and errors, for tests
//
// # Data Models
//
//   - chat.Session: a titled conversation with an ordered list of active agents
//   - chat.Message: one user, agent, system or error message with typed parts
//   - chat.Agent: a directory entry describing a connectable agent
//
// Messages are stored in append order. GetMessages pages backwards from the
// newest message; a Pagination.Before cursor names the oldest message the
// caller already holds. Pages are always returned oldest first.
//
// Streaming state is never persisted. Agent messages are written once the
// reassembler finalizes them.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and enforced foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Deleting a session cascades to its messages and agent list. Use ":memory:"
// for a throwaway database.
//
// # Error Handling
//
//   - ErrNotFound: the session, message or pagination cursor does not exist
//   - ErrDuplicateMessage: a message with the same ID is already stored
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// The schema is created with CREATE TABLE IF NOT EXISTS on open. Columns
// added after the first release are applied by runMigrations, which checks
// pragma_table_info before each ALTER TABLE so reopening is always safe.
package store
