// ABOUTME: SQLite implementation of SessionStore using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-chat/internal/chat"
)

// SQLiteStore implements SessionStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

		CREATE TABLE IF NOT EXISTS session_agents (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (session_id, agent_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			agent_id TEXT,
			parts_json TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			status TEXT,
			targets_json TEXT,
			error TEXT,

			CHECK (type IN ('user', 'agent', 'system', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			color TEXT,
			capabilities_json TEXT,
			avatar TEXT,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "reply_to",
			apply:  `ALTER TABLE messages ADD COLUMN reply_to TEXT`,
		},
		{
			table:  "agents",
			column: "endpoint",
			apply:  `ALTER TABLE agents ADD COLUMN endpoint TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalList(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalList(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a session with the given agents.
func (s *SQLiteStore) CreateSession(ctx context.Context, title string, agents []string) (*chat.Session, error) {
	sess := &chat.Session{
		ID:           uuid.New().String(),
		Title:        sessionTitle(title),
		CreatedAt:    s.now().UTC(),
		ActiveAgents: uniqueAgents(agents),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.Title, formatTime(sess.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	if err := insertSessionAgents(ctx, tx, sess.ID, sess.ActiveAgents); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "agents", len(sess.ActiveAgents))
	return sess, nil
}

func insertSessionAgents(ctx context.Context, tx *sql.Tx, sessionID string, agents []string) error {
	for i, agentID := range agents {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_agents (session_id, agent_id, position) VALUES (?, ?, ?)`,
			sessionID, agentID, i,
		)
		if err != nil {
			return fmt.Errorf("inserting session agent: %w", err)
		}
	}
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*chat.Session, error) {
	var sess chat.Session
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.ActiveAgents, err = s.sessionAgents(ctx, id); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) sessionAgents(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id FROM session_agents WHERE session_id = ? ORDER BY position`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session agents: %w", err)
	}
	defer rows.Close()

	agents := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session agent: %w", err)
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// ListSessions returns all sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*chat.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM sessions ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}

	var sessions []*chat.Session
	for rows.Next() {
		var sess chat.Session
		var createdAt string
		if err := rows.Scan(&sess.ID, &sess.Title, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	for _, sess := range sessions {
		if sess.ActiveAgents, err = s.sessionAgents(ctx, sess.ID); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// DeleteSession removes a session and, by cascade, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted session", "id", id)
	return nil
}

// SetActiveAgents replaces the session's agent list.
func (s *SQLiteStore) SetActiveAgents(ctx context.Context, sessionID string, agents []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := sessionExists(ctx, tx, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_agents WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing session agents: %w", err)
	}
	if err := insertSessionAgents(ctx, tx, sessionID, uniqueAgents(agents)); err != nil {
		return err
	}
	return tx.Commit()
}

func sessionExists(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying session: %w", err)
	}
	return nil
}

// AppendMessage stores msg at the end of the session's history.
// Returns ErrNotFound for an unknown session and ErrDuplicateMessage when
// the message ID is already stored.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *chat.Message) error {
	if msg.ID == "" {
		return errors.New("message ID is required")
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("invalid message type %q", msg.Type)
	}

	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("encoding parts: %w", err)
	}
	targets, err := marshalList(msg.Metadata.Targets)
	if err != nil {
		return fmt.Errorf("encoding targets: %w", err)
	}
	ts := msg.Metadata.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := sessionExists(ctx, tx, sessionID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, type, agent_id, parts_json, timestamp, status, targets_json, error, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		sessionID,
		string(msg.Type),
		nullString(msg.AgentID),
		string(parts),
		formatTime(ts),
		nullString(string(msg.Metadata.Status)),
		targets,
		nullString(msg.Metadata.Error),
		nullString(msg.ReplyTo),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return tx.Commit()
}

// UpdateMessageStatus sets the delivery status and error text of a stored message.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, sessionID, messageID string, status chat.DeliveryStatus, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, error = ? WHERE session_id = ? AND id = ?`,
		nullString(string(status)), nullString(errText), sessionID, messageID,
	)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessages returns a page of the session's history, oldest first.
// Returns ErrNotFound for an unknown session or an unknown Before cursor.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, p Pagination) ([]*chat.Message, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	// The newest page is selected descending, then reversed.
	query := `
		SELECT id, type, agent_id, parts_json, timestamp, status, targets_json, error, reply_to
		FROM messages
		WHERE session_id = ?
	`
	args := []any{sessionID}
	if p.Before != "" {
		var seq int64
		err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM messages WHERE session_id = ? AND id = ?`, sessionID, p.Before,
		).Scan(&seq)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("querying cursor: %w", err)
		}
		query += ` AND seq < ?`
		args = append(args, seq)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, p.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows, sessionID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessage returns one stored message of a session.
func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID, messageID string) (*chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, agent_id, parts_json, timestamp, status, targets_json, error, reply_to
		FROM messages
		WHERE session_id = ? AND id = ?
	`, sessionID, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying message: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanMessage(rows, sessionID)
}

func scanMessage(rows *sql.Rows, sessionID string) (*chat.Message, error) {
	var (
		msg                    chat.Message
		msgType, partsJSON, ts string
		agentID, status        sql.NullString
		targets, errText       sql.NullString
		replyTo                sql.NullString
	)
	if err := rows.Scan(&msg.ID, &msgType, &agentID, &partsJSON, &ts, &status, &targets, &errText, &replyTo); err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.SessionID = sessionID
	msg.Type = chat.MessageType(msgType)
	msg.AgentID = agentID.String
	msg.ReplyTo = replyTo.String
	msg.Metadata.Status = chat.DeliveryStatus(status.String)
	msg.Metadata.Error = errText.String

	if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
		return nil, fmt.Errorf("decoding parts of %s: %w", msg.ID, err)
	}
	var err error
	if msg.Metadata.Targets, err = unmarshalList(targets); err != nil {
		return nil, fmt.Errorf("decoding targets of %s: %w", msg.ID, err)
	}
	if msg.Metadata.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("parsing timestamp of %s: %w", msg.ID, err)
	}
	return &msg, nil
}

// ListAgents returns the agent directory ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]chat.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, color, capabilities_json, avatar, endpoint FROM agents ORDER BY name, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []chat.Agent
	for rows.Next() {
		var a chat.Agent
		var color, caps, avatar, endpoint sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &color, &caps, &avatar, &endpoint); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.Color = color.String
		a.Avatar = avatar.String
		a.Endpoint = endpoint.String
		if a.Capabilities, err = unmarshalList(caps); err != nil {
			return nil, fmt.Errorf("decoding capabilities of %s: %w", a.ID, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpsertAgent inserts or replaces a directory entry.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent chat.Agent) error {
	if agent.ID == "" {
		return errors.New("agent ID is required")
	}
	caps, err := marshalList(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	name := agent.Name
	if name == "" {
		name = agent.ID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, color, capabilities_json, avatar, endpoint, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			capabilities_json = excluded.capabilities_json,
			avatar = excluded.avatar,
			endpoint = excluded.endpoint,
			updated_at = excluded.updated_at
	`,
		agent.ID, name, nullString(agent.Color), caps, nullString(agent.Avatar), nullString(agent.Endpoint), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}
