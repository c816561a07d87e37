// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that lexical order of stored strings matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Connection-scoped pragmas go in the DSN so every pooled connection gets them.
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection, so pin it to one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
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
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			handle       TEXT NOT NULL UNIQUE COLLATE NOCASE,
			display_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			title      TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (kind IN ('direct', 'group'))
		);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			role            TEXT NOT NULL,
			joined_at       TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id),

			CHECK (role IN ('member', 'owner'))
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL,
			sender_id         TEXT NOT NULL,
			text              TEXT,
			media_ref         TEXT,
			client_message_id TEXT,
			created_at        TEXT NOT NULL,
			recalled          INTEGER NOT NULL DEFAULT 0,
			recalled_at       TEXT,
			recalled_by       TEXT,
			deleted           INTEGER NOT NULL DEFAULT 0,
			deleted_at        TEXT,
			deleted_by        TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
			ON messages(conversation_id, sender_id, client_message_id);

		CREATE TABLE IF NOT EXISTS read_states (
			conversation_id      TEXT NOT NULL,
			user_id              TEXT NOT NULL,
			last_read_message_id TEXT NOT NULL,
			last_read_at         TEXT NOT NULL,
			updated_at           TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by older builds.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "media_ref",
			apply:  `ALTER TABLE messages ADD COLUMN media_ref TEXT`,
		},
		{
			table:  "conversations",
			column: "updated_at",
			apply:  `ALTER TABLE conversations ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
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
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateUser inserts a user. Returns ErrDuplicate if the handle is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	user.Handle = strings.ToLower(user.Handle)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, handle, display_name, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Handle, user.DisplayName, formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	s.logger.Debug("created user", "id", user.ID, "handle", user.Handle)
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, handle, display_name, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByHandle retrieves a user by handle, ignoring case.
func (s *SQLiteStore) GetUserByHandle(ctx context.Context, handle string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, handle, display_name, created_at FROM users WHERE handle = ? COLLATE NOCASE`, handle)
	return scanUser(row)
}

// ListUsers returns all users ordered by handle.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, handle, display_name, created_at FROM users ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchUsers returns users whose handle or display name contains query, ordered by handle.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, handle, display_name, created_at FROM users
		WHERE handle LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\'
		ORDER BY handle
		LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Handle, &u.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// CreateConversation inserts a conversation and its initial participants in one transaction.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(conv.CreatedAt)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, string(conv.Kind), nullString(conv.Title), now, now,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, p := range conv.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
			conv.ID, p.UserID, string(p.Role), formatTime(p.JoinedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind, "participants", len(conv.Participants))
	return nil
}

// GetConversation retrieves a conversation with its participants.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var kind, createdAt string
	var title sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, title, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &kind, &title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Kind = ConversationKind(kind)
	conv.Title = title.String
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if conv.Participants, err = s.loadParticipants(ctx, id); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role, joined_at FROM participants
		 WHERE conversation_id = ?
		 ORDER BY joined_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		var role, joinedAt string
		if err := rows.Scan(&p.UserID, &role, &joinedAt); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		p.Role = Role(role)
		if p.JoinedAt, err = parseTime(joinedAt); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// UpdateConversation writes the kind and title of an existing conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET kind = ?, title = ?, updated_at = ? WHERE id = ?`,
		string(conv.Kind), nullString(conv.Title), formatTime(time.Now()), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated conversation", "id", conv.ID, "kind", conv.Kind)
	return nil
}

// FindDirectConversation returns the direct conversation between two users.
func (s *SQLiteStore) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants a ON a.conversation_id = c.id AND a.user_id = ?
		JOIN participants b ON b.conversation_id = c.id AND b.user_id = ?
		WHERE c.kind = 'direct'
		ORDER BY c.created_at
		LIMIT 1`, userA, userB).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying direct conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// ListConversationsForUser returns every conversation userID takes part in, most recently active first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// AddParticipant adds p to the conversation. Returns false if the user was already a participant.
func (s *SQLiteStore) AddParticipant(ctx context.Context, conversationID string, p Participant) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING`,
		conversationID, p.UserID, string(p.Role), formatTime(p.JoinedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting participant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// SetParticipantRole changes a participant's role.
// Returns ErrNotFound if the user is not a participant.
func (s *SQLiteStore) SetParticipantRole(ctx context.Context, conversationID, userID string, role Role) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE participants SET role = ? WHERE conversation_id = ? AND user_id = ?`,
		string(role), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("updating participant role: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id, conversation_id, sender_id, text, media_ref, client_message_id, created_at,
	recalled, recalled_at, recalled_by, deleted, deleted_at, deleted_by`

// InsertMessage stores msg atomically with respect to its client message id.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (*Message, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, media_ref, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, sender_id, client_message_id) DO NOTHING`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		nullString(msg.Text),
		nullString(msg.MediaRef),
		nullString(msg.ClientMessageID),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("getting rows affected: %w", err)
	}

	if n == 0 {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE conversation_id = ? AND sender_id = ? AND client_message_id = ?`,
			msg.ConversationID, msg.SenderID, msg.ClientMessageID)
		existing, err := scanMessage(row)
		if err != nil {
			return nil, false, fmt.Errorf("loading existing message: %w", err)
		}
		s.logger.Debug("duplicate client message id", "conversation_id", msg.ConversationID, "client_message_id", msg.ClientMessageID)
		return existing, false, nil
	}

	// Touch the conversation so listings order by recent activity.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.ConversationID); err != nil {
		s.logger.Warn("failed to touch conversation", "id", msg.ConversationID, "error", err)
	}

	stored := *msg
	return &stored, true, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// UpdateMessageText replaces the text of a message. A deleted message keeps
// its content: ErrMessageDeleted is returned and nothing is written.
func (s *SQLiteStore) UpdateMessageText(ctx context.Context, id, text string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text = ? WHERE id = ? AND deleted = 0`, nullString(text), id)
	if err != nil {
		return fmt.Errorf("updating message text: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var deleted int
	err = s.db.QueryRowContext(ctx, `SELECT deleted FROM messages WHERE id = ?`, id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking message: %w", err)
	}
	return ErrMessageDeleted
}

// RecallMessage clears a message's content and marks it recalled.
// Recalling an already recalled message leaves it unchanged.
func (s *SQLiteStore) RecallMessage(ctx context.Context, id, by string, at time.Time) (*Message, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET text = NULL, media_ref = NULL, recalled = 1, recalled_at = ?, recalled_by = ?
		WHERE id = ? AND recalled = 0 AND deleted = 0`,
		formatTime(at), by, id,
	)
	if err != nil {
		return nil, fmt.Errorf("recalling message: %w", err)
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, ErrMessageDeleted
	}
	return msg, nil
}

// DeleteMessage marks a message deleted. Deleting twice keeps the first actor and time.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id, by string, at time.Time) (*Message, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET deleted = 1, deleted_at = ?, deleted_by = ?
		WHERE id = ? AND deleted = 0`,
		formatTime(at), by, id,
	)
	if err != nil {
		return nil, fmt.Errorf("deleting message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// ListMessages returns the newest q.Limit messages matching q, oldest first.
// If q.Limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) ListMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{q.ConversationID}
	if !q.Before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(q.Before))
	}
	if !q.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountUnread counts non-deleted messages not sent by userID that were created after since.
// A zero since counts the whole conversation.
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND sender_id <> ? AND deleted = 0`
	args := []any{conversationID, userID}
	if !since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, formatTime(since))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return n, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var text, mediaRef, clientID, recalledAt, recalledBy, deletedAt, deletedBy sql.NullString
	var createdAt string
	var recalled, deleted int

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&text,
		&mediaRef,
		&clientID,
		&createdAt,
		&recalled,
		&recalledAt,
		&recalledBy,
		&deleted,
		&deletedAt,
		&deletedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.Text = text.String
	msg.MediaRef = mediaRef.String
	msg.ClientMessageID = clientID.String
	msg.Recalled = recalled != 0
	msg.RecalledBy = recalledBy.String
	msg.Deleted = deleted != 0
	msg.DeletedBy = deletedBy.String

	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if recalledAt.Valid {
		t, err := parseTime(recalledAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing recalled_at: %w", err)
		}
		msg.RecalledAt = &t
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", err)
		}
		msg.DeletedAt = &t
	}
	return &msg, nil
}

// AdvanceReadState upserts the read marker only when it moves forward in time.
// The comparison happens inside the statement, so concurrent calls cannot regress it.
func (s *SQLiteStore) AdvanceReadState(ctx context.Context, rs *ReadState) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO read_states (conversation_id, user_id, last_read_message_id, last_read_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			last_read_message_id = excluded.last_read_message_id,
			last_read_at = excluded.last_read_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_read_at > read_states.last_read_at`,
		rs.ConversationID,
		rs.UserID,
		rs.LastReadMessageID,
		formatTime(rs.LastReadAt),
		formatTime(rs.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("advancing read state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// GetReadState retrieves the read marker for a user in a conversation.
func (s *SQLiteStore) GetReadState(ctx context.Context, conversationID, userID string) (*ReadState, error) {
	var rs ReadState
	var lastReadAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, last_read_message_id, last_read_at, updated_at
		FROM read_states WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&rs.ConversationID, &rs.UserID, &rs.LastReadMessageID, &lastReadAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying read state: %w", err)
	}
	if rs.LastReadAt, err = parseTime(lastReadAt); err != nil {
		return nil, fmt.Errorf("parsing last_read_at: %w", err)
	}
	if rs.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rs, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
