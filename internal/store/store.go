// Package store provides a SQLite-backed conversation store for the
// document-chat assistant. Sessions group uploaded files and exchanges; each
// exchange is one question/answer pair. History is persisted across restarts
// and reconstructed into the LLM context window on subsequent questions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/caseworks/docchat-go/internal/retry"
)

// ErrNotFound is returned when a session or exchange does not exist.
var ErrNotFound = errors.New("store: not found")

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a message sent by the human user.
	RoleUser Role = "user"
	// RoleAssistant is a message produced by the LLM agent.
	RoleAssistant Role = "assistant"
)

// RatingCancelled marks an exchange whose answer the user cancelled while it
// was streaming. History reconstruction substitutes CancelledMessage for the
// stored answer so the model never sees the truncated text.
const RatingCancelled = 2

// CancelledMessage replaces the assistant content of a cancelled exchange.
const CancelledMessage = "Message cancelled by the user."

// DefaultHistoryExchanges is how many recent exchanges History scans.
const DefaultHistoryExchanges = 20

// Session is one conversation thread owned by a user.
type Session struct {
	// ID is the session identifier.
	ID string
	// OwnerID is the owning user.
	OwnerID string
	// Title is an optional display title.
	Title string
	// MessageIDs are the exchange IDs in insertion order.
	MessageIDs []string
	// CreatedAt and UpdatedAt track the session lifecycle.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Exchange is one question/answer pair within a session.
type Exchange struct {
	// ID is the exchange identifier.
	ID string
	// SessionID is the conversation this exchange belongs to.
	SessionID string
	// OwnerID is the owning user.
	OwnerID string
	// Question is the user's message.
	Question string
	// Answer is the assistant's reply.
	Answer string
	// Citations are the file names the answer drew from.
	Citations []string
	// Files are the names of all files uploaded to the session at the time
	// of this exchange. History returns the most recent non-empty value.
	Files []string
	// Rating is user feedback. RatingCancelled marks a cancelled answer.
	Rating int
	// FlagModifier marks an exchange that was edited after the fact. It
	// cuts off older context in history reconstruction.
	FlagModifier bool
	// CreatedAt is when the exchange was first saved; preserved on upsert.
	CreatedAt time.Time
	// UpdatedAt is refreshed on every save.
	UpdatedAt time.Time
}

// Message is a single turn handed to the agent's context window.
type Message struct {
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// CreatedAt is when the underlying exchange was created.
	CreatedAt time.Time
}

// ConversationStore persists sessions and exchanges. Implementations must be
// safe for concurrent use.
type ConversationStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns a session by ID, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns the owner's sessions, most recently updated first.
	ListSessions(ctx context.Context, ownerID string) ([]Session, error)
	// CountSessions returns how many sessions the owner has.
	CountSessions(ctx context.Context, ownerID string) (int, error)
	// DeleteSession removes a session and its exchanges, or ErrNotFound.
	DeleteSession(ctx context.Context, id string) error
	// SaveExchange upserts an exchange, preserving CreatedAt and any
	// existing rating, and appends its ID to the session.
	SaveExchange(ctx context.Context, e Exchange) error
	// GetExchange returns an exchange by ID, or ErrNotFound.
	GetExchange(ctx context.Context, id string) (*Exchange, error)
	// Rate records user feedback on an exchange.
	Rate(ctx context.Context, exchangeID, sessionID, ownerID string, rating int) error
	// History reconstructs the recent conversation as model-ready messages
	// plus the latest known file listing for the session.
	History(ctx context.Context, sessionID string, n int) ([]Message, []string, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a ConversationStore backed by a local SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB

	// ratePolicy bounds retries when rating an exchange that is still
	// being written by an in-flight ask.
	ratePolicy retry.Policy
}

// DefaultDBPath returns the default path for the conversation database.
// It resolves to ~/.docchat/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".docchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db: db,
		ratePolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			Multiplier:  2,
		},
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT    PRIMARY KEY,
    owner_id     TEXT    NOT NULL,
    title        TEXT    NOT NULL DEFAULT '',
    message_ids  TEXT    NOT NULL DEFAULT '[]',  -- JSON array of exchange IDs
    created_at   INTEGER NOT NULL,               -- Unix timestamp (milliseconds)
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_updated
    ON sessions (owner_id, updated_at);

CREATE TABLE IF NOT EXISTS exchanges (
    id            TEXT    PRIMARY KEY,
    session_id    TEXT    NOT NULL,
    owner_id      TEXT    NOT NULL,
    question      TEXT    NOT NULL DEFAULT '',
    answer        TEXT    NOT NULL DEFAULT '',
    citations     TEXT    NOT NULL DEFAULT '[]', -- JSON array of file names
    files         TEXT    NOT NULL DEFAULT '[]', -- JSON array of file names
    rating        INTEGER NOT NULL DEFAULT 0,
    flag_modifier INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_session_created
    ON exchanges (session_id, created_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreateSession persists a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	ids, err := json.Marshal(sess.MessageIDs)
	if err != nil {
		return fmt.Errorf("store: marshal message ids: %w", err)
	}

	const q = `INSERT INTO sessions (id, owner_id, title, message_ids, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q, sess.ID, sess.OwnerID, sess.Title, string(ids),
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	const q = `SELECT id, owner_id, title, message_ids, created_at, updated_at
FROM sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)

	var sess Session
	var ids string
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &ids, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &sess.MessageIDs); err != nil {
		return nil, fmt.Errorf("store: decode message ids: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.UpdatedAt = time.UnixMilli(updated).UTC()
	return &sess, nil
}

// ListSessions returns the owner's sessions, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]Session, error) {
	const q = `SELECT id, owner_id, title, message_ids, created_at, updated_at
FROM sessions WHERE owner_id = ? ORDER BY updated_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var ids string
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &ids, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: list sessions scan: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &sess.MessageIDs); err != nil {
			return nil, fmt.Errorf("store: decode message ids: %w", err)
		}
		sess.CreatedAt = time.UnixMilli(created).UTC()
		sess.UpdatedAt = time.UnixMilli(updated).UTC()
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list sessions rows: %w", err)
	}
	return sessions, nil
}

// CountSessions returns how many sessions the owner has.
func (s *SQLiteStore) CountSessions(ctx context.Context, ownerID string) (int, error) {
	const q = `SELECT COUNT(*) FROM sessions WHERE owner_id = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return n, nil
}

// DeleteSession removes a session and all of its exchanges.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete session begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete session result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM exchanges WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete session exchanges: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete session commit: %w", err)
	}
	return nil
}

// SaveExchange upserts an exchange. On update the original created_at is
// preserved and a non-zero stored rating survives (a rating may land while
// the ask that produced the exchange is still running). The exchange ID is
// appended to the session's message list and the session's updated_at is
// refreshed.
func (s *SQLiteStore) SaveExchange(ctx context.Context, e Exchange) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}

	citations, err := json.Marshal(e.Citations)
	if err != nil {
		return fmt.Errorf("store: marshal citations: %w", err)
	}
	files, err := json.Marshal(e.Files)
	if err != nil {
		return fmt.Errorf("store: marshal files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save exchange begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
INSERT INTO exchanges (id, session_id, owner_id, question, answer, citations, files,
                       rating, flag_modifier, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    question      = excluded.question,
    answer        = excluded.answer,
    citations     = excluded.citations,
    files         = excluded.files,
    rating        = CASE WHEN excluded.rating != 0 THEN excluded.rating ELSE exchanges.rating END,
    flag_modifier = excluded.flag_modifier,
    updated_at    = excluded.updated_at`
	_, err = tx.ExecContext(ctx, q, e.ID, e.SessionID, e.OwnerID, e.Question, e.Answer,
		string(citations), string(files), e.Rating, boolToInt(e.FlagModifier),
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save exchange: %w", err)
	}

	if err := appendMessageID(ctx, tx, e.SessionID, e.ID, e.UpdatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save exchange commit: %w", err)
	}
	return nil
}

// appendMessageID adds the exchange ID to the session's message list (once)
// and refreshes the session's updated_at.
func appendMessageID(ctx context.Context, tx *sql.Tx, sessionID, exchangeID string, updatedAt time.Time) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT message_ids FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("store: read session messages: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return fmt.Errorf("store: decode message ids: %w", err)
	}
	present := false
	for _, id := range ids {
		if id == exchangeID {
			present = true
			break
		}
	}
	if !present {
		ids = append(ids, exchangeID)
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("store: marshal message ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET message_ids = ?, updated_at = ? WHERE id = ?`,
		string(encoded), updatedAt.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("store: update session messages: %w", err)
	}
	return nil
}

// GetExchange returns an exchange by ID.
func (s *SQLiteStore) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	const q = `SELECT id, session_id, owner_id, question, answer, citations, files,
       rating, flag_modifier, created_at, updated_at
FROM exchanges WHERE id = ?`
	return scanExchange(s.db.QueryRowContext(ctx, q, id))
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(row rowScanner) (*Exchange, error) {
	var e Exchange
	var citations, files string
	var flag int
	var created, updated int64
	err := row.Scan(&e.ID, &e.SessionID, &e.OwnerID, &e.Question, &e.Answer,
		&citations, &files, &e.Rating, &flag, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan exchange: %w", err)
	}
	if err := json.Unmarshal([]byte(citations), &e.Citations); err != nil {
		return nil, fmt.Errorf("store: decode citations: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &e.Files); err != nil {
		return nil, fmt.Errorf("store: decode files: %w", err)
	}
	e.FlagModifier = flag != 0
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return &e, nil
}

// Rate records user feedback on an exchange. Ratings can race the ask loop
// that is still writing the exchange, so the update is retried briefly and,
// if the row never appears, a stub is created that SaveExchange will later
// fill in (keeping the rating).
func (s *SQLiteStore) Rate(ctx context.Context, exchangeID, sessionID, ownerID string, rating int) error {
	now := time.Now().UTC()
	err := s.ratePolicy.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE exchanges SET rating = ?, updated_at = ? WHERE id = ?`,
			rating, now.UnixMilli(), exchangeID)
		if err != nil {
			return fmt.Errorf("store: rate: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: rate result: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: exchange %s", ErrNotFound, exchangeID)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	// The exchange was never written — create a stub carrying the rating.
	const q = `INSERT INTO exchanges (id, session_id, owner_id, rating, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET rating = excluded.rating, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, q, exchangeID, sessionID, ownerID, rating,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: rate stub: %w", err)
	}
	return nil
}

// History reconstructs the recent conversation for the agent. It scans the
// last n exchanges newest first: the most recent edited exchange
// (FlagModifier) sets a cutoff at its edit timestamp, and every exchange
// created before that cutoff is dropped, so the context the edit superseded
// never reaches the model. Exchanges already scanned — newer than the edited
// one — are untouched. Cancelled answers are replaced with CancelledMessage.
// Output is chronological. The second return value is the most recent
// non-empty file listing, tracked across the whole window regardless of the
// cutoff.
func (s *SQLiteStore) History(ctx context.Context, sessionID string, n int) ([]Message, []string, error) {
	if n <= 0 {
		n = DefaultHistoryExchanges
	}

	const q = `SELECT id, session_id, owner_id, question, answer, citations, files,
       rating, flag_modifier, created_at, updated_at
FROM   exchanges
WHERE  session_id = ?
ORDER  BY created_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, sessionID, n)
	if err != nil {
		return nil, nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var exchanges []Exchange
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, nil, err
		}
		exchanges = append(exchanges, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: history rows: %w", err)
	}

	var kept []Exchange
	var files []string
	var cutoff time.Time
	for _, e := range exchanges {
		// The file listing outlives the cutoff: a superseded exchange may
		// still carry the latest uploads.
		if files == nil && len(e.Files) > 0 {
			files = e.Files
		}
		if !cutoff.IsZero() && e.CreatedAt.Before(cutoff) {
			continue
		}
		// Rating stubs have no question yet; there is nothing to replay.
		if e.Question == "" && e.Answer == "" {
			continue
		}
		if e.FlagModifier && cutoff.IsZero() {
			cutoff = e.UpdatedAt
		}
		kept = append(kept, e)
	}

	messages := make([]Message, 0, len(kept)*2)
	for i := len(kept) - 1; i >= 0; i-- {
		e := kept[i]
		answer := e.Answer
		if e.Rating == RatingCancelled {
			answer = CancelledMessage
		}
		messages = append(messages,
			Message{Role: RoleUser, Content: e.Question, CreatedAt: e.CreatedAt},
			Message{Role: RoleAssistant, Content: answer, CreatedAt: e.CreatedAt},
		)
	}

	return messages, files, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
