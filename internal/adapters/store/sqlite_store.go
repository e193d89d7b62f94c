package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikey/mail-triage/internal/core"
)

// SQLiteStore implements core.Store using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs any
// pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A private in-memory database only lives as long as its single connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// LoadPreferences returns the stored preferences or core.ErrNotFound.
func (s *SQLiteStore) LoadPreferences(ctx context.Context) (*core.Preferences, error) {
	var row struct {
		Version  uint64 `db:"version"`
		Document string `db:"document"`
	}
	err := s.db.GetContext(ctx, &row, "SELECT version, document FROM preferences WHERE id = 1")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	var prefs core.Preferences
	if err := json.Unmarshal([]byte(row.Document), &prefs); err != nil {
		return nil, fmt.Errorf("unmarshaling preferences: %w", err)
	}
	prefs.Version = row.Version
	return &prefs, nil
}

// SavePreferences replaces the stored preferences.
func (s *SQLiteStore) SavePreferences(ctx context.Context, prefs *core.Preferences) error {
	document, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshaling preferences: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO preferences (id, version, document)
		VALUES (1, ?, ?)`,
		prefs.Version, string(document),
	)
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

type emailRow struct {
	ID      string `db:"id"`
	Sender  string `db:"sender"`
	Subject string `db:"subject"`
	Body    string `db:"body"`
	Snippet string `db:"snippet"`
	Date    int64  `db:"date"`
	Headers string `db:"headers"`
}

func (r emailRow) toEmail() (*core.Email, error) {
	email := &core.Email{
		ID:      r.ID,
		Sender:  r.Sender,
		Subject: r.Subject,
		Body:    r.Body,
		Snippet: r.Snippet,
		Date:    time.Unix(0, r.Date).UTC(),
	}
	if r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &email.Headers); err != nil {
			return nil, fmt.Errorf("unmarshaling headers of %s: %w", r.ID, err)
		}
	}
	return email, nil
}

// PutEmail inserts or replaces an email.
func (s *SQLiteStore) PutEmail(ctx context.Context, email *core.Email) error {
	headers, err := json.Marshal(email.Headers)
	if err != nil {
		return fmt.Errorf("marshaling headers for email %s: %w", email.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO emails (id, sender, subject, body, snippet, date, headers)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		email.ID, email.Sender, email.Subject, email.Body, email.Snippet,
		email.Date.UnixNano(), string(headers),
	)
	if err != nil {
		return fmt.Errorf("upserting email %s: %w", email.ID, err)
	}
	return nil
}

// GetEmail retrieves a single email by its ID.
func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*core.Email, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM emails WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("getting email %s: %w", id, err)
	}
	return row.toEmail()
}

// ListEmails retrieves all emails, most recent first.
func (s *SQLiteStore) ListEmails(ctx context.Context) ([]*core.Email, error) {
	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM emails ORDER BY date DESC, id ASC"); err != nil {
		return nil, fmt.Errorf("querying emails: %w", err)
	}

	emails := make([]*core.Email, 0, len(rows))
	for _, row := range rows {
		email, err := row.toEmail()
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, nil
}

type stateRow struct {
	EmailID   string `db:"email_id"`
	Status    string `db:"status"`
	Reason    string `db:"reason"`
	Revision  uint64 `db:"revision"`
	UpdatedAt int64  `db:"updated_at"`
}

// GetState retrieves the mailbox state of an email.
func (s *SQLiteStore) GetState(ctx context.Context, emailID string) (*core.MailboxState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM mailbox_states WHERE email_id = ?", emailID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("getting mailbox state %s: %w", emailID, err)
	}
	return &core.MailboxState{
		EmailID:              row.EmailID,
		Status:               core.MailboxStatus(row.Status),
		LastTransitionReason: core.TransitionReason(row.Reason),
		Revision:             row.Revision,
		UpdatedAt:            time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}

// CreateState inserts a new mailbox state.
func (s *SQLiteStore) CreateState(ctx context.Context, state *core.MailboxState) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO mailbox_states (email_id, status, reason, revision, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		state.EmailID, string(state.Status), string(state.LastTransitionReason),
		state.Revision, state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("creating mailbox state %s: %w", state.EmailID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

// CompareAndSwapState replaces the state if its stored revision equals expectedRevision.
func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, expectedRevision uint64, state *core.MailboxState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mailbox_states
		SET status = ?, reason = ?, revision = ?, updated_at = ?
		WHERE email_id = ? AND revision = ?`,
		string(state.Status), string(state.LastTransitionReason), state.Revision,
		state.UpdatedAt.UnixNano(), state.EmailID, expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("updating mailbox state %s: %w", state.EmailID, err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := s.GetState(ctx, state.EmailID); err != nil {
		return err
	}
	return core.ErrConflict
}

type outboundRow struct {
	ID        string        `db:"id"`
	EmailID   string        `db:"email_id"`
	Recipient string        `db:"recipient"`
	Subject   string        `db:"subject"`
	Body      string        `db:"body"`
	InReplyTo string        `db:"in_reply_to"`
	Status    string        `db:"status"`
	Attempts  int           `db:"attempts"`
	LastError string        `db:"last_error"`
	QueuedAt  int64         `db:"queued_at"`
	SentAt    sql.NullInt64 `db:"sent_at"`
}

func (r outboundRow) toMessage() *core.OutboundMessage {
	msg := &core.OutboundMessage{
		ID:        r.ID,
		EmailID:   r.EmailID,
		To:        r.Recipient,
		Subject:   r.Subject,
		Body:      r.Body,
		InReplyTo: r.InReplyTo,
		Status:    core.OutboundStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		QueuedAt:  time.Unix(0, r.QueuedAt).UTC(),
	}
	if r.SentAt.Valid {
		sentAt := time.Unix(0, r.SentAt.Int64).UTC()
		msg.SentAt = &sentAt
	}
	return msg
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// EnqueueOutbound inserts a new outbound message.
func (s *SQLiteStore) EnqueueOutbound(ctx context.Context, msg *core.OutboundMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_messages (
			id, email_id, recipient, subject, body, in_reply_to,
			status, attempts, last_error, queued_at, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.EmailID, msg.To, msg.Subject, msg.Body, msg.InReplyTo,
		string(msg.Status), msg.Attempts, msg.LastError, msg.QueuedAt.UnixNano(),
		nullableTime(msg.SentAt),
	)
	if err != nil {
		return fmt.Errorf("enqueueing outbound message %s: %w", msg.ID, err)
	}
	return nil
}

// PendingOutbound returns queued messages, oldest first.
func (s *SQLiteStore) PendingOutbound(ctx context.Context, limit int) ([]*core.OutboundMessage, error) {
	query := "SELECT * FROM outbound_messages WHERE status = ? ORDER BY queued_at ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []outboundRow
	if err := s.db.SelectContext(ctx, &rows, query, string(core.OutboundQueued)); err != nil {
		return nil, fmt.Errorf("querying pending outbound messages: %w", err)
	}

	out := make([]*core.OutboundMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toMessage())
	}
	return out, nil
}

// UpdateOutbound records the delivery state of an outbound message.
func (s *SQLiteStore) UpdateOutbound(ctx context.Context, msg *core.OutboundMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET status = ?, attempts = ?, last_error = ?, sent_at = ?
		WHERE id = ?`,
		string(msg.Status), msg.Attempts, msg.LastError, nullableTime(msg.SentAt), msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating outbound message %s: %w", msg.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

// RecentSent returns the bodies of the most recently queued, non-failed replies.
func (s *SQLiteStore) RecentSent(ctx context.Context, limit int) ([]string, error) {
	var bodies []string
	err := s.db.SelectContext(ctx, &bodies, `
		SELECT body FROM outbound_messages
		WHERE status != ?
		ORDER BY queued_at DESC
		LIMIT ?`,
		string(core.OutboundFailed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent replies: %w", err)
	}
	return bodies, nil
}

// LoadCursor returns the cursor of source or core.ErrNotFound.
func (s *SQLiteStore) LoadCursor(ctx context.Context, source string) (*core.SourceCursor, error) {
	var row struct {
		Source    string `db:"source"`
		Validity  uint32 `db:"validity"`
		LastUID   uint32 `db:"last_uid"`
		UpdatedAt int64  `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT source, validity, last_uid, updated_at FROM source_cursors WHERE source = ?", source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("loading cursor %s: %w", source, err)
	}
	return &core.SourceCursor{
		Source:    row.Source,
		Validity:  row.Validity,
		LastUID:   row.LastUID,
		UpdatedAt: time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}

// SaveCursor replaces the cursor of its source.
func (s *SQLiteStore) SaveCursor(ctx context.Context, cursor *core.SourceCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO source_cursors (source, validity, last_uid, updated_at)
		VALUES (?, ?, ?, ?)`,
		cursor.Source, cursor.Validity, cursor.LastUID, cursor.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving cursor %s: %w", cursor.Source, err)
	}
	return nil
}
