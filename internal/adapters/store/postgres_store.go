package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mikey/mail-triage/internal/core"
)

// PostgresStore implements core.Store on a PostgreSQL connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	if connString == "" {
		return nil, fmt.Errorf("store.postgres_url not configured")
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// LoadPreferences returns the stored preferences or core.ErrNotFound
func (s *PostgresStore) LoadPreferences(ctx context.Context) (*core.Preferences, error) {
	var (
		version  int64
		document []byte
	)
	err := s.pool.QueryRow(ctx, "SELECT version, document FROM preferences WHERE id = 1").Scan(&version, &document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	var prefs core.Preferences
	if err := json.Unmarshal(document, &prefs); err != nil {
		return nil, fmt.Errorf("unmarshaling preferences: %w", err)
	}
	prefs.Version = uint64(version)
	return &prefs, nil
}

// SavePreferences replaces the stored preferences
func (s *PostgresStore) SavePreferences(ctx context.Context, prefs *core.Preferences) error {
	document, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshaling preferences: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO preferences (id, version, document) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, document = EXCLUDED.document`,
		int64(prefs.Version), document,
	)
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	return nil
}

// PutEmail inserts or replaces an email
func (s *PostgresStore) PutEmail(ctx context.Context, email *core.Email) error {
	headers, err := json.Marshal(email.Headers)
	if err != nil {
		return fmt.Errorf("marshaling headers for email %s: %w", email.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO emails (id, sender, subject, body, snippet, date, headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			sender = EXCLUDED.sender, subject = EXCLUDED.subject, body = EXCLUDED.body,
			snippet = EXCLUDED.snippet, date = EXCLUDED.date, headers = EXCLUDED.headers`,
		email.ID, email.Sender, email.Subject, email.Body, email.Snippet, email.Date.UTC(), headers,
	)
	if err != nil {
		return fmt.Errorf("upserting email %s: %w", email.ID, err)
	}
	return nil
}

func scanEmail(row pgx.Row) (*core.Email, error) {
	var (
		email   core.Email
		headers []byte
	)
	if err := row.Scan(&email.ID, &email.Sender, &email.Subject, &email.Body, &email.Snippet, &email.Date, &headers); err != nil {
		return nil, err
	}
	email.Date = email.Date.UTC()
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &email.Headers); err != nil {
			return nil, fmt.Errorf("unmarshaling headers of %s: %w", email.ID, err)
		}
	}
	return &email, nil
}

// GetEmail retrieves a single email by its ID
func (s *PostgresStore) GetEmail(ctx context.Context, id string) (*core.Email, error) {
	email, err := scanEmail(s.pool.QueryRow(ctx,
		"SELECT id, sender, subject, body, snippet, date, headers FROM emails WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("getting email %s: %w", id, err)
	}
	return email, nil
}

// ListEmails retrieves all emails, most recent first
func (s *PostgresStore) ListEmails(ctx context.Context) ([]*core.Email, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, sender, subject, body, snippet, date, headers FROM emails ORDER BY date DESC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("querying emails: %w", err)
	}
	defer rows.Close()

	var emails []*core.Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning email row: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// GetState retrieves the mailbox state of an email
func (s *PostgresStore) GetState(ctx context.Context, emailID string) (*core.MailboxState, error) {
	var (
		state    core.MailboxState
		status   string
		reason   string
		revision int64
	)
	err := s.pool.QueryRow(ctx,
		"SELECT email_id, status, reason, revision, updated_at FROM mailbox_states WHERE email_id = $1", emailID,
	).Scan(&state.EmailID, &status, &reason, &revision, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("getting mailbox state %s: %w", emailID, err)
	}
	state.Status = core.MailboxStatus(status)
	state.LastTransitionReason = core.TransitionReason(reason)
	state.Revision = uint64(revision)
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}

// CreateState inserts a new mailbox state
func (s *PostgresStore) CreateState(ctx context.Context, state *core.MailboxState) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox_states (email_id, status, reason, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email_id) DO NOTHING`,
		state.EmailID, string(state.Status), string(state.LastTransitionReason),
		int64(state.Revision), state.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating mailbox state %s: %w", state.EmailID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

// CompareAndSwapState replaces the state if its stored revision equals expectedRevision
func (s *PostgresStore) CompareAndSwapState(ctx context.Context, expectedRevision uint64, state *core.MailboxState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mailbox_states
		SET status = $1, reason = $2, revision = $3, updated_at = $4
		WHERE email_id = $5 AND revision = $6`,
		string(state.Status), string(state.LastTransitionReason), int64(state.Revision),
		state.UpdatedAt.UTC(), state.EmailID, int64(expectedRevision),
	)
	if err != nil {
		return fmt.Errorf("updating mailbox state %s: %w", state.EmailID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetState(ctx, state.EmailID); err != nil {
		return err
	}
	return core.ErrConflict
}

// EnqueueOutbound inserts a new outbound message
func (s *PostgresStore) EnqueueOutbound(ctx context.Context, msg *core.OutboundMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbound_messages (
			id, email_id, recipient, subject, body, in_reply_to,
			status, attempts, last_error, queued_at, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.EmailID, msg.To, msg.Subject, msg.Body, msg.InReplyTo,
		string(msg.Status), msg.Attempts, msg.LastError, msg.QueuedAt.UTC(), msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing outbound message %s: %w", msg.ID, err)
	}
	return nil
}

// PendingOutbound returns queued messages, oldest first
func (s *PostgresStore) PendingOutbound(ctx context.Context, limit int) ([]*core.OutboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, email_id, recipient, subject, body, in_reply_to,
			status, attempts, last_error, queued_at, sent_at
		FROM outbound_messages
		WHERE status = $1
		ORDER BY queued_at ASC
		LIMIT $2`,
		string(core.OutboundQueued), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending outbound messages: %w", err)
	}
	defer rows.Close()

	var out []*core.OutboundMessage
	for rows.Next() {
		var (
			msg    core.OutboundMessage
			status string
			sentAt *time.Time
		)
		if err := rows.Scan(&msg.ID, &msg.EmailID, &msg.To, &msg.Subject, &msg.Body, &msg.InReplyTo,
			&status, &msg.Attempts, &msg.LastError, &msg.QueuedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning outbound row: %w", err)
		}
		msg.Status = core.OutboundStatus(status)
		msg.SentAt = sentAt
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// UpdateOutbound records the delivery state of an outbound message
func (s *PostgresStore) UpdateOutbound(ctx context.Context, msg *core.OutboundMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbound_messages
		SET status = $1, attempts = $2, last_error = $3, sent_at = $4
		WHERE id = $5`,
		string(msg.Status), msg.Attempts, msg.LastError, msg.SentAt, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating outbound message %s: %w", msg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// RecentSent returns the bodies of the most recently queued, non-failed replies
func (s *PostgresStore) RecentSent(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body FROM outbound_messages
		WHERE status <> $1
		ORDER BY queued_at DESC
		LIMIT $2`,
		string(core.OutboundFailed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent replies: %w", err)
	}
	defer rows.Close()

	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning reply body: %w", err)
		}
		bodies = append(bodies, body)
	}
	return bodies, rows.Err()
}

// LoadCursor returns the cursor of source or core.ErrNotFound
func (s *PostgresStore) LoadCursor(ctx context.Context, source string) (*core.SourceCursor, error) {
	var (
		validity, lastUID int64
		updatedAt         time.Time
	)
	err := s.pool.QueryRow(ctx,
		"SELECT validity, last_uid, updated_at FROM source_cursors WHERE source = $1", source,
	).Scan(&validity, &lastUID, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("loading cursor %s: %w", source, err)
	}
	return &core.SourceCursor{
		Source:    source,
		Validity:  uint32(validity),
		LastUID:   uint32(lastUID),
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

// SaveCursor replaces the cursor of its source
func (s *PostgresStore) SaveCursor(ctx context.Context, cursor *core.SourceCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_cursors (source, validity, last_uid, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source) DO UPDATE SET
			validity = EXCLUDED.validity, last_uid = EXCLUDED.last_uid, updated_at = EXCLUDED.updated_at`,
		cursor.Source, int64(cursor.Validity), int64(cursor.LastUID), cursor.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving cursor %s: %w", cursor.Source, err)
	}
	return nil
}
