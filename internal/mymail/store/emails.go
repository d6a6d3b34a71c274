package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/simophin/mymail/internal/mymail/jmap"
)

// Email is the locally persisted email row. Envelope carries the bulk-sync
// projection; Details stays nil until the detail fetcher has run.
type Email struct {
	AccountID  int64
	ID         string
	Envelope   *jmap.Email
	Details    *jmap.Email
	ThreadID   string
	ReceivedAt time.Time
	Subject    string
}

// UpsertEmails stores one batch of envelope projections and reconciles
// mailbox membership from their mailboxIds, all in one transaction.
// Emits "emails" on any row change plus "mailbox_emails" when membership
// actually changed.
func (s *Store) UpsertEmails(ctx context.Context, accountID int64, emails []jmap.Email) error {
	if len(emails) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin email upsert: %w", err)
	}
	defer tx.Rollback()

	var emailChanges, membershipChanges int64

	for _, email := range emails {
		data, err := json.Marshal(email)
		if err != nil {
			return fmt.Errorf("failed to serialize email %s: %w", email.ID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO emails (account_id, id, jmap_data, thread_id, received_at, subject)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (account_id, id) DO UPDATE SET
				jmap_data = excluded.jmap_data,
				thread_id = excluded.thread_id,
				received_at = excluded.received_at,
				subject = excluded.subject
		`, accountID, email.ID, string(data), email.ThreadID, email.ReceivedAt.UTC(), email.Subject)
		if err != nil {
			return fmt.Errorf("failed to upsert email %s: %w", email.ID, err)
		}
		n, _ := res.RowsAffected()
		emailChanges += n

		for mailboxID := range email.MailboxIDs {
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO mailbox_emails (account_id, mailbox_id, email_id)
				VALUES (?, ?, ?)
			`, accountID, mailboxID, email.ID)
			if err != nil {
				return fmt.Errorf("failed to link email %s to mailbox %s: %w", email.ID, mailboxID, err)
			}
			n, _ := res.RowsAffected()
			membershipChanges += n
		}

		// Drop memberships the server no longer reports.
		ids := make([]string, 0, len(email.MailboxIDs))
		args := []any{accountID, email.ID}
		for mailboxID := range email.MailboxIDs {
			ids = append(ids, "?")
			args = append(args, mailboxID)
		}
		query := "DELETE FROM mailbox_emails WHERE account_id = ? AND email_id = ?"
		if len(ids) > 0 {
			query += " AND mailbox_id NOT IN (" + strings.Join(ids, ", ") + ")"
		}
		res, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to prune memberships of email %s: %w", email.ID, err)
		}
		n, _ = res.RowsAffected()
		membershipChanges += n
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit email upsert: %w", err)
	}

	switch {
	case membershipChanges > 0:
		s.notifyChanges("emails", "mailbox_emails")
	case emailChanges > 0:
		s.notifyChanges("emails")
	}
	return nil
}

// DeleteEmails removes emails by id; membership rows cascade away.
func (s *Store) DeleteEmails(ctx context.Context, accountID int64, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(ids))
	args := []any{accountID}
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM emails WHERE account_id = ? AND id IN ("+strings.Join(placeholders, ", ")+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to delete emails: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyChanges("emails", "mailbox_emails")
	}
	return nil
}

// FindMissingEmailIDs reduces ids to those with no local row yet. The
// syncer uses it to avoid re-fetching envelopes it already holds.
func (s *Store) FindMissingEmailIDs(ctx context.Context, accountID int64, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(ids))
	args := []any{accountID}
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM emails WHERE account_id = ? AND id IN ("+strings.Join(placeholders, ", ")+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to probe existing emails: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan email id: %w", err)
		}
		existing[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// SetEmailDetails persists the deep-fetch payload for one email.
func (s *Store) SetEmailDetails(ctx context.Context, accountID int64, emailID string, details *jmap.Email) error {
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to serialize email details: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE emails SET part_details = ? WHERE account_id = ? AND id = ?",
		string(data), accountID, emailID)
	if err != nil {
		return fmt.Errorf("failed to set email details: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: email %s", ErrNotFound, emailID)
	}

	s.notifyChanges("emails")
	return nil
}

// GetEmail retrieves one email row.
func (s *Store) GetEmail(ctx context.Context, accountID int64, emailID string) (*Email, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, jmap_data, part_details, thread_id, received_at, subject
		FROM emails WHERE account_id = ? AND id = ?
	`, accountID, emailID)

	email, err := scanEmail(row, accountID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: email %s", ErrNotFound, emailID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return email, nil
}

// EmailQuery filters ListEmails.
type EmailQuery struct {
	MailboxID     string
	SearchKeyword string
	Limit         int
	Offset        int
}

// ListEmails returns emails newest first, optionally restricted to one
// mailbox and a subject keyword.
func (s *Store) ListEmails(ctx context.Context, accountID int64, query EmailQuery) ([]Email, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, jmap_data, part_details, thread_id, received_at, subject
		FROM emails
		WHERE account_id = ?1
			AND (?2 = '' OR EXISTS (
				SELECT 1 FROM mailbox_emails me
				WHERE me.account_id = ?1 AND me.email_id = emails.id AND me.mailbox_id = ?2))
			AND (?3 = '' OR subject LIKE '%' || ?3 || '%')
		ORDER BY received_at DESC, id
		LIMIT ?4 OFFSET ?5
	`, accountID, query.MailboxID, query.SearchKeyword, query.Limit, query.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	var emails []Email
	for rows.Next() {
		email, err := scanEmail(rows, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, *email)
	}
	return emails, rows.Err()
}

// DeleteOrphanEmails removes emails that belong to no mailbox.
func (s *Store) DeleteOrphanEmails(ctx context.Context, accountID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM emails WHERE account_id = ?1 AND NOT EXISTS (
			SELECT 1 FROM mailbox_emails me
			WHERE me.account_id = ?1 AND me.email_id = emails.id)
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan emails: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notifyChanges("emails")
	}
	return n, nil
}

func scanEmail(row rowScanner, accountID int64) (*Email, error) {
	var (
		email      Email
		data       sql.NullString
		details    sql.NullString
		receivedAt sql.NullTime
		subject    sql.NullString
	)
	if err := row.Scan(&email.ID, &data, &details, &email.ThreadID, &receivedAt, &subject); err != nil {
		return nil, err
	}
	email.AccountID = accountID
	email.ReceivedAt = receivedAt.Time
	email.Subject = subject.String

	if data.Valid {
		var envelope jmap.Email
		if err := json.Unmarshal([]byte(data.String), &envelope); err != nil {
			return nil, fmt.Errorf("failed to deserialize email envelope: %w", err)
		}
		email.Envelope = &envelope
	}
	if details.Valid {
		var deep jmap.Email
		if err := json.Unmarshal([]byte(details.String), &deep); err != nil {
			return nil, fmt.Errorf("failed to deserialize email details: %w", err)
		}
		email.Details = &deep
	}
	return &email, nil
}
