package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/simophin/mymail/internal/mymail/jmap"
)

// Mailbox is the locally persisted view of a server mailbox plus its
// per-mailbox email sync cursor.
type Mailbox struct {
	AccountID      int64
	ID             string
	Data           jmap.Mailbox
	EmailSyncState string
}

// UpdateMailboxes applies one mailbox-list sync batch in a single
// transaction: upsert the updated mailboxes, delete the destroyed ones and
// advance the account's mailbox-list cursor. Emits a "mailboxes" change
// event only when rows actually changed.
func (s *Store) UpdateMailboxes(ctx context.Context, accountID int64, newState string, updated []jmap.Mailbox, destroyed []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mailbox update: %w", err)
	}
	defer tx.Rollback()

	var changed int64

	for _, mbox := range updated {
		data, err := json.Marshal(mbox)
		if err != nil {
			return fmt.Errorf("failed to serialize mailbox %s: %w", mbox.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO mailboxes (account_id, id, jmap_data)
			VALUES (?, ?, ?)
			ON CONFLICT (account_id, id) DO UPDATE SET jmap_data = excluded.jmap_data
		`, accountID, mbox.ID, string(data))
		if err != nil {
			return fmt.Errorf("failed to upsert mailbox %s: %w", mbox.ID, err)
		}
		n, _ := res.RowsAffected()
		changed += n
	}

	for _, id := range destroyed {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM mailboxes WHERE account_id = ? AND id = ?", accountID, id)
		if err != nil {
			return fmt.Errorf("failed to delete mailbox %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		changed += n
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET mailboxes_sync_state = ? WHERE id = ?", newState, accountID); err != nil {
		return fmt.Errorf("failed to update mailboxes sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mailbox update: %w", err)
	}

	if changed > 0 {
		s.notifyChanges("mailboxes")
	}
	return nil
}

// ListMailboxes returns all mailboxes of an account.
func (s *Store) ListMailboxes(ctx context.Context, accountID int64) ([]Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, jmap_data, email_sync_state
		FROM mailboxes WHERE account_id = ? ORDER BY id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []Mailbox
	for rows.Next() {
		var (
			mbox  Mailbox
			data  string
			state sql.NullString
		)
		if err := rows.Scan(&mbox.ID, &data, &state); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &mbox.Data); err != nil {
			return nil, fmt.Errorf("failed to deserialize mailbox %s: %w", mbox.ID, err)
		}
		mbox.AccountID = accountID
		mbox.EmailSyncState = state.String
		mailboxes = append(mailboxes, mbox)
	}
	return mailboxes, rows.Err()
}

// MailboxIDs returns the ids of all mailboxes of an account.
func (s *Store) MailboxIDs(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM mailboxes WHERE account_id = ?", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailbox ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EmailSyncState reads a mailbox's email sync cursor. Empty string means
// the mailbox has never synced emails.
func (s *Store) EmailSyncState(ctx context.Context, accountID int64, mailboxID string) (string, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT email_sync_state FROM mailboxes WHERE account_id = ? AND id = ?",
		accountID, mailboxID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: mailbox %s", ErrNotFound, mailboxID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get email sync state: %w", err)
	}
	return state.String, nil
}

// SetEmailSyncState persists a mailbox's email sync cursor. Callers only
// advance it after the batch's upserts and deletes have committed.
func (s *Store) SetEmailSyncState(ctx context.Context, accountID int64, mailboxID, state string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE mailboxes SET email_sync_state = ? WHERE account_id = ? AND id = ?",
		state, accountID, mailboxID)
	if err != nil {
		return fmt.Errorf("failed to set email sync state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: mailbox %s", ErrNotFound, mailboxID)
	}
	return nil
}
