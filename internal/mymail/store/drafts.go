package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simophin/mymail/internal/mymail/jmap"
)

// Draft is the locally authoritative draft record. RemoteEmailID tracks the
// server-side mirror copy; empty means the mirror does not exist (never
// created, or cleared after a failed update).
type Draft struct {
	ID            string
	AccountID     int64
	RemoteEmailID string
	Data          jmap.Draft
	UpdatedAt     int64
}

// Synced reports whether the draft currently has a remote mirror.
func (d *Draft) Synced() bool { return d.RemoteEmailID != "" }

// CreateDraft inserts a new draft with a generated id and no remote mirror
// yet, and returns the full record.
func (s *Store) CreateDraft(ctx context.Context, accountID int64, data *jmap.Draft) (*Draft, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize draft: %w", err)
	}

	draft := &Draft{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Data:      *data,
		UpdatedAt: time.Now().Unix(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, account_id, data, updated_at) VALUES (?, ?, ?, ?)
	`, draft.ID, accountID, string(payload), draft.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert draft: %w", err)
	}

	s.notifyChanges("drafts")
	return draft, nil
}

// UpdateDraftData replaces the draft payload and bumps updated_at.
func (s *Store) UpdateDraftData(ctx context.Context, accountID int64, id string, data *jmap.Draft) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize draft: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE drafts SET data = ?, updated_at = unixepoch()
		WHERE id = ? AND account_id = ?
	`, string(payload), id, accountID)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}

	s.notifyChanges("drafts")
	return nil
}

// SetDraftRemoteID records the id of a freshly created remote mirror.
func (s *Store) SetDraftRemoteID(ctx context.Context, accountID int64, id, remoteEmailID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE drafts SET jmap_email_id = ? WHERE id = ? AND account_id = ?",
		remoteEmailID, id, accountID)
	if err != nil {
		return fmt.Errorf("failed to set draft remote id: %w", err)
	}
	s.notifyChanges("drafts")
	return nil
}

// ClearDraftRemoteID forgets the remote mirror, so the next save recreates
// it from scratch.
func (s *Store) ClearDraftRemoteID(ctx context.Context, accountID int64, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE drafts SET jmap_email_id = NULL WHERE id = ? AND account_id = ?",
		id, accountID)
	if err != nil {
		return fmt.Errorf("failed to clear draft remote id: %w", err)
	}
	s.notifyChanges("drafts")
	return nil
}

// GetDraft retrieves one draft.
func (s *Store) GetDraft(ctx context.Context, accountID int64, id string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, jmap_email_id, data, updated_at
		FROM drafts WHERE id = ? AND account_id = ?
	`, id, accountID)

	draft, err := scanDraft(row, accountID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return draft, nil
}

// ListDrafts returns all drafts of an account, most recently updated first.
func (s *Store) ListDrafts(ctx context.Context, accountID int64) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, jmap_email_id, data, updated_at
		FROM drafts WHERE account_id = ?
		ORDER BY updated_at DESC, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		draft, err := scanDraft(rows, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		drafts = append(drafts, *draft)
	}
	return drafts, rows.Err()
}

// DeleteDraft removes a draft row.
func (s *Store) DeleteDraft(ctx context.Context, accountID int64, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM drafts WHERE id = ? AND account_id = ?", id, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyChanges("drafts")
	}
	return nil
}

func scanDraft(row rowScanner, accountID int64) (*Draft, error) {
	var (
		draft    Draft
		remoteID sql.NullString
		payload  string
	)
	if err := row.Scan(&draft.ID, &remoteID, &payload, &draft.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &draft.Data); err != nil {
		return nil, fmt.Errorf("failed to deserialize draft data: %w", err)
	}
	draft.AccountID = accountID
	draft.RemoteEmailID = remoteID.String
	return &draft, nil
}
