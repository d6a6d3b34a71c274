package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Blob is a cached binary attachment or inline asset.
type Blob struct {
	AccountID int64
	ID        string
	Name      string
	MimeType  string
	Data      []byte
}

// GetBlob retrieves a cached blob and touches its last_accessed timestamp.
func (s *Store) GetBlob(ctx context.Context, accountID int64, blobID string) (*Blob, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE blobs SET last_accessed = CURRENT_TIMESTAMP
		WHERE account_id = ? AND id = ?
		RETURNING name, mime_type, data
	`, accountID, blobID)

	var (
		blob     Blob
		name     sql.NullString
		mimeType sql.NullString
	)
	err := row.Scan(&name, &mimeType, &blob.Data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, blobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}

	blob.AccountID = accountID
	blob.ID = blobID
	blob.Name = name.String
	blob.MimeType = mimeType.String
	return &blob, nil
}

// TouchBlob refreshes a blob's last_accessed timestamp without reading its
// bytes. Serving a blob from a memory cache still counts as a read for
// eviction purposes.
func (s *Store) TouchBlob(ctx context.Context, accountID int64, blobID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE blobs SET last_accessed = CURRENT_TIMESTAMP WHERE account_id = ? AND id = ?",
		accountID, blobID)
	if err != nil {
		return fmt.Errorf("failed to touch blob: %w", err)
	}
	return nil
}

// SaveBlob caches downloaded blob bytes. Re-saving an existing blob only
// refreshes last_accessed.
func (s *Store) SaveBlob(ctx context.Context, blob *Blob) error {
	var name, mimeType any
	if blob.Name != "" {
		name = blob.Name
	}
	if blob.MimeType != "" {
		mimeType = blob.MimeType
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (account_id, id, name, mime_type, data, last_accessed)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (account_id, id) DO UPDATE SET last_accessed = CURRENT_TIMESTAMP
	`, blob.AccountID, blob.ID, name, mimeType, blob.Data)
	if err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}
	return nil
}
