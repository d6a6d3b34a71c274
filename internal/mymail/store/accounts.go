package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/simophin/mymail/internal/mymail/jmap"
)

// Account is a configured remote mail account. Credentials are stored as
// JSON; MailboxesSyncState is the opaque cursor of the last durable mailbox
// snapshot.
type Account struct {
	ID                 int64
	URL                string
	Credentials        jmap.Credentials
	Name               string
	MailboxesSyncState string
}

// Equal reports whether two accounts share the same connection-relevant
// configuration. The sync cursor is deliberately ignored: advancing it must
// not restart the account's machinery.
func (a Account) Equal(other Account) bool {
	return a.ID == other.ID &&
		a.URL == other.URL &&
		a.Credentials == other.Credentials &&
		a.Name == other.Name
}

// AddAccount inserts a new account and returns its id.
func (s *Store) AddAccount(ctx context.Context, account *Account) (int64, error) {
	creds, err := json.Marshal(account.Credentials)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize credentials: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (url, credentials, name) VALUES (?, ?, ?)
	`, account.URL, string(creds), account.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert account: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted account id: %w", err)
	}
	account.ID = id

	s.notifyChanges("accounts")
	return id, nil
}

// GetAccount retrieves one account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, credentials, name, mailboxes_sync_state
		FROM accounts WHERE id = ?
	`, id)

	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns all accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, credentials, name, mailboxes_sync_state
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes an account; mailboxes, emails, drafts and blobs
// cascade away with it.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notifyChanges("accounts", "mailboxes", "emails", "mailbox_emails", "drafts")
	}
	return nil
}

// MailboxesSyncState reads the account's mailbox-list cursor. An account
// that has never synced returns the empty string.
func (s *Store) MailboxesSyncState(ctx context.Context, accountID int64) (string, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT mailboxes_sync_state FROM accounts WHERE id = ?", accountID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get mailboxes sync state: %w", err)
	}
	return state.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		account Account
		creds   string
		state   sql.NullString
	)
	if err := row.Scan(&account.ID, &account.URL, &creds, &account.Name, &state); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(creds), &account.Credentials); err != nil {
		return nil, fmt.Errorf("failed to deserialize credentials: %w", err)
	}
	account.MailboxesSyncState = state.String
	return &account, nil
}
