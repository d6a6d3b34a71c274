package store

import (
	"context"
	"fmt"
)

// Thread is a group of emails sharing a thread id, newest email first. The
// emails are all of the account's emails with that id, whichever mailbox
// they are in.
type Thread struct {
	ID     string
	Emails []Email
}

// Threads returns the threads of a mailbox ordered by their newest email,
// paginated by offset/limit over threads (not emails).
func (s *Store) Threads(ctx context.Context, accountID int64, mailboxID string, offset, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH threads AS (
			SELECT e.thread_id AS thread_id, MAX(e.received_at) AS last_received_at
			FROM mailbox_emails me
			JOIN emails e ON e.account_id = me.account_id AND e.id = me.email_id
			WHERE me.account_id = ?1 AND me.mailbox_id = ?2
			GROUP BY e.thread_id
			ORDER BY last_received_at DESC, thread_id
			LIMIT ?3 OFFSET ?4
		)
		SELECT e.id, e.jmap_data, e.part_details, e.thread_id, e.received_at, e.subject
		FROM threads t
		JOIN emails e ON e.account_id = ?1 AND e.thread_id = t.thread_id
		ORDER BY t.last_received_at DESC, t.thread_id, e.received_at DESC, e.id
	`, accountID, mailboxID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		email, err := scanEmail(rows, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread email: %w", err)
		}
		if len(threads) == 0 || threads[len(threads)-1].ID != email.ThreadID {
			threads = append(threads, Thread{ID: email.ThreadID})
		}
		last := &threads[len(threads)-1]
		last.Emails = append(last.Emails, *email)
	}
	return threads, rows.Err()
}
