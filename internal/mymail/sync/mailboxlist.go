package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

// RunMailboxList keeps the account's mailbox set current. Each pass syncs
// from the persisted cursor, then sleeps until a push notification carries
// a Mailbox state change. Errors bubble to the account task, which
// restarts the loop after the reconnection delay; no partial batch is ever
// committed.
func RunMailboxList(ctx context.Context, st *store.Store, accountID int64, api API) error {
	log := slog.With("component", "mailbox-list", "account", accountID)

	pushSub := api.SubscribePushes()
	defer pushSub.Close()

	for {
		if err := syncMailboxListOnce(ctx, st, accountID, api, log); err != nil {
			return err
		}

		// Park until the server announces a mailbox change.
	waitPush:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sc := <-pushSub.Items():
				if sc.Has(jmap.DataTypeMailbox) {
					log.Debug("mailboxes changed on server, restarting sync")
					break waitPush
				}
			}
		}
	}
}

// syncMailboxListOnce performs one cursor-driven mailbox sync pass.
func syncMailboxListOnce(ctx context.Context, st *store.Store, accountID int64, api API, log *slog.Logger) error {
	cursor, err := st.MailboxesSyncState(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reading mailbox cursor: %w", err)
	}

	var (
		updatedIDs []string
		destroyed  []string
		newState   string
	)

	if cursor == "" {
		// Never synced: the query result is the complete mailbox set.
		resp, err := api.QueryMailboxes(ctx)
		if err != nil {
			return fmt.Errorf("querying mailboxes: %w", err)
		}
		updatedIDs = resp.IDs
		newState = resp.QueryState
	} else {
		resp, err := api.MailboxChanges(ctx, cursor)
		if err != nil {
			return fmt.Errorf("fetching mailbox changes: %w", err)
		}
		updatedIDs = append(append(updatedIDs, resp.Created...), resp.Updated...)
		destroyed = resp.Destroyed
		newState = resp.NewState
	}

	var updated []jmap.Mailbox
	if len(updatedIDs) > 0 {
		resp, err := api.GetMailboxes(ctx, updatedIDs)
		if err != nil {
			return fmt.Errorf("getting mailboxes: %w", err)
		}
		updated = resp.List
	}

	log.Debug("applying mailbox batch", "updated", len(updated), "destroyed", len(destroyed), "cursor", newState)

	if err := st.UpdateMailboxes(ctx, accountID, newState, updated, destroyed); err != nil {
		return fmt.Errorf("persisting mailbox batch: %w", err)
	}
	return nil
}
