package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/simophin/mymail/common/syncutil"
	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

// emailGetChunkSize bounds the ids per Email/get request.
const emailGetChunkSize = 200

// mailboxSyncer lazily syncs the emails of one mailbox. It does no work
// until at least one watcher subscription is live; push notifications that
// arrive with no watchers are ignored.
type mailboxSyncer struct {
	st        *store.Store
	accountID int64
	mailboxID string
	api       API
	log       *slog.Logger

	state    *syncutil.Value[EmailQueryState]
	watchers chan WatchRequest
}

func newMailboxSyncer(st *store.Store, accountID int64, mailboxID string, api API) *mailboxSyncer {
	return &mailboxSyncer{
		st:        st,
		accountID: accountID,
		mailboxID: mailboxID,
		api:       api,
		log:       slog.With("component", "mailbox-sync", "account", accountID, "mailbox", mailboxID),
		state:     syncutil.NewValue(StateNotStarted),
		watchers:  make(chan WatchRequest, 10),
	}
}

// run is the syncer's outer loop: wake on a watcher arrival or a relevant
// push, sync once, publish the outcome, repeat. Terminates when the
// watcher-requests channel closes or ctx is cancelled.
func (m *mailboxSyncer) run(ctx context.Context) error {
	pushSub := m.api.SubscribePushes()
	defer pushSub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req, ok := <-m.watchers:
			if !ok {
				m.log.Debug("watcher channel closed, stopping")
				return nil
			}
			req.Reply <- m.state.Subscribe()
			close(req.Reply)
			m.log.Info("watcher attached")

		case sc := <-pushSub.Items():
			if !sc.Has(jmap.DataTypeEmail) {
				continue
			}
			if m.state.SubscriberCount() == 0 {
				m.log.Debug("emails changed but no watchers, not syncing")
				continue
			}
		}

		m.state.Set(StateInProgress)

		if err := m.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error("sync failed", "err", err)
			m.state.Set(StateError(err))
			continue
		}

		m.state.Set(StateUpToDate)
	}
}

// syncOnce brings this mailbox's emails up to the server state and
// advances the cursor. The cursor is persisted only after every upsert and
// delete of the batch has committed.
func (m *mailboxSyncer) syncOnce(ctx context.Context) error {
	cursor, err := m.st.EmailSyncState(ctx, m.accountID, m.mailboxID)
	if err != nil {
		return fmt.Errorf("reading email cursor: %w", err)
	}

	var (
		updated  []string
		deleted  []string
		newState string
	)

	if cursor == "" {
		resp, err := m.api.QueryEmails(ctx, jmap.EmailQuery{
			MailboxID: m.mailboxID,
			Sorts:     jmap.SortReceivedAtDesc(),
		})
		if err != nil {
			return fmt.Errorf("querying emails: %w", err)
		}
		updated = resp.IDs
		newState = resp.QueryState
	} else {
		since := cursor
		for {
			resp, err := m.api.EmailChanges(ctx, since)
			if err != nil {
				return fmt.Errorf("fetching email changes: %w", err)
			}
			updated = append(append(updated, resp.Created...), resp.Updated...)
			deleted = append(deleted, resp.Destroyed...)
			newState = resp.NewState
			if !resp.HasMoreChanges {
				break
			}
			since = resp.NewState
		}
	}

	// Only fetch envelopes the store does not hold yet.
	missing, err := m.st.FindMissingEmailIDs(ctx, m.accountID, updated)
	if err != nil {
		return fmt.Errorf("probing existing emails: %w", err)
	}

	for start := 0; start < len(missing); start += emailGetChunkSize {
		end := min(start+emailGetChunkSize, len(missing))
		resp, err := m.api.GetEmails(ctx, missing[start:end], nil)
		if err != nil {
			return fmt.Errorf("getting emails: %w", err)
		}
		m.log.Debug("storing emails", "count", len(resp.List))
		if err := m.st.UpsertEmails(ctx, m.accountID, resp.List); err != nil {
			return fmt.Errorf("storing emails: %w", err)
		}
	}

	if len(deleted) > 0 {
		m.log.Debug("deleting emails", "count", len(deleted))
		if err := m.st.DeleteEmails(ctx, m.accountID, deleted); err != nil {
			return fmt.Errorf("deleting emails: %w", err)
		}
	}

	if err := m.st.SetEmailSyncState(ctx, m.accountID, m.mailboxID, newState); err != nil {
		return fmt.Errorf("persisting email cursor: %w", err)
	}
	return nil
}
