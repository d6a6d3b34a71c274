package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/simophin/mymail/common/syncutil"
	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

// RunWatchEmails continuously syncs a client-defined email query. The
// caller owns both channels: query carries the (hot-swappable) query
// description, state receives EmailQueryState transitions. A query swap
// restarts the sync from scratch; a server push for emails triggers an
// incremental pass from the last seen state. Returns when ctx ends.
func RunWatchEmails(ctx context.Context, st *store.Store, accountID int64, api API,
	query *syncutil.Value[jmap.EmailQuery], state *syncutil.Value[EmailQueryState]) error {

	log := slog.With("component", "watch-emails", "account", accountID)

	pushSub := api.SubscribePushes()
	defer pushSub.Close()

	querySub := query.Subscribe()
	defer querySub.Close()

	// Drain the initial query; the first pass always runs.
	select {
	case <-querySub.Changes():
	case <-ctx.Done():
		return ctx.Err()
	}

	var lastState string

	for {
		state.Set(StateInProgress)

		newState, err := watchEmailsPass(ctx, st, accountID, api, query.Get(), lastState)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("query sync failed", "err", err)
			state.Set(StateError(err))
		} else {
			lastState = newState
			state.Set(StateUpToDate)
		}

		// Park until emails change on the server or the query is swapped.
	waiting:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case sc := <-pushSub.Items():
				if sc.Has(jmap.DataTypeEmail) {
					log.Debug("emails changed, restarting sync")
					break waiting
				}

			case <-querySub.Changes():
				log.Debug("query changed, restarting sync from scratch")
				lastState = ""
				break waiting
			}
		}
	}
}

// watchEmailsPass performs one sync pass: a full query when no prior state
// exists, otherwise the change delta since it. Returns the new state
// token.
func watchEmailsPass(ctx context.Context, st *store.Store, accountID int64, api API,
	query jmap.EmailQuery, lastState string) (string, error) {

	var (
		updated   []string
		destroyed []string
		newState  string
	)

	if lastState == "" {
		if len(query.Sorts) == 0 {
			query.Sorts = jmap.SortReceivedAtDesc()
		}
		resp, err := api.QueryEmails(ctx, query)
		if err != nil {
			return "", fmt.Errorf("querying emails: %w", err)
		}
		updated = resp.IDs
		newState = resp.QueryState
	} else {
		resp, err := api.EmailChanges(ctx, lastState)
		if err != nil {
			return "", fmt.Errorf("fetching email changes: %w", err)
		}
		updated = append(append(updated, resp.Created...), resp.Updated...)
		destroyed = resp.Destroyed
		newState = resp.NewState
	}

	missing, err := st.FindMissingEmailIDs(ctx, accountID, updated)
	if err != nil {
		return "", fmt.Errorf("probing existing emails: %w", err)
	}

	for start := 0; start < len(missing); start += emailGetChunkSize {
		end := min(start+emailGetChunkSize, len(missing))
		resp, err := api.GetEmails(ctx, missing[start:end], nil)
		if err != nil {
			return "", fmt.Errorf("getting emails: %w", err)
		}
		if err := st.UpsertEmails(ctx, accountID, resp.List); err != nil {
			return "", fmt.Errorf("storing emails: %w", err)
		}
	}

	if len(destroyed) > 0 {
		if err := st.DeleteEmails(ctx, accountID, destroyed); err != nil {
			return "", fmt.Errorf("deleting emails: %w", err)
		}
	}

	return newState, nil
}
