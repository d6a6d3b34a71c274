package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/simophin/mymail/common/syncutil"
	"github.com/simophin/mymail/internal/mymail/store"
)

// WatchRequest asks for a subscription to one mailbox's sync state. Reply
// receives exactly one subscription and is then closed; if the mailbox is
// not known locally the channel is closed without a value and the caller
// observes cancellation.
type WatchRequest struct {
	MailboxID string
	Reply     chan *syncutil.Subscription[EmailQueryState]
}

// NewWatchRequest builds a request with the reply channel the router
// expects.
func NewWatchRequest(mailboxID string) WatchRequest {
	return WatchRequest{
		MailboxID: mailboxID,
		Reply:     make(chan *syncutil.Subscription[EmailQueryState], 1),
	}
}

// mailboxWorker tracks one live per-mailbox syncer.
type mailboxWorker struct {
	watchers chan WatchRequest
	cancel   context.CancelFunc
	done     chan struct{}
}

func (w *mailboxWorker) stop() {
	close(w.watchers)
	w.cancel()
	<-w.done
}

// RunMailboxes is the per-mailbox lifecycle layer and watcher router: it
// observes mailbox rows in the store, keeps exactly one syncer per known
// mailbox alive, and routes watch requests to the matching syncer.
func RunMailboxes(ctx context.Context, st *store.Store, accountID int64, api API, watchRequests <-chan WatchRequest) error {
	log := slog.With("component", "mailboxes", "account", accountID)

	changes, err := st.SubscribeChanges(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to store changes: %w", err)
	}

	workers := make(map[string]*mailboxWorker)
	defer func() {
		for _, w := range workers {
			w.stop()
		}
	}()

	for {
		ids, err := st.MailboxIDs(ctx, accountID)
		if err != nil {
			return fmt.Errorf("listing mailboxes: %w", err)
		}
		known := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			known[id] = struct{}{}
		}

		// Stop workers whose mailbox disappeared.
		for id, w := range workers {
			if _, ok := known[id]; !ok {
				log.Info("mailbox gone, stopping syncer", "mailbox", id)
				w.stop()
				delete(workers, id)
			}
		}

		// Start workers for new mailboxes.
		for id := range known {
			if _, running := workers[id]; running {
				continue
			}
			syncer := newMailboxSyncer(st, accountID, id, api)
			workerCtx, cancel := context.WithCancel(ctx)
			w := &mailboxWorker{
				watchers: syncer.watchers,
				cancel:   cancel,
				done:     make(chan struct{}),
			}
			go func() {
				defer close(w.done)
				if err := syncer.run(workerCtx); err != nil && workerCtx.Err() == nil {
					log.Error("mailbox syncer exited", "mailbox", syncer.mailboxID, "err", err)
				}
			}()
			workers[id] = w
			log.Debug("started mailbox syncer", "mailbox", id)
		}

		// Route watch requests until the mailbox set changes again.
	routing:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case req, ok := <-watchRequests:
				if !ok {
					return nil
				}
				worker, exists := workers[req.MailboxID]
				if !exists {
					log.Debug("watch request for unknown mailbox", "mailbox", req.MailboxID)
					close(req.Reply)
					continue
				}
				select {
				case worker.watchers <- req:
				default:
					log.Debug("mailbox watcher queue full, dropping request", "mailbox", req.MailboxID)
					close(req.Reply)
				}

			case change, ok := <-changes:
				if !ok {
					return fmt.Errorf("store change subscription closed")
				}
				if change.Has("mailboxes") {
					log.Debug("mailbox set changed, reconciling syncers")
					break routing
				}
			}
		}
	}
}
