// Package engine wires the per-account machinery together and exposes the
// command surface clients talk to. The transport mapping (HTTP, WebSocket,
// CLI) is the caller's concern; the engine speaks in store records and
// observable state channels.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/simophin/mymail/common/backoff"
	"github.com/simophin/mymail/common/syncutil"
	"github.com/simophin/mymail/internal/mymail/blob"
	"github.com/simophin/mymail/internal/mymail/draft"
	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
	"github.com/simophin/mymail/internal/mymail/sync"
)

// Client is everything the engine needs from a JMAP client. Production
// wires *jmap.Client; tests substitute fakes.
type Client interface {
	Run(ctx context.Context) error
	State() *syncutil.Value[jmap.ClientState]
	GetIdentities(ctx context.Context) ([]jmap.Identity, error)
	sync.API
	draft.API
	blob.API
}

// Options configures an Engine.
type Options struct {
	Store *store.Store

	// Online is the shared network availability observable handed to
	// every account connection.
	Online *syncutil.Value[bool]

	// NewClient builds the JMAP client for one account. Defaults to
	// jmap.NewClient; tests override it.
	NewClient func(account store.Account) Client

	// RestartDelay is the pause before a failed per-account loop is
	// restarted. Defaults to 10 seconds, matching the reconnect floor.
	RestartDelay time.Duration
}

// accountHandle owns one account's machinery. Everything below it is torn
// down by cancelling its context.
type accountHandle struct {
	account store.Account
	client  Client
	cancel  context.CancelFunc
	done    chan struct{}

	watchRequests chan sync.WatchRequest
	drafts        *draft.Pipeline
	details       *sync.DetailFetcher
	blobs         *blob.Fetcher
}

// Engine is the account supervisor plus command router.
type Engine struct {
	st           *store.Store
	newClient    func(account store.Account) Client
	restartDelay time.Duration
	log          *slog.Logger

	// mu guards the registry map only; it is never held across blocking
	// calls.
	mu       stdsync.Mutex
	accounts map[int64]*accountHandle
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 10 * time.Second
	}
	newClient := opts.NewClient
	if newClient == nil {
		newClient = func(account store.Account) Client {
			return jmap.NewClient(jmap.Options{
				ServerURL:   account.URL,
				Credentials: account.Credentials,
				Online:      opts.Online,
			})
		}
	}
	return &Engine{
		st:           opts.Store,
		newClient:    newClient,
		restartDelay: opts.RestartDelay,
		log:          slog.With("component", "engine"),
		accounts:     make(map[int64]*accountHandle),
	}
}

// Run supervises the accounts table: it starts machinery for every present
// account, tears it down when the account disappears or its configuration
// changes, and reacts to "accounts" change events. Blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stopAll()

	changes, err := e.st.SubscribeChanges(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to store changes: %w", err)
	}

	for {
		if err := e.reconcile(ctx); err != nil {
			return err
		}

	waiting:
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case change, ok := <-changes:
				if !ok {
					return fmt.Errorf("store change subscription closed")
				}
				if change.Has("accounts") {
					break waiting
				}
			}
		}
	}
}

// reconcile diffs the accounts table against the running handles.
func (e *Engine) reconcile(ctx context.Context) error {
	accounts, err := e.st.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	present := make(map[int64]store.Account, len(accounts))
	for _, account := range accounts {
		present[account.ID] = account
	}

	// Collect handles to stop outside the lock.
	var stop []*accountHandle
	e.mu.Lock()
	for id, handle := range e.accounts {
		account, ok := present[id]
		if ok && handle.account.Equal(account) {
			continue
		}
		stop = append(stop, handle)
		delete(e.accounts, id)
	}
	e.mu.Unlock()

	for _, handle := range stop {
		e.log.Info("stopping account", "account", handle.account.ID)
		handle.cancel()
		<-handle.done
	}

	for id, account := range present {
		e.mu.Lock()
		_, running := e.accounts[id]
		e.mu.Unlock()
		if running {
			continue
		}
		e.log.Info("starting account", "account", id, "name", account.Name)
		handle := e.startAccount(ctx, account)
		e.mu.Lock()
		e.accounts[id] = handle
		e.mu.Unlock()
	}

	return nil
}

// startAccount spins up the connection supervisor, the mailbox-list
// syncer and the mailbox lifecycle layer for one account.
func (e *Engine) startAccount(ctx context.Context, account store.Account) *accountHandle {
	accountCtx, cancel := context.WithCancel(ctx)
	client := e.newClient(account)

	handle := &accountHandle{
		account:       account,
		client:        client,
		cancel:        cancel,
		done:          make(chan struct{}),
		watchRequests: make(chan sync.WatchRequest, 16),
		drafts:        draft.NewPipeline(accountCtx, e.st, account.ID, client),
		details:       sync.NewDetailFetcher(e.st, account.ID, client),
		blobs:         blob.NewFetcher(e.st, account.ID, client),
	}

	go func() {
		defer close(handle.done)

		g, gctx := errgroup.WithContext(accountCtx)
		g.Go(func() error {
			return client.Run(gctx)
		})
		g.Go(func() error {
			return e.restarting(gctx, "mailbox-list", func(ctx context.Context) error {
				return sync.RunMailboxList(ctx, e.st, account.ID, client)
			})
		})
		g.Go(func() error {
			return e.restarting(gctx, "mailboxes", func(ctx context.Context) error {
				return sync.RunMailboxes(ctx, e.st, account.ID, client, handle.watchRequests)
			})
		})

		if err := g.Wait(); err != nil && accountCtx.Err() == nil {
			e.log.Error("account machinery exited", "account", account.ID, "err", err)
		}

		handle.drafts.Wait()
	}()

	return handle
}

// restarting runs fn in a loop: errors are transient signals, not task
// termination. Each failure waits out the restart delay before the next
// attempt.
func (e *Engine) restarting(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			e.log.Warn("task failed, restarting", "task", name, "delay", e.restartDelay, "err", err)
		}
		if err := backoff.SleepUntil(ctx, time.Now().Add(e.restartDelay)); err != nil {
			return err
		}
	}
}

// stopAll tears down every account handle.
func (e *Engine) stopAll() {
	e.mu.Lock()
	handles := make([]*accountHandle, 0, len(e.accounts))
	for _, handle := range e.accounts {
		handles = append(handles, handle)
	}
	e.accounts = make(map[int64]*accountHandle)
	e.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
		<-handle.done
	}
}

// handle looks up a running account.
func (e *Engine) handle(accountID int64) (*accountHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle, ok := e.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %d", jmap.ErrNotFound, accountID)
	}
	return handle, nil
}
