package engine

import (
	"context"
	"fmt"

	"github.com/simophin/mymail/common/syncutil"
	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
	"github.com/simophin/mymail/internal/mymail/sync"
)

// WatchMailbox subscribes the caller to the per-mailbox syncer. The
// returned subscription starts at the syncer's current state; the caller
// must Close it when done, which is also what deactivates the syncer once
// the last watcher is gone.
func (e *Engine) WatchMailbox(ctx context.Context, accountID int64, mailboxID string) (*syncutil.Subscription[sync.EmailQueryState], error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return nil, err
	}

	req := sync.NewWatchRequest(mailboxID)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case handle.watchRequests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sub, ok := <-req.Reply:
		if !ok {
			return nil, fmt.Errorf("%w: mailbox %s", jmap.ErrNotFound, mailboxID)
		}
		return sub, nil
	}
}

// WatchEmails continuously syncs a client-defined query, publishing
// EmailQueryState transitions on state. It blocks until ctx ends or the
// account is torn down; transports run it in its own task.
func (e *Engine) WatchEmails(ctx context.Context, accountID int64,
	query *syncutil.Value[jmap.EmailQuery], state *syncutil.Value[sync.EmailQueryState]) error {

	handle, err := e.handle(accountID)
	if err != nil {
		return err
	}

	// Bound the watcher by both the caller and the account lifetime.
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-handle.done:
			cancel()
		case <-watchCtx.Done():
		}
	}()

	return sync.RunWatchEmails(watchCtx, e.st, accountID, handle.client, query, state)
}

// FetchEmailDetails returns the email with its body payload, fetching and
// persisting the deep part details when the store does not hold them yet.
func (e *Engine) FetchEmailDetails(ctx context.Context, accountID int64, emailID string) (*store.Email, error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return nil, err
	}

	email, err := e.st.GetEmail(ctx, accountID, emailID)
	if err == nil && email.Details != nil {
		return email, nil
	}

	return handle.details.Fetch(ctx, emailID)
}

// ListMailboxes returns the store's mailbox snapshot.
func (e *Engine) ListMailboxes(ctx context.Context, accountID int64) ([]store.Mailbox, error) {
	return e.st.ListMailboxes(ctx, accountID)
}

// Threads returns the mailbox's threads, newest first.
func (e *Engine) Threads(ctx context.Context, accountID int64, mailboxID string, offset, limit int) ([]store.Thread, error) {
	return e.st.Threads(ctx, accountID, mailboxID, offset, limit)
}

// CreateDraft stores a new draft locally and mirrors it remotely in the
// background.
func (e *Engine) CreateDraft(ctx context.Context, accountID int64, data *jmap.Draft) (*store.Draft, error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return nil, err
	}
	return handle.drafts.Create(ctx, data)
}

// UpdateDraft replaces a draft's payload and reconciles the mirror in the
// background.
func (e *Engine) UpdateDraft(ctx context.Context, accountID int64, draftID string, data *jmap.Draft) (*store.Draft, error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return nil, err
	}
	return handle.drafts.Update(ctx, draftID, data)
}

// DeleteDraft removes a draft locally and best-effort destroys the mirror.
func (e *Engine) DeleteDraft(ctx context.Context, accountID int64, draftID string) error {
	handle, err := e.handle(accountID)
	if err != nil {
		return err
	}
	return handle.drafts.Delete(ctx, draftID)
}

// SendDraft submits a draft and returns the id of the sent email.
func (e *Engine) SendDraft(ctx context.Context, accountID int64, draftID, sentMailboxID string) (string, error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return "", err
	}
	return handle.drafts.Send(ctx, draftID, sentMailboxID)
}

// ListDrafts returns the account's drafts.
func (e *Engine) ListDrafts(ctx context.Context, accountID int64) ([]store.Draft, error) {
	return e.st.ListDrafts(ctx, accountID)
}

// GetBlob resolves blob bytes: cache, store, then remote download.
func (e *Engine) GetBlob(ctx context.Context, accountID int64, blobID, name, mimeType string) (*store.Blob, error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return nil, err
	}
	return handle.blobs.Get(ctx, blobID, name, mimeType)
}

// UploadBlob pushes attachment bytes to the server.
func (e *Engine) UploadBlob(ctx context.Context, accountID int64, data []byte, contentType string) (string, error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return "", err
	}
	return handle.blobs.Upload(ctx, data, contentType)
}

// Identities lists the account's sending identities from the server.
func (e *Engine) Identities(ctx context.Context, accountID int64) ([]jmap.Identity, error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return nil, err
	}
	return handle.client.GetIdentities(ctx)
}

// ClientState returns the account's connection state observable.
func (e *Engine) ClientState(accountID int64) (*syncutil.Value[jmap.ClientState], error) {
	handle, err := e.handle(accountID)
	if err != nil {
		return nil, err
	}
	return handle.client.State(), nil
}
