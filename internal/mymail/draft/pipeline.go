// Package draft implements the local-first draft pipeline. Every operation
// commits to the store before anything touches the network, so the user
// never loses a draft because a remote call failed; the server-side Drafts
// mirror is eventual.
package draft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/simophin/mymail/common/backoff"
	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

// API is the subset of the JMAP client the pipeline drives.
type API interface {
	WaitConnected(ctx context.Context) (*jmap.Session, error)
	CreateDraftMirror(ctx context.Context, d *jmap.Draft) (string, error)
	CreateEmail(ctx context.Context, d *jmap.Draft, mailboxID string) (string, error)
	SubmitEmail(ctx context.Context, emailID, identityID string) error
	DestroyEmail(ctx context.Context, id string) error
}

// Pipeline reconciles locally authoritative drafts with their remote
// mirror for one account.
type Pipeline struct {
	st        *store.Store
	accountID int64
	api       API
	log       *slog.Logger

	// bg bounds the detached mirror tasks to the account's lifetime.
	bg    context.Context
	wg    sync.WaitGroup
	retry backoff.Config
}

// NewPipeline creates a Pipeline. bg is the account context: background
// mirror tasks stop when it ends.
func NewPipeline(bg context.Context, st *store.Store, accountID int64, api API) *Pipeline {
	return &Pipeline{
		st:        st,
		accountID: accountID,
		api:       api,
		log:       slog.With("component", "drafts", "account", accountID),
		bg:        bg,
		retry:     backoff.DefaultConfig,
	}
}

// SetRetryConfig overrides the retry policy for remote mirror calls.
func (p *Pipeline) SetRetryConfig(cfg backoff.Config) {
	p.retry = cfg
}

// Wait blocks until all detached mirror tasks have finished. Used by
// account teardown and tests.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// spawn runs fn detached, bounded by the account context.
func (p *Pipeline) spawn(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.bg)
	}()
}

// remoteAttempt waits for a live session, then runs fn with short retries.
func (p *Pipeline) remoteAttempt(ctx context.Context, fn func() error) error {
	if _, err := p.api.WaitConnected(ctx); err != nil {
		return err
	}
	return backoff.Do(ctx, p.retry, fn)
}

// Create inserts a new local draft and returns it immediately. The remote
// mirror is created in the background; a failure leaves the mirror id
// empty and the next save retries.
func (p *Pipeline) Create(ctx context.Context, data *jmap.Draft) (*store.Draft, error) {
	if !data.HasRecipients() {
		return nil, fmt.Errorf("%w: draft has no recipients", jmap.ErrBadRequest)
	}

	record, err := p.st.CreateDraft(ctx, p.accountID, data)
	if err != nil {
		return nil, err
	}

	draftData := *data
	p.spawn(func(ctx context.Context) {
		p.mirrorCreate(ctx, record.ID, &draftData)
	})

	return record, nil
}

func (p *Pipeline) mirrorCreate(ctx context.Context, draftID string, data *jmap.Draft) {
	var remoteID string
	err := p.remoteAttempt(ctx, func() error {
		var err error
		remoteID, err = p.api.CreateDraftMirror(ctx, data)
		return err
	})
	if err != nil {
		p.log.Warn("draft mirror create failed, will retry on next save", "draft", draftID, "err", err)
		return
	}

	if err := p.st.SetDraftRemoteID(ctx, p.accountID, draftID, remoteID); err != nil {
		p.log.Warn("storing draft mirror id failed", "draft", draftID, "err", err)
		return
	}
	p.log.Debug("draft mirrored", "draft", draftID, "remote", remoteID)
}

// Update persists new draft data and returns the refreshed record. JMAP
// email bodies are immutable, so the background reconcile creates a new
// mirror and then best-effort destroys the superseded one. If the create
// fails the mirror id is cleared so the next save starts from scratch.
func (p *Pipeline) Update(ctx context.Context, draftID string, data *jmap.Draft) (*store.Draft, error) {
	existing, err := p.st.GetDraft(ctx, p.accountID, draftID)
	if err != nil {
		return nil, err
	}
	oldRemote := existing.RemoteEmailID

	if err := p.st.UpdateDraftData(ctx, p.accountID, draftID, data); err != nil {
		return nil, err
	}

	record, err := p.st.GetDraft(ctx, p.accountID, draftID)
	if err != nil {
		return nil, err
	}

	draftData := *data
	p.spawn(func(ctx context.Context) {
		p.mirrorUpdate(ctx, draftID, &draftData, oldRemote)
	})

	return record, nil
}

func (p *Pipeline) mirrorUpdate(ctx context.Context, draftID string, data *jmap.Draft, oldRemote string) {
	var newRemote string
	err := p.remoteAttempt(ctx, func() error {
		var err error
		newRemote, err = p.api.CreateDraftMirror(ctx, data)
		return err
	})
	if err != nil {
		p.log.Warn("draft mirror update failed", "draft", draftID, "err", err)
		// Forget the stale mirror so the next save recreates cleanly.
		// The old copy is deliberately left on the server.
		if oldRemote != "" {
			if err := p.st.ClearDraftRemoteID(ctx, p.accountID, draftID); err != nil {
				p.log.Warn("clearing draft mirror id failed", "draft", draftID, "err", err)
			}
		}
		return
	}

	if err := p.st.SetDraftRemoteID(ctx, p.accountID, draftID, newRemote); err != nil {
		p.log.Warn("storing draft mirror id failed", "draft", draftID, "err", err)
	}

	if oldRemote != "" {
		if err := p.api.DestroyEmail(ctx, oldRemote); err != nil {
			p.log.Warn("destroying superseded draft mirror failed", "draft", draftID, "remote", oldRemote, "err", err)
		}
	}
}

// Delete removes the local draft immediately and best-effort destroys the
// remote mirror in the background.
func (p *Pipeline) Delete(ctx context.Context, draftID string) error {
	existing, err := p.st.GetDraft(ctx, p.accountID, draftID)
	if err != nil {
		return err
	}
	remoteID := existing.RemoteEmailID

	if err := p.st.DeleteDraft(ctx, p.accountID, draftID); err != nil {
		return err
	}

	if remoteID != "" {
		p.spawn(func(ctx context.Context) {
			if err := p.remoteAttempt(ctx, func() error {
				return p.api.DestroyEmail(ctx, remoteID)
			}); err != nil {
				p.log.Warn("destroying draft mirror on delete failed", "remote", remoteID, "err", err)
			}
		})
	}

	return nil
}

// Send submits a draft: a fresh email is created in the Sent mailbox (no
// $draft keyword) and submitted synchronously; the caller sees any server
// rejection as a hard error. On success the local draft row is deleted and
// the stale mirror is destroyed in the background.
func (p *Pipeline) Send(ctx context.Context, draftID, sentMailboxID string) (string, error) {
	draft, err := p.st.GetDraft(ctx, p.accountID, draftID)
	if err != nil {
		return "", err
	}
	if !draft.Data.HasRecipients() {
		return "", fmt.Errorf("%w: draft has no recipients", jmap.ErrBadRequest)
	}
	if draft.Data.IdentityID == "" {
		return "", fmt.Errorf("%w: draft has no sending identity", jmap.ErrBadRequest)
	}
	if sentMailboxID == "" {
		return "", fmt.Errorf("%w: no sent mailbox", jmap.ErrBadRequest)
	}

	oldRemote := draft.RemoteEmailID

	emailID, err := p.api.CreateEmail(ctx, &draft.Data, sentMailboxID)
	if err != nil {
		return "", fmt.Errorf("creating outgoing email: %w", err)
	}

	if err := p.api.SubmitEmail(ctx, emailID, draft.Data.IdentityID); err != nil {
		return "", fmt.Errorf("submitting email: %w", err)
	}

	if err := p.st.DeleteDraft(ctx, p.accountID, draftID); err != nil {
		return "", fmt.Errorf("deleting sent draft: %w", err)
	}

	if oldRemote != "" {
		p.spawn(func(ctx context.Context) {
			if err := p.remoteAttempt(ctx, func() error {
				return p.api.DestroyEmail(ctx, oldRemote)
			}); err != nil {
				p.log.Warn("destroying draft mirror after send failed", "remote", oldRemote, "err", err)
			}
		})
	}

	return emailID, nil
}

// List returns the account's drafts, most recently updated first.
func (p *Pipeline) List(ctx context.Context) ([]store.Draft, error) {
	return p.st.ListDrafts(ctx, p.accountID)
}

// Get returns one draft.
func (p *Pipeline) Get(ctx context.Context, draftID string) (*store.Draft, error) {
	return p.st.GetDraft(ctx, p.accountID, draftID)
}
