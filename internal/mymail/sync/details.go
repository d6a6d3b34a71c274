package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/simophin/mymail/internal/mymail/store"
)

// DetailFetcher performs on-demand deep fetches of single emails: body
// values, attachments and body structure, none of which bulk sync carries.
// Concurrent fetches for the same email id coalesce onto one in-flight
// call; the fetch is idempotent either way.
type DetailFetcher struct {
	st        *store.Store
	accountID int64
	api       API

	mu       sync.Mutex
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done  chan struct{}
	email *store.Email
	err   error
}

// NewDetailFetcher creates a DetailFetcher for one account.
func NewDetailFetcher(st *store.Store, accountID int64, api API) *DetailFetcher {
	return &DetailFetcher{
		st:        st,
		accountID: accountID,
		api:       api,
		inflight:  make(map[string]*fetchCall),
	}
}

// Fetch retrieves the body payload for one email, persists it and returns
// the populated row. Fails with the client's ErrNotFound when the server
// no longer has the email.
func (f *DetailFetcher) Fetch(ctx context.Context, emailID string) (*store.Email, error) {
	f.mu.Lock()
	if call, ok := f.inflight[emailID]; ok {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-call.done:
			return call.email, call.err
		}
	}

	call := &fetchCall{done: make(chan struct{})}
	f.inflight[emailID] = call
	f.mu.Unlock()

	call.email, call.err = f.fetch(ctx, emailID)
	close(call.done)

	f.mu.Lock()
	delete(f.inflight, emailID)
	f.mu.Unlock()

	return call.email, call.err
}

func (f *DetailFetcher) fetch(ctx context.Context, emailID string) (*store.Email, error) {
	details, err := f.api.GetEmailDetails(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("fetching email details: %w", err)
	}

	if err := f.st.SetEmailDetails(ctx, f.accountID, emailID, details); err != nil {
		return nil, fmt.Errorf("persisting email details: %w", err)
	}

	email, err := f.st.GetEmail(ctx, f.accountID, emailID)
	if err != nil {
		return nil, fmt.Errorf("reading back email: %w", err)
	}
	return email, nil
}
