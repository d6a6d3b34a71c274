package draft_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	stdsync "sync"
	"testing"
	"time"

	"github.com/simophin/mymail/common/backoff"
	"github.com/simophin/mymail/internal/mymail/draft"
	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

// newPipeline builds a pipeline with single-attempt remote calls so
// failure paths do not wait out retries.
func newPipeline(ctx context.Context, st *store.Store, accountID int64, api draft.API) *draft.Pipeline {
	p := draft.NewPipeline(ctx, st, accountID, api)
	p.SetRetryConfig(backoff.Config{MaxAttempts: 1, InitialDelay: time.Millisecond})
	return p
}

// fakeMailAPI scripts the remote half of the pipeline. connected gates
// WaitConnected so tests can simulate offline starts.
type fakeMailAPI struct {
	connected chan struct{}

	mu          stdsync.Mutex
	nextID      int
	failCreates bool
	created     []string
	destroyed   []string
	submitted   []string
}

func newFakeMailAPI(online bool) *fakeMailAPI {
	f := &fakeMailAPI{connected: make(chan struct{})}
	if online {
		close(f.connected)
	}
	return f
}

func (f *fakeMailAPI) goOnline() { close(f.connected) }

func (f *fakeMailAPI) WaitConnected(ctx context.Context) (*jmap.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.connected:
		return &jmap.Session{}, nil
	}
}

func (f *fakeMailAPI) create() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreates {
		return "", fmt.Errorf("%w: create rejected", jmap.ErrTransport)
	}
	f.nextID++
	id := fmt.Sprintf("R%d", f.nextID)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeMailAPI) CreateDraftMirror(ctx context.Context, d *jmap.Draft) (string, error) {
	return f.create()
}

func (f *fakeMailAPI) CreateEmail(ctx context.Context, d *jmap.Draft, mailboxID string) (string, error) {
	return f.create()
}

func (f *fakeMailAPI) SubmitEmail(ctx context.Context, emailID, identityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, emailID)
	return nil
}

func (f *fakeMailAPI) DestroyEmail(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeMailAPI) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func (f *fakeMailAPI) setFailCreates(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCreates = fail
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mymail-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAccount(t *testing.T, s *store.Store) int64 {
	t.Helper()
	id, err := s.AddAccount(context.Background(), &store.Account{
		URL:         "https://mail.example.com",
		Credentials: jmap.Credentials{Username: "user", Password: "secret"},
		Name:        "test",
	})
	if err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	return id
}

func testDraftData() *jmap.Draft {
	return &jmap.Draft{
		IdentityID: "id1",
		MailboxID:  "drafts",
		To:         []jmap.EmailAddress{{Email: "rcpt@example.com"}},
		Subject:    "hello",
		TextBody:   "body",
	}
}

func TestCreateWhileOfflineMirrorsOnReconnect(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(false) // offline

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPipeline(ctx, st, accountID, api)

	record, err := p.Create(ctx, testDraftData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The local row is authoritative and returned immediately.
	if record.ID == "" || record.Synced() {
		t.Fatalf("expected unsynced local record, got %+v", record)
	}
	if record.Data.TextBody != "body" {
		t.Errorf("data: got %q", record.Data.TextBody)
	}

	// Reconnect: the background task creates the mirror.
	api.goOnline()
	p.Wait()

	got, err := p.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RemoteEmailID != "R1" {
		t.Errorf("expected mirror R1 after reconnect, got %q", got.RemoteEmailID)
	}
}

func TestCreateRejectsEmptyRecipients(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(true)

	p := newPipeline(context.Background(), st, accountID, api)

	data := testDraftData()
	data.To = nil
	if _, err := p.Create(context.Background(), data); !errors.Is(err, jmap.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestUpdateReplacesMirrorAndDestroysOld(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(true)

	ctx := context.Background()
	p := newPipeline(ctx, st, accountID, api)

	record, err := p.Create(ctx, testDraftData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Wait() // mirror R1 exists

	data := testDraftData()
	data.TextBody = "updated body"
	updated, err := p.Update(ctx, record.ID, data)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Data.TextBody != "updated body" {
		t.Errorf("returned record not refreshed: %q", updated.Data.TextBody)
	}
	p.Wait()

	got, _ := p.Get(ctx, record.ID)
	if got.RemoteEmailID != "R2" {
		t.Errorf("expected new mirror R2, got %q", got.RemoteEmailID)
	}
	if destroyed := api.destroyedIDs(); len(destroyed) != 1 || destroyed[0] != "R1" {
		t.Errorf("expected old mirror R1 destroyed, got %v", destroyed)
	}
}

func TestUpdateMirrorFailureClearsRemoteID(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(true)

	ctx := context.Background()
	p := newPipeline(ctx, st, accountID, api)

	record, err := p.Create(ctx, testDraftData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Wait() // mirror R1 exists

	api.setFailCreates(true)

	data := testDraftData()
	data.TextBody = "second version"
	updated, err := p.Update(ctx, record.ID, data)
	if err != nil {
		t.Fatalf("Update must succeed locally even when the mirror fails: %v", err)
	}
	if updated.Data.TextBody != "second version" {
		t.Errorf("local data not updated: %q", updated.Data.TextBody)
	}
	p.Wait()

	got, _ := p.Get(ctx, record.ID)
	if got.Synced() {
		t.Errorf("expected cleared mirror id after failed update, got %q", got.RemoteEmailID)
	}
	// The old copy is never destroyed on a failed update.
	if destroyed := api.destroyedIDs(); len(destroyed) != 0 {
		t.Errorf("expected no destroys, got %v", destroyed)
	}

	// The next save recreates the mirror from scratch.
	api.setFailCreates(false)
	if _, err := p.Update(ctx, record.ID, data); err != nil {
		t.Fatalf("Update: %v", err)
	}
	p.Wait()
	got, _ = p.Get(ctx, record.ID)
	if !got.Synced() {
		t.Error("expected mirror recreated after retry")
	}
}

func TestDeleteDestroysMirrorBestEffort(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(true)

	ctx := context.Background()
	p := newPipeline(ctx, st, accountID, api)

	record, err := p.Create(ctx, testDraftData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Wait()

	if err := p.Delete(ctx, record.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Get(ctx, record.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected local row gone, got %v", err)
	}

	p.Wait()
	if destroyed := api.destroyedIDs(); len(destroyed) != 1 || destroyed[0] != "R1" {
		t.Errorf("expected mirror destroyed, got %v", destroyed)
	}
}

func TestSendWithStaleMirror(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(true)

	ctx := context.Background()
	p := newPipeline(ctx, st, accountID, api)

	record, err := p.Create(ctx, testDraftData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Wait() // mirror R1 exists

	emailID, err := p.Send(ctx, record.ID, "sent-mailbox")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if emailID != "R2" {
		t.Errorf("expected fresh email R2, got %q", emailID)
	}

	// Submitted synchronously, local draft gone.
	api.mu.Lock()
	submitted := append([]string(nil), api.submitted...)
	api.mu.Unlock()
	if len(submitted) != 1 || submitted[0] != "R2" {
		t.Errorf("expected R2 submitted, got %v", submitted)
	}
	if _, err := p.Get(ctx, record.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected draft deleted after send, got %v", err)
	}

	// Stale mirror destroyed in the background.
	p.Wait()
	if destroyed := api.destroyedIDs(); len(destroyed) != 1 || destroyed[0] != "R1" {
		t.Errorf("expected stale mirror R1 destroyed, got %v", destroyed)
	}
}

func TestSendRequiresIdentity(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(true)

	ctx := context.Background()
	p := newPipeline(ctx, st, accountID, api)

	data := testDraftData()
	data.IdentityID = ""
	record, err := p.Create(ctx, data)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Wait()

	if _, err := p.Send(ctx, record.ID, "sent-mailbox"); !errors.Is(err, jmap.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestSendFailureKeepsDraft(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := newFakeMailAPI(true)

	ctx := context.Background()
	p := newPipeline(ctx, st, accountID, api)

	record, err := p.Create(ctx, testDraftData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.Wait()

	api.setFailCreates(true)
	if _, err := p.Send(ctx, record.ID, "sent-mailbox"); err == nil {
		t.Fatal("expected a hard error from Send")
	}

	// The local draft survives a failed send.
	if _, err := p.Get(ctx, record.ID); err != nil {
		t.Errorf("expected draft to survive failed send: %v", err)
	}
}
