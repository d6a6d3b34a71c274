package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

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

func testMailbox(id, name string) jmap.Mailbox {
	return jmap.Mailbox{ID: id, Name: name}
}

func testEmail(id, threadID, subject string, receivedAt time.Time, mailboxes ...string) jmap.Email {
	mboxIDs := make(map[string]bool, len(mailboxes))
	for _, m := range mailboxes {
		mboxIDs[m] = true
	}
	return jmap.Email{
		ID:         id,
		ThreadID:   threadID,
		MailboxIDs: mboxIDs,
		Subject:    subject,
		ReceivedAt: receivedAt,
	}
}

// --- Accounts ---

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := newTestAccount(t, s)

	got, err := s.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.URL != "https://mail.example.com" {
		t.Errorf("URL: got %q", got.URL)
	}
	if got.Credentials.Username != "user" || got.Credentials.Password != "secret" {
		t.Errorf("Credentials: got %+v", got.Credentials)
	}
	if got.MailboxesSyncState != "" {
		t.Errorf("expected empty sync state, got %q", got.MailboxesSyncState)
	}

	if _, err := s.GetAccount(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := newTestAccount(t, s)
	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "hi", time.Now(), "inbox"),
	}); err != nil {
		t.Fatalf("UpsertEmails: %v", err)
	}

	if err := s.DeleteAccount(ctx, id); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	mailboxes, err := s.ListMailboxes(ctx, id)
	if err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	if len(mailboxes) != 0 {
		t.Errorf("expected no mailboxes after account delete, got %d", len(mailboxes))
	}
	if _, err := s.GetEmail(ctx, id, "e1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected email to cascade away, got %v", err)
	}
}

// --- Mailboxes ---

func TestUpdateMailboxesColdSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{
		testMailbox("inbox", "Inbox"),
		testMailbox("sent", "Sent"),
	}, nil)
	if err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}

	mailboxes, err := s.ListMailboxes(ctx, id)
	if err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	if len(mailboxes) != 2 {
		t.Fatalf("expected 2 mailboxes, got %d", len(mailboxes))
	}

	state, err := s.MailboxesSyncState(ctx, id)
	if err != nil {
		t.Fatalf("MailboxesSyncState: %v", err)
	}
	if state != "A1" {
		t.Errorf("cursor: got %q, want %q", state, "A1")
	}
}

func TestUpdateMailboxesIncremental(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{
		testMailbox("inbox", "Inbox"),
		testMailbox("sent", "Sent"),
	}, nil); err != nil {
		t.Fatalf("cold sync: %v", err)
	}

	// Archive appears, Sent is destroyed.
	if err := s.UpdateMailboxes(ctx, id, "A2", []jmap.Mailbox{
		testMailbox("archive", "Archive"),
	}, []string{"sent"}); err != nil {
		t.Fatalf("incremental sync: %v", err)
	}

	mailboxes, err := s.ListMailboxes(ctx, id)
	if err != nil {
		t.Fatalf("ListMailboxes: %v", err)
	}
	names := map[string]bool{}
	for _, m := range mailboxes {
		names[m.ID] = true
	}
	if !names["inbox"] || !names["archive"] || names["sent"] {
		t.Errorf("unexpected mailbox set: %v", names)
	}

	state, _ := s.MailboxesSyncState(ctx, id)
	if state != "A2" {
		t.Errorf("cursor: got %q, want %q", state, "A2")
	}
}

func TestMailboxDeleteCascadesToMemberships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "hi", time.Now(), "inbox"),
	}); err != nil {
		t.Fatalf("UpsertEmails: %v", err)
	}

	if err := s.UpdateMailboxes(ctx, id, "A2", nil, []string{"inbox"}); err != nil {
		t.Fatalf("destroy mailbox: %v", err)
	}

	// The email row survives (now orphaned), the membership is gone.
	if _, err := s.GetEmail(ctx, id, "e1"); err != nil {
		t.Fatalf("expected email row to survive: %v", err)
	}
	n, err := s.DeleteOrphanEmails(ctx, id)
	if err != nil {
		t.Fatalf("DeleteOrphanEmails: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphan, got %d", n)
	}
}

func TestEmailSyncStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}

	state, err := s.EmailSyncState(ctx, id, "inbox")
	if err != nil {
		t.Fatalf("EmailSyncState: %v", err)
	}
	if state != "" {
		t.Errorf("expected empty initial cursor, got %q", state)
	}

	if err := s.SetEmailSyncState(ctx, id, "inbox", "E5"); err != nil {
		t.Fatalf("SetEmailSyncState: %v", err)
	}
	state, _ = s.EmailSyncState(ctx, id, "inbox")
	if state != "E5" {
		t.Errorf("cursor: got %q, want %q", state, "E5")
	}

	// A mailbox update must not clobber the email cursor.
	if err := s.UpdateMailboxes(ctx, id, "A2", []jmap.Mailbox{testMailbox("inbox", "Inbox renamed")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}
	state, _ = s.EmailSyncState(ctx, id, "inbox")
	if state != "E5" {
		t.Errorf("cursor after mailbox update: got %q, want %q", state, "E5")
	}

	if err := s.SetEmailSyncState(ctx, id, "missing", "E1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown mailbox, got %v", err)
	}
}

// --- Emails ---

func TestUpsertEmailsProjectionsAndMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{
		testMailbox("inbox", "Inbox"),
		testMailbox("archive", "Archive"),
	}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}

	received := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "hello", received, "inbox"),
	}); err != nil {
		t.Fatalf("UpsertEmails: %v", err)
	}

	email, err := s.GetEmail(ctx, id, "e1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if email.ThreadID != "t1" || email.Subject != "hello" {
		t.Errorf("projection: got thread=%q subject=%q", email.ThreadID, email.Subject)
	}
	if !email.ReceivedAt.Equal(received) {
		t.Errorf("received_at: got %v, want %v", email.ReceivedAt, received)
	}
	if email.Envelope == nil || email.Envelope.ID != "e1" {
		t.Errorf("envelope not persisted: %+v", email.Envelope)
	}
	if email.Details != nil {
		t.Errorf("expected nil details before deep fetch")
	}

	// The email moves from inbox to archive; membership follows.
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "hello", received, "archive"),
	}); err != nil {
		t.Fatalf("UpsertEmails move: %v", err)
	}

	inInbox, err := s.ListEmails(ctx, id, store.EmailQuery{MailboxID: "inbox"})
	if err != nil {
		t.Fatalf("ListEmails inbox: %v", err)
	}
	if len(inInbox) != 0 {
		t.Errorf("expected e1 to leave inbox, still there")
	}
	inArchive, err := s.ListEmails(ctx, id, store.EmailQuery{MailboxID: "archive"})
	if err != nil {
		t.Fatalf("ListEmails archive: %v", err)
	}
	if len(inArchive) != 1 || inArchive[0].ID != "e1" {
		t.Errorf("expected e1 in archive, got %v", inArchive)
	}
}

func TestFindMissingEmailIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "one", time.Now(), "inbox"),
	}); err != nil {
		t.Fatalf("UpsertEmails: %v", err)
	}

	missing, err := s.FindMissingEmailIDs(ctx, id, []string{"e1", "e2", "e3", "e2"})
	if err != nil {
		t.Fatalf("FindMissingEmailIDs: %v", err)
	}
	if len(missing) != 2 || missing[0] != "e2" || missing[1] != "e3" {
		t.Errorf("missing: got %v, want [e2 e3]", missing)
	}
}

func TestDeleteEmailsRemovesMemberships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "one", time.Now(), "inbox"),
		testEmail("e2", "t2", "two", time.Now(), "inbox"),
	}); err != nil {
		t.Fatalf("UpsertEmails: %v", err)
	}

	if err := s.DeleteEmails(ctx, id, []string{"e1"}); err != nil {
		t.Fatalf("DeleteEmails: %v", err)
	}

	if _, err := s.GetEmail(ctx, id, "e1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected e1 gone, got %v", err)
	}
	emails, err := s.ListEmails(ctx, id, store.EmailQuery{MailboxID: "inbox"})
	if err != nil {
		t.Fatalf("ListEmails: %v", err)
	}
	if len(emails) != 1 || emails[0].ID != "e2" {
		t.Errorf("expected only e2 left, got %v", emails)
	}
}

func TestSetEmailDetails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "one", time.Now(), "inbox"),
	}); err != nil {
		t.Fatalf("UpsertEmails: %v", err)
	}

	details := &jmap.Email{
		ID: "e1",
		BodyValues: map[string]jmap.BodyValue{
			"1": {Value: "the body"},
		},
	}
	if err := s.SetEmailDetails(ctx, id, "e1", details); err != nil {
		t.Fatalf("SetEmailDetails: %v", err)
	}

	email, err := s.GetEmail(ctx, id, "e1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if email.Details == nil || email.Details.BodyValues["1"].Value != "the body" {
		t.Errorf("details not persisted: %+v", email.Details)
	}

	if err := s.SetEmailDetails(ctx, id, "missing", details); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Threads ---

func TestThreadsGroupNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := s.UpsertEmails(ctx, id, []jmap.Email{
		testEmail("e1", "t1", "old thread", base, "inbox"),
		testEmail("e2", "t2", "new thread", base.Add(2*time.Hour), "inbox"),
		testEmail("e3", "t1", "old thread reply", base.Add(3*time.Hour), "inbox"),
	}); err != nil {
		t.Fatalf("UpsertEmails: %v", err)
	}

	threads, err := s.Threads(ctx, id, "inbox", 0, 10)
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	// t1's newest email (e3, +3h) beats t2's (+2h).
	if threads[0].ID != "t1" || threads[1].ID != "t2" {
		t.Errorf("thread order: got [%s %s]", threads[0].ID, threads[1].ID)
	}
	if len(threads[0].Emails) != 2 {
		t.Fatalf("expected 2 emails in t1, got %d", len(threads[0].Emails))
	}
	// Newest first inside the thread.
	if threads[0].Emails[0].ID != "e3" || threads[0].Emails[1].ID != "e1" {
		t.Errorf("email order in t1: got [%s %s]", threads[0].Emails[0].ID, threads[0].Emails[1].ID)
	}
}

// --- Drafts ---

func TestDraftLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	data := &jmap.Draft{
		MailboxID: "drafts",
		To:        []jmap.EmailAddress{{Email: "a@example.com"}},
		Subject:   "hello",
		TextBody:  "first version",
	}

	draft, err := s.CreateDraft(ctx, id, data)
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if draft.ID == "" {
		t.Fatal("expected a generated draft id")
	}
	if draft.Synced() {
		t.Error("new draft must not report synced")
	}

	if err := s.SetDraftRemoteID(ctx, id, draft.ID, "R1"); err != nil {
		t.Fatalf("SetDraftRemoteID: %v", err)
	}
	got, err := s.GetDraft(ctx, id, draft.ID)
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	if got.RemoteEmailID != "R1" || !got.Synced() {
		t.Errorf("expected remote id R1, got %+v", got)
	}

	data.TextBody = "second version"
	if err := s.UpdateDraftData(ctx, id, draft.ID, data); err != nil {
		t.Fatalf("UpdateDraftData: %v", err)
	}
	got, _ = s.GetDraft(ctx, id, draft.ID)
	if got.Data.TextBody != "second version" {
		t.Errorf("draft data: got %q", got.Data.TextBody)
	}
	if got.RemoteEmailID != "R1" {
		t.Errorf("data update must not touch the remote id, got %q", got.RemoteEmailID)
	}

	if err := s.ClearDraftRemoteID(ctx, id, draft.ID); err != nil {
		t.Fatalf("ClearDraftRemoteID: %v", err)
	}
	got, _ = s.GetDraft(ctx, id, draft.ID)
	if got.Synced() {
		t.Error("expected remote id cleared")
	}

	if err := s.DeleteDraft(ctx, id, draft.ID); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	if _, err := s.GetDraft(ctx, id, draft.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	if err := s.UpdateDraftData(ctx, id, "missing", data); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown draft, got %v", err)
	}
}

// --- Blobs ---

func TestBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestAccount(t, s)

	blob := &store.Blob{
		AccountID: id,
		ID:        "b1",
		Name:      "photo.jpg",
		MimeType:  "image/jpeg",
		Data:      []byte{0xff, 0xd8, 0xff},
	}
	if err := s.SaveBlob(ctx, blob); err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}

	got, err := s.GetBlob(ctx, id, "b1")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if got.Name != "photo.jpg" || got.MimeType != "image/jpeg" {
		t.Errorf("metadata: got %+v", got)
	}
	if len(got.Data) != 3 {
		t.Errorf("data: got %v", got.Data)
	}

	if _, err := s.GetBlob(ctx, id, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Change bus ---

func TestChangeEventsDeliveredInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := s.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}

	id := newTestAccount(t, s)
	if err := s.UpdateMailboxes(ctx, id, "A1", []jmap.Mailbox{testMailbox("inbox", "Inbox")}, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}

	expectTables := []string{"accounts", "mailboxes"}
	for _, table := range expectTables {
		select {
		case change := <-changes:
			if !change.Has(table) {
				t.Errorf("expected change for %q, got %v", table, change.Tables)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q change", table)
		}
	}
}

func TestUpdateMailboxesNoChangeNoEvent(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := newTestAccount(t, s)

	changes, err := s.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}

	// Cursor-only advance: no mailbox rows touched, no mailboxes event.
	if err := s.UpdateMailboxes(ctx, id, "A2", nil, nil); err != nil {
		t.Fatalf("UpdateMailboxes: %v", err)
	}

	select {
	case change := <-changes:
		t.Errorf("expected no change event, got %v", change.Tables)
	case <-time.After(50 * time.Millisecond):
	}
}
