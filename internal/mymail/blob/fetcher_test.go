package blob_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	stdsync "sync"
	"testing"

	"github.com/simophin/mymail/internal/mymail/blob"
	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

type fakeBlobAPI struct {
	mu        stdsync.Mutex
	blobs     map[string][]byte
	downloads int
	failAll   bool
}

func (f *fakeBlobAPI) DownloadBlob(ctx context.Context, blobID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.failAll {
		return nil, fmt.Errorf("%w: server unreachable", jmap.ErrTransport)
	}
	data, ok := f.blobs[blobID]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", jmap.ErrNotFound, blobID)
	}
	return data, nil
}

func (f *fakeBlobAPI) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	return "uploaded", nil
}

func (f *fakeBlobAPI) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
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

func TestGetDownloadsOnceThenServesFromCache(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := &fakeBlobAPI{blobs: map[string][]byte{"b1": []byte("bytes")}}
	f := blob.NewFetcher(st, accountID, api)
	ctx := context.Background()

	got, err := f.Get(ctx, "b1", "file.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != "bytes" || got.Name != "file.bin" {
		t.Errorf("blob: got %+v", got)
	}
	if n := api.downloadCount(); n != 1 {
		t.Fatalf("expected 1 download, got %d", n)
	}

	// Second read hits the memory cache; no further downloads.
	if _, err := f.Get(ctx, "b1", "", ""); err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if n := api.downloadCount(); n != 1 {
		t.Errorf("expected cached read, got %d downloads", n)
	}

	// The downloaded copy is durably cached in the store too.
	stored, err := st.GetBlob(ctx, accountID, "b1")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(stored.Data) != "bytes" {
		t.Errorf("stored blob: got %q", stored.Data)
	}
}

func TestGetServesStoreWithoutDownload(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := &fakeBlobAPI{}
	f := blob.NewFetcher(st, accountID, api)
	ctx := context.Background()

	if err := st.SaveBlob(ctx, &store.Blob{
		AccountID: accountID, ID: "b1", Data: []byte("local"),
	}); err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}

	got, err := f.Get(ctx, "b1", "", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Data) != "local" {
		t.Errorf("blob: got %q", got.Data)
	}
	if n := api.downloadCount(); n != 0 {
		t.Errorf("expected no downloads, got %d", n)
	}
}

func TestGetMissingEverywhere(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := &fakeBlobAPI{blobs: map[string][]byte{}}
	f := blob.NewFetcher(st, accountID, api)

	if _, err := f.Get(context.Background(), "ghost", "", ""); !errors.Is(err, jmap.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepeatedDownloadFailuresTripBreaker(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	api := &fakeBlobAPI{failAll: true}
	f := blob.NewFetcher(st, accountID, api)
	ctx := context.Background()

	// Hammer the failing endpoint until the breaker opens, then confirm
	// calls fail fast without reaching the server.
	for i := 0; i < 10; i++ {
		f.Get(ctx, "b1", "", "")
	}
	before := api.downloadCount()
	_, err := f.Get(ctx, "b1", "", "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, jmap.ErrTransport) {
		t.Fatalf("expected a transport-class error, got %v", err)
	}
	if api.downloadCount() != before {
		t.Errorf("expected the open breaker to skip the download")
	}
}

func TestUploadRejectsEmptyPayload(t *testing.T) {
	st := newTestStore(t)
	accountID := newTestAccount(t, st)
	f := blob.NewFetcher(st, accountID, &fakeBlobAPI{})

	if _, err := f.Upload(context.Background(), nil, ""); !errors.Is(err, jmap.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}

	id, err := f.Upload(context.Background(), []byte("data"), "text/plain")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "uploaded" {
		t.Errorf("blob id: got %q", id)
	}
}
