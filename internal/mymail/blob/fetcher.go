// Package blob serves attachment and inline-asset bytes: memory cache
// first, then the store, then a remote download that is cached for next
// time.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/simophin/mymail/internal/mymail/jmap"
	"github.com/simophin/mymail/internal/mymail/store"
)

// hotCacheSize bounds the in-memory blob cache per account.
const hotCacheSize = 64

// API is the subset of the JMAP client the fetcher drives.
type API interface {
	DownloadBlob(ctx context.Context, blobID string) ([]byte, error)
	UploadBlob(ctx context.Context, data []byte, contentType string) (string, error)
}

// Fetcher resolves blobs for one account. Remote downloads run behind a
// circuit breaker so a flapping connection fails fast instead of stacking
// slow requests.
type Fetcher struct {
	st        *store.Store
	accountID int64
	api       API
	log       *slog.Logger

	hot     *lru.Cache[string, *store.Blob]
	breaker *gobreaker.CircuitBreaker
}

// NewFetcher creates a Fetcher.
func NewFetcher(st *store.Store, accountID int64, api API) *Fetcher {
	hot, _ := lru.New[string, *store.Blob](hotCacheSize)
	return &Fetcher{
		st:        st,
		accountID: accountID,
		api:       api,
		log:       slog.With("component", "blobs", "account", accountID),
		hot:       hot,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    fmt.Sprintf("blob-download-%d", accountID),
			Timeout: 30 * time.Second,
		}),
	}
}

// Get returns a blob's bytes and metadata. Resolution order: memory cache,
// store, remote download (cached on success). name and mimeType annotate a
// blob the first time it is downloaded; the identifiers come from the
// email's body structure, not the server.
func (f *Fetcher) Get(ctx context.Context, blobID, name, mimeType string) (*store.Blob, error) {
	if blobID == "" {
		return nil, fmt.Errorf("%w: empty blob id", jmap.ErrBadRequest)
	}

	if blob, ok := f.hot.Get(blobID); ok {
		if err := f.st.TouchBlob(ctx, f.accountID, blobID); err != nil {
			f.log.Warn("touching blob failed", "blob", blobID, "err", err)
		}
		return blob, nil
	}

	blob, err := f.st.GetBlob(ctx, f.accountID, blobID)
	if err == nil {
		f.hot.Add(blobID, blob)
		return blob, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	f.log.Debug("blob not cached, downloading", "blob", blobID)

	result, err := f.breaker.Execute(func() (any, error) {
		return f.api.DownloadBlob(ctx, blobID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: blob downloads suspended: %v", jmap.ErrTransport, err)
		}
		return nil, err
	}

	blob = &store.Blob{
		AccountID: f.accountID,
		ID:        blobID,
		Name:      name,
		MimeType:  mimeType,
		Data:      result.([]byte),
	}
	if err := f.st.SaveBlob(ctx, blob); err != nil {
		return nil, err
	}
	f.hot.Add(blobID, blob)
	return blob, nil
}

// Upload pushes bytes to the server and returns the new blob id. Uploads
// are not cached locally; the server's copy is authoritative and the id is
// only known afterwards.
func (f *Fetcher) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", jmap.ErrBadRequest)
	}
	return f.api.UploadBlob(ctx, data, contentType)
}
