package interfaces

import (
	"context"
	"io"
	"iter"

	"github.com/ternarybob/polymer/internal/models"
)

// RemoteFile is an open download. The caller must drain and close Body.
type RemoteFile struct {
	Filename string
	Size     int64 // -1 when unknown
	Body     io.ReadCloser
}

// MarketplaceClient is one authenticated session against the marketplace.
type MarketplaceClient interface {
	// Login establishes the session. Safe to call repeatedly.
	Login(ctx context.Context) error

	// Liked and Orders page through the account's collections from offset 0,
	// stopping after the first short page or the first error.
	Liked(ctx context.Context, pageSize int) iter.Seq2[models.Creation, error]
	Orders(ctx context.Context, pageSize int) iter.Seq2[models.OrderLine, error]

	// ClaimFree places a zero-cost order. Requires a prior Login.
	ClaimFree(ctx context.Context, slug string) error

	// DownloadFile opens a streaming GET and resolves the attachment filename.
	DownloadFile(ctx context.Context, url string) (*RemoteFile, error)
}
