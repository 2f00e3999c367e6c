package relay

import (
	"context"
	"fmt"
)

// StoredBlob describes where an uploaded blob ended up.
type StoredBlob struct {
	URL    string
	FileID string
	Size   int64
}

// BlobRelay pushes raw image bytes to the upstream host and resolves a
// public URL for them.
type BlobRelay interface {
	Store(ctx context.Context, filename, contentType string, data []byte) (StoredBlob, error)
}

// UpstreamError reports a failed exchange with the blob host. Op is the
// upstream operation that failed ("sendPhoto" or "getFile").
type UpstreamError struct {
	Op     string
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s failed: status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("upstream %s failed: %s", e.Op, e.Detail)
}
