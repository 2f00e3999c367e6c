package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yituo-max/runtuimgbed4.0/internal/catalog"
	"github.com/yituo-max/runtuimgbed4.0/internal/models"
	"github.com/yituo-max/runtuimgbed4.0/internal/ratelimit"
	"github.com/yituo-max/runtuimgbed4.0/internal/relay"
)

// MaxUploadBytes caps accepted image payloads at 5MB.
const MaxUploadBytes = 5 * 1024 * 1024

// UploadInput is one upload request after HTTP decoding.
type UploadInput struct {
	ClientID    string
	Filename    string
	ContentType string
	Category    string
	Data        []byte
}

// UploadPipeline runs an upload through admission, validation, the blob
// relay, and cataloging, in that order. A failure at any stage stops the
// pipeline; nothing is cataloged unless the relay succeeded.
type UploadPipeline struct {
	Limiter  ratelimit.Admitter
	Relay    relay.BlobRelay
	Catalog  catalog.Catalog
	Logger   *slog.Logger
	MaxBytes int64
}

// Process executes the pipeline and returns the cataloged record.
func (p *UploadPipeline) Process(ctx context.Context, input UploadInput) (models.ImageRecord, error) {
	allowed, retryAfter, err := p.Limiter.Admit(input.ClientID)
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		return models.ImageRecord{}, &RateLimitError{RetryAfter: retryAfter}
	}

	if len(input.Data) == 0 {
		return models.ImageRecord{}, errNoImage
	}
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	if int64(len(input.Data)) > maxBytes {
		return models.ImageRecord{}, errFileTooLarge
	}

	blob, err := p.Relay.Store(ctx, input.Filename, input.ContentType, input.Data)
	if err != nil {
		return models.ImageRecord{}, err
	}

	record, err := p.Catalog.Insert(ctx, catalog.CreateImageParams{
		Filename: input.Filename,
		URL:      blob.URL,
		Size:     blob.Size,
		FileID:   blob.FileID,
		Category: input.Category,
	})
	if err != nil {
		if p.Logger != nil {
			p.Logger.Error("catalog insert failed after relay", "file_id", blob.FileID, "error", err)
		}
		return models.ImageRecord{}, fmt.Errorf("catalog insert: %w", err)
	}
	return record, nil
}
