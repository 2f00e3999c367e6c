// Package catalog stores image metadata: a recency-ordered collection of
// ImageRecords plus the set of categories ever observed and aggregate
// counters. Three drivers implement the same contract: an in-memory store
// with optional JSON snapshots, a Redis-backed store, and a Postgres-backed
// store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yituo-max/runtuimgbed4.0/internal/models"
)

// DefaultCategory is assigned when an upload carries no category label.
const DefaultCategory = "general"

// ErrImageNotFound is returned by Get, Update, and Delete when no record
// with the requested id exists (or it has been deleted; ids are never
// reused).
var ErrImageNotFound = errors.New("image not found")

// ErrInvalidUpdate wraps rejected ImageUpdate payloads.
var ErrInvalidUpdate = errors.New("invalid image update")

// CreateImageParams carries the caller-supplied fields for Insert. The id
// and upload time are assigned by the catalog.
type CreateImageParams struct {
	Filename string
	URL      string
	Size     int64
	FileID   string
	Category string
}

// ImageUpdate corrects mutable fields of an existing record. Nil fields are
// left unchanged; id, url, size, and uploadTime can never be updated.
type ImageUpdate struct {
	Filename *string
	Category *string
}

// Pagination echoes the list request parameters alongside the totals for
// the applied category filter.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ListResult is one page of the catalog in recency order (most recent
// first). Images is never nil.
type ListResult struct {
	Images     []models.ImageRecord `json:"images"`
	Pagination Pagination           `json:"pagination"`
}

// Catalog is the metadata store contract. Every operation is safe for
// concurrent use; each call is atomic on its own, but no multi-operation
// transaction is offered.
type Catalog interface {
	// Insert assigns an id and upload time, prepends the record to the
	// recency ordering, registers its category, and bumps the counters.
	Insert(ctx context.Context, params CreateImageParams) (models.ImageRecord, error)
	// Get returns the record for id, or ErrImageNotFound.
	Get(ctx context.Context, id string) (models.ImageRecord, error)
	// Update applies an ImageUpdate and returns the updated record. A new
	// category label joins the category set.
	Update(ctx context.Context, id string, update ImageUpdate) (models.ImageRecord, error)
	// Delete removes the record and returns it. The category set and the
	// category counter are intentionally left untouched: categories
	// persist even when their last image is removed.
	Delete(ctx context.Context, id string) (models.ImageRecord, error)
	// List returns one page of records, optionally filtered by category.
	// "" and "all" mean unfiltered.
	List(ctx context.Context, page, limit int, category string) (ListResult, error)
	// Categories returns every label ever observed, sorted.
	Categories(ctx context.Context) ([]string, error)
	// Stats reports the aggregate counters.
	Stats(ctx context.Context) (models.Stats, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

func newImageID() string {
	return "img-" + uuid.NewString()
}

func normalizeCategory(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return DefaultCategory
	}
	return category
}

func validateUpdate(update ImageUpdate) error {
	if update.Filename == nil && update.Category == nil {
		return fmt.Errorf("%w: at least one of filename or category is required", ErrInvalidUpdate)
	}
	if update.Filename != nil && strings.TrimSpace(*update.Filename) == "" {
		return fmt.Errorf("%w: filename must not be empty", ErrInvalidUpdate)
	}
	if update.Category != nil && strings.TrimSpace(*update.Category) == "" {
		return fmt.Errorf("%w: category must not be empty", ErrInvalidUpdate)
	}
	return nil
}
