// Package models defines the data records shared across the image bed:
// the catalog's image metadata and its aggregate statistics.
package models

import "time"

// ImageRecord is the catalog's unit of truth. The binary itself lives on
// the external blob host; the record only tracks where it ended up.
type ImageRecord struct {
	// ID is assigned at insert time and is the sole external reference.
	ID string `json:"id"`
	// Filename is the original client-supplied name. Not unique.
	Filename string `json:"filename"`
	// URL is the externally fetchable address of the stored binary.
	// Immutable after insert.
	URL string `json:"url"`
	// Size is the byte count reported by the blob host. Informational
	// only; never re-validated against the remote blob.
	Size int64 `json:"size"`
	// FileID is the blob host's opaque handle for the binary.
	FileID string `json:"fileId,omitempty"`
	// Category is a free-form label used for filtering.
	Category string `json:"category"`
	// UploadTime is captured at insert time. Display only; recency
	// ordering follows insertion order, not this timestamp.
	UploadTime time.Time `json:"uploadTime"`
}

// Stats aggregates catalog counters. TotalImages always equals the number
// of live records; TotalCategories counts every label ever observed, since
// categories are never removed.
type Stats struct {
	TotalImages     int       `json:"totalImages"`
	TotalCategories int       `json:"totalCategories"`
	LastInitDate    time.Time `json:"lastInitDate"`
}
