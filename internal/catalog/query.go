package catalog

import (
	"github.com/yituo-max/runtuimgbed4.0/internal/models"
)

// MaxListLimit caps the page size accepted by List.
const MaxListLimit = 100

// Validation failures raised by List before any filtering happens. Handlers
// map these to HTTP 400.
var (
	ErrInvalidPage  = errInvalid("Page must be greater than 0")
	ErrInvalidLimit = errInvalid("Limit must be between 1 and 100")
)

type errInvalid string

func (e errInvalid) Error() string { return string(e) }

// ValidatePageLimit rejects out-of-contract pagination parameters. Pages
// beyond the end of the data are not an error; they yield an empty slice.
func ValidatePageLimit(page, limit int) error {
	if page < 1 {
		return ErrInvalidPage
	}
	if limit < 1 || limit > MaxListLimit {
		return ErrInvalidLimit
	}
	return nil
}

// filterUnfiltered reports whether the category argument means "no filter".
func filterUnfiltered(category string) bool {
	return category == "" || category == "all"
}

// paginate slices one page out of the full recency-ordered sequence,
// applying the category filter first. The memory and redis drivers share
// this path; the postgres driver pushes the same computation into SQL.
func paginate(images []models.ImageRecord, page, limit int, category string) ListResult {
	filtered := images
	if !filterUnfiltered(category) {
		filtered = make([]models.ImageRecord, 0, len(images))
		for _, img := range images {
			if img.Category == category {
				filtered = append(filtered, img)
			}
		}
	}

	total := len(filtered)
	// Pages past the end are empty, not an error. Checking against
	// totalPages first also keeps (page-1)*limit from overflowing for
	// absurdly large page numbers.
	if page > totalPages(total, limit) {
		return ListResult{
			Images: []models.ImageRecord{},
			Pagination: Pagination{
				Page:       page,
				Limit:      limit,
				Total:      total,
				TotalPages: totalPages(total, limit),
			},
		}
	}

	start := (page - 1) * limit
	end := start + limit
	if end > total {
		end = total
	}

	pageItems := make([]models.ImageRecord, end-start)
	copy(pageItems, filtered[start:end])

	return ListResult{
		Images: pageItems,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages(total, limit),
		},
	}
}

func totalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
