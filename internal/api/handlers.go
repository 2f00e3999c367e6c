package api

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yituo-max/runtuimgbed4.0/internal/catalog"
	"github.com/yituo-max/runtuimgbed4.0/internal/models"
	"github.com/yituo-max/runtuimgbed4.0/internal/observability/metrics"
	"github.com/yituo-max/runtuimgbed4.0/internal/relay"
)

const defaultListLimit = 10

// Handler exposes the image-hosting API over HTTP.
type Handler struct {
	Catalog  catalog.Catalog
	Pipeline *UploadPipeline
	Verifier TokenVerifier
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// Mode controls how much detail internal errors leak; "production"
	// hides the underlying message.
	Mode string
	// SiteURL resolves relative catalog URLs when redirecting.
	SiteURL string
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	result := h.Verifier.Verify(ExtractToken(r))
	if !result.OK {
		writeError(w, result.StatusCode, result.Message)
		return false
	}
	return true
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	message := err.Error()
	if strings.EqualFold(h.Mode, "production") {
		message = "An unexpected error occurred"
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "Internal server error",
		"message": message,
	})
}

type listResponse struct {
	Success    bool                 `json:"success"`
	Images     []models.ImageRecord `json:"images"`
	Pagination catalog.Pagination   `json:"pagination"`
	Categories []string             `json:"categories"`
}

// Images handles GET /images. Listing is public; clients that cannot
// parse a numeric page or limit get the defaults.
func (h *Handler) Images(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", defaultListLimit)
	category := r.URL.Query().Get("category")

	result, err := h.Catalog.List(r.Context(), page, limit, category)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidPage) || errors.Is(err, catalog.ErrInvalidLimit) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger().Error("list images failed", "error", err)
		h.internalError(w, err)
		return
	}
	categories, err := h.Catalog.Categories(r.Context())
	if err != nil {
		h.logger().Error("fetch categories failed", "error", err)
		h.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Success:    true,
		Images:     result.Images,
		Pagination: result.Pagination,
		Categories: categories,
	})
}

// GetImage handles GET /image?id=.
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	record, ok := h.lookupImage(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"image":   record,
	})
}

type updateImageRequest struct {
	Filename *string `json:"filename"`
	Category *string `json:"category"`
}

// UpdateImage handles PUT /image?id=.
func (h *Handler) UpdateImage(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Image ID is required")
		return
	}
	var req updateImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	record, err := h.Catalog.Update(r.Context(), id, catalog.ImageUpdate{
		Filename: req.Filename,
		Category: req.Category,
	})
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"image":   record,
	})
}

// DeleteImage handles DELETE /image?id=.
func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Image ID is required")
		return
	}
	record, err := h.Catalog.Delete(r.Context(), id)
	if err != nil {
		h.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"message":      "Image deleted successfully",
		"deletedImage": record,
	})
}

// ServeImage handles GET /serve-image?id= with a redirect to the hosted
// blob.
func (h *Handler) ServeImage(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	record, ok := h.lookupImage(w, r)
	if !ok {
		return
	}
	target := record.URL
	if strings.HasPrefix(target, "/") && h.SiteURL != "" {
		target = strings.TrimRight(h.SiteURL, "/") + target
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Upload handles POST /upload with a multipart "image" field.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	input, err := h.decodeUpload(w, r)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	record, err := h.Pipeline.Process(r.Context(), input)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.RecordUpload(true)
	}
	h.logger().Info("image uploaded",
		"id", record.ID,
		"filename", record.Filename,
		"size", record.Size,
		"category", record.Category,
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"image":   record,
	})
}

// maxUploadBodyBytes caps the whole multipart body: the file plus
// boundary, part headers, and the category field.
const maxUploadBodyBytes = MaxUploadBytes + 64*1024

func (h *Handler) decodeUpload(w http.ResponseWriter, r *http.Request) (UploadInput, error) {
	input := UploadInput{
		ClientID: ClientID(r),
		Category: catalog.DefaultCategory,
	}

	// Cut grossly oversized bodies off at the socket instead of spooling
	// them through the multipart parser.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodyBytes)

	// One extra byte beyond the cap so oversize uploads are detected
	// rather than silently truncated.
	if err := r.ParseMultipartForm(MaxUploadBytes + 1); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return input, errFileTooLarge
		}
		return input, errNoImage
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if category := r.FormValue("category"); category != "" {
		input.Category = category
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return input, errNoImage
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		return input, err
	}
	input.Filename = header.Filename
	input.ContentType = contentTypeOf(header)
	input.Data = data
	return input, nil
}

func contentTypeOf(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (h *Handler) writeUploadError(w http.ResponseWriter, err error) {
	if h.Metrics != nil {
		h.Metrics.RecordUpload(false)
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		// Round up so the client never retries inside the window.
		seconds := int((rateErr.RetryAfter + time.Second - 1) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":      rateErr.Error(),
			"retryAfter": seconds,
		})
		return
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, validationErr.Status, validationErr.Message)
		return
	}

	var upstreamErr *relay.UpstreamError
	if errors.As(err, &upstreamErr) {
		if h.Metrics != nil {
			h.Metrics.RecordRelayFailure(upstreamErr.Op)
		}
		h.logger().Error("blob relay failed",
			"op", upstreamErr.Op,
			"status", upstreamErr.Status,
			"detail", upstreamErr.Detail,
		)
		message := "Failed to upload to Telegram"
		if upstreamErr.Op == "getFile" {
			message = "Failed to get file path"
		}
		details := upstreamErr.Detail
		if details == "" {
			details = "Unknown error"
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   message,
			"details": details,
		})
		return
	}

	h.logger().Error("upload failed", "error", err)
	h.internalError(w, err)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	stats, err := h.Catalog.Stats(r.Context())
	if err != nil {
		h.logger().Error("fetch stats failed", "error", err)
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) lookupImage(w http.ResponseWriter, r *http.Request) (models.ImageRecord, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Image ID is required")
		return models.ImageRecord{}, false
	}
	record, err := h.Catalog.Get(r.Context(), id)
	if err != nil {
		h.writeCatalogError(w, err)
		return models.ImageRecord{}, false
	}
	return record, true
}

func (h *Handler) writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrImageNotFound):
		writeError(w, http.StatusNotFound, "Image not found")
	case errors.Is(err, catalog.ErrInvalidUpdate):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger().Error("catalog operation failed", "error", err)
		h.internalError(w, err)
	}
}

// queryInt parses a positive-or-negative integer query value. Missing,
// non-numeric, and zero values fall back to the default so the negative
// range check still fires downstream.
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value == 0 {
		return fallback
	}
	return value
}
