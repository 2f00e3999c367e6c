package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yituo-max/runtuimgbed4.0/internal/catalog"
	"github.com/yituo-max/runtuimgbed4.0/internal/ratelimit"
	"github.com/yituo-max/runtuimgbed4.0/internal/relay"
)

const testAdminToken = "test-admin-secret"

// stubRelay fakes the blob host so handler tests never leave the process.
type stubRelay struct {
	err    error
	stored int
}

func (s *stubRelay) Store(_ context.Context, filename, _ string, data []byte) (relay.StoredBlob, error) {
	if s.err != nil {
		return relay.StoredBlob{}, s.err
	}
	s.stored++
	return relay.StoredBlob{
		URL:    "https://files.example/" + filename,
		FileID: fmt.Sprintf("file-%d", s.stored),
		Size:   int64(len(data)),
	}, nil
}

func newTestHandler(t *testing.T) (*Handler, *stubRelay) {
	t.Helper()
	cat, err := catalog.NewMemoryCatalog()
	if err != nil {
		t.Fatalf("NewMemoryCatalog: %v", err)
	}
	blobs := &stubRelay{}
	return &Handler{
		Catalog: cat,
		Pipeline: &UploadPipeline{
			Limiter: ratelimit.NewSlidingWindow(0, 0),
			Relay:   blobs,
			Catalog: cat,
		},
		Verifier: NewAdminTokenVerifier(testAdminToken, ""),
	}, blobs
}

func multipartBody(t *testing.T, field, filename, category string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if category != "" {
		if err := writer.WriteField("category", category); err != nil {
			t.Fatalf("write category: %v", err)
		}
	}
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func uploadRequest(t *testing.T, category string, data []byte) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, "image", "photo.png", category, data)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestUploadSuccess(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.Upload(rec, uploadRequest(t, "nature", bytes.Repeat([]byte("x"), 1024)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["success"] != true {
		t.Fatalf("success = %v, want true", payload["success"])
	}
	image, ok := payload["image"].(map[string]interface{})
	if !ok {
		t.Fatalf("image missing: %v", payload)
	}
	if image["filename"] != "photo.png" {
		t.Fatalf("filename = %v, want photo.png", image["filename"])
	}
	if image["category"] != "nature" {
		t.Fatalf("category = %v, want nature", image["category"])
	}
	if image["size"] != float64(1024) {
		t.Fatalf("size = %v, want 1024", image["size"])
	}

	// The upload must be the first element of a subsequent listing.
	listRec := httptest.NewRecorder()
	handler.Images(listRec, httptest.NewRequest(http.MethodGet, "/images", nil))
	listPayload := decodeBody(t, listRec)
	images, ok := listPayload["images"].([]interface{})
	if !ok || len(images) != 1 {
		t.Fatalf("images = %v, want one entry", listPayload["images"])
	}
	first := images[0].(map[string]interface{})
	if first["id"] != image["id"] {
		t.Fatalf("listed id = %v, want %v", first["id"], image["id"])
	}
}

func TestUploadNoImage(t *testing.T) {
	handler, _ := newTestHandler(t)

	body, contentType := multipartBody(t, "attachment", "photo.png", "", []byte("data"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)

	rec := httptest.NewRecorder()
	handler.Upload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "No image provided" {
		t.Fatalf("error = %v, want \"No image provided\"", got)
	}
}

func TestUploadFileTooLarge(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.Upload(rec, uploadRequest(t, "", bytes.Repeat([]byte("x"), MaxUploadBytes+1)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "File too large. Maximum size is 5MB." {
		t.Fatalf("error = %v", got)
	}
}

func TestUploadOversizedBodyCutOff(t *testing.T) {
	handler, blobs := newTestHandler(t)

	// Well past the body cap: the request is rejected during parsing,
	// before the file ever reaches the pipeline.
	rec := httptest.NewRecorder()
	handler.Upload(rec, uploadRequest(t, "", bytes.Repeat([]byte("x"), 2*MaxUploadBytes)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "File too large. Maximum size is 5MB." {
		t.Fatalf("error = %v", got)
	}
	if blobs.stored != 0 {
		t.Fatalf("blobs stored = %d, want 0", blobs.stored)
	}
}

func TestUploadRateLimited(t *testing.T) {
	handler, _ := newTestHandler(t)
	handler.Pipeline.Limiter = ratelimit.NewSlidingWindow(0, 1)

	first := httptest.NewRecorder()
	handler.Upload(first, uploadRequest(t, "", []byte("data")))
	if first.Code != http.StatusOK {
		t.Fatalf("first upload status = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	handler.Upload(second, uploadRequest(t, "", []byte("data")))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", second.Code)
	}
	payload := decodeBody(t, second)
	if payload["error"] != "Too many requests. Please try again later." {
		t.Fatalf("error = %v", payload["error"])
	}
	retryAfter, ok := payload["retryAfter"].(float64)
	if !ok || retryAfter != 60 {
		t.Fatalf("retryAfter = %v, want 60", payload["retryAfter"])
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.writeUploadError(rec, &RateLimitError{RetryAfter: 1500 * time.Millisecond})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := decodeBody(t, rec)["retryAfter"]; got != float64(2) {
		t.Fatalf("retryAfter = %v, want 2", got)
	}
}

func TestUploadRelayFailure(t *testing.T) {
	handler, blobs := newTestHandler(t)
	blobs.err = &relay.UpstreamError{Op: "sendPhoto", Status: 502, Detail: "bad gateway"}

	rec := httptest.NewRecorder()
	handler.Upload(rec, uploadRequest(t, "", []byte("data")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "Failed to upload to Telegram" {
		t.Fatalf("error = %v", payload["error"])
	}
	if payload["details"] != "bad gateway" {
		t.Fatalf("details = %v", payload["details"])
	}

	// Nothing may be cataloged when the relay failed.
	stats, err := handler.Catalog.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalImages != 0 {
		t.Fatalf("TotalImages = %d, want 0", stats.TotalImages)
	}
}

func TestUploadGetFileFailure(t *testing.T) {
	handler, blobs := newTestHandler(t)
	blobs.err = &relay.UpstreamError{Op: "getFile", Detail: "file is too big"}

	rec := httptest.NewRecorder()
	handler.Upload(rec, uploadRequest(t, "", []byte("data")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Failed to get file path" {
		t.Fatalf("error = %v, want \"Failed to get file path\"", got)
	}
}

func TestUploadRequiresToken(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := uploadRequest(t, "", []byte("data"))
	req.Header.Del("Authorization")
	rec := httptest.NewRecorder()
	handler.Upload(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Authorization token required" {
		t.Fatalf("error = %v", got)
	}

	req = uploadRequest(t, "", []byte("data"))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.Upload(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Invalid admin token" {
		t.Fatalf("error = %v", got)
	}
}

func TestImagesValidation(t *testing.T) {
	handler, _ := newTestHandler(t)

	cases := []struct {
		name      string
		query     string
		wantCode  int
		wantError string
	}{
		{name: "negative page", query: "?page=-1", wantCode: 400, wantError: "Page must be greater than 0"},
		{name: "limit too high", query: "?limit=101", wantCode: 400, wantError: "Limit must be between 1 and 100"},
		{name: "negative limit", query: "?limit=-5", wantCode: 400, wantError: "Limit must be between 1 and 100"},
		{name: "non-numeric falls back", query: "?page=abc&limit=xyz", wantCode: 200},
		{name: "zero page falls back", query: "?page=0", wantCode: 200},
		{name: "huge page yields empty", query: "?page=100000000000000000&limit=100", wantCode: 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.Images(rec, httptest.NewRequest(http.MethodGet, "/images"+tc.query, nil))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantError != "" {
				if got := decodeBody(t, rec)["error"]; got != tc.wantError {
					t.Fatalf("error = %v, want %q", got, tc.wantError)
				}
			}
		})
	}
}

func TestImagesCategoryFilterAndPagination(t *testing.T) {
	handler, _ := newTestHandler(t)

	for i := 0; i < 12; i++ {
		category := "nature"
		if i%2 == 0 {
			category = "memes"
		}
		if _, err := handler.Catalog.Insert(context.Background(), catalog.CreateImageParams{
			Filename: fmt.Sprintf("img-%d.png", i),
			Category: category,
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	handler.Images(rec, httptest.NewRequest(http.MethodGet, "/images?category=nature&limit=4", nil))
	payload := decodeBody(t, rec)

	images := payload["images"].([]interface{})
	if len(images) != 4 {
		t.Fatalf("page size = %d, want 4", len(images))
	}
	pagination := payload["pagination"].(map[string]interface{})
	if pagination["total"] != float64(6) {
		t.Fatalf("total = %v, want 6", pagination["total"])
	}
	if pagination["totalPages"] != float64(2) {
		t.Fatalf("totalPages = %v, want 2", pagination["totalPages"])
	}
	categories := payload["categories"].([]interface{})
	if len(categories) != 3 {
		t.Fatalf("categories = %v, want [general memes nature]", categories)
	}
}

func TestGetImageLifecycle(t *testing.T) {
	handler, _ := newTestHandler(t)

	record, err := handler.Catalog.Insert(context.Background(), catalog.CreateImageParams{Filename: "pic.png"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	authedRequest := func(method, target string, body io.Reader) *http.Request {
		req := httptest.NewRequest(method, target, body)
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
		return req
	}

	rec := httptest.NewRecorder()
	handler.GetImage(rec, authedRequest(http.MethodGet, "/image?id="+record.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GetImage status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.GetImage(rec, authedRequest(http.MethodGet, "/image", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d, want 400", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Image ID is required" {
		t.Fatalf("error = %v", got)
	}

	rec = httptest.NewRecorder()
	handler.GetImage(rec, authedRequest(http.MethodGet, "/image?id=img-missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing image status = %d, want 404", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Image not found" {
		t.Fatalf("error = %v", got)
	}

	update := strings.NewReader(`{"category":"travel"}`)
	rec = httptest.NewRecorder()
	handler.UpdateImage(rec, authedRequest(http.MethodPut, "/image?id="+record.ID, update))
	if rec.Code != http.StatusOK {
		t.Fatalf("UpdateImage status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody(t, rec)["image"].(map[string]interface{})
	if updated["category"] != "travel" {
		t.Fatalf("category = %v, want travel", updated["category"])
	}

	rec = httptest.NewRecorder()
	handler.DeleteImage(rec, authedRequest(http.MethodDelete, "/image?id="+record.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("DeleteImage status = %d, want 200", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["message"] != "Image deleted successfully" {
		t.Fatalf("message = %v", payload["message"])
	}

	rec = httptest.NewRecorder()
	handler.DeleteImage(rec, authedRequest(http.MethodDelete, "/image?id="+record.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete status = %d, want 404", rec.Code)
	}
}

func TestServeImageRedirect(t *testing.T) {
	handler, _ := newTestHandler(t)

	record, err := handler.Catalog.Insert(context.Background(), catalog.CreateImageParams{
		Filename: "pic.png",
		URL:      "https://files.example/pic.png",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/serve-image?id="+record.ID, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	handler.ServeImage(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://files.example/pic.png" {
		t.Fatalf("Location = %q", got)
	}
}

func TestServeImageResolvesRelativeURL(t *testing.T) {
	handler, _ := newTestHandler(t)
	handler.SiteURL = "https://img.example"

	record, err := handler.Catalog.Insert(context.Background(), catalog.CreateImageParams{
		Filename: "pic.png",
		URL:      "/local/pic.png",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/serve-image?id="+record.ID, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	handler.ServeImage(rec, req)

	if got := rec.Header().Get("Location"); got != "https://img.example/local/pic.png" {
		t.Fatalf("Location = %q", got)
	}
}

func TestStats(t *testing.T) {
	handler, _ := newTestHandler(t)

	if _, err := handler.Catalog.Insert(context.Background(), catalog.CreateImageParams{Filename: "a.png", Category: "nature"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	handler.Stats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	stats := decodeBody(t, rec)["stats"].(map[string]interface{})
	if stats["totalImages"] != float64(1) {
		t.Fatalf("totalImages = %v, want 1", stats["totalImages"])
	}
	if stats["totalCategories"] != float64(2) {
		t.Fatalf("totalCategories = %v, want 2", stats["totalCategories"])
	}
}

func TestProductionModeHidesInternalDetail(t *testing.T) {
	handler, _ := newTestHandler(t)
	handler.Mode = "production"

	rec := httptest.NewRecorder()
	handler.internalError(rec, errors.New("pgx: connection refused"))
	payload := decodeBody(t, rec)
	if payload["error"] != "Internal server error" {
		t.Fatalf("error = %v", payload["error"])
	}
	if msg := payload["message"]; msg == "pgx: connection refused" {
		t.Fatalf("production mode leaked internal message: %v", msg)
	}
}
