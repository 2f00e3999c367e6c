package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.telegram.org"

	defaultUploadTimeout  = 15 * time.Second
	defaultResolveTimeout = 10 * time.Second
)

// TelegramConfig wires a TelegramRelay to a bot and target chat.
type TelegramConfig struct {
	Token  string
	ChatID string
	// APIBase overrides the bot API endpoint, mainly for tests.
	APIBase string
	// FileBase overrides the host used in resolved file URLs. Defaults
	// to APIBase.
	FileBase       string
	UploadTimeout  time.Duration
	ResolveTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// TelegramRelay stores blobs by sending them as photos to a Telegram chat
// and resolving the hosted file path.
type TelegramRelay struct {
	token          string
	chatID         string
	apiBase        string
	fileBase       string
	uploadTimeout  time.Duration
	resolveTimeout time.Duration
	client         *http.Client
	logger         *slog.Logger
}

// NewTelegramRelay validates the config and returns a relay.
func NewTelegramRelay(cfg TelegramConfig) (*TelegramRelay, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram bot token required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, fmt.Errorf("telegram chat id required")
	}
	apiBase := strings.TrimRight(cfg.APIBase, "/")
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	fileBase := strings.TrimRight(cfg.FileBase, "/")
	if fileBase == "" {
		fileBase = apiBase
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}
	resolveTimeout := cfg.ResolveTimeout
	if resolveTimeout <= 0 {
		resolveTimeout = defaultResolveTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramRelay{
		token:          cfg.Token,
		chatID:         cfg.ChatID,
		apiBase:        apiBase,
		fileBase:       fileBase,
		uploadTimeout:  uploadTimeout,
		resolveTimeout: resolveTimeout,
		client:         client,
		logger:         logger,
	}, nil
}

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type photoSize struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
}

type sendPhotoResult struct {
	Photo []photoSize `json:"photo"`
}

type getFileResult struct {
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

// Store implements BlobRelay. The photo is pushed with sendPhoto and the
// hosted path resolved with getFile; Telegram returns several downscaled
// renditions and the last entry is the full-size one.
func (r *TelegramRelay) Store(ctx context.Context, filename, contentType string, data []byte) (StoredBlob, error) {
	photo, err := r.sendPhoto(ctx, filename, contentType, data)
	if err != nil {
		return StoredBlob{}, err
	}
	path, err := r.getFile(ctx, photo.FileID)
	if err != nil {
		// The blob is already hosted at this point; the caller never
		// learns its id, so flag it for manual cleanup.
		r.logger.Warn("uploaded blob left unresolved", "file_id", photo.FileID, "error", err)
		return StoredBlob{}, err
	}
	size := photo.FileSize
	if size == 0 {
		size = int64(len(data))
	}
	return StoredBlob{
		URL:    r.fileBase + "/file/bot" + r.token + "/" + path,
		FileID: photo.FileID,
		Size:   size,
	}, nil
}

func (r *TelegramRelay) sendPhoto(ctx context.Context, filename, contentType string, data []byte) (photoSize, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", r.chatID); err != nil {
		return photoSize{}, &UpstreamError{Op: "sendPhoto", Detail: err.Error()}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="photo"; filename=%q`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return photoSize{}, &UpstreamError{Op: "sendPhoto", Detail: err.Error()}
	}
	if _, err := part.Write(data); err != nil {
		return photoSize{}, &UpstreamError{Op: "sendPhoto", Detail: err.Error()}
	}
	if err := writer.Close(); err != nil {
		return photoSize{}, &UpstreamError{Op: "sendPhoto", Detail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.uploadTimeout)
	defer cancel()

	endpoint := r.apiBase + "/bot" + r.token + "/sendPhoto"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return photoSize{}, &UpstreamError{Op: "sendPhoto", Detail: err.Error()}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	envelope, status, err := r.do(req, "sendPhoto")
	if err != nil {
		return photoSize{}, err
	}
	var result sendPhotoResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return photoSize{}, &UpstreamError{Op: "sendPhoto", Status: status, Detail: "malformed result payload"}
	}
	if len(result.Photo) == 0 {
		return photoSize{}, &UpstreamError{Op: "sendPhoto", Status: status, Detail: "no photo sizes in response"}
	}
	return result.Photo[len(result.Photo)-1], nil
}

func (r *TelegramRelay) getFile(ctx context.Context, fileID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.resolveTimeout)
	defer cancel()

	endpoint := r.apiBase + "/bot" + r.token + "/getFile?file_id=" + url.QueryEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &UpstreamError{Op: "getFile", Detail: err.Error()}
	}

	envelope, status, err := r.do(req, "getFile")
	if err != nil {
		return "", err
	}
	var result getFileResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return "", &UpstreamError{Op: "getFile", Status: status, Detail: "malformed result payload"}
	}
	if result.FilePath == "" {
		return "", &UpstreamError{Op: "getFile", Status: status, Detail: "empty file path"}
	}
	return result.FilePath, nil
}

func (r *TelegramRelay) do(req *http.Request, op string) (apiEnvelope, int, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return apiEnvelope{}, 0, &UpstreamError{Op: op, Detail: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiEnvelope{}, resp.StatusCode, &UpstreamError{Op: op, Status: resp.StatusCode, Detail: err.Error()}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return apiEnvelope{}, resp.StatusCode, &UpstreamError{Op: op, Status: resp.StatusCode, Detail: "malformed response body"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.OK {
		detail := envelope.Description
		if detail == "" {
			detail = strings.TrimSpace(string(payload))
		}
		return apiEnvelope{}, resp.StatusCode, &UpstreamError{Op: op, Status: resp.StatusCode, Detail: detail}
	}
	return envelope, resp.StatusCode, nil
}
