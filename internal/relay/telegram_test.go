package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fakeTelegram(t *testing.T, sendPhoto, getFile http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bottest-token/sendPhoto", sendPhoto)
	mux.HandleFunc("/bottest-token/getFile", getFile)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func okSendPhoto(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("chat_id"); got != "chat-1" {
			t.Errorf("chat_id = %q, want chat-1", got)
		}
		_, header, err := r.FormFile("photo")
		if err != nil {
			t.Errorf("photo field: %v", err)
		} else if header.Filename != "cat.png" {
			t.Errorf("filename = %q, want cat.png", header.Filename)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"photo":[{"file_id":"thumb","file_size":100},{"file_id":"full","file_size":2048}]}}`)
	}
}

func okGetFile(w http.ResponseWriter, r *http.Request) {
	if got := r.URL.Query().Get("file_id"); got != "full" {
		http.Error(w, "unexpected file_id "+got, http.StatusBadRequest)
		return
	}
	fmt.Fprint(w, `{"ok":true,"result":{"file_path":"photos/file_42.jpg","file_size":2048}}`)
}

func newRelay(t *testing.T, base string) *TelegramRelay {
	t.Helper()
	r, err := NewTelegramRelay(TelegramConfig{
		Token:   "test-token",
		ChatID:  "chat-1",
		APIBase: base,
	})
	if err != nil {
		t.Fatalf("NewTelegramRelay: %v", err)
	}
	return r
}

func TestTelegramRelayStore(t *testing.T) {
	server := fakeTelegram(t, okSendPhoto(t), okGetFile)
	relay := newRelay(t, server.URL)

	blob, err := relay.Store(context.Background(), "cat.png", "image/png", []byte("fake image bytes"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	wantURL := server.URL + "/file/bottest-token/photos/file_42.jpg"
	if blob.URL != wantURL {
		t.Fatalf("URL = %q, want %q", blob.URL, wantURL)
	}
	if blob.FileID != "full" {
		t.Fatalf("FileID = %q, want full (largest rendition)", blob.FileID)
	}
	if blob.Size != 2048 {
		t.Fatalf("Size = %d, want 2048", blob.Size)
	}
}

func TestTelegramRelayEscapesFileID(t *testing.T) {
	const fileID = "AgACAgIAAxkDAAI+7/w=="
	server := fakeTelegram(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"ok":true,"result":{"photo":[{"file_id":%q,"file_size":64}]}}`, fileID)
	}, func(w http.ResponseWriter, r *http.Request) {
		// Query().Get decodes; an unescaped "+" would arrive as a space.
		if got := r.URL.Query().Get("file_id"); got != fileID {
			http.Error(w, "unexpected file_id "+got, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"file_path":"photos/file_7.jpg","file_size":64}}`)
	})
	relay := newRelay(t, server.URL)

	blob, err := relay.Store(context.Background(), "cat.png", "image/png", []byte("x"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if blob.FileID != fileID {
		t.Fatalf("FileID = %q, want %q", blob.FileID, fileID)
	}
}

func TestTelegramRelaySendPhotoRejected(t *testing.T) {
	server := fakeTelegram(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"ok":false,"description":"bot was blocked"}`)
	}, okGetFile)
	relay := newRelay(t, server.URL)

	_, err := relay.Store(context.Background(), "cat.png", "image/png", []byte("x"))
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upstreamErr.Op != "sendPhoto" {
		t.Fatalf("Op = %q, want sendPhoto", upstreamErr.Op)
	}
	if upstreamErr.Detail != "bot was blocked" {
		t.Fatalf("Detail = %q, want upstream description", upstreamErr.Detail)
	}
}

func TestTelegramRelayGetFileFails(t *testing.T) {
	server := fakeTelegram(t, okSendPhoto(t), func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ok":false,"description":"file is too big"}`)
	})
	relay := newRelay(t, server.URL)

	_, err := relay.Store(context.Background(), "cat.png", "image/png", []byte("x"))
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upstreamErr.Op != "getFile" {
		t.Fatalf("Op = %q, want getFile", upstreamErr.Op)
	}
}

func TestTelegramRelayMalformedResponse(t *testing.T) {
	server := fakeTelegram(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}, okGetFile)
	relay := newRelay(t, server.URL)

	_, err := relay.Store(context.Background(), "cat.png", "image/png", []byte("x"))
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if !strings.Contains(upstreamErr.Detail, "malformed") {
		t.Fatalf("Detail = %q, want malformed body report", upstreamErr.Detail)
	}
}

func TestTelegramRelayUploadTimeout(t *testing.T) {
	server := fakeTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}, okGetFile)
	relay, err := NewTelegramRelay(TelegramConfig{
		Token:         "test-token",
		ChatID:        "chat-1",
		APIBase:       server.URL,
		UploadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewTelegramRelay: %v", err)
	}

	_, err = relay.Store(context.Background(), "cat.png", "image/png", []byte("x"))
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upstreamErr.Op != "sendPhoto" {
		t.Fatalf("Op = %q, want sendPhoto", upstreamErr.Op)
	}
}

func TestNewTelegramRelayValidation(t *testing.T) {
	if _, err := NewTelegramRelay(TelegramConfig{ChatID: "chat-1"}); err == nil {
		t.Fatal("missing token accepted")
	}
	if _, err := NewTelegramRelay(TelegramConfig{Token: "t"}); err == nil {
		t.Fatal("missing chat id accepted")
	}
}
