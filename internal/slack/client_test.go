package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth.test" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer xoxb-token" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "user_id": "U0BOT", "team": "T1"})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BotToken: "xoxb-token", APIBase: srv.URL})
	id, err := c.AuthTest(context.Background())
	if err != nil {
		t.Fatalf("AuthTest failed: %v", err)
	}
	if id != "U0BOT" {
		t.Errorf("user id = %q, want U0BOT", id)
	}
}

func TestPostMessageThreaded(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BotToken: "xoxb-token", APIBase: srv.URL})
	if err := c.PostMessage(context.Background(), "C1", "hello", "1.0"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if got["channel"] != "C1" || got["text"] != "hello" || got["thread_ts"] != "1.0" {
		t.Errorf("payload = %v", got)
	}
}

func TestPostMessageOmitsEmptyThread(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BotToken: "xoxb-token", APIBase: srv.URL})
	if err := c.PostMessage(context.Background(), "C1", "hello", ""); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if _, present := got["thread_ts"]; present {
		t.Error("thread_ts must be omitted for top-level messages")
	}
}

func TestPostMessageRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BotToken: "xoxb-token", APIBase: srv.URL})
	err := c.PostMessage(context.Background(), "C1", "hello", "")
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DeliveryError", err)
	}
	if de.Code != "channel_not_found" {
		t.Errorf("code = %q", de.Code)
	}
}

func TestUploadFileFlow(t *testing.T) {
	var uploadedBytes string
	var completePayload map[string]any

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/files.getUploadURLExternal", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "results.csv" {
			t.Errorf("filename = %q", r.URL.Query().Get("filename"))
		}
		if r.URL.Query().Get("length") != "11" {
			t.Errorf("length = %q", r.URL.Query().Get("length"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "file_id": "F1", "upload_url": srv.URL + "/upload-target",
		})
	})
	mux.HandleFunc("/upload-target", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		uploadedBytes = string(data)
	})
	mux.HandleFunc("/files.completeUploadExternal", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&completePayload)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	c := NewClient(ClientConfig{BotToken: "xoxb-token", APIBase: srv.URL})
	err := c.UploadFile(context.Background(), UploadRequest{
		Channel:  "C1",
		Filename: "results.csv",
		Title:    "Results",
		Comment:  "3 rows attached",
		ThreadTS: "1.0",
		Reader:   strings.NewReader("a,b\n1,2\n3,4"),
		Size:     11,
	})
	if err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}

	if uploadedBytes != "a,b\n1,2\n3,4" {
		t.Errorf("uploaded bytes = %q", uploadedBytes)
	}
	if completePayload["channel_id"] != "C1" || completePayload["thread_ts"] != "1.0" {
		t.Errorf("complete payload = %v", completePayload)
	}
	if completePayload["initial_comment"] != "3 rows attached" {
		t.Errorf("initial_comment = %v", completePayload["initial_comment"])
	}
	files, ok := completePayload["files"].([]any)
	if !ok || len(files) != 1 {
		t.Fatalf("files payload = %v", completePayload["files"])
	}
	file := files[0].(map[string]any)
	if file["id"] != "F1" || file["title"] != "Results" {
		t.Errorf("file entry = %v", file)
	}
}

func TestUploadFileStopsOnReservationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files.getUploadURLExternal" {
			t.Errorf("unexpected call to %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "file_too_large"})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BotToken: "xoxb-token", APIBase: srv.URL})
	err := c.UploadFile(context.Background(), UploadRequest{
		Channel: "C1", Filename: "x.csv", Reader: strings.NewReader("x"), Size: 1,
	})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Code != "file_too_large" {
		t.Fatalf("got %v, want file_too_large DeliveryError", err)
	}
}
