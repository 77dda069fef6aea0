package gemini

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUploadFile_ResumableFlow(t *testing.T) {
	t.Parallel()

	var sawStart, sawOffsetQuery, sawFinalize bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/upload/v1beta/files":
			sawStart = true
			w.Header().Set("X-Goog-Upload-URL", "http://"+r.Host+"/upload/session/1")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead && r.URL.Path == "/upload/session/1":
			sawOffsetQuery = true
			w.Header().Set("X-Goog-Upload-Size-Received", "0")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && r.URL.Path == "/upload/session/1":
			sawFinalize = true
			body, _ := io.ReadAll(r.Body)
			if string(body) != "image-bytes" {
				t.Errorf("uploaded body = %q, want image-bytes", body)
			}
			if r.Header.Get("X-Goog-Upload-Command") != "upload, finalize" {
				t.Errorf("X-Goog-Upload-Command = %q", r.Header.Get("X-Goog-Upload-Command"))
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"file":{"uri":"files/xyz","mimeType":"image/png"}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient("gemini", "test-key", srv.URL+"/v1beta")
	file, err := c.uploadFile(context.Background(), []byte("image-bytes"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if file.URI != "files/xyz" {
		t.Errorf("uri = %q, want files/xyz", file.URI)
	}
	if file.MimeType != "image/png" {
		t.Errorf("mimeType = %q, want image/png", file.MimeType)
	}
	if !sawStart || !sawOffsetQuery || !sawFinalize {
		t.Errorf("expected start+offset-query+finalize, got start=%v offset=%v finalize=%v", sawStart, sawOffsetQuery, sawFinalize)
	}
}

func TestUploadFile_ResumesFromPartialOffset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/upload/v1beta/files":
			w.Header().Set("X-Goog-Upload-URL", "http://"+r.Host+"/upload/session/2")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead:
			w.Header().Set("X-Goog-Upload-Size-Received", "6")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			if string(body) != "world!" {
				t.Errorf("uploaded remainder = %q, want world!", body)
			}
			if r.Header.Get("X-Goog-Upload-Offset") != "6" {
				t.Errorf("X-Goog-Upload-Offset = %q, want 6", r.Header.Get("X-Goog-Upload-Offset"))
			}
			w.Write([]byte(`{"file":{"uri":"files/resumed","mimeType":"image/png"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient("gemini", "test-key", srv.URL+"/v1beta")
	file, err := c.uploadFile(context.Background(), []byte("hello world!"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if file.URI != "files/resumed" {
		t.Errorf("uri = %q, want files/resumed", file.URI)
	}
}

func TestResolveImageURL_RejectsVertexHosting(t *testing.T) {
	t.Parallel()

	c := NewWithHosting("vertex-gemini", "https://us-central1-aiplatform.googleapis.com",
		&http.Client{}, "vertex", "us-central1", "my-project")

	if _, err := c.resolveImageURL(context.Background(), "https://example.com/cat.jpg"); err == nil {
		t.Fatal("expected an error resolving an image URL under vertex hosting")
	}
}
