package gemini

import (
	"context"
	"encoding/json"
	"testing"

	gateway "github.com/castellan-io/relaygate/internal"
)

func TestTranslateRequest_InlineImage(t *testing.T) {
	t.Parallel()

	content := `[{"type":"text","text":"what is this?"},` +
		`{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}]`
	req := &gateway.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(content)},
		},
	}

	gReq, err := translateRequest(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(gReq.Contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(gReq.Contents))
	}
	parts := gReq.Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if parts[0].Text != "what is this?" {
		t.Errorf("parts[0].Text = %q", parts[0].Text)
	}
	if parts[1].InlineData == nil {
		t.Fatal("parts[1] should carry inlineData")
	}
	if parts[1].InlineData.MimeType != "image/png" {
		t.Errorf("mimeType = %q, want image/png", parts[1].InlineData.MimeType)
	}
	if parts[1].InlineData.Data != "aGVsbG8=" {
		t.Errorf("data = %q, want aGVsbG8=", parts[1].InlineData.Data)
	}
}

func TestTranslateRequest_RemoteImageURL(t *testing.T) {
	t.Parallel()

	content := `[{"type":"image_url","image_url":{"url":"https://example.com/cat.jpg"}}]`
	req := &gateway.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(content)},
		},
	}

	resolve := func(_ context.Context, url string) (*uploadedFile, error) {
		if url != "https://example.com/cat.jpg" {
			t.Errorf("resolve called with %q", url)
		}
		return &uploadedFile{URI: "files/abc123", MimeType: "image/jpeg"}, nil
	}

	gReq, err := translateRequest(context.Background(), req, resolve)
	if err != nil {
		t.Fatal(err)
	}
	parts := gReq.Contents[0].Parts
	if len(parts) != 1 || parts[0].FileData == nil {
		t.Fatalf("expected a single fileData part, got %+v", parts)
	}
	if parts[0].FileData.FileURI != "files/abc123" {
		t.Errorf("fileUri = %q, want files/abc123", parts[0].FileData.FileURI)
	}
}

func TestTranslateRequest_RemoteImageURLWithoutResolver(t *testing.T) {
	t.Parallel()

	content := `[{"type":"image_url","image_url":{"url":"https://example.com/cat.jpg"}}]`
	req := &gateway.ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(content)},
		},
	}

	if _, err := translateRequest(context.Background(), req, nil); err == nil {
		t.Fatal("expected an error when no resolver is configured for a remote image URL")
	}
}
