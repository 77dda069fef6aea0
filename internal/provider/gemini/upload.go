package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/castellan-io/relaygate/internal/provider"
)

// maxFetchedImageBytes bounds how much of a remote image_url this adapter
// will download before handing it to the Files API.
const maxFetchedImageBytes = 20 << 20

// imageFetchClient is deliberately separate from Client.http: it reaches
// arbitrary caller-supplied hosts for image_url values, so it must never
// carry the transport that attaches this provider's Gemini credentials.
var imageFetchClient = &http.Client{Timeout: 30 * time.Second}

// uploadedFile is the Files API resource returned once an upload finalizes.
type uploadedFile struct {
	URI      string
	MimeType string
}

// resolveImageURL downloads a remote image and uploads it through the Files
// API, returning a reference usable in a fileData part. Vertex hosting has
// no equivalent public Files API, so it's rejected up front.
func (c *Client) resolveImageURL(ctx context.Context, url string) (*uploadedFile, error) {
	if c.hosting == "vertex" {
		return nil, fmt.Errorf("gemini: image URL upload is not supported for vertex hosting")
	}

	fetchReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create image fetch request: %w", err)
	}
	resp, err := imageFetchClient.Do(fetchReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini: fetch image: status %d", resp.StatusCode)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedImageBytes))
	if err != nil {
		return nil, fmt.Errorf("gemini: read image: %w", err)
	}

	return c.uploadFile(ctx, data, mimeType)
}

// uploadBaseURL returns the host root the Files API upload surface lives
// under, derived from the configured generateContent baseURL.
func (c *Client) uploadBaseURL() string {
	root := c.baseURL
	if idx := strings.LastIndex(root, "/v1beta"); idx >= 0 {
		root = root[:idx]
	}
	return root
}

// uploadFile pushes data to the Gemini Files API using the resumable upload
// protocol: POST starts the session and returns a session upload URL, HEAD
// queries that session for bytes already received (so a retried upload
// resumes instead of restarting from zero), and PUT sends the remaining
// bytes with the finalize command.
func (c *Client) uploadFile(ctx context.Context, data []byte, mimeType string) (*uploadedFile, error) {
	startURL := c.uploadBaseURL() + "/upload/v1beta/files"

	startReq, err := http.NewRequestWithContext(ctx, http.MethodPost, startURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create upload start request: %w", err)
	}
	startReq.Header.Set("X-Goog-Upload-Protocol", "resumable")
	startReq.Header.Set("X-Goog-Upload-Command", "start")
	startReq.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.Itoa(len(data)))
	startReq.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)
	startReq.Header.Set("Content-Type", "application/json")

	startResp, err := c.http.Do(startReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: start upload: %w", err)
	}
	startResp.Body.Close()
	if startResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini: start upload: status %d", startResp.StatusCode)
	}
	uploadURL := startResp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return nil, fmt.Errorf("gemini: upload session response missing X-Goog-Upload-URL")
	}

	offset, err := c.uploadOffset(ctx, uploadURL)
	if err != nil {
		return nil, err
	}
	if offset > int64(len(data)) {
		return nil, fmt.Errorf("gemini: upload session reports offset %d past payload size %d", offset, len(data))
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data[offset:]))
	if err != nil {
		return nil, fmt.Errorf("gemini: create upload request: %w", err)
	}
	putReq.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	putReq.Header.Set("X-Goog-Upload-Offset", strconv.FormatInt(offset, 10))
	putReq.ContentLength = int64(len(data)) - offset

	putResp, err := c.http.Do(putReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: upload bytes: %w", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, putResp)
	}

	body, err := io.ReadAll(io.LimitReader(putResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read upload response: %w", err)
	}

	r := gjson.ParseBytes(body)
	return &uploadedFile{
		URI:      r.Get("file.uri").String(),
		MimeType: r.Get("file.mimeType").String(),
	}, nil
}

// uploadOffset queries how many bytes of a resumable session the server has
// already received, defaulting to 0 for a freshly started session.
func (c *Client) uploadOffset(ctx context.Context, uploadURL string) (int64, error) {
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, uploadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("gemini: create upload status request: %w", err)
	}
	headReq.Header.Set("X-Goog-Upload-Command", "query")

	resp, err := c.http.Do(headReq)
	if err != nil {
		return 0, fmt.Errorf("gemini: query upload status: %w", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("X-Goog-Upload-Size-Received"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			return n, nil
		}
	}
	return 0, nil
}
