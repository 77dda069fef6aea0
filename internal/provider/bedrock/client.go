package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	gateway "github.com/castellan-io/relaygate/internal"
	"github.com/castellan-io/relaygate/internal/provider"
)

const providerName = "bedrock"

var _ gateway.Provider = (*Client)(nil)

// Client is a generic Bedrock Converse API adapter, used for model families
// that don't get a model-specific adapter of their own (Titan, Llama,
// Mistral, and other Bedrock-hosted models that share the Converse
// request/response shape). Credentials are applied by the http.Client's
// SigV4 transport.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	region  string
}

// New creates a Bedrock Client. baseURL defaults to
// "https://bedrock-runtime.<region>.amazonaws.com" when empty. The http
// client should carry a cloudauth.AWSSigV4Transport scoped to the
// "bedrock" signing service and the same region.
func New(name, region, baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	if client == nil {
		client = &http.Client{Transport: provider.NewTransport(nil, true)}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		region:  region,
	}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the wire format identifier.
func (c *Client) Type() string { return providerName }

func (c *Client) converseURL(model string) string {
	return fmt.Sprintf("%s/model/%s/converse", c.baseURL, escapeModelID(model))
}

func (c *Client) converseStreamURL(model string) string {
	return fmt.Sprintf("%s/model/%s/converse-stream", c.baseURL, escapeModelID(model))
}

// escapeModelID path-escapes a model ID, including the ':' that
// url.PathEscape leaves as-is (e.g. "...-v1:0" becomes "...-v1%3A0").
func escapeModelID(model string) string {
	return strings.ReplaceAll(url.PathEscape(model), ":", "%3A")
}

// ChatCompletion sends a non-streaming chat completion request via Converse.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	cReq, err := translateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: translate request: %w", err)
	}

	body, err := json.Marshal(cReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.converseURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bedrock: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("bedrock: read response: %w", err)
	}

	return translateResponse(respBody, req.Model)
}

// ChatCompletionStream sends a streaming chat completion request via
// converse-stream, decoding the AWS binary event stream response.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	cReq, err := translateRequest(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: translate request: %w", err)
	}

	body, err := json.Marshal(cReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.converseStreamURL(req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bedrock: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readConverseStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// Embeddings is not supported through the Converse API; Bedrock embeddings
// live on a per-model invoke body (e.g. Titan Embeddings) outside Converse's
// scope.
func (c *Client) Embeddings(_ context.Context, _ *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	return nil, fmt.Errorf("bedrock: embeddings not supported via converse")
}

// ListModels returns a curated list of Bedrock foundation models known to
// speak Converse. Bedrock's model listing API lives on the separate
// control-plane host ("bedrock", not "bedrock-runtime") and would require a
// second SigV4 scope; callers that need the live catalog should query it
// directly and configure routes accordingly.
func (c *Client) ListModels(_ context.Context) ([]string, error) {
	return []string{
		"amazon.titan-text-premier-v1:0",
		"meta.llama3-1-70b-instruct-v1:0",
		"mistral.mistral-large-2407-v1:0",
		"cohere.command-r-plus-v1:0",
	}, nil
}

// HealthCheck verifies connectivity to the Bedrock runtime endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	resp.Body.Close()
	return nil
}
