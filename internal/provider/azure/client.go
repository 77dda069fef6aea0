// Package azure implements the gateway.Provider adapter for Azure OpenAI
// deployments. Azure speaks the same chat-completions JSON schema as
// OpenAI, but the URL carries the deployment name instead of a bare model
// field, auth uses an "api-key" header instead of a bearer token, and
// every request needs an "api-version" query parameter.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/sjson"

	gateway "github.com/castellan-io/relaygate/internal"
	"github.com/castellan-io/relaygate/internal/provider"
	"github.com/castellan-io/relaygate/internal/provider/sseutil"
)

const providerName = "azure"

var _ gateway.Provider = (*Client)(nil)

// Client is an Azure OpenAI provider adapter that implements gateway.Provider.
// The credential is (api_key, api_version); api_key is applied by the
// transport chain, api_version is carried on Client for query-string use.
type Client struct {
	name       string
	baseURL    string // e.g. "https://my-resource.openai.azure.com"
	apiVersion string
	http       *http.Client
}

// New creates an Azure OpenAI Client. baseURL is the resource endpoint
// (no path); apiVersion is the "api-version" query parameter value
// (e.g. "2024-10-21"), required on every call.
func New(name, baseURL, apiVersion string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Transport: provider.NewTransport(nil, true)}
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		http:       client,
	}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

// Type returns the wire format identifier.
func (c *Client) Type() string { return providerName }

// deploymentURL builds the Azure deployment-scoped URL for endpoint,
// using model as the deployment name (Azure deployment names stand in for
// model ids: a tenant's ProviderConfig.ModelNameMap typically maps a
// canonical model string to the deployment name before this is called).
func (c *Client) deploymentURL(model, endpoint string) string {
	v := url.Values{"api-version": {c.apiVersion}}
	return fmt.Sprintf("%s/openai/deployments/%s/%s?%s",
		c.baseURL, url.PathEscape(model), endpoint, v.Encode())
}

// ChatCompletion sends a non-streaming chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deploymentURL(req.Model, "chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. Azure's
// stream occasionally emits a chunk with an empty "choices" array (a quirk
// not seen on api.openai.com); readAzureSSEStream rewrites those to carry a
// single empty-delta choice so canonical consumers never index past a
// zero-length slice.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deploymentURL(req.Model, "chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readAzureSSEStream(ctx, resp, ch)
	return ch, nil
}

// Embeddings sends an embedding request to an Azure embeddings deployment.
func (c *Client) Embeddings(ctx context.Context, req *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deploymentURL(req.Model, "embeddings"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out gateway.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}
	return &out, nil
}

// ListModels returns nil: Azure has no models endpoint scoped the way
// OpenAI's is (model availability is a per-deployment admin decision, not
// discoverable from the API with a single credential).
func (c *Client) ListModels(_ context.Context) ([]string, error) {
	return nil, nil
}

// HealthCheck verifies connectivity by issuing a HEAD to the resource root.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("azure: health check: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("azure: health check: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
}

// readAzureSSEStream wraps sseutil.ReadSSEStream's line parsing but patches
// the empty-"choices" quirk before handing each frame to the canonical
// consumer. Re-implemented here (rather than adding an Azure branch inside
// sseutil) since the patch is Azure-specific and the rest of the SSE
// machinery -- usage extraction, [DONE] handling -- is unchanged.
func readAzureSSEStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		payload := patchEmptyChoices([]byte(data))
		chunk := gateway.StreamChunk{Data: payload}
		if usage := extractUsage(payload); usage != nil {
			chunk.Usage = usage
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("azure: read stream: %w", err)}
	}
}

// patchEmptyChoices rewrites a chunk whose "choices" array is empty (Azure's
// content-filter heartbeat frames) to carry one empty-delta choice, so a
// canonical consumer indexing choices[0] never panics. Frames with a
// populated choices array pass through unchanged.
func patchEmptyChoices(data []byte) []byte {
	var probe struct {
		Choices []json.RawMessage `json:"choices"`
	}
	if json.Unmarshal(data, &probe) != nil || len(probe.Choices) > 0 {
		return data
	}
	patched, err := sjson.SetBytes(data, "choices", []map[string]any{{
		"index": 0,
		"delta": map[string]any{},
	}})
	if err != nil {
		return data
	}
	return patched
}

// extractUsage pulls the top-level "usage" field out of a canonical chunk,
// if present and non-zero.
func extractUsage(data []byte) *gateway.Usage {
	var probe struct {
		Usage *gateway.Usage `json:"usage"`
	}
	if json.Unmarshal(data, &probe) != nil || probe.Usage == nil || probe.Usage.TotalTokens == 0 {
		return nil
	}
	return probe.Usage
}
