// Package anthropic implements the gateway.Provider adapter for the Anthropic API.
package anthropic

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/castellan-io/relaygate/internal"
)

// maxTokensCap is a conservative upper bound on requested output tokens.
// Anthropic enforces per-model ceilings that vary by model family; rather
// than track every model's actual ceiling we clamp to a value comfortably
// inside all of them and let the model-specific limit (if lower) reject
// anything still too large.
const maxTokensCap = 16384

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// translateRequest converts an OpenAI-format ChatRequest to an Anthropic Messages API request.
func translateRequest(req *gateway.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   4096, // Anthropic requires max_tokens
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Tools:       req.Tools,
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if out.MaxTokens > maxTokensCap {
		slog.Warn("anthropic: max_tokens clamped", "requested", out.MaxTokens, "cap", maxTokensCap)
		out.MaxTokens = maxTokensCap
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "user":
			content, err := translateUserContent(m.Content)
			if err != nil {
				return nil, fmt.Errorf("translate user content: %w", err)
			}
			out.Messages = append(out.Messages, anthropicMsg{Role: "user", Content: content})
		case "assistant":
			content, err := translateAssistantContent(m.Content, m.ToolCalls)
			if err != nil {
				return nil, fmt.Errorf("translate assistant content: %w", err)
			}
			out.Messages = append(out.Messages, anthropicMsg{Role: "assistant", Content: content})
		case "tool":
			// Tool results map to user role in Anthropic's format.
			toolResult := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    "user",
				Content: json.RawMessage(toolResult),
			})
		}
	}

	return out, nil
}

// translateUserContent converts OpenAI-format content (a plain string, or an
// array of {type: text|image_url} parts) into Anthropic content blocks.
// Plain strings pass through unchanged since Anthropic accepts bare string
// content for text-only turns.
func translateUserContent(content json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" || trimmed[0] == '"' {
		return content, nil
	}
	if trimmed[0] != '[' {
		return content, nil
	}

	parts := gjson.ParseBytes(content)
	var blocks []map[string]any
	var translateErr error
	parts.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": part.Get("text").String()})
		case "image_url":
			block, err := translateImageBlock(part.Get("image_url.url").String())
			if err != nil {
				translateErr = err
				return false
			}
			blocks = append(blocks, block)
		}
		return true
	})
	if translateErr != nil {
		return nil, translateErr
	}

	return json.Marshal(blocks)
}

// translateImageBlock converts an OpenAI-format image_url into an Anthropic
// image content block. Data URLs (data:<mime>;base64,<payload>) become base64
// source blocks; http(s) URLs become url source blocks passed straight through
// for Anthropic to fetch itself.
func translateImageBlock(url string) (map[string]any, error) {
	if mediaType, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ";base64,"); ok {
		if err := ensureBase64Decodable(data); err != nil {
			return nil, fmt.Errorf("invalid base64 image data: %w", err)
		}
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       data,
			},
		}, nil
	}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return map[string]any{
			"type": "image",
			"source": map[string]any{
				"type": "url",
				"url":  url,
			},
		}, nil
	}
	return nil, fmt.Errorf("unsupported image_url format: %q", url)
}

// translateAssistantContent builds Anthropic content blocks for an assistant
// history message, combining any prior text with tool_use blocks rebuilt from
// the OpenAI-format tool_calls array (Anthropic requires history tool calls
// to appear as tool_use blocks, not a separate field).
func translateAssistantContent(content, toolCalls json.RawMessage) (json.RawMessage, error) {
	if len(toolCalls) == 0 {
		return content, nil
	}

	var blocks []map[string]any
	if text := extractPlainText(content); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}

	var calls []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(toolCalls, &calls); err != nil {
		return nil, fmt.Errorf("parse tool_calls: %w", err)
	}
	for _, c := range calls {
		var input any
		if err := json.Unmarshal([]byte(c.Function.Arguments), &input); err != nil {
			input = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    c.ID,
			"name":  c.Function.Name,
			"input": input,
		})
	}

	return json.Marshal(blocks)
}

// extractPlainText returns the text of a bare-string content payload, or ""
// for empty/non-string/array content.
func extractPlainText(content json.RawMessage) string {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" || trimmed[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err != nil {
		return ""
	}
	return s
}

// translateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte) (*gateway.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := mapStopReason(result.Get("stop_reason").String())

	// Build message content from content blocks.
	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = &gateway.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("input_tokens").Int()) + int(u.Get("output_tokens").Int()),
		}
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

// ensureBase64Decodable validates that a base64 payload decodes cleanly
// before it is shipped upstream, so malformed client input surfaces as a
// clear local error instead of an opaque Anthropic 400.
func ensureBase64Decodable(data string) error {
	_, err := base64.StdEncoding.DecodeString(data)
	return err
}
