// Package gemini implements the gateway.Provider adapter for the Google Gemini API.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/castellan-io/relaygate/internal"
)

// geminiRequest is the Gemini generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiContent           `json:"systemInstruction,omitempty"`
	Tools             []geminiTool             `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FileData         *geminiFileData `json:"fileData,omitempty"`
}

// geminiBlob carries a base64-encoded inline media payload, used for
// data: URI images small enough to embed directly in the request body.
type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// geminiFileData references a file previously uploaded through the Files
// API, used for http(s) image URLs too large or too remote to inline.
type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// mediaResolver uploads remote media to the Gemini Files API and returns a
// reference to it. Client.resolveImageURL is the production implementation;
// tests can supply a stub to avoid network access.
type mediaResolver func(ctx context.Context, url string) (*uploadedFile, error)

type geminiTool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

// translateRequest converts an OpenAI ChatRequest to a Gemini generateContent
// request. resolve uploads any remote image_url content through the Files
// API; pass nil if the request is known to carry no image_url parts.
func translateRequest(ctx context.Context, req *gateway.ChatRequest, resolve mediaResolver) (*geminiRequest, error) {
	out := &geminiRequest{}

	// Generation config.
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	// Tools: extract function declarations from OpenAI tools format.
	if len(req.Tools) > 0 {
		var openaiTools []struct {
			Function json.RawMessage `json:"function"`
		}
		if json.Unmarshal(req.Tools, &openaiTools) == nil && len(openaiTools) > 0 {
			var decls []json.RawMessage
			for _, t := range openaiTools {
				if t.Function != nil {
					decls = append(decls, t.Function)
				}
			}
			if len(decls) > 0 {
				raw, _ := json.Marshal(decls)
				out.Tools = []geminiTool{{FunctionDeclarations: raw}}
			}
		}
	}

	// Messages.
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			text := extractText(m.Content)
			out.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: text}},
			}
		case "user":
			parts, err := extractParts(ctx, m.Content, resolve)
			if err != nil {
				return nil, fmt.Errorf("gemini: translate message content: %w", err)
			}
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: parts,
			})
		case "assistant":
			text := extractText(m.Content)
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: text}},
			})
		case "tool":
			// Tool results map to functionResponse parts.
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": json.RawMessage(m.Content),
			})
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: fr}},
			})
		}
	}

	return out, nil
}

// translateResponse converts a Gemini generateContent JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte, requestModel string) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	stopReason := mapStopReason(r.Get("candidates.0.finishReason").String())

	// Extract content from first candidate.
	var contentText strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			contentText.WriteString(text.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   fc.Get("name").String(), // Gemini doesn't have separate IDs
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
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
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = &gateway.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}

	return &gateway.ChatResponse{
		ID:      "gemini-" + requestModel,
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Gemini finish reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	case "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}

// extractText extracts a text string from a JSON content field which may be
// a raw string or a structured content array.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	// Try as quoted string first.
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	// Try as array of content parts (OpenAI multimodal format).
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// openaiContentPart mirrors the OpenAI multimodal content block shape:
// {"type":"text","text":"..."} or {"type":"image_url","image_url":{"url":"..."}}.
type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// extractParts converts a message's content field to Gemini parts,
// translating OpenAI image_url blocks to inline_data (data: URIs) or
// file_data (http/https URLs, uploaded through the Files API first).
func extractParts(ctx context.Context, raw json.RawMessage, resolve mediaResolver) ([]geminiPart, error) {
	if len(raw) == 0 {
		return []geminiPart{{Text: ""}}, nil
	}

	// Plain string content: no multimodal parts possible.
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []geminiPart{{Text: s}}, nil
	}

	var blocks []openaiContentPart
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return []geminiPart{{Text: string(raw)}}, nil
	}

	parts := make([]geminiPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, geminiPart{Text: b.Text})
		case "image_url":
			part, err := translateImageURL(ctx, b.ImageURL.URL, resolve)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
	}
	return parts, nil
}

// translateImageURL turns an OpenAI image_url value into a Gemini part. A
// data: URI is embedded directly as inlineData; an http(s) URL is uploaded
// through the Files API and referenced as fileData.
func translateImageURL(ctx context.Context, url string, resolve mediaResolver) (geminiPart, error) {
	if mimeType, data, ok := strings.Cut(url, ";base64,"); ok && strings.HasPrefix(mimeType, "data:") {
		if _, err := base64.StdEncoding.DecodeString(data); err != nil {
			return geminiPart{}, fmt.Errorf("gemini: decode inline image: %w", err)
		}
		return geminiPart{InlineData: &geminiBlob{
			MimeType: strings.TrimPrefix(mimeType, "data:"),
			Data:     data,
		}}, nil
	}

	if resolve == nil {
		return geminiPart{}, fmt.Errorf("gemini: image URL %q requires a Files API upload, which this client is not configured for", url)
	}
	uploaded, err := resolve(ctx, url)
	if err != nil {
		return geminiPart{}, fmt.Errorf("gemini: upload image url: %w", err)
	}
	return geminiPart{FileData: &geminiFileData{
		MimeType: uploaded.MimeType,
		FileURI:  uploaded.URI,
	}}, nil
}
