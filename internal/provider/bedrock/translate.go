// Package bedrock implements the gateway.Provider adapter for the generic
// AWS Bedrock Converse API, used for any Bedrock-hosted model family that
// speaks Converse rather than a model-specific invoke body (Anthropic's own
// Messages-shaped body on Bedrock is handled by the anthropic package).
package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/castellan-io/relaygate/internal"
)

// converseRequest is the Bedrock Converse API request body.
type converseRequest struct {
	Messages        []converseMessage  `json:"messages"`
	System          []converseTextBlock `json:"system,omitempty"`
	InferenceConfig *inferenceConfig   `json:"inferenceConfig,omitempty"`
	ToolConfig      *toolConfig        `json:"toolConfig,omitempty"`
}

type converseMessage struct {
	Role    string            `json:"role"`
	Content []converseContent `json:"content"`
}

// converseContent is a tagged union over Converse's content block shapes.
// Exactly one of Text/ToolUse/ToolResult is set.
type converseContent struct {
	Text       string              `json:"text,omitempty"`
	ToolUse    *converseToolUse    `json:"toolUse,omitempty"`
	ToolResult *converseToolResult `json:"toolResult,omitempty"`
}

type converseToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type converseToolResult struct {
	ToolUseID string            `json:"toolUseId"`
	Content   []converseContent `json:"content"`
}

type converseTextBlock struct {
	Text string `json:"text"`
}

type inferenceConfig struct {
	MaxTokens     *int     `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type toolConfig struct {
	Tools []converseTool `json:"tools"`
}

type converseTool struct {
	ToolSpec converseToolSpec `json:"toolSpec"`
}

type converseToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema converseSchema `json:"inputSchema"`
}

type converseSchema struct {
	JSON json.RawMessage `json:"json"`
}

// translateRequest converts an OpenAI-format ChatRequest to a Bedrock
// Converse request.
func translateRequest(req *gateway.ChatRequest) (*converseRequest, error) {
	out := &converseRequest{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		cfg := &inferenceConfig{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		}
		if len(req.Stop) > 0 {
			var stops []string
			if json.Unmarshal(req.Stop, &stops) != nil {
				var single string
				if json.Unmarshal(req.Stop, &single) == nil && single != "" {
					stops = []string{single}
				}
			}
			cfg.StopSequences = stops
		}
		out.InferenceConfig = cfg
	}

	if len(req.Tools) > 0 {
		tools, err := translateTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("translate tools: %w", err)
		}
		if len(tools) > 0 {
			out.ToolConfig = &toolConfig{Tools: tools}
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = append(out.System, converseTextBlock{Text: extractText(m.Content)})
		case "user":
			out.Messages = append(out.Messages, converseMessage{
				Role:    "user",
				Content: []converseContent{{Text: extractText(m.Content)}},
			})
		case "assistant":
			content, err := translateAssistantContent(m.Content, m.ToolCalls)
			if err != nil {
				return nil, fmt.Errorf("translate assistant content: %w", err)
			}
			out.Messages = append(out.Messages, converseMessage{Role: "assistant", Content: content})
		case "tool":
			out.Messages = append(out.Messages, converseMessage{
				Role: "user",
				Content: []converseContent{{ToolResult: &converseToolResult{
					ToolUseID: m.ToolCallID,
					Content:   []converseContent{{Text: extractText(m.Content)}},
				}}},
			})
		}
	}

	return out, nil
}

// translateTools converts OpenAI-format tool definitions
// ({"type":"function","function":{"name",...,"parameters"}}) to Converse's
// toolSpec shape.
func translateTools(raw json.RawMessage) ([]converseTool, error) {
	var openaiTools []struct {
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &openaiTools); err != nil {
		return nil, err
	}
	tools := make([]converseTool, 0, len(openaiTools))
	for _, t := range openaiTools {
		tools = append(tools, converseTool{ToolSpec: converseToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: converseSchema{JSON: t.Function.Parameters},
		}})
	}
	return tools, nil
}

// translateAssistantContent builds Converse content blocks for an assistant
// history message, rebuilding tool_use blocks from the OpenAI-format
// tool_calls array the way the Anthropic adapter does for its own history.
func translateAssistantContent(content, toolCalls json.RawMessage) ([]converseContent, error) {
	var blocks []converseContent
	if text := extractText(content); text != "" {
		blocks = append(blocks, converseContent{Text: text})
	}
	if len(toolCalls) == 0 {
		return blocks, nil
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
		input := json.RawMessage(c.Function.Arguments)
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, converseContent{ToolUse: &converseToolUse{
			ToolUseID: c.ID,
			Name:      c.Function.Name,
			Input:     input,
		}})
	}
	return blocks, nil
}

// extractText extracts a text string from a JSON content field which may be
// a raw string or a structured OpenAI multimodal content array.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
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

// translateResponse converts a Bedrock Converse JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte, requestModel string) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	stopReason := mapStopReason(r.Get("stopReason").String())

	var contentText strings.Builder
	var toolCalls []json.RawMessage
	r.Get("output.message.content").ForEach(func(_, block gjson.Result) bool {
		if text := block.Get("text"); text.Exists() {
			contentText.WriteString(text.String())
		}
		if tu := block.Get("toolUse"); tu.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   tu.Get("toolUseId").String(),
				"type": "function",
				"function": map[string]any{
					"name":      tu.Get("name").String(),
					"arguments": tu.Get("input").Raw,
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
	if u := r.Get("usage"); u.Exists() {
		usage = &gateway.Usage{
			PromptTokens:     int(u.Get("inputTokens").Int()),
			CompletionTokens: int(u.Get("outputTokens").Int()),
			TotalTokens:      int(u.Get("totalTokens").Int()),
		}
	}

	return &gateway.ChatResponse{
		ID:      "bedrock-" + requestModel,
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Converse stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "content_filtered":
		return "content_filter"
	default:
		return reason
	}
}
