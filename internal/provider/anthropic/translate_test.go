package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/castellan-io/relaygate/internal"
)

func TestTranslateRequestMaxTokensCap(t *testing.T) {
	t.Parallel()

	huge := 1_000_000
	req := &gateway.ChatRequest{
		Model:     "claude-sonnet-4-6",
		MaxTokens: &huge,
		Messages:  []gateway.Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	aReq, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if aReq.MaxTokens != maxTokensCap {
		t.Errorf("max_tokens = %d, want capped at %d", aReq.MaxTokens, maxTokensCap)
	}
}

func TestTranslateRequestImageDataURL(t *testing.T) {
	t.Parallel()

	content := json.RawMessage(`[
		{"type":"text","text":"what is this?"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}
	]`)
	req := &gateway.ChatRequest{
		Model:    "claude-sonnet-4-6",
		Messages: []gateway.Message{{Role: "user", Content: content}},
	}

	aReq, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if len(aReq.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(aReq.Messages))
	}

	blocks := gjson.ParseBytes(aReq.Messages[0].Content)
	if blocks.Get("0.type").String() != "text" {
		t.Errorf("block 0 type = %q, want text", blocks.Get("0.type").String())
	}
	if blocks.Get("1.type").String() != "image" {
		t.Errorf("block 1 type = %q, want image", blocks.Get("1.type").String())
	}
	if blocks.Get("1.source.type").String() != "base64" {
		t.Errorf("source type = %q, want base64", blocks.Get("1.source.type").String())
	}
	if blocks.Get("1.source.media_type").String() != "image/png" {
		t.Errorf("media_type = %q, want image/png", blocks.Get("1.source.media_type").String())
	}
}

func TestTranslateRequestImageHTTPURL(t *testing.T) {
	t.Parallel()

	content := json.RawMessage(`[{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]`)
	req := &gateway.ChatRequest{
		Model:    "claude-sonnet-4-6",
		Messages: []gateway.Message{{Role: "user", Content: content}},
	}

	aReq, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	blocks := gjson.ParseBytes(aReq.Messages[0].Content)
	if blocks.Get("0.source.type").String() != "url" {
		t.Errorf("source type = %q, want url", blocks.Get("0.source.type").String())
	}
	if blocks.Get("0.source.url").String() != "https://example.com/cat.png" {
		t.Errorf("source url = %q", blocks.Get("0.source.url").String())
	}
}

func TestTranslateRequestAssistantToolCalls(t *testing.T) {
	t.Parallel()

	toolCalls := json.RawMessage(`[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"nyc\"}"}}]`)
	req := &gateway.ChatRequest{
		Model: "claude-sonnet-4-6",
		Messages: []gateway.Message{
			{Role: "user", Content: json.RawMessage(`"weather in nyc?"`)},
			{Role: "assistant", Content: json.RawMessage(`"Let me check."`), ToolCalls: toolCalls},
			{Role: "tool", Content: json.RawMessage(`"72F"`), ToolCallID: "call_1"},
		},
	}

	aReq, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if len(aReq.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(aReq.Messages))
	}

	assistantBlocks := gjson.ParseBytes(aReq.Messages[1].Content)
	if assistantBlocks.Get("0.type").String() != "text" {
		t.Errorf("block 0 type = %q, want text", assistantBlocks.Get("0.type").String())
	}
	toolUse := assistantBlocks.Get("1")
	if toolUse.Get("type").String() != "tool_use" {
		t.Errorf("block 1 type = %q, want tool_use", toolUse.Get("type").String())
	}
	if toolUse.Get("id").String() != "call_1" {
		t.Errorf("tool_use id = %q, want call_1", toolUse.Get("id").String())
	}
	if toolUse.Get("name").String() != "get_weather" {
		t.Errorf("tool_use name = %q, want get_weather", toolUse.Get("name").String())
	}
	if toolUse.Get("input.city").String() != "nyc" {
		t.Errorf("tool_use input.city = %q, want nyc", toolUse.Get("input.city").String())
	}

	if aReq.Messages[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", aReq.Messages[2].Role)
	}
	toolResult := gjson.ParseBytes(aReq.Messages[2].Content)
	if toolResult.Get("0.type").String() != "tool_result" {
		t.Errorf("tool result type = %q, want tool_result", toolResult.Get("0.type").String())
	}
	if toolResult.Get("0.tool_use_id").String() != "call_1" {
		t.Errorf("tool_use_id = %q, want call_1", toolResult.Get("0.tool_use_id").String())
	}
}
