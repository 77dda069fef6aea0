package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	gateway "github.com/castellan-io/relaygate/internal"
)

// streamState tracks the state machine for Converse streaming events.
type streamState struct {
	model        string
	inputTokens  int
	outputTokens int
	totalTokens  int
	stopReason   string
}

// readConverseStream reads AWS binary event stream frames from a
// converse-stream response body and emits OpenAI-format StreamChunks.
// Unlike the model-specific invoke-with-response-stream framing (which
// wraps each event's JSON as base64 inside a {"bytes":...} payload),
// converse-stream puts each event's JSON directly in the frame payload
// and names the event kind in the ":event-type" header.
func readConverseStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, model string) {
	defer close(ch)
	defer body.Close()

	state := streamState{model: model}
	decoder := eventstream.NewDecoder()

	for {
		msg, err := decoder.Decode(body, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			ch <- gateway.StreamChunk{Err: fmt.Errorf("bedrock: decode event stream: %w", err)}
			return
		}

		if headerValue(msg.Headers, ":message-type") == "exception" {
			errType := headerValue(msg.Headers, ":exception-type")
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			ch <- gateway.StreamChunk{Err: fmt.Errorf("bedrock: converse exception: %s: %s", errType, payload)}
			return
		}

		eventType := headerValue(msg.Headers, ":event-type")
		if eventType == "" {
			continue
		}

		chunks := state.handleEvent(eventType, msg.Payload)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

func (s *streamState) handleEvent(eventType string, payload []byte) []gateway.StreamChunk {
	r := gjson.ParseBytes(payload)
	switch eventType {
	case "messageStart":
		chunk := buildDeltaChunk(s.model, map[string]any{"role": "assistant"}, "")
		return []gateway.StreamChunk{{Data: chunk}}
	case "contentBlockStart":
		if tu := r.Get("start.toolUse"); tu.Exists() {
			idx := int(r.Get("contentBlockIndex").Int())
			chunk := buildToolCallStartChunk(s.model, idx, tu.Get("toolUseId").String(), tu.Get("name").String())
			return []gateway.StreamChunk{{Data: chunk}}
		}
		return nil
	case "contentBlockDelta":
		idx := int(r.Get("contentBlockIndex").Int())
		if text := r.Get("delta.text"); text.Exists() {
			chunk := buildDeltaChunk(s.model, map[string]any{"content": text.String()}, "")
			return []gateway.StreamChunk{{Data: chunk}}
		}
		if input := r.Get("delta.toolUse.input"); input.Exists() {
			chunk := buildToolCallDeltaChunk(s.model, idx, input.String())
			return []gateway.StreamChunk{{Data: chunk}}
		}
		return nil
	case "contentBlockStop":
		return nil
	case "messageStop":
		s.stopReason = mapStopReason(r.Get("stopReason").String())
		return []gateway.StreamChunk{{Data: buildFinishChunk(s.model, s.stopReason)}}
	case "metadata":
		u := r.Get("usage")
		if !u.Exists() {
			return nil
		}
		usage := &gateway.Usage{
			PromptTokens:     int(u.Get("inputTokens").Int()),
			CompletionTokens: int(u.Get("outputTokens").Int()),
			TotalTokens:      int(u.Get("totalTokens").Int()),
		}
		return []gateway.StreamChunk{
			{Data: buildUsageChunk(s.model, usage), Usage: usage},
			{Done: true},
		}
	default:
		return nil
	}
}

func buildDeltaChunk(model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildToolCallStartChunk(model string, index int, callID, name string) []byte {
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []map[string]any{{
					"index": index,
					"id":    callID,
					"type":  "function",
					"function": map[string]any{
						"name":      name,
						"arguments": "",
					},
				}},
			},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildToolCallDeltaChunk(model string, index int, argumentsDelta string) []byte {
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": map[string]any{
				"tool_calls": []map[string]any{{
					"index": index,
					"function": map[string]any{
						"arguments": argumentsDelta,
					},
				}},
			},
			"finish_reason": nil,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildFinishChunk(model, finishReason string) []byte {
	chunk := map[string]any{
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func buildUsageChunk(model string, usage *gateway.Usage) []byte {
	chunk := map[string]any{
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
