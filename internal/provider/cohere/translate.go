package cohere

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/castellan-io/relaygate/internal"
)

// chatRequest is the Cohere v2 chat API request shape. Unlike Cohere's v1
// API (prompt/chat_history), v2 takes an OpenAI-style messages array, so
// translation is a straight field copy for the common case.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	P           *float64      `json:"p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	StopSeqs    []string      `json:"stop_sequences,omitempty"`
}

// translateChatRequest converts a canonical ChatRequest into Cohere v2's
// chat request shape. Content parts (multimodal, tool_calls) are not
// supported by this translation; only plain-text message content is.
func translateChatRequest(req *gateway.ChatRequest) (*chatRequest, error) {
	out := &chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		P:           req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		text, err := messageText(m.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err)
		}
		role := m.Role
		if role == "tool" {
			// Cohere v2 has no direct "tool" role in this minimal translation;
			// fold tool results into a user turn so history stays coherent.
			role = "user"
		}
		out.Messages = append(out.Messages, chatMessage{Role: role, Content: text})
	}
	if len(req.Stop) > 0 {
		var stops []string
		if err := json.Unmarshal(req.Stop, &stops); err == nil {
			out.StopSeqs = stops
		} else {
			var single string
			if json.Unmarshal(req.Stop, &single) == nil && single != "" {
				out.StopSeqs = []string{single}
			}
		}
	}
	return out, nil
}

// messageText extracts plain text from a canonical message's Content field,
// which may be a JSON string or an array of {type:"text", text} parts.
func messageText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unsupported message content shape: %w", err)
	}
	var text string
	for _, p := range parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	return text, nil
}

// chatResponse is the Cohere v2 chat API response shape.
type chatResponse struct {
	ID      string `json:"id"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
	Usage        struct {
		BilledUnits struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"usage"`
}

// translateChatResponse converts a Cohere v2 chat response into canonical
// ChatResponse shape. Billed-unit token counts (not raw tokenizer counts)
// populate Usage, matching what Cohere actually reports.
func translateChatResponse(body []byte, model string) (*gateway.ChatResponse, error) {
	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("cohere: decode chat response: %w", err)
	}
	var text string
	for _, c := range cr.Message.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	content, _ := json.Marshal(text)
	in := int(cr.Usage.BilledUnits.InputTokens)
	out := int(cr.Usage.BilledUnits.OutputTokens)
	return &gateway.ChatResponse{
		ID:      cr.ID,
		Object:  "chat.completion",
		Model:   model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: content},
			FinishReason: mapFinishReason(cr.FinishReason),
		}},
		Usage: &gateway.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}

// mapFinishReason translates Cohere's finish reason vocabulary to the
// canonical OpenAI-style finish_reason values.
func mapFinishReason(reason string) string {
	switch reason {
	case "COMPLETE":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALL":
		return "tool_calls"
	default:
		return "stop"
	}
}

// embedRequest is Cohere's embed endpoint request shape.
type embedRequest struct {
	Texts          []string `json:"texts"`
	Model          string   `json:"model"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
}

// translateEmbedRequest converts a canonical EmbeddingRequest (OpenAI shape,
// input is a string or []string) into Cohere's embed request shape.
func translateEmbedRequest(req *gateway.EmbeddingRequest) (*embedRequest, error) {
	var texts []string
	var single string
	if json.Unmarshal(req.Input, &single) == nil {
		texts = []string{single}
	} else if err := json.Unmarshal(req.Input, &texts); err != nil {
		return nil, fmt.Errorf("%w: embeddings input must be a string or []string", gateway.ErrBadRequest)
	}
	return &embedRequest{
		Texts:          texts,
		Model:          req.Model,
		InputType:      "search_document",
		EmbeddingTypes: []string{"float"},
	}, nil
}

// translateEmbedResponse reshapes Cohere's {embeddings:{float:[[..]]}} body
// into the canonical OpenAI-shaped {data:[{object,embedding,index}]} list.
func translateEmbedResponse(body []byte, model string) (*gateway.EmbeddingResponse, error) {
	floats := gjson.GetBytes(body, "embeddings.float")
	if !floats.Exists() {
		return nil, fmt.Errorf("cohere: embed response missing embeddings.float")
	}

	type datum struct {
		Object    string    `json:"object"`
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	}
	var data []datum
	i := 0
	for _, row := range floats.Array() {
		vec := make([]float64, 0, len(row.Array()))
		for _, v := range row.Array() {
			vec = append(vec, v.Float())
		}
		data = append(data, datum{Object: "embedding", Embedding: vec, Index: i})
		i++
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("cohere: marshal embed data: %w", err)
	}

	billedInput := gjson.GetBytes(body, "meta.billed_units.input_tokens").Float()

	return &gateway.EmbeddingResponse{
		Object: "list",
		Data:   dataJSON,
		Model:  model,
		Usage: &gateway.Usage{
			PromptTokens: int(billedInput),
			TotalTokens:  int(billedInput),
		},
	}, nil
}
