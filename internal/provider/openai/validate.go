package openai

import (
	"encoding/json"
	"fmt"

	gateway "github.com/castellan-io/relaygate/internal"
)

// validateChatRequest runs every structural check the OpenAI-family dialect
// requires before a request is sent upstream: messages must be non-empty,
// "tool" messages must follow a matching assistant tool_call, tool schemas
// must be well-formed function declarations, and tool_choice (when present)
// must name a known shape.
func validateChatRequest(req *gateway.ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest)
	}
	if err := validateToolOrdering(req.Messages); err != nil {
		return err
	}
	if err := validateTools(req.Tools); err != nil {
		return err
	}
	return validateToolChoice(req.ToolChoice)
}

// validateToolOrdering enforces the OpenAI chat completions contract that
// every "tool" role message must be answerable to a preceding assistant
// message carrying matching tool_calls. Upstream rejects malformed tool
// histories with an opaque 400; we catch it earlier with a clearer error.
func validateToolOrdering(messages []gateway.Message) error {
	var pendingCalls map[string]bool
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			ids := toolCallIDs(m.ToolCalls)
			if len(ids) == 0 {
				pendingCalls = nil
				continue
			}
			pendingCalls = make(map[string]bool, len(ids))
			for _, id := range ids {
				pendingCalls[id] = true
			}
		case "tool":
			if pendingCalls == nil || !pendingCalls[m.ToolCallID] {
				return fmt.Errorf("%w: tool message %q has no matching preceding tool_call", gateway.ErrBadRequest, m.ToolCallID)
			}
			delete(pendingCalls, m.ToolCallID)
		}
	}
	return nil
}

// toolCallIDs extracts the "id" field of each entry in a raw tool_calls array.
func toolCallIDs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var calls []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil
	}
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.ID)
	}
	return ids
}

// toolDecl is the shape of a single entry in req.Tools.
type toolDecl struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// validateTools checks that every declared tool is a function tool with a
// name. raw is nil/empty when the request declares no tools, which is valid.
func validateTools(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var tools []toolDecl
	if err := json.Unmarshal(raw, &tools); err != nil {
		return fmt.Errorf("%w: tools must be an array of function declarations", gateway.ErrBadRequest)
	}
	for i, t := range tools {
		if t.Type != "function" {
			return fmt.Errorf("%w: tools[%d].type must be \"function\", got %q", gateway.ErrBadRequest, i, t.Type)
		}
		if t.Function.Name == "" {
			return fmt.Errorf("%w: tools[%d].function.name is required", gateway.ErrBadRequest, i)
		}
	}
	return nil
}

// validateToolChoice checks that tool_choice, when present, is either one
// of the known string enum values or a well-formed
// {"type":"function","function":{"name":...}} object.
func validateToolChoice(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		switch asString {
		case "none", "auto", "required":
			return nil
		default:
			return fmt.Errorf("%w: tool_choice %q is not a known enum value", gateway.ErrBadRequest, asString)
		}
	}
	var asObject struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return fmt.Errorf("%w: tool_choice must be a string or {type,function} object", gateway.ErrBadRequest)
	}
	if asObject.Type != "function" || asObject.Function.Name == "" {
		return fmt.Errorf("%w: tool_choice object must have type=\"function\" and function.name", gateway.ErrBadRequest)
	}
	return nil
}
