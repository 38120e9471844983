package openaicompat

import (
	"encoding/json"

	"github.com/pennylabs/penny"
)

// ParseResponse converts an OpenAI-format ChatResponse to a CompletionResponse.
// It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (penny.CompletionResponse, error) {
	var out penny.CompletionResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = penny.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to ToolCalls. OpenAI
// returns function.arguments as a JSON string; invalid JSON degrades to an
// empty object rather than poisoning the turn.
func ParseToolCalls(tcs []ToolCallRequest) []penny.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]penny.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, penny.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
