package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/pennylabs/penny"
)

// BuildBody converts ChatMessages and a model name into an OpenAI-format
// ChatRequest. System messages are kept in the messages array as
// role:"system". Options configure generation parameters (temperature,
// top_p, etc.).
func BuildBody(messages []penny.ChatMessage, tools []penny.ToolSpec, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == "system":
			msgs = append(msgs, Message{
				Role:    "system",
				Content: m.Content,
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			// Assistant message with tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := Message{
				Role:      "assistant",
				ToolCalls: tcs,
			}
			// Include text content if present alongside tool calls.
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == "tool":
			// Tool result message.
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			// Regular user or assistant message.
			if len(m.Parts) > 0 {
				msgs = append(msgs, Message{
					Role:    m.Role,
					Content: buildBlocks(m),
				})
			} else {
				msgs = append(msgs, Message{
					Role:    m.Role,
					Content: m.Content,
				})
			}
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// buildBlocks projects a multimodal message into typed content blocks.
// Image parts become data URIs; Content (when set) leads as a text block.
func buildBlocks(m penny.ChatMessage) []ContentBlock {
	var blocks []ContentBlock
	if m.Content != "" {
		blocks = append(blocks, ContentBlock{
			Type: "text",
			Text: m.Content,
		})
	}
	for _, part := range m.Parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, ContentBlock{
				Type: "text",
				Text: part.Text,
			})
		case "image":
			blocks = append(blocks, ContentBlock{
				Type: "image_url",
				ImageURL: &ImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", part.MimeType, part.Base64),
				},
			})
		}
	}
	return blocks
}

// BuildToolDefs converts ToolSpecs to the OpenAI tool format.
func BuildToolDefs(tools []penny.ToolSpec) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
