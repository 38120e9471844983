package penny

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	// ChunkContent carries an incremental text delta.
	ChunkContent ChunkType = "content"
	// ChunkToolCall carries a completed tool call emitted by the model,
	// or (during the tool loop) the result of executing one.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkDone terminates a successful stream. Emitted exactly once.
	ChunkDone ChunkType = "done"
	// ChunkError terminates a failed stream. Emitted exactly once, instead
	// of done.
	ChunkError ChunkType = "error"
)

// Chunk is a typed streaming event. Providers emit content chunks followed
// by one terminal done or error; the message processor forwards them to the
// caller in arrival order.
type Chunk struct {
	Type    ChunkType `json:"type"`
	Content string    `json:"content,omitempty"`
	// ToolCall is set for tool_call chunks.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	// ToolResult is set on tool_call chunks once the call has executed.
	ToolResult string `json:"tool_result,omitempty"`
	// Code and Message are set for error chunks.
	Code    Code   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	// Usage is set on the terminal done chunk.
	Usage *Usage `json:"usage,omitempty"`
}

// ErrorChunk builds the terminal error chunk for err.
func ErrorChunk(err error) Chunk {
	c := Chunk{Type: ChunkError, Code: CodeOf(err)}
	if e, ok := err.(*Error); ok {
		c.Message = e.Message
	} else if err != nil {
		c.Message = err.Error()
	}
	return c
}
