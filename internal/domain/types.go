// Package domain holds the wire types and error taxonomy shared across the
// gateway: the OpenAI-compatible chat-completion shapes, the Interaction
// audit record, and the parsed tool-name representation.
package domain

import "encoding/json"

// Message represents a chat message in the OpenAI chat-completion format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`

	// Refusal carries a refusal message synthesized by the policy evaluator
	// when a tool call is denied. It embeds a machine-parseable tool-name
	// marker so log viewers can recover which tool was refused.
	Refusal string `json:"refusal,omitempty"`

	// ToolCalls for assistant messages that invoke tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID for tool messages providing results.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool call made by the assistant.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition represents a tool the model may call.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes the function signature.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"` // JSON Schema
}

// ChatRequest is an inbound chat-completion request.
type ChatRequest struct {
	Model         string           `json:"model"`
	Messages      []Message        `json:"messages"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *StreamOptions   `json:"stream_options,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	TopP          *float32         `json:"top_p,omitempty"`
	Stop          []string         `json:"stop,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    any              `json:"tool_choice,omitempty"`
	User          string           `json:"user,omitempty"`

	// Metadata carries gateway-specific key/value pairs (interaction id,
	// pinned credential, ...). Not forwarded upstream.
	Metadata map[string]string `json:"metadata,omitempty"`

	// UserAgent is the User-Agent header from the incoming request,
	// forwarded to upstream APIs for traceability.
	UserAgent string `json:"-"`

	// Raw is the original request body, preserved for audit fidelity.
	Raw json.RawMessage `json:"-"`
}

// Clone returns a shallow copy with its own message and tool slices, so a
// pipeline stage can rewrite the request without mutating the original.
func (r *ChatRequest) Clone() *ChatRequest {
	cloned := *r
	cloned.Messages = append([]Message(nil), r.Messages...)
	cloned.Tools = append([]ToolDefinition(nil), r.Tools...)
	return &cloned
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Usage represents token usage reported by the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is a complete non-streaming chat-completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Raw is the original provider response body, when available.
	Raw json.RawMessage `json:"-"`
}

// ToolCallChunk represents a partial tool call during streaming.
type ToolCallChunk struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

// StreamEvent represents a single event on a streaming response.
type StreamEvent struct {
	// Role for the first delta of a message.
	Role string

	// ContentDelta for text content streaming.
	ContentDelta string

	// ToolCall for streaming tool call fragments.
	ToolCall *ToolCallChunk

	// Usage for the final usage chunk, when the provider reports one.
	Usage *Usage

	// FinishReason for message completion.
	FinishReason string

	// Model as reported by the provider.
	Model string

	// Error for terminal stream errors.
	Error error
}
