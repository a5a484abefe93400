package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

const defaultMaxTokens = 4096

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithProviderBaseURL sets a custom base URL for the API.
func WithProviderBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithProviderHTTPClient sets a custom HTTP client.
func WithProviderHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// Provider adapts the Anthropic client to the gateway's provider interface,
// translating between the OpenAI-shaped gateway types and the Messages
// schema.
type Provider struct {
	client     *Client
	baseURL    string
	httpClient *http.Client
}

// New creates a new Anthropic provider.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(p.httpClient))
	}
	p.client = NewClient(apiKey, clientOpts...)
	return p
}

func (p *Provider) Name() string {
	return "anthropic"
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, raw, err := p.client.CreateMessage(ctx, toMessagesRequest(req), req.UserAgent)
	if err != nil {
		return nil, err
	}
	return fromMessagesResponse(resp, raw), nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	stream, err := p.client.StreamMessage(ctx, toMessagesRequest(req), req.UserAgent)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)

		var model string
		var inputTokens int
		// Maps Anthropic content-block indexes to tool-call positions in
		// the OpenAI-shaped event stream.
		blockToCall := make(map[int]int)
		toolCalls := 0

		for result := range stream {
			if result.Err != nil {
				out <- domain.StreamEvent{Error: result.Err}
				return
			}

			switch result.EventType {
			case "message_start":
				var ev messageStartEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				model = ev.Message.Model
				inputTokens = ev.Message.Usage.InputTokens
				out <- domain.StreamEvent{Role: "assistant", Model: model}

			case "content_block_start":
				var ev contentBlockStartEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				if ev.ContentBlock.Type != "tool_use" {
					continue
				}
				chunk := &domain.ToolCallChunk{Index: toolCalls, ID: ev.ContentBlock.ID, Type: "function"}
				chunk.Function.Name = ev.ContentBlock.Name
				blockToCall[ev.Index] = toolCalls
				toolCalls++
				out <- domain.StreamEvent{ToolCall: chunk, Model: model}

			case "content_block_delta":
				var ev contentBlockDeltaEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					out <- domain.StreamEvent{ContentDelta: ev.Delta.Text, Model: model}
				case "input_json_delta":
					idx, ok := blockToCall[ev.Index]
					if !ok {
						continue
					}
					chunk := &domain.ToolCallChunk{Index: idx}
					chunk.Function.Arguments = ev.Delta.PartialJSON
					out <- domain.StreamEvent{ToolCall: chunk, Model: model}
				}

			case "message_delta":
				var ev messageDeltaEvent
				if err := json.Unmarshal(result.Data, &ev); err != nil {
					continue
				}
				event := domain.StreamEvent{Model: model}
				if ev.Delta.StopReason != "" {
					event.FinishReason = toFinishReason(ev.Delta.StopReason)
				}
				if ev.Usage != nil {
					event.Usage = &domain.Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: ev.Usage.OutputTokens,
						TotalTokens:      inputTokens + ev.Usage.OutputTokens,
					}
				}
				out <- event
			}
		}
	}()

	return out, nil
}

// toMessagesRequest translates an OpenAI-shaped request into the Messages
// schema: system messages become the system prompt, assistant tool calls
// become tool_use blocks, and tool results become user tool_result blocks.
func toMessagesRequest(req *domain.ChatRequest) *MessagesRequest {
	out := &MessagesRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			system = append(system, msg.Content)

		case "assistant":
			parts := []ContentPart{}
			if msg.Content != "" {
				parts = append(parts, ContentPart{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				parts = append(parts, ContentPart{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, Message{Role: "assistant", Content: parts})

		case "tool":
			out.Messages = append(out.Messages, Message{Role: "user", Content: []ContentPart{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}}})

		default:
			out.Messages = append(out.Messages, Message{Role: "user", Content: []ContentPart{{
				Type: "text",
				Text: msg.Content,
			}}})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	if choice, ok := req.ToolChoice.(string); ok {
		switch choice {
		case "auto":
			out.ToolChoice = &ToolChoice{Type: "auto"}
		case "required":
			out.ToolChoice = &ToolChoice{Type: "any"}
		}
	}

	return out
}

// fromMessagesResponse translates a Messages response back to the
// OpenAI-shaped response the gateway serves.
func fromMessagesResponse(resp *MessagesResponse, raw []byte) *domain.ChatResponse {
	message := domain.Message{Role: "assistant"}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			message.Content += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			message.ToolCalls = append(message.ToolCalls, domain.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: domain.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []domain.Choice{{
			Message:      message,
			FinishReason: toFinishReason(resp.StopReason),
		}},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Raw: raw,
	}
}

func toFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stopReason
	}
}
