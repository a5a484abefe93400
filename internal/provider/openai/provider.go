package openai

import (
	"context"
	"net/http"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

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

// Provider adapts the OpenAI client to the gateway's provider interface.
type Provider struct {
	client     *Client
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI provider.
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
	return "openai"
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.client.CreateChatCompletion(ctx, req)
}

func (p *Provider) Stream(ctx context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	stream, err := p.client.StreamChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		for result := range stream {
			if result.Err != nil {
				out <- domain.StreamEvent{Error: result.Err}
				return
			}

			chunk := result.Chunk
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				event := domain.StreamEvent{
					Role:         choice.Delta.Role,
					ContentDelta: choice.Delta.Content,
					Model:        chunk.Model,
				}
				if choice.FinishReason != nil {
					event.FinishReason = *choice.FinishReason
				}
				if len(choice.Delta.ToolCalls) == 0 {
					out <- event
				} else {
					// A chunk may batch deltas for several parallel calls;
					// each one gets its own event.
					for i := range choice.Delta.ToolCalls {
						ev := event
						if i > 0 {
							ev = domain.StreamEvent{Model: chunk.Model}
						}
						ev.ToolCall = &choice.Delta.ToolCalls[i]
						out <- ev
					}
				}
			}

			if chunk.Usage != nil {
				out <- domain.StreamEvent{Usage: chunk.Usage, Model: chunk.Model}
			}
		}
	}()

	return out, nil
}
