package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultVersion = "2023-06-01"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithVersion sets the API version header.
func WithVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// Client is an HTTP client for the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewClient creates a new Anthropic API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		version:    defaultVersion,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMessage sends a non-streaming messages request.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest, userAgent string) (*MessagesResponse, []byte, error) {
	resp, err := c.do(ctx, req, userAgent)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, upstreamError(resp.StatusCode, respBody)
	}

	var result MessagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, respBody, nil
}

// StreamEventResult wraps one streaming event's raw payload, typed by its
// discriminator.
type StreamEventResult struct {
	EventType string
	Data      json.RawMessage
	Err       error
}

// StreamMessage sends a streaming messages request and returns a channel of
// events.
func (c *Client) StreamMessage(ctx context.Context, req *MessagesRequest, userAgent string) (<-chan StreamEventResult, error) {
	req.Stream = true

	resp, err := c.do(ctx, req, userAgent)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, upstreamError(resp.StatusCode, respBody)
	}

	out := make(chan StreamEventResult)
	go streamReader(resp.Body, out)
	return out, nil
}

func (c *Client) do(ctx context.Context, req *MessagesRequest, userAgent string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.version)
	if userAgent != "" {
		httpReq.Header.Set("User-Agent", userAgent)
	} else {
		httpReq.Header.Set("User-Agent", "tollgate/1.0")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &domain.UpstreamError{Upstream: "anthropic", Message: err.Error(), Err: err}
	}
	return resp, nil
}

func streamReader(body io.ReadCloser, out chan<- StreamEventResult) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// Every payload carries its own type discriminator, so event: lines
		// are redundant.
		var discriminator struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(data), &discriminator); err != nil {
			out <- StreamEventResult{Err: fmt.Errorf("failed to unmarshal event: %w", err)}
			return
		}

		if discriminator.Type == "message_stop" {
			return
		}

		out <- StreamEventResult{EventType: discriminator.Type, Data: json.RawMessage(data)}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamEventResult{Err: fmt.Errorf("stream read error: %w", err)}
	}
}

func upstreamError(statusCode int, body []byte) error {
	message := string(body)
	if apiErr := parseErrorResponse(body); apiErr != nil {
		message = apiErr.Message
	}
	return &domain.UpstreamError{
		Upstream:   "anthropic",
		StatusCode: statusCode,
		Message:    message,
	}
}
