package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tollgate-ai/tollgate/internal/domain"
	"github.com/tollgate-ai/tollgate/internal/testutil"
)

func TestProviderComplete(t *testing.T) {
	rec, cleanup := testutil.NewVCRRecorder(t, "anthropic_complete")
	defer cleanup()

	p := New("test-key", WithProviderHTTPClient(testutil.VCRHTTPClient(rec)))

	resp, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []domain.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(resp.Choices) == 0 {
		t.Fatal("expected at least one choice")
	}
	if resp.Choices[0].Message.Content == "" {
		t.Error("expected content in response")
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want end_turn mapped to stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 18 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
}

func TestProviderCompleteToolUse(t *testing.T) {
	rec, cleanup := testutil.NewVCRRecorder(t, "anthropic_tool_use")
	defer cleanup()

	p := New("test-key", WithProviderHTTPClient(testutil.VCRHTTPClient(rec)))

	resp, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []domain.Message{{Role: "user", Content: "Open an issue titled bug"}},
		Tools: []domain.ToolDefinition{{
			Type:     "function",
			Function: domain.FunctionDef{Name: "github__create_issue", Parameters: map[string]any{"type": "object"}},
		}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.Function.Name != "github__create_issue" {
		t.Errorf("tool name = %q", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"title":"bug"}` {
		t.Errorf("tool arguments = %q", tc.Function.Arguments)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_use mapped to tool_calls", resp.Choices[0].FinishReason)
	}
}

func TestProviderStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"id":"msg_01","model":"claude-3-5-haiku-20241022","usage":{"input_tokens":8,"output_tokens":0}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`{"type":"message_stop"}`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer server.Close()

	p := New("test-key", WithProviderBaseURL(server.URL))
	stream, err := p.Stream(context.Background(), &domain.ChatRequest{
		Model:    "claude-3-5-haiku-latest",
		Messages: []domain.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var content, finishReason string
	var usage *domain.Usage
	for event := range stream {
		if event.Error != nil {
			t.Fatalf("stream event error: %v", event.Error)
		}
		content += event.ContentDelta
		if event.FinishReason != "" {
			finishReason = event.FinishReason
		}
		if event.Usage != nil {
			usage = event.Usage
		}
	}

	if content != "Hello" {
		t.Errorf("content = %q", content)
	}
	if finishReason != "stop" {
		t.Errorf("finishReason = %q", finishReason)
	}
	if usage == nil || usage.PromptTokens != 8 || usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestProviderStreamToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events := []string{
			`{"type":"message_start","message":{"id":"msg_02","model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"output_tokens":0}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_01","name":"github__create_issue"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"title\":"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"bug\"}"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":20}}`,
			`{"type":"message_stop"}`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer server.Close()

	p := New("test-key", WithProviderBaseURL(server.URL))
	stream, err := p.Stream(context.Background(), &domain.ChatRequest{Model: "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatal(err)
	}

	var name, args, finishReason string
	for event := range stream {
		if event.ToolCall != nil {
			name += event.ToolCall.Function.Name
			args += event.ToolCall.Function.Arguments
		}
		if event.FinishReason != "" {
			finishReason = event.FinishReason
		}
	}

	if name != "github__create_issue" {
		t.Errorf("tool name = %q", name)
	}
	if args != `{"title":"bug"}` {
		t.Errorf("tool args = %q", args)
	}
	if finishReason != "tool_calls" {
		t.Errorf("finishReason = %q", finishReason)
	}
}

func TestToMessagesRequestConversation(t *testing.T) {
	req := &domain.ChatRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []domain.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "Open an issue"},
			{Role: "assistant", ToolCalls: []domain.ToolCall{{
				ID: "call_1", Type: "function",
				Function: domain.FunctionCall{Name: "github__create_issue", Arguments: `{"title":"bug"}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: `{"number":42}`},
		},
	}

	out := toMessagesRequest(req)
	if out.System != "You are terse." {
		t.Errorf("System = %q", out.System)
	}
	if out.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want the default applied", out.MaxTokens)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, system prompt should be extracted", len(out.Messages))
	}
	if out.Messages[1].Content[0].Type != "tool_use" || out.Messages[1].Content[0].Name != "github__create_issue" {
		t.Errorf("assistant message = %+v", out.Messages[1])
	}
	if out.Messages[2].Role != "user" || out.Messages[2].Content[0].Type != "tool_result" {
		t.Errorf("tool result message = %+v", out.Messages[2])
	}
	if out.Messages[2].Content[0].ToolUseID != "call_1" {
		t.Errorf("ToolUseID = %q", out.Messages[2].Content[0].ToolUseID)
	}
}
