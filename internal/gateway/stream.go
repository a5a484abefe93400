package gateway

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// ExecuteStream runs a streaming chat completion. Content deltas are
// forwarded to the returned channel as they arrive; tool-call turns are
// executed inside the gateway and never reach the caller. The channel closes
// after the final event, and the interaction is persisted once the stream
// has settled.
func (g *Gateway) ExecuteStream(ctx context.Context, req *domain.ChatRequest, caller Caller) (<-chan domain.StreamEvent, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	run := g.newRun(ctx, req, caller)
	out := make(chan domain.StreamEvent)
	go g.streamLoop(ctx, run, out)
	return out, nil
}

func (g *Gateway) streamLoop(ctx context.Context, run *run, out chan<- domain.StreamEvent) {
	defer close(out)

	ctx, span := g.tracer.Start(ctx, "gateway.ExecuteStream")
	defer span.End()

	// transcript is everything the caller has actually seen; it becomes the
	// persisted response. sentAny distinguishes a disconnect before any
	// bytes (nothing to record) from a torn stream (recorded incomplete).
	var transcript strings.Builder
	sentAny := false

	send := func(ev domain.StreamEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- ev:
			sentAny = true
			if ev.ContentDelta != "" {
				transcript.WriteString(ev.ContentDelta)
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	disconnect := func() {
		if !sentAny {
			return
		}
		run.incomplete(run.synthesizeResponse(transcript.String(), ""))
	}

	for turn := 0; turn < g.maxToolTurns; turn++ {
		stream, err := run.provider.Stream(ctx, run.upstream)
		if err != nil {
			run.fail(err)
			send(domain.StreamEvent{Error: err})
			return
		}

		acc := newTurnAccumulator()
		for event := range stream {
			if event.Error != nil {
				run.fail(event.Error)
				send(domain.StreamEvent{Error: event.Error})
				return
			}
			acc.add(event)

			// Tool-call fragments, per-turn usage, and the tool_calls finish
			// marker stay inside the gateway; the caller only sees text.
			forward := event
			forward.ToolCall = nil
			forward.Usage = nil
			forward.FinishReason = ""
			if forward.Role == "" && forward.ContentDelta == "" && forward.Model == "" {
				continue
			}
			if !send(forward) {
				disconnect()
				return
			}
		}
		if ctx.Err() != nil {
			disconnect()
			return
		}
		run.addUsage(acc.usage)

		calls := acc.toolCalls()
		if len(calls) == 0 {
			finish := acc.finishReason
			if finish == "" {
				finish = "stop"
			}
			send(domain.StreamEvent{FinishReason: finish})
			send(domain.StreamEvent{Usage: &run.usage})
			run.complete(run.synthesizeResponse(transcript.String(), finish))
			return
		}

		toolMessages, err := g.runToolTurn(ctx, run, acc.assistantMessage(), calls)
		if err != nil {
			run.fail(err)
			send(domain.StreamEvent{Error: err})
			return
		}
		run.upstream.Messages = append(run.upstream.Messages, toolMessages...)
	}

	err := &domain.UpstreamError{
		Upstream: run.provider.Name(),
		Message:  "tool loop did not settle",
	}
	run.fail(err)
	send(domain.StreamEvent{Error: err})
}

// synthesizeResponse builds the response record for a streamed interaction
// from what was actually sent to the caller.
func (r *run) synthesizeResponse(content, finishReason string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   r.upstream.Model,
		Choices: []domain.Choice{{
			Message:      domain.Message{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage: r.usage,
	}
}

// turnAccumulator assembles one streamed turn back into a message, stitching
// tool-call fragments together by chunk index.
type turnAccumulator struct {
	content      strings.Builder
	calls        map[int]*domain.ToolCall
	usage        domain.Usage
	finishReason string
}

func newTurnAccumulator() *turnAccumulator {
	return &turnAccumulator{calls: make(map[int]*domain.ToolCall)}
}

func (a *turnAccumulator) add(ev domain.StreamEvent) {
	a.content.WriteString(ev.ContentDelta)
	if ev.Usage != nil {
		a.usage = *ev.Usage
	}
	if ev.FinishReason != "" {
		a.finishReason = ev.FinishReason
	}
	if ev.ToolCall == nil {
		return
	}

	chunk := ev.ToolCall
	call, ok := a.calls[chunk.Index]
	if !ok {
		call = &domain.ToolCall{Type: "function"}
		a.calls[chunk.Index] = call
	}
	if chunk.ID != "" {
		call.ID = chunk.ID
	}
	if chunk.Function.Name != "" {
		call.Function.Name += chunk.Function.Name
	}
	call.Function.Arguments += chunk.Function.Arguments
}

// toolCalls returns the assembled calls in chunk-index order.
func (a *turnAccumulator) toolCalls() []domain.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]domain.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		calls = append(calls, *a.calls[idx])
	}
	return calls
}

func (a *turnAccumulator) assistantMessage() domain.Message {
	return domain.Message{
		Role:      "assistant",
		Content:   a.content.String(),
		ToolCalls: a.toolCalls(),
	}
}
