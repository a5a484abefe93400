package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tollgate-ai/tollgate/internal/domain"
	"github.com/tollgate-ai/tollgate/internal/gateway"
	"github.com/tollgate-ai/tollgate/internal/storage"
)

// ChatExecutor runs chat completions through the gateway pipeline.
// Satisfied by gateway.Gateway.
type ChatExecutor interface {
	Execute(ctx context.Context, req *domain.ChatRequest, caller gateway.Caller) (*domain.ChatResponse, error)
	ExecuteStream(ctx context.Context, req *domain.ChatRequest, caller gateway.Caller) (<-chan domain.StreamEvent, error)
}

// Handlers holds the HTTP endpoints.
type Handlers struct {
	Gateway ChatExecutor
	Store   storage.InteractionStore
	Logger  *slog.Logger
}

func (h *Handlers) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, domain.ErrValidation("body", "failed to read request body"))
		return
	}

	var req domain.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, domain.ErrValidation("body", "malformed JSON: "+err.Error()))
		return
	}
	req.Raw = body
	req.UserAgent = r.Header.Get("User-Agent")

	agent, ok := GetAgent(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	caller := agent.Caller()
	AddLogField(r.Context(), "agent_id", agent.ID)
	AddLogField(r.Context(), "model", req.Model)

	if req.Stream {
		h.streamChatCompletion(w, r, &req, caller)
		return
	}

	resp, err := h.Gateway.Execute(r.Context(), &req, caller)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) streamChatCompletion(w http.ResponseWriter, r *http.Request, req *domain.ChatRequest, caller gateway.Caller) {
	events, err := h.Gateway.ExecuteStream(r.Context(), req, caller)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	chunkID := "chatcmpl-" + GetRequestID(r.Context())
	created := time.Now().Unix()
	model := req.Model

	writeChunk := func(chunk streamChunk) {
		data, err := json.Marshal(chunk)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for event := range events {
		if event.Error != nil {
			AddError(r.Context(), event.Error)
			payload, _ := json.Marshal(errorBody(event.Error))
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if event.Model != "" {
			model = event.Model
		}

		chunk := streamChunk{
			ID:      chunkID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
		}
		switch {
		case event.Usage != nil:
			chunk.Choices = []chunkChoice{}
			chunk.Usage = event.Usage
		case event.FinishReason != "":
			finish := event.FinishReason
			chunk.Choices = []chunkChoice{{FinishReason: &finish}}
		default:
			chunk.Choices = []chunkChoice{{
				Delta: chunkDelta{Role: event.Role, Content: event.ContentDelta},
			}}
		}
		writeChunk(chunk)
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (h *Handlers) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	page, err := h.Store.FindAllPaginated(r.Context(), listOptionsFromQuery(r))
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) handleAgentInteractions(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	opts.AgentID = chi.URLParam(r, "id")

	page, err := h.Store.FindAllPaginated(r.Context(), opts)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	interaction, err := h.Store.FindByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"message": err.Error(), "type": "not_found"},
		})
		return
	}
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, interaction)
}

func (h *Handlers) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func listOptionsFromQuery(r *http.Request) storage.ListOptions {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return storage.ListOptions{
		AgentID:   q.Get("agentId"),
		Limit:     limit,
		Offset:    offset,
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	}
}

// streamChunk is the OpenAI chat.completion.chunk envelope sent over SSE.
type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func errorBody(err error) map[string]any {
	return map[string]any{
		"error": map[string]string{
			"message": err.Error(),
			"type":    domain.ErrorType(err),
		},
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, domain.HTTPStatus(err), errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
