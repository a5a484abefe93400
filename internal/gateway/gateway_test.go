package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/tollgate-ai/tollgate/internal/cost"
	"github.com/tollgate-ai/tollgate/internal/credentials"
	"github.com/tollgate-ai/tollgate/internal/domain"
	"github.com/tollgate-ai/tollgate/internal/mcp"
	"github.com/tollgate-ai/tollgate/internal/provider"
	"github.com/tollgate-ai/tollgate/internal/rules"
	"github.com/tollgate-ai/tollgate/internal/storage"
	"github.com/tollgate-ai/tollgate/internal/storage/memory"
	"github.com/tollgate-ai/tollgate/internal/tokens"
	"github.com/tollgate-ai/tollgate/internal/trust"
)

// scriptedProvider replays a fixed sequence of responses, one per upstream
// call, and records what it was asked.
type scriptedProvider struct {
	name      string
	responses []*domain.ChatResponse
	err       error

	mu       sync.Mutex
	requests []*domain.ChatRequest
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) next(req *domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req.Clone())
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("scripted provider exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Complete(_ context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.next(req)
}

// Stream replays the next scripted response as a plausible event sequence.
func (p *scriptedProvider) Stream(_ context.Context, req *domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.StreamEvent, 16)
	go func() {
		defer close(ch)
		msg := resp.Choices[0].Message
		ch <- domain.StreamEvent{Role: "assistant", Model: resp.Model}
		if msg.Content != "" {
			ch <- domain.StreamEvent{ContentDelta: msg.Content}
		}
		for i, call := range msg.ToolCalls {
			chunk := &domain.ToolCallChunk{Index: i, ID: call.ID, Type: "function"}
			chunk.Function.Name = call.Function.Name
			chunk.Function.Arguments = call.Function.Arguments
			ch <- domain.StreamEvent{ToolCall: chunk}
		}
		ch <- domain.StreamEvent{FinishReason: resp.Choices[0].FinishReason}
		usage := resp.Usage
		ch <- domain.StreamEvent{Usage: &usage}
	}()
	return ch, nil
}

// fakeTools is an in-memory ToolRouter with canned per-tool results.
type fakeTools struct {
	catalog map[string]string
	results map[string]mcp.Result
	errs    map[string]error

	mu     sync.Mutex
	tokens map[string]string // tool -> token ID used
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		catalog: make(map[string]string),
		results: make(map[string]mcp.Result),
		errs:    make(map[string]error),
		tokens:  make(map[string]string),
	}
}

func (f *fakeTools) CatalogID(server string) (string, bool) {
	id, ok := f.catalog[server]
	return id, ok
}

func (f *fakeTools) CallTool(_ context.Context, name domain.ToolName, _ string, token credentials.Token) (mcp.Result, error) {
	f.mu.Lock()
	f.tokens[name.String()] = token.ID
	f.mu.Unlock()

	if err := f.errs[name.String()]; err != nil {
		return mcp.Result{}, err
	}
	return f.results[name.String()], nil
}

type fixture struct {
	gateway  *Gateway
	provider *scriptedProvider
	tools    *fakeTools
	store    *memory.Store
}

func newFixture(t *testing.T, responses ...*domain.ChatResponse) *fixture {
	t.Helper()

	p := &scriptedProvider{name: "openai", responses: responses}
	reg := provider.NewRegistry()
	reg.Register(p)

	tools := newFakeTools()
	tools.catalog["kb"] = "cat-kb"
	tools.catalog["web"] = "cat-web"
	tools.catalog["email"] = "cat-email"
	tools.results["kb__search"] = mcp.Result{Text: "three results"}
	tools.results["web__search"] = mcp.Result{Text: "page content"}
	tools.results["email__send"] = mcp.Result{Text: "sent"}

	tokenSource := credentials.NewStaticSource([]credentials.Token{
		{ID: "tok-kb", CatalogID: "cat-kb", AuthType: credentials.AuthTypeTeam, Secret: "a"},
		{ID: "tok-web", CatalogID: "cat-web", AuthType: credentials.AuthTypeTeam, Secret: "b"},
		{ID: "tok-email", CatalogID: "cat-email", AuthType: credentials.AuthTypeTeam, Secret: "c"},
	})

	policy := trust.NewPolicy([]trust.ToolPolicy{
		{Server: "kb", DataTrustedByDefault: true, AllowWhenUntrusted: true},
		{Server: "web", DataTrustedByDefault: false, AllowWhenUntrusted: true},
		{Server: "email", DataTrustedByDefault: true, AllowWhenUntrusted: false},
	})

	store := memory.New()
	logger := slog.New(slog.DiscardHandler)

	return &fixture{
		gateway: New(Config{
			Providers:   reg,
			Tools:       tools,
			Policy:      policy,
			Credentials: credentials.NewResolver(tokenSource, logger),
			Store:       store,
			Prices:      cost.NewTable(nil),
			Logger:      logger,
		}),
		provider: p,
		tools:    tools,
		store:    store,
	}
}

func textResponse(content string, usage domain.Usage) *domain.ChatResponse {
	return &domain.ChatResponse{
		Model: "gpt-4o",
		Choices: []domain.Choice{{
			Message:      domain.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

func toolCallResponse(calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{
		Model: "gpt-4o",
		Choices: []domain.Choice{{
			Message:      domain.Message{Role: "assistant", ToolCalls: calls},
			FinishReason: "tool_calls",
		}},
		Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func call(id, tool, args string) domain.ToolCall {
	return domain.ToolCall{
		ID:       id,
		Type:     "function",
		Function: domain.FunctionCall{Name: tool, Arguments: args},
	}
}

func userRequest(content string) *domain.ChatRequest {
	return &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: content}},
	}
}

var testCaller = Caller{
	AgentID:   "agent-1",
	Principal: credentials.Principal{Email: "dev@example.com"},
	Scope:     rules.Scope{OrganizationID: "org-1", AgentID: "agent-1"},
}

func persistedInteractions(t *testing.T, store storage.InteractionStore) []*domain.Interaction {
	t.Helper()
	page, err := store.FindAllPaginated(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return page.Items
}

func TestExecuteSimpleCompletion(t *testing.T) {
	fx := newFixture(t, textResponse("Hi there", domain.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}))

	resp, err := fx.gateway.Execute(context.Background(), userRequest("Hello"), testCaller)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "Hi there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}

	items := persistedInteractions(t, fx.store)
	if len(items) != 1 {
		t.Fatalf("persisted %d interactions, want 1", len(items))
	}
	it := items[0]
	if it.Status != domain.InteractionStatusCompleted {
		t.Errorf("Status = %q", it.Status)
	}
	if !it.Trusted || it.Blocked {
		t.Errorf("Trusted = %v, Blocked = %v", it.Trusted, it.Blocked)
	}
	if it.ServedModel != "gpt-4o" || it.Provider != "openai" {
		t.Errorf("ServedModel = %q, Provider = %q", it.ServedModel, it.Provider)
	}
	if it.Response == nil || it.Response.Usage.TotalTokens != 10 {
		t.Errorf("persisted response = %+v", it.Response)
	}
}

func TestExecuteToolLoop(t *testing.T) {
	fx := newFixture(t,
		toolCallResponse(
			call("call_1", "kb__search", `{"q":"a"}`),
			call("call_2", "web__search", `{"q":"b"}`),
		),
		textResponse("Done", domain.Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28}),
	)

	resp, err := fx.gateway.Execute(context.Background(), userRequest("Research this"), testCaller)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Choices[0].Message.Content != "Done" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 15+28 {
		t.Errorf("TotalTokens = %d, want usage summed across turns", resp.Usage.TotalTokens)
	}

	// Second upstream call must carry the assistant turn plus one tool
	// message per call, in the order the model issued them.
	if len(fx.provider.requests) != 2 {
		t.Fatalf("upstream calls = %d", len(fx.provider.requests))
	}
	msgs := fx.provider.requests[1].Messages
	tail := msgs[len(msgs)-3:]
	if len(tail[0].ToolCalls) != 2 {
		t.Fatalf("assistant message = %+v", tail[0])
	}
	if tail[1].ToolCallID != "call_1" || tail[1].Content != "three results" {
		t.Errorf("first tool message = %+v", tail[1])
	}
	if tail[2].ToolCallID != "call_2" || tail[2].Content != "page content" {
		t.Errorf("second tool message = %+v", tail[2])
	}

	// Each server authenticated with its own catalog's token.
	if fx.tools.tokens["kb__search"] != "tok-kb" || fx.tools.tokens["web__search"] != "tok-web" {
		t.Errorf("tokens used = %v", fx.tools.tokens)
	}

	it := persistedInteractions(t, fx.store)[0]
	if it.Trusted {
		t.Error("web__search is untrusted, interaction must not stay trusted")
	}
	if it.Blocked {
		t.Error("nothing was refused, Blocked must stay false")
	}
}

func TestExecuteRefusesRestrictedToolAfterTaint(t *testing.T) {
	fx := newFixture(t,
		toolCallResponse(call("call_1", "web__search", `{"q":"a"}`)),
		toolCallResponse(call("call_2", "email__send", `{"to":"x"}`)),
		textResponse("I could not send the email.", domain.Usage{TotalTokens: 5}),
	)

	if _, err := fx.gateway.Execute(context.Background(), userRequest("Search then email"), testCaller); err != nil {
		t.Fatal(err)
	}

	// The refused call never reached the tool router.
	if _, invoked := fx.tools.tokens["email__send"]; invoked {
		t.Error("blocked tool must not be invoked")
	}

	// The model got a refusal in place of the tool result.
	msgs := fx.provider.requests[2].Messages
	refusal := msgs[len(msgs)-1]
	if refusal.Role != "tool" || refusal.ToolCallID != "call_2" {
		t.Fatalf("refusal message = %+v", refusal)
	}
	if !strings.Contains(refusal.Content, trust.RefusalMarkerStart+"email__send"+trust.RefusalMarkerEnd) {
		t.Errorf("refusal content = %q", refusal.Content)
	}

	it := persistedInteractions(t, fx.store)[0]
	if it.Trusted || !it.Blocked {
		t.Errorf("Trusted = %v, Blocked = %v", it.Trusted, it.Blocked)
	}
	if it.Reason == "" {
		t.Error("blocked interaction must carry a reason")
	}
	if it.Status != domain.InteractionStatusCompleted {
		t.Errorf("Status = %q, a refusal still completes", it.Status)
	}
}

func TestExecuteRecordsEveryRefusedTool(t *testing.T) {
	fx := newFixture(t,
		toolCallResponse(call("call_1", "web__search", `{"q":"a"}`)),
		toolCallResponse(
			call("call_2", "email__send", `{"to":"x"}`),
			call("call_3", "email__forward", `{"id":"1"}`),
		),
		textResponse("I could not touch the mailbox.", domain.Usage{TotalTokens: 5}),
	)

	if _, err := fx.gateway.Execute(context.Background(), userRequest("Search then email"), testCaller); err != nil {
		t.Fatal(err)
	}

	// Each refused call's tool message carries its refusal alongside the
	// feedback content.
	msgs := fx.provider.requests[2].Messages
	for _, msg := range msgs[len(msgs)-2:] {
		if msg.Refusal == "" || !strings.Contains(msg.Refusal, trust.RefusalMarkerStart) {
			t.Errorf("tool message missing its refusal: %+v", msg)
		}
	}

	// The audit record keeps a marked entry for every refused tool, not just
	// the first.
	it := persistedInteractions(t, fx.store)[0]
	for _, tool := range []string{"email__send", "email__forward"} {
		marker := trust.RefusalMarkerStart + tool + trust.RefusalMarkerEnd
		if !strings.Contains(it.Reason, marker) {
			t.Errorf("Reason = %q, missing marker for %s", it.Reason, tool)
		}
	}
}

func TestExecuteRuleRewritesModel(t *testing.T) {
	fx := newFixture(t, textResponse("Hi", domain.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}))

	maxLen := 100000
	source := rules.NewStaticSource([]rules.OptimizationRule{{
		ID:          "rule-1",
		EntityType:  rules.EntityTypeOrganization,
		EntityID:    "org-1",
		RuleType:    rules.RuleTypeContentLength,
		Conditions:  rules.Conditions{MaxLength: &maxLen},
		TargetModel: "gpt-4o-mini",
		Enabled:     true,
	}})
	fx.gateway.rules = rules.NewEngine(source, tokens.NewEstimator(), slog.New(slog.DiscardHandler))

	if _, err := fx.gateway.Execute(context.Background(), userRequest("Hello"), testCaller); err != nil {
		t.Fatal(err)
	}

	if fx.provider.requests[0].Model != "gpt-4o-mini" {
		t.Errorf("upstream model = %q, want the rewrite", fx.provider.requests[0].Model)
	}

	it := persistedInteractions(t, fx.store)[0]
	if it.Request.Model != "gpt-4o" {
		t.Errorf("persisted request model = %q, want the original", it.Request.Model)
	}
	if it.ServedModel != "gpt-4o-mini" || it.RuleID != "rule-1" {
		t.Errorf("ServedModel = %q, RuleID = %q", it.ServedModel, it.RuleID)
	}
	// gpt-4o would have cost 12.50/M avg on this split; the mini substitution
	// must show up as a positive savingsUsd entry.
	if it.Metadata["savingsUsd"] == "" {
		t.Error("expected savings attribution in metadata")
	}
}

func TestExecuteUpstreamFailure(t *testing.T) {
	fx := newFixture(t)
	fx.provider.err = &domain.UpstreamError{Upstream: "openai", StatusCode: 500, Message: "boom"}

	_, err := fx.gateway.Execute(context.Background(), userRequest("Hello"), testCaller)
	var upstreamErr *domain.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("err = %v", err)
	}

	it := persistedInteractions(t, fx.store)[0]
	if it.Status != domain.InteractionStatusFailed || !it.Blocked {
		t.Errorf("Status = %q, Blocked = %v", it.Status, it.Blocked)
	}
	if !strings.Contains(it.Reason, "boom") {
		t.Errorf("Reason = %q", it.Reason)
	}
	if it.Response != nil {
		t.Error("failed interaction must not carry a response")
	}
}

func TestExecuteMissingCredentialFailsRequest(t *testing.T) {
	fx := newFixture(t,
		toolCallResponse(call("call_1", "kb__search", `{}`)),
	)
	// A caller with no team and no personal token for the catalog.
	caller := testCaller
	caller.Principal = credentials.Principal{Email: "stranger@example.com"}
	fx.gateway.credentials = credentials.NewResolver(
		credentials.NewStaticSource(nil), slog.New(slog.DiscardHandler))

	_, err := fx.gateway.Execute(context.Background(), userRequest("Hello"), caller)
	var credErr *domain.NoCredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("err = %v", err)
	}
	if credErr.CatalogID != "cat-kb" {
		t.Errorf("CatalogID = %q", credErr.CatalogID)
	}

	it := persistedInteractions(t, fx.store)[0]
	if it.Status != domain.InteractionStatusFailed {
		t.Errorf("Status = %q", it.Status)
	}
}

func TestExecuteToolFailureFeedsBack(t *testing.T) {
	fx := newFixture(t,
		toolCallResponse(call("call_1", "kb__search", `{}`)),
		textResponse("The search backend is down.", domain.Usage{TotalTokens: 5}),
	)
	fx.tools.errs["kb__search"] = &domain.UpstreamError{Upstream: "mcp:kb", Message: "connection refused"}

	if _, err := fx.gateway.Execute(context.Background(), userRequest("Search"), testCaller); err != nil {
		t.Fatal(err)
	}

	msgs := fx.provider.requests[1].Messages
	toolMsg := msgs[len(msgs)-1]
	if !strings.Contains(toolMsg.Content, `"error"`) || !strings.Contains(toolMsg.Content, "connection refused") {
		t.Errorf("tool message = %q, want an error payload", toolMsg.Content)
	}

	it := persistedInteractions(t, fx.store)[0]
	if it.Status != domain.InteractionStatusCompleted {
		t.Errorf("Status = %q, a tool failure must not fail the interaction", it.Status)
	}
}

func TestExecuteValidation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.gateway.Execute(context.Background(), &domain.ChatRequest{Model: "gpt-4o"}, testCaller)
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("err = %v", err)
	}

	if items := persistedInteractions(t, fx.store); len(items) != 0 {
		t.Errorf("rejected requests must not be persisted, got %d", len(items))
	}
}
