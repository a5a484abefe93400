// Package gateway runs the request pipeline: rule evaluation, the upstream
// LLM call, the tool loop with trust enforcement and credential resolution,
// and finally the interaction record. One inbound chat completion produces
// exactly one persisted interaction, whatever happens along the way.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tollgate-ai/tollgate/internal/cost"
	"github.com/tollgate-ai/tollgate/internal/credentials"
	"github.com/tollgate-ai/tollgate/internal/domain"
	"github.com/tollgate-ai/tollgate/internal/mcp"
	"github.com/tollgate-ai/tollgate/internal/provider"
	"github.com/tollgate-ai/tollgate/internal/rules"
	"github.com/tollgate-ai/tollgate/internal/storage"
	"github.com/tollgate-ai/tollgate/internal/trust"
)

// defaultMaxToolTurns bounds the tool loop so a model that keeps asking for
// tools cannot hold a request open forever.
const defaultMaxToolTurns = 10

// persistTimeout bounds interaction writes once they are decoupled from the
// request context.
const persistTimeout = 5 * time.Second

// ToolRouter executes tool calls against MCP servers. Satisfied by
// mcp.Router.
type ToolRouter interface {
	CallTool(ctx context.Context, name domain.ToolName, argumentsJSON string, token credentials.Token) (mcp.Result, error)
	CatalogID(server string) (string, bool)
}

// Caller identifies who is making the request: the agent for audit scoping
// and the principal for credential resolution.
type Caller struct {
	AgentID   string
	Principal credentials.Principal
	Scope     rules.Scope
}

// Config wires the gateway's collaborators.
type Config struct {
	Providers   *provider.Registry
	Tools       ToolRouter
	Rules       *rules.Engine
	Policy      *trust.Policy
	Credentials *credentials.Resolver
	Store       storage.InteractionStore
	Prices      *cost.Table
	Logger      *slog.Logger

	// MaxToolTurns caps round trips through the tool loop. Zero means the
	// default.
	MaxToolTurns int
}

// Gateway is the request pipeline.
type Gateway struct {
	providers    *provider.Registry
	tools        ToolRouter
	rules        *rules.Engine
	policy       *trust.Policy
	credentials  *credentials.Resolver
	store        storage.InteractionStore
	prices       *cost.Table
	logger       *slog.Logger
	tracer       trace.Tracer
	maxToolTurns int
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTurns := cfg.MaxToolTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxToolTurns
	}
	return &Gateway{
		providers:    cfg.Providers,
		tools:        cfg.Tools,
		rules:        cfg.Rules,
		policy:       cfg.Policy,
		credentials:  cfg.Credentials,
		store:        cfg.Store,
		prices:       cfg.Prices,
		logger:       logger,
		tracer:       otel.Tracer("tollgate/gateway"),
		maxToolTurns: maxTurns,
	}
}

// Execute runs a non-streaming chat completion through the full pipeline and
// returns the final response after all tool turns have settled.
func (g *Gateway) Execute(ctx context.Context, req *domain.ChatRequest, caller Caller) (*domain.ChatResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Execute",
		trace.WithAttributes(
			attribute.String("agent.id", caller.AgentID),
			attribute.String("request.model", req.Model),
		))
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	run := g.newRun(ctx, req, caller)

	for turn := 0; turn < g.maxToolTurns; turn++ {
		resp, err := run.provider.Complete(ctx, run.upstream)
		if err != nil {
			run.fail(err)
			return nil, err
		}
		run.addUsage(resp.Usage)

		calls := toolCallsOf(resp)
		if len(calls) == 0 {
			resp.Usage = run.usage
			run.complete(resp)
			return resp, nil
		}

		toolMessages, err := g.runToolTurn(ctx, run, resp.Choices[0].Message, calls)
		if err != nil {
			run.fail(err)
			return nil, err
		}
		run.upstream.Messages = append(run.upstream.Messages, toolMessages...)
	}

	err := &domain.UpstreamError{
		Upstream: run.provider.Name(),
		Message:  fmt.Sprintf("tool loop did not settle within %d turns", g.maxToolTurns),
	}
	run.fail(err)
	return nil, err
}

// run carries the mutable state of one request through its turns.
type run struct {
	gateway   *Gateway
	caller    Caller
	request   *domain.ChatRequest
	upstream  *domain.ChatRequest
	provider  provider.Provider
	decision  rules.Decision
	evaluator *trust.Evaluator
	usage     domain.Usage
	started   time.Time
}

// newRun applies the rule engine and selects the provider. The original
// request is kept untouched for the audit record; the upstream copy is the
// one that gets rewritten and grows the tool conversation.
func (g *Gateway) newRun(ctx context.Context, req *domain.ChatRequest, caller Caller) *run {
	decision := rules.Decision{}
	if g.rules != nil {
		decision = g.rules.SelectTargetModel(ctx, req, caller.Scope)
	}

	upstream := req.Clone()
	if decision.Matched {
		upstream.Model = decision.Model
		g.logger.Info("optimization rule rewrote model",
			slog.String("rule_id", decision.RuleID),
			slog.String("requested_model", req.Model),
			slog.String("served_model", decision.Model),
		)
	}

	p, err := g.providers.ForModel(decision.Provider, upstream.Model)
	if err != nil {
		// Provider selection failure is handled by the first Complete call
		// through the errProvider, so the turn loop stays uniform.
		p = errProvider{err: err}
	}

	return &run{
		gateway:   g,
		caller:    caller,
		request:   req,
		upstream:  upstream,
		provider:  p,
		decision:  decision,
		evaluator: trust.NewEvaluator(g.policy, g.logger),
		started:   time.Now(),
	}
}

func (r *run) addUsage(u domain.Usage) {
	r.usage.PromptTokens += u.PromptTokens
	r.usage.CompletionTokens += u.CompletionTokens
	r.usage.TotalTokens += u.TotalTokens
}

// complete persists the interaction for a successful request.
func (r *run) complete(resp *domain.ChatResponse) {
	interaction := r.newInteraction()
	interaction.Response = resp
	blocked, reason := r.evaluator.Blocked()
	interaction.Trusted = r.evaluator.Trusted()
	interaction.Blocked = blocked
	interaction.Reason = reason
	r.persist(interaction)
}

// fail persists a blocked interaction carrying the terminal error.
func (r *run) fail(err error) {
	interaction := r.newInteraction()
	interaction.Status = domain.InteractionStatusFailed
	interaction.Trusted = r.evaluator.Trusted()
	interaction.Blocked = true
	interaction.Reason = err.Error()
	r.persist(interaction)
}

// incomplete persists a partial interaction after a caller disconnect.
func (r *run) incomplete(resp *domain.ChatResponse) {
	interaction := r.newInteraction()
	interaction.Status = domain.InteractionStatusIncomplete
	interaction.Response = resp
	blocked, reason := r.evaluator.Blocked()
	interaction.Trusted = r.evaluator.Trusted()
	interaction.Blocked = blocked
	interaction.Reason = reason
	r.persist(interaction)
}

func (r *run) newInteraction() *domain.Interaction {
	interaction := domain.NewInteraction(r.caller.AgentID, r.request)
	interaction.Provider = r.provider.Name()
	interaction.ServedModel = r.upstream.Model
	interaction.Duration = time.Since(r.started)
	if r.decision.Matched {
		interaction.RuleID = r.decision.RuleID
	}
	return interaction
}

// persist writes the record with a context decoupled from the request, so a
// caller disconnect cannot lose the audit trail.
func (r *run) persist(interaction *domain.Interaction) {
	g := r.gateway

	if r.decision.Matched && g.prices != nil && r.usage.TotalTokens > 0 {
		if saved, ok := g.prices.Savings(r.request.Model, r.upstream.Model, r.usage); ok {
			interaction.Metadata["savingsUsd"] = strconv.FormatFloat(saved, 'f', 6, 64)
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), persistTimeout)
	defer cancel()

	if err := g.store.Create(ctx, interaction); err != nil {
		g.logger.Error("failed to persist interaction",
			slog.String("interaction_id", interaction.ID),
			slog.String("agent_id", interaction.AgentID),
			slog.String("error", err.Error()),
		)
	}
}

// runToolTurn evaluates one turn's tool calls, executes the permitted ones,
// and returns the assistant message followed by one tool message per call in
// the order the model issued them.
func (g *Gateway) runToolTurn(ctx context.Context, run *run, assistant domain.Message, calls []domain.ToolCall) ([]domain.Message, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.toolTurn",
		trace.WithAttributes(attribute.Int("tool.calls", len(calls))))
	defer span.End()

	verdict := run.evaluator.EvaluateCalls(calls)

	// Resolve every credential before launching anything. A missing
	// credential is fatal for the request, and failing early means no
	// half-executed fan-out.
	tokens := make([]credentials.Token, len(verdict.Calls))
	for i, d := range verdict.Calls {
		if d.Blocked {
			continue
		}
		catalogID, ok := g.tools.CatalogID(d.Name.Server)
		if !ok {
			return nil, domain.ErrValidation("tool", fmt.Sprintf("unknown MCP server %q", d.Name.Server))
		}
		token, err := g.credentials.Resolve(ctx, catalogID, run.caller.Principal)
		if err != nil {
			return nil, err
		}
		tokens[i] = token
	}

	// Fan out, but keep results indexed by call order. The model reads its
	// tool results positionally; completion order must not leak through.
	results := make([]string, len(verdict.Calls))
	grp, grpCtx := errgroup.WithContext(ctx)
	for i, d := range verdict.Calls {
		if d.Blocked {
			results[i] = d.Refusal
			continue
		}
		grp.Go(func() error {
			res, err := g.tools.CallTool(grpCtx, d.Name, d.Call.Function.Arguments, tokens[i])
			switch {
			case err != nil:
				// Tool failures feed back to the model; they never abort the
				// interaction.
				g.logger.Warn("tool call failed",
					slog.String("tool", d.Name.String()),
					slog.String("error", err.Error()),
				)
				results[i] = errorPayload(err.Error())
			case res.IsError:
				results[i] = errorPayload(res.Text)
			default:
				results[i] = res.Text
			}
			return grpCtx.Err()
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(verdict.Calls)+1)
	messages = append(messages, assistant)
	for i, d := range verdict.Calls {
		msg := domain.Message{
			Role:       "tool",
			ToolCallID: d.Call.ID,
			Content:    results[i],
		}
		if d.Blocked {
			msg.Refusal = d.Refusal
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func validateRequest(req *domain.ChatRequest) error {
	if req.Model == "" {
		return domain.ErrValidation("model", "model is required")
	}
	if len(req.Messages) == 0 {
		return domain.ErrValidation("messages", "at least one message is required")
	}
	return nil
}

func toolCallsOf(resp *domain.ChatResponse) []domain.ToolCall {
	if len(resp.Choices) == 0 {
		return nil
	}
	return resp.Choices[0].Message.ToolCalls
}

// errorPayload wraps a tool failure as a JSON object the model can reason
// about.
func errorPayload(message string) string {
	b, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(b)
}

// errProvider defers a provider-selection error to the first upstream call.
type errProvider struct{ err error }

func (e errProvider) Name() string { return "unselected" }
func (e errProvider) Complete(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, e.err
}
func (e errProvider) Stream(context.Context, *domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	return nil, e.err
}
