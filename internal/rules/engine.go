package rules

import (
	"context"
	"log/slog"
	"sort"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// Source provides the enabled rules visible to a scope. Implementations are
// read models over externally managed rule tables; the engine never mutates
// them.
type Source interface {
	RulesForScope(ctx context.Context, scope Scope) ([]OptimizationRule, error)
}

// TokenEstimator estimates the prompt token length of a request, used by
// content_length conditions.
type TokenEstimator interface {
	CountRequest(req *domain.ChatRequest) int
}

// Decision is the outcome of rule evaluation. When Matched is true the
// request's upstream call should use Provider/Model instead of what the
// caller asked for; RuleID attributes the substitution for savings
// reporting.
type Decision struct {
	Matched  bool
	Provider string
	Model    string
	RuleID   string
}

// Engine evaluates optimization rules against inbound requests.
type Engine struct {
	source    Source
	estimator TokenEstimator
	logger    *slog.Logger
}

// NewEngine creates a rule engine over the given source.
func NewEngine(source Source, estimator TokenEstimator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, estimator: estimator, logger: logger}
}

// SelectTargetModel evaluates rules for the request's scope. Candidates are
// ordered most specific scope first (agent > team > organization); within a
// level, source order holds. The first enabled rule whose predicate matches
// wins. Malformed rules are skipped, never fatal; no match is not an error.
func (e *Engine) SelectTargetModel(ctx context.Context, req *domain.ChatRequest, scope Scope) Decision {
	candidates, err := e.source.RulesForScope(ctx, scope)
	if err != nil {
		// A failing rule source degrades to pass-through: cost optimization
		// is best-effort, never a reason to reject a request.
		e.logger.Warn("rule lookup failed, passing request through",
			slog.String("organization_id", scope.OrganizationID),
			slog.String("error", err.Error()),
		)
		return Decision{}
	}

	// Stable sort keeps source order within one specificity level.
	sort.SliceStable(candidates, func(i, j int) bool {
		return specificity(candidates[i].EntityType) < specificity(candidates[j].EntityType)
	})

	for _, rule := range candidates {
		if !rule.Enabled || !rule.AppliesTo(scope) {
			continue
		}
		if err := rule.Validate(); err != nil {
			e.logger.Warn("skipping malformed rule", slog.String("rule_id", rule.ID), slog.String("error", err.Error()))
			continue
		}
		if e.matches(rule, req) {
			return Decision{
				Matched:  true,
				Provider: rule.Provider,
				Model:    rule.TargetModel,
				RuleID:   rule.ID,
			}
		}
	}

	return Decision{}
}

func (e *Engine) matches(rule OptimizationRule, req *domain.ChatRequest) bool {
	switch rule.RuleType {
	case RuleTypeContentLength:
		return e.estimator.CountRequest(req) <= *rule.Conditions.MaxLength
	case RuleTypeToolPresence:
		return (len(req.Tools) > 0) == *rule.Conditions.HasTools
	default:
		// Validate has already rejected unknown types.
		return false
	}
}
