package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// fixedEstimator returns a constant token count.
type fixedEstimator struct {
	count int
}

func (f fixedEstimator) CountRequest(*domain.ChatRequest) int {
	return f.count
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

var testScope = Scope{OrganizationID: "org_1", TeamID: "team_1", AgentID: "agent_1"}

func chatRequest(tools bool) *domain.ChatRequest {
	req := &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	}
	if tools {
		req.Tools = []domain.ToolDefinition{
			{Type: "function", Function: domain.FunctionDef{Name: "github__create_issue"}},
		}
	}
	return req
}

func TestSelectTargetModel_ContentLength(t *testing.T) {
	source := NewStaticSource([]OptimizationRule{
		{
			ID:          "rule_short",
			EntityType:  EntityTypeOrganization,
			EntityID:    "org_1",
			RuleType:    RuleTypeContentLength,
			Conditions:  Conditions{MaxLength: intPtr(100)},
			Provider:    "openai",
			TargetModel: "gpt-4o-mini",
			Enabled:     true,
		},
	})

	engine := NewEngine(source, fixedEstimator{count: 50}, nil)
	decision := engine.SelectTargetModel(context.Background(), chatRequest(false), testScope)
	if !decision.Matched {
		t.Fatal("expected rule to match a short request")
	}
	if decision.Model != "gpt-4o-mini" || decision.Provider != "openai" {
		t.Errorf("decision = %+v", decision)
	}
	if decision.RuleID != "rule_short" {
		t.Errorf("RuleID = %q, want rule_short", decision.RuleID)
	}

	// A long request passes through unchanged.
	engine = NewEngine(source, fixedEstimator{count: 500}, nil)
	if d := engine.SelectTargetModel(context.Background(), chatRequest(false), testScope); d.Matched {
		t.Errorf("expected no match for long request, got %+v", d)
	}
}

func TestSelectTargetModel_ToolPresence(t *testing.T) {
	source := NewStaticSource([]OptimizationRule{
		{
			ID:          "rule_no_tools",
			EntityType:  EntityTypeOrganization,
			EntityID:    "org_1",
			RuleType:    RuleTypeToolPresence,
			Conditions:  Conditions{HasTools: boolPtr(false)},
			Provider:    "anthropic",
			TargetModel: "claude-3-5-haiku-latest",
			Enabled:     true,
		},
	})
	engine := NewEngine(source, fixedEstimator{}, nil)

	if d := engine.SelectTargetModel(context.Background(), chatRequest(false), testScope); !d.Matched {
		t.Error("expected match for request without tools")
	}
	if d := engine.SelectTargetModel(context.Background(), chatRequest(true), testScope); d.Matched {
		t.Errorf("expected no match for request with tools, got %+v", d)
	}
}

func TestSelectTargetModel_SpecificityWins(t *testing.T) {
	// Both rules match; the agent-scoped one must win over the
	// organization-scoped one regardless of source order.
	source := NewStaticSource([]OptimizationRule{
		{
			ID:          "rule_org",
			EntityType:  EntityTypeOrganization,
			EntityID:    "org_1",
			RuleType:    RuleTypeContentLength,
			Conditions:  Conditions{MaxLength: intPtr(1000)},
			Provider:    "openai",
			TargetModel: "gpt-4o-mini",
			Enabled:     true,
		},
		{
			ID:          "rule_agent",
			EntityType:  EntityTypeAgent,
			EntityID:    "agent_1",
			RuleType:    RuleTypeContentLength,
			Conditions:  Conditions{MaxLength: intPtr(1000)},
			Provider:    "anthropic",
			TargetModel: "claude-3-5-haiku-latest",
			Enabled:     true,
		},
	})

	engine := NewEngine(source, fixedEstimator{count: 10}, nil)
	decision := engine.SelectTargetModel(context.Background(), chatRequest(false), testScope)
	if decision.RuleID != "rule_agent" {
		t.Errorf("RuleID = %q, want agent-scoped rule to win", decision.RuleID)
	}
}

func TestSelectTargetModel_SkipsDisabledAndMalformed(t *testing.T) {
	source := NewStaticSource([]OptimizationRule{
		{
			ID:          "rule_disabled",
			EntityType:  EntityTypeAgent,
			EntityID:    "agent_1",
			RuleType:    RuleTypeContentLength,
			Conditions:  Conditions{MaxLength: intPtr(1000)},
			TargetModel: "gpt-4o-mini",
			Enabled:     false,
		},
		{
			// Ambiguous conditions: both variants populated.
			ID:          "rule_malformed",
			EntityType:  EntityTypeAgent,
			EntityID:    "agent_1",
			RuleType:    RuleTypeContentLength,
			Conditions:  Conditions{MaxLength: intPtr(1000), HasTools: boolPtr(true)},
			TargetModel: "gpt-4o-mini",
			Enabled:     true,
		},
		{
			ID:          "rule_valid",
			EntityType:  EntityTypeOrganization,
			EntityID:    "org_1",
			RuleType:    RuleTypeContentLength,
			Conditions:  Conditions{MaxLength: intPtr(1000)},
			Provider:    "openai",
			TargetModel: "gpt-4o-mini",
			Enabled:     true,
		},
	})

	engine := NewEngine(source, fixedEstimator{count: 10}, nil)
	decision := engine.SelectTargetModel(context.Background(), chatRequest(false), testScope)
	if decision.RuleID != "rule_valid" {
		t.Errorf("RuleID = %q, want malformed and disabled rules skipped", decision.RuleID)
	}
}

func TestSelectTargetModel_SourceErrorPassesThrough(t *testing.T) {
	engine := NewEngine(failingSource{}, fixedEstimator{}, nil)
	if d := engine.SelectTargetModel(context.Background(), chatRequest(false), testScope); d.Matched {
		t.Errorf("expected pass-through on source error, got %+v", d)
	}
}

type failingSource struct{}

func (failingSource) RulesForScope(context.Context, Scope) ([]OptimizationRule, error) {
	return nil, errors.New("database unreachable")
}

func TestCachedSourceServesSnapshotWithinTTL(t *testing.T) {
	inner := &countingSource{source: NewStaticSource([]OptimizationRule{
		{ID: "r1", EntityType: EntityTypeOrganization, EntityID: "org_1"},
	})}

	cached := NewCachedSource(inner, time.Minute)
	for range 3 {
		if _, err := cached.RulesForScope(context.Background(), testScope); err != nil {
			t.Fatal(err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner source called %d times, want 1", inner.calls)
	}
}

func TestCachedSourceRefreshesAfterTTL(t *testing.T) {
	inner := &countingSource{source: NewStaticSource(nil)}
	cached := NewCachedSource(inner, time.Minute)

	now := time.Now()
	cached.now = func() time.Time { return now }

	if _, err := cached.RulesForScope(context.Background(), testScope); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := cached.RulesForScope(context.Background(), testScope); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("inner source called %d times, want refresh after TTL", inner.calls)
	}
}

type countingSource struct {
	source Source
	calls  int
}

func (c *countingSource) RulesForScope(ctx context.Context, scope Scope) ([]OptimizationRule, error) {
	c.calls++
	return c.source.RulesForScope(ctx, scope)
}
