// Package rules implements the cost-optimization rule engine. Rules are
// configured per organization, team, or agent and substitute a cheaper
// target model when an inbound request matches their conditions. Rule
// lifecycle (CRUD) is owned externally; the engine only reads enabled rules
// scoped to the calling agent.
package rules

import (
	"fmt"
)

// EntityType identifies the scope level a rule is attached to.
type EntityType string

const (
	EntityTypeOrganization EntityType = "organization"
	EntityTypeTeam         EntityType = "team"
	EntityTypeAgent        EntityType = "agent"
)

// RuleType discriminates the condition variant of a rule.
type RuleType string

const (
	// RuleTypeContentLength matches when the estimated token length of the
	// request is at or below the configured maximum.
	RuleTypeContentLength RuleType = "content_length"

	// RuleTypeToolPresence matches when the presence of declared tools
	// equals the configured flag.
	RuleTypeToolPresence RuleType = "tool_presence"
)

// Conditions is a two-variant union discriminated by RuleType: exactly one
// of MaxLength or HasTools is set, never both.
type Conditions struct {
	MaxLength *int  `json:"maxLength,omitempty"`
	HasTools  *bool `json:"hasTools,omitempty"`
}

// OptimizationRule substitutes a cheaper target model when its condition
// matches an inbound request.
type OptimizationRule struct {
	ID          string     `json:"id"`
	EntityType  EntityType `json:"entityType"`
	EntityID    string     `json:"entityId"`
	RuleType    RuleType   `json:"ruleType"`
	Conditions  Conditions `json:"conditions"`
	Provider    string     `json:"provider"`
	TargetModel string     `json:"targetModel"`
	Enabled     bool       `json:"enabled"`
}

// Validate checks that the rule's conditions shape matches its rule type.
func (r *OptimizationRule) Validate() error {
	switch r.EntityType {
	case EntityTypeOrganization, EntityTypeTeam, EntityTypeAgent:
	default:
		return fmt.Errorf("rule %s: unknown entity type %q", r.ID, r.EntityType)
	}

	if r.TargetModel == "" {
		return fmt.Errorf("rule %s: target model is required", r.ID)
	}

	switch r.RuleType {
	case RuleTypeContentLength:
		if r.Conditions.MaxLength == nil {
			return fmt.Errorf("rule %s: content_length rule requires maxLength", r.ID)
		}
		if r.Conditions.HasTools != nil {
			return fmt.Errorf("rule %s: content_length rule must not set hasTools", r.ID)
		}
		if *r.Conditions.MaxLength < 0 {
			return fmt.Errorf("rule %s: maxLength must not be negative", r.ID)
		}
	case RuleTypeToolPresence:
		if r.Conditions.HasTools == nil {
			return fmt.Errorf("rule %s: tool_presence rule requires hasTools", r.ID)
		}
		if r.Conditions.MaxLength != nil {
			return fmt.Errorf("rule %s: tool_presence rule must not set maxLength", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown rule type %q", r.ID, r.RuleType)
	}

	return nil
}

// Scope identifies the calling agent's position in the entity hierarchy.
// TeamID and AgentID may be empty when the caller belongs to no team or the
// request is not agent-bound.
type Scope struct {
	OrganizationID string
	TeamID         string
	AgentID        string
}

// AppliesTo reports whether the rule's entity matches the scope.
func (r *OptimizationRule) AppliesTo(scope Scope) bool {
	switch r.EntityType {
	case EntityTypeOrganization:
		return r.EntityID == scope.OrganizationID
	case EntityTypeTeam:
		return scope.TeamID != "" && r.EntityID == scope.TeamID
	case EntityTypeAgent:
		return scope.AgentID != "" && r.EntityID == scope.AgentID
	default:
		return false
	}
}

// specificity orders entity types most specific first: agent > team >
// organization.
func specificity(t EntityType) int {
	switch t {
	case EntityTypeAgent:
		return 0
	case EntityTypeTeam:
		return 1
	case EntityTypeOrganization:
		return 2
	default:
		return 3
	}
}
