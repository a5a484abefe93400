package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tollgate-ai/tollgate/internal/rules"
)

// RuleSource is a read model over the optimization_rules table. The table is
// written by an external control plane; the gateway only reads it.
type RuleSource struct {
	store *Store
}

var _ rules.Source = (*RuleSource)(nil)

// NewRuleSource creates a rule read model sharing the store's database.
func NewRuleSource(store *Store) *RuleSource {
	return &RuleSource{store: store}
}

// RulesForScope returns the enabled rules targeting any level of the scope.
func (r *RuleSource) RulesForScope(ctx context.Context, scope rules.Scope) ([]rules.OptimizationRule, error) {
	query := `SELECT id, entity_type, entity_id, rule_type, conditions, provider, target_model, enabled
	FROM optimization_rules
	WHERE (entity_type = 'organization' AND entity_id = ?)
	   OR (entity_type = 'team' AND entity_id = ?)
	   OR (entity_type = 'agent' AND entity_id = ?)
	ORDER BY created_at ASC`

	rows, err := r.store.db.QueryContext(ctx, query,
		scope.OrganizationID, scope.TeamID, scope.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var result []rules.OptimizationRule
	for rows.Next() {
		var rule rules.OptimizationRule
		var entityType, ruleType, conditions string
		var enabled int

		if err := rows.Scan(&rule.ID, &entityType, &rule.EntityID, &ruleType,
			&conditions, &rule.Provider, &rule.TargetModel, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}

		rule.EntityType = rules.EntityType(entityType)
		rule.RuleType = rules.RuleType(ruleType)
		rule.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule %s conditions: %w", rule.ID, err)
		}

		result = append(result, rule)
	}

	return result, rows.Err()
}
