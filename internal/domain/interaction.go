package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// InteractionStatus indicates how an interaction terminated.
type InteractionStatus string

const (
	InteractionStatusCompleted  InteractionStatus = "completed"
	InteractionStatusFailed     InteractionStatus = "failed"
	InteractionStatusIncomplete InteractionStatus = "incomplete"
)

// Interaction is the append-only audit record of one request/response
// exchange through the gateway. It is created exactly once per completed or
// blocked request and never mutated after creation.
//
// Request always holds what the caller asked for, even when an optimization
// rule rewrote the served model: observability requires seeing the original
// request alongside the model that actually served it.
type Interaction struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	CreatedAt time.Time `json:"createdAt"`

	// Request is the original inbound payload (messages, model, tools).
	Request *ChatRequest `json:"request"`

	// Response is the final response returned to the caller, including any
	// synthesized refusal messages. Nil only when the upstream call failed
	// before producing anything.
	Response *ChatResponse `json:"response,omitempty"`

	// Trusted is false when any tool call in this interaction returned
	// untrusted data. Blocked is true when policy denied at least one call
	// outright, or when the upstream call failed.
	Trusted bool   `json:"trusted"`
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`

	// Provider and ServedModel record which upstream actually handled the
	// request; RuleID attributes a model rewrite to the optimization rule
	// that fired, for cost-savings reporting.
	Provider    string `json:"provider,omitempty"`
	ServedModel string `json:"servedModel,omitempty"`
	RuleID      string `json:"ruleId,omitempty"`

	Status   InteractionStatus `json:"status"`
	Duration time.Duration     `json:"durationNs,omitempty"`

	// Metadata carries supplementary audit values (cost attribution,
	// request id, ...).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewInteractionID returns a fresh gateway-owned interaction ID.
func NewInteractionID() string {
	return "int_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewInteraction creates an interaction shell for the given agent and
// request. Trusted defaults to true; the policy evaluator lowers it.
func NewInteraction(agentID string, req *ChatRequest) *Interaction {
	return &Interaction{
		ID:        NewInteractionID(),
		AgentID:   agentID,
		CreatedAt: time.Now().UTC(),
		Request:   req,
		Trusted:   true,
		Status:    InteractionStatusCompleted,
		Metadata:  make(map[string]string),
	}
}
