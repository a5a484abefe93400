package trust

import (
	"log/slog"
	"strings"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// CallDecision is the verdict for one tool call issued by the model.
type CallDecision struct {
	Call domain.ToolCall
	Name domain.ToolName

	// Untrusted marks a call whose result will taint the conversation.
	Untrusted bool

	// Blocked calls must not be executed. Refusal carries the synthesized
	// tool-result text to feed back to the model in their place.
	Blocked bool
	Reason  string
	Refusal string
}

// Verdict aggregates per-call decisions into the flags recorded on the
// interaction. Trusted drops to false as soon as any untrusted source has
// contributed data; Blocked is set only when at least one call was refused.
type Verdict struct {
	Trusted bool
	Blocked bool
	Reason  string
	Calls   []CallDecision
}

// Evaluator tracks trust across the turns of a single interaction. It is
// stateful: once an untrusted tool result enters the conversation, every
// later turn sees the taint. Not safe for concurrent use; the gateway owns
// one evaluator per request.
type Evaluator struct {
	policy *Policy
	logger *slog.Logger

	untaintedSoFar bool
	refusals       []string
}

// NewEvaluator creates an evaluator for a fresh interaction, which starts
// trusted.
func NewEvaluator(policy *Policy, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{policy: policy, logger: logger, untaintedSoFar: true}
}

// EvaluateCalls classifies one turn's tool calls in the order the model
// issued them. Results of earlier calls in the same turn are fed back before
// the next turn, so a taint introduced by call N restricts call N+1 onward.
func (e *Evaluator) EvaluateCalls(calls []domain.ToolCall) Verdict {
	decisions := make([]CallDecision, 0, len(calls))
	for _, call := range calls {
		name := domain.ParseToolName(call.Function.Name)
		policy := e.policy.Lookup(name)

		d := CallDecision{Call: call, Name: name}
		d.Untrusted = !policy.DataTrustedByDefault && !policy.Sanitized

		if !e.untaintedSoFar && !policy.AllowWhenUntrusted {
			d.Blocked = true
			d.Reason = "untrusted data is present in the conversation and this tool is not permitted to receive it"
			d.Refusal = RefusalMessage(name, d.Reason)
			e.refusals = append(e.refusals, d.Refusal)
			e.logger.Warn("blocked tool call",
				slog.String("tool", name.String()),
				slog.String("reason", d.Reason),
			)
		} else if d.Untrusted {
			// The call will run and its result taints everything after it.
			e.untaintedSoFar = false
		}

		decisions = append(decisions, d)
	}

	blocked, reason := e.Blocked()
	return Verdict{
		Trusted: e.untaintedSoFar,
		Blocked: blocked,
		Reason:  reason,
		Calls:   decisions,
	}
}

// Trusted reports whether the conversation is still free of untrusted data.
func (e *Evaluator) Trusted() bool { return e.untaintedSoFar }

// Blocked reports whether any call was refused during the interaction. The
// reason joins every refusal, markers included, so the audit record keeps
// all refused tool names recoverable.
func (e *Evaluator) Blocked() (bool, string) {
	return len(e.refusals) > 0, strings.Join(e.refusals, "\n")
}
