// Package trust classifies tool calls as trusted, untrusted, or blocked.
// Tool results from MCP servers that are not trusted by default taint the
// conversation; once untrusted data is present, tools that are not allowed
// to see it are refused outright. The evaluator produces the audit flags
// recorded on each interaction.
package trust

import (
	"fmt"

	"github.com/tollgate-ai/tollgate/internal/domain"
)

// RefusalMarkerStart and RefusalMarkerEnd delimit the refused tool's name
// inside a synthesized refusal message, so log viewers can recover it
// without re-parsing free text.
const (
	RefusalMarkerStart = "<tollgate-tool-name>"
	RefusalMarkerEnd   = "</tollgate-tool-name>"
)

// ToolPolicy configures how a single tool (or a whole server, when Tool is
// empty) is treated.
type ToolPolicy struct {
	Server string
	Tool   string

	// DataTrustedByDefault marks the server's output as safe. When false,
	// results taint the conversation unless a sanitization step applies.
	DataTrustedByDefault bool

	// Sanitized indicates a dual-LLM sanitization step is applied to this
	// tool's output by an external collaborator, lifting the taint.
	Sanitized bool

	// AllowWhenUntrusted permits invoking this tool even after untrusted
	// data has entered the conversation.
	AllowWhenUntrusted bool
}

// Policy holds the configured per-tool rules. Lookups prefer an exact
// server+tool entry over a server-wide entry; unknown tools get the
// defaults.
type Policy struct {
	byTool   map[domain.ToolName]ToolPolicy
	byServer map[string]ToolPolicy
	defaults ToolPolicy
}

// NewPolicy builds a policy from configured entries. The default treats
// unknown tools as untrusted sources that may still be invoked.
func NewPolicy(entries []ToolPolicy) *Policy {
	p := &Policy{
		byTool:   make(map[domain.ToolName]ToolPolicy),
		byServer: make(map[string]ToolPolicy),
		defaults: ToolPolicy{
			DataTrustedByDefault: false,
			AllowWhenUntrusted:   true,
		},
	}
	for _, entry := range entries {
		if entry.Tool == "" {
			p.byServer[entry.Server] = entry
			continue
		}
		p.byTool[domain.ToolName{Server: entry.Server, Tool: entry.Tool}] = entry
	}
	return p
}

// Lookup returns the policy entry governing a tool.
func (p *Policy) Lookup(name domain.ToolName) ToolPolicy {
	if entry, ok := p.byTool[name]; ok {
		return entry
	}
	if entry, ok := p.byServer[name.Server]; ok {
		return entry
	}
	return p.defaults
}

// RefusalMessage synthesizes the refusal text for a blocked tool call,
// embedding the machine-parseable tool-name marker.
func RefusalMessage(name domain.ToolName, reason string) string {
	return fmt.Sprintf("The gateway refused to execute %s%s%s: %s",
		RefusalMarkerStart, name, RefusalMarkerEnd, reason)
}
