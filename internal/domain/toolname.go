package domain

import "strings"

// ToolNameSeparator joins an MCP server name and a tool name into the
// namespaced form exposed to the model, e.g. "github__create_issue".
const ToolNameSeparator = "__"

// ToolName is the parsed form of a namespaced tool identifier. Server names
// may themselves contain the separator, so parsing splits on the LAST
// occurrence. Parse once at ingress; never re-split downstream.
type ToolName struct {
	Server string
	Tool   string
}

// ParseToolName splits a namespaced tool identifier into server and tool
// parts. A name without a separator belongs to the "default" server.
func ParseToolName(name string) ToolName {
	idx := strings.LastIndex(name, ToolNameSeparator)
	if idx < 0 {
		return ToolName{Server: "default", Tool: name}
	}
	return ToolName{
		Server: name[:idx],
		Tool:   name[idx+len(ToolNameSeparator):],
	}
}

// String returns the namespaced form. Names parsed from input round-trip,
// except bare names which gain the "default" server prefix.
func (t ToolName) String() string {
	return t.Server + ToolNameSeparator + t.Tool
}
