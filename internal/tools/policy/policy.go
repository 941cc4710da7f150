// Package policy provides tool authorization for MCP tool calls: which
// wire-named tools ("<server>__<tool>", see models.WireName) an assistant
// is allowed to invoke, expressed as a profile plus explicit allow/deny
// lists (§4.E).
package policy

import "strings"

// Profile is a pre-configured tool access level.
type Profile string

const (
	ProfileMinimal Profile = "minimal"
	ProfileFull    Profile = "full"
)

// Policy combines a profile with explicit allow/deny overrides. Within one
// Policy, deny wins over allow. ByServer (keyed by server ID) replaces the
// top-level rules for wire names of that server: when it has an entry for
// the server, only that entry is evaluated and the top-level Allow, Deny and
// Profile are ignored.
type Policy struct {
	Profile  Profile            `json:"profile,omitempty" yaml:"profile"`
	Allow    []string           `json:"allow,omitempty" yaml:"allow"`
	Deny     []string           `json:"deny,omitempty" yaml:"deny"`
	ByServer map[string]*Policy `json:"by_server,omitempty" yaml:"by_server,omitempty"`
}

// NormalizeTool lowercases and trims a tool name for pattern comparison.
// Tool names reaching the policy layer are already wire names
// ("<server>__<tool>"); this only normalizes case and whitespace.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeTools normalizes a list of tool names, dropping empties.
func NormalizeTools(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if norm := NormalizeTool(n); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

// Decision explains why a tool was allowed or denied.
type Decision struct {
	Allowed bool
	Tool    string
	Reason  string
}

// Resolver evaluates Policy values against wire-named tools. The zero value
// is ready to use.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// IsAllowed reports whether toolName (a wire name, or a bare built-in tool
// name) is allowed under pol. A nil policy allows everything.
func (r *Resolver) IsAllowed(pol *Policy, toolName string) bool {
	return r.Decide(pol, toolName).Allowed
}

// Decide evaluates toolName against pol and explains the outcome.
func (r *Resolver) Decide(pol *Policy, toolName string) Decision {
	norm := NormalizeTool(toolName)
	if pol == nil {
		return Decision{Allowed: true, Tool: norm, Reason: "no policy"}
	}

	if server, _, ok := splitWire(norm); ok {
		if scoped, ok := pol.ByServer[server]; ok {
			d := r.Decide(scoped, toolName)
			d.Tool = norm
			return d
		}
	}

	if matchesAny(pol.Deny, norm) {
		return Decision{Allowed: false, Tool: norm, Reason: "tool in deny list"}
	}
	if matchesAny(pol.Allow, norm) {
		return Decision{Allowed: true, Tool: norm, Reason: "tool in allow list"}
	}
	if pol.Profile == ProfileFull {
		return Decision{Allowed: true, Tool: norm, Reason: "profile full"}
	}
	return Decision{Allowed: false, Tool: norm, Reason: "not allowed by policy"}
}

// splitWire splits a "<server>__<tool>" wire name. Mirrors
// models.SplitWireName without importing pkg/models, to keep this package
// free of a dependency on the storage domain.
func splitWire(wire string) (server, tool string, ok bool) {
	for i := 0; i+1 < len(wire); i++ {
		if wire[i] == '_' && wire[i+1] == '_' {
			return wire[:i], wire[i+2:], true
		}
	}
	return "", "", false
}

// matchesAny reports whether toolName matches any pattern: exact match,
// "*" (all), "prefix*", or "*suffix".
func matchesAny(patterns []string, toolName string) bool {
	for _, raw := range patterns {
		pattern := NormalizeTool(raw)
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == toolName {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(toolName, pattern[:len(pattern)-1]) {
			return true
		}
		if strings.HasPrefix(pattern, "*") && strings.HasSuffix(toolName, pattern[1:]) {
			return true
		}
	}
	return false
}
