package assembler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deskassist/core/pkg/models"
)

// ToolDeclaration is a provider-neutral description of one enabled MCP
// tool; a provider adapter (internal/agent/toolconv) converts these into
// its own function/tool schema shape.
type ToolDeclaration struct {
	WireName    string
	Description string
	Schema      json.RawMessage
}

// BuildToolDeclarations converts every enabled tool on every bound server
// into a wire-named declaration (§4.C.6). When boundToolIDs is non-empty,
// only tools whose IDs are in it are declared; the set applies across all
// servers, so a bound server none of whose tools are in it contributes no
// declarations.
func BuildToolDeclarations(servers []*models.MCPServer, toolsByServer map[string][]*models.MCPTool, boundToolIDs map[string]bool) []ToolDeclaration {
	var decls []ToolDeclaration
	for _, srv := range servers {
		for _, tool := range toolsByServer[srv.ID] {
			if !tool.IsEnabled {
				continue
			}
			if len(boundToolIDs) > 0 && !boundToolIDs[tool.ID] {
				continue
			}
			decls = append(decls, ToolDeclaration{
				WireName:    models.WireName(srv.Name, tool.Name),
				Description: tool.Description,
				Schema:      tool.ParametersSchema,
			})
		}
	}
	return decls
}

// ManifestInjectionMode selects where ApplyToolManifest places the textual
// fallback manifest (name, description, schema) for non-native
// tool-calling providers, per §4.C.4's configured injection mode.
type ManifestInjectionMode string

const (
	ManifestInjectPrepend ManifestInjectionMode = "prepend"
	ManifestInjectAppend  ManifestInjectionMode = "append"
	ManifestInjectNone    ManifestInjectionMode = "none"
)

// ApplyToolManifest concatenates a textual tool manifest onto the system
// prompt per the configured injection mode. Mode "none" returns prompt
// unchanged. Assemble calls this only when native tool calling is off and
// then returns no native declarations, so with mode "none" the request
// carries no tool information at all. Any other mode, including "",
// appends.
func ApplyToolManifest(prompt string, decls []ToolDeclaration, mode ManifestInjectionMode) string {
	if mode == ManifestInjectNone || len(decls) == 0 {
		return prompt
	}
	manifest := renderManifest(decls)
	switch mode {
	case ManifestInjectPrepend:
		return manifest + "\n\n" + prompt
	default: // ManifestInjectAppend
		return prompt + "\n\n" + manifest
	}
}

func renderManifest(decls []ToolDeclaration) string {
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, d := range decls {
		fmt.Fprintf(&sb, "- %s: %s\n  schema: %s\n", d.WireName, d.Description, string(d.Schema))
	}
	return sb.String()
}

// DowngradeToolResults rewrites tool_result messages into user-role text
// for an outgoing request only (§4.C.5); the stored conversation rows are
// never mutated by this function. Used when the target provider×model
// pair does not support tool-role messages.
func DowngradeToolResults(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if m == nil || m.Kind != models.MessageKindToolResult {
			out = append(out, m)
			continue
		}
		downgraded := *m
		downgraded.Kind = models.MessageKindUser
		downgraded.Content = fmt.Sprintf("[tool result %s]\n%s", m.ToolCallID, m.Content)
		out = append(out, &downgraded)
	}
	return out
}
