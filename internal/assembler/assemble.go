package assembler

import (
	"github.com/deskassist/core/pkg/models"
)

// AssembleInput bundles everything the Context Assembler needs to build one
// provider request: the conversation's full stored history, the new user
// turn (not yet appended to history), its attachments, the driving
// assistant, and the MCP capability set the assistant is bound to.
type AssembleInput struct {
	Assistant       *models.Assistant
	History         []*models.Message
	Incoming        *models.Message
	Attachments     []*models.Attachment
	TemplateContext map[string]string

	Servers       []*models.MCPServer
	ToolsByServer map[string][]*models.MCPTool

	ModelSupportsVision     bool
	NativeToolCalling       bool
	ProviderSupportsToolRole bool
	ManifestMode            ManifestInjectionMode
}

// AssembledRequest is the provider-neutral output the Chat Driver converts
// into a concrete provider call.
type AssembledRequest struct {
	SystemPrompt     string
	Messages         []*models.Message
	ImageParts       []ImagePart
	ToolDeclarations []ToolDeclaration
}

// Assemble implements all six responsibilities of §4.C in sequence.
func Assemble(in AssembleInput) *AssembledRequest {
	incoming := in.Incoming
	if incoming != nil {
		expanded := *incoming
		expanded.Content = ExpandTextAttachments(incoming.Content, in.Attachments)
		incoming = &expanded
	}

	all := make([]*models.Message, 0, len(in.History)+1)
	all = append(all, in.History...)
	if incoming != nil {
		all = append(all, incoming)
	}
	ordered := SelectAndOrder(all)

	boundServers := bindServers(in.Servers, in.Assistant)
	boundToolIDs := boundToolIDSet(in.Assistant)
	decls := BuildToolDeclarations(boundServers, in.ToolsByServer, boundToolIDs)

	systemPrompt := ""
	if in.Assistant != nil {
		systemPrompt = NewTemplate().Render(in.Assistant.PromptTemplate, in.TemplateContext)
	}
	if !in.NativeToolCalling {
		systemPrompt = ApplyToolManifest(systemPrompt, decls, in.ManifestMode)
	}

	messages := ordered
	if !in.ProviderSupportsToolRole {
		messages = DowngradeToolResults(messages)
	}

	req := &AssembledRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		ImageParts:   ImagePartsForModel(in.Attachments, in.ModelSupportsVision),
	}
	if in.NativeToolCalling {
		req.ToolDeclarations = decls
	}
	return req
}

func bindServers(servers []*models.MCPServer, assistant *models.Assistant) []*models.MCPServer {
	if assistant == nil || len(assistant.MCPServerBindings) == 0 {
		return nil
	}
	bound := make(map[string]bool, len(assistant.MCPServerBindings))
	for _, id := range assistant.MCPServerBindings {
		bound[id] = true
	}
	out := make([]*models.MCPServer, 0, len(servers))
	for _, s := range servers {
		if s != nil && bound[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func boundToolIDSet(assistant *models.Assistant) map[string]bool {
	if assistant == nil || len(assistant.MCPToolBindings) == 0 {
		return nil
	}
	set := make(map[string]bool, len(assistant.MCPToolBindings))
	for _, id := range assistant.MCPToolBindings {
		set[id] = true
	}
	return set
}
