package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/deskassist/core/internal/storage"
	"github.com/deskassist/core/pkg/models"
)

// RefreshCapabilities implements the §4.B discovery diff-sync: connect (or
// reuse an existing connection), list the server's current tools,
// resources, and prompts, Upsert each one (preserving is_enabled/
// is_auto_run on tools that already existed), then DeleteNotIn to drop
// whatever the server no longer reports. A server that goes away entirely
// between calls leaves its previously-discovered rows in place; only a
// capability absent from a *successful* list response is treated as
// deleted.
func RefreshCapabilities(ctx context.Context, client *Client, server *models.MCPServer, stores storage.StoreSet) error {
	if err := client.RefreshCapabilities(ctx); err != nil {
		return fmt.Errorf("refresh capabilities for %s: %w", server.ID, err)
	}

	toolNames := make([]string, 0, len(client.Tools()))
	for _, t := range client.Tools() {
		row := &models.MCPTool{
			ID:               uuid.NewString(),
			ServerID:         server.ID,
			Name:             t.Name,
			Description:      t.Description,
			ParametersSchema: t.InputSchema,
			IsEnabled:        true,
		}
		if err := stores.MCPTools.Upsert(ctx, row); err != nil {
			return fmt.Errorf("upsert tool %s/%s: %w", server.ID, t.Name, err)
		}
		toolNames = append(toolNames, t.Name)
	}
	if err := stores.MCPTools.DeleteNotIn(ctx, server.ID, toolNames); err != nil {
		return fmt.Errorf("prune tools for %s: %w", server.ID, err)
	}

	resourceURIs := make([]string, 0, len(client.Resources()))
	for _, r := range client.Resources() {
		row := &models.MCPResource{
			ID:          uuid.NewString(),
			ServerID:    server.ID,
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		}
		if err := stores.MCPResources.Upsert(ctx, row); err != nil {
			return fmt.Errorf("upsert resource %s/%s: %w", server.ID, r.URI, err)
		}
		resourceURIs = append(resourceURIs, r.URI)
	}
	if err := stores.MCPResources.DeleteNotIn(ctx, server.ID, resourceURIs); err != nil {
		return fmt.Errorf("prune resources for %s: %w", server.ID, err)
	}

	promptNames := make([]string, 0, len(client.Prompts()))
	for _, p := range client.Prompts() {
		row := &models.MCPPrompt{
			ID:          uuid.NewString(),
			ServerID:    server.ID,
			Name:        p.Name,
			Description: p.Description,
		}
		if err := stores.MCPPrompts.Upsert(ctx, row); err != nil {
			return fmt.Errorf("upsert prompt %s/%s: %w", server.ID, p.Name, err)
		}
		promptNames = append(promptNames, p.Name)
	}
	if err := stores.MCPPrompts.DeleteNotIn(ctx, server.ID, promptNames); err != nil {
		return fmt.Errorf("prune prompts for %s: %w", server.ID, err)
	}

	return nil
}

// WireNameForTool builds the flat wire name an assembled request declares
// for a discovered tool, per models.WireName.
func WireNameForTool(server *models.MCPServer, tool *models.MCPTool) string {
	return models.WireName(server.Name, tool.Name)
}
