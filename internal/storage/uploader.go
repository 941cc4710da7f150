package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/deskassist/core/pkg/models"
)

// UploadProgress reports one batch of rows copied for one table during a
// local-to-remote migration (§4.A: "a one-shot batch uploader copies all
// tables from local to remote, ordered by primary key, in configurable
// batches, with progress events").
type UploadProgress struct {
	Table  string
	Copied int
	Total  int
}

// UploadOptions configures UploadLocalToRemote.
type UploadOptions struct {
	// BatchSize caps how many rows are written per table transaction-free
	// batch before the next OnProgress callback fires. Defaults to 200.
	BatchSize int
	OnProgress func(UploadProgress)
}

func (o UploadOptions) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return 200
}

func (o UploadOptions) report(p UploadProgress) {
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// UploadLocalToRemote copies every row of local into remote, table by table,
// in primary-key order. It is meant to run once, against an otherwise-idle
// remote, when an operator switches a deployment's data_storage mode from
// local to remote. Schema must already exist on remote (both backends run
// the same migrations at open time); this function only moves rows.
func UploadLocalToRemote(ctx context.Context, local, remote StoreSet, opts UploadOptions) error {
	providers, err := local.Providers.List(ctx)
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	sortByID(providers, func(p *models.ModelProvider) string { return p.ID })
	if err := copyBatch(ctx, opts, "model_providers", providers, remote.Providers.Create); err != nil {
		return err
	}

	var allModels []*models.Model
	for _, p := range providers {
		ms, err := local.Models.ListByProvider(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("list models for provider %s: %w", p.ID, err)
		}
		allModels = append(allModels, ms...)
	}
	sortByID(allModels, func(m *models.Model) string { return m.ID })
	if err := copyBatch(ctx, opts, "models", allModels, remote.Models.Create); err != nil {
		return err
	}

	assistants, err := local.Assistants.List(ctx)
	if err != nil {
		return fmt.Errorf("list assistants: %w", err)
	}
	sortByID(assistants, func(a *models.Assistant) string { return a.ID })
	if err := copyBatch(ctx, opts, "assistants", assistants, remote.Assistants.Create); err != nil {
		return err
	}

	servers, err := local.MCPServers.List(ctx)
	if err != nil {
		return fmt.Errorf("list mcp servers: %w", err)
	}
	sortByID(servers, func(s *models.MCPServer) string { return s.ID })
	if err := copyBatch(ctx, opts, "mcp_servers", servers, remote.MCPServers.Create); err != nil {
		return err
	}

	var allTools []*models.MCPTool
	var allResources []*models.MCPResource
	var allPrompts []*models.MCPPrompt
	for _, srv := range servers {
		tools, err := local.MCPTools.ListByServer(ctx, srv.ID)
		if err != nil {
			return fmt.Errorf("list mcp tools for server %s: %w", srv.ID, err)
		}
		allTools = append(allTools, tools...)

		resources, err := local.MCPResources.ListByServer(ctx, srv.ID)
		if err != nil {
			return fmt.Errorf("list mcp resources for server %s: %w", srv.ID, err)
		}
		allResources = append(allResources, resources...)

		prompts, err := local.MCPPrompts.ListByServer(ctx, srv.ID)
		if err != nil {
			return fmt.Errorf("list mcp prompts for server %s: %w", srv.ID, err)
		}
		allPrompts = append(allPrompts, prompts...)
	}
	sortByID(allTools, func(t *models.MCPTool) string { return t.ID })
	if err := copyBatch(ctx, opts, "mcp_tools", allTools, remote.MCPTools.Upsert); err != nil {
		return err
	}
	sortByID(allResources, func(r *models.MCPResource) string { return r.ID })
	if err := copyBatch(ctx, opts, "mcp_resources", allResources, remote.MCPResources.Upsert); err != nil {
		return err
	}
	sortByID(allPrompts, func(p *models.MCPPrompt) string { return p.ID })
	if err := copyBatch(ctx, opts, "mcp_prompts", allPrompts, remote.MCPPrompts.Upsert); err != nil {
		return err
	}

	conversations, err := local.Conversations.ListBy(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	sortByID(conversations, func(c *models.Conversation) string { return c.ID })
	if err := copyBatch(ctx, opts, "conversations", conversations, remote.Conversations.Create); err != nil {
		return err
	}

	messages, err := local.Messages.ListBy(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	sortByID(messages, func(m *models.Message) string { return m.ID })
	if err := copyBatch(ctx, opts, "messages", messages, remote.Messages.Create); err != nil {
		return err
	}

	attachments, err := local.Attachments.ListBy(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	sortByID(attachments, func(a *models.Attachment) string { return a.ID })
	if err := copyBatch(ctx, opts, "attachments", attachments, remote.Attachments.Create); err != nil {
		return err
	}

	calls, err := local.MCPCalls.ListBy(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("list mcp tool calls: %w", err)
	}
	sortByID(calls, func(c *models.MCPToolCall) string { return c.ID })
	if err := copyBatch(ctx, opts, "mcp_tool_calls", calls, remote.MCPCalls.Create); err != nil {
		return err
	}

	defs, err := local.SubTaskDefs.List(ctx)
	if err != nil {
		return fmt.Errorf("list sub-task definitions: %w", err)
	}
	sortByID(defs, func(d *models.SubTaskDefinition) string { return d.ID })
	if err := copyBatch(ctx, opts, "sub_task_definitions", defs, remote.SubTaskDefs.Create); err != nil {
		return err
	}

	execs, err := local.SubTaskExecs.ListBy(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("list sub-task executions: %w", err)
	}
	sortByID(execs, func(e *models.SubTaskExecution) string { return e.ID })
	if err := copyBatch(ctx, opts, "sub_task_executions", execs, remote.SubTaskExecs.Create); err != nil {
		return err
	}

	tasks, err := local.ScheduledTasks.List(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled tasks: %w", err)
	}
	sortByID(tasks, func(t *models.ScheduledTask) string { return t.ID })
	if err := copyBatch(ctx, opts, "scheduled_tasks", tasks, remote.ScheduledTasks.Create); err != nil {
		return err
	}

	var allRuns []*models.ScheduledTaskRun
	for _, t := range tasks {
		runs, err := local.ScheduledRuns.ListByTask(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("list scheduled runs for task %s: %w", t.ID, err)
		}
		allRuns = append(allRuns, runs...)
	}
	sortByID(allRuns, func(r *models.ScheduledTaskRun) string { return r.ID })
	if err := copyBatch(ctx, opts, "scheduled_task_runs", allRuns, remote.ScheduledRuns.Create); err != nil {
		return err
	}

	var allLogs []*models.ScheduledTaskLog
	for _, r := range allRuns {
		logs, err := local.ScheduledLogs.ListByRun(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("list scheduled logs for run %s: %w", r.ID, err)
		}
		allLogs = append(allLogs, logs...)
	}
	sortByID(allLogs, func(l *models.ScheduledTaskLog) string { return l.ID })
	return copyBatch(ctx, opts, "scheduled_task_logs", allLogs, remote.ScheduledLogs.Append)
}

func sortByID[T any](rows []T, keyOf func(T) string) {
	sort.Slice(rows, func(i, j int) bool { return keyOf(rows[i]) < keyOf(rows[j]) })
}

// copyBatch writes rows into remote via create (table-specific Create or
// Upsert), reporting progress every opts.BatchSize rows. A row that already
// exists on remote (ErrConflict) is treated as already-migrated and skipped,
// so a failed upload can simply be re-run.
func copyBatch[T any](ctx context.Context, opts UploadOptions, table string, rows []T, create func(context.Context, T) error) error {
	batch := opts.batchSize()
	total := len(rows)
	for i, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := create(ctx, row); err != nil && err != ErrConflict {
			return fmt.Errorf("copy %s row %d/%d: %w", table, i+1, total, err)
		}
		if (i+1)%batch == 0 || i+1 == total {
			opts.report(UploadProgress{Table: table, Copied: i + 1, Total: total})
		}
	}
	if total == 0 {
		opts.report(UploadProgress{Table: table, Copied: 0, Total: 0})
	}
	return nil
}
