// Package storage exposes typed repositories over the engine's persisted
// entities (§4.A). The schema is identical whether the backend is an
// embedded file database or a networked one; only the DSN and driver change.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/deskassist/core/pkg/models"
)

// Typed errors every repository operation distinguishes between, so the
// caller (never the repository) decides retry policy.
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrConflict         = errors.New("storage: conflict")
	ErrBackendUnavailable = errors.New("storage: backend unavailable")
	ErrValidation       = errors.New("storage: validation error")
)

// ListFilter narrows a list_by query. Repositories interpret the fields
// relevant to their entity and ignore the rest.
type ListFilter struct {
	ConversationID string
	AssistantID    string
	ServerID       string
	Status         string
	ParentID       string
	Limit          int
	Offset         int
}

// ConversationStore persists Conversation rows.
type ConversationStore interface {
	Create(ctx context.Context, c *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Update(ctx context.Context, c *models.Conversation) error
	Delete(ctx context.Context, id string) error
	ListBy(ctx context.Context, f ListFilter) ([]*models.Conversation, error)
}

// MessageStore persists Message rows and the version-chain operations the
// Context Assembler relies on.
type MessageStore interface {
	Create(ctx context.Context, m *models.Message) error
	Get(ctx context.Context, id string) (*models.Message, error)
	Update(ctx context.Context, m *models.Message) error
	Delete(ctx context.Context, id string) error
	ListBy(ctx context.Context, f ListFilter) ([]*models.Message, error)

	// Children returns all messages with ParentID == parentID, unordered.
	Children(ctx context.Context, parentID string) ([]*models.Message, error)

	// Tail returns the conversation's most-recently-created message, or
	// ErrNotFound if the conversation has none. Used to implement the
	// error-tail cleanup invariant (invariant 5).
	Tail(ctx context.Context, conversationID string) (*models.Message, error)
}

// AttachmentStore persists Attachment rows.
type AttachmentStore interface {
	Create(ctx context.Context, a *models.Attachment) error
	Get(ctx context.Context, id string) (*models.Attachment, error)
	Delete(ctx context.Context, id string) error
	ListBy(ctx context.Context, f ListFilter) ([]*models.Attachment, error)
	ListByMessage(ctx context.Context, messageID string) ([]*models.Attachment, error)
}

// AssistantStore persists Assistant rows.
type AssistantStore interface {
	Create(ctx context.Context, a *models.Assistant) error
	Get(ctx context.Context, id string) (*models.Assistant, error)
	Update(ctx context.Context, a *models.Assistant) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Assistant, error)
	GetByName(ctx context.Context, name string) (*models.Assistant, error)
}

// ProviderStore persists ModelProvider rows.
type ProviderStore interface {
	Create(ctx context.Context, p *models.ModelProvider) error
	Get(ctx context.Context, id string) (*models.ModelProvider, error)
	Update(ctx context.Context, p *models.ModelProvider) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.ModelProvider, error)
}

// ModelStore persists Model rows.
type ModelStore interface {
	Create(ctx context.Context, m *models.Model) error
	Get(ctx context.Context, id string) (*models.Model, error)
	Update(ctx context.Context, m *models.Model) error
	Delete(ctx context.Context, id string) error
	ListByProvider(ctx context.Context, providerID string) ([]*models.Model, error)
}

// MCPServerStore persists MCPServer rows.
type MCPServerStore interface {
	Create(ctx context.Context, s *models.MCPServer) error
	Get(ctx context.Context, id string) (*models.MCPServer, error)
	Update(ctx context.Context, s *models.MCPServer) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.MCPServer, error)
}

// MCPToolStore persists MCPTool rows, including the diff-sync operation
// discovery uses to reconcile a server's capability list (§4.B).
type MCPToolStore interface {
	Upsert(ctx context.Context, t *models.MCPTool) error
	Get(ctx context.Context, id string) (*models.MCPTool, error)
	ListByServer(ctx context.Context, serverID string) ([]*models.MCPTool, error)
	ListEnabledByServers(ctx context.Context, serverIDs []string) ([]*models.MCPTool, error)

	// DeleteNotIn removes every tool row for serverID whose name is absent
	// from remoteNames; it is the "diff-delete" half of discovery sync.
	DeleteNotIn(ctx context.Context, serverID string, remoteNames []string) error
}

// MCPResourceStore persists MCPResource rows, diff-synced the same way as tools.
type MCPResourceStore interface {
	Upsert(ctx context.Context, r *models.MCPResource) error
	ListByServer(ctx context.Context, serverID string) ([]*models.MCPResource, error)
	DeleteNotIn(ctx context.Context, serverID string, remoteURIs []string) error
}

// MCPPromptStore persists MCPPrompt rows, diff-synced the same way as tools.
type MCPPromptStore interface {
	Upsert(ctx context.Context, p *models.MCPPrompt) error
	ListByServer(ctx context.Context, serverID string) ([]*models.MCPPrompt, error)
	DeleteNotIn(ctx context.Context, serverID string, remoteNames []string) error
}

// MCPCallStore persists MCPToolCall rows, including the conditional status
// transition that guarantees at-most-once execution (invariant 4).
type MCPCallStore interface {
	Create(ctx context.Context, c *models.MCPToolCall) error
	Get(ctx context.Context, id string) (*models.MCPToolCall, error)
	Update(ctx context.Context, c *models.MCPToolCall) error
	Delete(ctx context.Context, id string) error
	ListBy(ctx context.Context, f ListFilter) ([]*models.MCPToolCall, error)

	// MarkExecutingIfPending attempts the pending/failed -> executing
	// transition. ok is false (with a nil error) if another caller already
	// owns the call; the caller must abort its dispatch in that case.
	MarkExecutingIfPending(ctx context.Context, id string) (ok bool, err error)
}

// SubTaskDefinitionStore persists SubTaskDefinition rows.
type SubTaskDefinitionStore interface {
	Create(ctx context.Context, d *models.SubTaskDefinition) error
	Get(ctx context.Context, id string) (*models.SubTaskDefinition, error)
	GetByCode(ctx context.Context, code string) (*models.SubTaskDefinition, error)
	Update(ctx context.Context, d *models.SubTaskDefinition) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.SubTaskDefinition, error)
}

// SubTaskExecutionStore persists SubTaskExecution rows.
type SubTaskExecutionStore interface {
	Create(ctx context.Context, e *models.SubTaskExecution) error
	Get(ctx context.Context, id string) (*models.SubTaskExecution, error)
	Update(ctx context.Context, e *models.SubTaskExecution) error
	ListBy(ctx context.Context, f ListFilter) ([]*models.SubTaskExecution, error)
}

// ScheduledTaskStore persists ScheduledTask rows.
type ScheduledTaskStore interface {
	Create(ctx context.Context, t *models.ScheduledTask) error
	Get(ctx context.Context, id string) (*models.ScheduledTask, error)
	Update(ctx context.Context, t *models.ScheduledTask) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.ScheduledTask, error)

	// DueBefore returns enabled tasks whose NextRunAt <= at.
	DueBefore(ctx context.Context, at time.Time) ([]*models.ScheduledTask, error)
}

// ScheduledTaskRunStore persists ScheduledTaskRun rows.
type ScheduledTaskRunStore interface {
	Create(ctx context.Context, r *models.ScheduledTaskRun) error
	Update(ctx context.Context, r *models.ScheduledTaskRun) error
	ListByTask(ctx context.Context, taskID string) ([]*models.ScheduledTaskRun, error)
}

// ScheduledTaskLogStore persists append-only ScheduledTaskLog rows.
type ScheduledTaskLogStore interface {
	Append(ctx context.Context, l *models.ScheduledTaskLog) error
	ListByRun(ctx context.Context, runID string) ([]*models.ScheduledTaskLog, error)
}

// ConfigStore is a small flat key/value store backing the "system_config"
// and "feature_config" groups of §6.
type ConfigStore interface {
	Get(ctx context.Context, group, key string) (string, bool, error)
	Set(ctx context.Context, group, key, value string) error
	ListGroup(ctx context.Context, group string) (map[string]string, error)
}

// StoreSet groups every repository plus a handle to close the underlying
// connection pool.
type StoreSet struct {
	Conversations    ConversationStore
	Messages         MessageStore
	Attachments      AttachmentStore
	Assistants       AssistantStore
	Providers        ProviderStore
	Models           ModelStore
	MCPServers       MCPServerStore
	MCPTools         MCPToolStore
	MCPResources     MCPResourceStore
	MCPPrompts       MCPPromptStore
	MCPCalls         MCPCallStore
	SubTaskDefs      SubTaskDefinitionStore
	SubTaskExecs     SubTaskExecutionStore
	ScheduledTasks   ScheduledTaskStore
	ScheduledRuns    ScheduledTaskRunStore
	ScheduledLogs    ScheduledTaskLogStore
	Config           ConfigStore

	closer func() error
}

// Close releases any underlying resources (e.g. a *sql.DB pool).
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
