package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deskassist/core/pkg/models"
)

// table is a small generic in-memory map guarded by a RWMutex. Every
// in-memory repository below is a thin, typed wrapper around one.
type table[T any] struct {
	mu   sync.RWMutex
	rows map[string]T
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]T)}
}

func (t *table[T]) create(id string, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; ok {
		return ErrConflict
	}
	t.rows[id] = v
	return nil
}

func (t *table[T]) get(id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return v, nil
}

func (t *table[T]) update(id string, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return ErrNotFound
	}
	t.rows[id] = v
	return nil
}

func (t *table[T]) upsert(id string, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[id] = v
}

func (t *table[T]) delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return ErrNotFound
	}
	delete(t.rows, id)
	return nil
}

func (t *table[T]) all() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.rows))
	for _, v := range t.rows {
		out = append(out, v)
	}
	return out
}

// NewMemoryStoreSet builds a StoreSet backed entirely by in-memory tables.
// Useful for tests and for the host's first-run experience before a real
// backend is configured.
func NewMemoryStoreSet() StoreSet {
	return StoreSet{
		Conversations:  &memConversations{t: newTable[*models.Conversation]()},
		Messages:       &memMessages{t: newTable[*models.Message]()},
		Attachments:    &memAttachments{t: newTable[*models.Attachment]()},
		Assistants:     &memAssistants{t: newTable[*models.Assistant]()},
		Providers:      &memProviders{t: newTable[*models.ModelProvider]()},
		Models:         &memModels{t: newTable[*models.Model]()},
		MCPServers:     &memMCPServers{t: newTable[*models.MCPServer]()},
		MCPTools:       &memMCPTools{t: newTable[*models.MCPTool]()},
		MCPResources:   &memMCPResources{t: newTable[*models.MCPResource]()},
		MCPPrompts:     &memMCPPrompts{t: newTable[*models.MCPPrompt]()},
		MCPCalls:       &memMCPCalls{t: newTable[*models.MCPToolCall]()},
		SubTaskDefs:    &memSubTaskDefs{t: newTable[*models.SubTaskDefinition]()},
		SubTaskExecs:   &memSubTaskExecs{t: newTable[*models.SubTaskExecution]()},
		ScheduledTasks: &memScheduledTasks{t: newTable[*models.ScheduledTask]()},
		ScheduledRuns:  &memScheduledRuns{t: newTable[*models.ScheduledTaskRun]()},
		ScheduledLogs:  &memScheduledLogs{t: newTable[*models.ScheduledTaskLog]()},
		Config:         newMemConfig(),
	}
}

// --- conversations ---

type memConversations struct{ t *table[*models.Conversation] }

func (s *memConversations) Create(_ context.Context, c *models.Conversation) error {
	return s.t.create(c.ID, c)
}
func (s *memConversations) Get(_ context.Context, id string) (*models.Conversation, error) {
	return s.t.get(id)
}
func (s *memConversations) Update(_ context.Context, c *models.Conversation) error {
	return s.t.update(c.ID, c)
}
func (s *memConversations) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memConversations) ListBy(_ context.Context, f ListFilter) ([]*models.Conversation, error) {
	rows := s.t.all()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return paginate(rows, f), nil
}

// --- messages ---

type memMessages struct{ t *table[*models.Message] }

func (s *memMessages) Create(_ context.Context, m *models.Message) error {
	return s.t.create(m.ID, m)
}
func (s *memMessages) Get(_ context.Context, id string) (*models.Message, error) { return s.t.get(id) }
func (s *memMessages) Update(_ context.Context, m *models.Message) error {
	return s.t.update(m.ID, m)
}
func (s *memMessages) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memMessages) ListBy(_ context.Context, f ListFilter) ([]*models.Message, error) {
	rows := make([]*models.Message, 0)
	for _, m := range s.t.all() {
		if f.ConversationID != "" && m.ConversationID != f.ConversationID {
			continue
		}
		rows = append(rows, m)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}
func (s *memMessages) Children(_ context.Context, parentID string) ([]*models.Message, error) {
	rows := make([]*models.Message, 0)
	for _, m := range s.t.all() {
		if m.ParentID == parentID {
			rows = append(rows, m)
		}
	}
	return rows, nil
}
func (s *memMessages) Tail(_ context.Context, conversationID string) (*models.Message, error) {
	var tail *models.Message
	for _, m := range s.t.all() {
		if m.ConversationID != conversationID {
			continue
		}
		if tail == nil || m.ID > tail.ID {
			tail = m
		}
	}
	if tail == nil {
		return nil, ErrNotFound
	}
	return tail, nil
}

// --- attachments ---

type memAttachments struct{ t *table[*models.Attachment] }

func (s *memAttachments) Create(_ context.Context, a *models.Attachment) error {
	return s.t.create(a.ID, a)
}
func (s *memAttachments) Get(_ context.Context, id string) (*models.Attachment, error) {
	return s.t.get(id)
}
func (s *memAttachments) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memAttachments) ListBy(_ context.Context, f ListFilter) ([]*models.Attachment, error) {
	return s.t.all(), nil
}
func (s *memAttachments) ListByMessage(_ context.Context, messageID string) ([]*models.Attachment, error) {
	rows := make([]*models.Attachment, 0)
	for _, a := range s.t.all() {
		if a.MessageID == messageID {
			rows = append(rows, a)
		}
	}
	return rows, nil
}

// --- assistants ---

type memAssistants struct{ t *table[*models.Assistant] }

func (s *memAssistants) Create(_ context.Context, a *models.Assistant) error {
	return s.t.create(a.ID, a)
}
func (s *memAssistants) Get(_ context.Context, id string) (*models.Assistant, error) {
	return s.t.get(id)
}
func (s *memAssistants) Update(_ context.Context, a *models.Assistant) error {
	return s.t.update(a.ID, a)
}
func (s *memAssistants) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memAssistants) List(_ context.Context) ([]*models.Assistant, error) {
	return s.t.all(), nil
}
func (s *memAssistants) GetByName(_ context.Context, name string) (*models.Assistant, error) {
	for _, a := range s.t.all() {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

// --- providers / models ---

type memProviders struct{ t *table[*models.ModelProvider] }

func (s *memProviders) Create(_ context.Context, p *models.ModelProvider) error {
	return s.t.create(p.ID, p)
}
func (s *memProviders) Get(_ context.Context, id string) (*models.ModelProvider, error) {
	return s.t.get(id)
}
func (s *memProviders) Update(_ context.Context, p *models.ModelProvider) error {
	return s.t.update(p.ID, p)
}
func (s *memProviders) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memProviders) List(_ context.Context) ([]*models.ModelProvider, error) {
	return s.t.all(), nil
}

type memModels struct{ t *table[*models.Model] }

func (s *memModels) Create(_ context.Context, m *models.Model) error { return s.t.create(m.ID, m) }
func (s *memModels) Get(_ context.Context, id string) (*models.Model, error) { return s.t.get(id) }
func (s *memModels) Update(_ context.Context, m *models.Model) error         { return s.t.update(m.ID, m) }
func (s *memModels) Delete(_ context.Context, id string) error               { return s.t.delete(id) }
func (s *memModels) ListByProvider(_ context.Context, providerID string) ([]*models.Model, error) {
	rows := make([]*models.Model, 0)
	for _, m := range s.t.all() {
		if m.ProviderID == providerID {
			rows = append(rows, m)
		}
	}
	return rows, nil
}

// --- mcp servers / tools / resources / prompts ---

type memMCPServers struct{ t *table[*models.MCPServer] }

func (s *memMCPServers) Create(_ context.Context, v *models.MCPServer) error {
	return s.t.create(v.ID, v)
}
func (s *memMCPServers) Get(_ context.Context, id string) (*models.MCPServer, error) {
	return s.t.get(id)
}
func (s *memMCPServers) Update(_ context.Context, v *models.MCPServer) error {
	return s.t.update(v.ID, v)
}
func (s *memMCPServers) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memMCPServers) List(_ context.Context) ([]*models.MCPServer, error) {
	return s.t.all(), nil
}

type memMCPTools struct{ t *table[*models.MCPTool] }

// Upsert preserves user-level flags (IsEnabled, IsAutoRun) across refreshes,
// per §4.B: a tool row keyed by (server_id, name) keeps its existing flags
// if one already exists.
func (s *memMCPTools) Upsert(_ context.Context, v *models.MCPTool) error {
	for _, existing := range s.t.all() {
		if existing.ServerID == v.ServerID && existing.Name == v.Name {
			v.ID = existing.ID
			v.IsEnabled = existing.IsEnabled
			v.IsAutoRun = existing.IsAutoRun
			s.t.upsert(v.ID, v)
			return nil
		}
	}
	s.t.upsert(v.ID, v)
	return nil
}
func (s *memMCPTools) Get(_ context.Context, id string) (*models.MCPTool, error) { return s.t.get(id) }
func (s *memMCPTools) ListByServer(_ context.Context, serverID string) ([]*models.MCPTool, error) {
	rows := make([]*models.MCPTool, 0)
	for _, v := range s.t.all() {
		if v.ServerID == serverID {
			rows = append(rows, v)
		}
	}
	return rows, nil
}
func (s *memMCPTools) ListEnabledByServers(_ context.Context, serverIDs []string) ([]*models.MCPTool, error) {
	want := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		want[id] = true
	}
	rows := make([]*models.MCPTool, 0)
	for _, v := range s.t.all() {
		if v.IsEnabled && want[v.ServerID] {
			rows = append(rows, v)
		}
	}
	return rows, nil
}
func (s *memMCPTools) DeleteNotIn(_ context.Context, serverID string, remoteNames []string) error {
	keep := make(map[string]bool, len(remoteNames))
	for _, n := range remoteNames {
		keep[n] = true
	}
	for _, v := range s.t.all() {
		if v.ServerID == serverID && !keep[v.Name] {
			_ = s.t.delete(v.ID)
		}
	}
	return nil
}

type memMCPResources struct{ t *table[*models.MCPResource] }

func (s *memMCPResources) Upsert(_ context.Context, v *models.MCPResource) error {
	for _, existing := range s.t.all() {
		if existing.ServerID == v.ServerID && existing.URI == v.URI {
			v.ID = existing.ID
		}
	}
	s.t.upsert(v.ID, v)
	return nil
}
func (s *memMCPResources) ListByServer(_ context.Context, serverID string) ([]*models.MCPResource, error) {
	rows := make([]*models.MCPResource, 0)
	for _, v := range s.t.all() {
		if v.ServerID == serverID {
			rows = append(rows, v)
		}
	}
	return rows, nil
}
func (s *memMCPResources) DeleteNotIn(_ context.Context, serverID string, remoteURIs []string) error {
	keep := make(map[string]bool, len(remoteURIs))
	for _, u := range remoteURIs {
		keep[u] = true
	}
	for _, v := range s.t.all() {
		if v.ServerID == serverID && !keep[v.URI] {
			_ = s.t.delete(v.ID)
		}
	}
	return nil
}

type memMCPPrompts struct{ t *table[*models.MCPPrompt] }

func (s *memMCPPrompts) Upsert(_ context.Context, v *models.MCPPrompt) error {
	for _, existing := range s.t.all() {
		if existing.ServerID == v.ServerID && existing.Name == v.Name {
			v.ID = existing.ID
		}
	}
	s.t.upsert(v.ID, v)
	return nil
}
func (s *memMCPPrompts) ListByServer(_ context.Context, serverID string) ([]*models.MCPPrompt, error) {
	rows := make([]*models.MCPPrompt, 0)
	for _, v := range s.t.all() {
		if v.ServerID == serverID {
			rows = append(rows, v)
		}
	}
	return rows, nil
}
func (s *memMCPPrompts) DeleteNotIn(_ context.Context, serverID string, remoteNames []string) error {
	keep := make(map[string]bool, len(remoteNames))
	for _, n := range remoteNames {
		keep[n] = true
	}
	for _, v := range s.t.all() {
		if v.ServerID == serverID && !keep[v.Name] {
			_ = s.t.delete(v.ID)
		}
	}
	return nil
}

// --- mcp calls ---

type memMCPCalls struct{ t *table[*models.MCPToolCall] }

func (s *memMCPCalls) Create(_ context.Context, c *models.MCPToolCall) error {
	return s.t.create(c.ID, c)
}
func (s *memMCPCalls) Get(_ context.Context, id string) (*models.MCPToolCall, error) {
	return s.t.get(id)
}
func (s *memMCPCalls) Update(_ context.Context, c *models.MCPToolCall) error {
	return s.t.update(c.ID, c)
}
func (s *memMCPCalls) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memMCPCalls) ListBy(_ context.Context, f ListFilter) ([]*models.MCPToolCall, error) {
	rows := make([]*models.MCPToolCall, 0)
	for _, c := range s.t.all() {
		if f.ConversationID != "" && c.ConversationID != f.ConversationID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		rows = append(rows, c)
	}
	return rows, nil
}

// MarkExecutingIfPending performs the pending/failed -> executing transition
// under the table lock so that concurrent callers cannot both win (invariant 4).
func (s *memMCPCalls) MarkExecutingIfPending(_ context.Context, id string) (bool, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	c, ok := s.t.rows[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != models.MCPToolCallPending && c.Status != models.MCPToolCallFailed {
		return false, nil
	}
	c.Status = models.MCPToolCallExecuting
	now := time.Now()
	c.StartedAt = &now
	return true, nil
}

// --- sub-tasks ---

type memSubTaskDefs struct{ t *table[*models.SubTaskDefinition] }

func (s *memSubTaskDefs) Create(_ context.Context, d *models.SubTaskDefinition) error {
	return s.t.create(d.ID, d)
}
func (s *memSubTaskDefs) Get(_ context.Context, id string) (*models.SubTaskDefinition, error) {
	return s.t.get(id)
}
func (s *memSubTaskDefs) GetByCode(_ context.Context, code string) (*models.SubTaskDefinition, error) {
	for _, d := range s.t.all() {
		if d.Code == code {
			return d, nil
		}
	}
	return nil, ErrNotFound
}
func (s *memSubTaskDefs) Update(_ context.Context, d *models.SubTaskDefinition) error {
	return s.t.update(d.ID, d)
}
func (s *memSubTaskDefs) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memSubTaskDefs) List(_ context.Context) ([]*models.SubTaskDefinition, error) {
	return s.t.all(), nil
}

type memSubTaskExecs struct{ t *table[*models.SubTaskExecution] }

func (s *memSubTaskExecs) Create(_ context.Context, e *models.SubTaskExecution) error {
	return s.t.create(e.ID, e)
}
func (s *memSubTaskExecs) Get(_ context.Context, id string) (*models.SubTaskExecution, error) {
	return s.t.get(id)
}
func (s *memSubTaskExecs) Update(_ context.Context, e *models.SubTaskExecution) error {
	return s.t.update(e.ID, e)
}
func (s *memSubTaskExecs) ListBy(_ context.Context, f ListFilter) ([]*models.SubTaskExecution, error) {
	rows := make([]*models.SubTaskExecution, 0)
	for _, e := range s.t.all() {
		if f.ConversationID != "" && e.ParentConversationID != f.ConversationID {
			continue
		}
		if f.Status != "" && string(e.Status) != f.Status {
			continue
		}
		rows = append(rows, e)
	}
	return rows, nil
}

// --- scheduled tasks ---

type memScheduledTasks struct{ t *table[*models.ScheduledTask] }

func (s *memScheduledTasks) Create(_ context.Context, t *models.ScheduledTask) error {
	return s.t.create(t.ID, t)
}
func (s *memScheduledTasks) Get(_ context.Context, id string) (*models.ScheduledTask, error) {
	return s.t.get(id)
}
func (s *memScheduledTasks) Update(_ context.Context, t *models.ScheduledTask) error {
	return s.t.update(t.ID, t)
}
func (s *memScheduledTasks) Delete(_ context.Context, id string) error { return s.t.delete(id) }
func (s *memScheduledTasks) List(_ context.Context) ([]*models.ScheduledTask, error) {
	return s.t.all(), nil
}
func (s *memScheduledTasks) DueBefore(_ context.Context, at time.Time) ([]*models.ScheduledTask, error) {
	rows := make([]*models.ScheduledTask, 0)
	for _, t := range s.t.all() {
		if t.IsEnabled && !t.NextRunAt.After(at) {
			rows = append(rows, t)
		}
	}
	return rows, nil
}

type memScheduledRuns struct{ t *table[*models.ScheduledTaskRun] }

func (s *memScheduledRuns) Create(_ context.Context, r *models.ScheduledTaskRun) error {
	return s.t.create(r.ID, r)
}
func (s *memScheduledRuns) Update(_ context.Context, r *models.ScheduledTaskRun) error {
	return s.t.update(r.ID, r)
}
func (s *memScheduledRuns) ListByTask(_ context.Context, taskID string) ([]*models.ScheduledTaskRun, error) {
	rows := make([]*models.ScheduledTaskRun, 0)
	for _, r := range s.t.all() {
		if r.TaskID == taskID {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

type memScheduledLogs struct{ t *table[*models.ScheduledTaskLog] }

func (s *memScheduledLogs) Append(_ context.Context, l *models.ScheduledTaskLog) error {
	s.t.upsert(l.ID, l)
	return nil
}
func (s *memScheduledLogs) ListByRun(_ context.Context, runID string) ([]*models.ScheduledTaskLog, error) {
	rows := make([]*models.ScheduledTaskLog, 0)
	for _, l := range s.t.all() {
		if l.RunID == runID {
			rows = append(rows, l)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

// --- config ---

type memConfig struct {
	mu     sync.RWMutex
	groups map[string]map[string]string
}

func newMemConfig() *memConfig {
	return &memConfig{groups: make(map[string]map[string]string)}
}
func (c *memConfig) Get(_ context.Context, group, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[group]
	if !ok {
		return "", false, nil
	}
	v, ok := g[key]
	return v, ok, nil
}
func (c *memConfig) Set(_ context.Context, group, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groups[group] == nil {
		c.groups[group] = make(map[string]string)
	}
	c.groups[group][key] = value
	return nil
}
func (c *memConfig) ListGroup(_ context.Context, group string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.groups[group]))
	for k, v := range c.groups[group] {
		out[k] = v
	}
	return out, nil
}

func paginate[T any](rows []T, f ListFilter) []T {
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	end := len(rows)
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}
	return rows[offset:end]
}
