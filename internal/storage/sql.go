package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/deskassist/core/pkg/models"
)

// SQLConfig tunes the pooled *sql.DB behind a SQL-backed StoreSet. The same
// knobs apply whether the dialect is the embedded sqlite file or a networked
// postgres cluster; only the DSN and driver name change (§4.A).
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig mirrors the pool defaults the teacher used for its
// networked backend; the embedded backend only ever needs one connection but
// tolerates these same settings harmlessly.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// NewSQLiteStoreSet opens (creating if absent) an embedded sqlite database at
// path using the pure-Go modernc.org/sqlite driver, so the host application
// never needs cgo.
func NewSQLiteStoreSet(ctx context.Context, path string, cfg *SQLConfig) (StoreSet, error) {
	if cfg == nil {
		cfg = DefaultSQLConfig()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; a single open connection avoids
	// SQLITE_BUSY under concurrent callers instead of configuring WAL+busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return newSQLStoreSet(ctx, db, dialectSQLite, cfg)
}

// NewPostgresStoreSet opens a networked postgres/cockroach cluster via
// lib/pq using dsn.
func NewPostgresStoreSet(ctx context.Context, dsn string, cfg *SQLConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultSQLConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return newSQLStoreSet(ctx, db, dialectPostgres, cfg)
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func newSQLStoreSet(ctx context.Context, db *sql.DB, d dialect, cfg *SQLConfig) (StoreSet, error) {
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(ctx, db, d); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("run migrations: %w", err)
	}
	c := &sqlConn{db: db, d: d}
	return StoreSet{
		Conversations:  &sqlConversations{c},
		Messages:       &sqlMessages{c},
		Attachments:    &sqlAttachments{c},
		Assistants:     &sqlAssistants{c},
		Providers:      &sqlProviders{c},
		Models:         &sqlModels{c},
		MCPServers:     &sqlMCPServers{c},
		MCPTools:       &sqlMCPTools{c},
		MCPResources:   &sqlMCPResources{c},
		MCPPrompts:     &sqlMCPPrompts{c},
		MCPCalls:       &sqlMCPCalls{c},
		SubTaskDefs:    &sqlSubTaskDefs{c},
		SubTaskExecs:   &sqlSubTaskExecs{c},
		ScheduledTasks: &sqlScheduledTasks{c},
		ScheduledRuns:  &sqlScheduledRuns{c},
		ScheduledLogs:  &sqlScheduledLogs{c},
		Config:         &sqlConfigStore{c},
		closer:         db.Close,
	}, nil
}

// sqlConn bundles the pool with its dialect so every repository can rebind
// `?` placeholders to `$N` on postgres without duplicating the query text.
type sqlConn struct {
	db *sql.DB
	d  dialect
}

// rebind turns a query written with `?` placeholders into the dialect's
// native form. sqlite speaks `?` already; postgres needs `$1`, `$2`, ...
func (c *sqlConn) rebind(query string) string {
	if c.d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *sqlConn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.rebind(query), args...)
}

func (c *sqlConn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.rebind(query), args...)
}

func (c *sqlConn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.rebind(query), args...)
}

// isConflict recognizes the two drivers' distinct unique-violation spellings.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "23505")
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// runMigrations creates the schema idempotently. It is intentionally the
// same DDL shape (modulo dialect-specific types) on both backends, so the
// StoreSet interfaces stay byte-for-byte portable between embedded and
// networked deployments.
func runMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	jsonType := "jsonb"
	textType := "text"
	if d == dialectSQLite {
		jsonType = "text"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			display_name ` + textType + ` NOT NULL DEFAULT '',
			assistant_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			parent_id TEXT,
			kind TEXT NOT NULL,
			content ` + textType + ` NOT NULL DEFAULT '',
			model_id TEXT,
			model_name TEXT,
			created_at TIMESTAMP NOT NULL,
			start_at TIMESTAMP,
			finish_at TIMESTAMP,
			token_count INTEGER NOT NULL DEFAULT 0,
			generation_group_id TEXT,
			parent_group_id TEXT,
			tool_calls_json ` + jsonType + `
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			url ` + textType + `,
			content ` + textType + `,
			hash TEXT,
			uses_vector BOOLEAN NOT NULL DEFAULT false,
			token_count INTEGER NOT NULL DEFAULT 0,
			name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS assistants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description ` + textType + `,
			type TEXT NOT NULL,
			default_model_bindings ` + jsonType + `,
			model_config_overrides ` + jsonType + `,
			prompt_template ` + textType + `,
			mcp_server_bindings ` + jsonType + `,
			mcp_tool_bindings ` + jsonType + `,
			all_tool_auto_run BOOLEAN,
			tool_auto_run ` + jsonType + `,
			serial_tool_execution BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS model_providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_type TEXT NOT NULL,
			endpoint TEXT,
			api_key TEXT,
			use_proxy BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			code TEXT NOT NULL,
			name TEXT NOT NULL,
			context_size INTEGER NOT NULL DEFAULT 0,
			supports_vision BOOLEAN NOT NULL DEFAULT false,
			supports_audio BOOLEAN NOT NULL DEFAULT false,
			supports_video BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			transport TEXT NOT NULL,
			command TEXT,
			args ` + jsonType + `,
			env ` + jsonType + `,
			headers ` + jsonType + `,
			url TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			is_long_running BOOLEAN NOT NULL DEFAULT false,
			is_enabled BOOLEAN NOT NULL DEFAULT true,
			is_builtin BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_tools (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description ` + textType + `,
			parameters_schema_json ` + jsonType + `,
			is_enabled BOOLEAN NOT NULL DEFAULT true,
			is_auto_run BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(server_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_resources (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			uri TEXT NOT NULL,
			name TEXT,
			description ` + textType + `,
			mime_type TEXT,
			UNIQUE(server_id, uri)
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_prompts (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description ` + textType + `,
			UNIQUE(server_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_tool_calls (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message_id TEXT,
			server_id TEXT NOT NULL,
			server_name TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			parameters_json ` + jsonType + `,
			status TEXT NOT NULL,
			result ` + textType + `,
			error ` + textType + `,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			llm_call_id TEXT,
			assistant_message_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sub_task_definitions (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			assistant_id TEXT,
			system_prompt ` + textType + `,
			max_loops INTEGER NOT NULL DEFAULT 0,
			server_allowlist ` + jsonType + `,
			tool_allowlist ` + jsonType + `,
			continue_on_tool_error BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE TABLE IF NOT EXISTS sub_task_executions (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			parent_conversation_id TEXT,
			status TEXT NOT NULL,
			user_prompt ` + textType + `,
			result_content ` + textType + `,
			raw_model_output ` + textType + `,
			loops INTEGER NOT NULL DEFAULT 0,
			reached_max_loops BOOLEAN NOT NULL DEFAULT false,
			abort_reason TEXT,
			metrics ` + jsonType + `,
			token_count INTEGER NOT NULL DEFAULT 0,
			debug_log ` + jsonType + `,
			error ` + textType + `,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			assistant_id TEXT,
			schedule_type TEXT NOT NULL,
			interval_value INTEGER NOT NULL DEFAULT 0,
			interval_unit TEXT,
			run_at TIMESTAMP,
			task_prompt ` + textType + `,
			notify_prompt ` + textType + `,
			is_enabled BOOLEAN NOT NULL DEFAULT true,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			notified BOOLEAN NOT NULL DEFAULT false,
			summary ` + textType + `,
			error ` + textType + `,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_task_logs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message ` + textType + `,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config_entries (
			cfg_group TEXT NOT NULL,
			cfg_key TEXT NOT NULL,
			cfg_value ` + textType + `,
			PRIMARY KEY (cfg_group, cfg_key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// --- conversations ---

type sqlConversations struct{ c *sqlConn }

func (s *sqlConversations) Create(ctx context.Context, v *models.Conversation) error {
	_, err := s.c.exec(ctx,
		`INSERT INTO conversations (id, display_name, assistant_id, created_at) VALUES (?,?,?,?)`,
		v.ID, v.DisplayName, v.AssistantID, v.CreatedAt)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlConversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.c.queryRow(ctx, `SELECT id, display_name, assistant_id, created_at FROM conversations WHERE id = ?`, id)
	var v models.Conversation
	var assistantID sql.NullString
	if err := row.Scan(&v.ID, &v.DisplayName, &assistantID, &v.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.AssistantID = assistantID.String
	return &v, nil
}

func (s *sqlConversations) Update(ctx context.Context, v *models.Conversation) error {
	res, err := s.c.exec(ctx, `UPDATE conversations SET display_name = ?, assistant_id = ? WHERE id = ?`,
		v.DisplayName, v.AssistantID, v.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlConversations) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlConversations) ListBy(ctx context.Context, f ListFilter) ([]*models.Conversation, error) {
	query := `SELECT id, display_name, assistant_id, created_at FROM conversations`
	args := []any{}
	if f.AssistantID != "" {
		query += ` WHERE assistant_id = ?`
		args = append(args, f.AssistantID)
	}
	query += ` ORDER BY created_at DESC`
	query, args = applyLimitOffset(query, args, f)
	rows, err := s.c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Conversation{}
	for rows.Next() {
		var v models.Conversation
		var assistantID sql.NullString
		if err := rows.Scan(&v.ID, &v.DisplayName, &assistantID, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.AssistantID = assistantID.String
		out = append(out, &v)
	}
	return out, rows.Err()
}

func applyLimitOffset(query string, args []any, f ListFilter) (string, []any) {
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}
	return query, args
}

// --- messages ---

type sqlMessages struct{ c *sqlConn }

func (s *sqlMessages) Create(ctx context.Context, m *models.Message) error {
	_, err := s.c.exec(ctx,
		`INSERT INTO messages (id, conversation_id, parent_id, kind, content, model_id, model_name,
			created_at, start_at, finish_at, token_count, generation_group_id, parent_group_id, tool_calls_json)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ConversationID, nullString(m.ParentID), string(m.Kind), m.Content,
		nullString(m.ModelID), nullString(m.ModelName), m.CreatedAt, m.StartAt, m.FinishAt,
		m.TokenCount, nullString(m.GenerationGroupID), nullString(m.ParentGroupID), nullString(m.ToolCallsJSON))
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlMessages) scan(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var parentID, modelID, modelName, groupID, parentGroupID, toolCalls sql.NullString
	var kind string
	if err := row.Scan(&m.ID, &m.ConversationID, &parentID, &kind, &m.Content, &modelID, &modelName,
		&m.CreatedAt, &m.StartAt, &m.FinishAt, &m.TokenCount, &groupID, &parentGroupID, &toolCalls); err != nil {
		return nil, err
	}
	m.Kind = models.MessageKind(kind)
	m.ParentID = parentID.String
	m.ModelID = modelID.String
	m.ModelName = modelName.String
	m.GenerationGroupID = groupID.String
	m.ParentGroupID = parentGroupID.String
	m.ToolCallsJSON = toolCalls.String
	return &m, nil
}

const messageColumns = `id, conversation_id, parent_id, kind, content, model_id, model_name,
	created_at, start_at, finish_at, token_count, generation_group_id, parent_group_id, tool_calls_json`

func (s *sqlMessages) Get(ctx context.Context, id string) (*models.Message, error) {
	m, err := s.scan(s.c.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *sqlMessages) Update(ctx context.Context, m *models.Message) error {
	res, err := s.c.exec(ctx,
		`UPDATE messages SET content = ?, finish_at = ?, token_count = ?, tool_calls_json = ? WHERE id = ?`,
		m.Content, m.FinishAt, m.TokenCount, nullString(m.ToolCallsJSON), m.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlMessages) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlMessages) ListBy(ctx context.Context, f ListFilter) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages`
	args := []any{}
	if f.ConversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	query += ` ORDER BY id ASC`
	query, args = applyLimitOffset(query, args, f)
	return s.scanAll(s.c.query(ctx, query, args...))
}

func (s *sqlMessages) scanAll(rows *sql.Rows, err error) ([]*models.Message, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Message{}
	for rows.Next() {
		m, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlMessages) Children(ctx context.Context, parentID string) ([]*models.Message, error) {
	return s.scanAll(s.c.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE parent_id = ?`, parentID))
}

func (s *sqlMessages) Tail(ctx context.Context, conversationID string) (*models.Message, error) {
	m, err := s.scan(s.c.queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`, conversationID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- attachments ---

type sqlAttachments struct{ c *sqlConn }

func (s *sqlAttachments) Create(ctx context.Context, a *models.Attachment) error {
	_, err := s.c.exec(ctx,
		`INSERT INTO attachments (id, message_id, kind, url, content, hash, uses_vector, token_count, name)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.MessageID, string(a.Kind), nullString(a.URL), nullString(a.Content), nullString(a.Hash),
		a.UsesVector, a.TokenCount, nullString(a.Name))
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlAttachments) scan(row interface{ Scan(...any) error }) (*models.Attachment, error) {
	var a models.Attachment
	var kind string
	var url, content, hash, name sql.NullString
	if err := row.Scan(&a.ID, &a.MessageID, &kind, &url, &content, &hash, &a.UsesVector, &a.TokenCount, &name); err != nil {
		return nil, err
	}
	a.Kind = models.AttachmentKind(kind)
	a.URL = url.String
	a.Content = content.String
	a.Hash = hash.String
	a.Name = name.String
	return &a, nil
}

const attachmentColumns = `id, message_id, kind, url, content, hash, uses_vector, token_count, name`

func (s *sqlAttachments) Get(ctx context.Context, id string) (*models.Attachment, error) {
	a, err := s.scan(s.c.queryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqlAttachments) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlAttachments) ListBy(ctx context.Context, f ListFilter) ([]*models.Attachment, error) {
	rows, err := s.c.query(ctx, `SELECT `+attachmentColumns+` FROM attachments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Attachment{}
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlAttachments) ListByMessage(ctx context.Context, messageID string) ([]*models.Attachment, error) {
	rows, err := s.c.query(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Attachment{}
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- assistants ---

type sqlAssistants struct{ c *sqlConn }

func (s *sqlAssistants) Create(ctx context.Context, a *models.Assistant) error {
	bindings, _ := marshalJSON(a.DefaultModelBindings)
	overrides, _ := marshalJSON(a.ModelConfigOverrides)
	serverBindings, _ := marshalJSON(a.MCPServerBindings)
	toolBindings, _ := marshalJSON(a.MCPToolBindings)
	autoRun, _ := marshalJSON(a.ToolAutoRun)
	_, err := s.c.exec(ctx,
		`INSERT INTO assistants (id, name, description, type, default_model_bindings, model_config_overrides,
			prompt_template, mcp_server_bindings, mcp_tool_bindings, all_tool_auto_run, tool_auto_run, serial_tool_execution)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Description, string(a.Type), bindings, overrides, a.PromptTemplate,
		serverBindings, toolBindings, a.AllToolAutoRun, autoRun, a.SerialToolExecution)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlAssistants) scan(row interface{ Scan(...any) error }) (*models.Assistant, error) {
	var a models.Assistant
	var typ string
	var bindings, overrides, serverBindings, toolBindings, autoRun []byte
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &typ, &bindings, &overrides, &a.PromptTemplate,
		&serverBindings, &toolBindings, &a.AllToolAutoRun, &autoRun, &a.SerialToolExecution); err != nil {
		return nil, err
	}
	a.Type = models.AssistantType(typ)
	_ = unmarshalJSON(bindings, &a.DefaultModelBindings)
	_ = unmarshalJSON(overrides, &a.ModelConfigOverrides)
	_ = unmarshalJSON(serverBindings, &a.MCPServerBindings)
	_ = unmarshalJSON(toolBindings, &a.MCPToolBindings)
	_ = unmarshalJSON(autoRun, &a.ToolAutoRun)
	return &a, nil
}

const assistantColumns = `id, name, description, type, default_model_bindings, model_config_overrides,
	prompt_template, mcp_server_bindings, mcp_tool_bindings, all_tool_auto_run, tool_auto_run, serial_tool_execution`

func (s *sqlAssistants) Get(ctx context.Context, id string) (*models.Assistant, error) {
	a, err := s.scan(s.c.queryRow(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqlAssistants) GetByName(ctx context.Context, name string) (*models.Assistant, error) {
	a, err := s.scan(s.c.queryRow(ctx, `SELECT `+assistantColumns+` FROM assistants WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqlAssistants) Update(ctx context.Context, a *models.Assistant) error {
	bindings, _ := marshalJSON(a.DefaultModelBindings)
	overrides, _ := marshalJSON(a.ModelConfigOverrides)
	serverBindings, _ := marshalJSON(a.MCPServerBindings)
	toolBindings, _ := marshalJSON(a.MCPToolBindings)
	autoRun, _ := marshalJSON(a.ToolAutoRun)
	res, err := s.c.exec(ctx,
		`UPDATE assistants SET name = ?, description = ?, type = ?, default_model_bindings = ?,
			model_config_overrides = ?, prompt_template = ?, mcp_server_bindings = ?, mcp_tool_bindings = ?,
			all_tool_auto_run = ?, tool_auto_run = ?, serial_tool_execution = ? WHERE id = ?`,
		a.Name, a.Description, string(a.Type), bindings, overrides, a.PromptTemplate,
		serverBindings, toolBindings, a.AllToolAutoRun, autoRun, a.SerialToolExecution, a.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlAssistants) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM assistants WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlAssistants) List(ctx context.Context) ([]*models.Assistant, error) {
	rows, err := s.c.query(ctx, `SELECT `+assistantColumns+` FROM assistants ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Assistant{}
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- providers / models ---

type sqlProviders struct{ c *sqlConn }

func (s *sqlProviders) Create(ctx context.Context, p *models.ModelProvider) error {
	_, err := s.c.exec(ctx,
		`INSERT INTO model_providers (id, name, api_type, endpoint, api_key, use_proxy) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, string(p.APIType), nullString(p.Endpoint), nullString(p.APIKey), p.UseProxy)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlProviders) scan(row interface{ Scan(...any) error }) (*models.ModelProvider, error) {
	var p models.ModelProvider
	var apiType string
	var endpoint, apiKey sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &apiType, &endpoint, &apiKey, &p.UseProxy); err != nil {
		return nil, err
	}
	p.APIType = models.APIType(apiType)
	p.Endpoint = endpoint.String
	p.APIKey = apiKey.String
	return &p, nil
}

const providerColumns = `id, name, api_type, endpoint, api_key, use_proxy`

func (s *sqlProviders) Get(ctx context.Context, id string) (*models.ModelProvider, error) {
	p, err := s.scan(s.c.queryRow(ctx, `SELECT `+providerColumns+` FROM model_providers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *sqlProviders) Update(ctx context.Context, p *models.ModelProvider) error {
	res, err := s.c.exec(ctx,
		`UPDATE model_providers SET name = ?, api_type = ?, endpoint = ?, api_key = ?, use_proxy = ? WHERE id = ?`,
		p.Name, string(p.APIType), p.Endpoint, p.APIKey, p.UseProxy, p.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlProviders) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM model_providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlProviders) List(ctx context.Context) ([]*models.ModelProvider, error) {
	rows, err := s.c.query(ctx, `SELECT `+providerColumns+` FROM model_providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.ModelProvider{}
	for rows.Next() {
		p, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type sqlModels struct{ c *sqlConn }

const modelColumns = `id, provider_id, code, name, context_size, supports_vision, supports_audio, supports_video`

func (s *sqlModels) Create(ctx context.Context, m *models.Model) error {
	_, err := s.c.exec(ctx,
		`INSERT INTO models (`+modelColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ProviderID, m.Code, m.Name, m.ContextSize, m.SupportsVision, m.SupportsAudio, m.SupportsVideo)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlModels) scan(row interface{ Scan(...any) error }) (*models.Model, error) {
	var m models.Model
	if err := row.Scan(&m.ID, &m.ProviderID, &m.Code, &m.Name, &m.ContextSize,
		&m.SupportsVision, &m.SupportsAudio, &m.SupportsVideo); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *sqlModels) Get(ctx context.Context, id string) (*models.Model, error) {
	m, err := s.scan(s.c.queryRow(ctx, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *sqlModels) Update(ctx context.Context, m *models.Model) error {
	res, err := s.c.exec(ctx,
		`UPDATE models SET code = ?, name = ?, context_size = ?, supports_vision = ?, supports_audio = ?, supports_video = ? WHERE id = ?`,
		m.Code, m.Name, m.ContextSize, m.SupportsVision, m.SupportsAudio, m.SupportsVideo, m.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlModels) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlModels) ListByProvider(ctx context.Context, providerID string) ([]*models.Model, error) {
	rows, err := s.c.query(ctx, `SELECT `+modelColumns+` FROM models WHERE provider_id = ? ORDER BY name`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.Model{}
	for rows.Next() {
		m, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- mcp servers ---

type sqlMCPServers struct{ c *sqlConn }

const mcpServerColumns = `id, name, transport, command, args, env, headers, url, timeout_ms, is_long_running, is_enabled, is_builtin`

func (s *sqlMCPServers) Create(ctx context.Context, v *models.MCPServer) error {
	args, _ := marshalJSON(v.Args)
	env, _ := marshalJSON(v.Env)
	headers, _ := marshalJSON(v.Headers)
	_, err := s.c.exec(ctx,
		`INSERT INTO mcp_servers (`+mcpServerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.Name, string(v.Transport), nullString(v.Command), args, env, headers, nullString(v.URL),
		v.TimeoutMS, v.IsLongRunning, v.IsEnabled, v.IsBuiltin)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlMCPServers) scan(row interface{ Scan(...any) error }) (*models.MCPServer, error) {
	var v models.MCPServer
	var transport string
	var command, url sql.NullString
	var args, env, headers []byte
	if err := row.Scan(&v.ID, &v.Name, &transport, &command, &args, &env, &headers, &url,
		&v.TimeoutMS, &v.IsLongRunning, &v.IsEnabled, &v.IsBuiltin); err != nil {
		return nil, err
	}
	v.Transport = models.MCPTransport(transport)
	v.Command = command.String
	v.URL = url.String
	_ = unmarshalJSON(args, &v.Args)
	_ = unmarshalJSON(env, &v.Env)
	_ = unmarshalJSON(headers, &v.Headers)
	return &v, nil
}

func (s *sqlMCPServers) Get(ctx context.Context, id string) (*models.MCPServer, error) {
	v, err := s.scan(s.c.queryRow(ctx, `SELECT `+mcpServerColumns+` FROM mcp_servers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *sqlMCPServers) Update(ctx context.Context, v *models.MCPServer) error {
	args, _ := marshalJSON(v.Args)
	env, _ := marshalJSON(v.Env)
	headers, _ := marshalJSON(v.Headers)
	res, err := s.c.exec(ctx,
		`UPDATE mcp_servers SET name = ?, transport = ?, command = ?, args = ?, env = ?, headers = ?,
			url = ?, timeout_ms = ?, is_long_running = ?, is_enabled = ?, is_builtin = ? WHERE id = ?`,
		v.Name, string(v.Transport), v.Command, args, env, headers, v.URL,
		v.TimeoutMS, v.IsLongRunning, v.IsEnabled, v.IsBuiltin, v.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlMCPServers) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlMCPServers) List(ctx context.Context) ([]*models.MCPServer, error) {
	rows, err := s.c.query(ctx, `SELECT `+mcpServerColumns+` FROM mcp_servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.MCPServer{}
	for rows.Next() {
		v, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- mcp tools / resources / prompts (diff-sync) ---

type sqlMCPTools struct{ c *sqlConn }

const mcpToolColumns = `id, server_id, name, description, parameters_schema_json, is_enabled, is_auto_run`

// Upsert keeps the existing enabled/auto-run flags on conflict, matching the
// memory backend's diff-sync semantics (§4.B).
func (s *sqlMCPTools) Upsert(ctx context.Context, t *models.MCPTool) error {
	schema, _ := marshalJSON(t.ParametersSchema)
	var existingID string
	var isEnabled, isAutoRun bool
	err := s.c.queryRow(ctx, `SELECT id, is_enabled, is_auto_run FROM mcp_tools WHERE server_id = ? AND name = ?`,
		t.ServerID, t.Name).Scan(&existingID, &isEnabled, &isAutoRun)
	switch err {
	case nil:
		t.ID = existingID
		_, err = s.c.exec(ctx,
			`UPDATE mcp_tools SET description = ?, parameters_schema_json = ? WHERE id = ?`,
			t.Description, schema, t.ID)
		t.IsEnabled = isEnabled
		t.IsAutoRun = isAutoRun
		return err
	case sql.ErrNoRows:
		_, err = s.c.exec(ctx,
			`INSERT INTO mcp_tools (`+mcpToolColumns+`) VALUES (?,?,?,?,?,?,?)`,
			t.ID, t.ServerID, t.Name, t.Description, schema, t.IsEnabled, t.IsAutoRun)
		return err
	default:
		return err
	}
}

func (s *sqlMCPTools) scan(row interface{ Scan(...any) error }) (*models.MCPTool, error) {
	var t models.MCPTool
	var description sql.NullString
	var schema []byte
	if err := row.Scan(&t.ID, &t.ServerID, &t.Name, &description, &schema, &t.IsEnabled, &t.IsAutoRun); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.ParametersSchema = schema
	return &t, nil
}

func (s *sqlMCPTools) Get(ctx context.Context, id string) (*models.MCPTool, error) {
	t, err := s.scan(s.c.queryRow(ctx, `SELECT `+mcpToolColumns+` FROM mcp_tools WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqlMCPTools) ListByServer(ctx context.Context, serverID string) ([]*models.MCPTool, error) {
	rows, err := s.c.query(ctx, `SELECT `+mcpToolColumns+` FROM mcp_tools WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.MCPTool{}
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlMCPTools) ListEnabledByServers(ctx context.Context, serverIDs []string) ([]*models.MCPTool, error) {
	if len(serverIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(serverIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(serverIDs))
	for i, id := range serverIDs {
		args[i] = id
	}
	rows, err := s.c.query(ctx,
		`SELECT `+mcpToolColumns+` FROM mcp_tools WHERE is_enabled = true AND server_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.MCPTool{}
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlMCPTools) DeleteNotIn(ctx context.Context, serverID string, remoteNames []string) error {
	if len(remoteNames) == 0 {
		_, err := s.c.exec(ctx, `DELETE FROM mcp_tools WHERE server_id = ?`, serverID)
		return err
	}
	placeholders := strings.Repeat("?,", len(remoteNames))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{serverID}
	for _, n := range remoteNames {
		args = append(args, n)
	}
	_, err := s.c.exec(ctx, `DELETE FROM mcp_tools WHERE server_id = ? AND name NOT IN (`+placeholders+`)`, args...)
	return err
}

type sqlMCPResources struct{ c *sqlConn }

const mcpResourceColumns = `id, server_id, uri, name, description, mime_type`

func (s *sqlMCPResources) Upsert(ctx context.Context, r *models.MCPResource) error {
	var existingID string
	err := s.c.queryRow(ctx, `SELECT id FROM mcp_resources WHERE server_id = ? AND uri = ?`, r.ServerID, r.URI).Scan(&existingID)
	switch err {
	case nil:
		r.ID = existingID
		_, err = s.c.exec(ctx, `UPDATE mcp_resources SET name = ?, description = ?, mime_type = ? WHERE id = ?`,
			r.Name, r.Description, r.MimeType, r.ID)
		return err
	case sql.ErrNoRows:
		_, err = s.c.exec(ctx, `INSERT INTO mcp_resources (`+mcpResourceColumns+`) VALUES (?,?,?,?,?,?)`,
			r.ID, r.ServerID, r.URI, r.Name, r.Description, r.MimeType)
		return err
	default:
		return err
	}
}

func (s *sqlMCPResources) ListByServer(ctx context.Context, serverID string) ([]*models.MCPResource, error) {
	rows, err := s.c.query(ctx, `SELECT `+mcpResourceColumns+` FROM mcp_resources WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.MCPResource{}
	for rows.Next() {
		var r models.MCPResource
		var name, description, mimeType sql.NullString
		if err := rows.Scan(&r.ID, &r.ServerID, &r.URI, &name, &description, &mimeType); err != nil {
			return nil, err
		}
		r.Name, r.Description, r.MimeType = name.String, description.String, mimeType.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqlMCPResources) DeleteNotIn(ctx context.Context, serverID string, remoteURIs []string) error {
	if len(remoteURIs) == 0 {
		_, err := s.c.exec(ctx, `DELETE FROM mcp_resources WHERE server_id = ?`, serverID)
		return err
	}
	placeholders := strings.Repeat("?,", len(remoteURIs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{serverID}
	for _, u := range remoteURIs {
		args = append(args, u)
	}
	_, err := s.c.exec(ctx, `DELETE FROM mcp_resources WHERE server_id = ? AND uri NOT IN (`+placeholders+`)`, args...)
	return err
}

type sqlMCPPrompts struct{ c *sqlConn }

const mcpPromptColumns = `id, server_id, name, description`

func (s *sqlMCPPrompts) Upsert(ctx context.Context, p *models.MCPPrompt) error {
	var existingID string
	err := s.c.queryRow(ctx, `SELECT id FROM mcp_prompts WHERE server_id = ? AND name = ?`, p.ServerID, p.Name).Scan(&existingID)
	switch err {
	case nil:
		p.ID = existingID
		_, err = s.c.exec(ctx, `UPDATE mcp_prompts SET description = ? WHERE id = ?`, p.Description, p.ID)
		return err
	case sql.ErrNoRows:
		_, err = s.c.exec(ctx, `INSERT INTO mcp_prompts (`+mcpPromptColumns+`) VALUES (?,?,?,?)`,
			p.ID, p.ServerID, p.Name, p.Description)
		return err
	default:
		return err
	}
}

func (s *sqlMCPPrompts) ListByServer(ctx context.Context, serverID string) ([]*models.MCPPrompt, error) {
	rows, err := s.c.query(ctx, `SELECT `+mcpPromptColumns+` FROM mcp_prompts WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.MCPPrompt{}
	for rows.Next() {
		var p models.MCPPrompt
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.ServerID, &p.Name, &description); err != nil {
			return nil, err
		}
		p.Description = description.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *sqlMCPPrompts) DeleteNotIn(ctx context.Context, serverID string, remoteNames []string) error {
	if len(remoteNames) == 0 {
		_, err := s.c.exec(ctx, `DELETE FROM mcp_prompts WHERE server_id = ?`, serverID)
		return err
	}
	placeholders := strings.Repeat("?,", len(remoteNames))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{serverID}
	for _, n := range remoteNames {
		args = append(args, n)
	}
	_, err := s.c.exec(ctx, `DELETE FROM mcp_prompts WHERE server_id = ? AND name NOT IN (`+placeholders+`)`, args...)
	return err
}

// --- mcp tool calls ---

type sqlMCPCalls struct{ c *sqlConn }

const mcpCallColumns = `id, conversation_id, message_id, server_id, server_name, tool_name, parameters_json,
	status, result, error, created_at, started_at, finished_at, llm_call_id, assistant_message_id`

func (s *sqlMCPCalls) Create(ctx context.Context, call *models.MCPToolCall) error {
	params, _ := marshalJSON(call.ParametersJSON)
	_, err := s.c.exec(ctx,
		`INSERT INTO mcp_tool_calls (`+mcpCallColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		call.ID, call.ConversationID, nullString(call.MessageID), call.ServerID, call.ServerName, call.ToolName,
		params, string(call.Status), nullString(call.Result), nullString(call.Error), call.CreatedAt,
		call.StartedAt, call.FinishedAt, nullString(call.LLMCallID), nullString(call.AssistantMessageID))
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlMCPCalls) scan(row interface{ Scan(...any) error }) (*models.MCPToolCall, error) {
	var c models.MCPToolCall
	var status string
	var messageID, result, errStr, llmCallID, assistantMessageID sql.NullString
	var params []byte
	if err := row.Scan(&c.ID, &c.ConversationID, &messageID, &c.ServerID, &c.ServerName, &c.ToolName, &params,
		&status, &result, &errStr, &c.CreatedAt, &c.StartedAt, &c.FinishedAt, &llmCallID, &assistantMessageID); err != nil {
		return nil, err
	}
	c.MessageID = messageID.String
	c.ParametersJSON = params
	c.Status = models.MCPToolCallStatus(status)
	c.Result = result.String
	c.Error = errStr.String
	c.LLMCallID = llmCallID.String
	c.AssistantMessageID = assistantMessageID.String
	return &c, nil
}

func (s *sqlMCPCalls) Get(ctx context.Context, id string) (*models.MCPToolCall, error) {
	c, err := s.scan(s.c.queryRow(ctx, `SELECT `+mcpCallColumns+` FROM mcp_tool_calls WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *sqlMCPCalls) Update(ctx context.Context, call *models.MCPToolCall) error {
	res, err := s.c.exec(ctx,
		`UPDATE mcp_tool_calls SET status = ?, result = ?, error = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(call.Status), call.Result, call.Error, call.StartedAt, call.FinishedAt, call.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlMCPCalls) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM mcp_tool_calls WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlMCPCalls) ListBy(ctx context.Context, f ListFilter) ([]*models.MCPToolCall, error) {
	query := `SELECT ` + mcpCallColumns + ` FROM mcp_tool_calls WHERE 1=1`
	args := []any{}
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.MCPToolCall{}
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkExecutingIfPending performs the conditional transition in a single
// statement, so the database itself arbitrates the race (invariant 4),
// rather than a read-then-write pair racing in application code.
func (s *sqlMCPCalls) MarkExecutingIfPending(ctx context.Context, id string) (bool, error) {
	res, err := s.c.exec(ctx,
		`UPDATE mcp_tool_calls SET status = ?, started_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(models.MCPToolCallExecuting), time.Now(), id, string(models.MCPToolCallPending), string(models.MCPToolCallFailed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- sub-task definitions / executions ---

type sqlSubTaskDefs struct{ c *sqlConn }

const subTaskDefColumns = `id, code, name, assistant_id, system_prompt, max_loops, server_allowlist, tool_allowlist, continue_on_tool_error`

func (s *sqlSubTaskDefs) Create(ctx context.Context, d *models.SubTaskDefinition) error {
	servers, _ := marshalJSON(d.ServerAllowlist)
	tools, _ := marshalJSON(d.ToolAllowlist)
	_, err := s.c.exec(ctx, `INSERT INTO sub_task_definitions (`+subTaskDefColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Code, d.Name, nullString(d.AssistantID), d.SystemPrompt, d.MaxLoops, servers, tools, d.ContinueOnToolError)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlSubTaskDefs) scan(row interface{ Scan(...any) error }) (*models.SubTaskDefinition, error) {
	var d models.SubTaskDefinition
	var assistantID sql.NullString
	var servers, tools []byte
	if err := row.Scan(&d.ID, &d.Code, &d.Name, &assistantID, &d.SystemPrompt, &d.MaxLoops, &servers, &tools, &d.ContinueOnToolError); err != nil {
		return nil, err
	}
	d.AssistantID = assistantID.String
	_ = unmarshalJSON(servers, &d.ServerAllowlist)
	_ = unmarshalJSON(tools, &d.ToolAllowlist)
	return &d, nil
}

func (s *sqlSubTaskDefs) Get(ctx context.Context, id string) (*models.SubTaskDefinition, error) {
	d, err := s.scan(s.c.queryRow(ctx, `SELECT `+subTaskDefColumns+` FROM sub_task_definitions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *sqlSubTaskDefs) GetByCode(ctx context.Context, code string) (*models.SubTaskDefinition, error) {
	d, err := s.scan(s.c.queryRow(ctx, `SELECT `+subTaskDefColumns+` FROM sub_task_definitions WHERE code = ?`, code))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *sqlSubTaskDefs) Update(ctx context.Context, d *models.SubTaskDefinition) error {
	servers, _ := marshalJSON(d.ServerAllowlist)
	tools, _ := marshalJSON(d.ToolAllowlist)
	res, err := s.c.exec(ctx,
		`UPDATE sub_task_definitions SET name = ?, assistant_id = ?, system_prompt = ?, max_loops = ?,
			server_allowlist = ?, tool_allowlist = ?, continue_on_tool_error = ? WHERE id = ?`,
		d.Name, d.AssistantID, d.SystemPrompt, d.MaxLoops, servers, tools, d.ContinueOnToolError, d.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlSubTaskDefs) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM sub_task_definitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlSubTaskDefs) List(ctx context.Context) ([]*models.SubTaskDefinition, error) {
	rows, err := s.c.query(ctx, `SELECT `+subTaskDefColumns+` FROM sub_task_definitions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.SubTaskDefinition{}
	for rows.Next() {
		d, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type sqlSubTaskExecs struct{ c *sqlConn }

const subTaskExecColumns = `id, definition_id, parent_conversation_id, status, user_prompt, result_content,
	raw_model_output, loops, reached_max_loops, abort_reason, metrics, token_count, debug_log, error, started_at, finished_at`

func (s *sqlSubTaskExecs) Create(ctx context.Context, e *models.SubTaskExecution) error {
	metrics, _ := marshalJSON(e.Metrics)
	_, err := s.c.exec(ctx, `INSERT INTO sub_task_executions (`+subTaskExecColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.DefinitionID, nullString(e.ParentConversationID), string(e.Status), e.UserPrompt, e.ResultContent,
		e.RawModelOutput, e.Loops, e.ReachedMaxLoops, nullString(string(e.AbortReason)), metrics, e.TokenCount,
		[]byte(e.DebugLog), e.Error, e.StartedAt, e.FinishedAt)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlSubTaskExecs) scan(row interface{ Scan(...any) error }) (*models.SubTaskExecution, error) {
	var e models.SubTaskExecution
	var status, abortReason sql.NullString
	var parentConv sql.NullString
	var metrics, debugLog []byte
	if err := row.Scan(&e.ID, &e.DefinitionID, &parentConv, &status, &e.UserPrompt, &e.ResultContent,
		&e.RawModelOutput, &e.Loops, &e.ReachedMaxLoops, &abortReason, &metrics, &e.TokenCount,
		&debugLog, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
		return nil, err
	}
	e.ParentConversationID = parentConv.String
	e.Status = models.SubTaskExecutionStatus(status.String)
	e.AbortReason = models.SubTaskAbortReason(abortReason.String)
	_ = unmarshalJSON(metrics, &e.Metrics)
	e.DebugLog = debugLog
	return &e, nil
}

func (s *sqlSubTaskExecs) Get(ctx context.Context, id string) (*models.SubTaskExecution, error) {
	e, err := s.scan(s.c.queryRow(ctx, `SELECT `+subTaskExecColumns+` FROM sub_task_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *sqlSubTaskExecs) Update(ctx context.Context, e *models.SubTaskExecution) error {
	metrics, _ := marshalJSON(e.Metrics)
	res, err := s.c.exec(ctx,
		`UPDATE sub_task_executions SET status = ?, result_content = ?, raw_model_output = ?, loops = ?,
			reached_max_loops = ?, abort_reason = ?, metrics = ?, token_count = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(e.Status), e.ResultContent, e.RawModelOutput, e.Loops, e.ReachedMaxLoops,
		string(e.AbortReason), metrics, e.TokenCount, e.Error, e.FinishedAt, e.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlSubTaskExecs) ListBy(ctx context.Context, f ListFilter) ([]*models.SubTaskExecution, error) {
	query := `SELECT ` + subTaskExecColumns + ` FROM sub_task_executions WHERE 1=1`
	args := []any{}
	if f.ConversationID != "" {
		query += ` AND parent_conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY started_at DESC`
	rows, err := s.c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.SubTaskExecution{}
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- scheduled tasks / runs / logs ---

type sqlScheduledTasks struct{ c *sqlConn }

const scheduledTaskColumns = `id, name, assistant_id, schedule_type, interval_value, interval_unit, run_at,
	task_prompt, notify_prompt, is_enabled, last_run_at, next_run_at`

func (s *sqlScheduledTasks) Create(ctx context.Context, t *models.ScheduledTask) error {
	_, err := s.c.exec(ctx, `INSERT INTO scheduled_tasks (`+scheduledTaskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullString(t.AssistantID), string(t.ScheduleType), t.IntervalValue, nullString(string(t.IntervalUnit)),
		zeroTimeToNil(t.RunAt), t.TaskPrompt, t.NotifyPrompt, t.IsEnabled, t.LastRunAt, t.NextRunAt)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func zeroTimeToNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *sqlScheduledTasks) scan(row interface{ Scan(...any) error }) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	var assistantID, intervalUnit sql.NullString
	var scheduleType string
	var runAt sql.NullTime
	if err := row.Scan(&t.ID, &t.Name, &assistantID, &scheduleType, &t.IntervalValue, &intervalUnit, &runAt,
		&t.TaskPrompt, &t.NotifyPrompt, &t.IsEnabled, &t.LastRunAt, &t.NextRunAt); err != nil {
		return nil, err
	}
	t.AssistantID = assistantID.String
	t.ScheduleType = models.ScheduleType(scheduleType)
	t.IntervalUnit = models.IntervalUnit(intervalUnit.String)
	if runAt.Valid {
		t.RunAt = runAt.Time
	}
	return &t, nil
}

func (s *sqlScheduledTasks) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	t, err := s.scan(s.c.queryRow(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqlScheduledTasks) Update(ctx context.Context, t *models.ScheduledTask) error {
	res, err := s.c.exec(ctx,
		`UPDATE scheduled_tasks SET name = ?, assistant_id = ?, schedule_type = ?, interval_value = ?,
			interval_unit = ?, run_at = ?, task_prompt = ?, notify_prompt = ?, is_enabled = ?, last_run_at = ?, next_run_at = ?
		 WHERE id = ?`,
		t.Name, t.AssistantID, string(t.ScheduleType), t.IntervalValue, string(t.IntervalUnit),
		zeroTimeToNil(t.RunAt), t.TaskPrompt, t.NotifyPrompt, t.IsEnabled, t.LastRunAt, t.NextRunAt, t.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlScheduledTasks) Delete(ctx context.Context, id string) error {
	res, err := s.c.exec(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlScheduledTasks) List(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.c.query(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks ORDER BY next_run_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.ScheduledTask{}
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlScheduledTasks) DueBefore(ctx context.Context, at time.Time) ([]*models.ScheduledTask, error) {
	rows, err := s.c.query(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE is_enabled = true AND next_run_at <= ? ORDER BY next_run_at`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.ScheduledTask{}
	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type sqlScheduledRuns struct{ c *sqlConn }

const scheduledRunColumns = `id, task_id, status, notified, summary, error, started_at, finished_at`

func (s *sqlScheduledRuns) Create(ctx context.Context, r *models.ScheduledTaskRun) error {
	_, err := s.c.exec(ctx, `INSERT INTO scheduled_task_runs (`+scheduledRunColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, string(r.Status), r.Notified, nullString(r.Summary), nullString(r.Error), r.StartedAt, r.FinishedAt)
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlScheduledRuns) Update(ctx context.Context, r *models.ScheduledTaskRun) error {
	res, err := s.c.exec(ctx,
		`UPDATE scheduled_task_runs SET status = ?, notified = ?, summary = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(r.Status), r.Notified, r.Summary, r.Error, r.FinishedAt, r.ID)
	if err != nil {
		return err
	}
	return rowsAffectedOrNotFound(res)
}

func (s *sqlScheduledRuns) ListByTask(ctx context.Context, taskID string) ([]*models.ScheduledTaskRun, error) {
	rows, err := s.c.query(ctx, `SELECT `+scheduledRunColumns+` FROM scheduled_task_runs WHERE task_id = ? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.ScheduledTaskRun{}
	for rows.Next() {
		var r models.ScheduledTaskRun
		var status string
		var summary, errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &status, &r.Notified, &summary, &errStr, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Status = models.ScheduledTaskRunStatus(status)
		r.Summary, r.Error = summary.String, errStr.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

type sqlScheduledLogs struct{ c *sqlConn }

func (s *sqlScheduledLogs) Append(ctx context.Context, l *models.ScheduledTaskLog) error {
	_, err := s.c.exec(ctx, `INSERT INTO scheduled_task_logs (id, run_id, level, message, created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.RunID, l.Level, l.Message, l.CreatedAt)
	return err
}

func (s *sqlScheduledLogs) ListByRun(ctx context.Context, runID string) ([]*models.ScheduledTaskLog, error) {
	rows, err := s.c.query(ctx, `SELECT id, run_id, level, message, created_at FROM scheduled_task_logs WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.ScheduledTaskLog{}
	for rows.Next() {
		var l models.ScheduledTaskLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// --- config ---

type sqlConfigStore struct{ c *sqlConn }

func (s *sqlConfigStore) Get(ctx context.Context, group, key string) (string, bool, error) {
	var value string
	err := s.c.queryRow(ctx, `SELECT cfg_value FROM config_entries WHERE cfg_group = ? AND cfg_key = ?`, group, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *sqlConfigStore) Set(ctx context.Context, group, key, value string) error {
	_, err := s.c.exec(ctx,
		`INSERT INTO config_entries (cfg_group, cfg_key, cfg_value) VALUES (?,?,?)
		 ON CONFLICT (cfg_group, cfg_key) DO UPDATE SET cfg_value = excluded.cfg_value`,
		group, key, value)
	return err
}

func (s *sqlConfigStore) ListGroup(ctx context.Context, group string) (map[string]string, error) {
	rows, err := s.c.query(ctx, `SELECT cfg_key, cfg_value FROM config_entries WHERE cfg_group = ?`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
