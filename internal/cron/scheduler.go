package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	robfigcron "github.com/robfig/cron/v3"

	"github.com/deskassist/core/internal/agent"
	"github.com/deskassist/core/internal/config"
	"github.com/deskassist/core/internal/storage"
	"github.com/deskassist/core/pkg/models"
)

// Notifier delivers the system notification a ScheduledTask fires once its
// notify-decision call answers "notify": true (§4.G step 4).
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// LogNotifier is the default Notifier: it logs instead of delivering,
// which is enough for hosts that have not wired a real notification sink.
type LogNotifier struct{ Logger *slog.Logger }

func (n LogNotifier) Notify(_ context.Context, title, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("scheduled task notification", "title", title, "body", body)
	return nil
}

// Scheduler maintains the single logical timer thread described by §4.G.
// On each tick it polls the ScheduledTaskStore for due tasks and runs each
// one: a sub-task turn against task.TaskPrompt, then a notify-decision turn
// against task.NotifyPrompt, deciding whether the resulting conversation is
// kept or discarded.
type Scheduler struct {
	store    storage.StoreSet
	runtime  *agent.Runtime
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	cfg      config.TasksConfig

	mu      sync.Mutex
	started bool
	engine  *robfigcron.Cron
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the scheduler's clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNotifier overrides how "notify": true decisions are delivered.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// NewScheduler builds a Scheduler over store's ScheduledTask* repositories,
// driving sub-task turns through runtime.
func NewScheduler(cfg config.TasksConfig, store storage.StoreSet, runtime *agent.Runtime, opts ...Option) (*Scheduler, error) {
	if store.ScheduledTasks == nil || store.ScheduledRuns == nil {
		return nil, errors.New("cron: scheduled task stores are required")
	}
	if runtime == nil {
		return nil, errors.New("cron: agent runtime is required")
	}
	s := &Scheduler{
		store:   store,
		runtime: runtime,
		logger:  slog.Default(),
		now:     time.Now,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Logger: s.logger}
	}
	return s, nil
}

// Start begins the tick loop, driven by github.com/robfig/cron/v3's own
// entry scheduler rather than a hand-rolled ticker. It returns immediately;
// the loop stops when ctx is cancelled. Calling Start on an already-started
// or nil scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}

	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}

	engine := robfigcron.New()
	_, err := engine.AddFunc(fmt.Sprintf("@every %s", poll), func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron: schedule tick: %w", err)
	}
	s.engine = engine
	s.started = true
	s.mu.Unlock()

	engine.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the tick loop, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	engine := s.engine
	s.started = false
	s.engine = nil
	s.mu.Unlock()
	if engine != nil {
		<-engine.Stop().Done()
	}
}

// RunOnce polls for due tasks and runs each synchronously, returning how
// many were executed. Exposed for tests and for a host's manual "run due
// tasks now" trigger.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now()
	due, err := s.store.ScheduledTasks.DueBefore(ctx, now)
	if err != nil {
		s.logger.Error("cron: list due tasks", "error", err)
		return 0
	}
	for _, task := range due {
		s.runTask(ctx, task)
	}
	return len(due)
}

// RunJob runs a single task immediately regardless of its NextRunAt,
// advancing its schedule as if it had fired naturally.
func (s *Scheduler) RunJob(ctx context.Context, taskID string) error {
	task, err := s.store.ScheduledTasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	s.runTask(ctx, task)
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, task *models.ScheduledTask) {
	now := s.now()
	next, disable := computeNextRun(task, now)
	task.LastRunAt = &now
	task.NextRunAt = next
	if disable {
		task.IsEnabled = false
	}
	if err := s.store.ScheduledTasks.Update(ctx, task); err != nil {
		s.logger.Error("cron: advance schedule", "task", task.ID, "error", err)
		return
	}

	run := &models.ScheduledTaskRun{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Status:    models.ScheduledTaskRunRunning,
		StartedAt: now,
	}
	if err := s.store.ScheduledRuns.Create(ctx, run); err != nil {
		s.logger.Error("cron: create run", "task", task.ID, "error", err)
		return
	}
	s.appendLog(ctx, run.ID, "info", fmt.Sprintf("running scheduled task %q", task.Name))

	conv := &models.Conversation{
		ID:          uuid.NewString(),
		DisplayName: fmt.Sprintf("Scheduled Task: %s", task.Name),
		AssistantID: task.AssistantID,
		CreatedAt:   now,
	}

	result, err := s.converse(ctx, conv, task.TaskPrompt)
	if err != nil {
		s.failRun(ctx, run, conv, fmt.Sprintf("task prompt failed: %v", err))
		return
	}
	s.appendLog(ctx, run.ID, "info", "task prompt completed")

	decisionText, err := s.converse(ctx, conv, task.NotifyPrompt)
	if err != nil {
		s.failRun(ctx, run, conv, fmt.Sprintf("notify prompt failed: %v", err))
		return
	}

	decision, err := parseNotifyDecision(decisionText)
	if err != nil {
		s.appendLog(ctx, run.ID, "warn", fmt.Sprintf("malformed notify decision, defaulting to notify: %v", err))
		decision = models.NotifyDecision{Notify: true, Summary: result}
	}

	if decision.Notify {
		if err := s.store.Conversations.Create(ctx, conv); err != nil {
			s.logger.Error("cron: persist scheduled conversation", "task", task.ID, "error", err)
		}
		if err := s.notifier.Notify(ctx, conv.DisplayName, decision.Summary); err != nil {
			s.logger.Warn("cron: notify failed", "task", task.ID, "error", err)
		}
		run.Notified = true
	} else {
		s.appendLog(ctx, run.ID, "info", "notify declined, discarding ephemeral conversation")
		s.discardConversation(ctx, conv.ID)
	}

	finished := s.now()
	run.Status = models.ScheduledTaskRunSucceeded
	run.Summary = decision.Summary
	run.FinishedAt = &finished
	if err := s.store.ScheduledRuns.Update(ctx, run); err != nil {
		s.logger.Error("cron: finalize run", "task", task.ID, "error", err)
	}
}

// converse sends prompt as a user message on conv and returns the
// resulting assistant text, running the turn through the same Chat
// Driver/Tool-Call Executor (§4.D/§4.E) a live conversation would use.
func (s *Scheduler) converse(ctx context.Context, conv *models.Conversation, prompt string) (string, error) {
	msg := &models.Message{
		ID:      uuid.NewString(),
		Kind:    models.MessageKindUser,
		Content: prompt,
	}
	ch, err := s.runtime.Process(ctx, conv, msg, nil)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		text.WriteString(chunk.Text)
	}
	if text.Len() > 0 {
		return text.String(), nil
	}

	history, err := s.store.Messages.ListBy(ctx, storage.ListFilter{ConversationID: conv.ID})
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == models.MessageKindResponse {
			return history[i].Content, nil
		}
	}
	return "", errors.New("cron: sub-task produced no assistant response")
}

func (s *Scheduler) failRun(ctx context.Context, run *models.ScheduledTaskRun, conv *models.Conversation, reason string) {
	s.appendLog(ctx, run.ID, "error", reason)
	s.discardConversation(ctx, conv.ID)

	finished := s.now()
	run.Status = models.ScheduledTaskRunFailed
	run.Error = reason
	run.FinishedAt = &finished
	if err := s.store.ScheduledRuns.Update(ctx, run); err != nil {
		s.logger.Error("cron: finalize failed run", "run", run.ID, "error", err)
	}
}

// discardConversation deletes every message attached to an ephemeral
// conversation that was never persisted to the Conversations store, so a
// declined notify decision leaves no trace in history.
func (s *Scheduler) discardConversation(ctx context.Context, conversationID string) {
	history, err := s.store.Messages.ListBy(ctx, storage.ListFilter{ConversationID: conversationID})
	if err != nil {
		s.logger.Warn("cron: list ephemeral messages", "conversation", conversationID, "error", err)
		return
	}
	for _, m := range history {
		if err := s.store.Messages.Delete(ctx, m.ID); err != nil {
			s.logger.Warn("cron: delete ephemeral message", "message", m.ID, "error", err)
		}
	}
}

func (s *Scheduler) appendLog(ctx context.Context, runID, level, message string) {
	if s.store.ScheduledLogs == nil {
		return
	}
	err := s.store.ScheduledLogs.Append(ctx, &models.ScheduledTaskLog{
		ID:        uuid.NewString(),
		RunID:     runID,
		Level:     level,
		Message:   message,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("cron: append task log", "run", runID, "error", err)
	}
}

// parseNotifyDecision extracts the {"notify": bool, "summary": string}
// object the notify-decision model call must produce (§4.G step 4),
// tolerating surrounding prose the way a non-native tool-call detector
// would (§4.C.5).
func parseNotifyDecision(text string) (models.NotifyDecision, error) {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return models.NotifyDecision{}, fmt.Errorf("no JSON object in %q", trimmed)
	}
	var decision models.NotifyDecision
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &decision); err != nil {
		return models.NotifyDecision{}, err
	}
	return decision, nil
}
