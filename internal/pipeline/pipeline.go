// Package pipeline implements the voicedesk postprocessing stages: the
// per-session dispatch sweep, the per-message LLM stages (categorize,
// summarize, questions), and the session-level fan-out/fan-in of custom
// prompts, finalization, and task creation.
//
// Handlers are invoked by the durable queue worker. Every handler scopes its
// lookups to the active runtime, re-verifies the fetched record's tag, and
// treats a mismatch or a missing record as a silent no-op. Mutual exclusion
// per (entity, processor) pair is advisory, via the is_processing claim flag
// in processor state; a claim taken before an enqueue is rolled back when the
// enqueue fails.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/prompts"
	"github.com/voicedesk/voicedesk/internal/queue"
	"github.com/voicedesk/voicedesk/internal/runtime"
)

// Job names. Per-message jobs run on the voice queue, session-level jobs on
// the postprocessors queue.
const (
	JobCategorize = "CATEGORIZE"
	JobSummarize  = "SUMMARIZE"
	JobQuestions  = "QUESTIONS"

	JobProcessSession    = "PROCESS_SESSION"
	JobSessionDone       = "SESSION_DONE"
	JobAllCustomPrompts  = "ALL_CUSTOM_PROMPTS"
	JobOneCustomPrompt   = "ONE_CUSTOM_PROMPT"
	JobFinalCustomPrompt = "FINAL_CUSTOM_PROMPT"
	JobCreateTasks       = "CREATE_TASKS"
)

// Notification event names pushed through the Events sink.
const (
	EventSessionDone               = "SESSION_DONE"
	EventSessionReadyToSummarize   = "SESSION_READY_TO_SUMMARIZE"
	EventSessionCategorizationDone = "SESSION_CATEGORIZATION_DONE"
	EventSessionTasksCreated       = "SESSION_TASKS_CREATED"
)

// MessageJob is the payload of per-message stage jobs.
type MessageJob struct {
	MessageID      string   `json:"message_db_id"`
	SessionID      string   `json:"session_id"`
	ChatID         int64    `json:"chat_id"`
	MessageContext []string `json:"message_context"`
	AIText         string   `json:"message_ai_text,omitempty"`
}

// SessionJob is the payload of session-level jobs. Repolls counts how many
// times create_tasks has rescheduled itself waiting on categorization.
type SessionJob struct {
	SessionID string `json:"session_id"`
	Repolls   int    `json:"repolls,omitempty"`
}

// CustomPromptJob targets one custom processor of one session.
type CustomPromptJob struct {
	SessionID string `json:"session_id"`
	Processor string `json:"processor_name"`
}

// Store is the persistence surface the handlers need, satisfied by
// *db.Client. Fakes implement it in tests.
type Store interface {
	GetSession(ctx context.Context, scope runtime.Scope, id string) (*models.Session, error)
	ListSessionsToProcess(ctx context.Context, scope runtime.Scope) ([]models.Session, error)
	ListSessionsToFinalize(ctx context.Context, scope runtime.Scope) ([]models.Session, error)
	FinalizeSession(ctx context.Context, id string) error
	MarkSessionDone(ctx context.Context, id string, now time.Time) error
	MarkSessionMessagesProcessed(ctx context.Context, id string) error
	AssignSessionProject(ctx context.Context, id, projectID string) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	FindProjectByName(ctx context.Context, name string) (*models.Project, error)

	ClaimSessionProcessor(ctx context.Context, id, processor string, now time.Time) error
	ReleaseSessionProcessor(ctx context.Context, id, processor string) error
	CompleteSessionProcessor(ctx context.Context, id, processor string, data any, now time.Time) error
	FailSessionProcessor(ctx context.Context, id, processor, errMsg string) error

	GetMessage(ctx context.Context, scope runtime.Scope, id string) (*models.Message, error)
	ListSessionMessages(ctx context.Context, scope runtime.Scope, sessionID string) ([]models.Message, error)

	ClaimMessageCategorization(ctx context.Context, id string, now time.Time) error
	RollbackMessageClaim(ctx context.Context, id, errMsg string, nextAttempt time.Time) error
	CompleteMessageCategorization(ctx context.Context, id string, segments []models.Segment, now time.Time) error
	SkipMessageCategorization(ctx context.Context, id, reason string, now time.Time) error
	MarkCategorizationFailed(ctx context.Context, id string, f models.CategorizationFailure, now time.Time) error
	FailMessageCategorizationTerminal(ctx context.Context, id string, attempts int, now time.Time) error
	FinishMessageCategorization(ctx context.Context, id string) error

	ClaimMessageProcessor(ctx context.Context, id, processor string, now time.Time) error
	ReleaseMessageProcessor(ctx context.Context, id, processor string) error
	CompleteMessageProcessor(ctx context.Context, id, processor string, data any, now time.Time) error
	FinishMessageProcessor(ctx context.Context, id, processor string) error
	ResetMessageProcessor(ctx context.Context, id, processor string, now time.Time) error
	MarkMessageFinalized(ctx context.Context, id string) error

	CreateTickets(ctx context.Context, tickets []models.Ticket) error
}

// Completer is the completion service contract, satisfied by *llm.Client.
type Completer interface {
	Complete(ctx context.Context, instructions, input, model string) (string, error)
}

// Events is the fire-and-forget notification sink. Implementations log and
// swallow their own failures; a lost event never fails a state transition.
type Events interface {
	SessionUpdated(ctx context.Context, sessionID string)
	MessageUpdated(ctx context.Context, sessionID, messageID string)
	Notify(ctx context.Context, session *models.Session, event string, payload map[string]any)
}

// Chat is the outbound chat transport. All calls are best-effort; handlers
// wrap them and never propagate their errors.
type Chat interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SetReaction(ctx context.Context, chatID int64, messageID, emoji string) error
}

// Config carries the pipeline's tunables. Zero values fall back to
// DefaultConfig.
type Config struct {
	// MaxAttempts is the hard cap on categorize retries. Quota failures are
	// exempt.
	MaxAttempts int

	// RetryBase is the base of the exponential categorize backoff.
	RetryBase time.Duration

	// StaleClaimGrace is how long a session-processor claim may be held
	// before the fan-out treats it as abandoned.
	StaleClaimGrace time.Duration

	// DispatchStuckAfter is how long a per-message claim may be held before
	// the sweep resets it.
	DispatchStuckAfter time.Duration

	// RepollDelay and MaxRepolls bound the create_tasks wait-on-
	// categorization poll loop.
	RepollDelay time.Duration
	MaxRepolls  int

	// PostprocessDelay spaces the session-done fan-out enqueues; FinalDelay
	// delays the fan-in convergence job.
	PostprocessDelay time.Duration
	FinalDelay       time.Duration

	// Short texts below both bounds are skipped instead of categorized.
	ShortTextMaxChars int
	ShortTextMaxWords int

	// DefaultModel is used by every stage; TaskModel overrides it for task
	// creation and falls back to DefaultModel when the provider rejects it.
	DefaultModel string
	TaskModel    string

	// WebBaseURL prefixes attachment proxy paths in AI context text.
	WebBaseURL string

	// DefaultProjectName resolves the fallback project for sessions closed
	// without one.
	DefaultProjectName string
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        10,
		RetryBase:          time.Minute,
		StaleClaimGrace:    15 * time.Minute,
		DispatchStuckAfter: 10 * time.Minute,
		RepollDelay:        time.Minute,
		MaxRepolls:         60,
		PostprocessDelay:   500 * time.Millisecond,
		FinalDelay:         time.Second,
		ShortTextMaxChars:  24,
		ShortTextMaxWords:  3,
		DefaultModel:       "gpt-4.1",
		DefaultProjectName: "PMO",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.StaleClaimGrace <= 0 {
		c.StaleClaimGrace = d.StaleClaimGrace
	}
	if c.DispatchStuckAfter <= 0 {
		c.DispatchStuckAfter = d.DispatchStuckAfter
	}
	if c.RepollDelay <= 0 {
		c.RepollDelay = d.RepollDelay
	}
	if c.MaxRepolls <= 0 {
		c.MaxRepolls = d.MaxRepolls
	}
	if c.PostprocessDelay <= 0 {
		c.PostprocessDelay = d.PostprocessDelay
	}
	if c.FinalDelay <= 0 {
		c.FinalDelay = d.FinalDelay
	}
	if c.ShortTextMaxChars <= 0 {
		c.ShortTextMaxChars = d.ShortTextMaxChars
	}
	if c.ShortTextMaxWords <= 0 {
		c.ShortTextMaxWords = d.ShortTextMaxWords
	}
	if c.DefaultModel == "" {
		c.DefaultModel = d.DefaultModel
	}
	if c.DefaultProjectName == "" {
		c.DefaultProjectName = d.DefaultProjectName
	}
	return c
}

// Pipeline wires the stage handlers to their dependencies.
type Pipeline struct {
	store   Store
	queue   queue.Enqueuer
	llm     Completer
	events  Events
	chat    Chat
	prompts *prompts.Registry
	scope   runtime.Scope
	cfg     Config
	log     *slog.Logger

	now func() time.Time
}

// New creates a Pipeline. log must not be nil.
func New(store Store, q queue.Enqueuer, completer Completer, events Events, chat Chat, registry *prompts.Registry, scope runtime.Scope, cfg Config, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		queue:   q,
		llm:     completer,
		events:  events,
		chat:    chat,
		prompts: registry,
		scope:   scope,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (p *Pipeline) SetNow(now func() time.Time) {
	p.now = now
}

// Registrar registers job handlers, satisfied by *queue.Worker and
// *queue.Memory.
type Registrar interface {
	Handle(queue, name string, h queue.Handler)
}

// Register attaches every stage handler to its runtime-scoped queue.
func (p *Pipeline) Register(r Registrar) {
	voice := p.voiceQueue()
	r.Handle(voice, JobCategorize, p.HandleCategorize)
	r.Handle(voice, JobSummarize, p.HandleSummarize)
	r.Handle(voice, JobQuestions, p.HandleQuestions)

	post := p.postQueue()
	r.Handle(post, JobProcessSession, p.HandleProcessSession)
	r.Handle(post, JobSessionDone, p.HandleSessionDone)
	r.Handle(post, JobAllCustomPrompts, p.HandleAllCustomPrompts)
	r.Handle(post, JobOneCustomPrompt, p.HandleOneCustomPrompt)
	r.Handle(post, JobFinalCustomPrompt, p.HandleFinalCustomPrompt)
	r.Handle(post, JobCreateTasks, p.HandleCreateTasks)
}

func (p *Pipeline) voiceQueue() string {
	return p.scope.QueueName(queue.QueueVoice)
}

func (p *Pipeline) postQueue() string {
	return p.scope.QueueName(queue.QueuePostprocessors)
}

// sendMessage delivers a chat message best-effort.
func (p *Pipeline) sendMessage(ctx context.Context, chatID int64, text string) {
	if p.chat == nil {
		return
	}
	if err := p.chat.SendMessage(ctx, chatID, text); err != nil {
		p.log.Warn("chat message failed", "chat_id", chatID, "error", err)
	}
}

// setReaction sets a chat reaction best-effort.
func (p *Pipeline) setReaction(ctx context.Context, chatID int64, messageID, emoji string) {
	if p.chat == nil {
		return
	}
	if err := p.chat.SetReaction(ctx, chatID, messageID, emoji); err != nil {
		p.log.Warn("chat reaction failed", "chat_id", chatID, "message_id", messageID, "error", err)
	}
}

// notify pushes a typed notification best-effort.
func (p *Pipeline) notify(ctx context.Context, session *models.Session, event string, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Notify(ctx, session, event, payload)
}

func (p *Pipeline) sessionUpdated(ctx context.Context, sessionID string) {
	if p.events == nil {
		return
	}
	p.events.SessionUpdated(ctx, sessionID)
}

func (p *Pipeline) messageUpdated(ctx context.Context, sessionID, messageID string) {
	if p.events == nil {
		return
	}
	p.events.MessageUpdated(ctx, sessionID, messageID)
}
