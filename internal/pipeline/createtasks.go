package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/voicedesk/voicedesk/internal/llm"
	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/prompts"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// descriptionPolicy strips everything but a safe formatting subset from
// model-generated ticket descriptions before they reach the board UI.
var descriptionPolicy = bluemonday.UGCPolicy()

// HandleCreateTasks synthesizes ticket records from the session's
// accumulated segments once every message finished categorization. Until
// then it polls: release the claim and re-enqueue itself with a delay, up to
// the repoll bound.
func (p *Pipeline) HandleCreateTasks(ctx context.Context, job queue.Job) error {
	var payload SessionJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	session, err := p.store.GetSession(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil || session.IsDeleted || !p.scope.Matches(session.RuntimeTag) {
		p.log.Warn("skip create tasks: session out of scope", "session_id", payload.SessionID, "runtime", p.scope.Tag)
		return nil
	}

	messages, err := p.store.ListSessionMessages(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		p.log.Warn("skip create tasks: session has no messages", "session_id", payload.SessionID)
		return nil
	}
	sortMessages(messages)

	now := p.now()
	if err := p.store.ClaimSessionProcessor(ctx, payload.SessionID, models.ProcessorCreateTasks, now); err != nil {
		return err
	}
	p.sessionUpdated(ctx, payload.SessionID)

	if !allCategorizationFinished(messages) {
		return p.repoll(ctx, payload)
	}

	var chunks []models.Segment
	for i := range messages {
		chunks = append(chunks, messages[i].Categorization...)
	}
	if len(chunks) == 0 {
		// A session with no content produces no tasks; that is a result, not
		// an error.
		p.log.Info("no segments to process, storing empty task list", "session_id", payload.SessionID)
		if err := p.store.CompleteSessionProcessor(ctx, payload.SessionID, models.ProcessorCreateTasks, []models.Ticket{}, p.now()); err != nil {
			return err
		}
		p.sessionUpdated(ctx, payload.SessionID)
		return nil
	}

	texts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Text != "" {
			texts = append(texts, chunk.Text)
		}
	}
	combined := strings.Join(texts, "\n\n")

	output, err := p.completeTaskCreation(ctx, combined)
	if err != nil {
		if failErr := p.store.FailSessionProcessor(ctx, payload.SessionID, models.ProcessorCreateTasks, err.Error()); failErr != nil {
			p.log.Error("record create tasks failure failed", "session_id", payload.SessionID, "error", failErr)
		}
		p.sessionUpdated(ctx, payload.SessionID)
		return fmt.Errorf("task creation completion: %w", err)
	}

	items, err := parseItems(output)
	if err != nil {
		// A malformed response produces no tasks this run; the claim is
		// released so a later trigger can re-attempt.
		p.log.Error("task creation response unparseable", "session_id", payload.SessionID, "error", err, "output", output)
		if relErr := p.store.ReleaseSessionProcessor(ctx, payload.SessionID, models.ProcessorCreateTasks); relErr != nil {
			p.log.Error("release create tasks claim failed", "session_id", payload.SessionID, "error", relErr)
		}
		p.sessionUpdated(ctx, payload.SessionID)
		return nil
	}

	tickets := p.buildTickets(ctx, session, payload.SessionID, items)

	if err := p.store.CreateTickets(ctx, tickets); err != nil {
		return err
	}
	if err := p.store.CompleteSessionProcessor(ctx, payload.SessionID, models.ProcessorCreateTasks, tickets, p.now()); err != nil {
		return err
	}
	p.sessionUpdated(ctx, payload.SessionID)
	p.notify(ctx, session, EventSessionTasksCreated, nil)

	p.log.Info("tasks created", "session_id", payload.SessionID, "count", len(tickets))
	return nil
}

func allCategorizationFinished(messages []models.Message) bool {
	for i := range messages {
		if !messages[i].Processor(models.ProcessorCategorization).IsFinished {
			return false
		}
	}
	return true
}

// repoll releases the claim and reschedules the job. The rebound is capped:
// a session whose categorization never finishes stops polling instead of
// spinning forever, and stays inspectable through its processor state.
func (p *Pipeline) repoll(ctx context.Context, payload SessionJob) error {
	p.log.Info("categorization unfinished, repolling",
		"session_id", payload.SessionID, "repolls", payload.Repolls)

	if err := p.store.ReleaseSessionProcessor(ctx, payload.SessionID, models.ProcessorCreateTasks); err != nil {
		return err
	}
	p.sessionUpdated(ctx, payload.SessionID)

	if payload.Repolls >= p.cfg.MaxRepolls {
		p.log.Error("create tasks repoll budget exhausted, giving up",
			"session_id", payload.SessionID, "repolls", payload.Repolls)
		return nil
	}

	return p.queue.Enqueue(ctx, p.postQueue(), JobCreateTasks,
		SessionJob{SessionID: payload.SessionID, Repolls: payload.Repolls + 1},
		queue.WithDelay(p.cfg.RepollDelay),
		queue.WithDedupKey(fmt.Sprintf("%s-%s-%d", payload.SessionID, JobCreateTasks, p.now().UnixMilli())))
}

// completeTaskCreation calls the completion service with the configured task
// model, falling back to the default model exactly once when the provider
// rejects the configured one as unknown.
func (p *Pipeline) completeTaskCreation(ctx context.Context, input string) (string, error) {
	model := p.cfg.TaskModel
	if model == "" {
		model = p.cfg.DefaultModel
	}

	output, err := p.llm.Complete(ctx, prompts.TaskCreation, input, model)
	if err != nil && model != p.cfg.DefaultModel && llm.IsModelNotFoundError(err) {
		p.log.Warn("task creation model unavailable, falling back",
			"model", model, "fallback", p.cfg.DefaultModel, "error", err)
		return p.llm.Complete(ctx, prompts.TaskCreation, input, p.cfg.DefaultModel)
	}
	return output, err
}

// buildTickets normalizes the model's task objects into board-shaped ticket
// records. A malformed task is skipped, never aborting the batch.
func (p *Pipeline) buildTickets(ctx context.Context, session *models.Session, sessionID string, items []map[string]any) []models.Ticket {
	var project *models.Project
	if session.ProjectID != nil && *session.ProjectID != "" {
		var err error
		project, err = p.store.GetProject(ctx, *session.ProjectID)
		if err != nil {
			p.log.Error("project lookup failed", "session_id", sessionID, "project_id", *session.ProjectID, "error", err)
		}
	}

	now := p.now()
	tickets := make([]models.Ticket, 0, len(items))
	for _, item := range items {
		ticket := models.Ticket{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			RuntimeTag:     session.RuntimeTag,
			Name:           stringOf(item["title"]),
			Priority:       stringOf(item["priority"]),
			PriorityReason: stringOf(item["priority_reason"]),
			TaskStatus:     "Ready",
			CreatedAt:      now,
			UpdatedAt:      now,
			Description:    descriptionPolicy.Sanitize(stringOf(item["description"])),

			TaskIDFromAI:       stringOf(item["task_id"]),
			DependenciesFromAI: stringList(item["dependencies"]),
			DialogueReference:  stringOf(item["dialogue_reference"]),
		}
		if ticket.Priority == "" {
			ticket.Priority = "Medium"
		}
		if ticket.PriorityReason == "" {
			ticket.PriorityReason = "No reason provided"
		}
		if ticket.DependenciesFromAI == nil {
			ticket.DependenciesFromAI = []string{}
		}
		if deadline := stringOf(item["deadline"]); deadline != "" {
			ticket.UploadDate = &deadline
		}
		if project != nil {
			name := project.Name
			ticket.Project = &name
			if id, err := models.RecordIDString(project.ID); err == nil {
				ticket.ProjectID = &id
			}
		}

		tickets = append(tickets, ticket)
		p.log.Info("ticket prepared", "session_id", sessionID, "name", ticket.Name)
	}
	return tickets
}
