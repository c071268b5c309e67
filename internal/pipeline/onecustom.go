package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// HandleOneCustomPrompt runs one custom processor over the session's
// accumulated categorizations and, when it was the last processor to finish,
// enqueues the fan-in convergence job. A missing prompt is a deployment bug
// and dead-letters the job loudly.
func (p *Pipeline) HandleOneCustomPrompt(ctx context.Context, job queue.Job) error {
	var payload CustomPromptJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	session, err := p.store.GetSession(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil || session.IsDeleted || !p.scope.Matches(session.RuntimeTag) {
		p.log.Warn("skip custom prompt: session out of scope",
			"session_id", payload.SessionID, "processor", payload.Processor, "runtime", p.scope.Tag)
		return nil
	}

	prompt, ok := p.prompts.Get(payload.Processor)
	if !ok {
		return fmt.Errorf("%w: no prompt registered for custom processor %q", queue.ErrConfig, payload.Processor)
	}

	messages, err := p.store.ListSessionMessages(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		p.log.Warn("skip custom prompt: session has no messages",
			"session_id", payload.SessionID, "processor", payload.Processor)
		return nil
	}
	sortMessages(messages)

	var all [][]models.Segment
	for i := range messages {
		if len(messages[i].Categorization) > 0 {
			all = append(all, messages[i].Categorization)
		}
	}

	items := []map[string]any{}
	if len(all) > 0 {
		input, err := json.Marshal(all)
		if err != nil {
			return fmt.Errorf("marshal categorizations: %w", err)
		}

		model := prompt.Model
		if model == "" {
			model = p.cfg.DefaultModel
		}
		output, err := p.llm.Complete(ctx, prompt.Instructions, string(input), model)
		if err != nil {
			if failErr := p.store.FailSessionProcessor(ctx, payload.SessionID, payload.Processor, err.Error()); failErr != nil {
				p.log.Error("record custom prompt failure failed",
					"session_id", payload.SessionID, "processor", payload.Processor, "error", failErr)
			}
			p.sessionUpdated(ctx, payload.SessionID)
			return fmt.Errorf("custom prompt %s completion: %w", payload.Processor, err)
		}

		items, err = parseItems(output)
		if err != nil {
			p.log.Error("custom prompt response unparseable, storing empty result",
				"session_id", payload.SessionID, "processor", payload.Processor, "error", err, "output", output)
			items = []map[string]any{}
		}
		defaultFields(items, map[string]string{"result": ""})
	}

	if err := p.store.CompleteSessionProcessor(ctx, payload.SessionID, payload.Processor, items, p.now()); err != nil {
		return err
	}
	p.sessionUpdated(ctx, payload.SessionID)
	p.log.Info("custom processor complete",
		"session_id", payload.SessionID, "processor", payload.Processor, "items", len(items))

	return p.maybeEnqueueFinal(ctx, payload.SessionID)
}

// maybeEnqueueFinal re-reads the session and triggers the fan-in job when
// every custom processor has been processed. Two processors finishing at the
// same instant may both observe completion and both enqueue; the dedup key
// collapses them to one job.
func (p *Pipeline) maybeEnqueueFinal(ctx context.Context, sessionID string) error {
	session, err := p.store.GetSession(ctx, p.scope, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	if session.Processor(models.ProcessorFinalCustomPrompt).IsProcessed {
		return nil
	}

	names := p.customProcessorsFor(session)
	for _, name := range names {
		if !session.Processor(name).IsProcessed {
			return nil
		}
	}

	p.log.Info("all custom processors done, converging", "session_id", sessionID)
	return p.queue.Enqueue(ctx, p.postQueue(), JobFinalCustomPrompt,
		SessionJob{SessionID: sessionID},
		queue.WithDedupKey(sessionID+finalPromptDedupSuffix),
		queue.WithDelay(p.cfg.FinalDelay))
}
