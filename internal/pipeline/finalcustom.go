package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/prompts"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// HandleFinalCustomPrompt is the fan-in convergence stage: it merges every
// custom processor's result items into one deduplicated list and announces
// the end of postprocessing on the session's chat.
func (p *Pipeline) HandleFinalCustomPrompt(ctx context.Context, job queue.Job) error {
	var payload SessionJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	session, err := p.store.GetSession(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil || session.IsDeleted || !p.scope.Matches(session.RuntimeTag) {
		p.log.Warn("skip final prompt: session out of scope", "session_id", payload.SessionID, "runtime", p.scope.Tag)
		return nil
	}

	var all []any
	for _, name := range p.customProcessorsFor(session) {
		if list, ok := session.Processor(name).Data.([]any); ok {
			all = append(all, list...)
		}
	}

	items := []map[string]any{}
	if len(all) > 0 {
		input, err := json.Marshal(all)
		if err != nil {
			return fmt.Errorf("marshal custom results: %w", err)
		}

		output, err := p.llm.Complete(ctx, prompts.ResultMerge, string(input), p.cfg.DefaultModel)
		if err != nil {
			if failErr := p.store.FailSessionProcessor(ctx, payload.SessionID, models.ProcessorFinalCustomPrompt, err.Error()); failErr != nil {
				p.log.Error("record final prompt failure failed", "session_id", payload.SessionID, "error", failErr)
			}
			p.sessionUpdated(ctx, payload.SessionID)
			return fmt.Errorf("final prompt completion: %w", err)
		}

		items, err = parseItems(output)
		if err != nil {
			p.log.Error("final prompt response unparseable, storing empty result",
				"session_id", payload.SessionID, "error", err, "output", output)
			items = []map[string]any{}
		}
		defaultFields(items, map[string]string{"result": ""})
	}

	if err := p.store.CompleteSessionProcessor(ctx, payload.SessionID, models.ProcessorFinalCustomPrompt, items, p.now()); err != nil {
		return err
	}
	p.sessionUpdated(ctx, payload.SessionID)

	p.sendMessage(ctx, session.ChatID,
		fmt.Sprintf("Postprocessing of session %s is complete.", payload.SessionID))
	p.sessionUpdated(ctx, payload.SessionID)

	p.log.Info("session postprocessing converged", "session_id", payload.SessionID, "items", len(items))
	return nil
}
