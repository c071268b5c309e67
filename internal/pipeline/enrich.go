package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/prompts"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// HandleSummarize condenses a message's categorized segments into goal and
// summary items.
func (p *Pipeline) HandleSummarize(ctx context.Context, job queue.Job) error {
	return p.handleEnrichment(ctx, job, models.ProcessorSummarization, prompts.Summarization,
		map[string]string{"goal": "", "summary": ""})
}

// HandleQuestions extracts open questions from a message's categorized
// segments.
func (p *Pipeline) HandleQuestions(ctx context.Context, job queue.Job) error {
	return p.handleEnrichment(ctx, job, models.ProcessorQuestioning, prompts.Questioning,
		map[string]string{"topic": "", "question": "", "priority": "", "level": ""})
}

// handleEnrichment is the uniform shape of the lower-stakes per-message
// stages: require a categorization result, send it with the stage
// instruction, default missing item fields, persist. A malformed response is
// swallowed into an empty result instead of retried.
func (p *Pipeline) handleEnrichment(ctx context.Context, job queue.Job, processor, instructions string, fieldDefaults map[string]string) error {
	var payload MessageJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	msg, err := p.store.GetMessage(ctx, p.scope, payload.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || !p.scope.Matches(msg.RuntimeTag) {
		p.log.Warn("skip enrichment: message out of scope",
			"processor", processor, "message_id", payload.MessageID, "runtime", p.scope.Tag)
		return nil
	}

	items := []map[string]any{}
	if len(msg.Categorization) > 0 {
		input, err := json.Marshal(msg.Categorization)
		if err != nil {
			return fmt.Errorf("marshal categorization: %w", err)
		}

		output, err := p.llm.Complete(ctx, instructions, string(input), p.cfg.DefaultModel)
		if err != nil {
			// Returning the error lets the queue's attempt budget retry the
			// stage; the claim stays held until then.
			return fmt.Errorf("%s completion: %w", processor, err)
		}

		items, err = parseItems(output)
		if err != nil {
			p.log.Error("enrichment response unparseable, storing empty result",
				"processor", processor, "message_id", payload.MessageID, "error", err, "output", output)
			items = []map[string]any{}
		}
		defaultFields(items, fieldDefaults)
	} else {
		p.log.Info("no categorization to enrich, storing empty result",
			"processor", processor, "message_id", payload.MessageID)
	}

	if err := p.store.CompleteMessageProcessor(ctx, payload.MessageID, processor, items, p.now()); err != nil {
		return err
	}
	p.messageUpdated(ctx, payload.SessionID, payload.MessageID)
	return nil
}
