package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/voicedesk/voicedesk/internal/llm"
	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/prompts"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// HandleCategorize runs the categorization stage for one claimed message:
// send the message text to the completion service, normalize the returned
// segments, and persist them. Failures are recorded on the message with
// exponential backoff; quota exhaustion is exempt from the hard attempt cap
// and retried indefinitely.
func (p *Pipeline) HandleCategorize(ctx context.Context, job queue.Job) error {
	var payload MessageJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	msg, err := p.store.GetMessage(ctx, p.scope, payload.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || !p.scope.Matches(msg.RuntimeTag) {
		p.log.Warn("skip categorize: message out of scope", "message_id", payload.MessageID, "runtime", p.scope.Tag)
		return nil
	}
	if msg.SessionID != payload.SessionID {
		p.log.Warn("skip categorize: stale job, session mismatch",
			"message_id", payload.MessageID, "job_session", payload.SessionID, "message_session", msg.SessionID)
		return nil
	}

	session, err := p.store.GetSession(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil || session.IsDeleted || !p.scope.Matches(session.RuntimeTag) {
		p.log.Warn("skip categorize: session out of scope", "session_id", payload.SessionID, "runtime", p.scope.Tag)
		return nil
	}

	now := p.now()
	attempts := msg.CategorizationAttempts + 1
	quotaRetry := msg.CategorizationRetryReason == models.RetryReasonInsufficientQuota

	if attempts > p.cfg.MaxAttempts && !quotaRetry {
		p.log.Warn("categorization exhausted retries", "message_id", payload.MessageID, "attempts", attempts)
		if err := p.store.FailMessageCategorizationTerminal(ctx, payload.MessageID, attempts, now); err != nil {
			return err
		}
		p.messageUpdated(ctx, payload.SessionID, payload.MessageID)
		return nil
	}

	text := strings.TrimSpace(payload.AIText)
	if text == "" {
		text = strings.TrimSpace(buildAIText(msg, p.cfg.WebBaseURL))
	}
	if text == "" {
		// Nothing to categorize is a success with an empty result, not an
		// error.
		if err := p.store.CompleteMessageCategorization(ctx, payload.MessageID, []models.Segment{}, now); err != nil {
			return err
		}
		p.messageUpdated(ctx, payload.SessionID, payload.MessageID)
		return nil
	}

	output, err := p.llm.Complete(ctx, prompts.Categorization, text, p.cfg.DefaultModel)
	if err != nil {
		return p.markCategorizationFailure(ctx, payload, attempts, err)
	}

	segments, err := parseSegments(output, msg.Speaker)
	if err != nil {
		p.log.Error("categorization response unparseable", "message_id", payload.MessageID, "error", err, "output", output)
		return p.markCategorizationFailure(ctx, payload, attempts, err)
	}

	if err := p.store.CompleteMessageCategorization(ctx, payload.MessageID, segments, p.now()); err != nil {
		return err
	}
	p.messageUpdated(ctx, payload.SessionID, payload.MessageID)
	p.setReaction(ctx, msg.ChatID, msg.MessageID, "⚡")

	p.log.Info("message categorized", "message_id", payload.MessageID, "segments", len(segments))
	return nil
}

// markCategorizationFailure records a failed attempt with its backoff gate
// and retry classification. The job itself completes: retries are driven by
// the dispatcher re-reading the message state, not by queue redelivery.
func (p *Pipeline) markCategorizationFailure(ctx context.Context, payload MessageJob, attempts int, cause error) error {
	now := p.now()
	quota := llm.IsQuotaError(cause)

	f := models.CategorizationFailure{
		Attempts:      attempts,
		Code:          models.ErrCodeCategorizationFailed,
		Message:       cause.Error(),
		NextAttemptAt: now.Add(queue.RetryDelay(p.cfg.RetryBase, attempts)),
	}
	if quota {
		f.Code = models.RetryReasonInsufficientQuota
		f.RetryReason = models.RetryReasonInsufficientQuota
	}

	p.log.Warn("categorization attempt failed",
		"message_id", payload.MessageID, "attempts", attempts, "quota", quota,
		"next_attempt_at", f.NextAttemptAt, "error", cause)

	if err := p.store.MarkCategorizationFailed(ctx, payload.MessageID, f, now); err != nil {
		return err
	}
	p.messageUpdated(ctx, payload.SessionID, payload.MessageID)
	return nil
}

// parseSegments decodes the model's segment array and normalizes every
// optional field to a safe default. speakerOverride wins over whatever the
// model inferred.
func parseSegments(raw, speakerOverride string) ([]models.Segment, error) {
	items, err := parseItems(raw)
	if err != nil {
		return nil, err
	}

	segments := make([]models.Segment, 0, len(items))
	for _, item := range items {
		seg := models.Segment{
			Start:              stringOf(item["start"]),
			End:                stringOf(item["end"]),
			Speaker:            stringOf(item["speaker"]),
			Text:               stringOf(item["text"]),
			TopicKeywords:      stringOf(item["topic_keywords"]),
			KeywordsGrouped:    stringOf(item["keywords_grouped"]),
			RelatedGoal:        stringOf(item["related_goal"]),
			NewPatternDetected: stringOf(item["new_pattern_detected"]),
			CertaintyLevel:     stringOf(item["certainty_level"]),
			MentionedRoles:     stringOf(item["mentioned_roles"]),
			ReferencedSystems:  stringOf(item["referenced_systems"]),
		}
		if seg.CertaintyLevel == "" {
			seg.CertaintyLevel = "low"
		}
		if seg.Speaker == "" {
			seg.Speaker = "Unknown"
		}
		if speakerOverride != "" {
			seg.Speaker = speakerOverride
		}
		segments = append(segments, seg)
	}
	return segments, nil
}
