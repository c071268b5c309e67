package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// defaultStages run for sessions created before the per-session stage list
// existed.
var defaultStages = []string{models.ProcessorCategorization, models.ProcessorFinalization}

// Sweep is the periodic pass the worker daemon runs: it enqueues a dispatch
// job for every session with unprocessed messages, then promotes sessions
// whose session-level processors have all completed.
func (p *Pipeline) Sweep(ctx context.Context) error {
	sessions, err := p.store.ListSessionsToProcess(ctx, p.scope)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	p.log.Debug("sweeping sessions", "count", len(sessions), "runtime", p.scope.Tag)

	for i := range sessions {
		id, err := models.RecordIDString(sessions[i].ID)
		if err != nil {
			p.log.Warn("skipping session with malformed id", "error", err)
			continue
		}
		err = p.queue.Enqueue(ctx, p.postQueue(), JobProcessSession,
			SessionJob{SessionID: id},
			queue.WithDedupKey(id+"-"+JobProcessSession))
		if err != nil {
			p.log.Error("enqueue dispatch job failed", "session_id", id, "error", err)
		}
	}

	return p.finalizeSessions(ctx)
}

// finalizeSessions promotes done sessions whose session-level processors all
// reached processed.
func (p *Pipeline) finalizeSessions(ctx context.Context) error {
	sessions, err := p.store.ListSessionsToFinalize(ctx, p.scope)
	if err != nil {
		return fmt.Errorf("finalize sweep: %w", err)
	}

	skipped := 0
	pendingByProcessor := map[string]int{}
	for i := range sessions {
		s := &sessions[i]
		id, err := models.RecordIDString(s.ID)
		if err != nil {
			continue
		}

		pending := pendingProcessors(s)
		if len(pending) > 0 {
			skipped++
			for _, name := range pending {
				pendingByProcessor[name]++
			}
			continue
		}

		p.log.Info("finalizing session", "session_id", id)
		if err := p.store.FinalizeSession(ctx, id); err != nil {
			p.log.Error("finalize session failed", "session_id", id, "error", err)
			continue
		}
		p.sessionUpdated(ctx, id)
	}

	if skipped > 0 {
		p.log.Warn("sessions waiting on processors", "count", skipped, "pending", pendingByProcessor)
	}
	return nil
}

func pendingProcessors(s *models.Session) []string {
	var pending []string
	for _, name := range s.SessionProcessors {
		if !s.Processor(name).IsProcessed {
			pending = append(pending, name)
		}
	}
	return pending
}

// HandleProcessSession runs every enabled per-message stage dispatcher for
// one session: reset stale claims, advance categorization one message at a
// time, fan enrichment stages out to the voice queue, and finalize messages
// once every stage finished.
func (p *Pipeline) HandleProcessSession(ctx context.Context, job queue.Job) error {
	var payload SessionJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	session, err := p.store.GetSession(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil || !p.scope.Matches(session.RuntimeTag) {
		p.log.Warn("skip dispatch: session out of scope", "session_id", payload.SessionID, "runtime", p.scope.Tag)
		return nil
	}

	messages, err := p.store.ListSessionMessages(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		p.log.Warn("skip dispatch: session has no messages", "session_id", payload.SessionID)
		return nil
	}
	sortMessages(messages)

	p.resetStaleClaims(ctx, messages)

	stages := session.Processors
	if len(stages) == 0 {
		stages = defaultStages
	}
	for _, stage := range stages {
		switch stage {
		case models.ProcessorCategorization:
			p.dispatchCategorization(ctx, session, messages)
		case models.ProcessorSummarization:
			p.dispatchEnrichment(ctx, session, messages, models.ProcessorSummarization, JobSummarize)
		case models.ProcessorQuestioning:
			p.dispatchEnrichment(ctx, session, messages, models.ProcessorQuestioning, JobQuestions)
		case models.ProcessorFinalization:
			p.finalizeMessages(ctx, session, messages, stages)
		default:
			p.log.Error("unknown per-message stage", "session_id", payload.SessionID, "stage", stage)
		}
	}
	return nil
}

// resetStaleClaims releases categorization claims that are quota-blocked or
// older than the stuck window, so the dispatcher can re-issue them.
func (p *Pipeline) resetStaleClaims(ctx context.Context, messages []models.Message) {
	now := p.now()
	for i := range messages {
		m := &messages[i]
		state := m.Processor(models.ProcessorCategorization)
		if !state.IsProcessing {
			continue
		}
		quotaBlocked := m.CategorizationRetryReason == models.RetryReasonInsufficientQuota
		if !quotaBlocked && !state.StaleClaim(now, p.cfg.DispatchStuckAfter) {
			continue
		}

		id, err := models.RecordIDString(m.ID)
		if err != nil {
			continue
		}
		reason := "stale processing lock"
		if quotaBlocked {
			reason = "quota retry state"
		}
		p.log.Warn("resetting categorization claim", "message_id", id, "reason", reason)
		if err := p.store.ResetMessageProcessor(ctx, id, models.ProcessorCategorization, now); err != nil {
			p.log.Error("reset categorization claim failed", "message_id", id, "error", err)
			continue
		}
		state.IsProcessing = false
		state.IsProcessed = false
		state.IsFinished = false
		m.ProcessorsData[models.ProcessorCategorization] = state
	}
}

// dispatchCategorization advances the session's categorization one message
// at a time: skip trivial texts, dead-letter exhausted retries, respect the
// backoff gate, claim the next ready message and hand it to the voice queue,
// and promote processed messages to finished.
func (p *Pipeline) dispatchCategorization(ctx context.Context, session *models.Session, messages []models.Message) {
	sessionID, err := models.RecordIDString(session.ID)
	if err != nil {
		return
	}
	now := p.now()

	var current *models.Message
	var contextIDs []string
	for i := range messages {
		if !messages[i].Processor(models.ProcessorCategorization).IsProcessed {
			current = &messages[i]
			for j := 0; j < i; j++ {
				if id, err := models.RecordIDString(messages[j].ID); err == nil {
					contextIDs = append(contextIDs, id)
				}
			}
			break
		}
	}

	if current != nil {
		id, err := models.RecordIDString(current.ID)
		if err != nil {
			return
		}
		state := current.Processor(models.ProcessorCategorization)
		quotaRetry := current.CategorizationRetryReason == models.RetryReasonInsufficientQuota
		hasText := current.PlainText() != "" || attachmentLike(current)

		if reason := p.skipReason(current); reason != "" && !state.IsProcessing {
			p.log.Info("skipping trivial message", "message_id", id, "reason", reason)
			if err := p.store.SkipMessageCategorization(ctx, id, reason, now); err != nil {
				p.log.Error("skip write failed", "message_id", id, "error", err)
				return
			}
			p.messageUpdated(ctx, sessionID, id)
			return
		}

		if current.CategorizationAttempts > p.cfg.MaxAttempts && !state.IsProcessing && !quotaRetry {
			p.log.Warn("categorization exhausted retries", "message_id", id, "attempts", current.CategorizationAttempts)
			if err := p.store.FailMessageCategorizationTerminal(ctx, id, current.CategorizationAttempts, now); err != nil {
				p.log.Error("terminal write failed", "message_id", id, "error", err)
				return
			}
			p.messageUpdated(ctx, sessionID, id)
			return
		}

		if current.CategorizationNextAttemptAt != nil && now.Before(*current.CategorizationNextAttemptAt) {
			return
		}
		if current.TranscriptionError != "" {
			return
		}

		if current.IsTranscribed && !hasText {
			if err := p.store.SkipMessageCategorization(ctx, id, "", now); err != nil {
				p.log.Error("empty-text skip failed", "message_id", id, "error", err)
				return
			}
			p.messageUpdated(ctx, sessionID, id)
			return
		}

		if current.IsTranscribed && hasText && !state.IsProcessing {
			if err := p.claimAndEnqueueCategorize(ctx, current, id, sessionID, contextIDs, now); err != nil {
				return
			}
		}
	}

	// Finish sweep: promote processed messages so downstream stages and the
	// create_tasks gate observe them.
	for i := range messages {
		m := &messages[i]
		state := m.Processor(models.ProcessorCategorization)
		if !state.IsProcessed || state.IsFinished {
			continue
		}
		id, err := models.RecordIDString(m.ID)
		if err != nil {
			continue
		}
		if err := p.store.FinishMessageCategorization(ctx, id); err != nil {
			p.log.Error("finish categorization failed", "message_id", id, "error", err)
			continue
		}
		p.messageUpdated(ctx, sessionID, id)
	}
}

// claimAndEnqueueCategorize takes the claim and hands the message to the
// voice queue, rolling the claim back when the enqueue fails. The claim and
// the enqueue are not transactional; the rollback is what keeps a failed
// enqueue from wedging the message.
func (p *Pipeline) claimAndEnqueueCategorize(ctx context.Context, m *models.Message, id, sessionID string, contextIDs []string, now time.Time) error {
	if err := p.store.ClaimMessageCategorization(ctx, id, now); err != nil {
		p.log.Error("claim categorization failed", "message_id", id, "error", err)
		return err
	}

	payload := MessageJob{
		MessageID:      id,
		SessionID:      sessionID,
		ChatID:         m.ChatID,
		MessageContext: contextIDs,
		AIText:         buildAIText(m, p.cfg.WebBaseURL),
	}
	err := p.queue.Enqueue(ctx, p.voiceQueue(), JobCategorize, payload)
	if err == nil {
		return nil
	}

	p.log.Error("enqueue categorize failed, rolling back claim", "message_id", id, "error", err)
	if rbErr := p.store.RollbackMessageClaim(ctx, id, err.Error(), now.Add(p.cfg.RetryBase)); rbErr != nil {
		p.log.Error("claim rollback failed", "message_id", id, "error", rbErr)
	}
	p.messageUpdated(ctx, sessionID, id)
	return err
}

var shortTextSignalRe = regexp.MustCompile(`[0-9]|https?://|#|@`)

// skipReason classifies messages not worth a completion call: slash commands
// and trivially short plain texts. Attachment-bearing messages always go
// through; their content lives in the attachment, not the text.
func (p *Pipeline) skipReason(m *models.Message) string {
	if !m.IsTranscribed || attachmentLike(m) {
		return ""
	}
	switch m.MessageType {
	case "", models.TypeText, models.TypeWebText:
	default:
		return ""
	}

	text := strings.TrimSpace(m.PlainText())
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "/") {
		return "slash_command"
	}
	if utf8.RuneCountInString(text) <= p.cfg.ShortTextMaxChars &&
		len(strings.Fields(text)) <= p.cfg.ShortTextMaxWords &&
		!shortTextSignalRe.MatchString(text) {
		return "short_text"
	}
	return ""
}

// dispatchEnrichment advances one enrichment stage (summarization or
// questioning) for the session: claim the first unprocessed message whose
// categorization result is present and enqueue its stage job, then promote
// processed messages to finished.
func (p *Pipeline) dispatchEnrichment(ctx context.Context, session *models.Session, messages []models.Message, processor, jobName string) {
	sessionID, err := models.RecordIDString(session.ID)
	if err != nil {
		return
	}
	now := p.now()

	var current *models.Message
	var contextIDs []string
	for i := range messages {
		if !messages[i].Processor(processor).IsProcessed {
			current = &messages[i]
			for j := 0; j < i; j++ {
				if id, err := models.RecordIDString(messages[j].ID); err == nil {
					contextIDs = append(contextIDs, id)
				}
			}
			break
		}
	}

	if current != nil && !current.Processor(processor).IsProcessing && current.Categorization != nil {
		id, err := models.RecordIDString(current.ID)
		if err != nil {
			return
		}
		if err := p.store.ClaimMessageProcessor(ctx, id, processor, now); err != nil {
			p.log.Error("claim failed", "processor", processor, "message_id", id, "error", err)
			return
		}

		payload := MessageJob{
			MessageID:      id,
			SessionID:      sessionID,
			ChatID:         current.ChatID,
			MessageContext: contextIDs,
		}
		err = p.queue.Enqueue(ctx, p.voiceQueue(), jobName, payload,
			queue.WithMaxAttempts(3), queue.WithBackoff(time.Second))
		if err != nil {
			p.log.Error("enqueue failed, rolling back claim", "job", jobName, "message_id", id, "error", err)
			if rbErr := p.store.ReleaseMessageProcessor(ctx, id, processor); rbErr != nil {
				p.log.Error("claim rollback failed", "processor", processor, "message_id", id, "error", rbErr)
			}
			p.messageUpdated(ctx, sessionID, id)
		}
	}

	for i := range messages {
		m := &messages[i]
		state := m.Processor(processor)
		if !state.IsProcessed || state.IsFinished {
			continue
		}
		id, err := models.RecordIDString(m.ID)
		if err != nil {
			continue
		}
		if err := p.store.FinishMessageProcessor(ctx, id, processor); err != nil {
			p.log.Error("finish failed", "processor", processor, "message_id", id, "error", err)
			continue
		}
		p.messageUpdated(ctx, sessionID, id)
	}
}

// finalizeMessages marks messages finalized once every enabled stage
// finished, and marks the session's messages processed when all of them are.
func (p *Pipeline) finalizeMessages(ctx context.Context, session *models.Session, messages []models.Message, stages []string) {
	sessionID, err := models.RecordIDString(session.ID)
	if err != nil {
		return
	}

	allFinished := true
	for i := range messages {
		m := &messages[i]

		finished := true
		for _, stage := range stages {
			if stage == models.ProcessorFinalization {
				continue
			}
			if !m.Processor(stage).IsFinished {
				finished = false
				break
			}
		}
		if !finished {
			allFinished = false
			break
		}
		if m.IsFinalized {
			continue
		}

		id, err := models.RecordIDString(m.ID)
		if err != nil {
			continue
		}
		p.log.Info("finalizing message", "message_id", id)
		if err := p.store.MarkMessageFinalized(ctx, id); err != nil {
			p.log.Error("finalize message failed", "message_id", id, "error", err)
			continue
		}
		p.messageUpdated(ctx, sessionID, id)
		p.setReaction(ctx, m.ChatID, m.MessageID, "💯")
	}

	if !allFinished {
		return
	}
	p.log.Info("all session messages processed", "session_id", sessionID)
	if err := p.store.MarkSessionMessagesProcessed(ctx, sessionID); err != nil {
		p.log.Error("mark messages processed failed", "session_id", sessionID, "error", err)
		return
	}
	p.sessionUpdated(ctx, sessionID)
	p.notify(ctx, session, EventSessionCategorizationDone, nil)
}
