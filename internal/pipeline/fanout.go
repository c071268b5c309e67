package pipeline

import (
	"context"
	"fmt"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// customPromptDedupPrefix keys the per-processor fan-out jobs.
const customPromptDedupPrefix = "-CUSTOM_POST_PROCESSING-"

// finalPromptDedupSuffix keys the single fan-in convergence job per session.
const finalPromptDedupSuffix = "-FINAL_CUSTOM_PROCESSING"

// HandleAllCustomPrompts fans one job per enabled custom processor out to
// the postprocessors queue. Fresh claims are respected; claims older than
// the staleness grace are treated as abandoned and re-issued.
func (p *Pipeline) HandleAllCustomPrompts(ctx context.Context, job queue.Job) error {
	var payload SessionJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	session, err := p.store.GetSession(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil || session.IsDeleted || !p.scope.Matches(session.RuntimeTag) {
		p.log.Warn("skip fan-out: session out of scope", "session_id", payload.SessionID, "runtime", p.scope.Tag)
		return nil
	}

	names := p.customProcessorsFor(session)
	if len(names) == 0 {
		p.log.Info("no custom processors configured", "session_id", payload.SessionID)
		return nil
	}

	now := p.now()
	for _, name := range names {
		state := session.Processor(name)
		if state.IsProcessed {
			continue
		}
		if state.IsProcessing && !state.StaleClaim(now, p.cfg.StaleClaimGrace) {
			continue
		}
		if state.IsProcessing {
			p.log.Warn("re-issuing stale custom processor claim",
				"session_id", payload.SessionID, "processor", name, "claim_age", state.ClaimAge(now))
		}

		if err := p.store.ClaimSessionProcessor(ctx, payload.SessionID, name, now); err != nil {
			p.log.Error("claim custom processor failed", "session_id", payload.SessionID, "processor", name, "error", err)
			continue
		}
		p.sessionUpdated(ctx, payload.SessionID)

		err := p.queue.Enqueue(ctx, p.postQueue(), JobOneCustomPrompt,
			CustomPromptJob{SessionID: payload.SessionID, Processor: name},
			queue.WithDedupKey(payload.SessionID+customPromptDedupPrefix+name),
			queue.WithMaxAttempts(3),
			queue.WithBackoff(p.cfg.RetryBase))
		if err != nil {
			p.log.Error("enqueue custom prompt failed, rolling back claim",
				"session_id", payload.SessionID, "processor", name, "error", err)
			if rbErr := p.store.ReleaseSessionProcessor(ctx, payload.SessionID, name); rbErr != nil {
				p.log.Error("claim rollback failed", "session_id", payload.SessionID, "processor", name, "error", rbErr)
			}
			p.sessionUpdated(ctx, payload.SessionID)
		}
	}
	return nil
}

// customProcessorsFor intersects the registered custom prompts with the
// session's allow-list. An empty allow-list enables every registered prompt.
func (p *Pipeline) customProcessorsFor(session *models.Session) []string {
	registered := p.prompts.CustomNames()
	if len(session.SessionProcessors) == 0 {
		return registered
	}

	allowed := make(map[string]bool, len(session.SessionProcessors))
	for _, name := range session.SessionProcessors {
		allowed[name] = true
	}
	var names []string
	for _, name := range registered {
		if allowed[name] {
			names = append(names, name)
		}
	}
	return names
}
