package pipeline

import (
	"context"
	"fmt"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/queue"
)

// HandleSessionDone reacts to the operator closing a session: it freezes the
// session, kicks off the session-level postprocessing jobs, resolves a
// fallback project when none is linked, and announces the handoff.
func (p *Pipeline) HandleSessionDone(ctx context.Context, job queue.Job) error {
	var payload SessionJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrConfig, err)
	}

	session, err := p.store.GetSession(ctx, p.scope, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil || session.IsDeleted || !p.scope.Matches(session.RuntimeTag) {
		p.log.Warn("skip session done: session out of scope", "session_id", payload.SessionID, "runtime", p.scope.Tag)
		return nil
	}

	now := p.now()
	if err := p.store.MarkSessionDone(ctx, payload.SessionID, now); err != nil {
		return err
	}

	// The downstream jobs are deduplicated per session, so a redelivered done
	// job enqueues nothing new.
	for _, name := range []string{JobAllCustomPrompts, JobCreateTasks} {
		err := p.queue.Enqueue(ctx, p.postQueue(), name,
			SessionJob{SessionID: payload.SessionID},
			queue.WithDedupKey(payload.SessionID+"-"+name),
			queue.WithDelay(p.cfg.PostprocessDelay))
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", name, err)
		}
	}

	p.sessionUpdated(ctx, payload.SessionID)
	p.notify(ctx, session, EventSessionDone, nil)

	projectID := p.resolveProject(ctx, session, payload.SessionID)
	p.notify(ctx, session, EventSessionReadyToSummarize, map[string]any{"project_id": projectID})

	p.sendMessage(ctx, session.ChatID,
		fmt.Sprintf("Session %s closed, postprocessing started.", payload.SessionID))

	p.log.Info("session done", "session_id", payload.SessionID, "done_count", session.DoneCount+1)
	return nil
}

// resolveProject returns the session's project id, assigning the configured
// default project first when the session has none. Resolution failures are
// logged and leave the session unlinked.
func (p *Pipeline) resolveProject(ctx context.Context, session *models.Session, sessionID string) string {
	if session.ProjectID != nil && *session.ProjectID != "" {
		return *session.ProjectID
	}

	project, err := p.store.FindProjectByName(ctx, p.cfg.DefaultProjectName)
	if err != nil {
		p.log.Error("default project lookup failed", "project", p.cfg.DefaultProjectName, "error", err)
		return ""
	}
	if project == nil {
		p.log.Warn("default project not found", "project", p.cfg.DefaultProjectName)
		return ""
	}

	id, err := models.RecordIDString(project.ID)
	if err != nil {
		return ""
	}
	if err := p.store.AssignSessionProject(ctx, sessionID, id); err != nil {
		p.log.Error("assign default project failed", "session_id", sessionID, "error", err)
		return ""
	}
	p.log.Info("assigned default project", "session_id", sessionID, "project_id", id)
	return id
}
