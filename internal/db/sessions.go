package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/runtime"
)

// GetSession retrieves a session by ID within the runtime scope.
// Returns nil if the session does not exist or belongs to another runtime.
func (c *Client) GetSession(ctx context.Context, scope runtime.Scope, id string) (*models.Session, error) {
	clause, vars := scope.Clause("runtime_tag")
	vars["id"] = id

	results, err := surrealdb.Query[[]models.Session](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM type::record("voice_session", $id) WHERE %s
	`, clause), vars)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// ListSessions returns non-deleted sessions in the runtime scope, most
// recently updated first. Used by the diagnostics CLI.
func (c *Client) ListSessions(ctx context.Context, scope runtime.Scope, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	clause, vars := scope.Clause("runtime_tag")

	results, err := surrealdb.Query[[]models.Session](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM voice_session WHERE is_deleted != true AND %s
		ORDER BY updated_at DESC LIMIT %d
	`, clause, limit), vars)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	if results != nil && len(*results) > 0 {
		return (*results)[0].Result, nil
	}
	return []models.Session{}, nil
}

// ListSessionsToProcess returns live sessions whose messages still need
// per-message processing. The sweep iterates these every tick.
func (c *Client) ListSessionsToProcess(ctx context.Context, scope runtime.Scope) ([]models.Session, error) {
	clause, vars := scope.Clause("runtime_tag")

	results, err := surrealdb.Query[[]models.Session](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM voice_session
		WHERE is_deleted != true AND is_messages_processed != true AND %s
	`, clause), vars)
	if err != nil {
		return nil, fmt.Errorf("list sessions to process: %w", err)
	}

	if results != nil && len(*results) > 0 {
		return (*results)[0].Result, nil
	}
	return []models.Session{}, nil
}

// ListSessionsToFinalize returns sessions whose messages are fully processed
// and which the done handler marked for finalization.
func (c *Client) ListSessionsToFinalize(ctx context.Context, scope runtime.Scope) ([]models.Session, error) {
	clause, vars := scope.Clause("runtime_tag")

	results, err := surrealdb.Query[[]models.Session](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM voice_session
		WHERE is_messages_processed = true AND to_finalize = true AND is_finalized != true AND %s
	`, clause), vars)
	if err != nil {
		return nil, fmt.Errorf("list sessions to finalize: %w", err)
	}

	if results != nil && len(*results) > 0 {
		return (*results)[0].Result, nil
	}
	return []models.Session{}, nil
}

// FinalizeSession flips the session into postprocessing once every
// session-level processor prerequisite is met.
func (c *Client) FinalizeSession(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_session", $id) SET
			is_finalized = true,
			is_postprocessing = true,
			updated_at = time::now()
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("finalize session: %w", wrapQueryError(err))
	}
	return nil
}

// MarkSessionDone records that the operator closed the session: it stops
// collecting messages and is queued for postprocessing.
func (c *Client) MarkSessionDone(ctx context.Context, id string, now time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_session", $id) SET
			is_active = false,
			is_postprocessing = true,
			to_finalize = true,
			is_finalized = false,
			done_at = $now,
			done_count += 1,
			postprocessing_job_queued_timestamp = $ts,
			updated_at = time::now()
	`, map[string]any{"id": id, "now": now, "ts": now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("mark session done: %w", wrapQueryError(err))
	}
	return nil
}

// AssignSessionProject links the session to a project. Used by the done
// handler when a session arrives without a project.
func (c *Client) AssignSessionProject(ctx context.Context, id, projectID string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_session", $id) SET
			project_id = $project_id,
			updated_at = time::now()
	`, map[string]any{"id": id, "project_id": projectID})
	if err != nil {
		return fmt.Errorf("assign session project: %w", wrapQueryError(err))
	}
	return nil
}

// FindProjectByName returns the first project with the given name, nil when
// none exists.
func (c *Client) FindProjectByName(ctx context.Context, name string) (*models.Project, error) {
	results, err := surrealdb.Query[[]models.Project](ctx, c.db, `
		SELECT id, name FROM project WHERE name = $name LIMIT 1
	`, map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("find project by name: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// ClaimSessionProcessor marks the named processor as processing and records
// the claim time. The claim is advisory: readers decide staleness from the
// queued timestamp.
func (c *Client) ClaimSessionProcessor(ctx context.Context, id, processor string, now time.Time) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_session", $id) SET
			%[1]s.is_processing = true,
			%[1]s.job_queued_timestamp = $ts,
			updated_at = time::now()
	`, path), map[string]any{"id": id, "ts": now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("claim session processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// ReleaseSessionProcessor drops the processing claim without recording a
// result, returning the processor to idle.
func (c *Client) ReleaseSessionProcessor(ctx context.Context, id, processor string) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_session", $id) SET
			%s.is_processing = false,
			updated_at = time::now()
	`, path), map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("release session processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// CompleteSessionProcessor records the processor's result and marks it
// processed, clearing the claim and any previous error.
func (c *Client) CompleteSessionProcessor(ctx context.Context, id, processor string, data any, now time.Time) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_session", $id) SET
			%[1]s.is_processing = false,
			%[1]s.is_processed = true,
			%[1]s.job_finished_timestamp = $ts,
			%[1]s.data = $data,
			%[1]s.error = NONE,
			updated_at = time::now()
	`, path), map[string]any{"id": id, "ts": now.UnixMilli(), "data": data})
	if err != nil {
		return fmt.Errorf("complete session processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// FailSessionProcessor drops the claim and records the failure message on the
// processor state. The processor stays unprocessed so the next trigger can
// retry it.
func (c *Client) FailSessionProcessor(ctx context.Context, id, processor, errMsg string) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_session", $id) SET
			%[1]s.is_processing = false,
			%[1]s.error = $error,
			updated_at = time::now()
	`, path), map[string]any{"id": id, "error": errMsg})
	if err != nil {
		return fmt.Errorf("fail session processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// MarkSessionMessagesProcessed flags that every message in the session has
// been finalized. Session finalization is reset so the finalize sweep can
// promote the session once it is marked done.
func (c *Client) MarkSessionMessagesProcessed(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_session", $id) SET
			is_messages_processed = true,
			is_finalized = false,
			updated_at = time::now()
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("mark session messages processed: %w", wrapQueryError(err))
	}
	return nil
}

// GetProject retrieves the minimal project view referenced by a session.
// Returns nil if not found.
func (c *Client) GetProject(ctx context.Context, id string) (*models.Project, error) {
	results, err := surrealdb.Query[[]models.Project](ctx, c.db, `
		SELECT id, name FROM type::record("project", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// CreateTickets inserts the synthesized tickets in one statement.
func (c *Client) CreateTickets(ctx context.Context, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		INSERT INTO ticket $tickets
	`, map[string]any{"tickets": tickets})
	if err != nil {
		return fmt.Errorf("create tickets: %w", wrapQueryError(err))
	}
	return nil
}
