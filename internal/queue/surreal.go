package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/voicedesk/voicedesk/internal/db"
	"github.com/voicedesk/voicedesk/internal/models"
)

const jobTable = "voice_job"

// Surreal is the durable queue backend. Jobs live in the voice_job table and
// survive worker restarts; claiming marks rows active so concurrent workers
// never run the same job twice.
type Surreal struct {
	client *db.Client
	log    *slog.Logger
	now    func() time.Time
}

// NewSurreal creates a durable queue on top of the given database client.
func NewSurreal(client *db.Client, log *slog.Logger) *Surreal {
	if log == nil {
		log = slog.Default()
	}
	return &Surreal{client: client, log: log, now: time.Now}
}

// jobRow is the persisted shape of a queued job. Payload is stored as a JSON
// string so the queue never depends on the payload's field types.
type jobRow struct {
	ID          *surrealmodels.RecordID `json:"id,omitempty"`
	Queue       string                  `json:"queue"`
	Name        string                  `json:"name"`
	Payload     string                  `json:"payload"`
	DedupKey    string                  `json:"dedup_key,omitempty"`
	Status      Status                  `json:"status"`
	Attempts    int                     `json:"attempts"`
	MaxAttempts int                     `json:"max_attempts"`
	BackoffMS   int64                   `json:"backoff_ms"`
	RunAt       time.Time               `json:"run_at"`
	LeasedAt    *time.Time              `json:"leased_at,omitempty"`
	FinishedAt  *time.Time              `json:"finished_at,omitempty"`
	LastError   string                  `json:"last_error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

func (r jobRow) toJob() Job {
	j := Job{
		Queue:       r.Queue,
		Name:        r.Name,
		Payload:     json.RawMessage(r.Payload),
		DedupKey:    r.DedupKey,
		Attempt:     r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Backoff:     time.Duration(r.BackoffMS) * time.Millisecond,
		RunAt:       r.RunAt,
	}
	if r.ID != nil {
		j.ID = models.MustRecordIDString(*r.ID)
	}
	return j
}

// Enqueue implements Enqueuer. With a dedup key the create runs inside a
// transaction that checks for a live job holding the same key, so two racing
// enqueues produce exactly one job.
func (s *Surreal) Enqueue(ctx context.Context, queue, name string, payload any, opts ...Option) error {
	o := buildOptions(opts)
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	now := s.now()
	vars := map[string]any{
		"queue":        queue,
		"name":         name,
		"payload":      string(raw),
		"max_attempts": o.MaxAttempts,
		"backoff_ms":   o.Backoff.Milliseconds(),
		"run_at":       now.Add(o.Delay),
		"created_at":   now,
	}

	content := `{
		queue: $queue,
		name: $name,
		payload: $payload,
		status: 'pending',
		attempts: 0,
		max_attempts: $max_attempts,
		backoff_ms: $backoff_ms,
		run_at: $run_at,
		created_at: $created_at
	}`

	var sql string
	if o.DedupKey == "" {
		sql = fmt.Sprintf("CREATE %s CONTENT %s", jobTable, content)
	} else {
		vars["dedup_key"] = o.DedupKey
		content = `{
			queue: $queue,
			name: $name,
			payload: $payload,
			dedup_key: $dedup_key,
			status: 'pending',
			attempts: 0,
			max_attempts: $max_attempts,
			backoff_ms: $backoff_ms,
			run_at: $run_at,
			created_at: $created_at
		}`
		sql = fmt.Sprintf(`
			BEGIN;
			LET $live = (SELECT VALUE id FROM %s WHERE dedup_key = $dedup_key AND status IN ['pending', 'active']);
			IF array::len($live) = 0 {
				CREATE %s CONTENT %s;
			};
			COMMIT;
		`, jobTable, jobTable, content)
	}

	if _, err := surrealdb.Query[any](ctx, s.client.DB(), sql, vars); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", queue, name, err)
	}
	return nil
}

// Claim leases up to limit due pending jobs on the queue, marking them active
// and bumping their attempt counter.
func (s *Surreal) Claim(ctx context.Context, queue string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	sql := fmt.Sprintf(`
		BEGIN;
		LET $due = (SELECT VALUE id FROM %s WHERE queue = $queue AND status = 'pending' AND run_at <= $now ORDER BY run_at ASC LIMIT %d);
		UPDATE $due SET status = 'active', attempts += 1, leased_at = $now RETURN AFTER;
		COMMIT;
	`, jobTable, limit)

	results, err := surrealdb.Query[[]jobRow](ctx, s.client.DB(), sql, map[string]any{
		"queue": queue,
		"now":   s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queue, err)
	}

	rows := lastResult(results)
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// Complete marks the job succeeded and releases its dedup key.
func (s *Surreal) Complete(ctx context.Context, job Job) error {
	_, err := surrealdb.Query[any](ctx, s.client.DB(), fmt.Sprintf(`
		UPDATE type::record("%s", $id) SET
			status = 'completed',
			finished_at = $now,
			dedup_key = NONE
	`, jobTable), map[string]any{"id": job.ID, "now": s.now()})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

// Fail settles a failed job: configuration errors and exhausted attempt
// budgets dead-letter it, anything else reschedules it with backoff.
func (s *Surreal) Fail(ctx context.Context, job Job, handlerErr error) error {
	if errors.Is(handlerErr, ErrConfig) || job.Attempt >= job.MaxAttempts {
		s.log.Error("job dead-lettered",
			"queue", job.Queue, "job", job.Name, "job_id", job.ID,
			"attempt", job.Attempt, "error", handlerErr)
		_, err := surrealdb.Query[any](ctx, s.client.DB(), fmt.Sprintf(`
			UPDATE type::record("%s", $id) SET
				status = 'dead',
				finished_at = $now,
				last_error = $error,
				dedup_key = NONE
		`, jobTable), map[string]any{
			"id":    job.ID,
			"now":   s.now(),
			"error": handlerErr.Error(),
		})
		if err != nil {
			return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
		}
		return nil
	}

	delay := RetryDelay(job.Backoff, job.Attempt)
	s.log.Warn("job retry scheduled",
		"queue", job.Queue, "job", job.Name, "job_id", job.ID,
		"attempt", job.Attempt, "delay", delay, "error", handlerErr)
	_, err := surrealdb.Query[any](ctx, s.client.DB(), fmt.Sprintf(`
		UPDATE type::record("%s", $id) SET
			status = 'pending',
			run_at = $run_at,
			last_error = $error
	`, jobTable), map[string]any{
		"id":     job.ID,
		"run_at": s.now().Add(delay),
		"error":  handlerErr.Error(),
	})
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	return nil
}

// QueueStats summarizes one queue for operational tooling.
type QueueStats struct {
	Queue  string `json:"queue"`
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

// Stats returns job counts grouped by queue and status.
func (s *Surreal) Stats(ctx context.Context) ([]QueueStats, error) {
	results, err := surrealdb.Query[[]QueueStats](ctx, s.client.DB(), fmt.Sprintf(`
		SELECT queue, status, count() AS count FROM %s GROUP BY queue, status
	`, jobTable), nil)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return lastResult(results), nil
}

// ListDead returns the most recently dead-lettered jobs, newest first.
func (s *Surreal) ListDead(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.client.DB(), fmt.Sprintf(`
		SELECT * FROM %s WHERE status = 'dead' ORDER BY finished_at DESC LIMIT %d
	`, jobTable, limit), nil)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	rows := lastResult(results)
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// PurgeFinished removes completed and dead jobs that finished before the
// cutoff, returning the number deleted.
func (s *Surreal) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, s.client.DB(), fmt.Sprintf(`
		DELETE %s WHERE status IN ['completed', 'dead'] AND finished_at < $before RETURN BEFORE
	`, jobTable), map[string]any{"before": before})
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return len(lastResult(results)), nil
}

// lastResult unwraps the final statement's result from a multi-statement
// query, which is the row set the callers care about.
func lastResult[T any](results *[]surrealdb.QueryResult[[]T]) []T {
	if results == nil {
		return nil
	}
	for i := len(*results) - 1; i >= 0; i-- {
		if len((*results)[i].Result) > 0 {
			return (*results)[i].Result
		}
	}
	return nil
}
