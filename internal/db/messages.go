package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/runtime"
)

// GetMessage retrieves a message by ID within the runtime scope.
// Returns nil if the message does not exist or belongs to another runtime.
func (c *Client) GetMessage(ctx context.Context, scope runtime.Scope, id string) (*models.Message, error) {
	clause, vars := scope.Clause("runtime_tag")
	vars["id"] = id

	results, err := surrealdb.Query[[]models.Message](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM type::record("voice_message", $id) WHERE %s
	`, clause), vars)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// ListSessionMessages returns every message of a session within the runtime
// scope, ordered by source timestamp. Handlers re-sort with the source-aware
// comparator where ordering matters.
func (c *Client) ListSessionMessages(ctx context.Context, scope runtime.Scope, sessionID string) ([]models.Message, error) {
	clause, vars := scope.Clause("runtime_tag")
	vars["session_id"] = sessionID

	results, err := surrealdb.Query[[]models.Message](ctx, c.db, fmt.Sprintf(`
		SELECT * FROM voice_message WHERE session_id = $session_id AND %s
		ORDER BY message_timestamp ASC
	`, clause), vars)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}

	if results != nil && len(*results) > 0 {
		return (*results)[0].Result, nil
	}
	return []models.Message{}, nil
}

// ClaimMessageCategorization takes the advisory processing claim for
// categorization. Attempt counting happens in the categorize handler, not
// here: a claim whose job never runs must not burn an attempt.
func (c *Client) ClaimMessageCategorization(ctx context.Context, id string, now time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			processors_data.categorization.is_processing = true,
			processors_data.categorization.is_processed = false,
			processors_data.categorization.job_queued_timestamp = $ts
	`, map[string]any{"id": id, "ts": now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("claim message categorization: %w", wrapQueryError(err))
	}
	return nil
}

// RollbackMessageClaim undoes a claim whose job could not be enqueued: the
// claim is released and the failure recorded with the given next attempt
// time, so the dispatcher retries after the gate passes.
func (c *Client) RollbackMessageClaim(ctx context.Context, id, errMsg string, nextAttempt time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			processors_data.categorization.is_processing = false,
			processors_data.categorization.is_processed = false,
			categorization_error = $error,
			categorization_error_message = $message,
			categorization_error_timestamp = $now,
			categorization_next_attempt_at = $next,
			categorization_retry_reason = NONE
	`, map[string]any{
		"id":      id,
		"error":   models.ErrCodeEnqueueFailed,
		"message": errMsg,
		"now":     time.Now(),
		"next":    nextAttempt,
	})
	if err != nil {
		return fmt.Errorf("rollback message claim: %w", wrapQueryError(err))
	}
	return nil
}

// ResetMessageClaim drops a stale processing claim without touching the
// retry bookkeeping.
func (c *Client) ResetMessageClaim(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			processors_data.categorization.is_processing = false
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("reset message claim: %w", wrapQueryError(err))
	}
	return nil
}

// CompleteMessageCategorization stores the categorized segments, marks the
// processor processed, and clears the retry bookkeeping in both
// representations.
func (c *Client) CompleteMessageCategorization(ctx context.Context, id string, segments []models.Segment, now time.Time) error {
	if segments == nil {
		segments = []models.Segment{}
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			categorization = $segments,
			categorization_timestamp = $ts,
			processors_data.categorization.is_processing = false,
			processors_data.categorization.is_processed = true,
			processors_data.categorization.job_finished_timestamp = $ts,
			categorization_attempts = NONE,
			categorization_error = NONE,
			categorization_error_message = NONE,
			categorization_error_timestamp = NONE,
			categorization_retry_reason = NONE,
			categorization_next_attempt_at = NONE
	`, map[string]any{"id": id, "segments": segments, "ts": now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("complete message categorization: %w", wrapQueryError(err))
	}
	return nil
}

// SkipMessageCategorization finishes a message without an LLM call: empty
// categorization, processed and finished flags, the skip reason, and the
// retry bookkeeping wiped.
func (c *Client) SkipMessageCategorization(ctx context.Context, id, reason string, now time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			categorization = [],
			categorization_timestamp = $ts,
			processors_data.categorization.is_processing = false,
			processors_data.categorization.is_processed = true,
			processors_data.categorization.is_finished = true,
			processors_data.categorization.job_queued_timestamp = $ts,
			processors_data.categorization.skipped_reason = $reason,
			categorization_attempts = NONE,
			categorization_error = NONE,
			categorization_error_message = NONE,
			categorization_error_timestamp = NONE,
			categorization_retry_reason = NONE,
			categorization_next_attempt_at = NONE
	`, map[string]any{"id": id, "ts": now.UnixMilli(), "reason": reason})
	if err != nil {
		return fmt.Errorf("skip message categorization: %w", wrapQueryError(err))
	}
	return nil
}

// MarkCategorizationFailed records a non-terminal failure: attempt count,
// error code and message, the retry reason when the failure is quota-related,
// and the time before which the dispatcher must not retry.
func (c *Client) MarkCategorizationFailed(ctx context.Context, id string, f models.CategorizationFailure, now time.Time) error {
	vars := map[string]any{
		"id":       id,
		"attempts": f.Attempts,
		"error":    f.Code,
		"message":  f.Message,
		"now":      now,
		"next":     f.NextAttemptAt,
	}
	reason := "NONE"
	if f.RetryReason != "" {
		reason = "$reason"
		vars["reason"] = f.RetryReason
	}
	vars["ts"] = now.UnixMilli()
	_, err := surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_message", $id) SET
			processors_data.categorization.is_processing = false,
			processors_data.categorization.is_processed = false,
			categorization_attempts = $attempts,
			categorization_error = $error,
			categorization_error_message = $message,
			categorization_error_timestamp = $now,
			categorization_timestamp = $ts,
			categorization_retry_reason = %s,
			categorization_next_attempt_at = $next
	`, reason), vars)
	if err != nil {
		return fmt.Errorf("mark categorization failed: %w", wrapQueryError(err))
	}
	return nil
}

// FailMessageCategorizationTerminal finishes a message whose attempt budget
// is exhausted. It counts as processed so it no longer blocks the session's
// sequential categorization, and finished so it is never retried.
func (c *Client) FailMessageCategorizationTerminal(ctx context.Context, id string, attempts int, now time.Time) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			processors_data.categorization.is_processing = false,
			processors_data.categorization.is_processed = true,
			processors_data.categorization.is_finished = true,
			processors_data.categorization.job_queued_timestamp = $ts,
			categorization_attempts = $attempts,
			categorization_retry_reason = $code,
			categorization_error = $code,
			categorization_error_message = 'Categorization exceeded maximum retry attempts.',
			categorization_error_timestamp = $now,
			categorization_next_attempt_at = NONE
	`, map[string]any{
		"id":       id,
		"attempts": attempts,
		"code":     models.ErrCodeMaxAttemptsExceeded,
		"ts":       now.UnixMilli(),
		"now":      now,
	})
	if err != nil {
		return fmt.Errorf("fail message categorization: %w", wrapQueryError(err))
	}
	return nil
}

// FinishMessageCategorization promotes a processed message to finished.
func (c *Client) FinishMessageCategorization(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			processors_data.categorization.is_finished = true
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("finish message categorization: %w", wrapQueryError(err))
	}
	return nil
}

// ClearCategorizationRetryState removes the legacy retry bookkeeping fields.
func (c *Client) ClearCategorizationRetryState(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			categorization_error = NONE,
			categorization_error_message = NONE,
			categorization_error_timestamp = NONE,
			categorization_retry_reason = NONE,
			categorization_next_attempt_at = NONE
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("clear categorization retry state: %w", wrapQueryError(err))
	}
	return nil
}

// ClaimMessageProcessor takes the advisory processing lock for a named
// per-message processor (summarization, questioning, ...).
func (c *Client) ClaimMessageProcessor(ctx context.Context, id, processor string, now time.Time) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_message", $id) SET
			%[1]s.is_processing = true,
			%[1]s.is_processed = false,
			%[1]s.job_queued_timestamp = $ts
	`, path), map[string]any{"id": id, "ts": now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("claim message processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// ReleaseMessageProcessor drops the claim without recording a result.
func (c *Client) ReleaseMessageProcessor(ctx context.Context, id, processor string) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_message", $id) SET
			%[1]s.is_processing = false,
			%[1]s.is_processed = false
	`, path), map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("release message processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// CompleteMessageProcessor stores the processor's result and marks it
// processed.
func (c *Client) CompleteMessageProcessor(ctx context.Context, id, processor string, data any, now time.Time) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	if data == nil {
		data = []any{}
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_message", $id) SET
			%[1]s.is_processing = false,
			%[1]s.is_processed = true,
			%[1]s.job_finished_timestamp = $ts,
			%[1]s.data = $data
	`, path), map[string]any{"id": id, "ts": now.UnixMilli(), "data": data})
	if err != nil {
		return fmt.Errorf("complete message processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// FinishMessageProcessor promotes a processed per-message processor to
// finished.
func (c *Client) FinishMessageProcessor(ctx context.Context, id, processor string) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_message", $id) SET
			%s.is_finished = true
	`, path), map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("finish message processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// ResetMessageProcessor clears a stale claim so the processor runs again from
// idle. The refreshed queued timestamp keeps the next staleness check honest.
func (c *Client) ResetMessageProcessor(ctx context.Context, id, processor string, now time.Time) error {
	path, err := processorPath(processor)
	if err != nil {
		return err
	}
	_, err = surrealdb.Query[any](ctx, c.db, fmt.Sprintf(`
		UPDATE type::record("voice_message", $id) SET
			%[1]s.is_processing = false,
			%[1]s.is_processed = false,
			%[1]s.is_finished = false,
			%[1]s.job_queued_timestamp = $ts
	`, path), map[string]any{"id": id, "ts": now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("reset message processor %s: %w", processor, wrapQueryError(err))
	}
	return nil
}

// MarkMessageFinalized flags that every enabled processor finished for this
// message.
func (c *Client) MarkMessageFinalized(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("voice_message", $id) SET
			is_finalized = true
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("mark message finalized: %w", wrapQueryError(err))
	}
	return nil
}
