// Package queue provides the durable job queue that drives the voicedesk
// postprocessing pipeline. Jobs are persisted rows with a status, a run-at
// timestamp for delayed delivery, an attempt budget with exponential backoff,
// and an optional deduplication key that suppresses duplicate enqueues while
// an earlier job with the same key is still pending or active.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Queue names. The voice queue carries per-message work, postprocessors
// carries session-level fan-out/fan-in work, and events/notifies carry
// outbound socket pushes and typed notifications.
const (
	QueueVoice          = "voicedesk--voice"
	QueuePostprocessors = "voicedesk--postprocessors"
	QueueEvents         = "voicedesk--events"
	QueueNotifies       = "voicedesk--notifies"
)

// Status represents the lifecycle state of a queued job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

const (
	// DefaultMaxAttempts is the attempt budget when the caller does not set
	// one. Most pipeline jobs are enqueued with a single attempt because the
	// pipeline tracks retries in processor state rather than in the queue.
	DefaultMaxAttempts = 1

	// DefaultBackoff is the base delay before the first retry.
	DefaultBackoff = time.Minute

	// BackoffCap bounds the exponential retry delay.
	BackoffCap = 30 * time.Minute
)

// ErrConfig marks a job failure caused by operator configuration rather than
// a transient fault. Jobs failing with ErrConfig are dead-lettered
// immediately instead of retried, and logged at error level.
var ErrConfig = errors.New("configuration error")

// Job is a unit of work delivered to a Handler.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     json.RawMessage
	DedupKey    string
	Attempt     int // 1-based for the attempt currently running
	MaxAttempts int
	Backoff     time.Duration
	RunAt       time.Time
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// Handler processes a single job. Returning nil completes the job, returning
// an error wrapping ErrConfig dead-letters it, and any other error retries it
// until the attempt budget is exhausted.
type Handler func(ctx context.Context, job Job) error

// Enqueuer adds jobs to a queue. Enqueue is a no-op when the options carry a
// dedup key and a job with the same key is still pending or active.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts ...Option) error
}

// Options control how a job is enqueued.
type Options struct {
	Delay       time.Duration
	DedupKey    string
	MaxAttempts int
	Backoff     time.Duration
}

// Option mutates enqueue Options.
type Option func(*Options)

// WithDelay schedules the job to run no earlier than now+d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithDedupKey suppresses the enqueue if a job with the same key is still
// pending or active. Completed and dead jobs release their key.
func WithDedupKey(key string) Option {
	return func(o *Options) { o.DedupKey = key }
}

// WithMaxAttempts sets the attempt budget for the job.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff sets the base retry delay. The delay doubles per failed
// attempt and is capped at BackoffCap.
func WithBackoff(base time.Duration) Option {
	return func(o *Options) { o.Backoff = base }
}

func buildOptions(opts []Option) Options {
	o := Options{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// RetryDelay returns the backoff before retrying a job that has already run
// attempt times: base doubled per prior attempt, capped at BackoffCap.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	// Clamp the exponent so the shift cannot overflow.
	exp := attempt - 1
	if exp > 16 {
		exp = 16
	}
	d := base << exp
	if d > BackoffCap || d <= 0 {
		d = BackoffCap
	}
	return d
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
