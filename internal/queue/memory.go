package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process queue with the same semantics as the durable
// queue: delayed delivery, dedup suppression while a job is live, and
// attempt budgets with exponential backoff. It backs tests and is not
// durable across restarts.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int
	jobs     []*memoryJob
	handlers map[string]Handler
}

type memoryJob struct {
	Job
	Status  Status
	LastErr string
}

// NewMemory creates an empty in-memory queue using the wall clock.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// SetNow replaces the clock, letting tests control delayed delivery.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Enqueue implements Enqueuer.
func (m *Memory) Enqueue(ctx context.Context, queue, name string, payload any, opts ...Option) error {
	o := buildOptions(opts)
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if o.DedupKey != "" {
		for _, j := range m.jobs {
			if j.DedupKey == o.DedupKey && (j.Status == StatusPending || j.Status == StatusActive) {
				return nil
			}
		}
	}

	m.seq++
	m.jobs = append(m.jobs, &memoryJob{
		Job: Job{
			ID:          "mem:" + strconv.Itoa(m.seq),
			Queue:       queue,
			Name:        name,
			Payload:     raw,
			DedupKey:    o.DedupKey,
			MaxAttempts: o.MaxAttempts,
			Backoff:     o.Backoff,
			RunAt:       m.now().Add(o.Delay),
		},
		Status: StatusPending,
	})
	return nil
}

// Handle registers the handler run for jobs with the given name on the given
// queue when Drain delivers them.
func (m *Memory) Handle(queue, name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue+"/"+name] = h
}

// Drain runs due pending jobs through their registered handlers until no due
// job remains, applying the same retry and dead-letter rules as the worker.
// Jobs without a registered handler are left pending.
func (m *Memory) Drain(ctx context.Context) error {
	for {
		job, handler := m.claimNext()
		if job == nil {
			return nil
		}
		err := safeHandle(ctx, handler, job.Job)
		m.settle(job, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (m *Memory) claimNext() (*memoryJob, Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, j := range m.jobs {
		if j.Status != StatusPending || j.RunAt.After(now) {
			continue
		}
		h, ok := m.handlers[j.Queue+"/"+j.Name]
		if !ok {
			continue
		}
		j.Status = StatusActive
		j.Attempt++
		return j, h
	}
	return nil, nil
}

func (m *Memory) settle(job *memoryJob, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		job.Status = StatusCompleted
	case errors.Is(err, ErrConfig) || job.Attempt >= job.MaxAttempts:
		job.Status = StatusDead
		job.LastErr = err.Error()
	default:
		job.Status = StatusPending
		job.LastErr = err.Error()
		job.RunAt = m.now().Add(RetryDelay(job.Backoff, job.Attempt))
	}
}

// Jobs returns copies of all jobs on the queue with the given name, in
// enqueue order. Empty name matches every job on the queue.
func (m *Memory) Jobs(queue, name string) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.Queue == queue && (name == "" || j.Name == name) {
			out = append(out, j.Job)
		}
	}
	return out
}

// Pending returns copies of pending jobs on the queue, due or not.
func (m *Memory) Pending(queue string) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.Queue == queue && j.Status == StatusPending {
			out = append(out, j.Job)
		}
	}
	return out
}

// StatusOf returns the status of the job with the given ID.
func (m *Memory) StatusOf(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j.Status, nil
		}
	}
	return "", fmt.Errorf("job %s not found", id)
}

// Len returns the total number of jobs ever enqueued, any status.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
