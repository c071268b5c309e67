package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Worker polls the durable queue and dispatches claimed jobs to registered
// handlers. Each registered queue is polled independently; handlers for one
// queue run concurrently up to the configured concurrency.
type Worker struct {
	source      *Surreal
	log         *slog.Logger
	concurrency int
	interval    time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	queues   []string

	observe func(op string, d time.Duration, err error)
}

// NewWorker creates a worker polling the given durable queue.
func NewWorker(source *Surreal, concurrency int, interval time.Duration, log *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		source:      source,
		log:         log,
		concurrency: concurrency,
		interval:    interval,
		handlers:    make(map[string]Handler),
	}
}

// SetObserver installs a timing callback invoked after every dispatched job.
func (w *Worker) SetObserver(fn func(op string, d time.Duration, err error)) {
	w.observe = fn
}

// Handle registers the handler for jobs with the given name on the given
// queue. Claimed jobs without a registered handler are dead-lettered.
func (w *Worker) Handle(queue, name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[queue+"/"+name] = h
	for _, q := range w.queues {
		if q == queue {
			return
		}
	}
	w.queues = append(w.queues, queue)
}

// Run polls until the context is cancelled. It returns the context error.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "queues", len(w.queues), "concurrency", w.concurrency, "poll_interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	w.mu.Lock()
	queues := make([]string, len(w.queues))
	copy(queues, w.queues)
	w.mu.Unlock()

	var wg sync.WaitGroup
	sem := make(chan struct{}, w.concurrency)

	for _, queue := range queues {
		jobs, err := w.source.Claim(ctx, queue, w.concurrency)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("claim failed", "queue", queue, "error", err)
			}
			continue
		}
		for _, job := range jobs {
			wg.Add(1)
			sem <- struct{}{}
			go func(job Job) {
				defer wg.Done()
				defer func() { <-sem }()
				w.dispatch(ctx, job)
			}(job)
		}
	}
	wg.Wait()
}

func (w *Worker) dispatch(ctx context.Context, job Job) {
	w.mu.Lock()
	h, ok := w.handlers[job.Queue+"/"+job.Name]
	w.mu.Unlock()

	if !ok {
		w.settleFailure(ctx, job, fmt.Errorf("%w: no handler registered for %s/%s", ErrConfig, job.Queue, job.Name))
		return
	}

	start := time.Now()
	err := safeHandle(ctx, h, job)
	if w.observe != nil {
		w.observe("queue_job", time.Since(start), err)
	}
	if err != nil {
		w.settleFailure(ctx, job, err)
		return
	}

	w.log.Debug("job completed", "queue", job.Queue, "job", job.Name, "job_id", job.ID, "duration", time.Since(start))
	if err := w.source.Complete(ctx, job); err != nil {
		w.log.Warn("failed to mark job completed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) settleFailure(ctx context.Context, job Job, handlerErr error) {
	if err := w.source.Fail(ctx, job, handlerErr); err != nil {
		w.log.Warn("failed to settle job failure", "job_id", job.ID, "error", err)
	}
}

// safeHandle runs the handler, converting a panic into an error so one bad
// job cannot take down the worker.
func safeHandle(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
