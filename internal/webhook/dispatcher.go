package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DispatcherConfig tunes a [Dispatcher].
type DispatcherConfig struct {
	// Workers is the number of concurrent delivery goroutines. Default: 4.
	Workers int
	// RequestTimeout bounds a single delivery attempt. Default: 10s.
	RequestTimeout time.Duration
	// MaxAttempts is the number of delivery attempts before a job lands in
	// the DLQ. Default: 5.
	MaxAttempts int
	// Client is the HTTP client used for delivery. Defaults to a client with
	// RequestTimeout as its timeout.
	Client *http.Client
}

// Dispatcher pulls jobs from a [Queue], attempts delivery, and reschedules
// failures with exponential backoff until MaxAttempts is exhausted, at which
// point the job lands in the [DLQ].
//
// Workers coordinate only via the queue's own locking — no shared mutable
// job state.
type Dispatcher struct {
	queue       *Queue
	dlq         *DLQ
	client      *http.Client
	workers     int
	maxAttempts int

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher delivering jobs from queue, filing
// exhausted ones into dlq.
func NewDispatcher(queue *Queue, dlq *DLQ, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Dispatcher{
		queue:       queue,
		dlq:         dlq,
		client:      client,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Run starts the worker pool and blocks until ctx is canceled or the queue is
// closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		job, ok := d.queue.Pop(ctx.Done())
		if !ok {
			return
		}
		d.attempt(ctx, job)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, job Job) {
	job.Attempts++

	err := d.deliver(ctx, job)
	if err == nil {
		slog.Info("webhook delivered", "job_id", job.ID, "call_id", job.CallID, "kind", job.Kind, "attempts", job.Attempts)
		return
	}

	job.LastError = err.Error()
	slog.Warn("webhook delivery failed", "job_id", job.ID, "attempt", job.Attempts, "err", err)

	if job.Attempts >= d.maxAttempts {
		slog.Error("webhook delivery exhausted, landing in dlq", "job_id", job.ID, "attempts", job.Attempts)
		d.dlq.Land(job)
		return
	}

	job.NextAttemptAt = time.Now().Add(nextBackoff(job.Attempts))
	d.queue.Push(job)
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}
