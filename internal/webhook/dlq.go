package webhook

import (
	"fmt"
	"sync"
	"time"
)

// ErrJobNotFound is returned by DLQ operations addressing an unknown job id.
var ErrJobNotFound = fmt.Errorf("webhook: job not found in dlq")

// DLQ holds jobs that exhausted their retry budget. Operator-accessible via
// List, RetryOne, and Purge, per the mirror's delivery contract.
type DLQ struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewDLQ creates an empty DLQ.
func NewDLQ() *DLQ {
	return &DLQ{jobs: make(map[string]Job)}
}

// Land files job into the DLQ after its final failed attempt.
func (d *DLQ) Land(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[job.ID] = job.clone()
}

// List returns all DLQ entries, most recently landed order not guaranteed.
func (d *DLQ) List() []Job {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j.clone())
	}
	return out
}

// RetryOne removes id from the DLQ and pushes a fresh attempt onto queue,
// resetting Attempts and NextAttemptAt so the delivery is retried immediately
// with the job's original (stable) signature.
func (d *DLQ) RetryOne(id string, queue *Queue) error {
	d.mu.Lock()
	job, ok := d.jobs[id]
	if !ok {
		d.mu.Unlock()
		return ErrJobNotFound
	}
	delete(d.jobs, id)
	d.mu.Unlock()

	job.Attempts = 0
	job.LastError = ""
	job.NextAttemptAt = time.Now()
	queue.Push(job)
	return nil
}

// Purge removes id from the DLQ without redelivering it.
func (d *DLQ) Purge(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(d.jobs, id)
	return nil
}

// PurgeAll empties the DLQ.
func (d *DLQ) PurgeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = make(map[string]Job)
}
