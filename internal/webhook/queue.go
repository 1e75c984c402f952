package webhook

import (
	"container/heap"
	"sync"
	"time"
)

// Queue is a multi-producer, multi-consumer delivery queue ordered by
// NextAttemptAt. Consumers coordinate only through Queue's own locking — no
// job is handed to more than one consumer at a time.
type Queue struct {
	mu     sync.Mutex
	items  jobHeap
	notify chan struct{}
	closed bool
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push enqueues job and wakes a blocked Pop.
func (q *Queue) Push(job Job) {
	q.mu.Lock()
	heap.Push(&q.items, job)
	q.mu.Unlock()
	q.wake()
}

// Pop blocks until a job's NextAttemptAt has arrived, the queue closes, or
// done fires. Returns ok=false once the queue is closed and drained, or done
// fires first.
func (q *Queue) Pop(done <-chan struct{}) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return Job{}, false
			}
			select {
			case <-done:
				return Job{}, false
			case <-q.notify:
			}
			continue
		}

		wait := time.Until(q.items[0].NextAttemptAt)
		if wait <= 0 {
			job := heap.Pop(&q.items).(Job)
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-done:
			timer.Stop()
			return Job{}, false
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Close stops the queue; blocked Pop calls return ok=false once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len reports the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// jobHeap is a container/heap.Interface ordered by NextAttemptAt, earliest
// first.
type jobHeap []Job

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].NextAttemptAt.Before(h[j].NextAttemptAt) }
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
