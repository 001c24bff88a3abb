package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a process-local Queue. It keeps one FIFO per priority tier
// and loses its contents on restart.
type MemoryQueue struct {
	mu        sync.Mutex
	ready     [3][]Job
	notify    chan struct{}
	timers    map[*time.Timer]struct{}
	schedules map[string]*schedule
	dead      []DeadLetter
	closed    bool
	done      chan struct{}
}

type schedule struct {
	ticker *time.Ticker
	stop   chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify:    make(chan struct{}, 1),
		timers:    make(map[*time.Timer]struct{}),
		schedules: make(map[string]*schedule),
		done:      make(chan struct{}),
	}
}

func tier(p Priority) int {
	if !p.Valid() {
		return int(PriorityLow) - 1
	}
	return int(p) - 1
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.push(job)
	return nil
}

// push requires q.mu.
func (q *MemoryQueue) push(job Job) {
	t := tier(job.Priority)
	q.ready[t] = append(q.ready[t], job)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := range q.ready {
		if len(q.ready[t]) == 0 {
			continue
		}
		job := q.ready[t][0]
		q.ready[t] = q.ready[t][1:]
		job.Attempt++
		if q.pending() > 0 {
			select {
			case q.notify <- struct{}{}:
			default:
			}
		}
		return job, true
	}
	return Job{}, false
}

func (q *MemoryQueue) pending() int {
	n := 0
	for t := range q.ready {
		n += len(q.ready[t])
	}
	return n
}

func (q *MemoryQueue) Next(ctx context.Context) (Delivery, error) {
	for {
		if job, ok := q.pop(); ok {
			return &memDelivery{q: q, job: job}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

// TryNext returns the next ready delivery without blocking.
func (q *MemoryQueue) TryNext() (Delivery, bool) {
	job, ok := q.pop()
	if !ok {
		return nil, false
	}
	return &memDelivery{q: q, job: job}, true
}

// Pending returns a snapshot of ready jobs in delivery order.
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, q.pending())
	for t := range q.ready {
		out = append(out, q.ready[t]...)
	}
	return out
}

func (q *MemoryQueue) Schedule(ctx context.Context, key string, job Job, every time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if old, ok := q.schedules[key]; ok {
		old.ticker.Stop()
		close(old.stop)
	}
	s := &schedule{ticker: time.NewTicker(every), stop: make(chan struct{})}
	q.schedules[key] = s
	go func() {
		for {
			select {
			case <-s.stop:
				return
			case <-s.ticker.C:
				next := job
				next.ID = uuid.NewString()
				next.EnqueuedAt = time.Now().UTC()
				_ = q.Enqueue(context.Background(), next)
			}
		}
	}()
	return nil
}

func (q *MemoryQueue) Unschedule(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.schedules[key]; ok {
		s.ticker.Stop()
		close(s.stop)
		delete(q.schedules, key)
	}
	return nil
}

// Schedules returns the registered recurring-job keys.
func (q *MemoryQueue) Schedules() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.schedules))
	for k := range q.schedules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	// newest first
	for i := 0; i < n; i++ {
		out[i] = q.dead[len(q.dead)-1-i]
	}
	return out, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	for k, s := range q.schedules {
		s.ticker.Stop()
		close(s.stop)
		delete(q.schedules, k)
	}
	close(q.done)
	return nil
}

type memDelivery struct {
	q   *MemoryQueue
	job Job
}

func (d *memDelivery) Job() Job { return d.job }

func (d *memDelivery) Ack(ctx context.Context) error { return nil }

func (d *memDelivery) Retry(ctx context.Context, delay time.Duration) error {
	q := d.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if delay <= 0 {
		q.push(d.job)
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if !q.closed {
			q.push(d.job)
		}
	})
	q.timers[t] = struct{}{}
	return nil
}

func (d *memDelivery) Dead(ctx context.Context, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.q.dead = append(d.q.dead, DeadLetter{Job: d.job, Error: msg, DiedAt: time.Now().UTC()})
	return nil
}
