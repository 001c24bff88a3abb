package jobs

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrClosed is returned by a queue after Close.
var ErrClosed = eris.New("queue closed")

// Enqueuer is the producer side of a queue. Components that only create work
// depend on this.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Scheduler registers recurring jobs. Scheduling an existing key replaces the
// previous registration instead of adding a second one.
type Scheduler interface {
	Schedule(ctx context.Context, key string, job Job, every time.Duration) error
	Unschedule(ctx context.Context, key string) error
}

// Delivery is one attempt at running a job. Exactly one of Ack, Retry or Dead
// must be called.
type Delivery interface {
	Job() Job
	Ack(ctx context.Context) error
	Retry(ctx context.Context, delay time.Duration) error
	Dead(ctx context.Context, cause error) error
}

// DeadLetter is a job that exhausted its attempts or failed permanently.
type DeadLetter struct {
	Job    Job       `json:"job"`
	Error  string    `json:"error"`
	DiedAt time.Time `json:"diedAt"`
}

// Queue is a durable, prioritized, retryable job queue.
type Queue interface {
	Enqueuer
	Scheduler
	// Next blocks until a job is available, serving lower priority values
	// first, or until ctx is done.
	Next(ctx context.Context) (Delivery, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Close() error
}

// ScheduleKey is the recurring-job key used for an account's poll job.
func ScheduleKey(k Kind, accountID string) string {
	return string(k) + ":" + accountID
}
