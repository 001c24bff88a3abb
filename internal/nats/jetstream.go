// Package natsjs implements the work queue on NATS JetStream: one work-queue
// stream with a pull consumer per priority tier, a dead-letter stream and a
// key-value bucket holding recurring schedules.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/jobs"
)

const (
	JobsStream     = "MAILSYNC_JOBS"
	DeadStream     = "MAILSYNC_DEAD"
	ScheduleBucket = "MAILSYNC_SCHEDULES"

	jobsSubjectPrefix = "mailsync.jobs."
	deadSubjectPrefix = "mailsync.dead."
)

var tiers = []jobs.Priority{jobs.PriorityHigh, jobs.PriorityNormal, jobs.PriorityLow}

func subjectFor(p jobs.Priority) string {
	if !p.Valid() {
		p = jobs.PriorityLow
	}
	return fmt.Sprintf("%sp%d", jobsSubjectPrefix, p)
}

// Options configure the queue.
type Options struct {
	// AckWait is how long a delivery may stay unacknowledged before the
	// server redelivers it. Keep it above the worker job timeout.
	AckWait time.Duration
	// PollWait bounds each pull request per tier.
	PollWait time.Duration
	// DeadMaxAge is the retention of the dead-letter stream.
	DeadMaxAge time.Duration
}

func DefaultOptions() Options {
	return Options{
		AckWait:    5 * time.Minute,
		PollWait:   100 * time.Millisecond,
		DeadMaxAge: 30 * 24 * time.Hour,
	}
}

// Queue is a jobs.Queue backed by JetStream.
type Queue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue
	subs   []*nats.Subscription
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	lastSlot map[string]int64
	closed   bool
	done     chan struct{}
}

var _ jobs.Queue = (*Queue)(nil)

// Connect dials url and prepares the streams, consumers and schedule bucket.
func Connect(ctx context.Context, url string, opts Options, logger zerolog.Logger) (*Queue, error) {
	nc, err := nats.Connect(url, nats.Name("mailsync"))
	if err != nil {
		return nil, eris.Wrap(err, "connect to NATS")
	}
	q, err := New(ctx, nc, opts, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

// New builds a Queue on an existing connection. Close closes nc.
func New(ctx context.Context, nc *nats.Conn, opts Options, logger zerolog.Logger) (*Queue, error) {
	def := DefaultOptions()
	if opts.AckWait <= 0 {
		opts.AckWait = def.AckWait
	}
	if opts.PollWait <= 0 {
		opts.PollWait = def.PollWait
	}
	if opts.DeadMaxAge <= 0 {
		opts.DeadMaxAge = def.DeadMaxAge
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, eris.Wrap(err, "get JetStream context")
	}
	q := &Queue{
		nc:       nc,
		js:       js,
		opts:     opts,
		logger:   logger.With().Str("component", "nats-queue").Logger(),
		lastSlot: make(map[string]int64),
		done:     make(chan struct{}),
	}
	if err := q.ensureStreams(); err != nil {
		return nil, err
	}
	for _, p := range tiers {
		sub, err := js.PullSubscribe(subjectFor(p), fmt.Sprintf("mailsync-p%d", p),
			nats.BindStream(JobsStream),
			nats.AckExplicit(),
			nats.AckWait(opts.AckWait),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "pull consumer for priority %d", p)
		}
		q.subs = append(q.subs, sub)
	}
	return q, nil
}

func (q *Queue) ensureStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:       JobsStream,
			Subjects:   []string{jobsSubjectPrefix + ">"},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 10 * time.Minute,
		},
		{
			Name:      DeadStream,
			Subjects:  []string{deadSubjectPrefix + ">"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    q.opts.DeadMaxAge,
		},
	}
	for _, cfg := range streams {
		if info, err := q.js.StreamInfo(cfg.Name); err == nil && info != nil {
			continue
		}
		if _, err := q.js.AddStream(cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return eris.Wrapf(err, "create stream %s", cfg.Name)
		}
	}

	kv, err := q.js.KeyValue(ScheduleBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = q.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: ScheduleBucket, History: 1})
	}
	if err != nil {
		return eris.Wrapf(err, "schedule bucket %s", ScheduleBucket)
	}
	q.kv = kv
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, job jobs.Job) error {
	return q.publish(ctx, job, job.ID)
}

func (q *Queue) publish(ctx context.Context, job jobs.Job, msgID string) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(subjectFor(job.Priority), data, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return eris.Wrapf(err, "publish %s job %s", job.Kind, job.ID)
	}
	return nil
}

// Next pulls from the tiers in priority order until a message arrives.
func (q *Queue) Next(ctx context.Context) (jobs.Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, jobs.ErrClosed
		default:
		}
		for i, sub := range q.subs {
			msgs, err := sub.Fetch(1, nats.MaxWait(q.opts.PollWait))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
					return nil, jobs.ErrClosed
				}
				return nil, eris.Wrapf(err, "fetch priority %d", tiers[i])
			}
			if len(msgs) == 0 {
				continue
			}
			d, err := q.wrap(msgs[0])
			if err != nil {
				q.logger.Error().Err(err).Msg("undecodable job terminated")
				_ = msgs[0].Term()
				continue
			}
			return d, nil
		}
	}
}

func (q *Queue) wrap(msg *nats.Msg) (*delivery, error) {
	job, err := jobs.Unmarshal(msg.Data)
	if err != nil {
		return nil, err
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}
	return &delivery{q: q, msg: msg, job: job}, nil
}

type delivery struct {
	q   *Queue
	msg *nats.Msg
	job jobs.Job
}

func (d *delivery) Job() jobs.Job { return d.job }

func (d *delivery) Ack(ctx context.Context) error {
	return eris.Wrap(d.msg.Ack(nats.Context(ctx)), "ack")
}

func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	return eris.Wrap(d.msg.NakWithDelay(delay), "nak")
}

// Dead copies the job to the dead-letter stream, then terminates the
// delivery so the server stops redelivering it.
func (d *delivery) Dead(ctx context.Context, cause error) error {
	dl := jobs.DeadLetter{Job: d.job, DiedAt: time.Now().UTC()}
	if cause != nil {
		dl.Error = cause.Error()
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return eris.Wrap(err, "marshal dead letter")
	}
	if _, err := d.q.js.Publish(deadSubjectPrefix+string(d.job.Kind), data, nats.Context(ctx)); err != nil {
		return eris.Wrapf(err, "publish dead letter %s", d.job.ID)
	}
	return eris.Wrap(d.msg.Term(), "term")
}

// DeadLetters returns up to limit dead letters, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]jobs.DeadLetter, error) {
	info, err := q.js.StreamInfo(DeadStream, nats.Context(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "dead-letter stream info")
	}
	var out []jobs.DeadLetter
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0; seq-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		raw, err := q.js.GetMsg(DeadStream, seq, nats.Context(ctx))
		if errors.Is(err, nats.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return out, eris.Wrapf(err, "read dead letter %d", seq)
		}
		var dl jobs.DeadLetter
		if err := json.Unmarshal(raw.Data, &dl); err != nil {
			q.logger.Warn().Err(err).Uint64("seq", seq).Msg("skipping malformed dead letter")
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

type scheduleRecord struct {
	Job       jobs.Job  `json:"job"`
	EveryMs   int64     `json:"everyMs"`
	CreatedAt time.Time `json:"createdAt"`
}

// KV keys may not contain ':'.
func kvKey(key string) string { return strings.ReplaceAll(key, ":", ".") }

// Schedule stores the recurring job in the schedule bucket. Every instance
// running RunSchedules fires it; the stream's duplicate window collapses the
// copies into one job per interval.
func (q *Queue) Schedule(ctx context.Context, key string, job jobs.Job, every time.Duration) error {
	if every <= 0 {
		return eris.Errorf("schedule %s: interval must be positive", key)
	}
	data, err := json.Marshal(scheduleRecord{Job: job, EveryMs: every.Milliseconds(), CreatedAt: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "marshal schedule")
	}
	if _, err := q.kv.Put(kvKey(key), data); err != nil {
		return eris.Wrapf(err, "store schedule %s", key)
	}
	q.mu.Lock()
	delete(q.lastSlot, kvKey(key))
	q.mu.Unlock()
	return nil
}

func (q *Queue) Unschedule(ctx context.Context, key string) error {
	err := q.kv.Delete(kvKey(key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return eris.Wrapf(err, "delete schedule %s", key)
	}
	return nil
}

// Schedules lists the stored schedule keys.
func (q *Queue) Schedules() ([]string, error) {
	keys, err := q.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, eris.Wrap(err, "list schedules")
}

// RunSchedules fires due schedules once a second until ctx is cancelled.
func (q *Queue) RunSchedules(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case now := <-ticker.C:
			if err := q.fireDue(ctx, now); err != nil {
				q.logger.Error().Err(err).Msg("fire schedules")
			}
		}
	}
}

func (q *Queue) fireDue(ctx context.Context, now time.Time) error {
	keys, err := q.Schedules()
	if err != nil {
		return err
	}
	for _, key := range keys {
		entry, err := q.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "read schedule %s", key)
		}
		var rec scheduleRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil || rec.EveryMs <= 0 {
			q.logger.Warn().Str("key", key).Msg("skipping malformed schedule")
			continue
		}
		slot := now.Sub(rec.CreatedAt).Milliseconds() / rec.EveryMs
		if slot < 1 {
			continue
		}
		q.mu.Lock()
		fired := q.lastSlot[key] >= slot
		q.mu.Unlock()
		if fired {
			continue
		}

		job := rec.Job
		job.ID = uuid.NewString()
		job.EnqueuedAt = now.UTC()
		if err := q.publish(ctx, job, fmt.Sprintf("sched:%s:%d:%d", key, rec.CreatedAt.UnixMilli(), slot)); err != nil {
			return err
		}
		q.mu.Lock()
		q.lastSlot[key] = slot
		q.mu.Unlock()
	}
	return nil
}

// Close unsubscribes and closes the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	for _, sub := range q.subs {
		_ = sub.Unsubscribe()
	}
	q.nc.Close()
	return nil
}
