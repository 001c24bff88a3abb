// Package recovery detects silently missed updates, re-drives failed webhook
// events and demotes chronically failing accounts from PUSH to POLL.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/model"
)

// AccountStore is the slice of the account store recovery needs.
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	ListActive(ctx context.Context) ([]model.Account, error)
	RecordFailure(ctx context.Context, accountID, message string, at time.Time) (int, error)
	EscalateToPoll(ctx context.Context, accountID string, threshold int) (bool, error)
	SetMode(ctx context.Context, accountID string, mode model.Mode) error
}

// EventStore is the slice of the webhook event store recovery needs.
type EventStore interface {
	ListFailedEvents(ctx context.Context, before time.Time, limit int) ([]model.WebhookEvent, error)
	MarkEventRetried(ctx context.Context, id string, at time.Time) (bool, error)
	EventReport(ctx context.Context, from, to time.Time) (model.StatusReport, error)
}

// Syncer starts an incremental sync for an account.
type Syncer interface {
	IncrementalSync(ctx context.Context, accountID, trigger string) (jobs.Job, error)
}

// Queue is what recovery needs from the work queue.
type Queue interface {
	jobs.Enqueuer
	jobs.Scheduler
}

type Options struct {
	StaleThreshold   time.Duration
	RetryAge         time.Duration
	RetryBatch       int
	FailureThreshold int
	PollInterval     time.Duration
}

// DefaultOptions mirror config.Default.
func DefaultOptions() Options {
	return Options{
		StaleThreshold:   2 * time.Hour,
		RetryAge:         24 * time.Hour,
		RetryBatch:       500,
		FailureThreshold: 5,
		PollInterval:     5 * time.Minute,
	}
}

// ItemError is the failure of one item inside a batch.
type ItemError struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// Batch summarizes one run of a recovery task. A failing item never aborts
// the rest of the batch.
type Batch struct {
	Task      string              `json:"task"`
	Started   time.Time           `json:"started"`
	Finished  time.Time           `json:"finished"`
	Total     int                 `json:"total"`
	Succeeded int                 `json:"succeeded"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Errors    []ItemError         `json:"errors,omitempty"`
	Report    *model.StatusReport `json:"report,omitempty"`
}

func (b *Batch) ok()   { b.Total++; b.Succeeded++ }
func (b *Batch) skip() { b.Total++; b.Skipped++ }

func (b *Batch) fail(id string, err error) {
	b.Total++
	b.Failed++
	b.Errors = append(b.Errors, ItemError{ID: id, Err: err.Error()})
}

func (b Batch) String() string {
	return fmt.Sprintf("%s: %d total, %d ok, %d skipped, %d failed", b.Task, b.Total, b.Succeeded, b.Skipped, b.Failed)
}

// Service implements the recovery tasks. The Scheduler decides when they run.
type Service struct {
	accounts AccountStore
	events   EventStore
	syncer   Syncer
	queue    Queue
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(accounts AccountStore, events EventStore, syncer Syncer, queue Queue, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		accounts: accounts,
		events:   events,
		syncer:   syncer,
		queue:    queue,
		opts:     opts,
		logger:   logger.With().Str("component", "recovery").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SweepMissedUpdates starts an incremental sync for every active account that
// has not synced within the stale threshold.
func (s *Service) SweepMissedUpdates(ctx context.Context) (Batch, error) {
	b := Batch{Task: TaskMissedUpdateSweep, Started: s.now()}
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return b, eris.Wrap(err, "list active accounts")
	}
	for _, a := range accounts {
		if ctx.Err() != nil {
			return b, ctx.Err()
		}
		idle := b.Started.Sub(a.SyncReference())
		if idle <= s.opts.StaleThreshold {
			b.skip()
			continue
		}
		if _, err := s.syncer.IncrementalSync(ctx, a.ID, jobs.TriggerRecovery); err != nil {
			s.logger.Error().Err(err).Str("account_id", a.ID).Msg("recovery sync enqueue failed")
			b.fail(a.ID, err)
			continue
		}
		s.logger.Info().Str("account_id", a.ID).Dur("idle", idle).Msg("stale account, recovery sync enqueued")
		b.ok()
	}
	b.Finished = s.now()
	return b, nil
}

// RetryFailedEvents re-drives FAILED webhook events older than the retry age
// with a single low-priority attempt each, and marks them RETRIED.
func (s *Service) RetryFailedEvents(ctx context.Context) (Batch, error) {
	b := Batch{Task: TaskFailedEventRetry, Started: s.now()}
	events, err := s.events.ListFailedEvents(ctx, b.Started.Add(-s.opts.RetryAge), s.opts.RetryBatch)
	if err != nil {
		return b, eris.Wrap(err, "list failed events")
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return b, ctx.Err()
		}
		if err := s.retryEvent(ctx, ev); err != nil {
			if eris.Is(err, errSkipped) {
				b.skip()
				continue
			}
			s.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed event retry")
			b.fail(ev.ID, err)
			continue
		}
		b.ok()
	}
	b.Finished = s.now()
	return b, nil
}

var errSkipped = eris.New("skipped")

func (s *Service) retryEvent(ctx context.Context, ev model.WebhookEvent) error {
	log := s.logger.With().Str("event_id", ev.ID).Str("account_id", ev.AccountID).Logger()
	account, err := s.accounts.FindByID(ctx, ev.AccountID)
	switch {
	case eris.Is(err, model.ErrNotFound) || (err == nil && !account.Active):
		// Nothing left to sync; retire the event so it is not picked up again.
		if _, err := s.events.MarkEventRetried(ctx, ev.ID, s.now()); err != nil {
			return eris.Wrapf(err, "retire event %s", ev.ID)
		}
		log.Info().Msg("failed event retired, account gone or inactive")
		return errSkipped
	case err != nil:
		return eris.Wrapf(err, "load account %s", ev.AccountID)
	}

	job, err := jobs.New(jobs.SyncHistory{
		AccountID:      account.ID,
		StartCursor:    account.Cursor,
		EndCursor:      ev.Cursor,
		Trigger:        jobs.TriggerRetry,
		WebhookEventID: ev.ID,
	}, jobs.Options{Priority: jobs.PriorityLow, MaxAttempts: 1})
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return eris.Wrapf(err, "enqueue retry for event %s", ev.ID)
	}
	moved, err := s.events.MarkEventRetried(ctx, ev.ID, s.now())
	if err != nil {
		return eris.Wrapf(err, "mark event %s retried", ev.ID)
	}
	if !moved {
		log.Warn().Msg("event was no longer FAILED")
	}
	log.Info().Str("job_id", job.ID).Msg("failed event re-enqueued")
	return nil
}

// DailyReport aggregates the webhook events of the UTC day containing day.
func (s *Service) DailyReport(ctx context.Context, day time.Time) (model.StatusReport, error) {
	d := day.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	report, err := s.events.EventReport(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		return report, eris.Wrapf(err, "report for %s", from.Format(time.DateOnly))
	}
	return report, nil
}

// ReportPreviousDay logs the report of the previous UTC day.
func (s *Service) ReportPreviousDay(ctx context.Context) (Batch, error) {
	b := Batch{Task: TaskDailyReport, Started: s.now()}
	report, err := s.DailyReport(ctx, b.Started.UTC().Add(-24*time.Hour))
	if err != nil {
		return b, err
	}
	b.Report = &report
	b.Finished = s.now()

	ev := s.logger.Info().
		Str("day", report.From.Format(time.DateOnly)).
		Int("total", report.Total).
		Float64("mean_processing_ms", report.MeanProcessingTimeMs)
	for status, n := range report.Counts {
		ev = ev.Int(string(status), n)
	}
	ev.Msg("daily webhook report")
	return b, nil
}

// HandleWebhookFailure records a push-path failure against the account and
// escalates it to POLL mode once the failure count reaches the threshold.
// Exactly one caller wins the escalation and registers the poll job.
func (s *Service) HandleWebhookFailure(ctx context.Context, accountID string, cause error) (bool, error) {
	log := s.logger.With().Str("account_id", accountID).Logger()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	count, err := s.accounts.RecordFailure(ctx, accountID, msg, s.now())
	if err != nil {
		return false, eris.Wrapf(err, "record failure for %s", accountID)
	}
	log.Warn().Int("failure_count", count).Str("error", msg).Msg("webhook failure recorded")
	if count < s.opts.FailureThreshold {
		return false, nil
	}

	won, err := s.accounts.EscalateToPoll(ctx, accountID, s.opts.FailureThreshold)
	if err != nil {
		return false, eris.Wrapf(err, "escalate %s", accountID)
	}
	if !won {
		return false, nil
	}
	if err := s.schedulePoll(ctx, accountID); err != nil {
		return true, err
	}
	log.Warn().Dur("poll_interval", s.opts.PollInterval).Msg("account escalated to POLL mode")
	return true, nil
}

func (s *Service) schedulePoll(ctx context.Context, accountID string) error {
	job, err := jobs.New(jobs.PollAccount{AccountID: accountID}, jobs.DefaultOptions(jobs.KindPollAccount))
	if err != nil {
		return err
	}
	key := jobs.ScheduleKey(jobs.KindPollAccount, accountID)
	return eris.Wrapf(s.queue.Schedule(ctx, key, job, s.opts.PollInterval), "schedule %s", key)
}

// ResumePolling registers the recurring poll job of every active account in
// POLL mode. Schedules replace by key, so running it on each start is safe.
func (s *Service) ResumePolling(ctx context.Context) (Batch, error) {
	b := Batch{Task: "resume-polling", Started: s.now()}
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return b, eris.Wrap(err, "list active accounts")
	}
	for _, a := range accounts {
		if a.Mode != model.ModePoll {
			b.skip()
			continue
		}
		if err := s.schedulePoll(ctx, a.ID); err != nil {
			s.logger.Error().Err(err).Str("account_id", a.ID).Msg("resume poll schedule")
			b.fail(a.ID, err)
			continue
		}
		b.ok()
	}
	b.Finished = s.now()
	if b.Succeeded > 0 {
		s.logger.Info().Int("accounts", b.Succeeded).Msg("poll schedules resumed")
	}
	return b, nil
}

// RestorePush returns an account to PUSH mode and removes its poll job.
func (s *Service) RestorePush(ctx context.Context, accountID string) error {
	if _, err := s.accounts.FindByID(ctx, accountID); err != nil {
		return err
	}
	if err := s.accounts.SetMode(ctx, accountID, model.ModePush); err != nil {
		return eris.Wrapf(err, "restore push for %s", accountID)
	}
	key := jobs.ScheduleKey(jobs.KindPollAccount, accountID)
	if err := s.queue.Unschedule(ctx, key); err != nil {
		return eris.Wrapf(err, "unschedule %s", key)
	}
	s.logger.Info().Str("account_id", accountID).Msg("account restored to PUSH mode")
	return nil
}
