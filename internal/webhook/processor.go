// Package webhook turns validated push notifications into sync work.
package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/cursor"
	"github.com/Martian-dev/inbox-sync/internal/dedup"
	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/logging"
	"github.com/Martian-dev/inbox-sync/internal/model"
)

// Outcome tells the caller what Process did with a notification.
type Outcome int

const (
	OutcomeEnqueued Outcome = iota
	OutcomeDuplicate
	OutcomeUnknownAccount
	OutcomeStale
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEnqueued:
		return "enqueued"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUnknownAccount:
		return "unknown-account"
	case OutcomeStale:
		return "stale"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// ProcessError is returned when a notification could not be turned into
// work. Recorded is true when the event row was durably marked FAILED, which
// makes it eligible for the failed-event retry sweep.
type ProcessError struct {
	AccountID      string
	EventID        string
	NotificationID string
	Recorded       bool
	Err            error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process notification %s (account %q, event %q): %v", e.NotificationID, e.AccountID, e.EventID, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// AccountFinder resolves the account a notification belongs to.
type AccountFinder interface {
	FindByAddress(ctx context.Context, address string) (*model.Account, error)
}

// EventRecorder persists WebhookEvent rows and their transitions.
type EventRecorder interface {
	CreateEvent(ctx context.Context, e model.WebhookEvent) (*model.WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time, elapsed time.Duration) (bool, error)
	MarkEventFailed(ctx context.Context, id, message string, at time.Time, elapsed time.Duration) (bool, error)
}

// Options tune the processor.
type Options struct {
	DedupTTL       time.Duration
	StaleWhenEqual bool
	JobAttempts    int
	JobBackoff     time.Duration
}

// DefaultOptions mirror config.Default.
func DefaultOptions() Options {
	return Options{
		DedupTTL:       time.Hour,
		StaleWhenEqual: true,
		JobAttempts:    3,
		JobBackoff:     2 * time.Second,
	}
}

// Processor validates, deduplicates and translates notifications into
// sync-history jobs. It is safe for concurrent use.
type Processor struct {
	dedup    dedup.Store
	accounts AccountFinder
	events   EventRecorder
	queue    jobs.Enqueuer
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProcessor(d dedup.Store, accounts AccountFinder, events EventRecorder, queue jobs.Enqueuer, opts Options, logger zerolog.Logger) *Processor {
	return &Processor{
		dedup:    d,
		accounts: accounts,
		events:   events,
		queue:    queue,
		opts:     opts,
		logger:   logger.With().Str("component", "webhook-processor").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process handles one notification. Duplicates, unknown accounts and stale
// notifications are absorbed with a nil error. Any other failure is returned
// as a *ProcessError.
func (p *Processor) Process(ctx context.Context, n Notification) (Outcome, error) {
	start := p.now()
	log := p.logger.With().
		Str("notification_id", n.NotificationID).
		Str("address", logging.MaskEmail(n.AccountAddress)).
		Str("cursor", n.Cursor).
		Logger()

	key := dedup.NotificationKey(n.NotificationID)
	fresh, err := p.dedup.SetIfAbsent(ctx, key, p.opts.DedupTTL)
	if err != nil {
		return OutcomeFailed, &ProcessError{NotificationID: n.NotificationID, Err: eris.Wrap(err, "dedup check")}
	}
	if !fresh {
		log.Debug().Msg("duplicate notification ignored")
		return OutcomeDuplicate, nil
	}

	account, err := p.accounts.FindByAddress(ctx, n.AccountAddress)
	if eris.Is(err, model.ErrNotFound) {
		log.Warn().Msg("notification for unknown account ignored")
		return OutcomeUnknownAccount, nil
	}
	if err != nil {
		p.release(ctx, key, log)
		return OutcomeFailed, &ProcessError{NotificationID: n.NotificationID, Err: eris.Wrap(err, "resolve account")}
	}
	log = log.With().Str("account_id", account.ID).Logger()
	if !account.Active {
		log.Warn().Msg("notification for inactive account ignored")
		return OutcomeUnknownAccount, nil
	}

	cmp, err := cursor.Compare(n.Cursor, account.Cursor)
	if err != nil {
		p.release(ctx, key, log)
		return OutcomeFailed, &ProcessError{AccountID: account.ID, NotificationID: n.NotificationID, Err: err}
	}
	if cmp < 0 || (cmp == 0 && p.opts.StaleWhenEqual) {
		log.Info().Str("account_cursor", account.Cursor).Msg("stale notification ignored")
		return OutcomeStale, nil
	}

	receivedAt := n.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = start
	}
	event, err := p.events.CreateEvent(ctx, model.WebhookEvent{
		AccountID:      account.ID,
		NotificationID: n.NotificationID,
		Cursor:         n.Cursor,
		ReceivedAt:     receivedAt,
	})
	if err != nil {
		p.release(ctx, key, log)
		return OutcomeFailed, &ProcessError{AccountID: account.ID, NotificationID: n.NotificationID, Err: eris.Wrap(err, "record event")}
	}
	log = log.With().Str("event_id", event.ID).Logger()

	job, err := jobs.New(jobs.SyncHistory{
		AccountID:      account.ID,
		StartCursor:    account.Cursor,
		EndCursor:      n.Cursor,
		Trigger:        jobs.TriggerWebhook,
		WebhookEventID: event.ID,
	}, jobs.Options{
		Priority:    jobs.PriorityHigh,
		MaxAttempts: p.opts.JobAttempts,
		Backoff:     p.opts.JobBackoff,
	})
	if err == nil {
		err = p.queue.Enqueue(ctx, job)
	}
	if err != nil {
		return OutcomeFailed, p.fail(ctx, account.ID, n.NotificationID, event.ID, start, eris.Wrap(err, "enqueue sync-history"), log)
	}

	elapsed := p.now().Sub(start)
	if _, err := p.events.MarkEventProcessed(ctx, event.ID, p.now(), elapsed); err != nil {
		log.Error().Err(err).Msg("mark event processed")
	}
	log.Info().Str("job_id", job.ID).Str("start_cursor", account.Cursor).Dur("elapsed", elapsed).Msg("sync-history enqueued")
	return OutcomeEnqueued, nil
}

func (p *Processor) fail(ctx context.Context, accountID, notificationID, eventID string, start time.Time, cause error, log zerolog.Logger) error {
	perr := &ProcessError{AccountID: accountID, EventID: eventID, NotificationID: notificationID, Err: cause}
	ok, err := p.events.MarkEventFailed(ctx, eventID, cause.Error(), p.now(), p.now().Sub(start))
	if err != nil {
		log.Error().Err(err).Msg("mark event failed")
	}
	perr.Recorded = ok && err == nil
	if !perr.Recorded {
		p.release(ctx, dedup.NotificationKey(notificationID), log)
	}
	log.Error().Err(cause).Bool("recorded", perr.Recorded).Msg("notification processing failed")
	return perr
}

// release forgets the dedup key when nothing durable was written, so the
// provider's redelivery gets processed.
func (p *Processor) release(ctx context.Context, key string, log zerolog.Logger) {
	r, ok := p.dedup.(dedup.Releaser)
	if !ok {
		return
	}
	if err := r.Release(ctx, key); err != nil {
		log.Warn().Err(err).Msg("release dedup key")
	}
}
