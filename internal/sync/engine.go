// Package sync reconciles local mail state with the provider's history log
// and materializes remote messages.
package sync

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/cursor"
	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/logging"
	"github.com/Martian-dev/inbox-sync/internal/mailbox"
	"github.com/Martian-dev/inbox-sync/internal/model"
)

// AccountStore is the slice of the account store the engine needs.
type AccountStore interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	AdvanceCursor(ctx context.Context, accountID, c string, syncedAt time.Time) (bool, error)
}

// EngineOptions tune the engine.
type EngineOptions struct {
	FullSyncLimit int
}

// SyncResult summarizes one full sync or history walk.
type SyncResult struct {
	AccountID string `json:"accountId"`
	Full      bool   `json:"full"`
	Enqueued  int    `json:"enqueued"`
	Cursor    string `json:"cursor"`
	Advanced  bool   `json:"advanced"`
	Skipped   bool   `json:"skipped"`
}

// Engine decides between incremental and full synchronisation and turns
// remote changes into fetch-message jobs. The account cursor only moves
// after the remote side has been read successfully.
type Engine struct {
	accounts AccountStore
	clients  mailbox.ClientFactory
	queue    jobs.Enqueuer
	opts     EngineOptions
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEngine(accounts AccountStore, clients mailbox.ClientFactory, queue jobs.Enqueuer, opts EngineOptions, logger zerolog.Logger) *Engine {
	if opts.FullSyncLimit <= 0 {
		opts.FullSyncLimit = 50
	}
	return &Engine{
		accounts: accounts,
		clients:  clients,
		queue:    queue,
		opts:     opts,
		logger:   logger.With().Str("component", "sync-engine").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) account(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := e.accounts.FindByID(ctx, accountID)
	if eris.Is(err, model.ErrNotFound) {
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "load account %s", accountID)
	}
	return a, nil
}

// FullSync enqueues the most recent messages and resets the cursor to the
// mailbox's current history id.
func (e *Engine) FullSync(ctx context.Context, accountID string) (SyncResult, error) {
	res := SyncResult{AccountID: accountID, Full: true}
	account, err := e.account(ctx, accountID)
	if err != nil {
		return res, err
	}
	if !account.Active {
		e.logger.Info().Str("account_id", accountID).Msg("full sync skipped for inactive account")
		res.Skipped = true
		return res, nil
	}
	return e.fullSync(ctx, account)
}

func (e *Engine) fullSync(ctx context.Context, account *model.Account) (SyncResult, error) {
	res := SyncResult{AccountID: account.ID, Full: true}
	log := e.logger.With().Str("account_id", account.ID).Str("address", logging.MaskEmail(account.Address)).Logger()

	client, err := e.clients.ForAccount(ctx, *account)
	if err != nil {
		return res, eris.Wrapf(err, "mailbox client for %s", account.ID)
	}
	refs, err := client.ListMessages(ctx, e.opts.FullSyncLimit)
	if err != nil {
		return res, eris.Wrapf(err, "list messages for %s", account.ID)
	}
	for _, ref := range refs {
		if err := e.enqueueFetch(ctx, account.ID, ref); err != nil {
			return res, err
		}
		res.Enqueued++
	}

	profile, err := client.GetProfile(ctx)
	if err != nil {
		return res, eris.Wrapf(err, "profile for %s", account.ID)
	}
	res.Cursor = profile.Cursor
	res.Advanced, err = e.accounts.AdvanceCursor(ctx, account.ID, profile.Cursor, e.now())
	if err != nil {
		return res, eris.Wrapf(err, "advance cursor of %s", account.ID)
	}
	log.Info().Int("enqueued", res.Enqueued).Str("cursor", profile.Cursor).Bool("advanced", res.Advanced).Msg("full sync complete")
	return res, nil
}

// IncrementalSync enqueues a sync-history job starting at the account's
// current cursor with an open end.
func (e *Engine) IncrementalSync(ctx context.Context, accountID, trigger string) (jobs.Job, error) {
	account, err := e.account(ctx, accountID)
	if err != nil {
		return jobs.Job{}, err
	}
	job, err := jobs.New(jobs.SyncHistory{
		AccountID:   account.ID,
		StartCursor: account.Cursor,
		Trigger:     trigger,
	}, jobs.DefaultOptions(jobs.KindSyncHistory))
	if err != nil {
		return jobs.Job{}, err
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return jobs.Job{}, eris.Wrapf(err, "enqueue sync-history for %s", account.ID)
	}
	e.logger.Info().Str("account_id", account.ID).Str("trigger", trigger).Str("start_cursor", account.Cursor).Msg("incremental sync enqueued")
	return job, nil
}

// WalkHistory is the sync-history worker. It pages through the remote history
// after the start cursor, enqueues every added message once, then advances
// the cursor to the newest id seen. An empty or expired start cursor falls
// back to a full sync.
func (e *Engine) WalkHistory(ctx context.Context, p jobs.SyncHistory) (SyncResult, error) {
	res := SyncResult{AccountID: p.AccountID}
	account, err := e.account(ctx, p.AccountID)
	if err != nil {
		return res, err
	}
	log := e.logger.With().
		Str("account_id", account.ID).
		Str("trigger", p.Trigger).
		Str("start_cursor", p.StartCursor).
		Str("end_cursor", p.EndCursor).
		Logger()
	if !account.Active {
		log.Info().Msg("history walk skipped for inactive account")
		res.Skipped = true
		return res, nil
	}

	// Anything at or below the stored cursor was walked by an earlier job.
	start := p.StartCursor
	if start != "" && account.Cursor != "" {
		if start, err = cursor.Max(start, account.Cursor); err != nil {
			return res, jobs.Permanent(err)
		}
	}
	if start == "" {
		log.Info().Msg("no start cursor, running full sync")
		return e.fullSync(ctx, account)
	}

	client, err := e.clients.ForAccount(ctx, *account)
	if err != nil {
		return res, eris.Wrapf(err, "mailbox client for %s", account.ID)
	}

	seen := make(map[string]struct{})
	newest := start
	latest, err := client.ListHistory(ctx, start, func(rec mailbox.HistoryRecord) error {
		if m, err := cursor.Max(newest, rec.ID); err == nil {
			newest = m
		}
		for _, ref := range rec.Added {
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			if err := e.enqueueFetch(ctx, account.ID, ref); err != nil {
				return err
			}
			res.Enqueued++
		}
		return nil
	})
	if eris.Is(err, mailbox.ErrHistoryExpired) {
		log.Warn().Err(err).Msg("history expired, running full sync")
		return e.fullSync(ctx, account)
	}
	if err != nil {
		return res, eris.Wrapf(err, "walk history of %s from %s", account.ID, start)
	}

	target := newest
	for _, c := range []string{latest, p.EndCursor} {
		if c == "" {
			continue
		}
		if target, err = cursor.Max(target, c); err != nil {
			return res, jobs.Permanent(err)
		}
	}
	res.Cursor = target
	res.Advanced, err = e.accounts.AdvanceCursor(ctx, account.ID, target, e.now())
	if err != nil {
		return res, eris.Wrapf(err, "advance cursor of %s", account.ID)
	}
	log.Info().Int("enqueued", res.Enqueued).Str("cursor", target).Bool("advanced", res.Advanced).Msg("history walk complete")
	return res, nil
}

// Poll compares the remote profile cursor with the stored one and enqueues a
// history walk when the remote side is ahead. Accounts back in PUSH mode are
// left alone.
func (e *Engine) Poll(ctx context.Context, accountID string) (bool, error) {
	account, err := e.account(ctx, accountID)
	if err != nil {
		return false, err
	}
	log := e.logger.With().Str("account_id", account.ID).Logger()
	if !account.Active || account.Mode != model.ModePoll {
		log.Debug().Str("mode", string(account.Mode)).Bool("active", account.Active).Msg("poll skipped")
		return false, nil
	}

	client, err := e.clients.ForAccount(ctx, *account)
	if err != nil {
		return false, eris.Wrapf(err, "mailbox client for %s", account.ID)
	}
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return false, eris.Wrapf(err, "profile for %s", account.ID)
	}
	ahead := account.Cursor == ""
	if !ahead {
		if ahead, err = cursor.After(profile.Cursor, account.Cursor); err != nil {
			return false, jobs.Permanent(err)
		}
	}
	if !ahead {
		log.Debug().Str("cursor", account.Cursor).Msg("poll found no changes")
		return false, nil
	}

	job, err := jobs.New(jobs.SyncHistory{
		AccountID:   account.ID,
		StartCursor: account.Cursor,
		EndCursor:   profile.Cursor,
		Trigger:     jobs.TriggerPoll,
	}, jobs.DefaultOptions(jobs.KindSyncHistory))
	if err != nil {
		return false, err
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return false, eris.Wrapf(err, "enqueue sync-history for %s", account.ID)
	}
	log.Info().Str("cursor", account.Cursor).Str("remote_cursor", profile.Cursor).Msg("poll found changes")
	return true, nil
}

func (e *Engine) enqueueFetch(ctx context.Context, accountID string, ref mailbox.MessageRef) error {
	job, err := jobs.New(jobs.FetchMessage{
		AccountID: accountID,
		MessageID: ref.ID,
		ThreadID:  ref.ThreadID,
	}, jobs.DefaultOptions(jobs.KindFetchMessage))
	if err != nil {
		return err
	}
	return eris.Wrapf(e.queue.Enqueue(ctx, job), "enqueue fetch-message %s", ref.ID)
}
