package cli

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/blob"
	"github.com/Martian-dev/inbox-sync/internal/config"
	"github.com/Martian-dev/inbox-sync/internal/dedup"
	"github.com/Martian-dev/inbox-sync/internal/httpapi"
	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/logging"
	"github.com/Martian-dev/inbox-sync/internal/mailbox"
	"github.com/Martian-dev/inbox-sync/internal/model"
	natsjs "github.com/Martian-dev/inbox-sync/internal/nats"
	"github.com/Martian-dev/inbox-sync/internal/providers/gmail"
	"github.com/Martian-dev/inbox-sync/internal/recovery"
	"github.com/Martian-dev/inbox-sync/internal/store/sqlite"
	msync "github.com/Martian-dev/inbox-sync/internal/sync"
	"github.com/Martian-dev/inbox-sync/internal/webhook"
)

// app holds the wired service graph for one process.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	store     *sqlite.Store
	queue     jobs.Queue
	memQueue  *jobs.MemoryQueue
	natsQueue *natsjs.Queue
	dedup     dedup.Store
	clients   []*redis.Client

	engine    *msync.Engine
	manager   *msync.Manager
	recovery  *recovery.Service
	scheduler *recovery.Scheduler
	processor *webhook.Processor
	verifier  *auth.PushVerifier
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.New(cfg.Log, os.Stderr)}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) (err error) {
	cfg := a.cfg

	if a.store, err = sqlite.Open(cfg.Database.Driver, cfg.Database.Path); err != nil {
		return err
	}

	switch cfg.Queue.Backend {
	case "nats":
		opts := natsjs.DefaultOptions()
		if cfg.Queue.JobTimeout > 0 {
			opts.AckWait = cfg.Queue.JobTimeout + time.Minute
		}
		if a.natsQueue, err = natsjs.Connect(ctx, cfg.Queue.NATSURL, opts, a.logger); err != nil {
			return err
		}
		a.queue = a.natsQueue
	default:
		a.memQueue = jobs.NewMemoryQueue()
		a.queue = a.memQueue
	}

	switch cfg.Dedup.Backend {
	case "redis":
		client, err := dedup.Dial(ctx, cfg.Dedup.RedisURL)
		if err != nil {
			return err
		}
		a.clients = append(a.clients, client)
		a.dedup = dedup.NewRedisStore(client, "mailsync:")
	default:
		a.dedup = dedup.NewMemoryStore()
	}

	blobs, err := newBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}

	clients := newClientFactory(cfg.Auth, a.logger)
	a.engine = msync.NewEngine(a.store, clients, a.queue, msync.EngineOptions{FullSyncLimit: cfg.Sync.FullSyncLimit}, a.logger)
	materializer := msync.NewMaterializer(a.store, a.store, a.store, clients, blobs, a.queue, a.logger)
	a.manager = msync.NewManager(a.engine, materializer, a.queue, cfg.Queue.Workers, cfg.Queue.JobTimeout, a.logger)

	a.recovery = recovery.NewService(a.store, a.store, a.engine, a.queue, recovery.Options{
		StaleThreshold:   cfg.Recovery.StaleThreshold,
		RetryAge:         cfg.Recovery.RetryAge,
		RetryBatch:       cfg.Recovery.RetryBatch,
		FailureThreshold: cfg.Recovery.FailureThreshold,
		PollInterval:     cfg.Recovery.PollInterval,
	}, a.logger)

	var locker recovery.Locker
	if cfg.Recovery.LockRedisURL != "" {
		client, err := dedup.Dial(ctx, cfg.Recovery.LockRedisURL)
		if err != nil {
			return err
		}
		a.clients = append(a.clients, client)
		locker = recovery.NewRedisLocker(client, "")
	}
	a.scheduler = recovery.NewScheduler(a.recovery, recovery.Intervals{
		Sweep:  cfg.Recovery.SweepInterval,
		Retry:  cfg.Recovery.RetryInterval,
		Report: cfg.Recovery.ReportInterval,
	}, locker, cfg.Recovery.LockTTL, a.logger)

	a.processor = webhook.NewProcessor(a.dedup, a.store, a.store, a.queue, webhook.Options{
		DedupTTL:       cfg.Dedup.TTL,
		StaleWhenEqual: cfg.Sync.StaleWhenEqual,
		JobAttempts:    cfg.Sync.WebhookJobAttempts,
		JobBackoff:     cfg.Sync.WebhookJobBackoff,
	}, a.logger)

	a.verifier, err = auth.NewPushVerifier(ctx, auth.PushConfig{
		Production:     cfg.Production(),
		Secret:         cfg.Push.Secret,
		JWKSURL:        cfg.Push.JWKSURL,
		Audience:       cfg.Push.Audience,
		ServiceAccount: cfg.Push.ServiceAccount,
	}, a.logger)
	if err != nil {
		return err
	}
	return nil
}

func newBlobStore(ctx context.Context, cfg config.Blob) (blob.Store, error) {
	if cfg.Backend != "s3" {
		return blob.NewFSStore(cfg.Dir), nil
	}
	s3cfg := cfg.S3
	store, err := blob.NewS3Store(&s3cfg)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newClientFactory(cfg config.Auth, logger zerolog.Logger) mailbox.ClientFactory {
	if cfg.ServerURL == "" {
		return mailbox.ClientFactoryFunc(func(ctx context.Context, account model.Account) (mailbox.Client, error) {
			return nil, jobs.Permanent(eris.New("auth.server_url not configured, cannot reach mailboxes"))
		})
	}
	return &gmail.Factory{
		Tokens:  auth.NewTokenBroker(cfg.ServerURL, cfg.ServiceToken),
		Breaker: gmail.NewBreaker(logger),
		Logger:  logger,
	}
}

func (a *app) server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Production:  a.cfg.Production(),
		AdminToken:  a.cfg.HTTP.AdminToken,
		Verifier:    a.verifier,
		Processor:   a.processor,
		Recovery:    a.recovery,
		Tasks:       a.scheduler,
		Syncer:      a.engine,
		DeadLetters: a.queue,
		Health:      a.store.Ping,
	}, a.logger)
}

// resumePolling re-registers poll jobs of escalated accounts. The memory
// queue keeps schedules only for the life of the process.
func (a *app) resumePolling(ctx context.Context) (recovery.Batch, error) {
	b, err := a.recovery.ResumePolling(ctx)
	if err != nil {
		return b, eris.Wrap(err, "resume poll schedules")
	}
	return b, nil
}

// drain runs queued jobs in-process until the memory queue is empty. One-shot
// commands use it so their work is not lost when the process exits; a NATS
// queue is left to the serving workers.
func (a *app) drain(ctx context.Context) int {
	if a.memQueue == nil {
		return 0
	}
	pool := jobs.NewPool(a.memQueue, a.manager.Handler(), 1, a.cfg.Queue.JobTimeout, a.logger)
	n := 0
	for ctx.Err() == nil {
		d, ok := a.memQueue.TryNext()
		if !ok {
			break
		}
		pool.Process(ctx, d)
		n++
	}
	return n
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close queue")
		}
	}
	for _, c := range a.clients {
		_ = c.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close store")
		}
	}
}
