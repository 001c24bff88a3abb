package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Pool runs a fixed number of workers that pull deliveries from a queue and
// hand them to a handler. Failed jobs are retried with the job's backoff until
// their attempts run out, then dead-lettered.
type Pool struct {
	queue      Queue
	handler    Handler
	workers    int
	jobTimeout time.Duration
	logger     zerolog.Logger

	mu     sync.RWMutex
	active map[string]Kind
}

// NewPool creates a worker pool. workers < 1 means one worker.
func NewPool(queue Queue, handler Handler, workers int, jobTimeout time.Duration, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:      queue,
		handler:    handler,
		workers:    workers,
		jobTimeout: jobTimeout,
		logger:     logger.With().Str("component", "worker-pool").Logger(),
		active:     make(map[string]Kind),
	}
}

// Run blocks until ctx is cancelled or the queue is closed, then waits for
// in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.workers).Msg("worker pool starting")
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		d, err := p.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || eris.Is(err, ErrClosed) {
				return
			}
			p.logger.Error().Err(err).Int("worker", id).Msg("fetch next job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// In-flight jobs finish even when shutdown starts mid-job.
		p.Process(context.WithoutCancel(ctx), d)
	}
}

// Process runs one delivery and settles it.
func (p *Pool) Process(ctx context.Context, d Delivery) {
	job := d.Job()
	log := p.logger.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("account_id", job.AccountID).
		Int("attempt", job.Attempt).
		Logger()

	p.track(job, true)
	defer p.track(job, false)

	start := time.Now()
	err := p.run(ctx, job)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		log.Debug().Dur("elapsed", elapsed).Msg("job done")
		if aerr := d.Ack(ctx); aerr != nil {
			log.Error().Err(aerr).Msg("ack job")
		}
	case IsPermanent(err) || job.Exhausted():
		log.Error().Err(err).Int("max_attempts", job.MaxAttempts).Msg("job failed, dead-lettering")
		if derr := d.Dead(ctx, err); derr != nil {
			log.Error().Err(derr).Msg("dead-letter job")
		}
	default:
		delay := job.RetryDelay(job.Attempt)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
		if rerr := d.Retry(ctx, delay); rerr != nil {
			log.Error().Err(rerr).Msg("retry job")
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("panic in %s handler: %v", job.Kind, r))
		}
	}()
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}
	return p.handler.Handle(ctx, job)
}

func (p *Pool) track(job Job, running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if running {
		p.active[job.ID] = job.Kind
	} else {
		delete(p.active, job.ID)
	}
}

// Active returns the ids of jobs currently executing.
func (p *Pool) Active() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}
