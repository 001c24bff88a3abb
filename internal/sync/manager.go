package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/jobs"
)

// ErrAlreadyRunning is returned by Run when the workers are already started.
var ErrAlreadyRunning = eris.New("sync workers already running")

// Manager owns the worker pool that executes sync jobs.
type Manager struct {
	engine       *Engine
	materializer *Materializer
	mux          *jobs.Mux
	pool         *jobs.Pool
	logger       zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewManager wires the job handlers onto a worker pool reading queue.
func NewManager(engine *Engine, materializer *Materializer, queue jobs.Queue, workers int, jobTimeout time.Duration, logger zerolog.Logger) *Manager {
	m := &Manager{
		engine:       engine,
		materializer: materializer,
		mux:          jobs.NewMux(),
		logger:       logger.With().Str("component", "sync-manager").Logger(),
	}
	m.mux.HandleFunc(jobs.KindSyncHistory, m.handleSyncHistory)
	m.mux.HandleFunc(jobs.KindFetchMessage, m.handleFetchMessage)
	m.mux.HandleFunc(jobs.KindDownloadAttachment, m.handleDownloadAttachment)
	m.mux.HandleFunc(jobs.KindPollAccount, m.handlePollAccount)
	m.pool = jobs.NewPool(queue, jobs.HandlerFunc(m.mux.Dispatch), workers, jobTimeout, logger)
	return m
}

// Handler dispatches a job to the matching sync operation.
func (m *Manager) Handler() jobs.Handler {
	return jobs.HandlerFunc(m.mux.Dispatch)
}

// Run blocks until ctx is cancelled and in-flight jobs have finished.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()
	return m.pool.Run(ctx)
}

// IsRunning reports whether the worker pool is started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Active lists the jobs currently being executed.
func (m *Manager) Active() []string {
	return m.pool.Active()
}

func (m *Manager) handleSyncHistory(ctx context.Context, job jobs.Job) error {
	var p jobs.SyncHistory
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := m.engine.WalkHistory(ctx, p)
	return err
}

func (m *Manager) handleFetchMessage(ctx context.Context, job jobs.Job) error {
	var p jobs.FetchMessage
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := m.materializer.FetchAndStore(ctx, p)
	return err
}

func (m *Manager) handleDownloadAttachment(ctx context.Context, job jobs.Job) error {
	var p jobs.DownloadAttachment
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := m.materializer.DownloadAttachment(ctx, p)
	return err
}

func (m *Manager) handlePollAccount(ctx context.Context, job jobs.Job) error {
	var p jobs.PollAccount
	if err := job.Decode(&p); err != nil {
		return err
	}
	_, err := m.engine.Poll(ctx, p.AccountID)
	return err
}
