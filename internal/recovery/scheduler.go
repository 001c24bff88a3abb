package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Task names.
const (
	TaskMissedUpdateSweep = "missed-update-sweep"
	TaskFailedEventRetry  = "failed-event-retry"
	TaskDailyReport       = "daily-report"
)

var (
	ErrUnknownTask = eris.New("unknown recovery task")
	// ErrTaskBusy is returned by Tick when the task is already running here
	// or, with a distributed Locker, on another instance.
	ErrTaskBusy = eris.New("recovery task already running")
)

// Task is a named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (Batch, error)
}

// Intervals configure how often the built-in tasks run. A zero interval
// disables the task's timer; it can still be ticked by hand.
type Intervals struct {
	Sweep  time.Duration
	Retry  time.Duration
	Report time.Duration
}

// Scheduler runs recovery tasks on independent timers. At most one run of a
// task is in flight per process, and per deployment when a Locker is set.
type Scheduler struct {
	tasks   map[string]Task
	locker  Locker
	lockTTL time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
	last    map[string]Batch
}

// NewScheduler registers the built-in tasks of svc. locker may be nil.
func NewScheduler(svc *Service, iv Intervals, locker Locker, lockTTL time.Duration, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		tasks:   make(map[string]Task),
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger.With().Str("component", "recovery-scheduler").Logger(),
		running: make(map[string]bool),
		last:    make(map[string]Batch),
	}
	if svc != nil {
		s.Register(Task{Name: TaskMissedUpdateSweep, Interval: iv.Sweep, Run: svc.SweepMissedUpdates})
		s.Register(Task{Name: TaskFailedEventRetry, Interval: iv.Retry, Run: svc.RetryFailedEvents})
		s.Register(Task{Name: TaskDailyReport, Interval: iv.Report, Run: svc.ReportPreviousDay})
	}
	return s
}

// Register adds or replaces a task.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name] = t
}

// Tasks returns the registered task names in order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for n := range s.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Last returns the summary of the most recent completed run of a task.
func (s *Scheduler) Last(name string) (Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.last[name]
	return b, ok
}

// Tick runs one task synchronously.
func (s *Scheduler) Tick(ctx context.Context, name string) (Batch, error) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return Batch{}, eris.Wrapf(ErrUnknownTask, "%q", name)
	}
	if s.running[name] {
		s.mu.Unlock()
		return Batch{}, eris.Wrapf(ErrTaskBusy, "%s", name)
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, "recovery:"+name, s.lockTTL)
		if err != nil {
			return Batch{}, eris.Wrapf(err, "lock %s", name)
		}
		if !acquired {
			return Batch{}, eris.Wrapf(ErrTaskBusy, "%s held by another instance", name)
		}
		defer release()
	}

	log := s.logger.With().Str("task", name).Logger()
	b, err := task.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("summary", b.String()).Msg("recovery task failed")
		return b, err
	}
	s.mu.Lock()
	s.last[name] = b
	s.mu.Unlock()
	log.Info().
		Int("total", b.Total).
		Int("succeeded", b.Succeeded).
		Int("skipped", b.Skipped).
		Int("failed", b.Failed).
		Dur("elapsed", b.Finished.Sub(b.Started)).
		Msg("recovery task finished")
	return b, nil
}

// Run starts a timer per task and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Interval > 0 {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	s.logger.Info().Int("tasks", len(tasks)).Msg("recovery scheduler started")
	wg.Wait()
	s.logger.Info().Msg("recovery scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, t.Name); err != nil && !eris.Is(err, ErrTaskBusy) {
				s.logger.Error().Err(err).Str("task", t.Name).Msg("scheduled tick")
			}
		}
	}
}
