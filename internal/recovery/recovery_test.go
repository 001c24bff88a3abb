package recovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/dedup"
	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/model"
	"github.com/Martian-dev/inbox-sync/internal/store/sqlite"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

type recordingSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *recordingSyncer) IncrementalSync(ctx context.Context, accountID, trigger string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return jobs.Job{}, s.err
	}
	s.calls = append(s.calls, accountID+"/"+trigger)
	return jobs.MustNew(jobs.SyncHistory{AccountID: accountID, Trigger: trigger}, jobs.Options{}), nil
}

type fixture struct {
	store  *sqlite.Store
	queue  *jobs.MemoryQueue
	syncer *recordingSyncer
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(sqlite.DriverPure, filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	q := jobs.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	syncer := &recordingSyncer{}
	svc := NewService(store, store, syncer, q, DefaultOptions(), zerolog.Nop()).
		WithClock(func() time.Time { return now })
	return &fixture{store: store, queue: q, syncer: syncer, svc: svc}
}

func (f *fixture) account(t *testing.T, address string, created, lastSync time.Time) *model.Account {
	t.Helper()
	a, err := f.store.CreateAccount(context.Background(), model.Account{
		Address:    address,
		Cursor:     "100",
		Active:     true,
		CreatedAt:  created,
		LastSyncAt: lastSync,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func TestSweepMissedUpdates(t *testing.T) {
	f := newFixture(t)
	stale := f.account(t, "stale@example.com", now.Add(-48*time.Hour), now.Add(-3*time.Hour))
	f.account(t, "fresh@example.com", now.Add(-48*time.Hour), now.Add(-30*time.Minute))
	f.account(t, "new@example.com", now.Add(-time.Hour), time.Time{})
	never := f.account(t, "never@example.com", now.Add(-5*time.Hour), time.Time{})
	inactive := f.account(t, "off@example.com", now.Add(-48*time.Hour), now.Add(-10*time.Hour))
	if err := f.store.SetActive(context.Background(), inactive.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	b, err := f.svc.SweepMissedUpdates(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if b.Total != 4 || b.Succeeded != 2 || b.Skipped != 2 || b.Failed != 0 {
		t.Fatalf("unexpected batch %s", b)
	}
	want := map[string]bool{stale.ID + "/recovery": true, never.ID + "/recovery": true}
	if len(f.syncer.calls) != 2 {
		t.Fatalf("syncs = %v", f.syncer.calls)
	}
	for _, c := range f.syncer.calls {
		if !want[c] {
			t.Fatalf("unexpected sync %s", c)
		}
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.account(t, "a@example.com", now.Add(-48*time.Hour), now.Add(-3*time.Hour))
	f.account(t, "b@example.com", now.Add(-48*time.Hour), now.Add(-4*time.Hour))
	f.syncer.err = eris.New("queue down")

	b, err := f.svc.SweepMissedUpdates(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if b.Failed != 2 || len(b.Errors) != 2 {
		t.Fatalf("unexpected batch %+v", b)
	}
}

func (f *fixture) failedEvent(t *testing.T, accountID, cur string, created time.Time) *model.WebhookEvent {
	t.Helper()
	ctx := context.Background()
	ev, err := f.store.CreateEvent(ctx, model.WebhookEvent{
		AccountID:      accountID,
		NotificationID: "n-" + cur,
		Cursor:         cur,
		CreatedAt:      created,
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if ok, err := f.store.MarkEventFailed(ctx, ev.ID, "boom", created, time.Millisecond); err != nil || !ok {
		t.Fatalf("mark failed: %v %v", ok, err)
	}
	return ev
}

func TestRetryFailedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "a@example.com", now.Add(-72*time.Hour), now)
	old := f.failedEvent(t, a.ID, "150", now.Add(-25*time.Hour))
	recent := f.failedEvent(t, a.ID, "160", now.Add(-time.Hour))

	b, err := f.svc.RetryFailedEvents(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if b.Succeeded != 1 || b.Total != 1 {
		t.Fatalf("unexpected batch %s", b)
	}

	pending := f.queue.Pending()
	if len(pending) != 1 {
		t.Fatalf("jobs = %d, want 1", len(pending))
	}
	job := pending[0]
	if job.Kind != jobs.KindSyncHistory || job.Priority != jobs.PriorityLow || job.MaxAttempts != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	var p jobs.SyncHistory
	if err := job.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Trigger != jobs.TriggerRetry || p.WebhookEventID != old.ID || p.StartCursor != "100" || p.EndCursor != "150" {
		t.Fatalf("unexpected payload %+v", p)
	}

	got, _ := f.store.GetEvent(ctx, old.ID)
	if got.Status != model.EventRetried {
		t.Fatalf("old event status = %s", got.Status)
	}
	got, _ = f.store.GetEvent(ctx, recent.ID)
	if got.Status != model.EventFailed {
		t.Fatalf("recent event status = %s", got.Status)
	}

	// A second sweep finds nothing left to do.
	b, err = f.svc.RetryFailedEvents(ctx)
	if err != nil || b.Total != 0 {
		t.Fatalf("second sweep = %s, %v", b, err)
	}
}

func TestRetryRetiresEventsOfInactiveAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "a@example.com", now.Add(-72*time.Hour), now)
	ev := f.failedEvent(t, a.ID, "150", now.Add(-30*time.Hour))
	if err := f.store.SetActive(ctx, a.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	b, err := f.svc.RetryFailedEvents(ctx)
	if err != nil || b.Skipped != 1 {
		t.Fatalf("retry = %s, %v", b, err)
	}
	if len(f.queue.Pending()) != 0 {
		t.Fatalf("no job expected for inactive account")
	}
	got, _ := f.store.GetEvent(ctx, ev.ID)
	if got.Status != model.EventRetried {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestEscalationAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "a@example.com", now.Add(-time.Hour), time.Time{})
	cause := eris.New("enqueue failed")

	for i := 1; i < 5; i++ {
		escalated, err := f.svc.HandleWebhookFailure(ctx, a.ID, cause)
		if err != nil || escalated {
			t.Fatalf("failure %d: escalated=%v err=%v", i, escalated, err)
		}
	}
	got, _ := f.store.FindByID(ctx, a.ID)
	if got.FailureCount != 4 || got.Mode != model.ModePush || got.LastError != "enqueue failed" {
		t.Fatalf("after 4 failures: %+v", got)
	}

	escalated, err := f.svc.HandleWebhookFailure(ctx, a.ID, cause)
	if err != nil || !escalated {
		t.Fatalf("fifth failure: escalated=%v err=%v", escalated, err)
	}
	got, _ = f.store.FindByID(ctx, a.ID)
	if got.Mode != model.ModePoll || got.FailureCount != 0 {
		t.Fatalf("after escalation: %+v", got)
	}
	scheds := f.queue.Schedules()
	if len(scheds) != 1 || scheds[0] != "poll-account:"+a.ID {
		t.Fatalf("schedules = %v", scheds)
	}
}

type countingScheduler struct {
	*jobs.MemoryQueue
	schedules atomic.Int32
}

func (c *countingScheduler) Schedule(ctx context.Context, key string, job jobs.Job, every time.Duration) error {
	c.schedules.Add(1)
	return c.MemoryQueue.Schedule(ctx, key, job, every)
}

func TestConcurrentEscalationSchedulesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "a@example.com", now.Add(-time.Hour), time.Time{})
	for i := 0; i < 4; i++ {
		if _, err := f.store.RecordFailure(ctx, a.ID, "x", now); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	q := &countingScheduler{MemoryQueue: f.queue}
	svc := NewService(f.store, f.store, f.syncer, q, DefaultOptions(), zerolog.Nop())

	// Four more failures can reach the threshold once but not a second time.
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			escalated, err := svc.HandleWebhookFailure(ctx, a.ID, eris.New("boom"))
			if err != nil {
				t.Errorf("handle failure: %v", err)
			}
			if escalated {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || q.schedules.Load() != 1 {
		t.Fatalf("wins=%d schedules=%d, want 1 and 1", wins.Load(), q.schedules.Load())
	}
}

func TestRestorePush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "a@example.com", now.Add(-time.Hour), time.Time{})
	for i := 0; i < 5; i++ {
		if _, err := f.svc.HandleWebhookFailure(ctx, a.ID, eris.New("boom")); err != nil {
			t.Fatalf("handle failure: %v", err)
		}
	}
	if err := f.svc.RestorePush(ctx, a.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, _ := f.store.FindByID(ctx, a.ID)
	if got.Mode != model.ModePush {
		t.Fatalf("mode = %s", got.Mode)
	}
	if s := f.queue.Schedules(); len(s) != 0 {
		t.Fatalf("schedules left: %v", s)
	}
	if err := f.svc.RestorePush(ctx, "missing"); !eris.Is(err, model.ErrNotFound) {
		t.Fatalf("restore missing = %v", err)
	}
}

func TestResumePollingSchedulesPollAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	polled := f.account(t, "p@example.com", now.Add(-time.Hour), time.Time{})
	f.account(t, "q@example.com", now.Add(-time.Hour), time.Time{})
	idle := f.account(t, "r@example.com", now.Add(-time.Hour), time.Time{})
	for _, id := range []string{polled.ID, idle.ID} {
		if err := f.store.SetMode(ctx, id, model.ModePoll); err != nil {
			t.Fatalf("set mode: %v", err)
		}
	}
	if err := f.store.SetActive(ctx, idle.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	for i := 0; i < 2; i++ {
		b, err := f.svc.ResumePolling(ctx)
		if err != nil {
			t.Fatalf("resume: %v", err)
		}
		if b.Succeeded != 1 || b.Skipped != 1 || b.Failed != 0 {
			t.Fatalf("batch = %s", b)
		}
	}
	want := jobs.ScheduleKey(jobs.KindPollAccount, polled.ID)
	if s := f.queue.Schedules(); len(s) != 1 || s[0] != want {
		t.Fatalf("schedules = %v, want [%s]", s, want)
	}
}

func TestReportPreviousDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.account(t, "a@example.com", now.Add(-72*time.Hour), now)
	yesterday := now.Add(-24 * time.Hour)

	ev, _ := f.store.CreateEvent(ctx, model.WebhookEvent{AccountID: a.ID, NotificationID: "p", Cursor: "1", CreatedAt: yesterday})
	f.store.MarkEventProcessed(ctx, ev.ID, yesterday, 40*time.Millisecond)
	f.failedEvent(t, a.ID, "2", yesterday.Add(time.Hour))
	f.store.CreateEvent(ctx, model.WebhookEvent{AccountID: a.ID, NotificationID: "today", Cursor: "3", CreatedAt: now})

	b, err := f.svc.ReportPreviousDay(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	r := b.Report
	if r == nil || r.Total != 2 || r.Counts[model.EventProcessed] != 1 || r.Counts[model.EventFailed] != 1 {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.MeanProcessingTimeMs != 40 {
		t.Fatalf("mean = %v, want 40", r.MeanProcessingTimeMs)
	}
	if !r.From.Equal(time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window starts %s", r.From)
	}
}

func TestSchedulerTick(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc, Intervals{}, nil, time.Minute, zerolog.Nop())

	if got := s.Tasks(); len(got) != 3 {
		t.Fatalf("tasks = %v", got)
	}
	if _, err := s.Tick(context.Background(), "nope"); !eris.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown task = %v", err)
	}
	b, err := s.Tick(context.Background(), TaskMissedUpdateSweep)
	if err != nil || b.Task != TaskMissedUpdateSweep {
		t.Fatalf("tick = %+v, %v", b, err)
	}
	if last, ok := s.Last(TaskMissedUpdateSweep); !ok || last.Task != TaskMissedUpdateSweep {
		t.Fatalf("last = %+v, %v", last, ok)
	}
}

func TestSchedulerRejectsOverlappingRuns(t *testing.T) {
	s := NewScheduler(nil, Intervals{}, nil, time.Minute, zerolog.Nop())
	started := make(chan struct{})
	unblock := make(chan struct{})
	s.Register(Task{Name: "slow", Run: func(ctx context.Context) (Batch, error) {
		close(started)
		<-unblock
		return Batch{Task: "slow"}, nil
	}})

	done := make(chan error, 1)
	go func() {
		_, err := s.Tick(context.Background(), "slow")
		done <- err
	}()
	<-started
	if _, err := s.Tick(context.Background(), "slow"); !eris.Is(err, ErrTaskBusy) {
		t.Fatalf("overlapping tick = %v", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first tick: %v", err)
	}
}

type denyLocker struct{}

func (denyLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestSchedulerHonoursLocker(t *testing.T) {
	ran := false
	s := NewScheduler(nil, Intervals{}, denyLocker{}, time.Minute, zerolog.Nop())
	s.Register(Task{Name: "t", Run: func(ctx context.Context) (Batch, error) {
		ran = true
		return Batch{}, nil
	}})
	if _, err := s.Tick(context.Background(), "t"); !eris.Is(err, ErrTaskBusy) || ran {
		t.Fatalf("tick under foreign lock = %v, ran=%v", err, ran)
	}
}

func TestSchedulerRunTicks(t *testing.T) {
	s := NewScheduler(nil, Intervals{}, nil, time.Minute, zerolog.Nop())
	var runs atomic.Int32
	s.Register(Task{Name: "fast", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) (Batch, error) {
		runs.Add(1)
		return Batch{Task: "fast"}, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("task ran %d times", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("MAILSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MAILSYNC_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := dedup.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	l := NewRedisLocker(client, "mailsync:test:lock:"+time.Now().Format("150405.000000")+":")
	release, ok, err := l.TryLock(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock = %v, %v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "sweep", time.Minute); ok {
		t.Fatalf("second lock acquired while held")
	}
	release()
	release2, ok, err := l.TryLock(ctx, "sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock after release = %v, %v", ok, err)
	}
	release2()
}
