package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewAppliesKindDefaults(t *testing.T) {
	job, err := New(SyncHistory{AccountID: "a1", StartCursor: "100", EndCursor: "105", Trigger: TriggerWebhook}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if job.Kind != KindSyncHistory || job.AccountID != "a1" {
		t.Fatalf("unexpected envelope %+v", job)
	}
	if job.Priority != PriorityHigh || job.MaxAttempts != 3 || job.BackoffMs != 2000 {
		t.Fatalf("defaults not applied: %+v", job)
	}

	var body SyncHistory
	if err := job.Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.StartCursor != "100" || body.EndCursor != "105" || body.Trigger != TriggerWebhook {
		t.Fatalf("unexpected payload %+v", body)
	}

	var wrong FetchMessage
	if err := job.Decode(&wrong); err == nil {
		t.Fatalf("expected kind mismatch")
	}
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"id":"x","type":"reticulate-splines","payload":{}}`)); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	job := MustNew(PollAccount{AccountID: "a1"}, Options{})
	raw, err := job.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != job.ID || back.Kind != KindPollAccount {
		t.Fatalf("unexpected job %+v", back)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	job := MustNew(SyncHistory{AccountID: "a1"}, Options{Backoff: 2 * time.Second})
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := job.RetryDelay(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
	if got := job.RetryDelay(40); got != maxBackoff {
		t.Fatalf("expected cap, got %s", got)
	}
}

func TestMemoryQueueServesByPriority(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	low := MustNew(DownloadAttachment{AccountID: "a1", MessageID: "m1", AttachmentID: "x"}, Options{})
	normal := MustNew(FetchMessage{AccountID: "a1", MessageID: "m1"}, Options{})
	high := MustNew(SyncHistory{AccountID: "a1"}, Options{})
	for _, j := range []Job{low, normal, high} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var got []Kind
	for i := 0; i < 3; i++ {
		d, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if d.Job().Attempt != 1 {
			t.Fatalf("expected first attempt, got %d", d.Job().Attempt)
		}
		got = append(got, d.Job().Kind)
		_ = d.Ack(ctx)
	}
	want := []Kind{KindSyncHistory, KindFetchMessage, KindDownloadAttachment}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestMemoryQueueNextHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	var calls int32
	h := HandlerFunc(func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("remote unavailable")
	})
	pool := NewPool(q, h, 1, 0, zerolog.Nop())

	job := MustNew(SyncHistory{AccountID: "a1"}, Options{MaxAttempts: 3, Backoff: time.Millisecond})
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		d, err := q.Next(waitCtx)
		cancel()
		if err != nil {
			t.Fatalf("next attempt %d: %v", i+1, err)
		}
		if d.Job().Attempt != i+1 {
			t.Fatalf("attempt = %d, want %d", d.Job().Attempt, i+1)
		}
		pool.Process(ctx, d)
	}

	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d", calls)
	}
	dead, _ := q.DeadLetters(ctx, 0)
	if len(dead) != 1 || dead[0].Job.ID != job.ID {
		t.Fatalf("expected job in dead letters, got %+v", dead)
	}
	if len(q.Pending()) != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestPoolDeadLettersPermanentErrorsImmediately(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	mux := NewMux()
	pool := NewPool(q, HandlerFunc(mux.Dispatch), 1, 0, zerolog.Nop())
	if err := q.Enqueue(ctx, MustNew(PollAccount{AccountID: "a1"}, Options{MaxAttempts: 5})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, ok := q.TryNext()
	if !ok {
		t.Fatalf("expected delivery")
	}
	pool.Process(ctx, d)

	dead, _ := q.DeadLetters(ctx, 0)
	if len(dead) != 1 {
		t.Fatalf("expected unhandled kind to be dead-lettered, got %d", len(dead))
	}
}

func TestPoolRunProcessesUntilCancelled(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan string, 1)
	mux := NewMux()
	mux.HandleFunc(KindFetchMessage, func(ctx context.Context, job Job) error {
		var p FetchMessage
		if err := job.Decode(&p); err != nil {
			return err
		}
		done <- p.MessageID
		return nil
	})
	pool := NewPool(q, HandlerFunc(mux.Dispatch), 2, time.Second, zerolog.Nop())

	stopped := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(stopped)
	}()

	if err := q.Enqueue(ctx, MustNew(FetchMessage{AccountID: "a1", MessageID: "m-42"}, Options{})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case id := <-done:
		if id != "m-42" {
			t.Fatalf("got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job not processed")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool did not stop")
	}
}

func TestMemoryQueueScheduleReplaces(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()
	key := ScheduleKey(KindPollAccount, "a1")
	job := MustNew(PollAccount{AccountID: "a1"}, Options{})

	if err := q.Schedule(ctx, key, job, time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Schedule(ctx, key, job, time.Hour); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got := q.Schedules(); len(got) != 1 || got[0] != "poll-account:a1" {
		t.Fatalf("schedules = %v", got)
	}
	if err := q.Unschedule(ctx, key); err != nil {
		t.Fatalf("unschedule: %v", err)
	}
	if got := q.Schedules(); len(got) != 0 {
		t.Fatalf("schedules after unschedule = %v", got)
	}
}

func TestMemoryQueueScheduleFires(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()
	if err := q.Schedule(ctx, "tick", MustNew(PollAccount{AccountID: "a1"}, Options{}), 5*time.Millisecond); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := q.Next(waitCtx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Job().Kind != KindPollAccount {
		t.Fatalf("unexpected kind %s", d.Job().Kind)
	}
}
