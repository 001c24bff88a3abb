package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/auth"
	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/model"
	"github.com/Martian-dev/inbox-sync/internal/recovery"
	msync "github.com/Martian-dev/inbox-sync/internal/sync"
	"github.com/Martian-dev/inbox-sync/internal/webhook"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeProcessor struct {
	calls   []webhook.Notification
	outcome webhook.Outcome
	err     error
}

func (p *fakeProcessor) Process(ctx context.Context, n webhook.Notification) (webhook.Outcome, error) {
	p.calls = append(p.calls, n)
	return p.outcome, p.err
}

type fakeRecovery struct {
	failures []string
	restored []string
	day      time.Time
}

func (r *fakeRecovery) HandleWebhookFailure(ctx context.Context, accountID string, cause error) (bool, error) {
	r.failures = append(r.failures, accountID)
	return false, nil
}

func (r *fakeRecovery) RestorePush(ctx context.Context, accountID string) error {
	if accountID == "missing" {
		return eris.Wrap(model.ErrNotFound, "account missing")
	}
	r.restored = append(r.restored, accountID)
	return nil
}

func (r *fakeRecovery) DailyReport(ctx context.Context, day time.Time) (model.StatusReport, error) {
	r.day = day
	return model.StatusReport{
		From:                 day,
		To:                   day.Add(24 * time.Hour),
		Counts:               map[model.EventStatus]int{model.EventProcessed: 3},
		Total:                3,
		MeanProcessingTimeMs: 12.5,
	}, nil
}

type fakeTasks struct{}

func (fakeTasks) Tick(ctx context.Context, name string) (recovery.Batch, error) {
	switch name {
	case recovery.TaskMissedUpdateSweep:
		return recovery.Batch{Task: name, Total: 2, Succeeded: 2}, nil
	case recovery.TaskFailedEventRetry:
		return recovery.Batch{}, eris.Wrap(recovery.ErrTaskBusy, name)
	}
	return recovery.Batch{}, eris.Wrapf(recovery.ErrUnknownTask, "%q", name)
}

type fakeSyncer struct{}

func (fakeSyncer) FullSync(ctx context.Context, accountID string) (msync.SyncResult, error) {
	return msync.SyncResult{AccountID: accountID, Full: true, Enqueued: 5, Cursor: "900"}, nil
}

type fakeDead struct{}

func (fakeDead) DeadLetters(ctx context.Context, limit int) ([]jobs.DeadLetter, error) {
	return nil, nil
}

type fixture struct {
	processor *fakeProcessor
	recovery  *fakeRecovery
	handler   http.Handler
}

func newFixture(t *testing.T, production bool) *fixture {
	t.Helper()
	verifier, err := auth.NewPushVerifier(context.Background(), auth.PushConfig{Production: production, Secret: "push-secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	f := &fixture{processor: &fakeProcessor{}, recovery: &fakeRecovery{}}
	srv := NewServer(Deps{
		AdminToken:  "admin-secret",
		Verifier:    verifier,
		Processor:   f.processor,
		Recovery:    f.recovery,
		Tasks:       fakeTasks{},
		Syncer:      fakeSyncer{},
		DeadLetters: fakeDead{},
		Health:      func(ctx context.Context) error { return nil },
	}, zerolog.Nop()).WithClock(func() time.Time { return time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC) })
	f.handler = srv.Handler()
	return f
}

func pushBody(address, history, id string) string {
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"` + address + `","historyId":` + history + `}`))
	return `{"message":{"data":"` + data + `","messageId":"` + id + `"},"subscription":"s"}`
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEnqueued(t *testing.T) {
	f := newFixture(t, true)
	f.processor.outcome = webhook.OutcomeEnqueued

	rec := f.do(http.MethodPost, "/webhooks/google", pushBody("a@example.com", "105", "n-1"), "push-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.processor.calls) != 1 || f.processor.calls[0].Cursor != "105" || f.processor.calls[0].NotificationID != "n-1" {
		t.Fatalf("processor calls = %+v", f.processor.calls)
	}
	if !strings.Contains(rec.Body.String(), `"enqueued"`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestWebhookRejectsBadAuthInProduction(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/webhooks/google", pushBody("a@example.com", "1", "n"), "wrong")
	if rec.Code != http.StatusUnauthorized || len(f.processor.calls) != 0 {
		t.Fatalf("status = %d, calls = %d", rec.Code, len(f.processor.calls))
	}

	dev := newFixture(t, false)
	rec = dev.do(http.MethodPost, "/webhooks/google?token=wrong", pushBody("a@example.com", "1", "n"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("development status = %d", rec.Code)
	}
}

func TestWebhookMalformedEnvelope(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/webhooks/google", `{"message":{}}`, "")
	if rec.Code != http.StatusBadRequest || len(f.processor.calls) != 0 {
		t.Fatalf("status = %d, calls = %d", rec.Code, len(f.processor.calls))
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/webhooks/outlook", pushBody("a@example.com", "1", "n"), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookFailureAckPolicy(t *testing.T) {
	t.Run("recorded", func(t *testing.T) {
		f := newFixture(t, false)
		f.processor.outcome = webhook.OutcomeFailed
		f.processor.err = &webhook.ProcessError{AccountID: "acc-1", EventID: "ev-1", Recorded: true, Err: eris.New("queue down")}

		rec := f.do(http.MethodPost, "/webhooks/google", pushBody("a@example.com", "5", "n"), "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if len(f.recovery.failures) != 1 || f.recovery.failures[0] != "acc-1" {
			t.Fatalf("failures = %v", f.recovery.failures)
		}
	})
	t.Run("not recorded", func(t *testing.T) {
		f := newFixture(t, false)
		f.processor.outcome = webhook.OutcomeFailed
		f.processor.err = &webhook.ProcessError{Err: eris.New("redis down")}

		rec := f.do(http.MethodPost, "/webhooks/google", pushBody("a@example.com", "5", "n"), "")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rec.Code)
		}
		if len(f.recovery.failures) != 0 {
			t.Fatalf("failure recorded without an account: %v", f.recovery.failures)
		}
	})
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, false)
	if rec := f.do(http.MethodPost, "/admin/recovery/missed-update-sweep", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/admin/recovery/missed-update-sweep", "", "nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
}

func TestAdminRecoveryTasks(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/admin/recovery/missed-update-sweep", "", "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var b recovery.Batch
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil || b.Succeeded != 2 {
		t.Fatalf("batch = %+v, %v", b, err)
	}
	if rec := f.do(http.MethodPost, "/admin/recovery/failed-event-retry", "", "admin-secret"); rec.Code != http.StatusConflict {
		t.Fatalf("busy status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/admin/recovery/bogus", "", "admin-secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d", rec.Code)
	}
}

func TestAdminReport(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/admin/report", "", "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.recovery.day.Format(time.DateOnly) != "2024-06-09" {
		t.Fatalf("default day = %s", f.recovery.day)
	}
	var r reportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil || r.Total != 3 || r.MeanProcessingTimeMs != 12.5 {
		t.Fatalf("report = %+v, %v", r, err)
	}

	f.do(http.MethodGet, "/admin/report?day=2024-01-02", "", "admin-secret")
	if f.recovery.day.Format(time.DateOnly) != "2024-01-02" {
		t.Fatalf("explicit day = %s", f.recovery.day)
	}
	if rec := f.do(http.MethodGet, "/admin/report?day=yesterday", "", "admin-secret"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day status = %d", rec.Code)
	}
}

func TestAdminAccountOperations(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/admin/accounts/acc-1/full-sync", "", "admin-secret")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enqueued":5`) {
		t.Fatalf("full sync = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodPost, "/admin/accounts/acc-1/restore-push", "", "admin-secret"); rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/admin/accounts/missing/restore-push", "", "admin-secret"); rec.Code != http.StatusNotFound {
		t.Fatalf("restore missing status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/admin/dead-letters", "", "admin-secret"); rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("dead letters = %d %s", rec.Code, rec.Body)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
