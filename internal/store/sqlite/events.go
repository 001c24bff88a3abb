package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/Martian-dev/inbox-sync/internal/model"
)

const eventColumns = `id, account_id, notification_id, cursor, status, received_at,
	processed_at, processing_time_ms, error, created_at`

func scanEvent(row rowScanner) (*model.WebhookEvent, error) {
	var (
		e           model.WebhookEvent
		status      string
		receivedAt  int64
		processedAt sql.NullInt64
		elapsed     sql.NullInt64
		errMsg      sql.NullString
		createdAt   int64
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.NotificationID, &e.Cursor, &status, &receivedAt,
		&processedAt, &elapsed, &errMsg, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.EventStatus(status)
	e.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	e.ProcessedAt = fromMillis(processedAt)
	e.ProcessingTimeMs = elapsed.Int64
	e.Error = errMsg.String
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &e, nil
}

// CreateEvent records a validated notification in PENDING state.
func (s *Store) CreateEvent(ctx context.Context, e model.WebhookEvent) (*model.WebhookEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = e.CreatedAt
	}
	e.Status = model.EventPending
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO webhook_events (id, account_id, notification_id, cursor, status, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.NotificationID, e.Cursor, string(e.Status), e.ReceivedAt.UnixMilli(), e.CreatedAt.UnixMilli())
	if err != nil {
		return nil, eris.Wrapf(err, "insert webhook event for notification %s", e.NotificationID)
	}
	return &e, nil
}

// GetEvent returns one webhook event.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "webhook event %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "get webhook event %s", id)
	}
	return e, nil
}

// The transitions below are guarded on the current status, so an illegal
// transition updates nothing and reports false.

// MarkEventProcessed moves a PENDING event to PROCESSED.
func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time, elapsed time.Duration) (bool, error) {
	return s.transition(ctx, `
		UPDATE webhook_events
		SET status = 'PROCESSED', processed_at = ?, processing_time_ms = ?
		WHERE id = ? AND status = 'PENDING'
	`, at.UnixMilli(), elapsed.Milliseconds(), id)
}

// MarkEventFailed moves a PENDING event to FAILED with the error message.
func (s *Store) MarkEventFailed(ctx context.Context, id, message string, at time.Time, elapsed time.Duration) (bool, error) {
	return s.transition(ctx, `
		UPDATE webhook_events
		SET status = 'FAILED', error = ?, processed_at = ?, processing_time_ms = ?
		WHERE id = ? AND status = 'PENDING'
	`, message, at.UnixMilli(), elapsed.Milliseconds(), id)
}

// MarkEventRetried moves a FAILED event to RETRIED.
func (s *Store) MarkEventRetried(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, `
		UPDATE webhook_events SET status = 'RETRIED', processed_at = ?
		WHERE id = ? AND status = 'FAILED'
	`, at.UnixMilli(), id)
}

func (s *Store) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrap(err, "update webhook event status")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListFailedEvents returns FAILED events created before cutoff, oldest first.
func (s *Store) ListFailedEvents(ctx context.Context, before time.Time, limit int) ([]model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status = 'FAILED' AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, before.UnixMilli(), limit)
	if err != nil {
		return nil, eris.Wrap(err, "list failed events")
	}
	defer rows.Close()

	var out []model.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan webhook event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "iterate failed events")
}

// EventReport aggregates events created in [from, to) by status, with the
// mean processing time of the PROCESSED ones.
func (s *Store) EventReport(ctx context.Context, from, to time.Time) (model.StatusReport, error) {
	report := model.StatusReport{
		From:   from,
		To:     to,
		Counts: make(map[model.EventStatus]int),
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(processing_time_ms), 0), COUNT(processing_time_ms)
		FROM webhook_events
		WHERE created_at >= ? AND created_at < ?
		GROUP BY status
	`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return report, eris.Wrap(err, "aggregate webhook events")
	}
	defer rows.Close()

	var sum, timed int64
	for rows.Next() {
		var (
			status  string
			count   int
			sumMs   int64
			countMs int64
		)
		if err := rows.Scan(&status, &count, &sumMs, &countMs); err != nil {
			return report, eris.Wrap(err, "scan aggregate")
		}
		report.Counts[model.EventStatus(status)] = count
		report.Total += count
		if model.EventStatus(status) == model.EventProcessed {
			sum += sumMs
			timed += countMs
		}
	}
	if err := rows.Err(); err != nil {
		return report, eris.Wrap(err, "iterate aggregate")
	}
	if timed > 0 {
		report.MeanProcessingTimeMs = float64(sum) / float64(timed)
	}
	return report, nil
}
