package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/Martian-dev/inbox-sync/internal/cursor"
	"github.com/Martian-dev/inbox-sync/internal/model"
)

const accountColumns = `id, address, owner_user_id, cursor, mode, failure_count,
	last_error, last_error_at, last_sync_at, active, created_at`

// cursorGreater is true when ?1 is a larger canonical decimal than the stored
// cursor. Canonical decimals order by length first, then lexically.
const cursorGreater = `(cursor = '' OR length(cursor) < length(?1) OR (length(cursor) = length(?1) AND cursor < ?1))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a          model.Account
		mode       string
		lastError  sql.NullString
		lastErrAt  sql.NullInt64
		lastSyncAt sql.NullInt64
		active     int
		createdAt  int64
	)
	err := row.Scan(&a.ID, &a.Address, &a.OwnerUserID, &a.Cursor, &mode, &a.FailureCount,
		&lastError, &lastErrAt, &lastSyncAt, &active, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Mode = model.Mode(mode)
	a.LastError = lastError.String
	a.LastErrorAt = fromMillis(lastErrAt)
	a.LastSyncAt = fromMillis(lastSyncAt)
	a.Active = active != 0
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &a, nil
}

// CreateAccount inserts a new account. Missing id, mode and creation time are
// filled in.
func (s *Store) CreateAccount(ctx context.Context, a model.Account) (*model.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Mode == "" {
		a.Mode = model.ModePush
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	c, err := cursor.Normalize(a.Cursor)
	if err != nil {
		return nil, err
	}
	a.Cursor = c
	a.Address = normalizeAddress(a.Address)

	active := 0
	if a.Active {
		active = 1
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Address, a.OwnerUserID, a.Cursor, string(a.Mode), a.FailureCount,
		nullString(a.LastError), millis(a.LastErrorAt), millis(a.LastSyncAt), active, a.CreatedAt.UnixMilli())
	if err != nil {
		return nil, eris.Wrapf(err, "insert account %s", a.ID)
	}
	return &a, nil
}

// FindByAddress returns the account for a mailbox address, ignoring case.
func (s *Store) FindByAddress(ctx context.Context, address string) (*model.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE address = ?`, normalizeAddress(address))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "account %s", address)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "find account by address")
	}
	return a, nil
}

// FindByID returns the account with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "account %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "find account %s", id)
	}
	return a, nil
}

// ListActive returns every active account ordered by creation.
func (s *Store) ListActive(ctx context.Context) ([]model.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "list active accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scan account")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "iterate accounts")
}

// AdvanceCursor moves the account cursor forward to c and stamps the last
// successful sync time. The cursor only moves when c is greater than the
// stored value; syncedAt is recorded either way. Returns whether the cursor
// moved.
func (s *Store) AdvanceCursor(ctx context.Context, accountID, c string, syncedAt time.Time) (bool, error) {
	c, err := cursor.Normalize(c)
	if err != nil {
		return false, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	advanced := false
	if c != "" {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET cursor = ?1 WHERE id = ?2 AND `+cursorGreater, c, accountID)
		if err != nil {
			return false, eris.Wrapf(err, "advance cursor of %s", accountID)
		}
		n, _ := res.RowsAffected()
		advanced = n > 0
	}

	if !syncedAt.IsZero() {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET last_sync_at = MAX(COALESCE(last_sync_at, 0), ?)
			WHERE id = ?
		`, syncedAt.UnixMilli(), accountID)
		if err != nil {
			return false, eris.Wrapf(err, "stamp sync time of %s", accountID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, eris.Wrapf(model.ErrNotFound, "account %s", accountID)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "commit cursor")
	}
	return advanced, nil
}

// RecordFailure increments the failure counter and stores the error. It
// returns the new counter value.
func (s *Store) RecordFailure(ctx context.Context, accountID, message string, at time.Time) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		UPDATE accounts
		SET failure_count = failure_count + 1,
		    last_error = ?,
		    last_error_at = ?
		WHERE id = ?
		RETURNING failure_count
	`, message, at.UnixMilli(), accountID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(model.ErrNotFound, "account %s", accountID)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "record failure for %s", accountID)
	}
	return count, nil
}

// EscalateToPoll switches the account to POLL and resets its counter, but only
// when the counter has reached threshold. Concurrent callers race on the same
// row and exactly one of them sees true.
func (s *Store) EscalateToPoll(ctx context.Context, accountID string, threshold int) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET mode = 'POLL', failure_count = 0
		WHERE id = ? AND failure_count >= ?
	`, accountID, threshold)
	if err != nil {
		return false, eris.Wrapf(err, "escalate %s", accountID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetMode sets the update channel of an account and clears its failure state.
func (s *Store) SetMode(ctx context.Context, accountID string, mode model.Mode) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET mode = ?, failure_count = 0 WHERE id = ?
	`, string(mode), accountID)
	if err != nil {
		return eris.Wrapf(err, "set mode of %s", accountID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(model.ErrNotFound, "account %s", accountID)
	}
	return nil
}

// SetActive enables or disables an account.
func (s *Store) SetActive(ctx context.Context, accountID string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET active = ? WHERE id = ?`, v, accountID)
	if err != nil {
		return eris.Wrapf(err, "set active on %s", accountID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(model.ErrNotFound, "account %s", accountID)
	}
	return nil
}

// UpsertUser registers a local user by email.
func (s *Store) UpsertUser(ctx context.Context, id, email string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO users (id, email) VALUES (?, ?)
		ON CONFLICT(email) DO UPDATE SET id = excluded.id
	`, id, normalizeAddress(email))
	return eris.Wrapf(err, "upsert user %s", id)
}

// FindUserIDByEmail resolves a local user from an email address.
func (s *Store) FindUserIDByEmail(ctx context.Context, email string) (string, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, normalizeAddress(email)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "find user by email")
	}
	return id, true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
