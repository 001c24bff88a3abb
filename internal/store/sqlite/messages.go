package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/Martian-dev/inbox-sync/internal/model"
)

// UpsertMessage inserts or updates a message keyed by (account, provider
// message id) together with its attachment rows, keyed by (message, MIME
// part id). Re-running it for the same message never creates new rows even
// when the provider reissues attachment ids, and a storage key already
// recorded on an attachment is kept.
func (s *Store) UpsertMessage(ctx context.Context, m model.Message, atts []model.Attachment) (*model.Message, []model.Attachment, error) {
	toJSON, _ := json.Marshal(nonNil(m.To))
	ccJSON, _ := json.Marshal(nonNil(m.Cc))
	labelsJSON, _ := json.Marshal(nonNil(m.Labels))
	now := s.now().UnixMilli()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	candidate := m.ID
	if candidate == "" {
		candidate = uuid.NewString()
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages
		(id, account_id, provider_message_id, thread_id, direction, sender_user_id, from_addr,
		 to_addrs, cc_addrs, subject, snippet, labels_json, sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider_message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			direction = excluded.direction,
			sender_user_id = excluded.sender_user_id,
			from_addr = excluded.from_addr,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			subject = excluded.subject,
			snippet = excluded.snippet,
			labels_json = excluded.labels_json,
			sent_at = excluded.sent_at,
			updated_at = excluded.updated_at
		RETURNING id
	`, candidate, m.AccountID, m.ProviderMessageID, m.ThreadID, string(m.Direction), m.SenderUserID, m.From,
		string(toJSON), string(ccJSON), m.Subject, m.Snippet, string(labelsJSON), millis(m.SentAt), now, now,
	).Scan(&m.ID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "upsert message %s of account %s", m.ProviderMessageID, m.AccountID)
	}

	stored := make([]model.Attachment, 0, len(atts))
	for _, a := range atts {
		a.MessageID = m.ID
		if a.ProviderPartID == "" {
			a.ProviderPartID = a.ProviderAttachmentID
		}
		candidate := uuid.NewString()
		var (
			storageKey   string
			downloadedAt sql.NullInt64
		)
		err := tx.QueryRowContext(ctx, `
			INSERT INTO attachments (id, message_id, provider_part_id, provider_attachment_id, filename, mime_type, size)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id, provider_part_id) DO UPDATE SET
				provider_attachment_id = excluded.provider_attachment_id,
				filename = excluded.filename,
				mime_type = excluded.mime_type,
				size = excluded.size
			RETURNING id, storage_key, downloaded_at
		`, candidate, a.MessageID, a.ProviderPartID, a.ProviderAttachmentID, a.Filename, a.MimeType, a.Size,
		).Scan(&a.ID, &storageKey, &downloadedAt)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "upsert attachment %s of message %s", a.ProviderAttachmentID, m.ProviderMessageID)
		}
		a.StorageKey = storageKey
		a.DownloadedAt = fromMillis(downloadedAt)
		stored = append(stored, a)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, eris.Wrap(err, "commit message")
	}
	return &m, stored, nil
}

// GetMessage returns a message by (account, provider message id).
func (s *Store) GetMessage(ctx context.Context, accountID, providerMessageID string) (*model.Message, error) {
	var (
		m          model.Message
		direction  string
		toJSON     string
		ccJSON     string
		labelsJSON string
		sentAt     sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, provider_message_id, thread_id, direction, sender_user_id, from_addr,
		       to_addrs, cc_addrs, subject, snippet, labels_json, sent_at
		FROM messages WHERE account_id = ? AND provider_message_id = ?
	`, accountID, providerMessageID).Scan(&m.ID, &m.AccountID, &m.ProviderMessageID, &m.ThreadID, &direction,
		&m.SenderUserID, &m.From, &toJSON, &ccJSON, &m.Subject, &m.Snippet, &labelsJSON, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "message %s", providerMessageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "get message %s", providerMessageID)
	}
	m.Direction = model.Direction(direction)
	_ = json.Unmarshal([]byte(toJSON), &m.To)
	_ = json.Unmarshal([]byte(ccJSON), &m.Cc)
	_ = json.Unmarshal([]byte(labelsJSON), &m.Labels)
	m.SentAt = fromMillis(sentAt)
	return &m, nil
}

// CountMessages returns the number of stored messages of an account.
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID).Scan(&n)
	return n, eris.Wrap(err, "count messages")
}

// ListAttachments returns the attachment rows of a stored message.
func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, message_id, provider_part_id, provider_attachment_id, filename, mime_type, size, storage_key, downloaded_at
		FROM attachments WHERE message_id = ? ORDER BY provider_part_id
	`, messageID)
	if err != nil {
		return nil, eris.Wrap(err, "list attachments")
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var (
			a            model.Attachment
			downloadedAt sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ProviderPartID, &a.ProviderAttachmentID, &a.Filename, &a.MimeType,
			&a.Size, &a.StorageKey, &downloadedAt); err != nil {
			return nil, eris.Wrap(err, "scan attachment")
		}
		a.DownloadedAt = fromMillis(downloadedAt)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "iterate attachments")
}

// SetAttachmentStorage records where an attachment's bytes were stored. The
// row is matched by the owning message's provider id and the MIME part id.
func (s *Store) SetAttachmentStorage(ctx context.Context, accountID, providerMessageID, partID, key string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE attachments
		SET storage_key = ?, downloaded_at = ?
		WHERE provider_part_id = ?
		  AND message_id = (SELECT id FROM messages WHERE account_id = ? AND provider_message_id = ?)
	`, key, at.UnixMilli(), partID, accountID, providerMessageID)
	if err != nil {
		return eris.Wrapf(err, "record storage of part %s", partID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(model.ErrNotFound, "part %s of message %s", partID, providerMessageID)
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
