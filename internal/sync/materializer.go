package sync

import (
	"context"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-sync/internal/blob"
	"github.com/Martian-dev/inbox-sync/internal/jobs"
	"github.com/Martian-dev/inbox-sync/internal/logging"
	"github.com/Martian-dev/inbox-sync/internal/mailbox"
	"github.com/Martian-dev/inbox-sync/internal/model"
)

// MessageStore persists materialized messages.
type MessageStore interface {
	UpsertMessage(ctx context.Context, m model.Message, atts []model.Attachment) (*model.Message, []model.Attachment, error)
	SetAttachmentStorage(ctx context.Context, accountID, providerMessageID, partID, key string, at time.Time) error
}

// UserResolver maps a sender address to a local user.
type UserResolver interface {
	FindUserIDByEmail(ctx context.Context, email string) (string, bool, error)
}

var headerDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Materializer fetches remote messages, stores them and schedules their
// attachments for download.
type Materializer struct {
	accounts AccountStore
	messages MessageStore
	users    UserResolver
	clients  mailbox.ClientFactory
	blobs    blob.Store
	queue    jobs.Enqueuer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewMaterializer(accounts AccountStore, messages MessageStore, users UserResolver, clients mailbox.ClientFactory, blobs blob.Store, queue jobs.Enqueuer, logger zerolog.Logger) *Materializer {
	return &Materializer{
		accounts: accounts,
		messages: messages,
		users:    users,
		clients:  clients,
		blobs:    blobs,
		queue:    queue,
		logger:   logger.With().Str("component", "materializer").Logger(),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (m *Materializer) WithClock(now func() time.Time) *Materializer {
	m.now = now
	return m
}

func (m *Materializer) client(ctx context.Context, accountID string) (*model.Account, mailbox.Client, error) {
	account, err := m.accounts.FindByID(ctx, accountID)
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "load account %s", accountID)
	}
	client, err := m.clients.ForAccount(ctx, *account)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "mailbox client for %s", accountID)
	}
	return account, client, nil
}

// FetchAndStore fetches one message and upserts it. A message deleted on the
// remote side before it could be fetched yields (nil, nil).
func (m *Materializer) FetchAndStore(ctx context.Context, p jobs.FetchMessage) (*model.Message, error) {
	log := m.logger.With().Str("account_id", p.AccountID).Str("message_id", p.MessageID).Logger()
	account, client, err := m.client(ctx, p.AccountID)
	if err != nil {
		return nil, err
	}

	remote, err := client.GetMessage(ctx, p.MessageID)
	if eris.Is(err, mailbox.ErrNotFound) {
		log.Info().Msg("message gone before fetch")
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "fetch message %s of %s", p.MessageID, p.AccountID)
	}

	msg := normalizeMessage(account, remote)
	if msg.ThreadID == "" {
		msg.ThreadID = p.ThreadID
	}
	msg.SenderUserID = account.OwnerUserID
	if from := msg.From; from != "" && m.users != nil {
		id, ok, err := m.users.FindUserIDByEmail(ctx, from)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve sender of %s", p.MessageID)
		}
		if ok {
			msg.SenderUserID = id
		}
	}

	atts := make([]model.Attachment, 0, len(remote.Attachments))
	for _, a := range remote.Attachments {
		atts = append(atts, model.Attachment{
			ProviderPartID:       a.PartID,
			ProviderAttachmentID: a.ID,
			Filename:             decodeHeader(a.Filename),
			MimeType:             a.MimeType,
			Size:                 a.Size,
		})
	}

	stored, storedAtts, err := m.messages.UpsertMessage(ctx, msg, atts)
	if err != nil {
		return nil, err
	}

	queued := 0
	for _, a := range storedAtts {
		if a.StorageKey != "" {
			continue
		}
		job, err := jobs.New(jobs.DownloadAttachment{
			AccountID:    account.ID,
			MessageID:    stored.ProviderMessageID,
			AttachmentID: a.ProviderAttachmentID,
			PartID:       a.ProviderPartID,
			Filename:     a.Filename,
			MimeType:     a.MimeType,
			Size:         a.Size,
		}, jobs.DefaultOptions(jobs.KindDownloadAttachment))
		if err == nil {
			err = m.queue.Enqueue(ctx, job)
		}
		if err != nil {
			log.Error().Err(err).Str("attachment_id", a.ProviderAttachmentID).Msg("enqueue attachment download")
			continue
		}
		queued++
	}
	log.Info().
		Str("from", logging.MaskEmail(stored.From)).
		Str("direction", string(stored.Direction)).
		Int("attachments", len(storedAtts)).
		Int("downloads_queued", queued).
		Msg("message stored")
	return stored, nil
}

// DownloadAttachment copies attachment bytes into the blob store and records
// the storage key on the attachment row.
func (m *Materializer) DownloadAttachment(ctx context.Context, p jobs.DownloadAttachment) (string, error) {
	log := m.logger.With().
		Str("account_id", p.AccountID).
		Str("message_id", p.MessageID).
		Str("attachment_id", p.AttachmentID).
		Str("part_id", p.PartID).
		Logger()
	_, client, err := m.client(ctx, p.AccountID)
	if err != nil {
		return "", err
	}

	data, err := client.GetAttachment(ctx, p.MessageID, p.AttachmentID)
	if eris.Is(err, mailbox.ErrNotFound) {
		log.Warn().Err(err).Msg("attachment gone before download")
		return "", jobs.Permanent(err)
	}
	if err != nil {
		return "", eris.Wrapf(err, "download attachment %s", p.AttachmentID)
	}

	part := p.PartID
	if part == "" {
		part = p.AttachmentID
	}
	key := blob.AttachmentKey(p.AccountID, p.MessageID, part, p.Filename)
	if err := m.blobs.Write(ctx, key, data); err != nil {
		return "", eris.Wrapf(err, "store attachment %s", p.AttachmentID)
	}
	err = m.messages.SetAttachmentStorage(ctx, p.AccountID, p.MessageID, part, key, m.now())
	if eris.Is(err, model.ErrNotFound) {
		return "", jobs.Permanent(err)
	}
	if err != nil {
		return "", err
	}
	log.Info().Str("key", key).Int("bytes", len(data)).Msg("attachment stored")
	return key, nil
}

// normalizeMessage decodes headers and classifies direction against the
// account address.
func normalizeMessage(account *model.Account, remote *mailbox.Message) model.Message {
	msg := model.Message{
		AccountID:         account.ID,
		ProviderMessageID: remote.ID,
		ThreadID:          remote.ThreadID,
		Subject:           decodeHeader(remote.Subject),
		Snippet:           remote.Snippet,
		Labels:            remote.Labels,
		SentAt:            remote.SentAt,
		To:                parseAddresses(remote.To),
		Cc:                parseAddresses(remote.Cc),
		Direction:         model.Inbound,
	}
	if from := parseAddresses(remote.From); len(from) > 0 {
		msg.From = from[0]
	}
	if strings.EqualFold(msg.From, account.Address) {
		msg.Direction = model.Outbound
	}
	return msg
}

// parseAddresses returns the lower-cased bare addresses of a header value.
// Values that do not parse as an address list are kept if they look like a
// single address.
func parseAddresses(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		if strings.Contains(raw, "@") && !strings.ContainsAny(raw, " ,<>") {
			return []string{strings.ToLower(raw)}
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, strings.ToLower(a.Address))
		}
	}
	return out
}

func decodeHeader(raw string) string {
	decoded, err := headerDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}
