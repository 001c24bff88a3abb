// Package gmail implements mailbox.Client on the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-sync/internal/mailbox"
	"github.com/Martian-dev/inbox-sync/internal/model"
)

const user = "me"

// Client implements mailbox.Client for one Gmail mailbox.
type Client struct {
	svc    *gmail.Service
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

// NewBreaker builds the circuit breaker shared by every Gmail client of the
// process. Client errors (4xx other than 429) do not count as failures.
func NewBreaker(logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && ratio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var cbErr *callbackError
			if errors.As(err, &cbErr) {
				return true
			}
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) {
				return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// New creates a Gmail client authorised by ts. Extra options are passed to
// the API service (tests point it at a local endpoint).
func New(ctx context.Context, ts oauth2.TokenSource, cb *gobreaker.CircuitBreaker, logger zerolog.Logger, opts ...option.ClientOption) (*Client, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "create Gmail service")
	}
	return &Client{svc: svc, cb: cb, logger: logger}, nil
}

// TokenSourcer hands out per-account OAuth token sources.
type TokenSourcer interface {
	TokenSource(ctx context.Context, accountID string) oauth2.TokenSource
}

// Factory builds Gmail clients per account. All clients share one breaker.
type Factory struct {
	Tokens  TokenSourcer
	Breaker *gobreaker.CircuitBreaker
	Logger  zerolog.Logger
	Options []option.ClientOption
}

func (f *Factory) ForAccount(ctx context.Context, account model.Account) (mailbox.Client, error) {
	ts := f.Tokens.TokenSource(context.WithoutCancel(ctx), account.ID)
	logger := f.Logger.With().Str("account_id", account.ID).Logger()
	return New(ctx, ts, f.Breaker, logger, f.Options...)
}

func (c *Client) call(op string, fn func() error) error {
	err := c.execute(fn)
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return cbErr.err
	}
	return classify(op, err)
}

func (c *Client) execute(fn func() error) error {
	if c.cb == nil {
		return fn()
	}
	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// classify maps provider errors onto mailbox sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		if op == "history.list" {
			return eris.Wrapf(mailbox.ErrHistoryExpired, "%s: %s", op, apiErr.Message)
		}
		return eris.Wrapf(mailbox.ErrNotFound, "%s: %s", op, apiErr.Message)
	}
	return eris.Wrap(err, op)
}

// ListMessages returns up to max of the most recent messages.
func (c *Client) ListMessages(ctx context.Context, max int) ([]mailbox.MessageRef, error) {
	var resp *gmail.ListMessagesResponse
	err := c.call("messages.list", func() error {
		var err error
		resp, err = c.svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(int64(max)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	refs := make([]mailbox.MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, mailbox.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

// GetMessage fetches a message in full format so attachment parts are visible.
func (c *Client) GetMessage(ctx context.Context, id string) (*mailbox.Message, error) {
	var m *gmail.Message
	err := c.call("messages.get", func() error {
		var err error
		m, err = c.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "message %s", id)
	}
	return normalize(m), nil
}

// GetProfile returns the mailbox address and current history id.
func (c *Client) GetProfile(ctx context.Context) (*mailbox.Profile, error) {
	var p *gmail.Profile
	err := c.call("profile.get", func() error {
		var err error
		p, err = c.svc.Users.GetProfile(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &mailbox.Profile{
		EmailAddress:  p.EmailAddress,
		Cursor:        strconv.FormatUint(p.HistoryId, 10),
		MessagesTotal: p.MessagesTotal,
	}, nil
}

// GetAttachment downloads attachment bytes.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := c.call("attachments.get", func() error {
		var err error
		body, err = c.svc.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "attachment %s of message %s", attachmentID, messageID)
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, eris.Wrapf(err, "decode attachment %s", attachmentID)
	}
	return data, nil
}

// ListHistory pages through messageAdded history after startCursor.
func (c *Client) ListHistory(ctx context.Context, startCursor string, fn func(mailbox.HistoryRecord) error) (string, error) {
	start, err := strconv.ParseUint(startCursor, 10, 64)
	if err != nil {
		// Gmail history ids fit in uint64; anything larger is handled like an
		// expired cursor.
		return "", eris.Wrapf(mailbox.ErrHistoryExpired, "history id %q not usable: %v", startCursor, err)
	}

	latest := start
	call := c.svc.Users.History.List(user).StartHistoryId(start).HistoryTypes("messageAdded").MaxResults(500)
	err = c.call("history.list", func() error {
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				if h.Id > latest {
					latest = h.Id
				}
				rec := mailbox.HistoryRecord{ID: strconv.FormatUint(h.Id, 10)}
				for _, added := range h.MessagesAdded {
					if added.Message == nil {
						continue
					}
					rec.Added = append(rec.Added, mailbox.MessageRef{ID: added.Message.Id, ThreadID: added.Message.ThreadId})
				}
				if err := fn(rec); err != nil {
					return &callbackError{err: err}
				}
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(latest, 10), nil
}

// callbackError carries a caller error out of Pages untouched.
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// normalize converts a Gmail message to mailbox.Message.
func normalize(m *gmail.Message) *mailbox.Message {
	out := &mailbox.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		Labels:   m.LabelIds,
		Headers:  make(map[string]string),
	}
	if m.InternalDate > 0 {
		out.SentAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Payload == nil {
		return out
	}
	for _, kv := range m.Payload.Headers {
		out.Headers[kv.Name] = kv.Value
		switch strings.ToLower(kv.Name) {
		case "subject":
			out.Subject = kv.Value
		case "from":
			out.From = kv.Value
		case "to":
			out.To = kv.Value
		case "cc":
			out.Cc = kv.Value
		}
	}
	out.Attachments = collectAttachments(m.Payload, nil)
	return out
}

// collectAttachments walks the MIME tree depth-first.
func collectAttachments(part *gmail.MessagePart, acc []mailbox.AttachmentMeta) []mailbox.AttachmentMeta {
	if part == nil {
		return acc
	}
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		acc = append(acc, mailbox.AttachmentMeta{
			ID:       part.Body.AttachmentId,
			PartID:   part.PartId,
			Filename: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		})
	}
	for _, child := range part.Parts {
		acc = collectAttachments(child, acc)
	}
	return acc
}

func decodeBase64URL(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
