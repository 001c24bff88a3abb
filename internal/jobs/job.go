// Package jobs defines the work queue contract: typed job variants, the
// queue interface shared by the in-memory and JetStream backends, and the
// worker pool that executes deliveries.
package jobs

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Kind discriminates the payload carried by a Job.
type Kind string

const (
	KindFetchMessage       Kind = "fetch-message"
	KindSyncHistory        Kind = "sync-history"
	KindDownloadAttachment Kind = "download-attachment"
	KindPollAccount        Kind = "poll-account"
)

// Priority tiers. Lower values are served first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool { return p >= PriorityHigh && p <= PriorityLow }

// Triggers recorded on sync-history jobs.
const (
	TriggerWebhook  = "webhook"
	TriggerRecovery = "recovery"
	TriggerRetry    = "retry"
	TriggerPoll     = "poll"
	TriggerManual   = "manual"
)

var (
	ErrUnknownKind  = eris.New("unknown job kind")
	ErrKindMismatch = eris.New("payload kind does not match job")
)

// Payload is implemented by every typed job body.
type Payload interface {
	Kind() Kind
	Account() string
}

// FetchMessage asks the materializer to fetch and persist one message.
type FetchMessage struct {
	AccountID string `json:"accountId"`
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId,omitempty"`
}

func (FetchMessage) Kind() Kind { return KindFetchMessage }
func (p FetchMessage) Account() string { return p.AccountID }

// SyncHistory walks the remote history log from StartCursor. EndCursor is the
// cursor announced by the notification that caused the job, empty when open.
type SyncHistory struct {
	AccountID      string `json:"accountId"`
	StartCursor    string `json:"startCursor"`
	EndCursor      string `json:"endCursor,omitempty"`
	Trigger        string `json:"trigger"`
	WebhookEventID string `json:"webhookEventId,omitempty"`
}

func (SyncHistory) Kind() Kind { return KindSyncHistory }
func (p SyncHistory) Account() string { return p.AccountID }

// DownloadAttachment fetches attachment bytes into the blob store. MessageID
// is the provider message id.
type DownloadAttachment struct {
	AccountID    string `json:"accountId"`
	MessageID    string `json:"messageId"`
	AttachmentID string `json:"attachmentId"`
	PartID       string `json:"partId,omitempty"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
}

func (DownloadAttachment) Kind() Kind { return KindDownloadAttachment }
func (p DownloadAttachment) Account() string { return p.AccountID }

// PollAccount checks a POLL-mode account for remote changes.
type PollAccount struct {
	AccountID string `json:"accountId"`
}

func (PollAccount) Kind() Kind { return KindPollAccount }
func (p PollAccount) Account() string { return p.AccountID }

// Options control delivery of a job.
type Options struct {
	Priority    Priority
	MaxAttempts int
	Backoff     time.Duration // delay before the first retry, doubled per attempt
}

// DefaultOptions returns the delivery options for a kind when the caller has
// no stronger opinion.
func DefaultOptions(k Kind) Options {
	switch k {
	case KindSyncHistory:
		return Options{Priority: PriorityHigh, MaxAttempts: 3, Backoff: 2 * time.Second}
	case KindFetchMessage:
		return Options{Priority: PriorityNormal, MaxAttempts: 3, Backoff: 2 * time.Second}
	case KindDownloadAttachment:
		return Options{Priority: PriorityLow, MaxAttempts: 3, Backoff: 5 * time.Second}
	case KindPollAccount:
		return Options{Priority: PriorityNormal, MaxAttempts: 1}
	}
	return Options{Priority: PriorityLow, MaxAttempts: 1}
}

// Job is the envelope that travels through a queue.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"type"`
	AccountID   string          `json:"accountId"`
	Priority    Priority        `json:"priority"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMs   int64           `json:"backoffMs"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// New wraps p in a Job envelope. Zero fields in opts take the kind's defaults.
func New(p Payload, opts Options) (Job, error) {
	def := DefaultOptions(p.Kind())
	if !opts.Priority.Valid() {
		opts.Priority = def.Priority
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	body, err := json.Marshal(p)
	if err != nil {
		return Job{}, eris.Wrapf(err, "marshal %s payload", p.Kind())
	}
	return Job{
		ID:          uuid.NewString(),
		Kind:        p.Kind(),
		AccountID:   p.Account(),
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		Payload:     body,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(p Payload, opts Options) Job {
	j, err := New(p, opts)
	if err != nil {
		panic(err)
	}
	return j
}

// Decode unmarshals the payload into dst after checking the discriminator.
func (j Job) Decode(dst Payload) error {
	if dst.Kind() != j.Kind {
		return eris.Wrapf(ErrKindMismatch, "job %s is %s, not %s", j.ID, j.Kind, dst.Kind())
	}
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return Permanent(eris.Wrapf(err, "decode %s payload of job %s", j.Kind, j.ID))
	}
	return nil
}

// RetryDelay is the backoff before the next attempt after attempt n failed
// (n is 1-based).
func (j Job) RetryDelay(n int) time.Duration {
	base := time.Duration(j.BackoffMs) * time.Millisecond
	if base <= 0 || n < 1 {
		return base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

const maxBackoff = 30 * time.Minute

// Exhausted reports whether no attempts remain after the current one.
func (j Job) Exhausted() bool { return j.Attempt >= j.MaxAttempts }

// Marshal encodes the envelope for transport.
func (j Job) Marshal() ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, eris.Wrapf(err, "marshal job %s", j.ID)
	}
	return b, nil
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, eris.Wrap(err, "unmarshal job")
	}
	switch j.Kind {
	case KindFetchMessage, KindSyncHistory, KindDownloadAttachment, KindPollAccount:
	default:
		return Job{}, eris.Wrapf(ErrUnknownKind, "%q", j.Kind)
	}
	return j, nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the pool dead-letters the job
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
