// Package mailbox is the narrow contract the pipeline consumes from a remote
// mail provider.
package mailbox

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Martian-dev/inbox-sync/internal/model"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle ProviderName = "google"
)

var (
	// ErrHistoryExpired means the provider cannot page from the start cursor,
	// usually because it is older than the history retained. Callers fall
	// back to a full sync.
	ErrHistoryExpired = eris.New("history cursor expired")
	// ErrNotFound means the remote message or attachment no longer exists.
	ErrNotFound = eris.New("remote object not found")
)

// MessageRef identifies a remote message.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Profile is the remote mailbox state.
type Profile struct {
	EmailAddress  string
	Cursor        string // current history id
	MessagesTotal int64
}

// AttachmentMeta describes one attachment part of a message.
type AttachmentMeta struct {
	ID       string // provider attachment id
	PartID   string
	Filename string
	MimeType string
	Size     int64
}

// Message is a remote message as returned by the provider. Header values are
// raw and may still carry RFC 2047 encoded words.
type Message struct {
	ID          string
	ThreadID    string
	Subject     string
	From        string
	To          string
	Cc          string
	Snippet     string
	Labels      []string
	Headers     map[string]string
	SentAt      time.Time
	Attachments []AttachmentMeta
}

// HistoryRecord is one entry of the remote change log.
type HistoryRecord struct {
	ID    string
	Added []MessageRef
}

// Client performs remote calls against one mailbox.
type Client interface {
	ListMessages(ctx context.Context, max int) ([]MessageRef, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetProfile(ctx context.Context) (*Profile, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	// ListHistory pages through changes after startCursor, calling fn for
	// each record in order. It returns the newest history id reported by the
	// provider.
	ListHistory(ctx context.Context, startCursor string, fn func(HistoryRecord) error) (string, error)
}

// ClientFactory builds a Client authorised for an account.
type ClientFactory interface {
	ForAccount(ctx context.Context, account model.Account) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(ctx context.Context, account model.Account) (Client, error)

func (f ClientFactoryFunc) ForAccount(ctx context.Context, account model.Account) (Client, error) {
	return f(ctx, account)
}
