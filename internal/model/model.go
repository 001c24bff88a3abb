// Package model holds the records shared by the ingestion pipeline.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Mode is the update channel an account is serviced by.
type Mode string

const (
	ModePush Mode = "PUSH"
	ModePoll Mode = "POLL"
)

// Account is a connected mailbox and its sync state.
type Account struct {
	ID           string
	Address      string
	OwnerUserID  string
	Cursor       string // provider historyId, decimal, never decreases
	Mode         Mode
	FailureCount int
	LastError    string
	LastErrorAt  time.Time
	LastSyncAt   time.Time
	Active       bool
	CreatedAt    time.Time
}

// SyncReference is the later of the last successful sync and account
// creation. Staleness is measured from it.
func (a Account) SyncReference() time.Time {
	if a.LastSyncAt.After(a.CreatedAt) {
		return a.LastSyncAt
	}
	return a.CreatedAt
}

// EventStatus is the lifecycle state of a WebhookEvent.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventProcessed EventStatus = "PROCESSED"
	EventFailed    EventStatus = "FAILED"
	EventRetried   EventStatus = "RETRIED"
)

// WebhookEvent records one validated push notification.
type WebhookEvent struct {
	ID               string
	AccountID        string
	NotificationID   string
	Cursor           string
	Status           EventStatus
	ReceivedAt       time.Time
	ProcessedAt      time.Time
	ProcessingTimeMs int64
	Error            string
	CreatedAt        time.Time
}

// Direction of a message relative to the account that owns it.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is a materialized remote message.
type Message struct {
	ID                string
	AccountID         string
	ProviderMessageID string
	ThreadID          string
	Direction         Direction
	SenderUserID      string
	From              string
	To                []string
	Cc                []string
	Subject           string
	Snippet           string
	Labels            []string
	SentAt            time.Time
}

// Attachment belongs to a Message. StorageKey is empty until the bytes
// have been downloaded into the blob store.
type Attachment struct {
	ID                   string
	MessageID            string
	ProviderPartID       string // MIME part id, stable across fetches
	ProviderAttachmentID string // reissued by Gmail on every fetch
	Filename             string
	MimeType             string
	Size                 int64
	StorageKey           string
	DownloadedAt         time.Time
}

// StatusReport aggregates webhook events over a window.
type StatusReport struct {
	From                 time.Time
	To                   time.Time
	Counts               map[EventStatus]int
	Total                int
	MeanProcessingTimeMs float64
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = eris.New("not found")
