package webhook

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/Martian-dev/inbox-sync/internal/cursor"
)

// ErrMalformed is returned for push bodies that cannot be turned into a
// Notification.
var ErrMalformed = eris.New("malformed push envelope")

// Notification is a validated push notification.
type Notification struct {
	AccountAddress string
	Cursor         string
	NotificationID string
	PublishTime    time.Time
	ReceivedAt     time.Time
}

// Envelope is the Pub/Sub push request body.
type Envelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		LegacyID    string            `json:"message_id"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type pushData struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// DecodeEnvelope parses a push body. The history id may arrive as a JSON
// number or string of any length; it is kept as canonical decimal text.
func DecodeEnvelope(body []byte, receivedAt time.Time) (Notification, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, eris.Wrap(ErrMalformed, "invalid JSON body")
	}
	if env.Message.Data == "" {
		return Notification{}, eris.Wrap(ErrMalformed, "missing message.data")
	}
	id := env.Message.MessageID
	if id == "" {
		id = env.Message.LegacyID
	}
	if id == "" {
		return Notification{}, eris.Wrap(ErrMalformed, "missing message.messageId")
	}

	raw, err := decodeData(env.Message.Data)
	if err != nil {
		return Notification{}, eris.Wrap(ErrMalformed, "message.data is not base64")
	}

	var data pushData
	if err := json.Unmarshal(raw, &data); err != nil {
		return Notification{}, eris.Wrap(ErrMalformed, "message.data is not JSON")
	}
	if strings.TrimSpace(data.EmailAddress) == "" {
		return Notification{}, eris.Wrap(ErrMalformed, "missing emailAddress")
	}

	hist := strings.Trim(strings.TrimSpace(string(data.HistoryID)), `"`)
	if hist == "" || hist == "null" {
		return Notification{}, eris.Wrap(ErrMalformed, "missing historyId")
	}
	c, err := cursor.Normalize(hist)
	if err != nil {
		return Notification{}, eris.Wrapf(ErrMalformed, "historyId %q is not a non-negative integer", hist)
	}

	n := Notification{
		AccountAddress: strings.ToLower(strings.TrimSpace(data.EmailAddress)),
		Cursor:         c,
		NotificationID: id,
		ReceivedAt:     receivedAt,
	}
	if env.Message.PublishTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, env.Message.PublishTime); err == nil {
			n.PublishTime = t
		}
	}
	return n, nil
}

func decodeData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
