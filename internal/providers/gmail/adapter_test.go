package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-sync/internal/mailbox"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), nil, NewBreaker(zerolog.Nop()), zerolog.Nop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestGetProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"emailAddress":"a@example.com","historyId":"4242","messagesTotal":12}`)
	})
	c := newTestClient(t, mux)

	p, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.Cursor != "4242" || p.EmailAddress != "a@example.com" || p.MessagesTotal != 12 {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestGetMessageCollectsAttachments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "full" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		writeJSON(w, 200, `{
			"id":"m1","threadId":"t1","snippet":"hi","labelIds":["INBOX"],"internalDate":"1714521600000",
			"payload":{
				"mimeType":"multipart/mixed",
				"headers":[{"name":"Subject","value":"Report"},{"name":"From","value":"Bob <bob@example.com>"},{"name":"To","value":"a@example.com"}],
				"parts":[
					{"partId":"0","mimeType":"text/plain","body":{"size":2,"data":"aGk"}},
					{"partId":"1","mimeType":"multipart/mixed","parts":[
						{"partId":"1.0","mimeType":"application/pdf","filename":"q1.pdf","body":{"attachmentId":"att-1","size":1024}}
					]}
				]
			}
		}`)
	})
	c := newTestClient(t, mux)

	m, err := c.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Subject != "Report" || m.From != "Bob <bob@example.com>" || m.ThreadID != "t1" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.SentAt.UnixMilli() != 1714521600000 {
		t.Fatalf("sent at %s", m.SentAt)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].ID != "att-1" || m.Attachments[0].Filename != "q1.pdf" || m.Attachments[0].Size != 1024 {
		t.Fatalf("unexpected attachments %+v", m.Attachments)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	})
	c := newTestClient(t, mux)

	_, err := c.GetMessage(context.Background(), "gone")
	if !eris.Is(err, mailbox.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAttachmentDecodesBase64URL(t *testing.T) {
	payload := []byte("binary?>data")
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1/attachments/att-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"size":12,"data":"`+base64.RawURLEncoding.EncodeToString(payload)+`"}`)
	})
	c := newTestClient(t, mux)

	data, err := c.GetAttachment(context.Background(), "m1", "att-1")
	if err != nil {
		t.Fatalf("attachment: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("got %q", data)
	}
}

func TestListHistoryPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startHistoryId") != "100" {
			t.Errorf("startHistoryId = %q", r.URL.Query().Get("startHistoryId"))
		}
		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(w, 200, `{"historyId":"110","nextPageToken":"p2","history":[
				{"id":"101","messagesAdded":[{"message":{"id":"m1","threadId":"t1"}}]}
			]}`)
		default:
			writeJSON(w, 200, `{"historyId":"110","history":[
				{"id":"105","messagesAdded":[{"message":{"id":"m2","threadId":"t2"}},{"message":{"id":"m3","threadId":"t2"}}]}
			]}`)
		}
	})
	c := newTestClient(t, mux)

	var ids []string
	latest, err := c.ListHistory(context.Background(), "100", func(rec mailbox.HistoryRecord) error {
		for _, ref := range rec.Added {
			ids = append(ids, ref.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if latest != "110" {
		t.Fatalf("latest = %s", latest)
	}
	if strings.Join(ids, ",") != "m1,m2,m3" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestListHistoryExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	})
	c := newTestClient(t, mux)

	_, err := c.ListHistory(context.Background(), "1", func(mailbox.HistoryRecord) error { return nil })
	if !eris.Is(err, mailbox.ErrHistoryExpired) {
		t.Fatalf("expected ErrHistoryExpired, got %v", err)
	}
}

func TestListHistoryOversizedCursorFallsBackToResync(t *testing.T) {
	mux := http.NewServeMux()
	called := false
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeJSON(w, 200, `{"historyId":"5"}`)
	})
	c := newTestClient(t, mux)

	_, err := c.ListHistory(context.Background(), "99999999999999999999", func(mailbox.HistoryRecord) error { return nil })
	if !eris.Is(err, mailbox.ErrHistoryExpired) {
		t.Fatalf("expected ErrHistoryExpired, got %v", err)
	}
	if called {
		t.Fatal("history.list called with an unusable cursor")
	}
}

func TestListHistoryCallbackErrorPassesThrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"historyId":"5","history":[{"id":"5","messagesAdded":[{"message":{"id":"m1"}}]}]}`)
	})
	c := newTestClient(t, mux)

	sentinel := eris.New("queue down")
	_, err := c.ListHistory(context.Background(), "1", func(mailbox.HistoryRecord) error { return sentinel })
	if !eris.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
