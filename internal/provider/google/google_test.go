package google

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kalambet/contextsync/internal/provider"
)

func testOptions(srv *httptest.Server) []option.ClientOption {
	return []option.ClientOption{option.WithEndpoint(srv.URL + "/"), option.WithHTTPClient(srv.Client())}
}

func TestMailListRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/me/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("maxResults"); got != "100" {
			t.Errorf("maxResults = %q, want 100", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t1"}]}`))
	}))
	defer srv.Close()

	ids, err := NewMail(testOptions(srv)...).ListRecent(context.Background(), provider.Credentials{AccessToken: "tok"}, provider.Window{})
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestMailListRecent_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":401,"message":"Invalid Credentials","errors":[{"reason":"authError"}]}}`, provider.ErrUnauthorized},
		{"not enabled", http.StatusForbidden, `{"error":{"code":403,"message":"Gmail API has not been used in project 123 before or it is disabled.","errors":[{"reason":"accessNotConfigured"}]}}`, provider.ErrNotProvisioned},
		{"server error", http.StatusServiceUnavailable, `{"error":{"code":503,"message":"Backend Error"}}`, provider.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewMail(testOptions(srv)...).ListRecent(context.Background(), provider.Credentials{AccessToken: "tok"}, provider.Window{})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMapError_ForbiddenWithoutProvisioningIsPlain(t *testing.T) {
	err := mapError(&googleapi.Error{Code: http.StatusForbidden, Message: "Insufficient Permission"})
	if errors.Is(err, provider.ErrNotProvisioned) || errors.Is(err, provider.ErrUnauthorized) {
		t.Errorf("error = %v, want a plain upstream error", err)
	}
}

func TestConvertMessage(t *testing.T) {
	enc := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }
	msg := &gmail.Message{
		Id:           "m1",
		ThreadId:     "t1",
		LabelIds:     []string{"INBOX"},
		InternalDate: 1735732800000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Quarterly review"},
				{Name: "From", Value: "alice@example.com"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: enc("<p>Hi <b>Bob</b></p>")}},
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("Hi Bob"))}},
			},
		},
	}

	got := convertMessage(msg)
	if got.Headers["Subject"] != "Quarterly review" {
		t.Errorf("Subject = %q", got.Headers["Subject"])
	}
	if _, ok := got.Headers["Date"]; ok {
		t.Error("absent Date header should stay absent")
	}
	if got.TextBody != "Hi Bob" {
		t.Errorf("TextBody = %q", got.TextBody)
	}
	if got.HTMLBody != "<p>Hi <b>Bob</b></p>" {
		t.Errorf("HTMLBody = %q", got.HTMLBody)
	}
	if got.InternalDate.Year() != 2025 {
		t.Errorf("InternalDate = %v", got.InternalDate)
	}
}

func TestConvertEvent(t *testing.T) {
	ev := &calendar.Event{
		Id:      "e1",
		Summary: "Standup",
		Start:   &calendar.EventDateTime{DateTime: "2025-03-01T09:00:00Z"},
		Attendees: []*calendar.EventAttendee{
			{Email: "a@example.com"},
			nil,
		},
	}
	got := convertEvent(ev)
	if provider.String(got.Summary) != "Standup" {
		t.Errorf("Summary = %v", got.Summary)
	}
	if got.Description != nil {
		t.Errorf("Description = %v, want nil", *got.Description)
	}
	if got.Start == nil || got.Start.DateTime != "2025-03-01T09:00:00Z" {
		t.Errorf("Start = %+v", got.Start)
	}
	if got.End != nil {
		t.Errorf("End = %+v, want nil", got.End)
	}
	if len(got.Attendees) != 1 {
		t.Errorf("Attendees = %+v", got.Attendees)
	}
}

func TestNewRefresher_UsesGoogleEndpoint(t *testing.T) {
	r := NewRefresher("id", "secret")
	if r.Config.Endpoint.TokenURL != "https://oauth2.googleapis.com/token" {
		t.Errorf("TokenURL = %q", r.Config.Endpoint.TokenURL)
	}
}
