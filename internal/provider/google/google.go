// Package google adapts Gmail and Google Calendar to the provider contracts.
package google

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kalambet/contextsync/internal/provider"
)

const (
	user            = "me"
	primaryCalendar = "primary"

	defaultMailLimit     = 100
	defaultCalendarLimit = 250
)

var (
	_ provider.Mail     = (*Client)(nil)
	_ provider.Calendar = (*CalendarClient)(nil)
)

// Client reads Gmail on behalf of a user. Extra options are appended to every
// service construction, which lets tests point at a fake endpoint.
type Client struct {
	opts []option.ClientOption
}

func NewMail(opts ...option.ClientOption) *Client {
	return &Client{opts: opts}
}

func (c *Client) service(ctx context.Context, creds provider.Credentials) (*gmail.Service, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(tokenSource(creds))}, c.opts...)
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Gmail service: %w", err)
	}
	return srv, nil
}

func (c *Client) ListRecent(ctx context.Context, creds provider.Credentials, w provider.Window) ([]string, error) {
	srv, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	limit := w.Limit
	if limit <= 0 {
		limit = defaultMailLimit
	}
	resp, err := srv.Users.Messages.List(user).MaxResults(int64(limit)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", mapError(err))
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			ids = append(ids, m.Id)
		}
	}
	return ids, nil
}

func (c *Client) GetDetail(ctx context.Context, creds provider.Credentials, id string) (provider.MailMessage, error) {
	srv, err := c.service(ctx, creds)
	if err != nil {
		return provider.MailMessage{}, err
	}
	msg, err := srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return provider.MailMessage{}, fmt.Errorf("getting message %s: %w", id, mapError(err))
	}
	return convertMessage(msg), nil
}

func convertMessage(msg *gmail.Message) provider.MailMessage {
	out := provider.MailMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Headers:  make(map[string]string),
		Labels:   msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return out
	}
	for _, h := range msg.Payload.Headers {
		if h == nil {
			continue
		}
		// First occurrence wins, matching how mail clients display headers.
		if _, ok := out.Headers[h.Name]; !ok {
			out.Headers[h.Name] = h.Value
		}
	}
	out.TextBody = partBody(msg.Payload, "text/plain")
	out.HTMLBody = partBody(msg.Payload, "text/html")
	return out
}

// partBody walks the MIME tree depth first and returns the first part of the
// given type.
func partBody(part *gmail.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, mimeType) && part.Body != nil && part.Body.Data != "" {
		if data, err := decodeBody(part.Body.Data); err == nil {
			return data
		}
	}
	for _, p := range part.Parts {
		if body := partBody(p, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// decodeBody accepts both padded and unpadded base64url, since Gmail is not
// consistent about padding.
func decodeBody(s string) (string, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(b), nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CalendarClient reads the user's primary Google calendar.
type CalendarClient struct {
	opts []option.ClientOption
}

func NewCalendar(opts ...option.ClientOption) *CalendarClient {
	return &CalendarClient{opts: opts}
}

func (c *CalendarClient) ListRecent(ctx context.Context, creds provider.Credentials, w provider.Window) ([]provider.CalendarEvent, error) {
	opts := append([]option.ClientOption{option.WithTokenSource(tokenSource(creds))}, c.opts...)
	srv, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Calendar service: %w", err)
	}
	limit := w.Limit
	if limit <= 0 {
		limit = defaultCalendarLimit
	}
	call := srv.Events.List(primaryCalendar).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(int64(limit))
	if !w.Start.IsZero() {
		call = call.TimeMin(w.Start.Format(time.RFC3339))
	}
	if !w.End.IsZero() {
		call = call.TimeMax(w.End.Format(time.RFC3339))
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", mapError(err))
	}
	events := make([]provider.CalendarEvent, 0, len(resp.Items))
	for _, ev := range resp.Items {
		if ev != nil {
			events = append(events, convertEvent(ev))
		}
	}
	return events, nil
}

func convertEvent(ev *calendar.Event) provider.CalendarEvent {
	out := provider.CalendarEvent{
		ID:          ev.Id,
		Summary:     optional(ev.Summary),
		Description: optional(ev.Description),
		Location:    optional(ev.Location),
		Status:      optional(ev.Status),
		Start:       eventTime(ev.Start),
		End:         eventTime(ev.End),
	}
	for _, a := range ev.Attendees {
		if a == nil {
			continue
		}
		out.Attendees = append(out.Attendees, provider.Attendee{Email: a.Email, DisplayName: a.DisplayName})
	}
	return out
}

func eventTime(t *calendar.EventDateTime) *provider.EventTime {
	if t == nil || (t.DateTime == "" && t.Date == "") {
		return nil
	}
	return &provider.EventTime{DateTime: t.DateTime, Date: t.Date}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func tokenSource(creds provider.Credentials) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
		Expiry:      creds.Expiry,
	})
}

// NewRefresher renews Google access tokens with the app's OAuth client.
func NewRefresher(clientID, clientSecret string) provider.OAuthRefresher {
	return provider.OAuthRefresher{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope, calendar.CalendarReadonlyScope},
	}}
}

// mapError translates Google API failures into provider sentinels.
func mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", provider.ErrUnauthorized, gerr.Message)
		case gerr.Code == http.StatusForbidden && notProvisioned(gerr):
			return fmt.Errorf("%w: %s", provider.ErrNotProvisioned, gerr.Message)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return fmt.Errorf("%w: %s", provider.ErrUnreachable, gerr.Message)
		}
		return err
	}
	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return fmt.Errorf("%w: %v", provider.ErrUnreachable, err)
	}
	return err
}

func notProvisioned(gerr *googleapi.Error) bool {
	if strings.Contains(gerr.Message, "has not been used") || strings.Contains(gerr.Message, "is disabled") {
		return true
	}
	for _, item := range gerr.Errors {
		if item.Reason == "accessNotConfigured" {
			return true
		}
	}
	return strings.Contains(gerr.Body, "SERVICE_DISABLED") || strings.Contains(gerr.Body, "accessNotConfigured")
}
