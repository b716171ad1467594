// Package provider defines the contracts for the upstream mail, calendar,
// and CRM services. Adapters live in subpackages.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized is a 401-class rejection of the access token.
	ErrUnauthorized = errors.New("upstream rejected access token")
	// ErrNotProvisioned means the upstream API is not enabled for the
	// account or project.
	ErrNotProvisioned = errors.New("upstream api not enabled")
	// ErrUnreachable covers transport failures, throttling, and 5xx answers.
	ErrUnreachable = errors.New("upstream unreachable")
)

// Provider names used as credential keys.
const (
	Google  = "google"
	HubSpot = "hubspot"
)

// Credentials is an OAuth token pair for one provider.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Window bounds a listing. Zero times mean unbounded; Limit <= 0 lets the
// adapter pick its default page size.
type Window struct {
	Start time.Time
	End   time.Time
	Limit int
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, creds Credentials) (Credentials, error)
}

// MailMessage is a fetched message. Header values are raw; absent headers
// are absent from the map.
type MailMessage struct {
	ID           string
	ThreadID     string
	Headers      map[string]string
	TextBody     string
	HTMLBody     string
	Labels       []string
	InternalDate time.Time
}

type Mail interface {
	// ListRecent returns the ids of the most recent messages.
	ListRecent(ctx context.Context, creds Credentials, w Window) ([]string, error)
	GetDetail(ctx context.Context, creds Credentials, id string) (MailMessage, error)
}

// EventTime is either a timed instant (DateTime, RFC 3339) or an all-day
// date (Date, YYYY-MM-DD).
type EventTime struct {
	DateTime string
	Date     string
}

type Attendee struct {
	Email       string
	DisplayName string
}

type CalendarEvent struct {
	ID          string
	Summary     *string
	Description *string
	Location    *string
	Status      *string
	Start       *EventTime
	End         *EventTime
	Attendees   []Attendee
}

type Calendar interface {
	ListRecent(ctx context.Context, creds Credentials, w Window) ([]CalendarEvent, error)
}

type Contact struct {
	ID                 string
	FirstName          *string
	LastName           *string
	Email              *string
	Phone              *string
	Company            *string
	LastContactedNotes *string
}

type Note struct {
	ID        string
	Body      *string
	CreatedAt *time.Time
}

type CRM interface {
	ListRecent(ctx context.Context, creds Credentials, w Window) ([]Contact, error)
	GetDetail(ctx context.Context, creds Credentials, id string) (Contact, error)
	ListNotes(ctx context.Context, creds Credentials, contactID string) ([]Note, error)
}

// String dereferences an optional field, returning "" when absent.
func String(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
