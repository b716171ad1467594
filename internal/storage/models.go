package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SourceType identifies the kind of content a record holds.
type SourceType string

const (
	SourceEmail   SourceType = "EMAIL"
	SourceMeeting SourceType = "MEETING"
	SourceContact SourceType = "CONTACT"
	SourceNote    SourceType = "NOTE"
)

// AllSourceTypes lists every record type in display order.
var AllSourceTypes = []SourceType{SourceEmail, SourceContact, SourceMeeting, SourceNote}

// ParseSourceType accepts the canonical upper-case names as well as the
// lower-case singular forms used on the command line.
func ParseSourceType(s string) (SourceType, bool) {
	switch s {
	case "EMAIL", "email", "emails":
		return SourceEmail, true
	case "MEETING", "meeting", "meetings":
		return SourceMeeting, true
	case "CONTACT", "contact", "contacts":
		return SourceContact, true
	case "NOTE", "note", "notes":
		return SourceNote, true
	}
	return "", false
}

// Record is one normalized item pulled from an upstream source. Exactly one
// of the variant pointers is set, matching SourceType.
type Record struct {
	ID         string
	UserID     string
	SourceType SourceType
	ExternalID string
	Email      *EmailFields
	Meeting    *MeetingFields
	Contact    *ContactFields
	Note       *NoteFields
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type EmailFields struct {
	ThreadID string    `json:"threadId"`
	Subject  string    `json:"subject"`
	From     string    `json:"from"`
	To       []string  `json:"to"`
	Cc       []string  `json:"cc"`
	Body     string    `json:"body"`
	HTMLBody string    `json:"htmlBody,omitempty"`
	Date     time.Time `json:"date"`
	Labels   []string  `json:"labels"`
}

type MeetingFields struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Start       time.Time `json:"startTime"`
	End         time.Time `json:"endTime"`
	Attendees   []string  `json:"attendees"`
	Location    string    `json:"location"`
	Status      string    `json:"status"`
}

type ContactFields struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Company   string `json:"company"`
	Notes     string `json:"notes"`
}

// Name joins first and last name, skipping empty parts.
func (c ContactFields) Name() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type NoteFields struct {
	Body                string    `json:"body"`
	AssociatedContactID string    `json:"contactId"`
	ContactName         string    `json:"contactName"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Embedding is the optional retrieval companion of a Record. A nil Vector
// means embedding was skipped for this content.
type Embedding struct {
	RecordID   string
	UserID     string
	SourceType SourceType
	Content    string
	Vector     []float32
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SyncEvent records that an ingestion run produced new or updated data.
type SyncEvent struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	SourceType SourceType `json:"sourceType"`
	OccurredAt time.Time  `json:"occurredAt"`
	ItemCount  int        `json:"itemCount"`
	Processed  bool       `json:"processed"`
}

type Instruction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type WorkItem struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      string         `json:"status"`   // "PENDING", "IN_PROGRESS", "DONE"
	Priority    string         `json:"priority"` // "LOW", "MEDIUM", "HIGH"
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Credential is a stored OAuth token pair for one user and provider.
type Credential struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}
