package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/storage"
)

const (
	// CalendarWindow is how far before and after now events are read.
	CalendarWindow = 30 * 24 * time.Hour

	untitledEvent = "Untitled Event"
)

// CalendarSource ingests events around the current date.
type CalendarSource struct {
	client provider.Calendar
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewCalendarSource(client provider.Calendar) *CalendarSource {
	return &CalendarSource{
		client: client,
		window: CalendarWindow,
		now:    time.Now,
		logger: slog.Default().With("component", "ingest", "source", string(KindCalendar)),
	}
}

func (s *CalendarSource) Kind() Kind     { return KindCalendar }
func (s *CalendarSource) Label() string { return "Google Calendar API" }

func (s *CalendarSource) Fetch(ctx context.Context, userID string, creds provider.Credentials) ([]Document, error) {
	now := s.now().UTC()
	events, err := s.client.ListRecent(ctx, creds, provider.Window{
		Start: now.Add(-s.window),
		End:   now.Add(s.window),
	})
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(events))
	for _, ev := range events {
		doc, ok := normalizeMeeting(ev)
		if !ok {
			s.logger.Debug("skipping event without id or start", "user", userID, "id", ev.ID)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func normalizeMeeting(ev provider.CalendarEvent) (Document, bool) {
	if ev.ID == "" || ev.Start == nil {
		return Document{}, false
	}
	start, ok := parseEventTime(*ev.Start)
	if !ok {
		return Document{}, false
	}
	end := start
	if ev.End != nil {
		if t, ok := parseEventTime(*ev.End); ok {
			end = t
		}
	}

	title := strings.TrimSpace(provider.String(ev.Summary))
	if title == "" {
		title = untitledEvent
	}
	description := provider.String(ev.Description)

	attendees := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		switch {
		case a.Email != "":
			attendees = append(attendees, a.Email)
		case a.DisplayName != "":
			attendees = append(attendees, a.DisplayName)
		}
	}

	fields := &storage.MeetingFields{
		Title:       title,
		Description: description,
		Start:       start,
		End:         end,
		Attendees:   attendees,
		Location:    provider.String(ev.Location),
		Status:      provider.String(ev.Status),
	}
	return Document{
		Record: storage.Record{
			SourceType: storage.SourceMeeting,
			ExternalID: ev.ID,
			Meeting:    fields,
		},
		Content: Truncate(joinNonEmpty(title, description, strings.Join(attendees, " ")), MaxContentLength),
		Metadata: map[string]any{
			"type":      "meeting",
			"title":     title,
			"startTime": start.Format(time.RFC3339),
			"attendees": attendees,
		},
	}, true
}

// parseEventTime reads a timed instant, or an all-day date as midnight UTC.
func parseEventTime(et provider.EventTime) (time.Time, bool) {
	if et.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, et.DateTime); err == nil {
			return t.UTC(), true
		}
	}
	if et.Date != "" {
		if t, err := time.Parse(time.DateOnly, et.Date); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
