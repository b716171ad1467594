package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/storage"
)

// CRMSource ingests contacts and the notes attached to them.
type CRMSource struct {
	client provider.CRM
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// NewCRMSource reads up to limit contacts per run; limit <= 0 means 100.
func NewCRMSource(client provider.CRM, limit int) *CRMSource {
	if limit <= 0 {
		limit = 100
	}
	return &CRMSource{
		client: client,
		limit:  limit,
		now:    time.Now,
		logger: slog.Default().With("component", "ingest", "source", string(KindCRM)),
	}
}

func (s *CRMSource) Kind() Kind     { return KindCRM }
func (s *CRMSource) Label() string { return "HubSpot CRM API" }

func (s *CRMSource) Fetch(ctx context.Context, userID string, creds provider.Credentials) ([]Document, error) {
	contacts, err := s.client.ListRecent(ctx, creds, provider.Window{Limit: s.limit})
	if err != nil {
		return nil, err
	}

	// Contacts first, then each contact's notes in contact order.
	perContact := make([][]Document, len(contacts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i, c := range contacts {
		contact, ok := normalizeContact(c)
		if !ok {
			s.logger.Debug("skipping contact without id", "user", userID)
			continue
		}
		perContact[i] = []Document{contact}
		g.Go(func() error {
			notes, err := s.client.ListNotes(gCtx, creds, c.ID)
			if err != nil {
				if errors.Is(err, provider.ErrUnauthorized) || gCtx.Err() != nil {
					return err
				}
				s.logger.Warn("fetching notes failed, skipping", "user", userID, "contact", c.ID, "error", err)
				return nil
			}
			name := contact.Record.Contact.Name()
			if name == "" {
				name = contact.Record.Contact.Email
			}
			for _, n := range notes {
				if doc, ok := normalizeNote(n, c.ID, name, s.now()); ok {
					perContact[i] = append(perContact[i], doc)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var docs []Document
	for _, d := range perContact {
		docs = append(docs, d...)
	}
	return docs, nil
}

func normalizeContact(c provider.Contact) (Document, bool) {
	if c.ID == "" {
		return Document{}, false
	}
	fields := &storage.ContactFields{
		FirstName: strings.TrimSpace(provider.String(c.FirstName)),
		LastName:  strings.TrimSpace(provider.String(c.LastName)),
		Email:     strings.TrimSpace(provider.String(c.Email)),
		Phone:     strings.TrimSpace(provider.String(c.Phone)),
		Company:   strings.TrimSpace(provider.String(c.Company)),
		Notes:     provider.String(c.LastContactedNotes),
	}
	name := fields.Name()
	return Document{
		Record: storage.Record{
			SourceType: storage.SourceContact,
			ExternalID: c.ID,
			Contact:    fields,
		},
		Content: Truncate(joinNonEmpty(name, fields.Email, fields.Company, fields.Notes), MaxContentLength),
		Metadata: map[string]any{
			"type":    "contact",
			"name":    name,
			"email":   fields.Email,
			"company": fields.Company,
			"phone":   fields.Phone,
		},
	}, true
}

// normalizeNote skips notes without an id or with an empty body.
func normalizeNote(n provider.Note, contactID, contactName string, now time.Time) (Document, bool) {
	body := strings.TrimSpace(provider.String(n.Body))
	if n.ID == "" || body == "" {
		return Document{}, false
	}
	created := now.UTC()
	if n.CreatedAt != nil && !n.CreatedAt.IsZero() {
		created = n.CreatedAt.UTC()
	}
	return Document{
		Record: storage.Record{
			SourceType: storage.SourceNote,
			ExternalID: n.ID,
			Note: &storage.NoteFields{
				Body:                body,
				AssociatedContactID: contactID,
				ContactName:         contactName,
				CreatedAt:           created,
			},
		},
		Content: Truncate(body, MaxContentLength),
		Metadata: map[string]any{
			"type":        "note",
			"contactId":   contactID,
			"contactName": contactName,
			"createdAt":   created.Format(time.RFC3339),
		},
	}, true
}
