package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/storage"
)

// detailConcurrency bounds parallel per-item fetches against one upstream.
const detailConcurrency = 4

// MailSource ingests the most recent messages of a mailbox.
type MailSource struct {
	client provider.Mail
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// NewMailSource reads up to limit messages per run; limit <= 0 means 100.
func NewMailSource(client provider.Mail, limit int) *MailSource {
	if limit <= 0 {
		limit = 100
	}
	return &MailSource{
		client: client,
		limit:  limit,
		now:    time.Now,
		logger: slog.Default().With("component", "ingest", "source", string(KindMail)),
	}
}

func (s *MailSource) Kind() Kind     { return KindMail }
func (s *MailSource) Label() string { return "Gmail API" }

func (s *MailSource) Fetch(ctx context.Context, userID string, creds provider.Credentials) ([]Document, error) {
	ids, err := s.client.ListRecent(ctx, creds, provider.Window{Limit: s.limit})
	if err != nil {
		return nil, err
	}

	docs := make([]*Document, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			msg, err := s.client.GetDetail(gCtx, creds, id)
			if err != nil {
				// A rejected token or cancellation ends the whole run; anything
				// else only costs this message.
				if errors.Is(err, provider.ErrUnauthorized) || gCtx.Err() != nil {
					return err
				}
				s.logger.Warn("fetching message failed, skipping", "user", userID, "id", id, "error", err)
				return nil
			}
			doc, ok := normalizeEmail(msg, s.now())
			if !ok {
				s.logger.Debug("skipping message without id", "user", userID)
				return nil
			}
			docs[i] = &doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return compact(docs), nil
}

func normalizeEmail(msg provider.MailMessage, now time.Time) (Document, bool) {
	if msg.ID == "" {
		return Document{}, false
	}
	subject := header(msg.Headers, "Subject")
	from := header(msg.Headers, "From")
	date := parseMailDate(header(msg.Headers, "Date"))
	if date.IsZero() {
		date = msg.InternalDate
	}
	if date.IsZero() {
		date = now.UTC()
	}

	body := msg.TextBody
	if strings.TrimSpace(body) == "" && msg.HTMLBody != "" {
		body = htmlToText(msg.HTMLBody)
	}

	fields := &storage.EmailFields{
		ThreadID: msg.ThreadID,
		Subject:  subject,
		From:     from,
		To:       splitAddresses(header(msg.Headers, "To")),
		Cc:       splitAddresses(header(msg.Headers, "Cc")),
		Body:     body,
		HTMLBody: msg.HTMLBody,
		Date:     date,
		Labels:   msg.Labels,
	}
	return Document{
		Record: storage.Record{
			SourceType: storage.SourceEmail,
			ExternalID: msg.ID,
			Email:      fields,
		},
		Content: Truncate(joinNonEmpty(subject, body), MaxContentLength),
		Metadata: map[string]any{
			"type":    "email",
			"subject": subject,
			"from":    from,
			"date":    date.Format(time.RFC3339),
		},
	}, true
}

// header looks a header up case-insensitively.
func header(h map[string]string, name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// parseMailDate returns the zero time when the header is absent or
// unparsable.
func parseMailDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t.UTC()
	}
	if i := strings.LastIndex(s, "("); i > 0 {
		if t, err := mail.ParseDate(strings.TrimSpace(s[:i])); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func compact(docs []*Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out
}
