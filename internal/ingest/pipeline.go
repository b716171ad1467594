// Package ingest pulls items from upstream providers, normalizes them into
// records, and attaches best-effort embeddings.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/storage"
)

var (
	// ErrAuthExpired means the upstream rejected the token and it could not
	// be refreshed.
	ErrAuthExpired = errors.New("authorization expired")
	// ErrUpstreamUnavailable covers transport failures and throttling.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamError is any other upstream failure.
	ErrUpstreamError = errors.New("upstream error")
)

// Kind names an ingestion source.
type Kind string

const (
	KindMail     Kind = "mail"
	KindCalendar Kind = "calendar"
	KindCRM      Kind = "crm"
)

// AllKinds lists every source in scheduling order.
var AllKinds = []Kind{KindMail, KindCalendar, KindCRM}

// ParseKind accepts a source name as used on the command line and in the API.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mail", "email", "gmail":
		return KindMail, true
	case "calendar", "meetings":
		return KindCalendar, true
	case "crm", "contacts", "hubspot":
		return KindCRM, true
	}
	return "", false
}

// Provider returns the credential key the source needs.
func (k Kind) Provider() string {
	if k == KindCRM {
		return provider.HubSpot
	}
	return provider.Google
}

// EventType is the source type recorded in the sync event log for a run of
// this kind.
func (k Kind) EventType() storage.SourceType {
	switch k {
	case KindCalendar:
		return storage.SourceMeeting
	case KindCRM:
		return storage.SourceContact
	}
	return storage.SourceEmail
}

// Status summarizes the outcome of a run.
type Status string

const (
	StatusOK             Status = "ok"
	StatusNoData         Status = "no_data"
	StatusNotProvisioned Status = "not_provisioned"
)

// Result reports what one ingestion run did. Processed counts every record
// upserted; Created is the subset that did not exist before.
type Result struct {
	Source    Kind   `json:"source"`
	Processed int    `json:"processed"`
	Created   int    `json:"created"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
}

// Document is a normalized item ready for storage.
type Document struct {
	Record   storage.Record
	Content  string
	Metadata map[string]any
}

// Source fetches and normalizes one upstream's items.
type Source interface {
	Kind() Kind
	// Label is the human name of the upstream API.
	Label() string
	Fetch(ctx context.Context, userID string, creds provider.Credentials) ([]Document, error)
}

// RecordStore persists records and their embeddings.
type RecordStore interface {
	UpsertRecord(ctx context.Context, r storage.Record) (string, bool, error)
	UpsertEmbedding(ctx context.Context, e storage.Embedding) error
}

// Embedder is the embedding gateway as seen by the pipeline.
type Embedder interface {
	IsAvailable() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CredentialSaver persists refreshed credentials.
type CredentialSaver interface {
	SaveCredentials(ctx context.Context, userID, providerName string, creds provider.Credentials) error
}

// Pipeline runs one Source end to end.
type Pipeline struct {
	source    Source
	store     RecordStore
	embedder  Embedder
	creds     CredentialSaver
	refresher provider.Refresher
	logger    *slog.Logger
}

// NewPipeline wires a pipeline. embedder and refresher may be nil: without
// an embedder every record is stored with a null vector, and without a
// refresher a rejected token ends the run with ErrAuthExpired.
func NewPipeline(src Source, store RecordStore, embedder Embedder, creds CredentialSaver, refresher provider.Refresher) *Pipeline {
	return &Pipeline{
		source:    src,
		store:     store,
		embedder:  embedder,
		creds:     creds,
		refresher: refresher,
		logger:    slog.Default().With("component", "ingest", "source", string(src.Kind())),
	}
}

func (p *Pipeline) Kind() Kind { return p.source.Kind() }

// Ingest fetches the user's recent items, upserts them, and embeds them.
func (p *Pipeline) Ingest(ctx context.Context, userID string, creds provider.Credentials) (Result, error) {
	res := Result{Source: p.source.Kind()}

	docs, err := p.fetch(ctx, userID, creds)
	if err != nil {
		if errors.Is(err, provider.ErrNotProvisioned) {
			res.Status = StatusNotProvisioned
			res.Message = fmt.Sprintf("%s is not enabled for this account; enable the API for the connected project and try again", p.source.Label())
			p.logger.Warn("source not provisioned", "user", userID, "error", err)
			return res, nil
		}
		return res, err
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		doc.Record.UserID = userID
		id, created, err := p.store.UpsertRecord(ctx, doc.Record)
		if err != nil {
			p.logger.Warn("upsert failed, skipping item",
				"user", userID, "external_id", doc.Record.ExternalID, "error", err)
			continue
		}
		res.Processed++
		if created {
			res.Created++
		}
		p.embed(ctx, id, userID, doc)
	}

	res.Status = StatusOK
	if res.Processed == 0 {
		res.Status = StatusNoData
	}
	p.logger.Info("ingestion finished",
		"user", userID, "processed", res.Processed, "created", res.Created, "fetched", len(docs))
	return res, nil
}

// fetch runs the source once and, on a rejected token, refreshes and retries
// exactly once.
func (p *Pipeline) fetch(ctx context.Context, userID string, creds provider.Credentials) ([]Document, error) {
	docs, err := p.source.Fetch(ctx, userID, creds)
	if err == nil {
		return docs, nil
	}
	if !errors.Is(err, provider.ErrUnauthorized) {
		return nil, classify(err)
	}
	if creds.RefreshToken == "" || p.refresher == nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	refreshed, rerr := p.refresher.Refresh(ctx, creds)
	if rerr != nil {
		if errors.Is(rerr, provider.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: refresh rejected: %w", ErrAuthExpired, rerr)
		}
		return nil, fmt.Errorf("refreshing %s token: %w", p.source.Kind().Provider(), classify(rerr))
	}
	if p.creds != nil {
		if err := p.creds.SaveCredentials(ctx, userID, p.source.Kind().Provider(), refreshed); err != nil {
			p.logger.Warn("persisting refreshed credentials failed", "user", userID, "error", err)
		}
	}
	p.logger.Info("access token refreshed", "user", userID)

	docs, err = p.source.Fetch(ctx, userID, refreshed)
	if err != nil {
		if errors.Is(err, provider.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: rejected after refresh: %w", ErrAuthExpired, err)
		}
		return nil, classify(err)
	}
	return docs, nil
}

func (p *Pipeline) embed(ctx context.Context, recordID, userID string, doc Document) {
	e := storage.Embedding{
		RecordID:   recordID,
		UserID:     userID,
		SourceType: doc.Record.SourceType,
		Content:    Truncate(doc.Content, MaxContentLength),
		Metadata:   doc.Metadata,
	}
	if strings.TrimSpace(e.Content) != "" && p.embedder != nil && p.embedder.IsAvailable() {
		vec, err := p.embedder.Embed(ctx, e.Content)
		if err != nil {
			p.logger.Debug("embedding skipped", "record", recordID, "error", err)
		} else {
			e.Vector = vec
		}
	}
	if err := p.store.UpsertEmbedding(ctx, e); err != nil {
		p.logger.Warn("storing embedding failed", "record", recordID, "error", err)
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, provider.ErrUnreachable):
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	case errors.Is(err, provider.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamError, err)
}
