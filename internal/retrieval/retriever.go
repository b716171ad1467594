// Package retrieval answers queries over a user's synchronized records,
// semantically when embeddings are available and lexically otherwise.
package retrieval

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/contextsync/internal/storage"
)

const (
	DefaultLimit     = 10
	DefaultThreshold = 0.7

	// DefaultContextResults is the per-type cap for GetContextForQuery.
	DefaultContextResults = 5

	recentSimilarity = 0.3
	directSimilarity = 0.8
)

// Mode tells which path produced a Response.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeLexical  Mode = "lexical"
	ModeRecent   Mode = "recent"
)

// Result is one retrieved item. ID is the record id.
type Result struct {
	ID         string             `json:"id"`
	SourceType storage.SourceType `json:"type"`
	Content    string             `json:"content"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	Similarity float64            `json:"similarity"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

type Response struct {
	Results []Result `json:"results"`
	Mode    Mode     `json:"mode"`
}

// Options narrows a search. Zero values select all types, DefaultLimit and
// DefaultThreshold.
type Options struct {
	Types     []storage.SourceType
	Limit     int
	Threshold float64
}

func (o Options) withDefaults() Options {
	if len(o.Types) == 0 {
		o.Types = storage.AllSourceTypes
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	return o
}

// Embedder is the embedding gateway as seen by retrieval.
type Embedder interface {
	IsAvailable() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index searches stored embedding rows.
type Index interface {
	Nearest(ctx context.Context, userID string, types []storage.SourceType, vector []float32, topK int) ([]Result, int, error)
	Scan(ctx context.Context, userID string, types []storage.SourceType) ([]Result, error)
}

// RecordLister reads raw records for the direct field search.
type RecordLister interface {
	ListRecords(ctx context.Context, userID string, t storage.SourceType, limit int) ([]storage.Record, error)
}

// Retriever combines the gateway and the index. embedder and records may be
// nil.
type Retriever struct {
	embedder Embedder
	index    Index
	records  RecordLister
	logger   *slog.Logger
}

func NewRetriever(embedder Embedder, index Index, records RecordLister) *Retriever {
	return &Retriever{
		embedder: embedder,
		index:    index,
		records:  records,
		logger:   slog.Default().With("component", "retrieval"),
	}
}

// Search ranks the user's records against query. It never fails because the
// gateway is down: any problem on the semantic path falls back to lexical
// matching over stored content.
func (r *Retriever) Search(ctx context.Context, userID, query string, opts Options) (Response, error) {
	return r.search(ctx, userID, query, r.embedQuery(ctx, query), opts.withDefaults())
}

// embedQuery returns nil when the semantic path is unavailable.
func (r *Retriever) embedQuery(ctx context.Context, query string) []float32 {
	if r.embedder == nil || !r.embedder.IsAvailable() || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Debug("query embedding failed, using lexical search", "error", err)
		return nil
	}
	return vec
}

func (r *Retriever) search(ctx context.Context, userID, query string, vec []float32, opts Options) (Response, error) {
	if vec != nil {
		if results, ok := r.semantic(ctx, userID, vec, opts); ok {
			return Response{Results: results, Mode: ModeSemantic}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return r.lexical(ctx, userID, query, opts)
}

// semantic reports ok=false when the caller should fall back.
func (r *Retriever) semantic(ctx context.Context, userID string, vec []float32, opts Options) ([]Result, bool) {
	candidates, scanned, err := r.index.Nearest(ctx, userID, opts.Types, vec, opts.Limit)
	if err != nil {
		r.logger.Warn("vector scan failed, using lexical search", "user", userID, "error", err)
		return nil, false
	}
	if scanned == 0 {
		return nil, false
	}
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity > opts.Threshold {
			results = append(results, c)
		}
	}
	return results, true
}

func (r *Retriever) lexical(ctx context.Context, userID, query string, opts Options) (Response, error) {
	rows, err := r.index.Scan(ctx, userID, opts.Types)
	if err != nil {
		return Response{}, err
	}

	terms := searchTerms(query)
	if len(terms) == 0 {
		n := min(opts.Limit, len(rows))
		results := rows[:n]
		for i := range results {
			results[i].Similarity = recentSimilarity
		}
		return Response{Results: nonNil(results), Mode: ModeRecent}, nil
	}

	var results []Result
	for _, row := range rows {
		matched := countMatches(strings.ToLower(row.Content), terms)
		if matched == 0 {
			continue
		}
		row.Similarity = min(0.9, 0.3+0.6*float64(matched)/float64(len(terms)))
		results = append(results, row)
	}
	// Rows arrive newest first, so a stable sort keeps recency as the
	// tie-break.
	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return Response{Results: nonNil(results), Mode: ModeLexical}, nil
}

// searchTerms lower-cases and splits the query, keeping distinct terms longer
// than two characters.
func searchTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(f) <= 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func countMatches(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// Context groups the best matches per record type.
type Context struct {
	Emails   []Result `json:"emails"`
	Contacts []Result `json:"contacts"`
	Meetings []Result `json:"meetings"`
	Notes    []Result `json:"notes"`
}

// Empty reports whether no bucket has results.
func (c Context) Empty() bool {
	return len(c.Emails)+len(c.Contacts)+len(c.Meetings)+len(c.Notes) == 0
}

// GetContextForQuery searches every record type concurrently, at most
// maxResults each. Contacts and meetings fall back to matching record
// fields directly when the search finds nothing.
func (r *Retriever) GetContextForQuery(ctx context.Context, userID, query string, maxResults int) (Context, error) {
	if maxResults <= 0 {
		maxResults = DefaultContextResults
	}
	var out Context
	buckets := []struct {
		t    storage.SourceType
		dest *[]Result
	}{
		{storage.SourceEmail, &out.Emails},
		{storage.SourceContact, &out.Contacts},
		{storage.SourceMeeting, &out.Meetings},
		{storage.SourceNote, &out.Notes},
	}

	// One query embedding serves all buckets.
	vec := r.embedQuery(ctx, query)

	g, gCtx := errgroup.WithContext(ctx)
	for _, b := range buckets {
		g.Go(func() error {
			opts := Options{Types: []storage.SourceType{b.t}, Limit: maxResults}.withDefaults()
			resp, err := r.search(gCtx, userID, query, vec, opts)
			if err != nil {
				return err
			}
			results := resp.Results
			if len(results) == 0 && (b.t == storage.SourceContact || b.t == storage.SourceMeeting) {
				if results, err = r.direct(gCtx, userID, b.t, query, maxResults); err != nil {
					return err
				}
			}
			*b.dest = nonNil(results)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Context{}, err
	}
	return out, nil
}

// direct matches query terms against contact or meeting fields.
func (r *Retriever) direct(ctx context.Context, userID string, t storage.SourceType, query string, limit int) ([]Result, error) {
	terms := searchTerms(query)
	if r.records == nil || len(terms) == 0 {
		return nil, nil
	}
	records, err := r.records.ListRecords(ctx, userID, t, 0)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, rec := range records {
		res, ok := directMatch(rec, terms)
		if !ok {
			continue
		}
		results = append(results, res)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func directMatch(rec storage.Record, terms []string) (Result, bool) {
	var fields []string
	var content string
	var meta map[string]any
	switch {
	case rec.Contact != nil:
		c := rec.Contact
		fields = []string{c.FirstName, c.LastName, c.Email, c.Company}
		content = strings.Join(strings.Fields(strings.Join(fields, " ")), " ")
		meta = map[string]any{"type": "contact", "name": c.Name(), "email": c.Email, "company": c.Company}
	case rec.Meeting != nil:
		m := rec.Meeting
		fields = append([]string{m.Title, m.Description}, m.Attendees...)
		content = strings.TrimSpace(m.Title + " " + m.Description)
		meta = map[string]any{
			"type":      "meeting",
			"title":     m.Title,
			"startTime": m.Start.Format(time.RFC3339),
			"attendees": m.Attendees,
			"location":  m.Location,
		}
	default:
		return Result{}, false
	}

	haystack := strings.ToLower(strings.Join(fields, "\n"))
	if countMatches(haystack, terms) == 0 {
		return Result{}, false
	}
	return Result{
		ID:         rec.ID,
		SourceType: rec.SourceType,
		Content:    content,
		Metadata:   meta,
		Similarity: directSimilarity,
		UpdatedAt:  rec.UpdatedAt,
	}, true
}
