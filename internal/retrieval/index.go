package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/contextsync/internal/storage"
)

var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex runs brute-force cosine similarity over the embeddings table.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps a database whose schema was created by storage.Open.
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// idScore holds only the ID and score during the scan phase of Nearest.
// Full rows are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Nearest returns the topK rows most similar to vector among the user's
// embedded rows of the given types, best first. scanned is the number of
// vectors compared; zero means there was nothing to search.
func (s *SQLiteIndex) Nearest(ctx context.Context, userID string, types []storage.SourceType, vector []float32, topK int) (results []Result, scanned int, err error) {
	if topK <= 0 {
		return nil, 0, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, 0, nil
	}

	where, args := scope(userID, types)
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, vector FROM embeddings WHERE `+where+` AND vector IS NOT NULL`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding vectors to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, scanned, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, scanned, fmt.Errorf("decoding vector for %s: %w", id, err)
		}
		scanned++

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, scanned, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, scanned, nil
	}

	scores := make(map[string]float32, h.Len())
	ids := make([]string, 0, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		ids = append(ids, item.ID)
		scores[item.ID] = item.Score
	}

	results, err = s.fetch(ctx, ids)
	if err != nil {
		return nil, scanned, err
	}
	for i := range results {
		results[i].Similarity = float64(scores[results[i].ID])
	}
	// IN does not preserve order.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	return results, scanned, nil
}

// Scan returns every row of the user's given types, newest first, embedded
// or not.
func (s *SQLiteIndex) Scan(ctx context.Context, userID string, types []storage.SourceType) ([]Result, error) {
	where, args := scope(userID, types)
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, source_type, content, metadata_json, updated_at
		FROM embeddings WHERE `+where+`
		ORDER BY updated_at DESC, rowid DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func (s *SQLiteIndex) fetch(ctx context.Context, ids []string) ([]Result, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, source_type, content, metadata_json, updated_at
		FROM embeddings WHERE record_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K rows: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func scanResults(rows *sql.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		var st, meta, updatedAt string
		if err := rows.Scan(&r.ID, &st, &r.Content, &meta, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.SourceType = storage.SourceType(st)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
			}
		}
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at for %s: %w", r.ID, err)
		}
		r.UpdatedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

// scope builds the user and type predicate shared by every query.
func scope(userID string, types []storage.SourceType) (string, []any) {
	args := []any{userID}
	if len(types) == 0 {
		return "user_id = ?", args
	}
	for _, t := range types {
		args = append(args, string(t))
	}
	return "user_id = ? AND source_type IN (?" + strings.Repeat(",?", len(types)-1) + ")", args
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm
// of a. Vectors of different length score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
