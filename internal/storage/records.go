package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// --- Records ---

// UpsertRecord inserts r or updates the existing row with the same
// (user, source type, external id). The internal id of an existing row is
// kept. It returns the record id and whether a new row was created.
func (s *Store) UpsertRecord(ctx context.Context, r Record) (string, bool, error) {
	if r.UserID == "" || r.ExternalID == "" {
		return "", false, fmt.Errorf("record requires user id and external id")
	}
	fields, err := encodeFields(r)
	if err != nil {
		return "", false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM records WHERE user_id = ? AND source_type = ? AND external_id = ?`,
		r.UserID, string(r.SourceType), r.ExternalID,
	).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = r.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, user_id, source_type, external_id, fields_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, r.UserID, string(r.SourceType), r.ExternalID, fields, now, now,
		); err != nil {
			return "", false, fmt.Errorf("inserting record %s: %w", r.ExternalID, err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("committing record insert: %w", err)
		}
		return id, true, nil
	case err != nil:
		return "", false, fmt.Errorf("looking up record %s: %w", r.ExternalID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET fields_json = ?, updated_at = ? WHERE id = ?`,
		fields, now, id,
	); err != nil {
		return "", false, fmt.Errorf("updating record %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("committing record update: %w", err)
	}
	return id, false, nil
}

const recordColumns = `id, user_id, source_type, external_id, fields_json, created_at, updated_at`

func (s *Store) GetRecord(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	return r, err
}

// GetRecordByExternalID looks a record up by its source-scoped key.
func (s *Store) GetRecordByExternalID(ctx context.Context, userID string, t SourceType, externalID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE user_id = ? AND source_type = ? AND external_id = ?`,
		userID, string(t), externalID,
	)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	return r, err
}

// ListRecords returns a user's records of one type, most recently updated
// first. A non-positive limit returns all of them.
func (s *Store) ListRecords(ctx context.Context, userID string, t SourceType, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE user_id = ? AND source_type = ?
		ORDER BY updated_at DESC, rowid DESC LIMIT ?`,
		userID, string(t), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountRecords returns the number of records per source type for a user.
// Types with no records are present with a zero count.
func (s *Store) CountRecords(ctx context.Context, userID string) (map[SourceType]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_type, COUNT(*) FROM records WHERE user_id = ? GROUP BY source_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()

	counts := make(map[SourceType]int, len(AllSourceTypes))
	for _, t := range AllSourceTypes {
		counts[t] = 0
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[SourceType(t)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var r Record
	var sourceType, fields, createdAt, updatedAt string
	if err := sc.Scan(&r.ID, &r.UserID, &sourceType, &r.ExternalID, &fields, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	r.SourceType = SourceType(sourceType)
	if err := decodeFields(&r, fields); err != nil {
		return Record{}, fmt.Errorf("decoding fields for record %s: %w", r.ID, err)
	}
	var err error
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

func encodeFields(r Record) (string, error) {
	// Each case checks its own pointer; a nil *T stored in v would not
	// compare equal to nil.
	var v any
	var missing bool
	switch r.SourceType {
	case SourceEmail:
		v, missing = r.Email, r.Email == nil
	case SourceMeeting:
		v, missing = r.Meeting, r.Meeting == nil
	case SourceContact:
		v, missing = r.Contact, r.Contact == nil
	case SourceNote:
		v, missing = r.Note, r.Note == nil
	default:
		return "", fmt.Errorf("unknown source type %q", r.SourceType)
	}
	if missing {
		return "", fmt.Errorf("record %s of type %s has no %s fields", r.ExternalID, r.SourceType, strings.ToLower(string(r.SourceType)))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding record fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(r *Record, data string) error {
	switch r.SourceType {
	case SourceEmail:
		r.Email = &EmailFields{}
		return json.Unmarshal([]byte(data), r.Email)
	case SourceMeeting:
		r.Meeting = &MeetingFields{}
		return json.Unmarshal([]byte(data), r.Meeting)
	case SourceContact:
		r.Contact = &ContactFields{}
		return json.Unmarshal([]byte(data), r.Contact)
	case SourceNote:
		r.Note = &NoteFields{}
		return json.Unmarshal([]byte(data), r.Note)
	}
	return fmt.Errorf("unknown source type %q", r.SourceType)
}

// --- Embeddings ---

// UpsertEmbedding writes the embedding row for e.RecordID. A nil Vector is
// stored as NULL, which replaces any previous vector.
func (s *Store) UpsertEmbedding(ctx context.Context, e Embedding) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var vector any
	if e.Vector != nil {
		vector = EncodeVector(e.Vector)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (record_id, user_id, source_type, content, vector, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			content = excluded.content,
			vector = excluded.vector,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		e.RecordID, e.UserID, string(e.SourceType), e.Content, vector, meta, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting embedding for %s: %w", e.RecordID, err)
	}
	return nil
}

func (s *Store) GetEmbedding(ctx context.Context, recordID string) (Embedding, error) {
	var e Embedding
	var sourceType, meta, createdAt, updatedAt string
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT record_id, user_id, source_type, content, vector, metadata_json, created_at, updated_at
		FROM embeddings WHERE record_id = ?`, recordID,
	).Scan(&e.RecordID, &e.UserID, &sourceType, &e.Content, &blob, &meta, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Embedding{}, ErrNotFound
	}
	if err != nil {
		return Embedding{}, err
	}
	e.SourceType = SourceType(sourceType)
	if blob != nil {
		if e.Vector, err = DecodeVector(blob); err != nil {
			return Embedding{}, fmt.Errorf("decoding vector for %s: %w", recordID, err)
		}
	}
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return Embedding{}, err
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Embedding{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Embedding{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return e, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	m := make(map[string]any)
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}
