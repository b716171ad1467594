package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Instructions ---

func (s *Store) CreateInstruction(ctx context.Context, in Instruction) (Instruction, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instructions (id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		in.ID, in.UserID, in.Content, in.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Instruction{}, fmt.Errorf("creating instruction: %w", err)
	}
	return in, nil
}

// ListInstructions returns a user's standing instructions, oldest first.
func (s *Store) ListInstructions(ctx context.Context, userID string) ([]Instruction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, created_at FROM instructions WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing instructions: %w", err)
	}
	defer rows.Close()

	var results []Instruction
	for rows.Next() {
		var in Instruction
		var createdAt string
		if err := rows.Scan(&in.ID, &in.UserID, &in.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		in.CreatedAt = t
		results = append(results, in)
	}
	return results, rows.Err()
}

func (s *Store) DeleteInstruction(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instructions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Work items ---

func (s *Store) CreateWorkItem(ctx context.Context, w WorkItem) (WorkItem, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Status == "" {
		w.Status = "PENDING"
	}
	if w.Priority == "" {
		w.Priority = "MEDIUM"
	}
	meta, err := encodeMetadata(w.Metadata)
	if err != nil {
		return WorkItem{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, user_id, title, description, status, priority, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Title, w.Description, w.Status, w.Priority, meta, w.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return WorkItem{}, fmt.Errorf("creating work item: %w", err)
	}
	return w, nil
}

// ListWorkItems returns a user's work items newest first.
func (s *Store) ListWorkItems(ctx context.Context, userID string, limit int) ([]WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, description, status, priority, metadata_json, created_at
		FROM work_items WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing work items: %w", err)
	}
	defer rows.Close()

	var results []WorkItem
	for rows.Next() {
		var w WorkItem
		var meta, createdAt string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Title, &w.Description, &w.Status, &w.Priority, &meta, &createdAt); err != nil {
			return nil, err
		}
		if w.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		w.CreatedAt = t
		results = append(results, w)
	}
	return results, rows.Err()
}

// --- Credentials ---

func (s *Store) GetCredential(ctx context.Context, userID, provider string) (Credential, error) {
	var c Credential
	var expiresAt sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider,
	).Scan(&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &expiresAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	if expiresAt.Valid && expiresAt.String != "" {
		if c.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt.String); err != nil {
			return Credential{}, fmt.Errorf("parsing expires_at: %w", err)
		}
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Credential{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// SaveCredential replaces the stored tokens for (c.UserID, c.Provider).
func (s *Store) SaveCredential(ctx context.Context, c Credential) error {
	var expiresAt any
	if !c.ExpiresAt.IsZero() {
		expiresAt = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, provider, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.UserID, c.Provider, c.AccessToken, c.RefreshToken, expiresAt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving %s credentials: %w", c.Provider, err)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	return err
}

// ListCredentialUsers returns every user with at least one stored credential.
func (s *Store) ListCredentialUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM credentials ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing credential users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
