package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func emailRecord(user, externalID, subject string) Record {
	return Record{
		UserID:     user,
		SourceType: SourceEmail,
		ExternalID: externalID,
		Email: &EmailFields{
			Subject: subject,
			From:    "alice@example.com",
			To:      []string{"bob@example.com"},
			Body:    "body of " + subject,
			Date:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_records_user_type", "idx_embeddings_user_type", "idx_sync_events_pending", "idx_work_items_user"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestUpsertRecord_InsertThenUpdateKeepsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, created, err := s.UpsertRecord(ctx, emailRecord("u1", "msg-1", "first"))
	if err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if !created {
		t.Error("first upsert should create")
	}

	id2, created, err := s.UpsertRecord(ctx, emailRecord("u1", "msg-1", "second"))
	if err != nil {
		t.Fatalf("UpsertRecord: %v", err)
	}
	if created {
		t.Error("second upsert should update")
	}
	if id1 != id2 {
		t.Errorf("id changed on update: %q -> %q", id1, id2)
	}

	got, err := s.GetRecord(ctx, id1)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Email == nil || got.Email.Subject != "second" {
		t.Errorf("Email = %+v, want subject %q", got.Email, "second")
	}
	if len(got.Email.To) != 1 || got.Email.To[0] != "bob@example.com" {
		t.Errorf("To = %v", got.Email.To)
	}

	counts, err := s.CountRecords(ctx, "u1")
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if counts[SourceEmail] != 1 {
		t.Errorf("email count = %d, want 1", counts[SourceEmail])
	}
	if _, ok := counts[SourceNote]; !ok {
		t.Error("CountRecords should include zero counts")
	}
}

func TestUpsertRecord_ScopedByUserAndType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _, err := s.UpsertRecord(ctx, emailRecord("u1", "shared", "x"))
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := s.UpsertRecord(ctx, emailRecord("u2", "shared", "x"))
	if err != nil {
		t.Fatal(err)
	}
	c, _, err := s.UpsertRecord(ctx, Record{
		UserID: "u1", SourceType: SourceContact, ExternalID: "shared",
		Contact: &ContactFields{FirstName: "Ann"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a == b || a == c || b == c {
		t.Errorf("expected three distinct ids, got %q %q %q", a, b, c)
	}
}

func TestUpsertRecord_MissingVariant(t *testing.T) {
	s := openTestStore(t)
	for _, st := range []SourceType{SourceEmail, SourceMeeting, SourceContact, SourceNote} {
		t.Run(string(st), func(t *testing.T) {
			_, _, err := s.UpsertRecord(context.Background(), Record{UserID: "u1", SourceType: st, ExternalID: "x-" + string(st)})
			if err == nil {
				t.Fatalf("expected error for %s record without its fields", st)
			}
			if _, err := s.GetRecordByExternalID(context.Background(), "u1", st, "x-"+string(st)); err == nil {
				t.Errorf("%s record without fields was stored", st)
			}
		})
	}
}

// TestUpsertRecord_Concurrent verifies that racing upserts of the same key
// converge on one row.
func TestUpsertRecord_Concurrent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.UpsertRecord(ctx, emailRecord("u1", "same", fmt.Sprintf("v%d", i))); err != nil {
				t.Errorf("UpsertRecord: %v", err)
			}
		}()
	}
	wg.Wait()

	recs, err := s.ListRecords(ctx, "u1", SourceEmail, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d rows, want 1", len(recs))
	}
}

func TestUpsertEmbedding_NullVectorDistinctFromMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _, err := s.UpsertRecord(ctx, emailRecord("u1", "m1", "hello"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetEmbedding(ctx, id); err != ErrNotFound {
		t.Fatalf("GetEmbedding before upsert: err = %v, want ErrNotFound", err)
	}

	if err := s.UpsertEmbedding(ctx, Embedding{
		RecordID: id, UserID: "u1", SourceType: SourceEmail, Content: "hello",
		Metadata: map[string]any{"type": "email"},
	}); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	got, err := s.GetEmbedding(ctx, id)
	if err != nil {
		t.Fatalf("GetEmbedding: %v", err)
	}
	if got.Vector != nil {
		t.Errorf("Vector = %v, want nil", got.Vector)
	}
	if got.Metadata["type"] != "email" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	want := []float32{0.5, -1, 2}
	if err := s.UpsertEmbedding(ctx, Embedding{RecordID: id, UserID: "u1", SourceType: SourceEmail, Content: "hello", Vector: want}); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	got, err = s.GetEmbedding(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Vector) != len(want) {
		t.Fatalf("Vector len = %d, want %d", len(got.Vector), len(want))
	}
	for i := range want {
		if got.Vector[i] != want[i] {
			t.Errorf("Vector[%d] = %v, want %v", i, got.Vector[i], want[i])
		}
	}
}

func TestClaimSyncEvents_OldestFirstAndOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		_, err := s.AppendSyncEvent(ctx, SyncEvent{
			ID:         fmt.Sprintf("ev-%d", i),
			UserID:     "u1",
			SourceType: SourceEmail,
			OccurredAt: base.Add(time.Duration(4-i) * time.Minute),
			ItemCount:  i + 1,
		})
		if err != nil {
			t.Fatalf("AppendSyncEvent: %v", err)
		}
	}

	claimed, err := s.ClaimSyncEvents(ctx, 3)
	if err != nil {
		t.Fatalf("ClaimSyncEvents: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d events, want 3", len(claimed))
	}
	wantOrder := []string{"ev-4", "ev-3", "ev-2"}
	for i, ev := range claimed {
		if ev.ID != wantOrder[i] {
			t.Errorf("claimed[%d] = %s, want %s", i, ev.ID, wantOrder[i])
		}
		if !ev.Processed {
			t.Errorf("claimed[%d].Processed = false", i)
		}
	}

	rest, err := s.ClaimSyncEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Errorf("second claim got %d events, want 2", len(rest))
	}

	none, err := s.ClaimSyncEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("third claim got %d events, want 0", len(none))
	}

	pending, err := s.CountPendingSyncEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestListSyncEvents_FilterByType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, st := range []SourceType{SourceEmail, SourceMeeting, SourceEmail} {
		if _, err := s.AppendSyncEvent(ctx, SyncEvent{UserID: "u1", SourceType: st, ItemCount: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AppendSyncEvent(ctx, SyncEvent{UserID: "u2", SourceType: SourceEmail, ItemCount: 1}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListSyncEvents(ctx, "u1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d events, want 3", len(all))
	}
	emails, err := s.ListSyncEvents(ctx, "u1", SourceEmail, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(emails) != 2 {
		t.Errorf("got %d email events, want 2", len(emails))
	}
	for _, ev := range emails {
		if ev.Processed {
			t.Error("new events should be unprocessed")
		}
	}
}

func TestInstructionsAndWorkItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in, err := s.CreateInstruction(ctx, Instruction{UserID: "u1", Content: "When I get an email from a client, reply"})
	if err != nil {
		t.Fatal(err)
	}
	list, err := s.ListInstructions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != in.ID {
		t.Fatalf("ListInstructions = %+v", list)
	}

	w, err := s.CreateWorkItem(ctx, WorkItem{
		UserID:   "u1",
		Title:    "Proactive action: reply",
		Metadata: map[string]any{"instructionId": in.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != "PENDING" || w.Priority != "MEDIUM" {
		t.Errorf("defaults not applied: status=%q priority=%q", w.Status, w.Priority)
	}
	items, err := s.ListWorkItems(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Metadata["instructionId"] != in.ID {
		t.Errorf("ListWorkItems = %+v", items)
	}

	if err := s.DeleteInstruction(ctx, "u1", in.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteInstruction(ctx, "u1", in.ID); err != ErrNotFound {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCredential(ctx, "u1", "google"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := s.SaveCredential(ctx, Credential{UserID: "u1", Provider: "google", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: exp}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCredential(ctx, Credential{UserID: "u1", Provider: "google", AccessToken: "a2", RefreshToken: "r1"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCredential(ctx, "u1", "google")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r1" {
		t.Errorf("got %+v", got)
	}
	if !got.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero after saving without expiry", got.ExpiresAt)
	}

	if err := s.SaveCredential(ctx, Credential{UserID: "u2", Provider: "hubspot", AccessToken: "h"}); err != nil {
		t.Fatal(err)
	}
	users, err := s.ListCredentialUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("users = %v", users)
	}
}

func TestParseSourceType(t *testing.T) {
	tests := []struct {
		in   string
		want SourceType
		ok   bool
	}{
		{"EMAIL", SourceEmail, true},
		{"contacts", SourceContact, true},
		{"meeting", SourceMeeting, true},
		{"NOTE", SourceNote, true},
		{"fax", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseSourceType(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseSourceType(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{1.5, 0, -3.25}
	got, err := DecodeVector(EncodeVector(v))
	if err != nil {
		t.Fatal(err)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("[%d] = %v, want %v", i, got[i], v[i])
		}
	}
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated vector")
	}
}
