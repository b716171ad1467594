package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/contextsync/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEvent(t *testing.T, s *storage.Store, userID string, typ storage.SourceType) storage.SyncEvent {
	t.Helper()
	ev, err := s.AppendSyncEvent(context.Background(), storage.SyncEvent{UserID: userID, SourceType: typ, ItemCount: 3})
	if err != nil {
		t.Fatalf("AppendSyncEvent: %v", err)
	}
	return ev
}

func addInstruction(t *testing.T, s *storage.Store, userID, content string) storage.Instruction {
	t.Helper()
	in, err := s.CreateInstruction(context.Background(), storage.Instruction{UserID: userID, Content: content})
	if err != nil {
		t.Fatalf("CreateInstruction: %v", err)
	}
	return in
}

func TestRunOnce_CreatesWorkItemForMatchingInstruction(t *testing.T) {
	store := openTestStore(t)
	in := addInstruction(t, store, "u1", "When a new Email arrives, summarize it")
	addInstruction(t, store, "u1", "Prepare notes before every meeting")
	ev := appendEvent(t, store, "u1", storage.SourceEmail)

	ctx := context.Background()
	res, err := New(store, 0, 0).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Claimed != 1 || res.Triggered != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want 1 claimed 1 triggered", res)
	}

	items, err := store.ListWorkItems(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d work items, want 1", len(items))
	}
	w := items[0]
	if w.Title != "Proactive action: When a new Email arrives, summarize it" {
		t.Errorf("Title = %q", w.Title)
	}
	if w.Description != "Triggered by EMAIL event" {
		t.Errorf("Description = %q", w.Description)
	}
	if w.Status != "PENDING" || w.Priority != "MEDIUM" {
		t.Errorf("status/priority = %s/%s", w.Status, w.Priority)
	}
	if w.Metadata["instructionId"] != in.ID || w.Metadata["eventId"] != ev.ID || w.Metadata["eventType"] != "EMAIL" {
		t.Errorf("Metadata = %v", w.Metadata)
	}
}

func TestRunOnce_EventsProcessedOnce(t *testing.T) {
	store := openTestStore(t)
	addInstruction(t, store, "u1", "email digest")
	appendEvent(t, store, "u1", storage.SourceEmail)

	r := New(store, 0, 0)
	ctx := context.Background()
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}
	if res.Claimed != 0 {
		t.Errorf("second sweep claimed %d, want 0", res.Claimed)
	}
	items, _ := store.ListWorkItems(ctx, "u1", 0)
	if len(items) != 1 {
		t.Errorf("got %d work items, want 1", len(items))
	}
}

func TestRunOnce_NoInstructionsStillConsumesEvent(t *testing.T) {
	store := openTestStore(t)
	appendEvent(t, store, "u1", storage.SourceMeeting)

	ctx := context.Background()
	res, err := New(store, 0, 0).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Claimed != 1 || res.Triggered != 0 {
		t.Errorf("result = %+v", res)
	}
	pending, err := store.CountPendingSyncEvents(ctx)
	if err != nil {
		t.Fatalf("CountPendingSyncEvents: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestRunOnce_MultipleMatchesAndBatchLimit(t *testing.T) {
	store := openTestStore(t)
	addInstruction(t, store, "u1", "log every contact change")
	addInstruction(t, store, "u1", "CONTACT: ping sales")
	for i := 0; i < 3; i++ {
		appendEvent(t, store, "u1", storage.SourceContact)
	}

	r := New(store, 0, 2)
	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Claimed != 2 || res.Triggered != 4 {
		t.Errorf("result = %+v, want 2 claimed 4 triggered", res)
	}
}

type failingStore struct {
	events  []storage.SyncEvent
	listErr error
	created atomic.Int32
}

func (f *failingStore) ClaimSyncEvents(context.Context, int) ([]storage.SyncEvent, error) {
	ev := f.events
	f.events = nil
	return ev, nil
}

func (f *failingStore) ListInstructions(_ context.Context, userID string) ([]storage.Instruction, error) {
	if userID == "broken" {
		return nil, f.listErr
	}
	return []storage.Instruction{{ID: "i1", UserID: userID, Content: "email triage"}, {ID: "i2", UserID: userID, Content: "email fail"}}, nil
}

func (f *failingStore) CreateWorkItem(_ context.Context, w storage.WorkItem) (storage.WorkItem, error) {
	if w.Metadata["instructionId"] == "i2" {
		return storage.WorkItem{}, errors.New("disk full")
	}
	f.created.Add(1)
	return w, nil
}

func TestRunOnce_FailuresDoNotStopSweep(t *testing.T) {
	store := &failingStore{
		events: []storage.SyncEvent{
			{ID: "e1", UserID: "broken", SourceType: storage.SourceEmail},
			{ID: "e2", UserID: "u1", SourceType: storage.SourceEmail},
		},
		listErr: fmt.Errorf("locked"),
	}
	res, err := New(store, 0, 0).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Claimed != 2 || res.Triggered != 1 || res.Failed != 2 {
		t.Errorf("result = %+v, want claimed=2 triggered=1 failed=2", res)
	}
	if store.created.Load() != 1 {
		t.Errorf("created = %d, want 1", store.created.Load())
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		typ  storage.SourceType
		text string
		want bool
	}{
		{storage.SourceEmail, "Reply to every EMAIL from my boss", true},
		{storage.SourceEmail, "reply to mail", false},
		{storage.SourceMeeting, "prep for meetings", true},
		{storage.SourceContact, "Contacts: enrich", true},
		{storage.SourceNote, "note anything", false},
		{storage.SourceContact, "email me", false},
	}
	for _, tt := range tests {
		if got := Matches(tt.typ, tt.text); got != tt.want {
			t.Errorf("Matches(%s, %q) = %v, want %v", tt.typ, tt.text, got, tt.want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	addInstruction(t, store, "u1", "email digest")
	appendEvent(t, store, "u1", storage.SourceEmail)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(store, 10*time.Millisecond, 0).Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		items, _ := store.ListWorkItems(context.Background(), "u1", 0)
		if len(items) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("reactor never processed the event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
