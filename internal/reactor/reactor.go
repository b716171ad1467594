// Package reactor turns sync events into work items for the user's
// standing instructions.
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/contextsync/internal/storage"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 10
)

// Store abstracts the event log and collaborator tables the reactor needs.
type Store interface {
	ClaimSyncEvents(ctx context.Context, limit int) ([]storage.SyncEvent, error)
	ListInstructions(ctx context.Context, userID string) ([]storage.Instruction, error)
	CreateWorkItem(ctx context.Context, w storage.WorkItem) (storage.WorkItem, error)
}

// SweepResult reports one pass over the event log.
type SweepResult struct {
	Claimed   int `json:"claimed"`
	Triggered int `json:"triggered"`
	Failed    int `json:"failed"`
}

// Reactor periodically claims unprocessed sync events and evaluates
// instructions against them.
type Reactor struct {
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// New creates a Reactor. Non-positive interval or batchSize select the
// defaults.
func New(store Store, interval time.Duration, batchSize int) *Reactor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reactor{
		store:    store,
		interval: interval,
		batch:    batchSize,
		logger:   slog.Default().With("component", "reactor"),
	}
}

// Run sweeps until ctx is cancelled. A full batch is followed immediately by
// another sweep; otherwise the reactor waits one interval.
func (r *Reactor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("sweep failed", "error", err)
		}
		if err == nil && res.Claimed >= r.batch {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

// RunOnce claims up to one batch of events and creates a work item for
// every matching instruction. Claimed events are marked processed before
// evaluation, so a failure mid-sweep is not retried.
func (r *Reactor) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	events, err := r.store.ClaimSyncEvents(ctx, r.batch)
	if err != nil {
		return res, fmt.Errorf("claiming sync events: %w", err)
	}
	res.Claimed = len(events)

	for _, ev := range events {
		triggered, failed := r.processEvent(ctx, ev)
		res.Triggered += triggered
		res.Failed += failed
	}
	if res.Claimed > 0 {
		r.logger.Info("sweep finished", "claimed", res.Claimed, "triggered", res.Triggered, "failed", res.Failed)
	}
	return res, nil
}

func (r *Reactor) processEvent(ctx context.Context, ev storage.SyncEvent) (triggered, failed int) {
	instructions, err := r.store.ListInstructions(ctx, ev.UserID)
	if err != nil {
		r.logger.Warn("loading instructions failed", "event_id", ev.ID, "user", ev.UserID, "error", err)
		return 0, 1
	}
	for _, in := range instructions {
		if !Matches(ev.SourceType, in.Content) {
			continue
		}
		item := storage.WorkItem{
			UserID:      ev.UserID,
			Title:       "Proactive action: " + in.Content,
			Description: fmt.Sprintf("Triggered by %s event", ev.SourceType),
			Status:      "PENDING",
			Priority:    "MEDIUM",
			Metadata: map[string]any{
				"instructionId": in.ID,
				"eventId":       ev.ID,
				"eventType":     string(ev.SourceType),
			},
		}
		if _, err := r.store.CreateWorkItem(ctx, item); err != nil {
			r.logger.Warn("creating work item failed",
				"event_id", ev.ID, "instruction_id", in.ID, "error", err)
			failed++
			continue
		}
		triggered++
	}
	return triggered, failed
}

var triggerWords = map[storage.SourceType]string{
	storage.SourceEmail:   "email",
	storage.SourceMeeting: "meeting",
	storage.SourceContact: "contact",
}

// Matches reports whether an instruction reacts to events of type t: the
// instruction must mention the type's keyword, case-insensitively.
func Matches(t storage.SourceType, instruction string) bool {
	word, ok := triggerWords[t]
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(instruction), word)
}
