// Package scheduler runs ingestion pipelines on per-user timers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/contextsync/internal/ingest"
	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/storage"
)

var (
	// ErrBusy means an ingestion for the same user and source is running.
	ErrBusy = errors.New("ingestion already running")
	// ErrUnknownSource means no pipeline is registered for the source.
	ErrUnknownSource = errors.New("unknown source")
)

// DefaultIntervals are the polling periods per source.
var DefaultIntervals = map[ingest.Kind]time.Duration{
	ingest.KindMail:     5 * time.Minute,
	ingest.KindCalendar: 10 * time.Minute,
	ingest.KindCRM:      15 * time.Minute,
}

const (
	defaultTickTimeout = 5 * time.Minute
	stopTimeout        = 30 * time.Second
)

// Ingester is one source's pipeline.
type Ingester interface {
	Kind() ingest.Kind
	Ingest(ctx context.Context, userID string, creds provider.Credentials) (ingest.Result, error)
}

// CredentialLoader returns a user's current tokens, or an error wrapping
// ingest.ErrNoCredentials.
type CredentialLoader interface {
	Load(ctx context.Context, userID, providerName string) (provider.Credentials, error)
}

// EventLog receives one event per run that upserted records.
type EventLog interface {
	AppendSyncEvent(ctx context.Context, ev storage.SyncEvent) (storage.SyncEvent, error)
}

// UserLister enumerates users with stored credentials.
type UserLister interface {
	ListCredentialUsers(ctx context.Context) ([]string, error)
}

type runKey struct {
	user string
	kind ingest.Kind
}

// SourceStatus describes one source's timer for a user.
type SourceStatus struct {
	Source   ingest.Kind `json:"source"`
	Running  bool        `json:"running"`
	Interval string      `json:"interval,omitempty"`
}

// Poller owns the timer registry. Each (user, source) pair has at most one
// cron entry, and at most one ingestion in flight whether it was started by
// a tick or on demand.
type Poller struct {
	cron      *cron.Cron
	pipelines map[ingest.Kind]Ingester
	creds     CredentialLoader
	events    EventLog
	intervals map[ingest.Kind]time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	entries map[string]map[ingest.Kind]cron.EntryID

	busyMu sync.Mutex
	busy   map[runKey]struct{}

	stopOnce sync.Once
}

// New builds a Poller. Missing intervals fall back to DefaultIntervals.
func New(pipelines []Ingester, creds CredentialLoader, events EventLog, intervals map[ingest.Kind]time.Duration) *Poller {
	logger := slog.Default().With("component", "scheduler")
	cl := cronLogger{logger}
	p := &Poller{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		pipelines: make(map[ingest.Kind]Ingester, len(pipelines)),
		creds:     creds,
		events:    events,
		intervals: make(map[ingest.Kind]time.Duration, len(DefaultIntervals)),
		timeout:   defaultTickTimeout,
		logger:    logger,
		baseCtx:   context.Background(),
		entries:   make(map[string]map[ingest.Kind]cron.EntryID),
		busy:      make(map[runKey]struct{}),
	}
	for _, pl := range pipelines {
		p.pipelines[pl.Kind()] = pl
	}
	for k, d := range DefaultIntervals {
		p.intervals[k] = d
	}
	for k, d := range intervals {
		if d > 0 {
			p.intervals[k] = d
		}
	}
	return p
}

// Start runs the cron engine until ctx is cancelled or Stop is called.
// Ticks inherit ctx.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	p.cron.Start()
	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Stop halts all timers and waits, bounded, for running ticks.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		stopCtx := p.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(stopTimeout):
			p.logger.Warn("stop timed out waiting for running ticks")
		}
		p.logger.Info("poller stopped")
	})
}

// StartPolling (re)creates the user's timers, one per source the user has
// credentials for, and returns those sources. Calling it again replaces the
// previous timers.
func (p *Poller) StartPolling(ctx context.Context, userID string) ([]ingest.Kind, error) {
	available, err := p.availableKinds(ctx, userID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(userID)

	if len(available) == 0 {
		p.logger.Info("no connected sources, polling not started", "user", userID)
		return nil, nil
	}
	ids := make(map[ingest.Kind]cron.EntryID, len(available))
	for _, kind := range available {
		ids[kind] = p.cron.Schedule(cron.Every(p.intervals[kind]), cron.FuncJob(func() {
			p.tick(userID, kind)
		}))
	}
	p.entries[userID] = ids
	p.logger.Info("polling started", "user", userID, "sources", available)
	return available, nil
}

// StopPolling removes every timer of the user. In-flight ticks finish.
func (p *Poller) StopPolling(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removeLocked(userID) {
		p.logger.Info("polling stopped", "user", userID)
	}
}

func (p *Poller) removeLocked(userID string) bool {
	ids, ok := p.entries[userID]
	if !ok {
		return false
	}
	for _, id := range ids {
		p.cron.Remove(id)
	}
	delete(p.entries, userID)
	return true
}

func (p *Poller) IsPollingRunning(userID string, kind ingest.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[userID][kind]
	return ok
}

// ActiveTimers counts scheduled entries across all users.
func (p *Poller) ActiveTimers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ids := range p.entries {
		n += len(ids)
	}
	return n
}

// Status lists every registered source with its timer state for the user.
func (p *Poller) Status(userID string) []SourceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SourceStatus
	for _, kind := range ingest.AllKinds {
		if _, ok := p.pipelines[kind]; !ok {
			continue
		}
		st := SourceStatus{Source: kind}
		if _, ok := p.entries[userID][kind]; ok {
			st.Running = true
			st.Interval = p.intervals[kind].String()
		}
		out = append(out, st)
	}
	return out
}

// Resume starts polling for every user with stored credentials.
func (p *Poller) Resume(ctx context.Context, users UserLister) error {
	ids, err := users.ListCredentialUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	for _, id := range ids {
		if _, err := p.StartPolling(ctx, id); err != nil {
			p.logger.Warn("resuming polling failed", "user", id, "error", err)
		}
	}
	return nil
}

// RunNow ingests one source immediately. It returns ErrBusy rather than
// waiting when a run for the same pair is in flight.
func (p *Poller) RunNow(ctx context.Context, userID string, kind ingest.Kind) (ingest.Result, error) {
	if _, ok := p.pipelines[kind]; !ok {
		return ingest.Result{}, fmt.Errorf("%w: %s", ErrUnknownSource, kind)
	}
	return p.run(ctx, userID, kind)
}

// Outcome pairs one source's result with its failure, if any.
type Outcome struct {
	Result ingest.Result
	Err    error
}

// RunAll ingests every source the user has credentials for, one after
// another. A failing source does not stop the others; the returned error
// joins the per-source failures.
func (p *Poller) RunAll(ctx context.Context, userID string) ([]Outcome, error) {
	available, err := p.availableKinds(ctx, userID)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(available))
	var errs []error
	for _, kind := range available {
		res, err := p.run(ctx, userID, kind)
		res.Source = kind
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
		outcomes = append(outcomes, Outcome{Result: res, Err: err})
	}
	return outcomes, errors.Join(errs...)
}

func (p *Poller) tick(userID string, kind ingest.Kind) {
	p.mu.Lock()
	base := p.baseCtx
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, p.timeout)
	defer cancel()

	if _, err := p.run(ctx, userID, kind); err != nil {
		if errors.Is(err, ErrBusy) {
			p.logger.Info("previous run still in flight, skipping tick", "user", userID, "source", kind)
			return
		}
		p.logger.Warn("scheduled ingestion failed", "user", userID, "source", kind, "error", err)
	}
}

func (p *Poller) run(ctx context.Context, userID string, kind ingest.Kind) (ingest.Result, error) {
	key := runKey{userID, kind}
	if !p.acquire(key) {
		return ingest.Result{}, ErrBusy
	}
	defer p.release(key)

	creds, err := p.creds.Load(ctx, userID, kind.Provider())
	if err != nil {
		return ingest.Result{}, err
	}
	res, err := p.pipelines[kind].Ingest(ctx, userID, creds)
	if err != nil {
		return res, err
	}
	if res.Processed > 0 {
		if _, err := p.events.AppendSyncEvent(ctx, storage.SyncEvent{
			UserID:     userID,
			SourceType: kind.EventType(),
			ItemCount:  res.Processed,
		}); err != nil {
			return res, fmt.Errorf("recording sync event: %w", err)
		}
	}
	return res, nil
}

func (p *Poller) acquire(key runKey) bool {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()
	if _, ok := p.busy[key]; ok {
		return false
	}
	p.busy[key] = struct{}{}
	return true
}

func (p *Poller) release(key runKey) {
	p.busyMu.Lock()
	delete(p.busy, key)
	p.busyMu.Unlock()
}

// availableKinds returns the registered sources the user has credentials
// for, in scheduling order.
func (p *Poller) availableKinds(ctx context.Context, userID string) ([]ingest.Kind, error) {
	var out []ingest.Kind
	for _, kind := range ingest.AllKinds {
		if _, ok := p.pipelines[kind]; !ok {
			continue
		}
		_, err := p.creds.Load(ctx, userID, kind.Provider())
		if errors.Is(err, ingest.ErrNoCredentials) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("checking %s credentials: %w", kind.Provider(), err)
		}
		out = append(out, kind)
	}
	return out, nil
}

// cronLogger routes cron's own logging through slog. Routine scheduling
// messages go to debug.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
