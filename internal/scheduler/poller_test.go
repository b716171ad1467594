package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/contextsync/internal/ingest"
	"github.com/kalambet/contextsync/internal/provider"
	"github.com/kalambet/contextsync/internal/storage"
)

type mockIngester struct {
	kind     ingest.Kind
	ingestFn func(ctx context.Context, userID string, creds provider.Credentials) (ingest.Result, error)
	calls    atomic.Int32
}

func (m *mockIngester) Kind() ingest.Kind { return m.kind }

func (m *mockIngester) Ingest(ctx context.Context, userID string, creds provider.Credentials) (ingest.Result, error) {
	m.calls.Add(1)
	if m.ingestFn == nil {
		return ingest.Result{Source: m.kind, Processed: 2, Status: ingest.StatusOK}, nil
	}
	return m.ingestFn(ctx, userID, creds)
}

// mockCreds grants credentials for the listed providers per user.
type mockCreds map[string][]string

func (m mockCreds) Load(_ context.Context, userID, providerName string) (provider.Credentials, error) {
	for _, p := range m[userID] {
		if p == providerName {
			return provider.Credentials{AccessToken: userID + "-" + p}, nil
		}
	}
	return provider.Credentials{}, fmt.Errorf("%s: %w", providerName, ingest.ErrNoCredentials)
}

func (m mockCreds) ListCredentialUsers(context.Context) ([]string, error) {
	var users []string
	for u := range m {
		users = append(users, u)
	}
	return users, nil
}

type mockEvents struct {
	mu     sync.Mutex
	events []storage.SyncEvent
}

func (m *mockEvents) AppendSyncEvent(_ context.Context, ev storage.SyncEvent) (storage.SyncEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *mockEvents) list() []storage.SyncEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.SyncEvent(nil), m.events...)
}

func newTestPoller(creds mockCreds, ingesters ...*mockIngester) (*Poller, *mockEvents) {
	events := &mockEvents{}
	pl := make([]Ingester, len(ingesters))
	for i, g := range ingesters {
		pl[i] = g
	}
	return New(pl, creds, events, nil), events
}

func allIngesters() []*mockIngester {
	return []*mockIngester{{kind: ingest.KindMail}, {kind: ingest.KindCalendar}, {kind: ingest.KindCRM}}
}

func TestStartPolling_OnlyConnectedSources(t *testing.T) {
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google}}, allIngesters()...)

	started, err := p.StartPolling(context.Background(), "u1")
	if err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	if len(started) != 2 || started[0] != ingest.KindMail || started[1] != ingest.KindCalendar {
		t.Errorf("started = %v, want [mail calendar]", started)
	}
	if !p.IsPollingRunning("u1", ingest.KindMail) || p.IsPollingRunning("u1", ingest.KindCRM) {
		t.Error("timer state mismatch")
	}
	if got := p.ActiveTimers(); got != 2 {
		t.Errorf("ActiveTimers = %d, want 2", got)
	}
}

func TestStartPolling_Idempotent(t *testing.T) {
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google, provider.HubSpot}}, allIngesters()...)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := p.StartPolling(ctx, "u1"); err != nil {
			t.Fatalf("StartPolling %d: %v", i, err)
		}
	}
	if got := p.ActiveTimers(); got != 3 {
		t.Errorf("ActiveTimers = %d, want 3", got)
	}
	if got := len(p.cron.Entries()); got != 3 {
		t.Errorf("cron entries = %d, want 3", got)
	}
}

func TestStopPolling(t *testing.T) {
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google}, "u2": {provider.HubSpot}}, allIngesters()...)
	ctx := context.Background()
	p.StartPolling(ctx, "u1")
	p.StartPolling(ctx, "u2")

	p.StopPolling("u1")
	p.StopPolling("u1")
	p.StopPolling("nobody")

	if p.IsPollingRunning("u1", ingest.KindMail) {
		t.Error("u1 mail still running")
	}
	if !p.IsPollingRunning("u2", ingest.KindCRM) {
		t.Error("u2 crm should be unaffected")
	}
	if got := p.ActiveTimers(); got != 1 {
		t.Errorf("ActiveTimers = %d, want 1", got)
	}
}

func TestStartPolling_NoCredentials(t *testing.T) {
	p, _ := newTestPoller(mockCreds{}, allIngesters()...)
	started, err := p.StartPolling(context.Background(), "u1")
	if err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	if len(started) != 0 || p.ActiveTimers() != 0 {
		t.Errorf("started = %v, timers = %d", started, p.ActiveTimers())
	}
}

func TestRunNow_AppendsEventOnlyWhenProcessed(t *testing.T) {
	mail := &mockIngester{kind: ingest.KindMail}
	cal := &mockIngester{kind: ingest.KindCalendar, ingestFn: func(context.Context, string, provider.Credentials) (ingest.Result, error) {
		return ingest.Result{Source: ingest.KindCalendar, Status: ingest.StatusNoData}, nil
	}}
	p, events := newTestPoller(mockCreds{"u1": {provider.Google}}, mail, cal)
	ctx := context.Background()

	if _, err := p.RunNow(ctx, "u1", ingest.KindMail); err != nil {
		t.Fatalf("RunNow mail: %v", err)
	}
	if _, err := p.RunNow(ctx, "u1", ingest.KindCalendar); err != nil {
		t.Fatalf("RunNow calendar: %v", err)
	}

	got := events.list()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].SourceType != storage.SourceEmail || got[0].ItemCount != 2 || got[0].UserID != "u1" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestRunNow_PassesStoredCredentials(t *testing.T) {
	var seen string
	mail := &mockIngester{kind: ingest.KindMail, ingestFn: func(_ context.Context, _ string, creds provider.Credentials) (ingest.Result, error) {
		seen = creds.AccessToken
		return ingest.Result{}, nil
	}}
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google}}, mail)
	if _, err := p.RunNow(context.Background(), "u1", ingest.KindMail); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if seen != "u1-google" {
		t.Errorf("creds = %q", seen)
	}
}

func TestRunNow_Errors(t *testing.T) {
	p, _ := newTestPoller(mockCreds{}, &mockIngester{kind: ingest.KindMail})
	ctx := context.Background()
	if _, err := p.RunNow(ctx, "u1", ingest.KindCRM); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("unregistered source error = %v", err)
	}
	if _, err := p.RunNow(ctx, "u1", ingest.KindMail); !errors.Is(err, ingest.ErrNoCredentials) {
		t.Errorf("no credentials error = %v", err)
	}
}

func TestRunNow_BusyWhileTickInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var enterOnce sync.Once
	mail := &mockIngester{kind: ingest.KindMail, ingestFn: func(ctx context.Context, _ string, _ provider.Credentials) (ingest.Result, error) {
		enterOnce.Do(func() { close(entered) })
		<-release
		return ingest.Result{Processed: 1}, nil
	}}
	p, events := newTestPoller(mockCreds{"u1": {provider.Google}}, mail)
	if _, err := p.StartPolling(context.Background(), "u1"); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}

	id := p.entries["u1"][ingest.KindMail]
	done := make(chan struct{})
	go func() {
		p.cron.Entry(id).WrappedJob.Run()
		close(done)
	}()
	<-entered

	if _, err := p.RunNow(context.Background(), "u1", ingest.KindMail); !errors.Is(err, ErrBusy) {
		t.Errorf("RunNow during tick = %v, want ErrBusy", err)
	}
	// A second tick for the same pair is skipped, not queued.
	p.tick("u1", ingest.KindMail)

	close(release)
	<-done

	if got := mail.calls.Load(); got != 1 {
		t.Errorf("ingest calls = %d, want 1", got)
	}
	if got := len(events.list()); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
	if _, err := p.RunNow(context.Background(), "u1", ingest.KindMail); err != nil {
		t.Errorf("RunNow after tick = %v", err)
	}
}

func TestTick_FailureKeepsTimer(t *testing.T) {
	mail := &mockIngester{kind: ingest.KindMail, ingestFn: func(context.Context, string, provider.Credentials) (ingest.Result, error) {
		return ingest.Result{}, ingest.ErrUpstreamUnavailable
	}}
	p, events := newTestPoller(mockCreds{"u1": {provider.Google}}, mail)
	p.StartPolling(context.Background(), "u1")

	p.cron.Entry(p.entries["u1"][ingest.KindMail]).WrappedJob.Run()

	if !p.IsPollingRunning("u1", ingest.KindMail) {
		t.Error("timer removed after failed tick")
	}
	if len(events.list()) != 0 {
		t.Error("failed tick should not append an event")
	}
}

func TestTick_RecoversFromPanic(t *testing.T) {
	mail := &mockIngester{kind: ingest.KindMail, ingestFn: func(context.Context, string, provider.Credentials) (ingest.Result, error) {
		panic("boom")
	}}
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google}}, mail)
	p.StartPolling(context.Background(), "u1")

	p.cron.Entry(p.entries["u1"][ingest.KindMail]).WrappedJob.Run()

	// The busy slot is released even though the run panicked.
	if !p.acquire(runKey{"u1", ingest.KindMail}) {
		t.Error("busy slot leaked after panic")
	}
}

func TestRunAll_JoinsErrors(t *testing.T) {
	mail := &mockIngester{kind: ingest.KindMail}
	crm := &mockIngester{kind: ingest.KindCRM, ingestFn: func(context.Context, string, provider.Credentials) (ingest.Result, error) {
		return ingest.Result{}, ingest.ErrAuthExpired
	}}
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google, provider.HubSpot}}, mail, crm)

	outcomes, err := p.RunAll(context.Background(), "u1")
	if !errors.Is(err, ingest.ErrAuthExpired) {
		t.Errorf("error = %v, want ErrAuthExpired", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	byKind := map[ingest.Kind]error{}
	for _, o := range outcomes {
		byKind[o.Result.Source] = o.Err
	}
	if byKind[ingest.KindMail] != nil {
		t.Errorf("mail error = %v, want nil", byKind[ingest.KindMail])
	}
	if !errors.Is(byKind[ingest.KindCRM], ingest.ErrAuthExpired) {
		t.Errorf("crm error = %v, want ErrAuthExpired", byKind[ingest.KindCRM])
	}
}

func TestResume(t *testing.T) {
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google}, "u2": {provider.HubSpot}}, allIngesters()...)
	if err := p.Resume(context.Background(), mockCreds{"u1": {provider.Google}, "u2": {provider.HubSpot}}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := p.ActiveTimers(); got != 3 {
		t.Errorf("ActiveTimers = %d, want 3", got)
	}
}

func TestStartStop(t *testing.T) {
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google}}, allIngesters()...)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	if _, err := p.StartPolling(ctx, "u1"); err != nil {
		t.Fatalf("StartPolling while running: %v", err)
	}
	p.StopPolling("u1")
	cancel()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStatus(t *testing.T) {
	p, _ := newTestPoller(mockCreds{"u1": {provider.Google}}, allIngesters()...)
	p.StartPolling(context.Background(), "u1")
	st := p.Status("u1")
	if len(st) != 3 {
		t.Fatalf("Status = %+v", st)
	}
	if !st[0].Running || st[0].Interval != "5m0s" || st[2].Running {
		t.Errorf("Status = %+v", st)
	}
}
