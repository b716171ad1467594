// Package embedding turns text into vectors through a rate-limited,
// self-suspending gateway in front of a remote or local embedding provider.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrQuotaExceeded means the provider account is out of quota. The
	// gateway suspends itself for the cool-down window.
	ErrQuotaExceeded = errors.New("embedding quota exceeded")
	// ErrInvalidCredential means the provider rejected the API key.
	ErrInvalidCredential = errors.New("embedding credential rejected")
	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited = errors.New("embedding rate limited")
	// ErrUnavailable covers transport failures, server errors, and a gateway
	// with no provider configured.
	ErrUnavailable = errors.New("embedding provider unavailable")
)

// Provider produces a single embedding. Implementations classify failures
// with the sentinel errors above.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	DefaultMinInterval = time.Second
	DefaultCooldown    = 60 * time.Second
)

// Options configures a Gateway. Zero values select the defaults.
type Options struct {
	MinInterval time.Duration
	Cooldown    time.Duration
	Logger      *slog.Logger
}

// Gateway serializes calls to a Provider, spaces them by at least
// MinInterval, and stops calling the provider for Cooldown after a quota or
// credential failure.
type Gateway struct {
	provider Provider
	limiter  *rate.Limiter
	cooldown time.Duration
	logger   *slog.Logger

	// callMu makes limiter wait + provider call one critical section.
	callMu sync.Mutex

	mu              sync.Mutex
	suppressedUntil time.Time
	reason          error

	now func() time.Time
}

// NewGateway wraps p. A nil provider yields a gateway that is never available.
func NewGateway(p Provider, opts Options) *Gateway {
	if opts.MinInterval == 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	return &Gateway{
		provider: p,
		limiter:  rate.NewLimiter(limit, 1),
		cooldown: opts.Cooldown,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// IsAvailable reports whether Embed will reach the provider. Once a
// suspension window has elapsed it clears the suspension and returns true.
func (g *Gateway) IsAvailable() bool {
	if g == nil || g.provider == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suppressedUntil.IsZero() {
		return true
	}
	if g.now().Before(g.suppressedUntil) {
		return false
	}
	g.logger.Info("embedding gateway re-enabled", "provider", g.provider.Name(), "after", g.reason)
	g.suppressedUntil = time.Time{}
	g.reason = nil
	return true
}

// Embed returns the vector for text. While suspended it fails fast with the
// error that caused the suspension.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if g == nil || g.provider == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrUnavailable)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	if !g.IsAvailable() {
		return nil, g.suspendedError()
	}

	g.callMu.Lock()
	defer g.callMu.Unlock()

	// Another caller may have tripped the suspension while we waited.
	if !g.IsAvailable() {
		return nil, g.suspendedError()
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding slot: %w", err)
	}

	vec, err := g.provider.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrInvalidCredential) {
			g.suspend(err)
		}
		return nil, err
	}
	return vec, nil
}

// Status describes the gateway for status endpoints.
type Status struct {
	Provider        string    `json:"provider"`
	Available       bool      `json:"available"`
	SuppressedUntil time.Time `json:"suppressed_until,omitzero"`
	Reason          string    `json:"reason,omitempty"`
}

func (g *Gateway) Status() Status {
	if g == nil || g.provider == nil {
		return Status{Provider: "none"}
	}
	st := Status{Provider: g.provider.Name(), Available: g.IsAvailable()}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.suppressedUntil.IsZero() {
		st.SuppressedUntil = g.suppressedUntil
	}
	if g.reason != nil {
		st.Reason = g.reason.Error()
	}
	return st
}

func (g *Gateway) suspend(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suppressedUntil = g.now().Add(g.cooldown)
	g.reason = cause
	g.logger.Warn("embedding gateway suspended", "provider", g.provider.Name(), "until", g.suppressedUntil, "error", cause)
}

func (g *Gateway) suspendedError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	base := g.reason
	if base == nil {
		base = ErrUnavailable
	}
	for _, sentinel := range []error{ErrQuotaExceeded, ErrInvalidCredential} {
		if errors.Is(base, sentinel) {
			return fmt.Errorf("%w: suspended until %s", sentinel, g.suppressedUntil.Format(time.RFC3339))
		}
	}
	return fmt.Errorf("%w: suspended until %s", ErrUnavailable, g.suppressedUntil.Format(time.RFC3339))
}
