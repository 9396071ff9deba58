// Package ratelimit gates the courtroom pipeline: an evaluation cooldown and a
// per-day cap on filed cases, both scoped per identity. The gates are advisory;
// they never invoke the stages they protect.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Policy defines the limits.
type Policy struct {
	Cooldown       time.Duration
	MaxCasesPerDay int
}

// Store abstracts the storage of limiter state.
type Store interface {
	// TryEvaluate stamps now as the identity's last evaluation if at least
	// cooldown has elapsed since the previous one, and reports whether it did.
	TryEvaluate(ctx context.Context, identity string, now time.Time, cooldown time.Duration) (bool, error)
	// CasesOn returns the number of cases recorded for identity on day.
	CasesOn(ctx context.Context, identity, day string) (int, error)
	// AddCase records one case for identity on day and returns the new count.
	AddCase(ctx context.Context, identity, day string) (int, error)
}

// Day returns the UTC calendar day key used for the daily cap.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Limiter evaluates the policy against a store. Store errors fail closed.
type Limiter struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	policy Policy
}

// New creates a limiter over store.
func New(store Store, policy Policy) *Limiter {
	return &Limiter{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "ratelimit"),
		policy: policy,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// SetPolicy replaces the limits, e.g. after a configuration change.
func (l *Limiter) SetPolicy(p Policy) {
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
}

// Policy returns the current limits.
func (l *Limiter) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// CanEvaluate reports whether the cooldown since the last evaluation has
// elapsed. A true result claims the evaluation slot.
func (l *Limiter) CanEvaluate(ctx context.Context, identity string) bool {
	ok, err := l.store.TryEvaluate(ctx, identity, l.clock(), l.Policy().Cooldown)
	if err != nil {
		l.logger.WarnContext(ctx, "cooldown check failed, denying evaluation",
			"identity", identity, "error", err)
		return false
	}
	return ok
}

// CanFile reports whether identity is still under today's case cap.
func (l *Limiter) CanFile(ctx context.Context, identity string) bool {
	n, err := l.store.CasesOn(ctx, identity, Day(l.clock()))
	if err != nil {
		l.logger.WarnContext(ctx, "case cap check failed, denying filing",
			"identity", identity, "error", err)
		return false
	}
	return n < l.Policy().MaxCasesPerDay
}

// RecordCase counts a filed case against today's cap.
func (l *Limiter) RecordCase(ctx context.Context, identity string) error {
	_, err := l.store.AddCase(ctx, identity, Day(l.clock()))
	return err
}

// CasesToday returns the cases filed by identity on the current day; it is
// zero after a day rollover.
func (l *Limiter) CasesToday(ctx context.Context, identity string) (int, error) {
	return l.store.CasesOn(ctx, identity, Day(l.clock()))
}
