// Package punishment sentences guilty verdicts: it picks a tier from the
// offense severity and the identity's record, escalates the duration for
// repeat offenses and keeps the offense history.
package punishment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// EscalateTierAfter is the number of prior convictions for the same offense
// after which the tier is raised one level.
const EscalateTierAfter = 3

// ErrEnforce marks a host enforcement failure. It is logged, never returned:
// the sentence stands either way.
var ErrEnforce = errors.New("punishment enforcement failed")

// Record is the history of one offense category for one identity.
type Record struct {
	Count         int       `json:"count"`
	LastTimestamp time.Time `json:"lastTimestamp"`
}

// History maps offense category to its record.
type History map[string]Record

// Enforcer applies a punishment in the host runtime.
type Enforcer interface {
	Enforce(ctx context.Context, identity string, p contracts.Punishment) error
}

// EnforcerFunc adapts a function to Enforcer.
type EnforcerFunc func(ctx context.Context, identity string, p contracts.Punishment) error

func (f EnforcerFunc) Enforce(ctx context.Context, identity string, p contracts.Punishment) error {
	return f(ctx, identity, p)
}

// Result is the outcome of Execute. Punishment is nil for a not-guilty verdict.
type Result struct {
	Punishment *contracts.Punishment
}

// Applied reports whether a punishment was issued.
func (r Result) Applied() bool {
	return r.Punishment != nil
}

type Option func(*Engine)

// WithEnforcer delegates enforcement of issued punishments to the host.
func WithEnforcer(enf Enforcer) Option {
	return func(e *Engine) { e.enforcer = enf }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

type Engine struct {
	enforcer Enforcer
	clock    func() time.Time
	logger   *slog.Logger

	policyMu sync.RWMutex
	policy   config.PunishmentConfig

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu      sync.RWMutex
	history map[string]History
	issued  map[string][]contracts.Punishment
}

func NewEngine(policy config.PunishmentConfig, opts ...Option) *Engine {
	e := &Engine{
		clock:   time.Now,
		logger:  slog.Default().With("component", "punishment"),
		policy:  policy,
		locks:   make(map[string]*sync.Mutex),
		history: make(map[string]History),
		issued:  make(map[string][]contracts.Punishment),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy replaces the sentencing configuration.
func (e *Engine) SetPolicy(p config.PunishmentConfig) {
	e.policyMu.Lock()
	e.policy = p
	e.policyMu.Unlock()
}

func (e *Engine) currentPolicy() config.PunishmentConfig {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// identityLock serializes sentencing per identity so concurrent verdicts
// cannot read the same repeat count.
func (e *Engine) identityLock(identity string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		e.locks[identity] = l
	}
	return l
}

// Execute sentences a verdict. Not-guilty verdicts are a no-op. The history
// update and the decision happen under the identity's lock.
func (e *Engine) Execute(ctx context.Context, identity string, d contracts.Detection, v contracts.Verdict) (Result, error) {
	if !v.Guilty {
		return Result{}, nil
	}

	l := e.identityLock(identity)
	l.Lock()
	defer l.Unlock()

	now := e.clock()
	repeat := e.priorCount(identity, d.Offense)
	p := Sentence(e.currentPolicy(), d.Offense, repeat, now)

	e.mu.Lock()
	h, ok := e.history[identity]
	if !ok {
		h = make(History)
		e.history[identity] = h
	}
	h[d.Offense] = Record{Count: repeat + 1, LastTimestamp: now}
	e.issued[identity] = append(e.issued[identity], p)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "punishment issued",
		"identity", identity,
		"offense", d.Offense,
		"tier", p.Tier,
		"duration_minutes", p.DurationMinutes,
		"repeat_count", p.RepeatCount,
	)

	if err := e.enforce(ctx, identity, p); err != nil {
		e.logger.WarnContext(ctx, "punishment enforcement failed",
			"identity", identity, "error", err)
	}

	return Result{Punishment: &p}, nil
}

// enforce hands p to the host enforcer, converting a panic into an error.
func (e *Engine) enforce(ctx context.Context, identity string, p contracts.Punishment) (err error) {
	if e.enforcer == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrEnforce, r)
		}
	}()
	if err := e.enforcer.Enforce(ctx, identity, p); err != nil {
		return fmt.Errorf("%w: %w", ErrEnforce, err)
	}
	return nil
}

func (e *Engine) priorCount(identity, offense string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history[identity][offense].Count
}

// Sentence computes the punishment for an offense with repeat prior
// convictions: the offense's tier, raised one level from EscalateTierAfter
// priors, lasting tier base x multiplier^repeat minutes capped at the maximum.
func Sentence(policy config.PunishmentConfig, offense string, repeat int, now time.Time) contracts.Punishment {
	tier := contracts.SeverityOf(offense)
	if repeat >= EscalateTierAfter {
		tier = tier.Next()
	}

	base := policy.DefaultDuration
	if tc, ok := policy.Tiers[string(tier)]; ok && tc.Duration > 0 {
		base = tc.Duration
	}
	mult := policy.EscalationMultiplier
	if mult < 1 {
		mult = 1
	}

	minutes := base * math.Pow(mult, float64(repeat))
	if policy.MaxDuration > 0 && minutes > policy.MaxDuration {
		minutes = policy.MaxDuration
	}

	p := contracts.Punishment{
		Tier:            tier,
		DurationMinutes: minutes,
		RepeatCount:     repeat,
		IssuedAt:        now.UTC().Truncate(time.Millisecond),
	}
	p.ExpiresAt = p.IssuedAt.Add(p.Duration())
	return p
}

// History returns a copy of identity's offense history.
func (e *Engine) History(identity string) History {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(History, len(e.history[identity]))
	for k, v := range e.history[identity] {
		out[k] = v
	}
	return out
}

// Active returns the punishments of identity still in force, pruning the
// expired ones.
func (e *Engine) Active(identity string) []contracts.Punishment {
	now := e.clock()

	e.mu.Lock()
	defer e.mu.Unlock()
	var active []contracts.Punishment
	for _, p := range e.issued[identity] {
		if p.Active(now) {
			active = append(active, p)
		}
	}
	e.issued[identity] = active
	out := make([]contracts.Punishment, len(active))
	copy(out, active)
	return out
}
