// Package submission signs finalized case records and delivers them to the
// remote ledger from a bounded in-memory queue, retrying with backoff and
// dead-lettering cases that exhaust their attempts.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/crypto"
	"github.com/Assassin-1234/clawtrial/pkg/resiliency"
	"github.com/Assassin-1234/clawtrial/pkg/retry"
	"github.com/Assassin-1234/clawtrial/pkg/status"
)

var (
	// ErrQueueOverflow is returned synchronously when the queue is full. The
	// case is dropped.
	ErrQueueOverflow = errors.New("submission queue full")
	// ErrDelivery marks a failed delivery attempt. It is retried, never
	// returned to the submitter.
	ErrDelivery = errors.New("case delivery failed")
)

// minBreakerWait floors the reschedule of an entry rejected by an open
// circuit breaker.
const minBreakerWait = 50 * time.Millisecond

// State of a queue entry.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateDelivered State = "delivered"
	StateDead      State = "dead"
)

// Outcomes reported to a Recorder.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetry     = "retry"
	OutcomeDeferred  = "deferred"
	OutcomeDead      = "dead"
	OutcomeOverflow  = "overflow"
)

// Entry is one case awaiting delivery.
type Entry struct {
	Record      *contracts.CaseRecord
	Attempts    int
	NextRetryAt time.Time
	GivesUpAt   time.Time
	State       State
	LastError   string
}

// Envelope is the wire form of a submission.
type Envelope struct {
	Case      *contracts.CaseRecord `json:"case"`
	Signature string                `json:"signature"`
	KeyID     string                `json:"keyId"`
	PublicKey string                `json:"publicKey"`
}

// Transport delivers one envelope. Any error is retryable.
type Transport interface {
	Deliver(ctx context.Context, env Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) error

func (f TransportFunc) Deliver(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Recorder observes submission outcomes.
type Recorder interface {
	RecordSubmission(ctx context.Context, outcome string)
}

// Policy is the delivery configuration.
type Policy struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxBackoff    time.Duration
	MaxQueueSize  int
}

// PolicyFromConfig maps the api section onto a Policy.
func PolicyFromConfig(api config.APIConfig) Policy {
	return Policy{
		Timeout:       api.AttemptTimeout(),
		RetryAttempts: api.RetryAttempts,
		RetryDelay:    api.Backoff(),
		MaxBackoff:    5 * time.Minute,
		MaxQueueSize:  api.MaxQueueSize,
	}
}

func (p Policy) backoff() retry.BackoffPolicy {
	base := p.RetryDelay.Milliseconds()
	return retry.BackoffPolicy{
		BaseMs:      base,
		MaxMs:       p.MaxBackoff.Milliseconds(),
		MaxJitterMs: base / 10,
		MaxAttempts: p.RetryAttempts,
	}
}

// Stats counts queue entries.
type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"inFlight"`
	Delivered int `json:"delivered"`
	Dead      int `json:"dead"`
}

type Option func(*Queue)

// WithStatusSink reports queue stats and dead letters to sink.
func WithStatusSink(sink status.Sink) Option {
	return func(q *Queue) { q.sink = sink }
}

// WithRecorder reports submission outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

type Queue struct {
	signer    crypto.Signer
	transport Transport
	sink      status.Sink
	recorder  Recorder
	logger    *slog.Logger

	mu        sync.Mutex
	policy    Policy
	entries   []*Entry
	delivered int
	dead      int
	wake      chan struct{}
}

func NewQueue(signer crypto.Signer, transport Transport, policy Policy, opts ...Option) *Queue {
	q := &Queue{
		signer:    signer,
		transport: transport,
		logger:    slog.Default().With("component", "submission"),
		policy:    policy,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetPolicy replaces the delivery configuration. Entries already queued keep
// their schedule.
func (q *Queue) SetPolicy(p Policy) {
	q.mu.Lock()
	q.policy = p
	q.mu.Unlock()
}

// SubmitCase signs rec and enqueues it. A full queue rejects the case with
// ErrQueueOverflow without signing it.
func (q *Queue) SubmitCase(ctx context.Context, rec *contracts.CaseRecord) error {
	q.mu.Lock()
	if len(q.entries) >= q.policy.MaxQueueSize {
		q.mu.Unlock()
		q.logger.WarnContext(ctx, "submission queue full, dropping case",
			"case_id", rec.CaseID, "max_queue_size", q.policy.MaxQueueSize)
		q.record(ctx, OutcomeOverflow)
		return fmt.Errorf("%w: %s", ErrQueueOverflow, rec.CaseID)
	}

	if err := q.signer.SignCase(rec); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("sign case: %w", err)
	}

	now := time.Now()
	plan := retry.GeneratePlan(rec.CaseID, q.policy.backoff(), now)
	q.entries = append(q.entries, &Entry{
		Record:      rec,
		NextRetryAt: now,
		GivesUpAt:   plan.GivesUpAt,
		State:       StatePending,
	})
	stats := q.statsLocked()
	q.mu.Unlock()

	q.logger.InfoContext(ctx, "case queued for submission", "case_id", rec.CaseID, "pending", stats.Pending)
	q.publish(ctx, stats, nil)
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, delivering one entry at a time
// in submission order among the entries that are due. An attempt interrupted
// by cancellation does not count.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.InfoContext(ctx, "submission drain started")
	defer q.logger.InfoContext(ctx, "submission drain stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		e, wait := q.next(time.Now())
		if e != nil {
			q.attempt(ctx, e)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait > 0 {
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// next claims the oldest due entry, or reports how long until one is due.
func (q *Queue) next(now time.Time) (*Entry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var wait time.Duration
	for _, e := range q.entries {
		if e.State != StatePending {
			continue
		}
		if !e.NextRetryAt.After(now) {
			e.State = StateInFlight
			e.Attempts++
			return e, 0
		}
		if d := e.NextRetryAt.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *Queue) attempt(ctx context.Context, e *Entry) {
	q.mu.Lock()
	timeout := q.policy.Timeout
	bp := q.policy.backoff()
	q.mu.Unlock()

	env := Envelope{
		Case:      e.Record,
		Signature: e.Record.Signature,
		KeyID:     e.Record.KeyID,
		PublicKey: q.signer.PublicKey(),
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	err := q.deliver(actx, env)
	cancel()

	caseID := e.Record.CaseID
	q.mu.Lock()
	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the attempt; leave it for the next run.
		e.State = StatePending
		e.Attempts--
		q.mu.Unlock()
		return
	}

	var dead *status.DeadLetter
	var outcome string
	var open *resiliency.CircuitOpenError
	switch {
	case errors.As(err, &open):
		// Nothing was sent; wait for the breaker without spending an attempt.
		e.State = StatePending
		e.Attempts--
		e.LastError = err.Error()
		e.NextRetryAt = time.Now().Add(max(open.RetryAfter, minBreakerWait))
		outcome = OutcomeDeferred
	case err == nil:
		e.State = StateDelivered
		q.remove(e)
		q.delivered++
		outcome = OutcomeDelivered
	case bp.Exhausted(e.Attempts):
		e.State = StateDead
		e.LastError = err.Error()
		q.remove(e)
		q.dead++
		dead = &status.DeadLetter{CaseID: caseID, Attempts: e.Attempts, Error: e.LastError, At: time.Now().UTC()}
		if digest, derr := crypto.PayloadDigest(e.Record); derr == nil {
			dead.Digest = digest
		}
		outcome = OutcomeDead
	default:
		e.State = StatePending
		e.LastError = err.Error()
		e.NextRetryAt = time.Now().Add(retry.ComputeBackoff(retry.BackoffParams{Key: caseID, Attempt: e.Attempts}, bp))
		outcome = OutcomeRetry
	}
	attempts, next := e.Attempts, e.NextRetryAt
	stats := q.statsLocked()
	q.mu.Unlock()

	switch outcome {
	case OutcomeDelivered:
		q.logger.InfoContext(ctx, "case delivered", "case_id", caseID, "attempts", attempts)
	case OutcomeDeferred:
		q.logger.WarnContext(ctx, "endpoint circuit open, delivery deferred",
			"case_id", caseID, "next_retry_at", next)
	case OutcomeDead:
		q.logger.ErrorContext(ctx, "case submission abandoned", "case_id", caseID, "attempts", attempts, "error", err)
	default:
		q.logger.WarnContext(ctx, "case delivery failed, will retry",
			"case_id", caseID, "attempts", attempts, "next_retry_at", next, "error", err)
	}
	q.record(ctx, outcome)
	q.publish(ctx, stats, dead)
}

// deliver calls the transport, converting a panic into a delivery error.
func (q *Queue) deliver(ctx context.Context, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDelivery, r)
		}
	}()
	return q.transport.Deliver(ctx, env)
}

func (q *Queue) remove(e *Entry) {
	for i, x := range q.entries {
		if x == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *Queue) record(ctx context.Context, outcome string) {
	if q.recorder != nil {
		q.recorder.RecordSubmission(ctx, outcome)
	}
}

func (q *Queue) publish(ctx context.Context, s Stats, dead *status.DeadLetter) {
	if q.sink == nil {
		return
	}
	p := status.Patch{
		Queue:      &status.QueueStats{Pending: s.Pending + s.InFlight, Delivered: s.Delivered, Dead: s.Dead},
		DeadLetter: dead,
	}
	if err := q.sink.Update(ctx, p); err != nil {
		q.logger.WarnContext(ctx, "status update failed", "error", err)
	}
}

func (q *Queue) statsLocked() Stats {
	s := Stats{Delivered: q.delivered, Dead: q.dead}
	for _, e := range q.entries {
		if e.State == StateInFlight {
			s.InFlight++
		} else {
			s.Pending++
		}
	}
	return s
}

// Stats returns the current counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Entries returns a snapshot of the queued entries in submission order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}
