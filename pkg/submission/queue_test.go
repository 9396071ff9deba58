package submission

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/crypto"
	"github.com/Assassin-1234/clawtrial/pkg/resiliency"
	"github.com/Assassin-1234/clawtrial/pkg/status"
)

func testPolicy() Policy {
	return Policy{
		Timeout:       time.Second,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
		MaxQueueSize:  10,
	}
}

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer("test")
	require.NoError(t, err)
	return s
}

func newRecord(offense string) *contracts.CaseRecord {
	v := contracts.Verdict{Guilty: true, VoteCounts: contracts.VoteCounts{Guilty: 3}}
	d := contracts.Detection{Triggered: true, Offense: offense, Confidence: 0.9}
	return contracts.NewCaseRecord("agent", d, v, nil, time.Now())
}

type recordingTransport struct {
	mu   sync.Mutex
	envs []Envelope
	fail func(n int) error
}

func (r *recordingTransport) Deliver(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	if r.fail != nil {
		return r.fail(len(r.envs))
	}
	return nil
}

func (r *recordingTransport) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func runQueue(t *testing.T, q *Queue) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, q.Run(ctx))
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingRecorder) RecordSubmission(_ context.Context, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func (c *countingRecorder) Count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}

func TestSubmitCase_SignsAndQueues(t *testing.T) {
	signer := newSigner(t)
	q := NewQueue(signer, &recordingTransport{}, testPolicy())

	rec := newRecord(contracts.OffenseOverthinking)
	require.NoError(t, q.SubmitCase(context.Background(), rec))

	assert.True(t, rec.Signed())
	ok, err := signer.VerifyCase(rec)
	require.NoError(t, err)
	assert.True(t, ok)

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatePending, entries[0].State)
	assert.True(t, entries[0].GivesUpAt.After(entries[0].NextRetryAt))

	err = q.SubmitCase(context.Background(), rec)
	assert.ErrorIs(t, err, crypto.ErrAlreadySigned)
}

func TestSubmitCase_Overflow(t *testing.T) {
	pol := testPolicy()
	pol.MaxQueueSize = 2
	rec := &countingRecorder{}
	q := NewQueue(newSigner(t), &recordingTransport{}, pol, WithRecorder(rec))
	ctx := context.Background()

	require.NoError(t, q.SubmitCase(ctx, newRecord("a")))
	require.NoError(t, q.SubmitCase(ctx, newRecord("b")))

	dropped := newRecord("c")
	err := q.SubmitCase(ctx, dropped)
	assert.ErrorIs(t, err, ErrQueueOverflow)
	assert.False(t, dropped.Signed(), "rejected cases are not signed")
	assert.Equal(t, 2, q.Stats().Pending)
	assert.Equal(t, 1, rec.Count(OutcomeOverflow))
}

func TestRun_DeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	signer := newSigner(t)
	tr := &recordingTransport{}
	sink := status.NewMemorySink()
	q := NewQueue(signer, tr, testPolicy(), WithStatusSink(sink))
	ctx := context.Background()

	var ids []string
	for _, o := range []string{"a", "b", "c"} {
		rec := newRecord(o)
		require.NoError(t, q.SubmitCase(ctx, rec))
		ids = append(ids, rec.CaseID)
	}

	stop := runQueue(t, q)
	require.Eventually(t, func() bool { return q.Stats().Delivered == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	envs := tr.Envelopes()
	require.Len(t, envs, 3)
	for i, env := range envs {
		assert.Equal(t, ids[i], env.Case.CaseID)
		assert.Equal(t, signer.PublicKey(), env.PublicKey)
		assert.Equal(t, "ed25519:test", env.KeyID)

		payload, err := crypto.SigningPayload(env.Case)
		require.NoError(t, err)
		ok, err := crypto.Verify(env.PublicKey, env.Signature, payload)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.Empty(t, q.Entries())
	assert.Equal(t, status.QueueStats{Delivered: 3}, sink.Status().Queue)
}

func TestRun_RetriesThenDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := &recordingTransport{fail: func(n int) error {
		if n < 3 {
			return ErrDelivery
		}
		return nil
	}}
	rec := &countingRecorder{}
	q := NewQueue(newSigner(t), tr, testPolicy(), WithRecorder(rec))
	require.NoError(t, q.SubmitCase(context.Background(), newRecord("a")))

	stop := runQueue(t, q)
	require.Eventually(t, func() bool { return q.Stats().Delivered == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Len(t, tr.Envelopes(), 3)
	assert.Equal(t, 2, rec.Count(OutcomeRetry))
	assert.Equal(t, 1, rec.Count(OutcomeDelivered))
}

func TestRun_DeadLetterReportedOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := &recordingTransport{fail: func(int) error { return errors.New("endpoint down") }}
	sink := status.NewMemorySink()
	pol := testPolicy()
	pol.RetryAttempts = 2
	q := NewQueue(newSigner(t), tr, pol, WithStatusSink(sink))

	rec := newRecord("a")
	require.NoError(t, q.SubmitCase(context.Background(), rec))

	stop := runQueue(t, q)
	require.Eventually(t, func() bool { return q.Stats().Dead == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give the loop a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	stop()

	assert.Len(t, tr.Envelopes(), 2, "no attempts after the last one")

	var dead []status.DeadLetter
	for _, p := range sink.Patches() {
		if p.DeadLetter != nil {
			dead = append(dead, *p.DeadLetter)
		}
	}
	require.Len(t, dead, 1)
	assert.Equal(t, rec.CaseID, dead[0].CaseID)
	digest, err := crypto.PayloadDigest(rec)
	require.NoError(t, err)
	assert.Equal(t, digest, dead[0].Digest)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "endpoint down", dead[0].Error)
	assert.Equal(t, 1, sink.Status().Queue.Dead)
}

func TestRun_CancelLeavesEntryPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	tr := TransportFunc(func(ctx context.Context, env Envelope) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q := NewQueue(newSigner(t), tr, testPolicy())
	require.NoError(t, q.SubmitCase(context.Background(), newRecord("a")))

	stop := runQueue(t, q)
	<-started
	stop()

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatePending, entries[0].State)
	assert.Equal(t, 0, entries[0].Attempts)
}

func TestRun_IdleUntilSubmit(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := &recordingTransport{}
	q := NewQueue(newSigner(t), tr, testPolicy())
	stop := runQueue(t, q)
	defer stop()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.Envelopes())

	require.NoError(t, q.SubmitCase(context.Background(), newRecord("a")))
	require.Eventually(t, func() bool { return len(tr.Envelopes()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRun_TransportPanicCountsAsFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, env Envelope) error {
		if calls.Add(1) == 1 {
			panic("transport bug")
		}
		return nil
	})
	rec := &countingRecorder{}
	q := NewQueue(newSigner(t), tr, testPolicy(), WithRecorder(rec))
	require.NoError(t, q.SubmitCase(context.Background(), newRecord("a")))

	stop := runQueue(t, q)
	require.Eventually(t, func() bool { return q.Stats().Delivered == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, rec.Count(OutcomeRetry))
}

func TestRun_OpenBreakerDefersWithoutSpendingAttempts(t *testing.T) {
	var healthy atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	breaker := resiliency.NewCircuitBreaker("case-api", 2, 300*time.Millisecond)
	client := resiliency.NewEnhancedClient(resiliency.WithBreaker(breaker))
	pol := testPolicy()
	pol.RetryAttempts = 2
	rec := &countingRecorder{}
	q := NewQueue(newSigner(t), NewHTTPTransport(srv.URL, client), pol, WithRecorder(rec))

	stop := runQueue(t, q)
	defer stop()

	require.NoError(t, q.SubmitCase(context.Background(), newRecord("a")))
	require.Eventually(t, func() bool { return q.Stats().Dead == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, resiliency.StateOpen, breaker.State())
	require.Equal(t, int32(2), hits.Load())

	healthy.Store(true)
	second := newRecord("b")
	require.NoError(t, q.SubmitCase(context.Background(), second))

	require.Eventually(t, func() bool { return q.Stats().Delivered == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, q.Stats().Dead, "second case is not dead-lettered")
	assert.Equal(t, int32(3), hits.Load(), "one request once the breaker admits a trial")
	assert.GreaterOrEqual(t, rec.Count(OutcomeDeferred), 1)
	assert.Equal(t, resiliency.StateClosed, breaker.State())
}
