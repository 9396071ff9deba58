package courtroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/crypto"
	"github.com/Assassin-1234/clawtrial/pkg/detect"
	"github.com/Assassin-1234/clawtrial/pkg/jury"
	"github.com/Assassin-1234/clawtrial/pkg/ledger"
	"github.com/Assassin-1234/clawtrial/pkg/punishment"
	"github.com/Assassin-1234/clawtrial/pkg/ratelimit"
	"github.com/Assassin-1234/clawtrial/pkg/status"
	"github.com/Assassin-1234/clawtrial/pkg/submission"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	core      *Core
	store     *config.Store
	clock     *fakeClock
	ledger    *ledger.MemoryLedger
	sink      *status.MemorySink
	signer    *crypto.Ed25519Signer
	detects   atomic.Int32
	delivered chan submission.Envelope
	notified  chan Notification
}

type harnessOpts struct {
	detection contracts.Detection
	detectErr error
	vote      contracts.Vote
	judge     jury.Judge
	enforcer  punishment.Enforcer
	notifier  Notifier
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	h := &harness{
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		ledger:    ledger.NewMemoryLedger(),
		sink:      status.NewMemorySink(),
		delivered: make(chan submission.Envelope, 10),
		notified:  make(chan Notification, 10),
	}

	h.store = config.NewStore(nil)
	h.store.Load(context.Background())

	signer, err := crypto.NewEd25519Signer(crypto.DefaultKeyID)
	require.NoError(t, err)
	h.signer = signer

	detector := detect.DetectorFunc(func(_ context.Context, turns []contracts.Turn, _ detect.Memory) (contracts.Detection, error) {
		h.detects.Add(1)
		assert.LessOrEqual(t, len(turns), DetectorWindow)
		return o.detection, o.detectErr
	})

	vote := o.vote
	if vote == "" {
		vote = contracts.VoteGuilty
	}
	judge := o.judge
	if judge == nil {
		judge = jury.JudgeFunc(func(_ context.Context, _ jury.Juror, _ contracts.Detection) (jury.Opinion, error) {
			return jury.Opinion{Vote: vote, Confidence: 0.9, Reasoning: "noted"}, nil
		})
	}
	panel := jury.NewPanel(judge)

	var punishOpts []punishment.Option
	punishOpts = append(punishOpts, punishment.WithClock(h.clock.Now))
	if o.enforcer != nil {
		punishOpts = append(punishOpts, punishment.WithEnforcer(o.enforcer))
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = NotifierFunc(func(_ context.Context, n Notification) error {
			h.notified <- n
			return nil
		})
	}

	queue := submission.NewQueue(signer, submission.TransportFunc(func(_ context.Context, env submission.Envelope) error {
		h.delivered <- env
		return nil
	}), submission.PolicyFromConfig(config.Defaults().API), submission.WithStatusSink(h.sink))

	core, err := New(Options{
		Identity:   "agent-1",
		Config:     h.store,
		Limiter:    ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Policy{}).WithClock(h.clock.Now),
		Detector:   detector,
		Panel:      panel,
		Punishment: punishment.NewEngine(config.Defaults().Punishment, punishOpts...),
		Queue:      queue,
		Ledger:     h.ledger,
		Status:     h.sink,
		Notifier:   notifier,
		Clock:      h.clock.Now,
	})
	require.NoError(t, err)
	h.core = core
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.core.Start(context.Background(), h.signer.PublicKey()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.core.Shutdown(ctx))
	})
}

func (h *harness) ingest(n int) []Outcome {
	var outs []Outcome
	for i := 0; i < n; i++ {
		outs = append(outs, h.core.Ingest(context.Background(), contracts.Turn{
			Role:    "user",
			Content: fmt.Sprintf("message %d", i),
		}))
	}
	return outs
}

var guiltyDetection = contracts.Detection{
	Triggered:  true,
	Offense:    contracts.OffenseRepeatedQuestions,
	Confidence: 0.9,
	Evidence:   []string{"asked three times"},
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config store")
}

func TestIngest_EvaluatesEveryFifthMessage(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	outs := h.ingest(4)
	for _, o := range outs {
		assert.Empty(t, o.Stages)
	}
	assert.Equal(t, int32(0), h.detects.Load())

	out := h.ingest(1)[0]
	assert.True(t, out.Evaluated())
	assert.Equal(t, int32(1), h.detects.Load())
	assert.False(t, out.Filed())
}

func TestIngest_WindowIsBounded(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.store.Set(context.Background(), "detection.enabled", false))

	h.ingest(WindowCapacity + 7)
	snap := h.core.Status()
	assert.Equal(t, WindowCapacity, snap.WindowSize)
	assert.Equal(t, int64(WindowCapacity+7), snap.Ingested)
}

func TestIngest_DetectionDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{detection: guiltyDetection})
	require.NoError(t, h.store.Set(context.Background(), "detection.enabled", false))

	out := h.ingest(5)[4]
	last, ok := out.Last()
	require.True(t, ok)
	assert.Equal(t, StageEvaluate, last.Stage)
	assert.Equal(t, StatusSkipped, last.Status)
	assert.Equal(t, int32(0), h.detects.Load())
}

func TestIngest_CooldownSkipsDetector(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.ingest(5)
	require.Equal(t, int32(1), h.detects.Load())

	// Still inside the 30 minute cooldown.
	h.clock.Advance(10 * time.Minute)
	out := h.ingest(5)[4]
	assert.False(t, out.Evaluated())
	last, _ := out.Last()
	assert.Equal(t, "cooldown", last.Reason)
	assert.Equal(t, int32(1), h.detects.Load())

	h.clock.Advance(21 * time.Minute)
	h.ingest(5)
	assert.Equal(t, int32(2), h.detects.Load())
}

func TestIngest_DetectorFailureIsReported(t *testing.T) {
	h := newHarness(t, harnessOpts{detectErr: errors.New("model offline")})

	out := h.ingest(5)[4]
	last, _ := out.Last()
	assert.Equal(t, StageDetect, last.Stage)
	assert.Equal(t, StatusFailed, last.Status)
	assert.ErrorIs(t, last.Err, detect.ErrDetector)
	assert.False(t, out.Filed())
}

func TestIngest_LowConfidenceFilesNothing(t *testing.T) {
	d := guiltyDetection
	d.Confidence = 0.3
	h := newHarness(t, harnessOpts{detection: d})

	out := h.ingest(5)[4]
	assert.True(t, out.Evaluated())
	assert.Nil(t, out.Verdict)
	assert.False(t, out.Filed())
}

func TestIngest_DisabledOffenseTrigger(t *testing.T) {
	h := newHarness(t, harnessOpts{detection: guiltyDetection})
	require.NoError(t, h.store.Set(context.Background(), "humor.triggers.repeatedQuestions", false))

	out := h.ingest(5)[4]
	last, _ := out.Last()
	assert.Equal(t, "offense disabled", last.Reason)
	assert.Nil(t, out.Verdict)
}

func TestIngest_NotGuiltyFilesNothing(t *testing.T) {
	h := newHarness(t, harnessOpts{detection: guiltyDetection, vote: contracts.VoteNotGuilty})

	out := h.ingest(5)[4]
	require.NotNil(t, out.Verdict)
	assert.False(t, out.Verdict.Guilty)
	assert.False(t, out.Filed())

	n, err := h.ledger.Count(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngest_DailyCaseLimit(t *testing.T) {
	h := newHarness(t, harnessOpts{detection: guiltyDetection})
	require.NoError(t, h.store.Set(context.Background(), "api.enabled", false))
	require.NoError(t, h.store.Set(context.Background(), "detection.maxCasesPerDay", 1))

	first := h.ingest(5)[4]
	require.True(t, first.Filed())

	h.clock.Advance(31 * time.Minute)
	second := h.ingest(5)[4]
	assert.False(t, second.Filed())
	last, _ := second.Last()
	assert.Equal(t, "daily case limit reached", last.Reason)
}

func TestIngest_PunishmentDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{detection: guiltyDetection})
	require.NoError(t, h.store.Set(context.Background(), "punishment.enabled", false))
	require.NoError(t, h.store.Set(context.Background(), "api.enabled", false))

	out := h.ingest(5)[4]
	require.True(t, out.Filed())
	assert.Nil(t, out.Case.Punishment)
}

func TestEndToEnd_GuiltyCaseIsFiledOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, harnessOpts{detection: guiltyDetection})
	h.start(t)

	// Evaluation waits for the fifth message.
	quiet := h.ingest(4)
	for _, o := range quiet {
		assert.False(t, o.Evaluated())
	}

	out := h.ingest(1)[0]
	require.True(t, out.Filed(), "stages: %+v", out.Stages)
	require.NotNil(t, out.Verdict)
	assert.True(t, out.Verdict.Guilty)
	require.NotNil(t, out.Case.Punishment)
	assert.Equal(t, contracts.TierMinor, out.Case.Punishment.Tier)

	n, err := h.ledger.Count(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case env := <-h.delivered:
		assert.Equal(t, out.Case.CaseID, env.Case.CaseID)
		assert.Equal(t, h.signer.PublicKey(), env.PublicKey)
		ok, err := h.signer.VerifyCase(env.Case)
		require.NoError(t, err)
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("case was not submitted")
	}

	select {
	case n := <-h.notified:
		assert.Equal(t, out.Case.CaseID, n.CaseID)
		assert.Contains(t, n.Text, "CASE FILED")
		assert.Contains(t, n.Text, contracts.OffenseRepeatedQuestions)
		assert.Contains(t, n.Text, n.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	// Five more messages inside the cooldown never reach the detector.
	h.ingest(5)
	assert.Equal(t, int32(1), h.detects.Load())

	select {
	case env := <-h.delivered:
		t.Fatalf("unexpected second submission %s", env.Case.CaseID)
	case <-time.After(100 * time.Millisecond):
	}

	st := h.sink.Status()
	assert.True(t, st.Running)
	assert.Equal(t, int64(1), st.CasesFiled)
	require.NotNil(t, st.LastCase)
	assert.Equal(t, out.Case.CaseID, st.LastCase.CaseID)
	assert.Equal(t, contracts.VerdictGuilty, st.LastCase.Verdict)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.core.Shutdown(ctx))
	assert.False(t, h.sink.Status().Running)
	assert.False(t, h.core.Status().Running)
}

func TestStart_LoadsCaseCount(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.ledger.Increment(context.Background(), "agent-1")
	require.NoError(t, err)

	h.start(t)
	assert.Equal(t, int64(1), h.core.Status().CasesFiled)
	assert.Equal(t, AgentType, h.sink.Status().AgentType)
	assert.Error(t, h.core.Start(context.Background(), ""))
}

func TestNewNotification(t *testing.T) {
	rec := &contracts.CaseRecord{CaseID: "case_1", Offense: "overthinking", Verdict: contracts.VerdictGuilty}
	n := NewNotification(rec)
	assert.Equal(t, "🏛️ **CASE FILED**: overthinking\n📋 Case ID: case_1\n⚖️  Verdict: GUILTY\n🔗 View: "+rec.URL(), n.Text)
}

func TestIngest_EnforcerPanicDoesNotEscape(t *testing.T) {
	h := newHarness(t, harnessOpts{
		detection: guiltyDetection,
		enforcer: punishment.EnforcerFunc(func(context.Context, string, contracts.Punishment) error {
			panic("host mute hook crashed")
		}),
	})
	h.start(t)

	var outs []Outcome
	require.NotPanics(t, func() { outs = h.ingest(5) })
	out := outs[4]
	assert.True(t, out.Filed())
	require.NotNil(t, out.Case.Punishment)
	assert.Equal(t, int64(1), h.core.Status().CasesFiled)
}

func TestIngest_NotifierPanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	called := make(chan struct{})
	h := newHarness(t, harnessOpts{
		detection: guiltyDetection,
		notifier: NotifierFunc(func(context.Context, Notification) error {
			close(called)
			panic("chat bridge crashed")
		}),
	})
	require.NoError(t, h.core.Start(context.Background(), h.signer.PublicKey()))

	out := h.ingest(5)[4]
	require.True(t, out.Filed())
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier not called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.core.Shutdown(ctx))
	assert.Equal(t, int64(1), h.core.Status().CasesFiled)
}

func TestStatus_NotBlockedByHearing(t *testing.T) {
	entered := make(chan struct{}, 3)
	release := make(chan struct{})
	h := newHarness(t, harnessOpts{
		detection: guiltyDetection,
		judge: jury.JudgeFunc(func(ctx context.Context, _ jury.Juror, _ contracts.Detection) (jury.Opinion, error) {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return jury.Opinion{}, ctx.Err()
			}
			return jury.Opinion{Vote: contracts.VoteGuilty, Confidence: 0.9}, nil
		}),
	})
	h.start(t)

	h.ingest(4)
	done := make(chan Outcome, 1)
	go func() { done <- h.ingest(1)[0] }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("hearing not convened")
	}

	snap := make(chan Snapshot, 1)
	go func() { snap <- h.core.Status() }()
	select {
	case s := <-snap:
		assert.Equal(t, int64(5), s.Ingested)
		assert.Equal(t, int64(0), s.CasesFiled)
	case <-time.After(time.Second):
		t.Fatal("status blocked while a hearing is in progress")
	}

	close(release)
	select {
	case out := <-done:
		assert.True(t, out.Filed())
	case <-time.After(5 * time.Second):
		t.Fatal("hearing did not conclude")
	}
	assert.Equal(t, int64(1), h.core.Status().CasesFiled)
}
