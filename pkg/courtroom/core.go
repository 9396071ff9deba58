// Package courtroom orchestrates the adjudication pipeline: it buffers the
// conversation, periodically asks the detector for an offense and, when one
// is found, runs the hearing, sentencing, filing and submission stages.
package courtroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/detect"
	"github.com/Assassin-1234/clawtrial/pkg/jury"
	"github.com/Assassin-1234/clawtrial/pkg/ledger"
	"github.com/Assassin-1234/clawtrial/pkg/observability"
	"github.com/Assassin-1234/clawtrial/pkg/punishment"
	"github.com/Assassin-1234/clawtrial/pkg/ratelimit"
	"github.com/Assassin-1234/clawtrial/pkg/status"
	"github.com/Assassin-1234/clawtrial/pkg/submission"
)

const (
	// WindowCapacity is the number of turns kept.
	WindowCapacity = 50
	// EvaluateEvery is the ingestion period of detector evaluations.
	EvaluateEvery = 5
	// MinTurns is the smallest window worth evaluating.
	MinTurns = 3
	// DetectorWindow is the number of recent turns shown to the detector.
	DetectorWindow = 10
	// AgentType is reported to the status sink.
	AgentType = "clawdbot_skill"
)

// Options wires the collaborators of a Core. Config, Limiter, Detector,
// Panel, Punishment and Queue are required.
type Options struct {
	Identity   string
	Config     *config.Store
	Limiter    *ratelimit.Limiter
	Detector   detect.Detector
	Panel      *jury.Panel
	Punishment *punishment.Engine
	Queue      *submission.Queue
	Ledger     ledger.CaseLedger
	Status     status.Sink
	Notifier   Notifier
	Telemetry  *observability.Provider
	// Memory returns the host agent's memory for the detector.
	Memory func() detect.Memory
	Clock  func() time.Time
}

// Snapshot is the Core's in-process state.
type Snapshot struct {
	Identity   string
	Running    bool
	Ingested   int64
	WindowSize int
	CasesFiled int64
	LastCase   *contracts.CaseRecord
	Queue      submission.Stats
}

type Core struct {
	opts   Options
	logger *slog.Logger

	// ingestMu serializes pipelines; mu guards the fields below it and is
	// never held across a stage.
	ingestMu sync.Mutex

	mu         sync.Mutex
	window     []contracts.Turn
	ingested   int64
	casesFiled int64
	lastCase   *contracts.CaseRecord

	runMu   sync.Mutex
	cancel  context.CancelFunc
	drained chan struct{}

	notifications sync.WaitGroup
}

// New builds a Core. Optional collaborators default to in-memory versions.
func New(opts Options) (*Core, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("courtroom: config store is required")
	case opts.Limiter == nil:
		return nil, errors.New("courtroom: rate limiter is required")
	case opts.Detector == nil:
		return nil, errors.New("courtroom: detector is required")
	case opts.Panel == nil:
		return nil, errors.New("courtroom: jury panel is required")
	case opts.Punishment == nil:
		return nil, errors.New("courtroom: punishment engine is required")
	case opts.Queue == nil:
		return nil, errors.New("courtroom: submission queue is required")
	}
	if opts.Identity == "" {
		opts.Identity = "default"
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewMemoryLedger()
	}
	if opts.Status == nil {
		opts.Status = status.NewMemorySink()
	}
	if opts.Telemetry == nil {
		// A disabled provider never fails.
		opts.Telemetry, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Core{
		opts:   opts,
		logger: slog.Default().With("component", "courtroom", "identity", opts.Identity),
		window: make([]contracts.Turn, 0, WindowCapacity),
	}, nil
}

// Start loads the case count, publishes the initial status and starts the
// submission drain loop.
func (c *Core) Start(ctx context.Context, publicKey string) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return errors.New("courtroom: already started")
	}

	n, err := c.opts.Ledger.Count(ctx, c.opts.Identity)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to read case ledger, counting from zero", "error", err)
	}
	c.mu.Lock()
	c.casesFiled = n
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.drained = make(chan struct{})
	go func() {
		defer close(c.drained)
		if err := c.opts.Queue.Run(runCtx); err != nil {
			c.logger.ErrorContext(runCtx, "submission drain exited", "error", err)
		}
	}()

	c.updateStatus(ctx, status.Patch{
		Running:     status.Bool(true),
		Initialized: status.Bool(true),
		AgentType:   status.String(AgentType),
		PublicKey:   status.String(publicKey),
		CasesFiled:  status.Int64(n),
	})
	c.logger.InfoContext(ctx, "courtroom started", "cases_filed", n)
	return nil
}

// Shutdown stops the drain loop and waits for it and for pending
// notifications, or until ctx is done.
func (c *Core) Shutdown(ctx context.Context) error {
	c.runMu.Lock()
	cancel, drained := c.cancel, c.drained
	c.cancel = nil
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("courtroom: shutdown: %w", ctx.Err())
		}
	}

	done := make(chan struct{})
	go func() {
		c.notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("courtroom: shutdown: %w", ctx.Err())
	}

	c.updateStatus(ctx, status.Patch{Running: status.Bool(false)})
	c.logger.InfoContext(ctx, "courtroom stopped")
	return nil
}

// Status returns the current in-process state.
func (c *Core) Status() Snapshot {
	c.runMu.Lock()
	running := c.cancel != nil
	c.runMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Identity:   c.opts.Identity,
		Running:    running,
		Ingested:   c.ingested,
		WindowSize: len(c.window),
		CasesFiled: c.casesFiled,
		LastCase:   c.lastCase,
		Queue:      c.opts.Queue.Stats(),
	}
}

// Ingest records a turn and, every EvaluateEvery turns, runs the pipeline.
// Calls are serialized. Stage failures are reported in the Outcome and
// logged; they are never returned.
func (c *Core) Ingest(ctx context.Context, turn contracts.Turn) Outcome {
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.opts.Clock()
	}

	var out Outcome
	c.mu.Lock()
	if len(c.window) == WindowCapacity {
		copy(c.window, c.window[1:])
		c.window = c.window[:WindowCapacity-1]
	}
	c.window = append(c.window, turn)
	c.ingested++
	if c.ingested%EvaluateEvery != 0 {
		c.mu.Unlock()
		return out
	}
	size, recent := len(c.window), c.recentTurns()
	c.mu.Unlock()

	c.evaluate(ctx, size, recent, &out)
	return out
}

// evaluate runs the pipeline over a window of size turns, of which recent
// are shown to the detector.
func (c *Core) evaluate(ctx context.Context, size int, recent []contracts.Turn, out *Outcome) {
	cfg := c.opts.Config.Config()
	c.applyPolicy(cfg)

	if !cfg.Detection.Enabled {
		out.add(StageEvaluate, StatusSkipped, "detection disabled", nil)
		return
	}
	if size < MinTurns {
		out.add(StageEvaluate, StatusSkipped, "window too small", nil)
		return
	}
	if !c.opts.Limiter.CanEvaluate(ctx, c.opts.Identity) {
		out.add(StageEvaluate, StatusSkipped, "cooldown", nil)
		return
	}
	out.add(StageEvaluate, StatusOK, "", nil)

	d, ok := c.detect(ctx, recent, out)
	if !ok {
		return
	}
	if !d.Triggered || d.Confidence < cfg.Detection.MinConfidence {
		out.add(StageHearing, StatusSkipped, "no offense", nil)
		return
	}
	if enabled, listed := cfg.Humor.Triggers[d.Offense]; listed && !enabled {
		out.add(StageHearing, StatusSkipped, "offense disabled", nil)
		return
	}
	if !cfg.Hearing.Enabled {
		out.add(StageHearing, StatusSkipped, "hearings disabled", nil)
		return
	}
	if !c.opts.Limiter.CanFile(ctx, c.opts.Identity) {
		out.add(StageHearing, StatusSkipped, "daily case limit reached", nil)
		return
	}

	v, ok := c.hearing(ctx, cfg, d, out)
	if !ok || !v.Guilty {
		return
	}

	c.file(ctx, cfg, d, v, out)
}

// applyPolicy pushes the current configuration into the stateful components.
func (c *Core) applyPolicy(cfg config.Config) {
	c.opts.Limiter.SetPolicy(ratelimit.Policy{
		Cooldown:       cfg.Detection.Cooldown(),
		MaxCasesPerDay: cfg.Detection.MaxCasesPerDay,
	})
	c.opts.Punishment.SetPolicy(cfg.Punishment)
	c.opts.Queue.SetPolicy(submission.PolicyFromConfig(cfg.API))
}

// recentTurns copies the detector's share of the window. Requires c.mu.
func (c *Core) recentTurns() []contracts.Turn {
	n := len(c.window)
	if n > DetectorWindow {
		n = DetectorWindow
	}
	turns := make([]contracts.Turn, n)
	copy(turns, c.window[len(c.window)-n:])
	return turns
}

func (c *Core) detect(ctx context.Context, turns []contracts.Turn, out *Outcome) (contracts.Detection, bool) {
	var mem detect.Memory
	if c.opts.Memory != nil {
		mem = c.opts.Memory()
	}

	sctx, done := c.opts.Telemetry.TrackOperation(ctx, string(StageDetect))
	d, err := detect.Run(sctx, c.opts.Detector, turns, mem)
	done(err)
	if err != nil {
		c.logger.ErrorContext(ctx, "evaluation failed", "error", err)
		out.add(StageDetect, StatusFailed, "detector error", err)
		return d, false
	}
	out.Detection = &d
	out.add(StageDetect, StatusOK, "", nil)
	c.logger.DebugContext(ctx, "conversation evaluated",
		"triggered", d.Triggered, "offense", d.Offense, "confidence", d.Confidence)
	return d, true
}

func (c *Core) hearing(ctx context.Context, cfg config.Config, d contracts.Detection, out *Outcome) (contracts.Verdict, bool) {
	c.logger.InfoContext(ctx, "initiating hearing", "offense", d.Offense, "confidence", d.Confidence)

	sctx, done := c.opts.Telemetry.TrackOperation(ctx, string(StageHearing), observability.HearingAttrs(c.opts.Identity, d.Offense)...)
	v, err := c.opts.Panel.ConductHearing(sctx, jury.PolicyFromConfig(cfg.Hearing), d)
	done(err)
	if err != nil {
		c.logger.ErrorContext(ctx, "hearing failed", "error", err)
		out.add(StageHearing, StatusFailed, "hearing error", err)
		return v, false
	}
	c.opts.Telemetry.RecordHearing(ctx, d.Offense, v.Guilty, v.ConcludedAt.Sub(v.ConvenedAt))

	out.Verdict = &v
	out.add(StageHearing, StatusOK, v.Label(), nil)
	return v, true
}

// file sentences a guilty verdict, counts the case and submits it.
func (c *Core) file(ctx context.Context, cfg config.Config, d contracts.Detection, v contracts.Verdict, out *Outcome) {
	var p *contracts.Punishment
	if cfg.Punishment.Enabled {
		res, err := c.opts.Punishment.Execute(ctx, c.opts.Identity, d, v)
		if err != nil {
			c.logger.ErrorContext(ctx, "sentencing failed", "error", err)
			out.add(StagePunishment, StatusFailed, "sentencing error", err)
		} else {
			p = res.Punishment
			out.add(StagePunishment, StatusOK, string(p.Tier), nil)
		}
	} else {
		out.add(StagePunishment, StatusSkipped, "punishment disabled", nil)
	}

	if err := c.opts.Limiter.RecordCase(ctx, c.opts.Identity); err != nil {
		c.logger.WarnContext(ctx, "failed to count case against daily limit", "error", err)
	}

	filed, err := c.opts.Ledger.Increment(ctx, c.opts.Identity)
	if err != nil {
		c.logger.ErrorContext(ctx, "case ledger increment failed", "error", err)
		out.add(StageLedger, StatusFailed, "ledger error", err)
	} else {
		out.add(StageLedger, StatusOK, "", nil)
	}

	rec := contracts.NewCaseRecord(c.opts.Identity, d, v, p, c.opts.Clock())
	c.mu.Lock()
	if err != nil {
		filed = c.casesFiled + 1
	}
	c.casesFiled = filed
	c.lastCase = rec
	c.mu.Unlock()
	out.Case = rec

	if cfg.API.Enabled {
		sctx, done := c.opts.Telemetry.TrackOperation(ctx, string(StageSubmission), observability.AttrCaseID.String(rec.CaseID))
		err := c.opts.Queue.SubmitCase(sctx, rec)
		done(err)
		if err != nil {
			c.logger.WarnContext(ctx, "case submission rejected", "case_id", rec.CaseID, "error", err)
			out.add(StageSubmission, StatusFailed, "submission rejected", err)
		} else {
			out.add(StageSubmission, StatusOK, "", nil)
		}
	} else {
		out.add(StageSubmission, StatusSkipped, "api disabled", nil)
	}

	c.updateStatus(ctx, status.Patch{
		CasesFiled: status.Int64(filed),
		LastCase: &status.LastCase{
			CaseID:    rec.CaseID,
			Timestamp: rec.Timestamp,
			Offense:   rec.Offense,
			Verdict:   rec.Verdict,
		},
	})
	out.add(StageStatus, StatusOK, "", nil)

	c.logger.InfoContext(ctx, "case filed", "case_id", rec.CaseID, "offense", rec.Offense, "cases_filed", filed)
	c.notify(ctx, rec)
}

// notify announces the case without blocking the pipeline.
func (c *Core) notify(ctx context.Context, rec *contracts.CaseRecord) {
	if c.opts.Notifier == nil {
		return
	}
	n := NewNotification(rec)
	c.notifications.Add(1)
	go func() {
		defer c.notifications.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.deliverNotification(nctx, n); err != nil {
			c.logger.WarnContext(nctx, "case notification failed", "case_id", n.CaseID, "error", err)
		}
	}()
}

func (c *Core) deliverNotification(ctx context.Context, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return c.opts.Notifier.Notify(ctx, n)
}

func (c *Core) updateStatus(ctx context.Context, p status.Patch) {
	if err := c.opts.Status.Update(ctx, p); err != nil {
		c.logger.WarnContext(ctx, "status update failed", "error", err)
	}
}
