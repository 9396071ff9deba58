// Package jury convenes a panel of concurrently deliberating jurors and
// aggregates their votes into a verdict within a fixed deadline.
package jury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// ErrJurorTimeout is recorded for jurors that did not report before the
// deadline. It is counted as an abstention, never surfaced.
var ErrJurorTimeout = errors.New("juror timeout")

// State is the panel lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateConvened     State = "convened"
	StateDeliberating State = "deliberating"
	StateConcluded    State = "concluded"
)

// Policy is the hearing configuration.
type Policy struct {
	JurySize         int
	Deadline         time.Duration
	RequireUnanimity bool
	MinVoteThreshold int
}

// PolicyFromConfig maps the hearing section onto a Policy.
func PolicyFromConfig(h config.HearingConfig) Policy {
	return Policy{
		JurySize:         h.JurySize,
		Deadline:         h.Deadline(),
		RequireUnanimity: h.RequireUnanimity,
		MinVoteThreshold: h.MinVoteThreshold,
	}
}

// Panel runs hearings one at a time.
type Panel struct {
	judge  Judge
	clock  func() time.Time
	logger *slog.Logger

	hearing sync.Mutex
	mu      sync.Mutex
	state   State
}

func NewPanel(judge Judge) *Panel {
	return &Panel{
		judge:  judge,
		clock:  time.Now,
		logger: slog.Default().With("component", "jury"),
		state:  StateIdle,
	}
}

// WithClock overrides the clock used for trace timestamps.
func (p *Panel) WithClock(clock func() time.Time) *Panel {
	p.clock = clock
	return p
}

func (p *Panel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Panel) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ConductHearing seats policy.JurySize jurors and has them deliberate on d
// concurrently. The panel concludes when every juror has reported or the
// deadline passes, whichever is first; jurors still out are recorded as
// abstentions and their late results are discarded.
func (p *Panel) ConductHearing(ctx context.Context, policy Policy, d contracts.Detection) (contracts.Verdict, error) {
	if policy.JurySize < 1 {
		return contracts.Verdict{}, fmt.Errorf("jury: invalid jury size %d", policy.JurySize)
	}
	if policy.Deadline <= 0 {
		return contracts.Verdict{}, fmt.Errorf("jury: invalid deliberation timeout %s", policy.Deadline)
	}

	p.hearing.Lock()
	defer p.hearing.Unlock()

	convenedAt := p.clock()
	jurors := Roster(policy.JurySize)
	p.setState(StateConvened)

	traces := make([]contracts.JurorTrace, len(jurors))
	for i, j := range jurors {
		traces[i] = contracts.JurorTrace{
			JurorID: j.ID,
			Role:    j.Role,
			Vote:    contracts.VoteAbstain,
			Error:   ErrJurorTimeout.Error(),
		}
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, policy.Deadline)
	defer cancel()

	var mu sync.Mutex
	concluded := false

	p.setState(StateDeliberating)
	g, gctx := errgroup.WithContext(deadlineCtx)
	for i, j := range jurors {
		g.Go(func() error {
			start := time.Now()
			op, err := p.deliberate(gctx, j, d)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if concluded {
				p.logger.DebugContext(ctx, "discarding late juror result", "juror", j.ID)
				return nil
			}
			traces[i] = trace(j, op, err, elapsed)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadlineCtx.Done():
	}

	mu.Lock()
	concluded = true
	votes := make([]contracts.JurorTrace, len(traces))
	copy(votes, traces)
	mu.Unlock()

	v := Aggregate(policy, votes)
	v.ConvenedAt = convenedAt
	v.ConcludedAt = p.clock()
	p.setState(StateConcluded)

	p.logger.InfoContext(ctx, "hearing concluded",
		"offense", d.Offense,
		"verdict", v.Label(),
		"guilty", v.VoteCounts.Guilty,
		"not_guilty", v.VoteCounts.NotGuilty,
		"abstain", v.VoteCounts.Abstain,
	)
	return v, nil
}

func (p *Panel) deliberate(ctx context.Context, j Juror, d contracts.Detection) (op Opinion, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("juror panic: %v", r)
		}
	}()
	op, err = p.judge.Deliberate(ctx, j, d)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrJurorTimeout, err)
	}
	return op, err
}

func trace(j Juror, op Opinion, err error, elapsed time.Duration) contracts.JurorTrace {
	t := contracts.JurorTrace{
		JurorID:    j.ID,
		Role:       j.Role,
		DurationMs: elapsed.Milliseconds(),
	}
	switch {
	case err != nil:
		t.Vote = contracts.VoteAbstain
		t.Error = err.Error()
	case op.Vote != contracts.VoteGuilty && op.Vote != contracts.VoteNotGuilty && op.Vote != contracts.VoteAbstain:
		t.Vote = contracts.VoteAbstain
		t.Error = fmt.Sprintf("invalid vote %q", op.Vote)
	default:
		t.Vote = op.Vote
		t.Confidence = op.Confidence
		t.Reasoning = op.Reasoning
	}
	return t
}

// Aggregate tallies votes under policy. Abstentions never count toward
// either side; a panel with no cast votes is not guilty.
func Aggregate(policy Policy, votes []contracts.JurorTrace) contracts.Verdict {
	var counts contracts.VoteCounts
	for _, v := range votes {
		switch v.Vote {
		case contracts.VoteGuilty:
			counts.Guilty++
		case contracts.VoteNotGuilty:
			counts.NotGuilty++
		default:
			counts.Abstain++
		}
	}

	var guilty bool
	if policy.RequireUnanimity {
		guilty = counts.Cast() >= 1 && counts.Guilty == counts.Cast()
	} else {
		threshold := policy.MinVoteThreshold
		if threshold < 1 {
			threshold = 1
		}
		guilty = counts.Guilty >= threshold
	}

	return contracts.Verdict{
		Guilty:     guilty,
		Votes:      votes,
		VoteCounts: counts,
	}
}
