package jury

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// Juror is one seat on the panel.
type Juror struct {
	ID      string
	Role    string
	Persona string
	// Threshold is the detection confidence at which this juror leans guilty.
	Threshold float64
}

var personas = []Juror{
	{Role: "pragmatist", Persona: "a pragmatic engineer who only cares whether the behavior wasted time", Threshold: 0.6},
	{Role: "skeptic", Persona: "a skeptic who assumes good faith and needs strong evidence", Threshold: 0.8},
	{Role: "empath", Persona: "an empath who weighs the user's intent over the letter of the offense", Threshold: 0.7},
	{Role: "stickler", Persona: "a stickler for conversational etiquette", Threshold: 0.5},
	{Role: "wit", Persona: "a dry wit who finds most offenses amusing rather than criminal", Threshold: 0.75},
}

// Roster seats n jurors, cycling through the personas. Each seat gets a
// fresh ID for the hearing trace.
func Roster(n int) []Juror {
	out := make([]Juror, n)
	for i := range out {
		j := personas[i%len(personas)]
		j.ID = fmt.Sprintf("%s-%s", j.Role, uuid.NewString()[:8])
		out[i] = j
	}
	return out
}

// Opinion is a juror's deliberation result.
type Opinion struct {
	Vote       contracts.Vote
	Confidence float64
	Reasoning  string
}

// Judge produces a juror's opinion on a detection.
type Judge interface {
	Deliberate(ctx context.Context, juror Juror, d contracts.Detection) (Opinion, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, juror Juror, d contracts.Detection) (Opinion, error)

func (f JudgeFunc) Deliberate(ctx context.Context, juror Juror, d contracts.Detection) (Opinion, error) {
	return f(ctx, juror, d)
}
