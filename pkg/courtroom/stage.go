package courtroom

import (
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
)

// Stage names a step of the adjudication pipeline.
type Stage string

const (
	StageEvaluate   Stage = "evaluate"
	StageDetect     Stage = "detect"
	StageHearing    Stage = "hearing"
	StagePunishment Stage = "punishment"
	StageLedger     Stage = "ledger"
	StageSubmission Stage = "submission"
	StageStatus     Stage = "status"
)

// StageState is the outcome of one stage.
type StageState string

const (
	StatusOK      StageState = "ok"
	StatusSkipped StageState = "skipped"
	StatusFailed  StageState = "failed"
)

// StageResult records what a stage did. Failed stages carry the error; it is
// logged and never returned to the host.
type StageResult struct {
	Stage  Stage
	Status StageState
	Reason string
	Err    error
}

// Outcome is the trace of one Ingest call.
type Outcome struct {
	Stages    []StageResult
	Detection *contracts.Detection
	Verdict   *contracts.Verdict
	Case      *contracts.CaseRecord
}

// Evaluated reports whether the detector was consulted.
func (o Outcome) Evaluated() bool {
	for _, s := range o.Stages {
		if s.Stage == StageDetect {
			return true
		}
	}
	return false
}

// Filed reports whether a case was filed.
func (o Outcome) Filed() bool {
	return o.Case != nil
}

// Last returns the final stage result, if any.
func (o Outcome) Last() (StageResult, bool) {
	if len(o.Stages) == 0 {
		return StageResult{}, false
	}
	return o.Stages[len(o.Stages)-1], true
}

func (o *Outcome) add(stage Stage, state StageState, reason string, err error) {
	o.Stages = append(o.Stages, StageResult{Stage: stage, Status: state, Reason: reason, Err: err})
}
