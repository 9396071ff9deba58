package contracts

import "time"

// Vote is a single juror's opinion.
type Vote string

const (
	VoteGuilty    Vote = "guilty"
	VoteNotGuilty Vote = "not_guilty"
	// VoteAbstain is recorded for jurors that errored or missed the deadline.
	VoteAbstain Vote = "abstain"
)

// JurorTrace is the per-juror audit entry of a hearing.
type JurorTrace struct {
	JurorID    string  `json:"jurorId"`
	Role       string  `json:"role"`
	Vote       Vote    `json:"vote"`
	Confidence float64 `json:"confidence,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	DurationMs int64   `json:"durationMs"`
	Error      string  `json:"error,omitempty"`
}

// VoteCounts tallies a hearing.
type VoteCounts struct {
	Guilty    int `json:"guilty"`
	NotGuilty int `json:"notGuilty"`
	Abstain   int `json:"abstain"`
}

// Cast returns the number of non-abstaining votes.
func (c VoteCounts) Cast() int {
	return c.Guilty + c.NotGuilty
}

// Verdict is the outcome of a hearing. It is derived, never persisted on its own.
type Verdict struct {
	Guilty      bool         `json:"guilty"`
	Votes       []JurorTrace `json:"votes"`
	VoteCounts  VoteCounts   `json:"voteCounts"`
	ConvenedAt  time.Time    `json:"convenedAt"`
	ConcludedAt time.Time    `json:"concludedAt"`
}

const (
	VerdictGuilty    = "GUILTY"
	VerdictNotGuilty = "NOT GUILTY"
)

// Label returns the verdict as recorded on a case.
func (v Verdict) Label() string {
	if v.Guilty {
		return VerdictGuilty
	}
	return VerdictNotGuilty
}
