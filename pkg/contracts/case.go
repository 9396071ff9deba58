package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CaseRecord is the durable record of a guilty verdict. It is finalized, then
// signed exactly once; any mutation after signing invalidates the signature.
type CaseRecord struct {
	CaseID     string       `json:"caseId"`
	Identity   string       `json:"identity"`
	Offense    string       `json:"offense"`
	Confidence float64      `json:"confidence"`
	Timestamp  time.Time    `json:"timestamp"`
	Verdict    string       `json:"verdict"`
	Votes      []JurorTrace `json:"votes"`
	VoteCounts VoteCounts   `json:"voteCounts"`
	Punishment *Punishment  `json:"punishment,omitempty"`
	KeyID      string       `json:"keyId,omitempty"`
	Signature  string       `json:"signature,omitempty"`
}

// NewCaseID returns a fresh case identifier.
func NewCaseID() string {
	return "case_" + uuid.New().String()
}

// NewCaseRecord finalizes a case from a hearing outcome. Timestamps are
// truncated to milliseconds in UTC so the canonical form survives a JSON
// round trip on the ledger side.
func NewCaseRecord(identity string, d Detection, v Verdict, p *Punishment, now time.Time) *CaseRecord {
	votes := make([]JurorTrace, len(v.Votes))
	copy(votes, v.Votes)
	return &CaseRecord{
		CaseID:     NewCaseID(),
		Identity:   identity,
		Offense:    d.Offense,
		Confidence: d.Confidence,
		Timestamp:  now.UTC().Truncate(time.Millisecond),
		Verdict:    v.Label(),
		Votes:      votes,
		VoteCounts: v.VoteCounts,
		Punishment: p,
	}
}

// Signed reports whether the record carries a signature.
func (c *CaseRecord) Signed() bool {
	return c.Signature != ""
}

// Unsigned returns a copy of the record with the signature cleared; this is
// the content covered by the signature.
func (c *CaseRecord) Unsigned() CaseRecord {
	cp := *c
	cp.Signature = ""
	return cp
}

// URL returns the public case page.
func (c *CaseRecord) URL() string {
	return fmt.Sprintf("https://clawtrial.app/cases/%s", c.CaseID)
}
