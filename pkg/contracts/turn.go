// Package contracts defines the records exchanged by the courtroom pipeline:
// conversation turns, detections, juror opinions, verdicts, punishments and
// the signed case record submitted to the ledger.
package contracts

import "time"

// Turn is a single conversation message observed by the courtroom.
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Detection is the result of evaluating a window of turns.
type Detection struct {
	Triggered  bool     `json:"triggered"`
	Offense    string   `json:"offense"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}
