// Package status publishes the courtroom's externally visible state: a small
// record that components update with partial patches.
package status

import (
	"context"
	"time"
)

// maxDeadLetters bounds the dead-letter list kept in the record.
const maxDeadLetters = 100

type LastCase struct {
	CaseID    string    `json:"caseId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Offense   string    `json:"offense"`
	Verdict   string    `json:"verdict"`
}

type QueueStats struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Dead      int `json:"dead"`
}

// DeadLetter is a case whose submission was abandoned.
type DeadLetter struct {
	CaseID   string    `json:"caseId"`
	Digest   string    `json:"digest,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

type Status struct {
	Running     bool         `json:"running"`
	Initialized bool         `json:"initialized"`
	AgentType   string       `json:"agentType,omitempty"`
	PublicKey   string       `json:"publicKey,omitempty"`
	CasesFiled  int64        `json:"casesFiled"`
	LastCase    *LastCase    `json:"lastCase,omitempty"`
	LastCheck   time.Time    `json:"lastCheck"`
	Queue       QueueStats   `json:"queue"`
	DeadLetters []DeadLetter `json:"deadLetters,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Patch is a partial update; nil fields are left unchanged. DeadLetter is
// appended rather than replaced.
type Patch struct {
	Running     *bool
	Initialized *bool
	AgentType   *string
	PublicKey   *string
	CasesFiled  *int64
	LastCase    *LastCase
	LastCheck   *time.Time
	Queue       *QueueStats
	DeadLetter  *DeadLetter
}

// Apply merges p into s.
func (s *Status) Apply(p Patch, now time.Time) {
	if p.Running != nil {
		s.Running = *p.Running
	}
	if p.Initialized != nil {
		s.Initialized = *p.Initialized
	}
	if p.AgentType != nil {
		s.AgentType = *p.AgentType
	}
	if p.PublicKey != nil {
		s.PublicKey = *p.PublicKey
	}
	if p.CasesFiled != nil {
		s.CasesFiled = *p.CasesFiled
	}
	if p.LastCase != nil {
		lc := *p.LastCase
		s.LastCase = &lc
	}
	if p.LastCheck != nil {
		s.LastCheck = *p.LastCheck
	}
	if p.Queue != nil {
		s.Queue = *p.Queue
	}
	if p.DeadLetter != nil {
		s.DeadLetters = append(s.DeadLetters, *p.DeadLetter)
		if n := len(s.DeadLetters); n > maxDeadLetters {
			s.DeadLetters = append([]DeadLetter(nil), s.DeadLetters[n-maxDeadLetters:]...)
		}
	}
	s.UpdatedAt = now
}

// Sink receives status patches.
type Sink interface {
	Update(ctx context.Context, p Patch) error
}

func Bool(b bool) *bool { return &b }
func String(s string) *string { return &s }
func Int64(n int64) *int64 { return &n }
func Time(t time.Time) *time.Time { return &t }
