package contracts

import "time"

// Tier is an ordered punishment severity.
type Tier string

const (
	TierMinor    Tier = "minor"
	TierModerate Tier = "moderate"
	TierSevere   Tier = "severe"
)

// Punishment is the decision of the punishment engine for one guilty verdict.
type Punishment struct {
	Tier            Tier      `json:"tier"`
	DurationMinutes float64   `json:"durationMinutes"`
	RepeatCount     int       `json:"repeatCount"`
	IssuedAt        time.Time `json:"issuedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Duration returns the punishment length.
func (p Punishment) Duration() time.Duration {
	return time.Duration(p.DurationMinutes * float64(time.Minute))
}

// Active reports whether the punishment is still in force at t.
func (p Punishment) Active(t time.Time) bool {
	return t.Before(p.ExpiresAt)
}
