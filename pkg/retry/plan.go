package retry

import "time"

// Plan is the full retry schedule of one delivery.
type Plan struct {
	Key         string     `json:"key"`
	Schedule    []Schedule `json:"schedule"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	GivesUpAt   time.Time  `json:"gives_up_at"`
}

type Schedule struct {
	Attempt     int       `json:"attempt"`
	DelayMs     int64     `json:"delay_ms"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// GeneratePlan lays out every attempt of a delivery starting at now. The first
// attempt is immediate; each later one waits ComputeBackoff after the previous.
func GeneratePlan(key string, policy BackoffPolicy, now time.Time) Plan {
	schedule := make([]Schedule, 0, policy.MaxAttempts)
	at := now

	for i := 1; i <= policy.MaxAttempts; i++ {
		var delay time.Duration
		if i > 1 {
			delay = ComputeBackoff(BackoffParams{Key: key, Attempt: i - 1}, policy)
		}
		at = at.Add(delay)
		schedule = append(schedule, Schedule{
			Attempt:     i,
			DelayMs:     delay.Milliseconds(),
			ScheduledAt: at,
		})
	}

	return Plan{
		Key:         key,
		Schedule:    schedule,
		MaxAttempts: policy.MaxAttempts,
		CreatedAt:   now,
		GivesUpAt:   at,
	}
}
