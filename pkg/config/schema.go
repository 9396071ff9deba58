// Package config holds the courtroom configuration: a typed schema with
// hard-coded defaults, a nested tree that stored overrides are deep-merged
// onto, and dotted-path accessors over that tree.
package config

import (
	"time"
)

// Config is the typed view of the configuration tree.
type Config struct {
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Hearing    HearingConfig    `json:"hearing" yaml:"hearing"`
	Punishment PunishmentConfig `json:"punishment" yaml:"punishment"`
	API        APIConfig        `json:"api" yaml:"api"`
	Humor      HumorConfig      `json:"humor" yaml:"humor"`
	Security   SecurityConfig   `json:"security" yaml:"security"`
}

// DetectionConfig controls how often conversations are evaluated.
type DetectionConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	CooldownMinutes  float64 `json:"cooldownMinutes" yaml:"cooldownMinutes"`
	EvaluationWindow int     `json:"evaluationWindow" yaml:"evaluationWindow"`
	MinConfidence    float64 `json:"minConfidence" yaml:"minConfidence"`
	MaxCasesPerDay   int     `json:"maxCasesPerDay" yaml:"maxCasesPerDay"`
}

// Cooldown returns the minimum time between evaluations.
func (d DetectionConfig) Cooldown() time.Duration {
	return time.Duration(d.CooldownMinutes * float64(time.Minute))
}

// HearingConfig controls the jury panel.
type HearingConfig struct {
	Enabled             bool  `json:"enabled" yaml:"enabled"`
	JurySize            int   `json:"jurySize" yaml:"jurySize"`
	DeliberationTimeout int64 `json:"deliberationTimeout" yaml:"deliberationTimeout"` // ms
	RequireUnanimity    bool  `json:"requireUnanimity" yaml:"requireUnanimity"`
	MinVoteThreshold    int   `json:"minVoteThreshold" yaml:"minVoteThreshold"`
}

// Deadline returns the per-hearing deliberation bound.
func (h HearingConfig) Deadline() time.Duration {
	return time.Duration(h.DeliberationTimeout) * time.Millisecond
}

// TierConfig is the base duration (minutes) and severity rank of a tier.
type TierConfig struct {
	Duration float64 `json:"duration" yaml:"duration"`
	Severity int     `json:"severity" yaml:"severity"`
}

// PunishmentConfig controls tiering and escalation.
type PunishmentConfig struct {
	Enabled              bool                  `json:"enabled" yaml:"enabled"`
	DefaultDuration      float64               `json:"defaultDuration" yaml:"defaultDuration"`
	MaxDuration          float64               `json:"maxDuration" yaml:"maxDuration"`
	EscalationMultiplier float64               `json:"escalationMultiplier" yaml:"escalationMultiplier"`
	Tiers                map[string]TierConfig `json:"tiers" yaml:"tiers"`
}

// APIConfig controls case submission to the remote ledger.
type APIConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Endpoint      string `json:"endpoint" yaml:"endpoint"`
	Timeout       int64  `json:"timeout" yaml:"timeout"` // ms
	RetryAttempts int    `json:"retryAttempts" yaml:"retryAttempts"`
	RetryDelay    int64  `json:"retryDelay" yaml:"retryDelay"` // ms
	MaxQueueSize  int    `json:"maxQueueSize" yaml:"maxQueueSize"`
}

// AttemptTimeout bounds a single delivery attempt.
func (a APIConfig) AttemptTimeout() time.Duration {
	return time.Duration(a.Timeout) * time.Millisecond
}

// Backoff is the base delay between delivery attempts.
func (a APIConfig) Backoff() time.Duration {
	return time.Duration(a.RetryDelay) * time.Millisecond
}

// HumorConfig feeds juror commentary.
type HumorConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	DryWitLevel         float64         `json:"dryWitLevel" yaml:"dryWitLevel"`
	MaxCommentaryLength int             `json:"maxCommentaryLength" yaml:"maxCommentaryLength"`
	Triggers            map[string]bool `json:"triggers" yaml:"triggers"`
}

// SecurityConfig holds retention windows.
type SecurityConfig struct {
	MaxEvidenceAge    int64 `json:"maxEvidenceAge" yaml:"maxEvidenceAge"`       // seconds
	EvidenceRetention int   `json:"evidenceRetention" yaml:"evidenceRetention"` // days
	CaseRetention     int   `json:"caseRetention" yaml:"caseRetention"`         // days
}

// Defaults returns the hard-coded configuration.
func Defaults() Config {
	return Config{
		Detection: DetectionConfig{
			Enabled:          true,
			CooldownMinutes:  30,
			EvaluationWindow: 20,
			MinConfidence:    0.6,
			MaxCasesPerDay:   3,
		},
		Hearing: HearingConfig{
			Enabled:             true,
			JurySize:            3,
			DeliberationTimeout: 30000,
			RequireUnanimity:    false,
			MinVoteThreshold:    2,
		},
		Punishment: PunishmentConfig{
			Enabled:              true,
			DefaultDuration:      60,
			MaxDuration:          1440,
			EscalationMultiplier: 1.5,
			Tiers: map[string]TierConfig{
				"minor":    {Duration: 30, Severity: 1},
				"moderate": {Duration: 60, Severity: 2},
				"severe":   {Duration: 120, Severity: 3},
			},
		},
		API: APIConfig{
			Enabled:       true,
			Endpoint:      "https://api.clawtrial.app/api/v1/cases",
			Timeout:       10000,
			RetryAttempts: 3,
			RetryDelay:    5000,
			MaxQueueSize:  100,
		},
		Humor: HumorConfig{
			Enabled:             true,
			DryWitLevel:         0.8,
			MaxCommentaryLength: 280,
			Triggers: map[string]bool{
				"repeatedQuestions": true,
				"validationSeeking": true,
				"overthinking":      true,
				"avoidance":         true,
			},
		},
		Security: SecurityConfig{
			MaxEvidenceAge:    86400,
			EvidenceRetention: 7,
			CaseRetention:     90,
		},
	}
}

// PublicConfig is the subset of configuration safe to expose to the host.
type PublicConfig struct {
	Detection struct {
		Enabled         bool    `json:"enabled"`
		CooldownMinutes float64 `json:"cooldownMinutes"`
		MaxCasesPerDay  int     `json:"maxCasesPerDay"`
	} `json:"detection"`
	Hearing struct {
		Enabled  bool `json:"enabled"`
		JurySize int  `json:"jurySize"`
	} `json:"hearing"`
	Punishment struct {
		Enabled         bool    `json:"enabled"`
		DefaultDuration float64 `json:"defaultDuration"`
	} `json:"punishment"`
	API struct {
		Enabled bool `json:"enabled"`
	} `json:"api"`
}

// Public projects c onto the public-safe subset.
func (c Config) Public() PublicConfig {
	var p PublicConfig
	p.Detection.Enabled = c.Detection.Enabled
	p.Detection.CooldownMinutes = c.Detection.CooldownMinutes
	p.Detection.MaxCasesPerDay = c.Detection.MaxCasesPerDay
	p.Hearing.Enabled = c.Hearing.Enabled
	p.Hearing.JurySize = c.Hearing.JurySize
	p.Punishment.Enabled = c.Punishment.Enabled
	p.Punishment.DefaultDuration = c.Punishment.DefaultDuration
	p.API.Enabled = c.API.Enabled
	return p
}
