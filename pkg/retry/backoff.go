package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one retry of one delivery.
type BackoffParams struct {
	// Key scopes the jitter, e.g. the case ID being delivered.
	Key string
	// Attempt is the number of attempts already made (1 after the first failure).
	Attempt int
}

type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// ComputeBackoff returns the delay before the next attempt:
// base * 2^(attempt-1), capped at MaxMs, plus deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	exp := params.Attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		// Avoid overflow, cap exponent
		exp = 30
	}

	delay := policy.BaseMs * (int64(1) << exp)
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

// ComputeDeterministicJitter derives jitter from the params so a given retry
// always waits the same amount.
func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%d", params.Key, params.Attempt)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}

// Exhausted reports whether attempts has reached the policy limit.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
