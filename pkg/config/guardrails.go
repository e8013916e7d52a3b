// Package config holds server configuration: the mutable guardrails registry
// read by every admission check, and the static environment-derived settings.
package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Limits is an immutable snapshot of the mutable guardrail values. Admission
// checks read one snapshot and apply it consistently; updates publish a new
// snapshot rather than mutating fields in place.
type Limits struct {
	MaxPromptLength     int           `json:"maxPromptLength" yaml:"max_prompt_length"`
	MaxTurns            int           `json:"maxTurns" yaml:"max_turns"`
	MaxAgents           int           `json:"maxAgents" yaml:"max_agents"`
	MaxBatchSize        int           `json:"maxBatchSize" yaml:"max_batch_size"`
	MaxAgentDepth       int           `json:"maxAgentDepth" yaml:"max_agent_depth"`
	MaxChildrenPerAgent int           `json:"maxChildrenPerAgent" yaml:"max_children_per_agent"`
	SessionTTL          time.Duration `json:"sessionTtl" yaml:"session_ttl"`
}

// Fixed limits that are not admin-tunable.
const (
	MaxMessages  = 500
	StallTimeout = 10 * time.Minute

	// MemoryPressureThreshold is the usage/limit fraction above which new
	// agent admissions are rejected with a retryable error.
	MemoryPressureThreshold = 0.85
)

// bound is the allowed range for one tunable limit.
type bound struct {
	min, max int
}

var limitBounds = map[string]bound{
	"maxPromptLength":     {1_000, 1_000_000},
	"maxTurns":            {1, 10_000},
	"maxAgents":           {1, 100},
	"maxBatchSize":        {1, 50},
	"maxAgentDepth":       {1, 10},
	"maxChildrenPerAgent": {1, 20},
}

// sessionTTLBounds in milliseconds: one minute to one day.
var sessionTTLBounds = bound{60_000, 86_400_000}

// DefaultLimits returns the guardrail defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPromptLength:     100_000,
		MaxTurns:            500,
		MaxAgents:           100,
		MaxBatchSize:        10,
		MaxAgentDepth:       3,
		MaxChildrenPerAgent: 20,
		SessionTTL:          4 * time.Hour,
	}
}

// Guardrails is the process-wide registry of tunable limits. Reads are
// lock-free snapshot loads; updates are admin-only and publish a whole new
// snapshot.
type Guardrails struct {
	limits atomic.Pointer[Limits]
}

// NewGuardrails creates a registry seeded with defaults.
func NewGuardrails() *Guardrails {
	g := &Guardrails{}
	l := DefaultLimits()
	g.limits.Store(&l)
	return g
}

// Snapshot returns the current limits. The returned value is a copy; callers
// may hold it across an admission check without observing a partial update.
func (g *Guardrails) Snapshot() Limits {
	return *g.limits.Load()
}

// Update validates the candidate limits against their bounds and publishes
// them. Out-of-range values are rejected, not clamped, so an admin typo
// cannot silently widen a limit.
func (g *Guardrails) Update(l Limits) error {
	checks := []struct {
		name  string
		value int
	}{
		{"maxPromptLength", l.MaxPromptLength},
		{"maxTurns", l.MaxTurns},
		{"maxAgents", l.MaxAgents},
		{"maxBatchSize", l.MaxBatchSize},
		{"maxAgentDepth", l.MaxAgentDepth},
		{"maxChildrenPerAgent", l.MaxChildrenPerAgent},
	}
	for _, c := range checks {
		b := limitBounds[c.name]
		if c.value < b.min || c.value > b.max {
			return fmt.Errorf("%s must be between %d and %d, got %d", c.name, b.min, b.max, c.value)
		}
	}
	ttlMs := int(l.SessionTTL / time.Millisecond)
	if ttlMs < sessionTTLBounds.min || ttlMs > sessionTTLBounds.max {
		return fmt.Errorf("sessionTtlMs must be between %d and %d, got %d",
			sessionTTLBounds.min, sessionTTLBounds.max, ttlMs)
	}
	g.limits.Store(&l)
	return nil
}
