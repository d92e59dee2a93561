// Package policy implements the decision engine: canonicalized inputs are
// fingerprinted, answered from a version-guarded cache when possible, and
// otherwise evaluated against an external rule engine with a strict timeout.
// Every decision is audited before it is returned, and every failure mode
// fails closed.
package policy

// Decision values.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Resource sensitivity tiers. The tier selects the cache TTL for allow
// decisions.
const (
	SensitivityHigh = "high"
	SensitivityLow  = "low"
)

// Deny reasons produced by the engine wrapper rather than the rules.
// Timeouts and an unreachable engine share one reason: to the caller both
// mean the engine gave no answer.
const (
	ReasonInvalidInput           = "invalid_input"
	ReasonEngineTimeout          = "policy_engine_timeout"
	ReasonMalformedResponse      = "policy_engine_malformed_response"
	ReasonConflictingObligations = "conflicting_obligations"
)

// Cache status values surfaced in the X-Cache-Status response header.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// PrincipalSnapshot is the slice of an authenticated principal that may
// influence a decision. Roles and teams are snapshotted at token issuance.
type PrincipalSnapshot struct {
	ID    string   `json:"principal_id"`
	Kind  string   `json:"kind,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Teams []string `json:"teams,omitempty"`
}

// Resource identifies what the principal wants to act on.
type Resource struct {
	Type        string            `json:"type"`
	ID          string            `json:"id,omitempty"`
	Sensitivity string            `json:"sensitivity,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Input is one authorization question. Context carries request metadata
// (timestamp, source IP, MFA state); volatile entries that must not
// influence decisions are elided during canonicalization.
type Input struct {
	Principal PrincipalSnapshot `json:"principal"`
	Action    string            `json:"action"`
	Resource  Resource          `json:"resource"`
	Context   map[string]string `json:"context,omitempty"`
}

// Outcome is the answer to one Input.
type Outcome struct {
	Decision      string            `json:"decision"`
	Reason        string            `json:"reason,omitempty"`
	Obligations   map[string]string `json:"obligations,omitempty"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	EvaluationMS  int64             `json:"evaluation_ms"`
}

// Allowed reports whether the outcome permits the action.
func (o Outcome) Allowed() bool {
	return o.Decision == DecisionAllow
}

func deny(reason string) Outcome {
	return Outcome{Decision: DecisionDeny, Reason: reason}
}
