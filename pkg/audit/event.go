// Package audit provides canonical audit event construction and the emitter
// that fans events out to the SIEM forwarder.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded by the gateway subsystems.
const (
	// EventKindAuthnSuccess records a successful authentication
	EventKindAuthnSuccess = "authn_success"
	// EventKindAuthnFailure records a failed authentication
	EventKindAuthnFailure = "authn_failure"
	// EventKindPolicyAllow records an allow decision
	EventKindPolicyAllow = "policy_allow"
	// EventKindPolicyDeny records a deny decision
	EventKindPolicyDeny = "policy_deny"
	// EventKindPolicyError records a rule engine failure (timeout, malformed response)
	EventKindPolicyError = "policy_error"
	// EventKindKeyIssued records API key creation
	EventKindKeyIssued = "key_issued"
	// EventKindKeyRotated records API key rotation
	EventKindKeyRotated = "key_rotated"
	// EventKindKeyRevoked records API key revocation
	EventKindKeyRevoked = "key_revoked"
	// EventKindSessionRevoked records session revocation
	EventKindSessionRevoked = "session_revoked"
	// EventKindSessionCompromised records refresh-token reuse detection
	EventKindSessionCompromised = "session_compromised"
)

// Outcome values for audit events.
const (
	// OutcomeSuccess indicates the audited operation succeeded
	OutcomeSuccess = "success"
	// OutcomeFailure indicates the audited operation failed
	OutcomeFailure = "failure"
	// OutcomeDenied indicates the audited operation was denied by policy
	OutcomeDenied = "denied"
	// OutcomeCancelled indicates the caller cancelled mid-flight
	OutcomeCancelled = "cancelled"
)

// Event is the canonical audit record. Once emitted its content is frozen;
// downstream components may only annotate delivery metadata.
type Event struct {
	ID          string            `json:"event_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Kind        string            `json:"event_kind"`
	Component   string            `json:"component"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Action      string            `json:"action,omitempty"`
	Resource    string            `json:"resource,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	SourceIP    string            `json:"source_ip,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// NewEvent creates an audit event with a unique ID and the current time.
func NewEvent(kind, component, outcome string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Kind:       kind,
		Component:  component,
		Outcome:    outcome,
		Attributes: make(map[string]string),
	}
}

// WithPrincipal sets the acting principal.
func (e *Event) WithPrincipal(principalID string) *Event {
	e.PrincipalID = principalID
	return e
}

// WithAction sets the audited action.
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithResource sets the audited resource.
func (e *Event) WithResource(resource string) *Event {
	e.Resource = resource
	return e
}

// WithSourceIP sets the request source address.
func (e *Event) WithSourceIP(ip string) *Event {
	e.SourceIP = ip
	return e
}

// WithAttribute adds a single attribute.
func (e *Event) WithAttribute(key, value string) *Event {
	e.Attributes[key] = value
	return e
}
