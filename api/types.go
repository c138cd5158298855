// Package api defines the shared vocabulary of the AEGIS governance layer:
// egress decisions, audit event types, and approval states. Every component
// speaks these types; none redefines them locally.
package api

import (
	"encoding/json"
	"time"
)

// Decision is the outcome of an egress policy evaluation.
type Decision string

const (
	DecisionAllow          Decision = "allow"
	DecisionBlock          Decision = "block"
	DecisionRateLimited    Decision = "rate_limited"
	DecisionCredentialLeak Decision = "credential_leak"
)

// EventType identifies an audit ledger record.
type EventType string

const (
	EventBlocked           EventType = "blocked"
	EventAllowed           EventType = "allowed"
	EventRateLimited       EventType = "rate_limited"
	EventCredentialLeak    EventType = "credential_leak"
	EventUpstreamFailure   EventType = "upstream_failure"
	EventDNSBlocked        EventType = "dns_blocked"
	EventDNSAllowed        EventType = "dns_allowed"
	EventApprovalSubmitted EventType = "approval_submitted"
	EventApprovalResolved  EventType = "approval_resolved"
	EventSandboxTransition EventType = "sandbox_transition"
)

// AuditRecord is a single ledger entry. Seq is assigned by the ledger's
// writer goroutine and is strictly monotonic within a ledger file.
type AuditRecord struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ProxyDecision is the payload of proxy audit events and the body of
// 403/429 responses.
type ProxyDecision struct {
	Client   string   `json:"client"`
	Method   string   `json:"method"`
	Target   string   `json:"target"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// CredentialMatch describes a detected credential, with the matched text
// redacted down to a short prefix.
type CredentialMatch struct {
	PatternID string `json:"pattern_id"`
	Redacted  string `json:"redacted"`
	Location  string `json:"location"` // "request" or "response"
}

// DNSDecision is the payload of dns_allowed/dns_blocked audit events.
type DNSDecision struct {
	Domain    string   `json:"domain"`
	QueryType string   `json:"query_type"`
	Decision  Decision `json:"decision"`
	Rcode     int      `json:"rcode"`
}

// DNSStats is the running counter set exposed by the DNS filter. Total is
// a true query count: allowed plus blocked plus upstream failures.
type DNSStats struct {
	Allowed    uint64          `json:"allowed"`
	Blocked    uint64          `json:"blocked"`
	Failed     uint64          `json:"failed"`
	Total      uint64          `json:"total"`
	TopBlocked []BlockedDomain `json:"top_blocked"`
}

// BlockedDomain is one entry of the bounded top-blocked list.
type BlockedDomain struct {
	Domain string `json:"domain"`
	Count  uint64 `json:"count"`
}

// ApprovalStatus is the state of an approval request. Transitions go from
// pending to exactly one terminal state; terminal states never change.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// ApprovalStats summarizes the approval queue for external reporting.
type ApprovalStats struct {
	Pending  int64 `json:"pending"`
	Approved int64 `json:"approved"`
	Denied   int64 `json:"denied"`
	Expired  int64 `json:"expired"`
	Total    int64 `json:"total"`
}

// Phase is the lifecycle state of a sandbox session.
type Phase string

const (
	PhaseCreated  Phase = "CREATED"
	PhaseStarting Phase = "STARTING"
	PhaseRunning  Phase = "RUNNING"
	PhaseStopping Phase = "STOPPING"
	PhaseStopped  Phase = "STOPPED"
	PhaseError    Phase = "ERROR"
)
