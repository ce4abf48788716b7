// Package events provides the typed observational stream emitted by the
// cascade engine. External sinks subscribe to the bus; nothing in this
// package persists events.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRequestAdmitted   EventType = "request_admitted"
	EventAdmissionRejected EventType = "admission_rejected"
	EventGuardrailFlagged  EventType = "guardrail_flagged"
	EventRouteDecided      EventType = "route_decided"
	EventDraftStarted      EventType = "draft_started"
	EventDraftCompleted    EventType = "draft_completed"
	EventDraftValidated    EventType = "draft_validated"
	EventEscalation        EventType = "escalation"
	EventVerifyStarted     EventType = "verify_started"
	EventVerifyCompleted   EventType = "verify_completed"
	EventRequestCompleted  EventType = "request_completed"
	EventRequestFailed     EventType = "request_failed"
	EventPricingUnknown    EventType = "pricing_unknown"
	EventMetricsSnapshot   EventType = "metrics_snapshot"
)

// Event is a single observation published on the bus. Within one request,
// Seq is strictly increasing; across requests no ordering is guaranteed.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Component string    `json:"component,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`

	// Routing fields (populated for routing and provider events).
	Model      string  `json:"model,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	Route      string  `json:"route,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Complexity string  `json:"complexity,omitempty"`
	Decision   string  `json:"decision,omitempty"`
	Score      float64 `json:"score,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`

	// Escalation fields.
	FromModel string `json:"from_model,omitempty"`
	ToModel   string `json:"to_model,omitempty"`

	// Failure fields.
	ErrorKind string `json:"error_kind,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	// Free-form payload for metric snapshots and trace detail.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
