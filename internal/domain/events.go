package domain

import "time"

// EventName enumerates the operational events emitted by the control plane.
type EventName string

const (
	EventExecutionStartBlocked  EventName = "execution_start_blocked"
	EventWorkerFailed           EventName = "worker_failed"
	EventRetryExhausted         EventName = "retry_exhausted"
	EventKillSwitchOn           EventName = "kill_switch_on"
	EventKillSwitchOff          EventName = "kill_switch_off"
	EventExecutionOrderCreated  EventName = "execution_order_created"
	EventOrderTransitionBlocked EventName = "order_status_transition_blocked"
	EventOrderTransitionError   EventName = "order_status_transition_error"
)

// Severity of an operational event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// OpsEvent is a structured operational event.
type OpsEvent struct {
	Event    EventName      `json:"event"`
	Severity Severity       `json:"severity"`
	RunID    string         `json:"runId,omitempty"`
	JobID    string         `json:"jobId,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// EventSource identifies this service in event envelopes.
const EventSource = "execgate"

// EventEnvelope is an OpsEvent stamped with source and time, as delivered to sinks.
type EventEnvelope struct {
	Source string    `json:"source"`
	At     time.Time `json:"at"`
	OpsEvent
}

// Envelope stamps e with the source and the given time.
func (e OpsEvent) Envelope(at time.Time) EventEnvelope {
	return EventEnvelope{Source: EventSource, At: at.UTC(), OpsEvent: e}
}

// MergeDetails returns a new map with the entries of every map, later maps
// winning on key collisions. Nil maps are skipped.
func MergeDetails(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
