// Package schema defines the pipeline stage event model shared by producers and observers.
package schema

import (
	"strings"
	"time"
)

// Status classifies the outcome of a pipeline stage.
type Status string

const (
	// StatusPending marks a stage that has been scheduled but not started.
	StatusPending Status = "pending"
	// StatusInProgress marks a stage that is currently executing.
	StatusInProgress Status = "in_progress"
	// StatusDone marks a stage that completed successfully.
	StatusDone Status = "done"
	// StatusError marks a stage that failed.
	StatusError Status = "error"
	// StatusSkipped marks a stage that was intentionally not executed.
	StatusSkipped Status = "skipped"
)

// Well-known meta keys surfaced onto the event as correlation metadata.
const (
	MetaKeyTenantKey      = "tenantKey"
	MetaKeySubscriptionID = "subscriptionId"
)

// ParseStatus normalises a raw status string. Unknown values report false.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s, true
	}
	return "", false
}

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusError, StatusSkipped:
		return true
	default:
		return false
	}
}

// Event is a single stage notification. Values are immutable once emitted:
// Meta exposes read-only accessors and the remaining fields are copied by value.
type Event struct {
	ID             uint64    `json:"eventId"`
	Stage          string    `json:"stage"`
	Status         Status    `json:"status"`
	IncidentID     string    `json:"incidentId,omitempty"`
	RequestID      string    `json:"requestId,omitempty"`
	TenantKey      string    `json:"tenantKey,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Message        string    `json:"message,omitempty"`
	Meta           Meta      `json:"meta"`
}

// PipelineKey returns the correlation key grouping events of one processing run.
func (e Event) PipelineKey() string {
	return PipelineKey(e.RequestID, e.IncidentID)
}

// PipelineKey prefers the request id and falls back to the incident id.
// An empty result means the event belongs to global history only.
func PipelineKey(requestID, incidentID string) string {
	if id := strings.TrimSpace(requestID); id != "" {
		return id
	}
	return strings.TrimSpace(incidentID)
}
