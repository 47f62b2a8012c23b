package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSource identifies which upstream system produced an event. The set is
// closed; anything else is carried as SourceUnknown so a newer producer does
// not break older consumers.
type EventSource string

const (
	SourceSecurityIncident    EventSource = "security.incident"
	SourceSurveyVictimization EventSource = "survey.victimization"
	SourceMigrationCase       EventSource = "migration.case"
	SourceUnknown             EventSource = "unknown"
)

// KnownSources lists every source the pipeline understands, in routing order.
var KnownSources = []EventSource{
	SourceSecurityIncident,
	SourceSurveyVictimization,
	SourceMigrationCase,
}

// Known reports whether the source belongs to the closed set.
func (s EventSource) Known() bool {
	switch s {
	case SourceSecurityIncident, SourceSurveyVictimization, SourceMigrationCase:
		return true
	}
	return false
}

// Event is the inbound wire envelope. It is immutable once received; the
// event_id is stable across redeliveries and is the deduplication identity.
type Event struct {
	EventID       string          `json:"event_id"`
	Timestamp     string          `json:"timestamp"`
	Region        string          `json:"region"`
	Source        EventSource     `json:"source"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DateLayout is the calendar-day format used for aggregation keys.
const DateLayout = "2006-01-02"

// timestampLayouts are tried in order; naive timestamps are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseEventTime parses an ISO-8601 event timestamp into UTC.
func ParseEventTime(ts string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", ts)
}

// EventDay extracts the UTC calendar day of an event timestamp. Aggregation
// correctness depends on this: an event without a parseable timestamp cannot
// be bucketed and must be dead-lettered, never defaulted to today.
func EventDay(ts string) (string, error) {
	t, err := ParseEventTime(ts)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}
