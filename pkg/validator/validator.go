// Package validator checks inbound events against the envelope and
// per-source payload rules, forwarding valid ones to the validated subjects
// and rejecting the rest to the validation dead-letter channel.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mvaldesr/observa/pkg/domain"
)

var (
	severities = map[string]bool{"low": true, "medium": true, "high": true}
	statuses   = map[string]bool{"pending": true, "approved": true, "rejected": true, "in_review": true}
)

// Check validates a raw message received on the given routing key (the raw
// subject suffix, e.g. "security.incident"). It returns the parsed event on
// success, or a reason string describing the first violation.
func Check(body []byte, routingKey string) (*domain.Event, string) {
	var ev domain.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Sprintf("invalid JSON: %v", err)
	}

	if ev.EventID == "" {
		return nil, "event_id is required"
	}
	if ev.Timestamp == "" {
		return nil, "timestamp is required"
	}
	if _, err := domain.ParseEventTime(ev.Timestamp); err != nil {
		return nil, fmt.Sprintf("timestamp: %v", err)
	}
	if ev.Region == "" {
		return nil, "region is required"
	}
	if !ev.Source.Known() {
		return nil, fmt.Sprintf("unknown source %q", ev.Source)
	}
	if string(ev.Source) != routingKey {
		return nil, fmt.Sprintf("source %q does not match topic %q", ev.Source, routingKey)
	}

	if reason := checkPayload(&ev); reason != "" {
		return nil, reason
	}
	return &ev, ""
}

func checkPayload(ev *domain.Event) string {
	if len(ev.Payload) == 0 {
		return "payload is required"
	}
	var fields map[string]any
	if err := json.Unmarshal(ev.Payload, &fields); err != nil {
		return fmt.Sprintf("payload (%s): not an object: %v", ev.Source, err)
	}

	switch ev.Source {
	case domain.SourceSecurityIncident:
		sev, ok := fields["severity"].(string)
		if !ok {
			return "payload (security.incident): severity is required"
		}
		if !severities[sev] {
			return fmt.Sprintf("payload (security.incident): severity %q not in {low, medium, high}", sev)
		}
		if _, ok := fields["crime_type"].(string); !ok {
			return "payload (security.incident): crime_type is required"
		}

	case domain.SourceSurveyVictimization:
		if _, ok := fields["reported"].(bool); !ok {
			return "payload (survey.victimization): reported must be a boolean"
		}

	case domain.SourceMigrationCase:
		status, ok := fields["status"].(string)
		if !ok {
			return "payload (migration.case): status is required"
		}
		if !statuses[status] {
			return fmt.Sprintf("payload (migration.case): status %q not in {pending, approved, rejected, in_review}", status)
		}
	}
	return ""
}

// RoutingKeyFromSubject strips the raw-events prefix from a NATS subject,
// recovering the source routing key.
func RoutingKeyFromSubject(subject, prefix string) string {
	return strings.TrimPrefix(subject, prefix)
}
