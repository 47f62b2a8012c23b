package aggregator

import (
	"encoding/json"
	"fmt"

	"github.com/mvaldesr/observa/pkg/domain"
)

// Fallback categories for payload fields the producer left out or mistyped.
// Events reaching the classifier already passed upstream schema validation,
// so it degrades instead of rejecting.
const (
	categoryUnknown = "unknown"
	categoryOther   = "other"
)

// Accumulator holds the live counters for one (date, region) bucket, one
// shape per event source. Counts are monotonically non-decreasing for the
// lifetime of the accumulator; ratios are derived only at snapshot time.
type Accumulator struct {
	Security  *SecurityCounts
	Survey    *SurveyCounts
	Migration *MigrationCounts

	// Unknown counts events whose source is outside the closed set, keyed
	// by the literal source tag.
	Unknown map[string]uint64
}

// SecurityCounts accumulates security.incident events.
type SecurityCounts struct {
	Count       uint64
	BySeverity  map[string]uint64
	ByCrimeType map[string]uint64
}

// SurveyCounts accumulates survey.victimization events.
type SurveyCounts struct {
	Count         uint64
	ReportedCount uint64
}

// MigrationCounts accumulates migration.case events.
type MigrationCounts struct {
	Count    uint64
	ByStatus map[string]uint64
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply classifies one event into the accumulator, mutating it in place.
// Missing or mistyped payload fields fall back to an explicit unknown/other
// category. The only error is a payload that is not a JSON object at all;
// the caller dead-letters it as an aggregation failure.
func (a *Accumulator) Apply(source domain.EventSource, payload json.RawMessage) error {
	fields, err := decodePayload(payload)
	if err != nil {
		return err
	}

	switch source {
	case domain.SourceSecurityIncident:
		if a.Security == nil {
			a.Security = &SecurityCounts{
				BySeverity:  make(map[string]uint64),
				ByCrimeType: make(map[string]uint64),
			}
		}
		a.Security.Count++
		a.Security.BySeverity[stringField(fields, "severity", categoryUnknown)]++
		a.Security.ByCrimeType[stringField(fields, "crime_type", categoryOther)]++

	case domain.SourceSurveyVictimization:
		if a.Survey == nil {
			a.Survey = &SurveyCounts{}
		}
		a.Survey.Count++
		if boolField(fields, "reported") {
			a.Survey.ReportedCount++
		}

	case domain.SourceMigrationCase:
		if a.Migration == nil {
			a.Migration = &MigrationCounts{ByStatus: make(map[string]uint64)}
		}
		a.Migration.Count++
		a.Migration.ByStatus[stringField(fields, "status", categoryUnknown)]++

	default:
		if a.Unknown == nil {
			a.Unknown = make(map[string]uint64)
		}
		tag := string(source)
		if tag == "" {
			tag = categoryUnknown
		}
		a.Unknown[tag]++
	}

	return nil
}

// Empty reports whether the accumulator has seen no events.
func (a *Accumulator) Empty() bool {
	return a.Security == nil && a.Survey == nil && a.Migration == nil && len(a.Unknown) == 0
}

func decodePayload(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return fields, nil
}

func stringField(fields map[string]any, key, fallback string) string {
	if v, ok := fields[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolField(fields map[string]any, key string) bool {
	v, ok := fields[key].(bool)
	return ok && v
}
