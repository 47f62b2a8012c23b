package domain

// Snapshot is the immutable projection of one aggregation bucket at flush
// time. Consumers treat (date, region) as an upsert key; a late bucket for an
// already-flushed day produces a second, independent snapshot.
type Snapshot struct {
	Date    string          `json:"date"`
	Region  string          `json:"region"`
	Metrics SnapshotMetrics `json:"metrics"`
}

// SnapshotMetrics holds one section per event source. Sections for sources
// that contributed no events are omitted from the wire format.
type SnapshotMetrics struct {
	SecurityIncident    *SecurityIncidentMetrics    `json:"security.incident,omitempty"`
	SurveyVictimization *SurveyVictimizationMetrics `json:"survey.victimization,omitempty"`
	MigrationCase       *MigrationCaseMetrics       `json:"migration.case,omitempty"`

	// Other carries bare counts for sources outside the closed set.
	Other map[string]uint64 `json:"other,omitempty"`
}

type SecurityIncidentMetrics struct {
	Count       uint64            `json:"count"`
	BySeverity  map[string]uint64 `json:"by_severity"`
	ByCrimeType map[string]uint64 `json:"by_crime_type"`
}

// SurveyVictimizationMetrics reports the share of surveyed victimizations
// that were reported to authorities, rounded to two decimals at flush time.
type SurveyVictimizationMetrics struct {
	Count        uint64  `json:"count"`
	ReportedRate float64 `json:"reported_rate"`
}

type MigrationCaseMetrics struct {
	Count    uint64            `json:"count"`
	ByStatus map[string]uint64 `json:"by_status"`
}
