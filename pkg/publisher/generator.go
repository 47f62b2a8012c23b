// Package publisher generates synthetic pipeline traffic: well-formed
// events at a configurable rate, with optional duplicate and out-of-order
// injection for exercising the downstream deduplication and bucketing.
package publisher

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/mvaldesr/observa/pkg/domain"
)

// Regions is the closed region set the synthetic producers draw from.
var Regions = []string{"norte", "sur", "centro", "este", "oeste"}

var (
	crimeTypes         = []string{"theft", "assault", "burglary", "vandalism", "fraud", "other"}
	severities         = []string{"low", "medium", "high"}
	reporters          = []string{"citizen", "police", "security_system", "other"}
	victimizationTypes = []string{"property_crime", "violent_crime", "cyber_crime", "other"}
	migrationCaseTypes = []string{"asylum", "refugee", "work_visa", "family_reunion", "other"}
	migrationStatuses  = []string{"pending", "approved", "rejected", "in_review"}
)

// recentLimit bounds the duplicate-injection memory.
const recentLimit = 100

type recentEvent struct {
	eventID   string
	timestamp string
	region    string
	source    domain.EventSource
}

// Generator produces synthetic events. A fixed seed yields a reproducible
// stream. Not safe for concurrent use.
type Generator struct {
	rng    *rand.Rand
	now    func() time.Time
	recent []recentEvent
}

// NewGenerator creates a generator seeded for reproducibility.
func NewGenerator(seed int64) *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

// Next generates a fresh event with a random source and region.
func (g *Generator) Next() *domain.Event {
	source := domain.KnownSources[g.rng.Intn(len(domain.KnownSources))]
	region := Regions[g.rng.Intn(len(Regions))]
	return g.build(source, region, uuid.NewString(), g.now().UTC().Format(time.RFC3339Nano))
}

// Duplicate replays the identity of a previously generated event: same
// event_id, timestamp, region and source, with a freshly generated payload.
// Returns false until at least one event has been generated.
func (g *Generator) Duplicate() (*domain.Event, bool) {
	if len(g.recent) == 0 {
		return nil, false
	}
	r := g.recent[g.rng.Intn(len(g.recent))]
	return g.build(r.source, r.region, r.eventID, r.timestamp), true
}

// OutOfOrder generates an event whose timestamp is skewed relative to the
// reference: up to an hour in the past or five minutes in the future.
func (g *Generator) OutOfOrder(reference time.Time) *domain.Event {
	var ts time.Time
	if g.rng.Float64() < 0.5 {
		ts = reference.Add(-time.Duration(1+g.rng.Intn(3600)) * time.Second)
	} else {
		ts = reference.Add(time.Duration(1+g.rng.Intn(300)) * time.Second)
	}
	source := domain.KnownSources[g.rng.Intn(len(domain.KnownSources))]
	region := Regions[g.rng.Intn(len(Regions))]
	return g.build(source, region, uuid.NewString(), ts.UTC().Format(time.RFC3339Nano))
}

func (g *Generator) build(source domain.EventSource, region, eventID, timestamp string) *domain.Event {
	ev := &domain.Event{
		EventID:       eventID,
		Timestamp:     timestamp,
		Region:        region,
		Source:        source,
		SchemaVersion: "1.0",
		CorrelationID: uuid.NewString(),
		Payload:       g.payload(source),
	}

	g.recent = append(g.recent, recentEvent{
		eventID:   eventID,
		timestamp: timestamp,
		region:    region,
		source:    source,
	})
	if len(g.recent) > recentLimit {
		g.recent = g.recent[1:]
	}
	return ev
}

func (g *Generator) payload(source domain.EventSource) json.RawMessage {
	var fields map[string]any
	switch source {
	case domain.SourceSecurityIncident:
		fields = map[string]any{
			"crime_type": g.pick(crimeTypes),
			"severity":   g.pick(severities),
			"location": map[string]any{
				"latitude":  round4(-33.5 + g.rng.Float64()*0.1),
				"longitude": round4(-70.7 + g.rng.Float64()*0.1),
			},
			"reported_by": g.pick(reporters),
		}
	case domain.SourceSurveyVictimization:
		fields = map[string]any{
			"survey_id":          fmt.Sprintf("survey-2025-%03d", 1+g.rng.Intn(999)),
			"respondent_age":     18 + g.rng.Intn(63),
			"victimization_type": g.pick(victimizationTypes),
			"incident_date":      g.now().UTC().AddDate(0, 0, -g.rng.Intn(366)).Format(domain.DateLayout),
			"reported":           g.rng.Intn(2) == 0,
		}
	case domain.SourceMigrationCase:
		fields = map[string]any{
			"case_id":          fmt.Sprintf("mig-2025-%03d", 1+g.rng.Intn(999)),
			"case_type":        g.pick(migrationCaseTypes),
			"status":           g.pick(migrationStatuses),
			"origin_country":   "country-" + g.pick([]string{"x", "y", "z"}),
			"application_date": g.now().UTC().AddDate(0, 0, -g.rng.Intn(181)).Format(domain.DateLayout),
		}
	}

	data, _ := json.Marshal(fields)
	return data
}

func (g *Generator) pick(values []string) string {
	return values[g.rng.Intn(len(values))]
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
