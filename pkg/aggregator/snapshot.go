package aggregator

import (
	"math"

	"github.com/mvaldesr/observa/pkg/domain"
)

// BuildSnapshot projects an accumulator into its immutable wire form.
// Derived ratios are computed here, once, with a fixed two-decimal rounding
// policy so downstream comparisons stay deterministic.
func BuildSnapshot(key BucketKey, acc *Accumulator) domain.Snapshot {
	snap := domain.Snapshot{
		Date:   key.Date,
		Region: key.Region,
	}

	if acc.Security != nil {
		snap.Metrics.SecurityIncident = &domain.SecurityIncidentMetrics{
			Count:       acc.Security.Count,
			BySeverity:  copyCounts(acc.Security.BySeverity),
			ByCrimeType: copyCounts(acc.Security.ByCrimeType),
		}
	}
	if acc.Survey != nil {
		snap.Metrics.SurveyVictimization = &domain.SurveyVictimizationMetrics{
			Count:        acc.Survey.Count,
			ReportedRate: reportedRate(acc.Survey.ReportedCount, acc.Survey.Count),
		}
	}
	if acc.Migration != nil {
		snap.Metrics.MigrationCase = &domain.MigrationCaseMetrics{
			Count:    acc.Migration.Count,
			ByStatus: copyCounts(acc.Migration.ByStatus),
		}
	}
	if len(acc.Unknown) > 0 {
		snap.Metrics.Other = copyCounts(acc.Unknown)
	}

	return snap
}

func reportedRate(reported, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(reported)/float64(total)*100) / 100
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
