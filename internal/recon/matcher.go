// Package recon computes the reconciliation diff between a storefront
// backend dataset and an analytics dataset. Pure functions only; both
// inputs are already validated by the source adapters.
package recon

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"transaction-reconciler/internal/source"
)

// DateRange echoes the requested window back into the summary.
type DateRange struct {
	StartDate *string `json:"start_date"`
	EndDate   *string `json:"end_date"`
}

// Summary is the persisted result of a completed reconciliation run.
// Field names are part of the webhook payload contract.
type Summary struct {
	MatchRate         float64   `json:"match_rate"`
	TotalBackendValue float64   `json:"total_backend_value"`
	TotalGA4Value     float64   `json:"total_ga4_value"`
	MissingCount      int       `json:"missing_count"`
	MissingIDs        []string  `json:"missing_ids"`
	DaysAnalyzed      int       `json:"days_analyzed"`
	DateRange         DateRange `json:"date_range"`
	GA4Records        int       `json:"ga4_records"`
	BackendRecords    int       `json:"backend_records"`
	RetryAttempt      int       `json:"retry_attempt"`
}

// Reconcile diffs the two sides by clean_id. Missing IDs are backend
// transactions absent from analytics, sorted so identical inputs give
// identical output. A summary for an empty backend has match rate 0.
func Reconcile(backend, analytics []source.Record) Summary {
	analyticsIDs := make(map[string]struct{}, len(analytics))
	for _, r := range analytics {
		analyticsIDs[r.CleanID] = struct{}{}
	}

	backendIDs := make(map[string]struct{}, len(backend))
	common := 0
	var missing []string
	for _, r := range backend {
		if _, seen := backendIDs[r.CleanID]; seen {
			continue
		}
		backendIDs[r.CleanID] = struct{}{}
		if _, ok := analyticsIDs[r.CleanID]; ok {
			common++
		} else {
			missing = append(missing, r.CleanID)
		}
	}
	sort.Strings(missing)
	if missing == nil {
		missing = []string{}
	}

	matchRate := 0.0
	if len(backend) > 0 {
		matchRate = round2(float64(common) / float64(len(backend)) * 100)
	}

	return Summary{
		MatchRate:         matchRate,
		TotalBackendValue: sumValues(backend),
		TotalGA4Value:     sumValues(analytics),
		MissingCount:      len(missing),
		MissingIDs:        missing,
		GA4Records:        len(analytics),
		BackendRecords:    len(backend),
	}
}

func sumValues(records []source.Record) float64 {
	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.Value)
	}
	f, _ := total.Float64()
	return f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
