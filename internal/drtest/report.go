// internal/drtest/report.go
package drtest

import (
	"context"
	"fmt"
	"time"
)

// TypeSummary aggregates runs of one scenario type.
type TypeSummary struct {
	Runs      int           `json:"runs"`
	Completed int           `json:"completed"`
	MeanRTO   time.Duration `json:"mean_rto"`
}

// Report summarizes DR test runs over a window.
type Report struct {
	From            time.Time                    `json:"from"`
	To              time.Time                    `json:"to"`
	TotalRuns       int                          `json:"total_runs"`
	Completed       int                          `json:"completed"`
	Failed          int                          `json:"failed"`
	SuccessRate     float64                      `json:"success_rate"`
	MeanRTO         time.Duration                `json:"mean_rto"`
	WorstRTO        time.Duration                `json:"worst_rto"`
	MeanRPO         time.Duration                `json:"mean_rpo"`
	ByType          map[ScenarioType]TypeSummary `json:"by_type"`
	Recommendations []string                     `json:"recommendations"`
}

// Report aggregates every run started inside the window: success rate,
// mean measured RTO/RPO, and operator-facing recommendations.
func (o *Orchestrator) Report(ctx context.Context, from, to time.Time) (*Report, error) {
	tests, err := o.store.ListTests(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("report window %s..%s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), err)
	}

	report := &Report{
		From:   from,
		To:     to,
		ByType: make(map[ScenarioType]TypeSummary),
	}

	var rtoSum, rpoSum time.Duration
	var rtoCount, rpoCount int
	rtoExceeded := 0
	rpoExceeded := 0
	typeRTOSums := make(map[ScenarioType]time.Duration)
	typeRTOCounts := make(map[ScenarioType]int)

	for _, test := range tests {
		report.TotalRuns++
		summary := report.ByType[test.ScenarioType]
		summary.Runs++

		switch test.Status {
		case TestCompleted:
			report.Completed++
			summary.Completed++
		case TestFailed:
			report.Failed++
		}

		if test.RTOMeasured {
			rtoSum += test.RTOActual
			rtoCount++
			typeRTOSums[test.ScenarioType] += test.RTOActual
			typeRTOCounts[test.ScenarioType]++
			if test.RTOActual > report.WorstRTO {
				report.WorstRTO = test.RTOActual
			}
			if test.RTOTarget > 0 && test.RTOActual > test.RTOTarget {
				rtoExceeded++
			}
		}
		if test.RPOMeasured {
			rpoSum += test.RPOActual
			rpoCount++
			if test.RPOTarget > 0 && test.RPOActual > test.RPOTarget {
				rpoExceeded++
			}
		}

		report.ByType[test.ScenarioType] = summary
	}

	if report.TotalRuns > 0 {
		report.SuccessRate = float64(report.Completed) / float64(report.TotalRuns) * 100
	}
	if rtoCount > 0 {
		report.MeanRTO = rtoSum / time.Duration(rtoCount)
	}
	if rpoCount > 0 {
		report.MeanRPO = rpoSum / time.Duration(rpoCount)
	}
	for typ, sum := range typeRTOSums {
		summary := report.ByType[typ]
		summary.MeanRTO = sum / time.Duration(typeRTOCounts[typ])
		report.ByType[typ] = summary
	}

	report.Recommendations = recommendations(report, rtoExceeded, rpoExceeded)
	return report, nil
}

func recommendations(report *Report, rtoExceeded, rpoExceeded int) []string {
	var recs []string
	if report.TotalRuns == 0 {
		return []string{"no DR tests ran in this window; schedule at least one full_outage run per quarter"}
	}
	if report.SuccessRate < 100 {
		recs = append(recs, fmt.Sprintf("%d of %d runs failed; review step results before the next maintenance window",
			report.Failed, report.TotalRuns))
	}
	if rtoExceeded > 0 {
		recs = append(recs, fmt.Sprintf("%d runs recovered slower than their RTO target; revisit recovery automation or loosen the target", rtoExceeded))
	}
	if rpoExceeded > 0 {
		recs = append(recs, fmt.Sprintf("%d runs lost more data than their RPO target; verify deferred writes drain after recovery", rpoExceeded))
	}
	if _, ok := report.ByType[ScenarioFullOutage]; !ok {
		recs = append(recs, "no full_outage runs in this window; partial scenarios alone do not validate end-to-end recovery")
	}
	if len(recs) == 0 {
		recs = append(recs, "all runs met their objectives; no action needed")
	}
	return recs
}
