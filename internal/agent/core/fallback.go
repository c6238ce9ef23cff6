package core

import (
	"fmt"
	"time"
)

// fallbackConfidence is deliberately low: a fallback report states an
// observation, not a validated pattern.
const fallbackConfidence = 0.3

// ProduceFallback builds the degraded report from whatever phase output the
// run managed to accumulate. It never fails.
func ProduceFallback(videoID string, state AnalysisState, reason string) *FinalReport {
	report := &FinalReport{
		VideoID:      videoID,
		Confidence:   fallbackConfidence,
		AnalysisMode: ModeFallback,
		Metadata:     map[string]interface{}{"fallback_reason": reason},
		CreatedAt:    time.Now().UTC(),
	}

	switch {
	case state.Validation != nil && len(state.Validation.TopEvidence) > 0:
		report.Pattern = state.Hypothesis
		if report.Pattern == "" {
			report.Pattern = "similar titles outperform their channel averages"
		}
		report.Evidence = state.Validation.TopEvidence
	case state.Hypothesis != "":
		report.Pattern = state.Hypothesis
	case state.Video != nil && state.Video.PerformanceRate > 0:
		report.Pattern = fmt.Sprintf("video performs at %.1fx its channel average", state.Video.PerformanceRate)
	default:
		report.Pattern = "insufficient data for pattern analysis"
	}

	report.Recommendations = []string{"re-run analysis when more channel data is available"}
	return report
}
