package core

import "testing"

func TestProduceFallbackEmptyState(t *testing.T) {
	r := ProduceFallback("vid_123", AnalysisState{}, "context gathering: boom")
	if r == nil {
		t.Fatal("fallback must always produce a report")
	}
	if r.AnalysisMode != ModeFallback || r.Confidence != 0.3 {
		t.Fatalf("fallback must be tagged and low-confidence: %+v", r)
	}
	if r.VideoID != "vid_123" || r.Pattern == "" || len(r.Recommendations) == 0 {
		t.Fatalf("incomplete fallback report: %+v", r)
	}
}

func TestProduceFallbackUsesCapturedContext(t *testing.T) {
	state := AnalysisState{Video: &VideoContext{VideoID: "vid_123", PerformanceRate: 5.2}}
	r := ProduceFallback("vid_123", state, "hypothesis generation: backend down")
	if r.Pattern != "video performs at 5.2x its channel average" {
		t.Fatalf("fallback should use the captured context: %q", r.Pattern)
	}
	if r.Metadata["fallback_reason"] != "hypothesis generation: backend down" {
		t.Fatalf("reason missing: %+v", r.Metadata)
	}
}

func TestProduceFallbackPrefersEvidence(t *testing.T) {
	state := AnalysisState{
		Hypothesis: "curiosity gap titles outperform",
		Validation: &ValidationResults{
			TopEvidence: []Evidence{{VideoID: "c1", Score: 3.0}},
		},
	}
	r := ProduceFallback("vid_123", state, "finalization: parse failure")
	if r.Pattern != "curiosity gap titles outperform" || len(r.Evidence) != 1 {
		t.Fatalf("fallback should carry forward validated evidence: %+v", r)
	}
}
