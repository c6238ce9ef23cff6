package core

import "time"

// AnalysisMode labels how a report was produced.
const (
	ModeAgentic  = "agentic"
	ModeFallback = "fallback"
)

// Options tunes one analysis run.
type Options struct {
	MaxLoops      int
	MaxCandidates int
	// MaxFanouts caps how many parallel-safe tool calls the search loop
	// dispatches concurrently within one turn.
	MaxFanouts int
	// MaxTokens is the per-run token budget across all model turns; a run
	// that crosses it is abandoned like one that crosses MaxDuration.
	// <= 0 means unbounded.
	MaxTokens           int64
	MaxDuration         time.Duration
	ValidationThreshold float64
	MaxValidations      int
	// FallbackToClassic keeps the run from ever surfacing an error: any
	// pipeline failure degrades to the heuristic fallback report.
	FallbackToClassic bool
}

// Metrics is the per-run cost and activity summary.
type Metrics struct {
	ToolCalls       int   `json:"tool_calls"`
	TokensUsed      int64 `json:"tokens_used"`
	ExecutionTimeMs int64 `json:"execution_time_ms"`
	ModelSwitches   int   `json:"model_switches"`
}

// VideoContext is the phase-one snapshot of the video under analysis.
type VideoContext struct {
	VideoID         string  `json:"video_id"`
	ChannelID       string  `json:"channel_id"`
	Title           string  `json:"title"`
	Views           int64   `json:"views"`
	Likes           int64   `json:"likes"`
	Comments        int64   `json:"comments"`
	ChannelAvgViews float64 `json:"channel_avg_views"`
	PerformanceRate float64 `json:"performance_rate"`
	// Enrichment is optional narrative context; its absence never fails a run.
	Enrichment string `json:"enrichment,omitempty"`
}

// Candidate is a comparison video surfaced during the search phase.
type Candidate struct {
	VideoID         string  `json:"video_id"`
	Title           string  `json:"title"`
	Views           int64   `json:"views"`
	ChannelAvgViews float64 `json:"channel_avg_views"`
	Source          string  `json:"source,omitempty"`
}

// SearchResults is the outcome of the tool-driven candidate search.
type SearchResults struct {
	Candidates     []Candidate `json:"candidates"`
	AttemptedCalls int         `json:"attempted_calls"`
	SucceededCalls int         `json:"succeeded_calls"`
	HitCeiling     bool        `json:"hit_ceiling"`
}

// Evidence is one validated candidate cited in the final report.
type Evidence struct {
	VideoID string  `json:"video_id"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
}

// ValidationResults summarizes how the candidate set held up.
type ValidationResults struct {
	Validated   int        `json:"validated"`
	Rejected    int        `json:"rejected"`
	Confidence  float64    `json:"confidence"`
	TopEvidence []Evidence `json:"top_evidence"`
}

// FinalReport is the analysis deliverable persisted for the video.
type FinalReport struct {
	VideoID         string                 `json:"video_id"`
	Pattern         string                 `json:"pattern"`
	Confidence      float64                `json:"confidence"`
	Evidence        []Evidence             `json:"evidence"`
	Recommendations []string               `json:"recommendations"`
	AnalysisMode    string                 `json:"analysis_mode"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// AnalysisState accumulates phase outputs so a timed-out run can still
// produce a fallback from whatever completed.
type AnalysisState struct {
	Video      *VideoContext      `json:"video,omitempty"`
	Hypothesis string             `json:"hypothesis,omitempty"`
	Queries    []string           `json:"queries,omitempty"`
	Search     *SearchResults     `json:"search,omitempty"`
	Validation *ValidationResults `json:"validation,omitempty"`
}

// FlowResult is what an analysis run returns. The entry point never
// surfaces an error value: failures appear as Success=false with a readable
// Error, or as a fallback-mode report when degradation is enabled.
type FlowResult struct {
	Success bool          `json:"success"`
	Mode    string        `json:"mode"`
	Report  *FinalReport  `json:"report,omitempty"`
	Error   string        `json:"error,omitempty"`
	State   AnalysisState `json:"state"`
	Metrics Metrics       `json:"metrics"`
}
