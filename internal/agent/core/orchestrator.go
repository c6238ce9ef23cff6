package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cliplens/cliplens/config"
	"github.com/cliplens/cliplens/internal/agent/backend"
	"github.com/cliplens/cliplens/internal/agent/enforce"
	"github.com/cliplens/cliplens/internal/agent/loop"
	"github.com/cliplens/cliplens/internal/agent/session"
	"github.com/cliplens/cliplens/internal/agent/telemetry"
	"github.com/cliplens/cliplens/internal/agent/tools"
)

// reportOptions is the enforcer profile for the finalization output.
var reportOptions = enforce.Options{
	Aliases: map[string]string{
		"pattern_statement": "pattern",
		"conf":              "confidence",
		"confidence_score":  "confidence",
		"evidence_list":     "evidence",
		"recs":              "recommendations",
		"recommendation":    "recommendations",
	},
	Defaults: map[string]interface{}{
		"recommendations": []interface{}{},
		"evidence":        []interface{}{},
	},
	NumberFields: []string{"confidence"},
	Required:     []string{"pattern", "confidence"},
}

// Orchestrator runs the fixed analysis pipeline: context gathering,
// hypothesis generation, search planning, validation, finalization. Phases
// execute strictly sequentially; each routes to its own model tier.
type Orchestrator struct {
	adapters map[string]backend.Adapter
	routing  config.RoutingConfig
	agentCfg config.AgentConfig
	registry *tools.Registry
	invoker  *tools.Invoker
	sessions session.Store
	metrics  *telemetry.Collector
	logger   *log.Logger
}

// NewOrchestrator wires the pipeline. metrics may be nil.
func NewOrchestrator(
	adapters map[string]backend.Adapter,
	routing config.RoutingConfig,
	agentCfg config.AgentConfig,
	registry *tools.Registry,
	invoker *tools.Invoker,
	sessions session.Store,
	metrics *telemetry.Collector,
	logger *log.Logger,
) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	return &Orchestrator{
		adapters: adapters,
		routing:  routing,
		agentCfg: agentCfg.Normalize(),
		registry: registry,
		invoker:  invoker,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
	}
}

// runState is the mutable accumulator shared between the pipeline goroutine
// and the deadline watcher. All access goes through the mutex so a timed-out
// run can snapshot whatever the phases produced so far.
type runState struct {
	mu          sync.Mutex
	state       AnalysisState
	metrics     Metrics
	lastBackend string
	final       map[string]interface{}
}

func (rs *runState) update(f func(*AnalysisState, *Metrics)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	f(&rs.state, &rs.metrics)
}

func (rs *runState) snapshot() (AnalysisState, Metrics) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state, rs.metrics
}

func (rs *runState) setFinal(obj map[string]interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.final = obj
}

func (rs *runState) getFinal() map[string]interface{} {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.final
}

// noteBackend counts tier switches across phases.
func (rs *runState) noteBackend(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastBackend != "" && rs.lastBackend != id {
		rs.metrics.ModelSwitches++
	}
	rs.lastBackend = id
}

// ExecuteAgenticFlow runs the full pipeline for one video. It never returns
// an error: failures surface as Success=false, or as a fallback-mode report
// when FallbackToClassic is set. The session is cleared on every exit path.
func (o *Orchestrator) ExecuteAgenticFlow(ctx context.Context, videoID string, opts Options) *FlowResult {
	start := time.Now()
	opts = o.normalizeOptions(opts)

	sessionID := uuid.NewString()
	defer o.sessions.Clear(sessionID)

	rs := &runState{}
	done := make(chan error, 1)
	go func() {
		// An abandoned run can still write session state when its in-flight
		// turn eventually returns; clearing here too keeps the session gone
		// after the watcher's own Clear has run.
		defer o.sessions.Clear(sessionID)
		done <- o.runPipeline(ctx, videoID, sessionID, opts, rs)
	}()

	timer := time.NewTimer(opts.MaxDuration)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		// The in-flight call is abandoned, not aborted; the snapshot below
		// captures whatever the phases completed before the deadline.
		runErr = fmt.Errorf("analysis exceeded max duration %v", opts.MaxDuration)
	case <-ctx.Done():
		runErr = fmt.Errorf("analysis cancelled: %v", ctx.Err())
	}

	state, metrics := rs.snapshot()
	metrics.ExecutionTimeMs = time.Since(start).Milliseconds()
	result := &FlowResult{State: state, Metrics: metrics}

	switch {
	case runErr == nil:
		result.Success = true
		result.Mode = ModeAgentic
		result.Report = buildFinalReport(videoID, state, rs.getFinal())
	case opts.FallbackToClassic:
		o.logger.Printf("video %s: degrading to fallback: %v", videoID, runErr)
		result.Success = true
		result.Mode = ModeFallback
		result.Error = runErr.Error()
		result.Report = ProduceFallback(videoID, state, runErr.Error())
	default:
		result.Success = false
		result.Mode = ModeAgentic
		result.Error = runErr.Error()
	}

	if o.metrics != nil {
		o.metrics.RecordRun(result.Mode, time.Since(start).Seconds(), metrics.TokensUsed)
	}
	return result
}

func (o *Orchestrator) normalizeOptions(opts Options) Options {
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = o.agentCfg.MaxLoops
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = o.agentCfg.MaxCandidates
	}
	if opts.MaxFanouts <= 0 {
		opts.MaxFanouts = o.agentCfg.MaxFanouts
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = o.agentCfg.MaxTokens
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = o.agentCfg.MaxDuration
	}
	if opts.ValidationThreshold <= 0 {
		opts.ValidationThreshold = o.agentCfg.ValidationThreshold
	}
	if opts.MaxValidations <= 0 {
		opts.MaxValidations = o.agentCfg.MaxValidations
	}
	return opts
}

func (o *Orchestrator) runPipeline(ctx context.Context, videoID, sessionID string, opts Options, rs *runState) error {
	if err := o.gatherContext(ctx, videoID, rs); err != nil {
		return fmt.Errorf("context gathering: %w", err)
	}
	if err := o.generateHypothesis(ctx, rs); err != nil {
		return fmt.Errorf("hypothesis generation: %w", err)
	}
	if err := o.checkTokenBudget(opts, rs); err != nil {
		return err
	}
	if err := o.searchPlanning(ctx, videoID, sessionID, opts, rs); err != nil {
		return fmt.Errorf("search planning: %w", err)
	}
	if err := o.checkTokenBudget(opts, rs); err != nil {
		return err
	}
	o.validate(ctx, opts, rs)
	if err := o.checkTokenBudget(opts, rs); err != nil {
		return err
	}
	if err := o.finalize(ctx, videoID, rs); err != nil {
		return fmt.Errorf("finalization: %w", err)
	}
	return nil
}

// checkTokenBudget stops the pipeline between phases once the run's token
// spend crosses the budget. Like the duration ceiling, crossing it abandons
// the run and lets the fallback controller take over.
func (o *Orchestrator) checkTokenBudget(opts Options, rs *runState) error {
	if opts.MaxTokens <= 0 {
		return nil
	}
	_, m := rs.snapshot()
	if m.TokensUsed >= opts.MaxTokens {
		return fmt.Errorf("token budget exhausted: %d used of %d", m.TokensUsed, opts.MaxTokens)
	}
	return nil
}

// gatherContext loads the subject video and its channel baseline through the
// registered tools. An empty subject aborts the pipeline immediately.
func (o *Orchestrator) gatherContext(ctx context.Context, videoID string, rs *runState) error {
	videoRes, err := o.invokeTool(ctx, "get_video", map[string]interface{}{"video_id": videoID}, rs)
	if err != nil {
		return err
	}
	var v struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
		Title     string `json:"title"`
		Views     int64  `json:"views"`
		Likes     int64  `json:"likes"`
		Comments  int64  `json:"comments"`
	}
	if err := decodeValue(videoRes, &v); err != nil {
		return fmt.Errorf("decoding video: %w", err)
	}
	if v.ID == "" {
		return fmt.Errorf("video %s: empty subject context", videoID)
	}

	vc := &VideoContext{
		VideoID:   v.ID,
		ChannelID: v.ChannelID,
		Title:     v.Title,
		Views:     v.Views,
		Likes:     v.Likes,
		Comments:  v.Comments,
	}

	baselineRes, err := o.invokeTool(ctx, "channel_baseline", map[string]interface{}{"channel_id": v.ChannelID}, rs)
	if err != nil {
		return err
	}
	var b struct {
		AvgViews float64 `json:"avg_views"`
	}
	if err := decodeValue(baselineRes, &b); err != nil {
		return fmt.Errorf("decoding baseline: %w", err)
	}
	vc.ChannelAvgViews = b.AvgViews
	if b.AvgViews > 0 {
		vc.PerformanceRate = float64(v.Views) / b.AvgViews
	}

	rs.update(func(st *AnalysisState, _ *Metrics) { st.Video = vc })
	o.logger.Printf("video %s: context gathered, %.1fx channel average", videoID, vc.PerformanceRate)
	return nil
}

// generateHypothesis forces a structured hypothesis out of the reasoning
// tier, then optionally enriches the context with a narrative turn whose
// failure is logged and ignored.
func (o *Orchestrator) generateHypothesis(ctx context.Context, rs *runState) error {
	adapter, model, err := o.route(o.routing.Hypothesis)
	if err != nil {
		return err
	}
	rs.noteBackend(adapter.ID())

	state, _ := rs.snapshot()
	prompt, err := json.Marshal(state.Video)
	if err != nil {
		return fmt.Errorf("encoding context: %w", err)
	}

	h, tokens, err := adapter.GenerateHypothesis(ctx, model, hypothesisSystemPrompt, string(prompt))
	rs.update(func(_ *AnalysisState, m *Metrics) { m.TokensUsed += tokens })
	if err != nil {
		return err
	}
	rs.update(func(st *AnalysisState, _ *Metrics) {
		st.Hypothesis = h.Statement
		st.Queries = h.SearchQueries
	})
	o.logger.Printf("hypothesis (confidence %.2f): %s", h.Confidence, h.Statement)

	if o.agentCfg.EnrichmentEnabled {
		o.enrich(ctx, rs)
	}
	return nil
}

// enrich adds optional narrative context. It is enrichment, not a
// dependency: every failure path logs and returns.
func (o *Orchestrator) enrich(ctx context.Context, rs *runState) {
	adapter, model, err := o.route(o.routing.Enrichment)
	if err != nil {
		o.logger.Printf("enrichment skipped: %v", err)
		return
	}
	state, _ := rs.snapshot()
	prompt, _ := json.Marshal(state.Video)

	res, err := adapter.ExecuteTurn(ctx, backend.TurnRequest{
		Type:         backend.TurnEnrichment,
		Model:        model,
		SystemPrompt: enrichmentSystemPrompt,
		UserMessage:  string(prompt),
	})
	if err != nil {
		o.logger.Printf("enrichment failed, continuing without it: %v", err)
		return
	}
	rs.update(func(st *AnalysisState, m *Metrics) {
		m.TokensUsed += res.TokensUsed
		if st.Video != nil {
			st.Video.Enrichment = res.Content
		}
	})
}

// searchPlanning is the only phase that exercises the full tool-calling
// loop. Individual tool failures are tolerated; the attempted-call count is
// recorded even when nothing useful comes back.
func (o *Orchestrator) searchPlanning(ctx context.Context, videoID, sessionID string, opts Options, rs *runState) error {
	adapter, model, err := o.route(o.routing.Search)
	if err != nil {
		return err
	}
	rs.noteBackend(adapter.ID())

	state, _ := rs.snapshot()
	userMsg, err := json.Marshal(map[string]interface{}{
		"video":          state.Video,
		"hypothesis":     state.Hypothesis,
		"search_queries": state.Queries,
	})
	if err != nil {
		return fmt.Errorf("encoding search prompt: %w", err)
	}

	runner := loop.NewRunner(adapter, o.registry, o.invoker, opts.MaxLoops, opts.MaxFanouts, o.logger)
	out, err := runner.Run(ctx, backend.TurnRequest{
		Type:         backend.TurnSearch,
		Model:        model,
		SystemPrompt: searchSystemPrompt,
		UserMessage:  string(userMsg),
		SessionID:    sessionID,
	})
	if err != nil {
		return err
	}

	search := &SearchResults{AttemptedCalls: len(out.Calls), HitCeiling: out.HitCeiling}
	for _, call := range out.Calls {
		if o.metrics != nil {
			o.metrics.RecordToolCall(call.Name, call.CacheHit, call.IsError)
		}
		if call.IsError {
			continue
		}
		search.SucceededCalls++
		search.Candidates = append(search.Candidates, harvestCandidates(call, state.Video)...)
	}
	search.Candidates = dedupeCandidates(search.Candidates, videoID, opts.MaxCandidates)

	rs.update(func(st *AnalysisState, m *Metrics) {
		st.Search = search
		m.ToolCalls += search.AttemptedCalls
		m.TokensUsed += out.TokensUsed
	})
	o.logger.Printf("search: %d/%d calls succeeded, %d candidates, %d iterations",
		search.SucceededCalls, search.AttemptedCalls, len(search.Candidates), out.Iterations)
	return nil
}

// validate applies the deterministic scoring heuristic. When model-backed
// validation is enabled it may refine the confidence, but any failure on
// that path degrades silently back to the heuristic result.
func (o *Orchestrator) validate(ctx context.Context, opts Options, rs *runState) {
	state, _ := rs.snapshot()
	var candidates []Candidate
	if state.Search != nil {
		candidates = state.Search.Candidates
	}
	res := ValidateCandidates(candidates, opts.ValidationThreshold, opts.MaxValidations)

	if o.agentCfg.ModelValidation {
		if conf, err := o.modelValidate(ctx, rs, res); err != nil {
			o.logger.Printf("model validation failed, keeping heuristic confidence: %v", err)
		} else if conf >= 0 && conf <= 1 {
			res.Confidence = conf
		}
	}

	rs.update(func(st *AnalysisState, _ *Metrics) { st.Validation = &res })
	o.logger.Printf("validation: %d validated, %d rejected, confidence %.2f",
		res.Validated, res.Rejected, res.Confidence)
}

func (o *Orchestrator) modelValidate(ctx context.Context, rs *runState, res ValidationResults) (float64, error) {
	adapter, model, err := o.route(o.routing.Validation)
	if err != nil {
		return 0, err
	}
	rs.noteBackend(adapter.ID())

	prompt, err := json.Marshal(res)
	if err != nil {
		return 0, err
	}
	turn, err := adapter.ExecuteTurn(ctx, backend.TurnRequest{
		Type:         backend.TurnValidation,
		Model:        model,
		SystemPrompt: validationSystemPrompt,
		UserMessage:  string(prompt),
	})
	if err != nil {
		return 0, err
	}
	rs.update(func(_ *AnalysisState, m *Metrics) { m.TokensUsed += turn.TokensUsed })

	obj, err := enforce.Object(turn.Content, enforce.Options{
		NumberFields: []string{"confidence"},
		Required:     []string{"confidence"},
	})
	if err != nil {
		return 0, err
	}
	conf, ok := obj["confidence"].(float64)
	if !ok {
		return 0, fmt.Errorf("model validation returned non-numeric confidence")
	}
	return conf, nil
}

// finalize assembles the accumulated state into one prompt and pushes the
// model output through the enforcer. A parse failure here is a phase
// failure; the fallback controller takes over at the orchestrator boundary.
func (o *Orchestrator) finalize(ctx context.Context, videoID string, rs *runState) error {
	adapter, model, err := o.route(o.routing.Finalization)
	if err != nil {
		return err
	}
	rs.noteBackend(adapter.ID())

	state, _ := rs.snapshot()
	prompt, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding analysis state: %w", err)
	}

	turn, err := adapter.ExecuteTurn(ctx, backend.TurnRequest{
		Type:         backend.TurnFinalization,
		Model:        model,
		SystemPrompt: finalizationSystemPrompt,
		UserMessage:  string(prompt),
	})
	if err != nil {
		return err
	}
	rs.update(func(_ *AnalysisState, m *Metrics) { m.TokensUsed += turn.TokensUsed })

	obj, err := enforce.Object(turn.Content, reportOptions)
	if err != nil {
		return err
	}
	rs.setFinal(obj)
	o.logger.Printf("video %s: finalization produced a conformant report", videoID)
	return nil
}

// buildFinalReport turns the enforced finalization object plus validation
// evidence into the canonical report.
func buildFinalReport(videoID string, state AnalysisState, obj map[string]interface{}) *FinalReport {
	report := &FinalReport{
		VideoID:      videoID,
		AnalysisMode: ModeAgentic,
		CreatedAt:    time.Now().UTC(),
		Metadata:     map[string]interface{}{},
	}

	report.Pattern = stringOr(obj["pattern"], state.Hypothesis)
	if conf, ok := obj["confidence"].(float64); ok {
		report.Confidence = clamp01(conf)
	} else if state.Validation != nil {
		report.Confidence = state.Validation.Confidence
	}
	if recs, ok := obj["recommendations"].([]interface{}); ok {
		for _, r := range recs {
			if s, ok := r.(string); ok {
				report.Recommendations = append(report.Recommendations, s)
			}
		}
	}
	if state.Validation != nil {
		report.Evidence = state.Validation.TopEvidence
	}
	if state.Video != nil {
		report.Metadata["performance_rate"] = state.Video.PerformanceRate
	}
	if state.Search != nil {
		report.Metadata["candidates_considered"] = len(state.Search.Candidates)
	}
	return report
}

// route resolves a "backend/model" routing entry into an adapter.
func (o *Orchestrator) route(entry string) (backend.Adapter, string, error) {
	backendID, model := o.routing.Resolve(entry)
	adapter, ok := o.adapters[backendID]
	if !ok {
		return nil, "", fmt.Errorf("no adapter for backend %q (routing entry %q)", backendID, entry)
	}
	return adapter, model, nil
}

// invokeTool runs one registered tool directly, outside the loop.
func (o *Orchestrator) invokeTool(ctx context.Context, name string, params map[string]interface{}, rs *runState) (interface{}, error) {
	def, ok := o.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("required tool %q is not registered", name)
	}
	res, err := o.invoker.Invoke(ctx, def, params)
	rs.update(func(_ *AnalysisState, m *Metrics) { m.ToolCalls++ })
	if o.metrics != nil {
		o.metrics.RecordToolCall(name, res.CacheHit, err != nil)
	}
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// harvestCandidates converts a successful lookup result into candidates.
// search_titles hits carry their own channel averages; high_performers rows
// share the subject channel's average.
func harvestCandidates(call loop.ToolCallRecord, video *VideoContext) []Candidate {
	switch call.Name {
	case "search_titles":
		var hits []struct {
			VideoID         string `json:"video_id"`
			Title           string `json:"title"`
			Views           int64  `json:"views"`
			ChannelAvgViews int64  `json:"channel_avg_views"`
		}
		if err := decodeValue(call.Value, &hits); err != nil {
			return nil
		}
		out := make([]Candidate, 0, len(hits))
		for _, h := range hits {
			out = append(out, Candidate{
				VideoID:         h.VideoID,
				Title:           h.Title,
				Views:           h.Views,
				ChannelAvgViews: float64(h.ChannelAvgViews),
				Source:          call.Name,
			})
		}
		return out
	case "high_performers":
		var vids []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			Views int64  `json:"views"`
		}
		if err := decodeValue(call.Value, &vids); err != nil {
			return nil
		}
		var avg float64
		if video != nil {
			avg = video.ChannelAvgViews
		}
		out := make([]Candidate, 0, len(vids))
		for _, v := range vids {
			out = append(out, Candidate{
				VideoID:         v.ID,
				Title:           v.Title,
				Views:           v.Views,
				ChannelAvgViews: avg,
				Source:          call.Name,
			})
		}
		return out
	}
	return nil
}

func dedupeCandidates(candidates []Candidate, subjectID string, max int) []Candidate {
	seen := make(map[string]bool, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.VideoID == "" || c.VideoID == subjectID || seen[c.VideoID] {
			continue
		}
		seen[c.VideoID] = true
		out = append(out, c)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// decodeValue round-trips an arbitrary tool result through JSON into a
// concrete shape, since tool results may be structs or decoded cache maps.
func decodeValue(v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
