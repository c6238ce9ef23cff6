package core

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/cliplens/cliplens/config"
	"github.com/cliplens/cliplens/internal/agent/backend"
	"github.com/cliplens/cliplens/internal/agent/session"
	"github.com/cliplens/cliplens/internal/agent/session/inmemory"
	"github.com/cliplens/cliplens/internal/agent/tools"
)

type scriptedAdapter struct {
	hypothesis    *backend.Hypothesis
	hypothesisErr error
	turns         []*backend.TurnResult
	turnIdx       int
	seen          []backend.TurnRequest
}

func (s *scriptedAdapter) ID() string { return "mock" }

func (s *scriptedAdapter) ExecuteTurn(_ context.Context, req backend.TurnRequest) (*backend.TurnResult, error) {
	s.seen = append(s.seen, req)
	if s.turnIdx >= len(s.turns) {
		return nil, errors.New("script exhausted")
	}
	res := s.turns[s.turnIdx]
	s.turnIdx++
	return res, nil
}

func (s *scriptedAdapter) GenerateHypothesis(context.Context, string, string, string) (*backend.Hypothesis, int64, error) {
	if s.hypothesisErr != nil {
		return nil, 0, s.hypothesisErr
	}
	return s.hypothesis, 40, nil
}

func testRouting() config.RoutingConfig {
	return config.RoutingConfig{
		Context:      "mock/fast",
		Hypothesis:   "mock/smart",
		Search:       "mock/fast",
		Validation:   "mock/fast",
		Finalization: "mock/smart",
		Enrichment:   "mock/fast",
	}
}

// testRegistry registers the analysis tools over canned data: a 500k-view
// subject on a 100k-average channel, and two title queries returning 5 and 3
// candidates with 4 of the 8 at or above 2x their channel average.
func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()

	hit := func(id string, views int64) map[string]interface{} {
		return map[string]interface{}{
			"video_id": id, "title": "t-" + id, "views": views, "channel_avg_views": 100000,
		}
	}
	defs := []tools.Definition{
		{
			Name:   "get_video",
			Params: map[string]tools.ParamSpec{"video_id": {Type: "string", Required: true}},
			Execute: func(_ context.Context, p map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{
					"id": p["video_id"], "channel_id": "ch_9",
					"title": "Why nobody talks about slow productivity", "views": 500000,
				}, nil
			},
			ParallelSafe: true,
		},
		{
			Name:   "channel_baseline",
			Params: map[string]tools.ParamSpec{"channel_id": {Type: "string", Required: true}},
			Execute: func(_ context.Context, p map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"channel_id": p["channel_id"], "avg_views": 100000.0, "video_count": 20}, nil
			},
			ParallelSafe: true,
		},
		{
			Name: "search_titles",
			Params: map[string]tools.ParamSpec{
				"query": {Type: "string", Required: true},
				"limit": {Type: "integer"},
			},
			Execute: func(_ context.Context, p map[string]interface{}) (interface{}, error) {
				if p["query"] == "q1" {
					return []interface{}{
						hit("c1", 300000), hit("c2", 250000), hit("c3", 200000),
						hit("c4", 150000), hit("c5", 100000),
					}, nil
				}
				return []interface{}{hit("c6", 220000), hit("c7", 90000), hit("c8", 50000)}, nil
			},
			ParallelSafe: true,
		},
		{
			Name:   "high_performers",
			Params: map[string]tools.ParamSpec{"channel_id": {Type: "string", Required: true}},
			Execute: func(context.Context, map[string]interface{}) (interface{}, error) {
				return []interface{}{}, nil
			},
			ParallelSafe: true,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return reg
}

func newTestOrchestrator(t *testing.T, adapter backend.Adapter) *Orchestrator {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	return NewOrchestrator(
		map[string]backend.Adapter{"mock": adapter},
		testRouting(),
		config.AgentConfig{MaxDuration: 5 * time.Second},
		testRegistry(t),
		tools.NewInvoker(nil, quiet),
		inmemory.NewStore(0),
		nil,
		quiet,
	)
}

func TestExecuteAgenticFlowHappyPath(t *testing.T) {
	adapter := &scriptedAdapter{
		hypothesis: &backend.Hypothesis{
			Statement:     "curiosity gap titles outperform",
			Confidence:    0.8,
			SearchQueries: []string{"q1", "q2"},
		},
		turns: []*backend.TurnResult{
			{ToolCalls: []backend.ToolCall{
				{ID: "t1", Name: "search_titles", Params: map[string]interface{}{"query": "q1"}},
				{ID: "t2", Name: "search_titles", Params: map[string]interface{}{"query": "q2"}},
				{ID: "t3", Name: "high_performers", Params: map[string]interface{}{"channel_id": "ch_9"}},
			}, TokensUsed: 80},
			{Content: "gathered enough evidence", TokensUsed: 30},
			{Content: `{"pattern": "curiosity gap titles outperform", "confidence": 0.5, "recommendations": ["test a curiosity-gap title"]}`, TokensUsed: 60},
		},
	}
	o := newTestOrchestrator(t, adapter)

	res := o.ExecuteAgenticFlow(context.Background(), "vid_123", Options{FallbackToClassic: true})
	if !res.Success || res.Mode != ModeAgentic {
		t.Fatalf("expected agentic success: %+v err=%s", res, res.Error)
	}
	v := res.State.Validation
	if v == nil || v.Validated != 4 || v.Rejected != 4 || v.Confidence != 0.5 {
		t.Fatalf("validation results wrong: %+v", v)
	}
	r := res.Report
	if r == nil || r.VideoID != "vid_123" || r.AnalysisMode != ModeAgentic {
		t.Fatalf("report wrong: %+v", r)
	}
	if r.Pattern != "curiosity gap titles outperform" || r.Confidence != 0.5 {
		t.Fatalf("finalized fields wrong: %+v", r)
	}
	if len(r.Recommendations) != 1 {
		t.Fatalf("recommendations missing: %+v", r)
	}
	// 2 context lookups + 3 search calls
	if res.Metrics.ToolCalls != 5 {
		t.Fatalf("tool call count: %+v", res.Metrics)
	}
	if res.Metrics.TokensUsed != 40+80+30+60 {
		t.Fatalf("token accounting: %+v", res.Metrics)
	}
	if res.Metrics.ModelSwitches != 0 {
		t.Fatalf("single backend must mean zero switches: %+v", res.Metrics)
	}
	if res.State.Search == nil || res.State.Search.AttemptedCalls != 3 || res.State.Search.SucceededCalls != 3 {
		t.Fatalf("search metrics wrong: %+v", res.State.Search)
	}
}

func TestExecuteAgenticFlowFallbackGuarantee(t *testing.T) {
	adapter := &scriptedAdapter{hypothesisErr: errors.New("backend down")}
	o := newTestOrchestrator(t, adapter)

	res := o.ExecuteAgenticFlow(context.Background(), "vid_123", Options{FallbackToClassic: true})
	if !res.Success || res.Mode != ModeFallback {
		t.Fatalf("fallback must still be a success: %+v", res)
	}
	if res.Report == nil || res.Report.VideoID != "vid_123" || res.Report.Confidence != 0.3 {
		t.Fatalf("fallback report wrong: %+v", res.Report)
	}
	// context gathering succeeded before the failure
	if res.State.Video == nil || res.State.Video.PerformanceRate != 5.0 {
		t.Fatalf("captured context must survive into the result: %+v", res.State.Video)
	}
	if res.Error == "" {
		t.Fatalf("fallback result must carry the failure reason")
	}
}

func TestExecuteAgenticFlowExplicitFailure(t *testing.T) {
	adapter := &scriptedAdapter{hypothesisErr: errors.New("backend down")}
	o := newTestOrchestrator(t, adapter)

	res := o.ExecuteAgenticFlow(context.Background(), "vid_123", Options{FallbackToClassic: false})
	if res.Success {
		t.Fatalf("with fallback disabled the run must report failure: %+v", res)
	}
	if res.Error == "" || res.Report != nil {
		t.Fatalf("failed run must carry an error and no report: %+v", res)
	}
}

func TestExecuteAgenticFlowUnparseableFinalization(t *testing.T) {
	adapter := &scriptedAdapter{
		hypothesis: &backend.Hypothesis{Statement: "pattern", Confidence: 0.8, SearchQueries: []string{"q1"}},
		turns: []*backend.TurnResult{
			{Content: "no tools needed"},
			{Content: "I am unable to produce a report today."},
		},
	}
	o := newTestOrchestrator(t, adapter)

	res := o.ExecuteAgenticFlow(context.Background(), "vid_123", Options{FallbackToClassic: true})
	if !res.Success || res.Mode != ModeFallback {
		t.Fatalf("parse failure must degrade to fallback: %+v", res)
	}
}

func TestExecuteAgenticFlowDeadline(t *testing.T) {
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	adapter := &blockingAdapter{unblock: blocked}
	quiet := log.New(io.Discard, "", 0)
	o := NewOrchestrator(
		map[string]backend.Adapter{"mock": adapter},
		testRouting(),
		config.AgentConfig{},
		testRegistry(t),
		tools.NewInvoker(nil, quiet),
		inmemory.NewStore(0),
		nil,
		quiet,
	)

	res := o.ExecuteAgenticFlow(context.Background(), "vid_123", Options{
		FallbackToClassic: true,
		MaxDuration:       50 * time.Millisecond,
	})
	if !res.Success || res.Mode != ModeFallback {
		t.Fatalf("deadline must degrade to fallback: %+v", res)
	}
	// context gathering finished before the hypothesis call blocked
	if res.State.Video == nil {
		t.Fatalf("partial state must be captured: %+v", res.State)
	}
}

func TestExecuteAgenticFlowTokenBudget(t *testing.T) {
	adapter := &scriptedAdapter{
		hypothesis: &backend.Hypothesis{
			Statement:     "curiosity gap titles outperform",
			Confidence:    0.8,
			SearchQueries: []string{"q1"},
		},
		turns: []*backend.TurnResult{
			{ToolCalls: []backend.ToolCall{
				{ID: "t1", Name: "search_titles", Params: map[string]interface{}{"query": "q1"}},
			}, TokensUsed: 80},
			{Content: "gathered enough evidence", TokensUsed: 30},
		},
	}
	o := newTestOrchestrator(t, adapter)

	// hypothesis (40) fits; the search phase (another 110) crosses the budget
	res := o.ExecuteAgenticFlow(context.Background(), "vid_123", Options{
		FallbackToClassic: true,
		MaxTokens:         100,
	})
	if !res.Success || res.Mode != ModeFallback {
		t.Fatalf("crossing the token budget must degrade to fallback: %+v", res)
	}
	if !strings.Contains(res.Error, "token budget") {
		t.Fatalf("result must carry the budget failure: %q", res.Error)
	}
	if res.Report == nil || res.Report.Confidence != 0.3 {
		t.Fatalf("fallback report wrong: %+v", res.Report)
	}
	// everything up to the budget check survives into the result
	if res.State.Hypothesis == "" || res.State.Search == nil {
		t.Fatalf("partial state must be captured: %+v", res.State)
	}
}

func TestExecuteAgenticFlowAbandonedTurnCannotResurrectSession(t *testing.T) {
	sessions := inmemory.NewStore(0)
	adapter := &sessionWritingAdapter{sessions: sessions, release: make(chan struct{}), wrote: make(chan string, 1)}
	quiet := log.New(io.Discard, "", 0)
	o := NewOrchestrator(
		map[string]backend.Adapter{"mock": adapter},
		testRouting(),
		config.AgentConfig{},
		testRegistry(t),
		tools.NewInvoker(nil, quiet),
		sessions,
		nil,
		quiet,
	)

	res := o.ExecuteAgenticFlow(context.Background(), "vid_123", Options{
		FallbackToClassic: true,
		MaxDuration:       50 * time.Millisecond,
	})
	if !res.Success || res.Mode != ModeFallback {
		t.Fatalf("deadline must degrade to fallback: %+v", res)
	}

	// let the abandoned turn finish; its late session write must not outlive
	// the run
	close(adapter.release)
	sid := <-adapter.wrote
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := sessions.Get(sid, "mock"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late session write survived past run teardown")
		}
		time.Sleep(time.Millisecond)
	}
}

// sessionWritingAdapter blocks its search turn until released, then writes
// session state the way a real adapter saving history would.
type sessionWritingAdapter struct {
	sessions session.Store
	release  chan struct{}
	wrote    chan string
}

func (a *sessionWritingAdapter) ID() string { return "mock" }

func (a *sessionWritingAdapter) ExecuteTurn(_ context.Context, req backend.TurnRequest) (*backend.TurnResult, error) {
	<-a.release
	a.sessions.Set(req.SessionID, "mock", session.State{ContinuationToken: "resp_late"})
	a.wrote <- req.SessionID
	return nil, errors.New("late turn")
}

func (a *sessionWritingAdapter) GenerateHypothesis(context.Context, string, string, string) (*backend.Hypothesis, int64, error) {
	return &backend.Hypothesis{Statement: "p", Confidence: 0.5, SearchQueries: []string{"q1"}}, 10, nil
}

type blockingAdapter struct{ unblock chan struct{} }

func (b *blockingAdapter) ID() string { return "mock" }

func (b *blockingAdapter) ExecuteTurn(context.Context, backend.TurnRequest) (*backend.TurnResult, error) {
	<-b.unblock
	return nil, errors.New("unblocked")
}

func (b *blockingAdapter) GenerateHypothesis(context.Context, string, string, string) (*backend.Hypothesis, int64, error) {
	<-b.unblock
	return nil, 0, errors.New("unblocked")
}
