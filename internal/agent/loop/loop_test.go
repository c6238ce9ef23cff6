package loop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cliplens/cliplens/internal/agent/backend"
	"github.com/cliplens/cliplens/internal/agent/tools"
)

// fakeAdapter replays scripted turns and captures what it was sent.
type fakeAdapter struct {
	turns    []*backend.TurnResult
	requests []backend.TurnRequest
	idx      int
}

func (f *fakeAdapter) ID() string { return "fake" }

func (f *fakeAdapter) ExecuteTurn(_ context.Context, req backend.TurnRequest) (*backend.TurnResult, error) {
	f.requests = append(f.requests, req)
	if f.idx >= len(f.turns) {
		return nil, errors.New("script exhausted")
	}
	res := f.turns[f.idx]
	f.idx++
	return res, nil
}

func (f *fakeAdapter) GenerateHypothesis(context.Context, string, string, string) (*backend.Hypothesis, int64, error) {
	return nil, 0, errors.New("not scripted")
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newRegistry(t *testing.T, defs ...tools.Definition) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	return reg
}

func TestRunTerminatesWithoutTools(t *testing.T) {
	fake := &fakeAdapter{turns: []*backend.TurnResult{{Content: "done", TokensUsed: 10}}}
	r := NewRunner(fake, newRegistry(t), tools.NewInvoker(nil, quietLogger()), 5, 0, quietLogger())

	out, err := r.Run(context.Background(), backend.TurnRequest{UserMessage: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "done" || out.Iterations != 1 || out.HitCeiling {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunFeedsToolResultsBack(t *testing.T) {
	fake := &fakeAdapter{turns: []*backend.TurnResult{
		{ToolCalls: []backend.ToolCall{{ID: "c1", Name: "lookup", Params: map[string]interface{}{"id": "v1"}}}, TokensUsed: 5},
		{Content: "answer", TokensUsed: 7},
	}}
	reg := newRegistry(t, tools.Definition{
		Name:   "lookup",
		Params: map[string]tools.ParamSpec{"id": {Type: "string", Required: true}},
		Execute: func(context.Context, map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"views": 42}, nil
		},
		ParallelSafe: true,
	})
	r := NewRunner(fake, reg, tools.NewInvoker(nil, quietLogger()), 5, 0, quietLogger())

	out, err := r.Run(context.Background(), backend.TurnRequest{UserMessage: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "answer" || out.Iterations != 2 || out.TokensUsed != 12 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.Calls) != 1 || out.Calls[0].Name != "lookup" || out.Calls[0].IsError {
		t.Fatalf("call record wrong: %+v", out.Calls)
	}
	if out.Calls[0].CallID != "c1" {
		t.Fatalf("record must keep the originating call id: %+v", out.Calls[0])
	}

	second := fake.requests[1]
	if second.UserMessage != "" {
		t.Fatalf("resubmission must not repeat the user message")
	}
	if len(second.ToolResults) != 1 || second.ToolResults[0].CallID != "c1" {
		t.Fatalf("tool result not fed back: %+v", second.ToolResults)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(second.ToolResults[0].Content), &payload); err != nil || payload["views"] != float64(42) {
		t.Fatalf("result payload wrong: %s", second.ToolResults[0].Content)
	}
}

func TestRunCeilingIsNormalTermination(t *testing.T) {
	// The model asks for a tool on every turn; the runner must stop at the
	// ceiling without returning an error.
	alwaysCall := &backend.TurnResult{
		ToolCalls: []backend.ToolCall{{ID: "c", Name: "lookup", Params: map[string]interface{}{}}},
	}
	fake := &fakeAdapter{turns: []*backend.TurnResult{alwaysCall, alwaysCall, alwaysCall}}
	reg := newRegistry(t, tools.Definition{
		Name: "lookup",
		Execute: func(context.Context, map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	})
	r := NewRunner(fake, reg, tools.NewInvoker(nil, quietLogger()), 3, 0, quietLogger())

	out, err := r.Run(context.Background(), backend.TurnRequest{UserMessage: "go"})
	if err != nil {
		t.Fatalf("ceiling exit must not be an error: %v", err)
	}
	if !out.HitCeiling || out.Iterations != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.Calls) != 3 {
		t.Fatalf("expected 3 executed calls, got %d", len(out.Calls))
	}
}

func TestRunUnknownToolBecomesErrorPayload(t *testing.T) {
	fake := &fakeAdapter{turns: []*backend.TurnResult{
		{ToolCalls: []backend.ToolCall{{ID: "c1", Name: "no_such_tool", Params: map[string]interface{}{}}}},
		{Content: "recovered"},
	}}
	r := NewRunner(fake, newRegistry(t), tools.NewInvoker(nil, quietLogger()), 5, 0, quietLogger())

	out, err := r.Run(context.Background(), backend.TurnRequest{UserMessage: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "recovered" {
		t.Fatalf("loop must continue past a bad tool request: %+v", out)
	}
	tr := fake.requests[1].ToolResults[0]
	if !tr.IsError || !strings.Contains(tr.Content, "TOOL_NOT_FOUND") {
		t.Fatalf("unknown tool must surface a structured error payload: %+v", tr)
	}
	if out.Calls[0].CallID != "c1" || !out.Calls[0].IsError {
		t.Fatalf("failed call must still be recorded under its id: %+v", out.Calls[0])
	}
}

func TestDispatchParallelAndSerial(t *testing.T) {
	// Both parallel calls block on the barrier until the other has started,
	// so the run only completes if they truly overlap. The tool timeout
	// bounds the test if a regression serializes them.
	var barrier sync.WaitGroup
	barrier.Add(2)
	parallelExec := func(context.Context, map[string]interface{}) (interface{}, error) {
		barrier.Done()
		barrier.Wait()
		return "p", nil
	}

	reg := newRegistry(t,
		tools.Definition{Name: "par", ParallelSafe: true, Timeout: 2 * time.Second, Execute: parallelExec},
		tools.Definition{Name: "ser", Execute: func(context.Context, map[string]interface{}) (interface{}, error) {
			return "s", nil
		}},
	)
	fake := &fakeAdapter{turns: []*backend.TurnResult{
		{ToolCalls: []backend.ToolCall{
			{ID: "a", Name: "par", Params: map[string]interface{}{}},
			{ID: "b", Name: "par", Params: map[string]interface{}{}},
			{ID: "c", Name: "ser", Params: map[string]interface{}{}},
		}},
		{Content: "done"},
	}}
	r := NewRunner(fake, reg, tools.NewInvoker(nil, quietLogger()), 5, 3, quietLogger())

	out, err := r.Run(context.Background(), backend.TurnRequest{UserMessage: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "done" {
		t.Fatalf("outcome: %+v", out)
	}
	// Results keep their call IDs in request order, and none may have timed
	// out waiting on the barrier.
	results := fake.requests[1].ToolResults
	if results[0].CallID != "a" || results[1].CallID != "b" || results[2].CallID != "c" {
		t.Fatalf("result tagging broken: %+v", results)
	}
	for _, tr := range results {
		if tr.IsError {
			t.Fatalf("parallel-safe tools did not overlap: %+v", tr)
		}
	}
}

func TestDispatchFanoutCap(t *testing.T) {
	var mu sync.Mutex
	inflight, maxInflight := 0, 0
	capped := func(context.Context, map[string]interface{}) (interface{}, error) {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return "ok", nil
	}

	reg := newRegistry(t, tools.Definition{Name: "capped", ParallelSafe: true, Execute: capped})
	fake := &fakeAdapter{turns: []*backend.TurnResult{
		{ToolCalls: []backend.ToolCall{
			{ID: "a", Name: "capped", Params: map[string]interface{}{}},
			{ID: "b", Name: "capped", Params: map[string]interface{}{}},
			{ID: "c", Name: "capped", Params: map[string]interface{}{}},
		}},
		{Content: "done"},
	}}
	r := NewRunner(fake, reg, tools.NewInvoker(nil, quietLogger()), 5, 1, quietLogger())

	if _, err := r.Run(context.Background(), backend.TurnRequest{UserMessage: "go"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if maxInflight != 1 {
		t.Fatalf("fanout cap of 1 must serialize dispatch, saw %d concurrent", maxInflight)
	}
}
