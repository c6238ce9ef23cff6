package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cliplens/cliplens/internal/agent/backend"
	"github.com/cliplens/cliplens/internal/agent/tools"
)

// ToolCallRecord is the audit entry for one executed tool call. Value holds
// the decoded result on success so callers can harvest evidence without
// re-running the tool.
type ToolCallRecord struct {
	CallID     string                 `json:"call_id"`
	Name       string                 `json:"name"`
	Params     map[string]interface{} `json:"params"`
	Value      interface{}            `json:"-"`
	CacheHit   bool                   `json:"cache_hit"`
	IsError    bool                   `json:"is_error"`
	DurationMs int64                  `json:"duration_ms"`
}

// Outcome is the terminal state of a tool-calling loop.
type Outcome struct {
	Content    string
	Calls      []ToolCallRecord
	TokensUsed int64
	Iterations int
	// HitCeiling marks a run that stopped because the iteration bound was
	// reached while the model still wanted tools. It is a normal terminal
	// state: the caller decides what to make of the partial content.
	HitCeiling bool
}

// Runner drives the model/tool exchange until the model stops requesting
// tools or the iteration ceiling is reached.
type Runner struct {
	adapter    backend.Adapter
	registry   *tools.Registry
	invoker    *tools.Invoker
	maxLoops   int
	maxFanouts int
	logger     *log.Logger
}

// NewRunner creates a loop runner. maxLoops <= 0 falls back to 5; maxFanouts
// caps how many parallel-safe tools run concurrently in one turn and falls
// back to 3.
func NewRunner(adapter backend.Adapter, registry *tools.Registry, invoker *tools.Invoker, maxLoops, maxFanouts int, logger *log.Logger) *Runner {
	if maxLoops <= 0 {
		maxLoops = 5
	}
	if maxFanouts <= 0 {
		maxFanouts = 3
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LOOP] ", log.LstdFlags)
	}
	return &Runner{adapter: adapter, registry: registry, invoker: invoker, maxLoops: maxLoops, maxFanouts: maxFanouts, logger: logger}
}

// Run executes turns until a terminal state. Every registered tool is offered
// on every turn. Tool failures are reported back to the model as error
// payloads rather than aborting the loop; only transport failures return an
// error.
func (r *Runner) Run(ctx context.Context, req backend.TurnRequest) (*Outcome, error) {
	req.Tools = r.offers()
	out := &Outcome{}

	for i := 1; i <= r.maxLoops; i++ {
		out.Iterations = i
		res, err := r.adapter.ExecuteTurn(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		out.TokensUsed += res.TokensUsed
		if res.Content != "" {
			out.Content = res.Content
		}
		if len(res.ToolCalls) == 0 {
			return out, nil
		}

		results, records := r.dispatch(ctx, res.ToolCalls)
		out.Calls = append(out.Calls, records...)

		req.UserMessage = ""
		req.ToolResults = results
	}

	r.logger.Printf("session %s: iteration ceiling %d reached with tools still pending", req.SessionID, r.maxLoops)
	out.HitCeiling = true
	return out, nil
}

func (r *Runner) offers() []backend.ToolSchema {
	names := r.registry.Names()
	offers := make([]backend.ToolSchema, 0, len(names))
	for _, name := range names {
		def, _ := r.registry.Get(name)
		offers = append(offers, backend.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.JSONSchema(),
		})
	}
	return offers
}

// dispatch executes one turn's tool calls. Parallel-safe tools run
// concurrently up to the fanout cap; the rest run sequentially in request
// order. Results keep their call IDs so completion order never matters.
func (r *Runner) dispatch(ctx context.Context, calls []backend.ToolCall) ([]backend.ToolResult, []ToolCallRecord) {
	results := make([]backend.ToolResult, len(calls))
	records := make([]ToolCallRecord, len(calls))

	sem := make(chan struct{}, r.maxFanouts)
	var wg sync.WaitGroup
	for i, call := range calls {
		def, ok := r.registry.Get(call.Name)
		if ok && def.ParallelSafe {
			wg.Add(1)
			go func(i int, call backend.ToolCall, def tools.Definition) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i], records[i] = r.execute(ctx, call, def)
			}(i, call, def)
			continue
		}
		if !ok {
			results[i] = errorResult(call.ID, tools.NewToolError(tools.ErrCodeToolNotFound, "unknown tool %q", call.Name))
			records[i] = ToolCallRecord{CallID: call.ID, Name: call.Name, Params: call.Params, IsError: true}
			continue
		}
		results[i], records[i] = r.execute(ctx, call, def)
	}
	wg.Wait()
	return results, records
}

func (r *Runner) execute(ctx context.Context, call backend.ToolCall, def tools.Definition) (backend.ToolResult, ToolCallRecord) {
	start := time.Now()
	res, err := r.invoker.Invoke(ctx, def, call.Params)
	record := ToolCallRecord{
		CallID:     call.ID,
		Name:       call.Name,
		Params:     call.Params,
		CacheHit:   res.CacheHit,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		record.IsError = true
		terr, ok := err.(*tools.ToolError)
		if !ok {
			terr = tools.NewToolError(tools.ErrCodeExecution, "%v", err)
		}
		r.logger.Printf("tool %s failed: %v", call.Name, err)
		return errorResult(call.ID, terr), record
	}
	data, merr := json.Marshal(res.Value)
	if merr != nil {
		record.IsError = true
		return errorResult(call.ID, tools.NewToolError(tools.ErrCodeExecution, "encoding result: %v", merr)), record
	}
	record.Value = res.Value
	return backend.ToolResult{CallID: call.ID, Content: string(data)}, record
}

// errorResult encodes a tool error as a structured payload the model can
// reason about instead of a bare failure string.
func errorResult(callID string, terr *tools.ToolError) backend.ToolResult {
	payload, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(terr.Code),
			"message": terr.Message,
		},
	})
	return backend.ToolResult{CallID: callID, Content: string(payload), IsError: true}
}
