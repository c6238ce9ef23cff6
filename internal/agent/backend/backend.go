package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/cliplens/cliplens/config"
	"github.com/cliplens/cliplens/internal/agent/session"
)

// TurnType labels what a turn is for; adapters may tune request options
// (e.g. temperature) per type.
type TurnType string

const (
	TurnContext      TurnType = "context"
	TurnHypothesis   TurnType = "hypothesis"
	TurnSearch       TurnType = "search"
	TurnValidation   TurnType = "validation"
	TurnFinalization TurnType = "finalization"
	TurnEnrichment   TurnType = "enrichment"
)

// ToolCall is the normalized tool request shape. Every adapter converts its
// vendor representation (content blocks, tool_calls arrays) into this.
type ToolCall struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

// ToolResult feeds a completed tool call back to the model. CallID preserves
// the association regardless of completion order.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// ToolSchema is a tool offer in backend-neutral form.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// TurnRequest is one normalized exchange with a model backend.
type TurnRequest struct {
	Type         TurnType
	Model        string // model tier key from config, resolved by the adapter
	SystemPrompt string
	UserMessage  string
	Tools        []ToolSchema
	ToolResults  []ToolResult // set when resubmitting after tool execution
	SessionID    string       // enables conversation continuity when non-empty
}

// TurnResult is the normalized backend response.
type TurnResult struct {
	Content    string
	ToolCalls  []ToolCall
	TokensUsed int64
	ResponseID string
}

// Hypothesis is the constrained-output artifact of the hypothesis phase.
// Adapters force the model to emit it through a single mandatory tool so no
// prose parsing is ever needed downstream.
type Hypothesis struct {
	Statement     string   `json:"statement"`
	Confidence    float64  `json:"confidence"`
	SearchQueries []string `json:"search_queries"`
	Factors       []string `json:"factors,omitempty"`
}

// Adapter is implemented once per model vendor. Transport errors propagate
// to the caller; retry and fallback decisions belong to the orchestrator.
type Adapter interface {
	// ID identifies the backend for session scoping and metrics.
	ID() string

	// ExecuteTurn performs one exchange, normalizing the vendor response.
	ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)

	// GenerateHypothesis forces a structured hypothesis via a mandatory tool.
	GenerateHypothesis(ctx context.Context, model, systemPrompt, userMessage string) (*Hypothesis, int64, error)
}

// ErrEmptyResponse is an adapter invariant violation: a response with no
// text and no tool calls must never be returned silently.
var ErrEmptyResponse = errors.New("backend returned neither text nor tool calls")

// hypothesisToolName is the forced tool used for constrained output.
const hypothesisToolName = "record_hypothesis"

func hypothesisToolSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"statement": map[string]interface{}{
				"type":        "string",
				"description": "One-sentence statement of the pattern believed to drive performance",
			},
			"confidence": map[string]interface{}{
				"type":        "number",
				"description": "Confidence in the hypothesis, 0.0 to 1.0",
			},
			"search_queries": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Title search queries that would surface corroborating videos",
			},
			"factors": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required": []string{"statement", "confidence", "search_queries"},
	}
}

// NewAdapters builds one adapter per configured backend.
func NewAdapters(cfg config.LLMConfig, sessions session.Store) (map[string]Adapter, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("no model backends configured")
	}
	adapters := make(map[string]Adapter, len(cfg.Backends))
	for id, bc := range cfg.Backends {
		switch bc.Type {
		case "openai":
			adapters[id] = NewOpenAIAdapter(id, bc, sessions)
		case "anthropic":
			adapters[id] = NewAnthropicAdapter(id, bc, sessions)
		default:
			return nil, fmt.Errorf("unsupported backend type: %s", bc.Type)
		}
	}
	return adapters, nil
}
