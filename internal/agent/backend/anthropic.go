package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/cliplens/cliplens/config"
	"github.com/cliplens/cliplens/internal/agent/session"
)

// AnthropicAdapter talks to the Anthropic Messages API. Anthropic has no
// continuation token, so continuity replays the full message history, which
// the adapter keeps in the session store as vendor-native messages.
type AnthropicAdapter struct {
	id       string
	cfg      config.BackendConfig
	sessions session.Store
	client   *http.Client
}

// NewAnthropicAdapter creates an adapter for one configured Anthropic backend.
func NewAnthropicAdapter(id string, cfg config.BackendConfig, sessions session.Store) *AnthropicAdapter {
	return &AnthropicAdapter{
		id:       id,
		cfg:      cfg,
		sessions: sessions,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *AnthropicAdapter) ID() string { return a.id }

type anthropicBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  interface{}        `json:"tool_choice,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// ExecuteTurn sends one exchange, replaying stored history, and normalizes
// the tool_use content blocks into the shared ToolCall shape.
func (a *AnthropicAdapter) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	history, err := a.loadHistory(req.SessionID)
	if err != nil {
		return nil, err
	}

	var blocks []anthropicBlock
	for _, tr := range req.ToolResults {
		blocks = append(blocks, anthropicBlock{
			Type:      "tool_result",
			ToolUseID: tr.CallID,
			Content:   tr.Content,
			IsError:   tr.IsError,
		})
	}
	if req.UserMessage != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: req.UserMessage})
	}
	if len(blocks) > 0 {
		history = append(history, anthropicMessage{Role: "user", Content: blocks})
	}

	body := a.baseRequest(req.Model, req.SystemPrompt, history)
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	resp, err := a.send(ctx, body)
	if err != nil {
		return nil, err
	}

	history = append(history, anthropicMessage{Role: "assistant", Content: resp.Content})
	if req.SessionID != "" {
		if err := a.saveHistory(req.SessionID, history); err != nil {
			return nil, err
		}
	}

	result := &TurnResult{
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		ResponseID: resp.ID,
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			params := block.Input
			if params == nil {
				params = map[string]interface{}{}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Params: params})
		}
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return nil, fmt.Errorf("anthropic response %s: %w", resp.ID, ErrEmptyResponse)
	}
	return result, nil
}

// GenerateHypothesis forces the record_hypothesis tool via tool_choice.
func (a *AnthropicAdapter) GenerateHypothesis(ctx context.Context, model, systemPrompt, userMessage string) (*Hypothesis, int64, error) {
	body := a.baseRequest(model, systemPrompt, []anthropicMessage{
		{Role: "user", Content: []anthropicBlock{{Type: "text", Text: userMessage}}},
	})
	body.Tools = []anthropicTool{{
		Name:        hypothesisToolName,
		Description: "Record the performance hypothesis for the video under analysis",
		InputSchema: hypothesisToolSchema(),
	}}
	body.ToolChoice = map[string]interface{}{"type": "tool", "name": hypothesisToolName}

	resp, err := a.send(ctx, body)
	if err != nil {
		return nil, 0, err
	}
	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == hypothesisToolName {
			data, err := json.Marshal(block.Input)
			if err != nil {
				return nil, tokens, fmt.Errorf("anthropic: re-encoding hypothesis input: %w", err)
			}
			var h Hypothesis
			if err := json.Unmarshal(data, &h); err != nil {
				return nil, tokens, fmt.Errorf("anthropic: decoding hypothesis: %w", err)
			}
			return &h, tokens, nil
		}
	}
	return nil, tokens, fmt.Errorf("anthropic response %s: forced tool call missing", resp.ID)
}

func (a *AnthropicAdapter) loadHistory(sessionID string) ([]anthropicMessage, error) {
	if sessionID == "" {
		return nil, nil
	}
	st, ok := a.sessions.Get(sessionID, a.id)
	if !ok {
		return nil, nil
	}
	history := make([]anthropicMessage, 0, len(st.Messages))
	for _, raw := range st.Messages {
		var msg anthropicMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("anthropic: corrupt session history: %w", err)
		}
		history = append(history, msg)
	}
	return history, nil
}

func (a *AnthropicAdapter) saveHistory(sessionID string, history []anthropicMessage) error {
	raw := make([]json.RawMessage, 0, len(history))
	for _, msg := range history {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("anthropic: encoding session history: %w", err)
		}
		raw = append(raw, data)
	}
	a.sessions.Set(sessionID, a.id, session.State{Messages: raw})
	return nil
}

func (a *AnthropicAdapter) baseRequest(model, system string, messages []anthropicMessage) *anthropicRequest {
	body := &anthropicRequest{System: system, Messages: messages, MaxTokens: 4096}
	m, ok := a.cfg.Models[model]
	if !ok {
		body.Model = model
		return body
	}
	body.Model = m.APIName
	if body.Model == "" {
		body.Model = model
	}
	if m.MaxTokens > 0 {
		body.MaxTokens = m.MaxTokens
	}
	if m.Temperature > 0 {
		t := m.Temperature
		body.Temperature = &t
	}
	return body
}

func (a *AnthropicAdapter) send(ctx context.Context, body *anthropicRequest) (*anthropicResponse, error) {
	apiKey := a.cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	baseURL := a.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, snippet)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return &out, nil
}
