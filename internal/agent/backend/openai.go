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

// OpenAIAdapter talks to the OpenAI Responses API. Conversation continuity
// uses the opaque previous_response_id token, so only the new input items are
// sent on each turn.
type OpenAIAdapter struct {
	id       string
	cfg      config.BackendConfig
	sessions session.Store
	client   *http.Client
}

// NewOpenAIAdapter creates an adapter for one configured OpenAI backend.
func NewOpenAIAdapter(id string, cfg config.BackendConfig, sessions session.Store) *OpenAIAdapter {
	return &OpenAIAdapter{
		id:       id,
		cfg:      cfg,
		sessions: sessions,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *OpenAIAdapter) ID() string { return a.id }

type openaiFunctionTool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openaiRequest struct {
	Model              string               `json:"model"`
	Instructions       string               `json:"instructions,omitempty"`
	Input              []interface{}        `json:"input"`
	Tools              []openaiFunctionTool `json:"tools,omitempty"`
	ToolChoice         interface{}          `json:"tool_choice,omitempty"`
	PreviousResponseID string               `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int                  `json:"max_output_tokens,omitempty"`
	Temperature        *float64             `json:"temperature,omitempty"`
}

type openaiResponse struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"output"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ExecuteTurn sends one exchange and normalizes the response output items
// (message text plus function_call items) into the shared TurnResult shape.
func (a *OpenAIAdapter) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	body := a.baseRequest(req.Model, req.SystemPrompt)

	var input []interface{}
	for _, tr := range req.ToolResults {
		input = append(input, map[string]interface{}{
			"type":    "function_call_output",
			"call_id": tr.CallID,
			"output":  tr.Content,
		})
	}
	if req.UserMessage != "" {
		input = append(input, map[string]interface{}{"role": "user", "content": req.UserMessage})
	}
	body.Input = input

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openaiFunctionTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	if req.SessionID != "" {
		if st, ok := a.sessions.Get(req.SessionID, a.id); ok {
			body.PreviousResponseID = st.ContinuationToken
		}
	}

	resp, err := a.send(ctx, body)
	if err != nil {
		return nil, err
	}

	if req.SessionID != "" {
		a.sessions.Set(req.SessionID, a.id, session.State{ContinuationToken: resp.ID})
	}

	result := &TurnResult{TokensUsed: resp.Usage.TotalTokens, ResponseID: resp.ID}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					result.Content += c.Text
				}
			}
		case "function_call":
			params := map[string]interface{}{}
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &params); err != nil {
					return nil, fmt.Errorf("openai: decoding arguments for %s: %w", item.Name, err)
				}
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{ID: item.CallID, Name: item.Name, Params: params})
		}
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return nil, fmt.Errorf("openai response %s: %w", resp.ID, ErrEmptyResponse)
	}
	return result, nil
}

// GenerateHypothesis forces the record_hypothesis tool so the output is
// machine-parseable by construction.
func (a *OpenAIAdapter) GenerateHypothesis(ctx context.Context, model, systemPrompt, userMessage string) (*Hypothesis, int64, error) {
	body := a.baseRequest(model, systemPrompt)
	body.Input = []interface{}{map[string]interface{}{"role": "user", "content": userMessage}}
	body.Tools = []openaiFunctionTool{{
		Type:        "function",
		Name:        hypothesisToolName,
		Description: "Record the performance hypothesis for the video under analysis",
		Parameters:  hypothesisToolSchema(),
	}}
	body.ToolChoice = map[string]interface{}{"type": "function", "name": hypothesisToolName}

	resp, err := a.send(ctx, body)
	if err != nil {
		return nil, 0, err
	}
	for _, item := range resp.Output {
		if item.Type == "function_call" && item.Name == hypothesisToolName {
			var h Hypothesis
			if err := json.Unmarshal([]byte(item.Arguments), &h); err != nil {
				return nil, resp.Usage.TotalTokens, fmt.Errorf("openai: decoding hypothesis: %w", err)
			}
			return &h, resp.Usage.TotalTokens, nil
		}
	}
	return nil, resp.Usage.TotalTokens, fmt.Errorf("openai response %s: forced tool call missing", resp.ID)
}

func (a *OpenAIAdapter) baseRequest(model, instructions string) *openaiRequest {
	body := &openaiRequest{Instructions: instructions}
	m, ok := a.cfg.Models[model]
	if !ok {
		// let the API reject unknown names rather than masking config typos
		body.Model = model
		return body
	}
	body.Model = m.APIName
	if body.Model == "" {
		body.Model = model
	}
	body.MaxOutputTokens = m.MaxTokens
	if m.Temperature > 0 {
		t := m.Temperature
		body.Temperature = &t
	}
	return body
}

func (a *OpenAIAdapter) send(ctx context.Context, body *openaiRequest) (*openaiResponse, error) {
	apiKey := a.cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	baseURL := a.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, snippet)
	}

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}
