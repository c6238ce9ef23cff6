package tools

import "fmt"

// ErrorCode classifies tool invocation failures.
type ErrorCode string

const (
	// ErrCodeInvalidParams means the params did not match the tool schema. Never retried.
	ErrCodeInvalidParams ErrorCode = "INVALID_PARAMS"
	// ErrCodeTimeout means the tool exceeded its hard deadline. Retryable.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeToolNotFound means the requested tool is not registered. Never retried.
	ErrCodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"
	// ErrCodeExecution wraps an underlying tool failure. Retryable unless the
	// tool reported otherwise.
	ErrCodeExecution ErrorCode = "TOOL_EXECUTION_ERROR"
)

// ToolError is the typed failure surfaced by the invoker. Tool-calling loops
// convert it into a tool-result error payload rather than aborting the turn.
type ToolError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError builds a ToolError with the retry policy implied by the code.
func NewToolError(code ErrorCode, format string, args ...interface{}) *ToolError {
	retryable := code == ErrCodeTimeout || code == ErrCodeExecution
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// NonRetryable marks an execution error as terminal, e.g. a "not found"
// returned by the tool itself.
func NonRetryable(err *ToolError) *ToolError {
	err.Retryable = false
	return err
}
