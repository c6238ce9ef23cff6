package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/cliplens/cliplens/internal/cache"
)

// CallResult carries a tool invocation outcome plus observability metadata.
type CallResult struct {
	Value    interface{}
	CacheHit bool
	Attempts int
}

// Invoker is the only path through which tools are executed. It layers param
// validation, result caching, a hard timeout and bounded retries on top of
// the registered execute function.
type Invoker struct {
	cache  cache.Cache
	logger *log.Logger
	sleep  func(time.Duration)
}

// NewInvoker creates an invoker backed by the given cache.
func NewInvoker(c cache.Cache, logger *log.Logger) *Invoker {
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	return &Invoker{cache: c, logger: logger, sleep: time.Sleep}
}

// Invoke validates params, consults the cache and executes the tool with the
// configured timeout and retry policy. Schema violations fail fast and are
// never retried.
func (iv *Invoker) Invoke(ctx context.Context, def Definition, params map[string]interface{}) (CallResult, error) {
	if err := validateParams(def, params); err != nil {
		return CallResult{}, err
	}

	key, err := cacheKey(def.Name, params)
	if err != nil {
		return CallResult{}, NewToolError(ErrCodeExecution, "building cache key: %v", err)
	}

	if iv.cache != nil && def.CacheTTL > 0 {
		if data, ok, err := iv.cache.Get(ctx, key); err != nil {
			iv.logger.Printf("cache get failed for %s: %v", def.Name, err)
		} else if ok {
			var value interface{}
			if err := json.Unmarshal(data, &value); err == nil {
				return CallResult{Value: value, CacheHit: true}, nil
			}
			iv.logger.Printf("discarding undecodable cache entry for %s", def.Name)
		}
	}

	var lastErr *ToolError
	attempts := 0
	maxAttempts := 1 + def.Retry.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		value, terr := iv.executeOnce(ctx, def, params)
		if terr == nil {
			iv.writeCache(ctx, def, key, value)
			return CallResult{Value: value, Attempts: attempts}, nil
		}
		lastErr = terr
		if !terr.Retryable || attempt == maxAttempts {
			break
		}
		iv.sleep(backoffFor(def.Retry, attempt))
	}
	return CallResult{Attempts: attempts}, lastErr
}

// executeOnce runs the tool under its hard timeout. The tool function is
// abandoned, not aborted, if it ignores cancellation.
func (iv *Invoker) executeOnce(ctx context.Context, def Definition, params map[string]interface{}) (interface{}, *ToolError) {
	execCtx := ctx
	cancel := func() {}
	if def.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := def.Execute(execCtx, params)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if terr, ok := out.err.(*ToolError); ok {
				return nil, terr
			}
			// the tool observed the per-tool deadline itself
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, NewToolError(ErrCodeTimeout, "tool %s exceeded %v", def.Name, def.Timeout)
			}
			return nil, NewToolError(ErrCodeExecution, "tool %s: %v", def.Name, out.err)
		}
		return out.value, nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// outer cancellation, not the per-tool deadline
			return nil, NonRetryable(NewToolError(ErrCodeExecution, "tool %s: %v", def.Name, ctx.Err()))
		}
		return nil, NewToolError(ErrCodeTimeout, "tool %s exceeded %v", def.Name, def.Timeout)
	}
}

func (iv *Invoker) writeCache(ctx context.Context, def Definition, key string, value interface{}) {
	if iv.cache == nil || def.CacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		iv.logger.Printf("cache marshal failed for %s: %v", def.Name, err)
		return
	}
	if err := iv.cache.Set(ctx, key, data, def.CacheTTL); err != nil {
		iv.logger.Printf("cache set failed for %s: %v", def.Name, err)
	}
}

func backoffFor(policy RetryPolicy, attempt int) time.Duration {
	base := policy.Backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if policy.Exponential {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
		}
		return d
	}
	return base * time.Duration(attempt)
}

// cacheKey builds a deterministic key from the tool name and params.
// json.Marshal sorts map keys, so equivalent param maps normalize equal.
func cacheKey(name string, params map[string]interface{}) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return name + ":" + string(data), nil
}

// validateParams checks required params and scalar types against the spec.
func validateParams(def Definition, params map[string]interface{}) *ToolError {
	for name, spec := range def.Params {
		v, present := params[name]
		if !present {
			if spec.Required {
				return NewToolError(ErrCodeInvalidParams, "tool %s: missing required param %q", def.Name, name)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			return NewToolError(ErrCodeInvalidParams, "tool %s: param %q expected %s, got %T", def.Name, name, spec.Type, v)
		}
		if len(spec.Enum) > 0 {
			s, _ := v.(string)
			if !contains(spec.Enum, s) {
				return NewToolError(ErrCodeInvalidParams, "tool %s: param %q must be one of %v", def.Name, name, spec.Enum)
			}
		}
	}
	for name := range params {
		if _, known := def.Params[name]; !known {
			return NewToolError(ErrCodeInvalidParams, "tool %s: unknown param %q", def.Name, name)
		}
	}
	return nil
}

func typeMatches(want string, v interface{}) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "":
		return true
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
