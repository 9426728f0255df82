package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 30 * time.Second

// Executor handles tool execution with input validation and timeouts
type Executor struct {
	registry  *Registry
	validator *Validator
	timeout   time.Duration
}

// NewExecutor creates a new tool executor
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry:  registry,
		validator: NewValidator(),
		timeout:   DefaultTimeout,
	}
}

// SetTimeout sets the per-call execution timeout
func (e *Executor) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		e.timeout = timeout
	}
}

// Registry returns the registry the executor draws tools from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Call is a request to execute a tool
type Call struct {
	ID       string
	ToolName string
	Input    json.RawMessage
}

// Result is the outcome of one tool call
type Result struct {
	Call     Call
	Output   string
	Err      error
	Duration time.Duration
}

// Execute executes a single tool call. Failures are reported in the result
// rather than returned so the model can see and react to them.
func (e *Executor) Execute(ctx context.Context, call Call) *Result {
	start := time.Now()
	result := &Result{Call: call}

	t, ok := e.registry.Get(call.ToolName)
	if !ok {
		result.Err = fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)
		return result
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := e.validator.ValidateInput(t.InputSchema(), input); err != nil {
		result.Err = fmt.Errorf("invalid input for %s: %w", call.ToolName, err)
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result.Output, result.Err = t.Execute(execCtx, input)
	result.Duration = time.Since(start)

	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Err = fmt.Errorf("tool execution timeout after %v", e.timeout)
	case ctx.Err() != nil:
		result.Err = fmt.Errorf("tool execution canceled: %w", ctx.Err())
	}

	return result
}

// ExecuteAll runs calls concurrently and returns results in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []Call) []*Result {
	results := make([]*Result, len(calls))

	// Failures live in each Result, so the group never cancels siblings.
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}
