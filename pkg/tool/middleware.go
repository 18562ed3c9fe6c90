package tool

import (
	"context"
	"time"

	"github.com/localagent/localagent/pkg/tool/builtin"
)

// ExecutionContext carries one proposed tool call through the middleware
// chain Registry builds around baseExecutor. It is constructed once per
// ExecuteWithContext call and mutated in place by each middleware — a
// ToolGate decision has already been made by the time a call reaches here
// (see pkg/gate), so everything below exists to enforce the execution-side
// half of spec §4.6: timeouts, panic containment, argument validation, and
// result-size limits, not policy.
type ExecutionContext struct {
	Context   context.Context
	ToolName  string
	Tool      Tool
	SessionID string
	CallID    string
	Params    map[string]any
	StartTime time.Time
	Attempt   int

	// Metadata accumulates side-channel facts a middleware wants surfaced
	// in the EventToolResult telemetry event without changing the
	// builtin.Result payload itself. The "error_kind" key, when set, should
	// hold one of agentloop's ToolErrorKind wire values
	// (executor_timeout, executor_fatal, schema_violation, ...).
	Metadata map[string]any
}

// Executor runs one tool call to completion (or failure) given its
// ExecutionContext.
type Executor func(ctx *ExecutionContext) (*builtin.Result, error)

// Middleware wraps an Executor with additional behavior — a timeout, a
// panic boundary, argument validation, output truncation — without the
// wrapped Executor needing to know it is wrapped.
type Middleware func(next Executor) Executor

// ContextTool is the optional interface a builtin or MCP-backed Tool
// implements when it can honor ctx cancellation/deadlines directly, instead
// of running to completion regardless of the caller's Context.
type ContextTool interface {
	ExecuteWithContext(ctx context.Context, params map[string]any) (*builtin.Result, error)
}

// Chain composes middlewares into one Middleware, outermost first: the
// first entry sees the call before any other and the last entry sees it
// immediately before final (the Registry's baseExecutor). Registry always
// puts its own telemetry middleware first; everything Use registers rides
// inside that.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Executor) Executor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
