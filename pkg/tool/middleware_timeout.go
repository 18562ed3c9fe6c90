package tool

import (
	"context"
	"time"

	"github.com/localagent/localagent/pkg/tool/builtin"
)

// Timeout bounds one tool call's wall-clock budget (spec §4.6's
// per_tool_timeout_ms), applying a per-tool override when perTool names the
// call's tool, falling back to defaultTimeout otherwise. A call that trips
// the deadline is tagged error_kind=executor_timeout in ExecutionContext's
// Metadata before the wrapped Executor's error propagates, so the
// telemetry event published for it carries the same classification
// agentloop.Loop's own retry/budget accounting would otherwise derive only
// after the fact.
func Timeout(defaultTimeout time.Duration, perTool map[string]time.Duration) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*builtin.Result, error) {
			if ctx == nil {
				return next(ctx)
			}
			timeout := defaultTimeout
			if perTool != nil {
				if t, ok := perTool[ctx.ToolName]; ok {
					timeout = t
				}
			}
			if timeout <= 0 {
				return next(ctx)
			}

			base := ctx.Context
			if base == nil {
				base = context.Background()
			}
			timeoutCtx, cancel := context.WithTimeout(base, timeout)
			defer cancel()

			ctx.Context = timeoutCtx
			result, err := next(ctx)
			if timeoutCtx.Err() == context.DeadlineExceeded {
				if ctx.Metadata == nil {
					ctx.Metadata = map[string]any{}
				}
				ctx.Metadata["error_kind"] = "executor_timeout"
				ctx.Metadata["timeout_ms"] = timeout.Milliseconds()
			}
			return result, err
		}
	}
}
