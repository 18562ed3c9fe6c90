package tool

import (
	"fmt"
	"runtime/debug"

	"github.com/localagent/localagent/pkg/tool/builtin"
)

// PanicRecovery is the innermost safety net cmd/localagent always registers
// on its Registry, even with gate.unsafe set (Registry itself wires only
// its telemetry middleware): a builtin or MCP-backed tool that panics must not take
// down the whole AgentLoop run. The panic is converted into a failed
// builtin.Result tagged error_kind=executor_fatal — the same closed
// per-call taxonomy value a non-retryable executor error would get from
// agentloop.classifyExecutorError — so a panicking tool looks like any
// other fatal failure to the planner and to anything observing
// EventToolResult, not like a crash.
func PanicRecovery() Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (result *builtin.Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					if ctx != nil {
						if ctx.Metadata == nil {
							ctx.Metadata = map[string]any{}
						}
						ctx.Metadata["panic_stack"] = string(debug.Stack())
						ctx.Metadata["panic_value"] = fmt.Sprintf("%v", r)
						ctx.Metadata["error_kind"] = "executor_fatal"
					}
					name := "tool"
					if ctx != nil && ctx.ToolName != "" {
						name = fmt.Sprintf("tool %s", ctx.ToolName)
					}
					err = fmt.Errorf("%s panicked during execution", name)
					result = &builtin.Result{Success: false, Error: err.Error()}
				}
			}()
			return next(ctx)
		}
	}
}
