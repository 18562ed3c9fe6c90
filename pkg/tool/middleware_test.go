package tool

import (
	"context"
	"testing"
	"time"

	"github.com/localagent/localagent/pkg/tool/builtin"
	"github.com/stretchr/testify/require"
)

func TestChainRunsOutermostFirst(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Executor) Executor {
			return func(ctx *ExecutionContext) (*builtin.Result, error) {
				order = append(order, name)
				return next(ctx)
			}
		}
	}
	base := func(ctx *ExecutionContext) (*builtin.Result, error) {
		order = append(order, "base")
		return &builtin.Result{Success: true}, nil
	}

	exec := Chain(mark("outer"), mark("inner"))(base)
	_, err := exec(&ExecutionContext{})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "base"}, order)
}

func TestTimeoutTagsDeadlineExceededAsExecutorTimeout(t *testing.T) {
	next := func(ctx *ExecutionContext) (*builtin.Result, error) {
		<-ctx.Context.Done()
		return nil, ctx.Context.Err()
	}
	exec := Timeout(10*time.Millisecond, nil)(next)

	ctx := &ExecutionContext{Context: context.Background(), ToolName: "shell"}
	_, err := exec(ctx)
	require.Error(t, err)
	require.Equal(t, "executor_timeout", ctx.Metadata["error_kind"])
}

func TestTimeoutPerToolOverrideWins(t *testing.T) {
	var sawDeadline bool
	next := func(ctx *ExecutionContext) (*builtin.Result, error) {
		_, sawDeadline = ctx.Context.Deadline()
		return &builtin.Result{Success: true}, nil
	}
	exec := Timeout(0, map[string]time.Duration{"shell": time.Second})(next)

	_, err := exec(&ExecutionContext{Context: context.Background(), ToolName: "shell"})
	require.NoError(t, err)
	require.True(t, sawDeadline)
}

func TestPanicRecoveryConvertsPanicToExecutorFatal(t *testing.T) {
	next := func(ctx *ExecutionContext) (*builtin.Result, error) {
		panic("boom")
	}
	exec := PanicRecovery()(next)

	ctx := &ExecutionContext{ToolName: "shell"}
	result, err := exec(ctx)
	require.Error(t, err)
	require.NotNil(t, result)
	require.False(t, result.Success)
	require.Equal(t, "executor_fatal", ctx.Metadata["error_kind"])
	require.NotEmpty(t, ctx.Metadata["panic_stack"])
}

func TestValidationRejectsEscapingPathAsSchemaViolation(t *testing.T) {
	cfg := ValidationConfig{Rules: []ValidationRule{
		{Tool: "read_file", Param: "path", Validate: ValidatePath("/workdir")},
	}}
	exec := Validation(cfg, nil)(func(ctx *ExecutionContext) (*builtin.Result, error) {
		return &builtin.Result{Success: true}, nil
	})

	ctx := &ExecutionContext{ToolName: "read_file", Params: map[string]any{"path": "../../etc/passwd"}}
	result, err := exec(ctx)
	require.Error(t, err)
	require.False(t, result.Success)
	require.Equal(t, "schema_violation", ctx.Metadata["error_kind"])
}

func TestValidationAllowsPathWithinBaseDir(t *testing.T) {
	cfg := ValidationConfig{Rules: []ValidationRule{
		{Tool: "read_file", Param: "path", Validate: ValidatePath("/workdir")},
	}}
	called := false
	exec := Validation(cfg, nil)(func(ctx *ExecutionContext) (*builtin.Result, error) {
		called = true
		return &builtin.Result{Success: true}, nil
	})

	ctx := &ExecutionContext{ToolName: "read_file", Params: map[string]any{"path": "notes.txt"}}
	_, err := exec(ctx)
	require.NoError(t, err)
	require.True(t, called)
}

func TestValidationIgnoresToolsNotMatchingRule(t *testing.T) {
	cfg := ValidationConfig{Rules: []ValidationRule{
		{Tool: "write_file", Param: "path", Validate: ValidatePath("/workdir")},
	}}
	called := false
	exec := Validation(cfg, nil)(func(ctx *ExecutionContext) (*builtin.Result, error) {
		called = true
		return &builtin.Result{Success: true}, nil
	})

	ctx := &ExecutionContext{ToolName: "shell", Params: map[string]any{"path": "../../etc/passwd"}}
	_, err := exec(ctx)
	require.NoError(t, err)
	require.True(t, called)
}
