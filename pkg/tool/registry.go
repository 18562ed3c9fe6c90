package tool

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/localagent/localagent/pkg/sandbox"
	"github.com/localagent/localagent/pkg/telemetry"
	"github.com/localagent/localagent/pkg/tool/builtin"
)

// ToolCallIDParam carries a stable call ID through params for telemetry/audit correlation.
const ToolCallIDParam = "__localagent_tool_call_id"

// Registry holds the tool catalog the agent loop draws from: the fixed
// built-in set plus whatever MCP-imported tools are registered at run
// start. It only executes tools; policy and approval decisions live in
// the gate package, consulted by the caller before Execute is reached.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	middlewares []Middleware
	executor    Executor

	telemetryHub     *telemetry.Hub
	telemetrySession string
}

type registryOptions struct {
	builtinFilter func(Tool) bool
}

// RegistryOption configures registry construction.
type RegistryOption func(*registryOptions)

// WithBuiltinFilter allows callers to filter built-in tools during registry construction.
func WithBuiltinFilter(filter func(Tool) bool) RegistryOption {
	return func(opts *registryOptions) {
		opts.builtinFilter = filter
	}
}

// NewEmptyRegistry creates a registry with no tools registered.
func NewEmptyRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.rebuildExecutor()
	return r
}

// NewRegistry creates a registry pre-populated with the built-in catalog:
// list_dir, read_file, write_file, shell, apply_patch.
func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := registryOptions{}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Registry{tools: make(map[string]Tool)}
	r.registerBuiltins(cfg)
	r.rebuildExecutor()
	return r
}

func (r *Registry) registerBuiltins(cfg registryOptions) {
	register := func(t Tool) {
		if cfg.builtinFilter == nil || cfg.builtinFilter(t) {
			r.Register(t)
		}
	}
	register(&builtin.ListDirectoryTool{})
	register(&builtin.ReadFileTool{})
	register(&builtin.WriteFileTool{})
	register(&builtin.ShellCommandTool{})
	register(&builtin.PatchFileTool{})
}

// SetWorkDir configures a base working directory for tools that support it.
func (r *Registry) SetWorkDir(workDir string) {
	if r == nil {
		return
	}
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return
	}
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}
	workDir = filepath.Clean(workDir)
	for _, t := range r.snapshotTools() {
		if setter, ok := t.(interface{ SetWorkDir(string) }); ok {
			setter.SetWorkDir(workDir)
		}
	}
}

// SetEnv configures environment variable overrides for tools that support it.
func (r *Registry) SetEnv(env map[string]string) {
	if r == nil || len(env) == 0 {
		return
	}
	for _, t := range r.snapshotTools() {
		if setter, ok := t.(interface{ SetEnv(map[string]string) }); ok {
			setter.SetEnv(env)
		}
	}
}

// SetMaxFileSizeBytes configures a per-tool file size limit.
func (r *Registry) SetMaxFileSizeBytes(max int64) {
	if r == nil {
		return
	}
	for _, t := range r.snapshotTools() {
		if setter, ok := t.(interface{ SetMaxFileSizeBytes(int64) }); ok {
			setter.SetMaxFileSizeBytes(max)
		}
	}
}

// SetMaxExecTimeSeconds configures a per-tool execution time limit.
func (r *Registry) SetMaxExecTimeSeconds(seconds int32) {
	if r == nil {
		return
	}
	for _, t := range r.snapshotTools() {
		if setter, ok := t.(interface{ SetMaxExecTimeSeconds(int32) }); ok {
			setter.SetMaxExecTimeSeconds(seconds)
		}
	}
}

// SetMaxOutputBytes configures the built-in output cap (spec's
// BuiltinOutputCapBytes). MCP tools are not workDirAware, so this setter
// does not reach them; their output is capped only by a ResultSizeLimit
// middleware registered with Use.
func (r *Registry) SetMaxOutputBytes(max int) {
	if r == nil {
		return
	}
	for _, t := range r.snapshotTools() {
		if setter, ok := t.(interface{ SetMaxOutputBytes(int) }); ok {
			setter.SetMaxOutputBytes(max)
		}
	}
}

// SetSandboxConfig configures command sandboxing for tools that support it.
func (r *Registry) SetSandboxConfig(cfg sandbox.Config) {
	if r == nil {
		return
	}
	for _, t := range r.snapshotTools() {
		if setter, ok := t.(interface{ SetSandboxConfig(sandbox.Config) }); ok {
			setter.SetSandboxConfig(cfg)
		}
	}
}

// EnableTelemetry wires ToolInvoked/ToolResult events to an event sink.
func (r *Registry) EnableTelemetry(hub *telemetry.Hub, sessionID string) {
	r.telemetryHub = hub
	r.telemetrySession = sessionID
}

// Register adds or replaces a tool in the catalog (used for built-ins at
// construction and for MCP-imported tools after a server connects).
func (r *Registry) Register(t Tool) {
	if r == nil || t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Remove unregisters a tool by name.
func (r *Registry) Remove(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// RemoveServer drops every tool namespaced mcp.<server>.* (used when a
// server disconnects or its catalog is refreshed).
func (r *Registry) RemoveServer(serverName string) {
	if r == nil {
		return
	}
	prefix := fmt.Sprintf("mcp.%s.", serverName)
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	return r.snapshotTools()
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Use registers a middleware on the registry, outermost call first.
func (r *Registry) Use(mw Middleware) {
	if r == nil || mw == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
	r.rebuildExecutorLocked()
}

// Execute runs a tool by name using a background context. Callers that
// need gate enforcement or audit logging must consult those components
// before calling Execute; the registry itself only runs tools.
func (r *Registry) Execute(name string, params map[string]any) (*builtin.Result, error) {
	return r.ExecuteWithContext(context.Background(), name, params)
}

// ExecuteWithContext executes a tool by name with the given context.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, params map[string]any) (*builtin.Result, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	execCtx := &ExecutionContext{
		Context:   ctx,
		ToolName:  name,
		Tool:      t,
		SessionID: r.telemetrySession,
		CallID:    toolCallIDFromParams(params),
		Params:    params,
		StartTime: time.Now(),
		Attempt:   1,
		Metadata:  make(map[string]any),
	}
	exec := r.executorForCall()
	if exec == nil {
		return nil, fmt.Errorf("tool executor not initialized")
	}
	return exec(execCtx)
}

func (r *Registry) executorForCall() Executor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	exec := r.executor
	r.mu.RUnlock()
	if exec != nil {
		return exec
	}
	r.rebuildExecutor()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executor
}

func (r *Registry) rebuildExecutor() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildExecutorLocked()
}

func (r *Registry) rebuildExecutorLocked() {
	base := r.baseExecutor()
	middlewares := make([]Middleware, 0, len(r.middlewares)+1)
	middlewares = append(middlewares, r.telemetryMiddleware())
	middlewares = append(middlewares, r.middlewares...)
	r.executor = Chain(middlewares...)(base)
}

func (r *Registry) baseExecutor() Executor {
	return func(ctx *ExecutionContext) (*builtin.Result, error) {
		if ctx == nil {
			return nil, fmt.Errorf("execution context required")
		}
		name := strings.TrimSpace(ctx.ToolName)
		if name == "" {
			return nil, fmt.Errorf("tool name cannot be empty")
		}
		t := ctx.Tool
		if t == nil {
			var ok bool
			t, ok = r.Get(name)
			if !ok {
				return nil, fmt.Errorf("tool not found: %s", name)
			}
			ctx.Tool = t
		}
		params := ctx.Params
		if params == nil {
			params = map[string]any{}
			ctx.Params = params
		}
		if strings.TrimSpace(ctx.CallID) == "" {
			ctx.CallID = toolCallIDFromParams(params)
		}
		if ctx.StartTime.IsZero() {
			ctx.StartTime = time.Now()
		}
		if ctx.Context != nil {
			if err := ctx.Context.Err(); err != nil {
				return nil, err
			}
		}
		if ctxTool, ok := t.(ContextTool); ok {
			execCtx := ctx.Context
			if execCtx == nil {
				execCtx = context.Background()
			}
			return ctxTool.ExecuteWithContext(execCtx, params)
		}
		return t.Execute(params)
	}
}

func (r *Registry) telemetryMiddleware() Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*builtin.Result, error) {
			r.publishToolEvent(telemetry.EventToolInvoked, ctx, nil, nil)
			res, err := next(ctx)
			r.publishToolEvent(telemetry.EventToolResult, ctx, res, err)
			return res, err
		}
	}
}

func (r *Registry) publishToolEvent(eventType telemetry.EventType, ctx *ExecutionContext, res *builtin.Result, err error) {
	if r.telemetryHub == nil || ctx == nil {
		return
	}
	payload := map[string]any{"tool": ctx.ToolName, "attempt": ctx.Attempt}
	if res != nil {
		payload["success"] = res.Success
		if res.Error != "" {
			payload["error"] = res.Error
		}
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	// A wrapping middleware (Timeout, PanicRecovery, Validation) tags
	// ctx.Metadata with the per-call error_kind it observed, mirroring
	// agentloop.ToolErrorKind's wire values, so an operator watching the
	// event stream sees why a call failed without waiting for the loop's
	// own classification pass.
	if kind, ok := ctx.Metadata["error_kind"].(string); ok && kind != "" {
		payload["error_kind"] = kind
	}
	if v, ok := ctx.Metadata["validation_error"]; ok {
		payload["validation_error"] = v
	}
	r.telemetryHub.Publish(telemetry.Event{
		Type:      eventType,
		SessionID: r.telemetrySession,
		TaskID:    ctx.CallID,
		Timestamp: time.Now(),
		Data:      payload,
	})
}

// ToOpenAIFunctions converts all tools to OpenAI function calling format.
func (r *Registry) ToOpenAIFunctions() []map[string]any {
	tools := r.snapshotTools()
	functions := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		functions = append(functions, ToOpenAIFunction(t))
	}
	return functions
}

// ToOpenAIFunctionsFiltered converts only allowed tools to OpenAI function format.
// If allowed is empty, all tools are returned.
func (r *Registry) ToOpenAIFunctionsFiltered(allowed []string) []map[string]any {
	if len(allowed) == 0 {
		return r.ToOpenAIFunctions()
	}
	tools := r.snapshotTools()
	functions := make([]map[string]any, 0, len(allowed))
	for _, t := range tools {
		if IsToolAllowed(t.Name(), allowed) {
			functions = append(functions, ToOpenAIFunction(t))
		}
	}
	return functions
}

// IsToolAllowed reports whether name appears in the allowed list.
func IsToolAllowed(name string, allowed []string) bool {
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

func (r *Registry) snapshotTools() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

func toolCallIDFromParams(params map[string]any) string {
	if params != nil {
		if raw, ok := params[ToolCallIDParam]; ok {
			if s := strings.TrimSpace(fmt.Sprintf("%v", raw)); s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return ulid.Make().String()
}

// BuildUnifiedDiff renders a unified diff between old and new file content,
// suitable as a human-readable preview for a write_file/apply_patch approval
// prompt. The gate's approval prompts do not call it.
func BuildUnifiedDiff(path, from, to string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
