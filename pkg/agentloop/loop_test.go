package agentloop

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/localagent/localagent/pkg/approval"
	"github.com/localagent/localagent/pkg/audit"
	"github.com/localagent/localagent/pkg/config"
	"github.com/localagent/localagent/pkg/conversation"
	"github.com/localagent/localagent/pkg/gate"
	"github.com/localagent/localagent/pkg/model"
	"github.com/localagent/localagent/pkg/policy"
	"github.com/localagent/localagent/pkg/runrecord"
	"github.com/localagent/localagent/pkg/tool"
	"github.com/localagent/localagent/pkg/tool/builtin"
	"github.com/stretchr/testify/require"
)

// fakeTool is a minimal, side-effect-free tool.Tool used to exercise the
// loop's GATE/EXEC steps without touching the filesystem or a shell.
type fakeTool struct {
	name   string
	schema builtin.ParameterSchema
	execFn func(params map[string]any) (*builtin.Result, error)
}

func (f *fakeTool) Name() string                          { return f.name }
func (f *fakeTool) Description() string                   { return "test tool" }
func (f *fakeTool) Parameters() builtin.ParameterSchema    { return f.schema }
func (f *fakeTool) Execute(params map[string]any) (*builtin.Result, error) {
	return f.execFn(params)
}

func newEchoTool(name string) *fakeTool {
	return &fakeTool{
		name: name,
		schema: builtin.ParameterSchema{
			Type:       "object",
			Properties: map[string]builtin.PropertySchema{"path": {Type: "string"}},
			Required:   []string{"path"},
		},
		execFn: func(params map[string]any) (*builtin.Result, error) {
			return &builtin.Result{Success: true, Data: map[string]any{"path": params["path"]}}, nil
		},
	}
}

func toolCallArgs(id, name, args string) model.ToolCall {
	return model.ToolCall{ID: id, Type: "function", Function: model.FunctionCall{Name: name, Arguments: args}}
}

func assistantToolCallResponse(calls ...model.ToolCall) model.ChatResponse {
	return model.ChatResponse{
		Choices: []model.Choice{{Message: model.Message{Role: "assistant", ToolCalls: calls}, FinishReason: "tool_calls"}},
	}
}

func finalResponse(text string) model.ChatResponse {
	return model.ChatResponse{
		Choices: []model.Choice{{Message: model.Message{Role: "assistant", Content: text}, FinishReason: "stop"}},
	}
}

// newTestGate mirrors the helper in pkg/gate/gate_test.go: real, file-backed
// collaborators under t.TempDir() rather than mocks.
func newTestGate(t *testing.T, doc policy.Document, mode gate.Mode, scope gate.AutoApproveScope) (*gate.Gate, *audit.Log) {
	t.Helper()
	store, err := policy.New(doc)
	require.NoError(t, err)

	approvals, err := approval.Open(filepath.Join(t.TempDir(), "approvals.json"))
	require.NoError(t, err)

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), "test-run")
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	g := gate.New(gate.Config{
		Policy: store, Approvals: approvals, AuditLog: auditLog,
		Mode: mode, AutoApproveScope: scope, WorkdirRoot: t.TempDir(),
	})
	return g, auditLog
}

func conversationWithGoal(runID, goal string) *conversation.Conversation {
	conv := conversation.New(runID)
	conv.AddUserMessage(goal)
	return conv
}

func testBudgets() config.Budgets {
	b := config.DefaultBudgets()
	b.WallClockDeadline = time.Minute
	b.PerNodeRetries = 0
	return b
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	provider := model.NewFakeProvider("fake", finalResponse("done, nothing to do"))
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, gate.ModeAuto, gate.ScopeRun)

	loop := New(Config{
		Provider: provider, SystemPrompt: "be helpful",
		Registry: tool.NewEmptyRegistry(), Gate: g, Budgets: testBudgets(),
	})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-1", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	require.Empty(t, rec.ToolDecisions)
}

func TestRunExecutesAllowedToolThenCompletes(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("read_file"))

	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "read_file", `{"path":"a.txt"}`)),
		finalResponse("read it, done"),
	)
	g, _ := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionDeny,
		Rules: []policy.Rule{{ID: "allow-read", Tool: "read_file", Decision: policy.DecisionAllow}},
	}, gate.ModeInterrupt, gate.ScopeRun)

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Budgets: testBudgets()})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-2", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	require.Len(t, rec.ToolDecisions, 1)
	require.Equal(t, "allow", rec.ToolDecisions[0].Decision)
	require.NotNil(t, rec.ToolDecisions[0].Success)
	require.True(t, *rec.ToolDecisions[0].Success)
}

func TestRunDeniedToolFeedsBackErrorAndCompletes(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("shell"))

	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "shell", `{"path":"rm -rf /"}`)),
		finalResponse("acknowledged the denial"),
	)
	g, _ := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionDeny,
		Rules: []policy.Rule{{ID: "deny-shell", Tool: "shell", Decision: policy.DecisionDeny}},
	}, gate.ModeInterrupt, gate.ScopeRun)

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Budgets: testBudgets()})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-3", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	require.Len(t, rec.ToolDecisions, 1)
	require.Equal(t, "deny", rec.ToolDecisions[0].Decision)
	require.Equal(t, "deny-shell", rec.ToolDecisions[0].RuleID)
}

// stubApprover grants or denies every request deterministically, recording
// how many times it was invoked.
type stubApprover struct {
	grant bool
	calls int
}

func (s *stubApprover) Resolve(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	s.calls++
	return ApprovalResponse{Granted: s.grant, MaxUses: 1}, nil
}

func TestRunInterruptModeGrantedApprovalExecutesTool(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("write_file"))

	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "write_file", `{"path":"notes.txt"}`)),
		finalResponse("wrote it"),
	)
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionRequireApproval}, gate.ModeInterrupt, gate.ScopeRun)
	approver := &stubApprover{grant: true}

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Approvals: approver, Budgets: testBudgets()})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-4", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	require.Equal(t, 1, approver.calls)
	require.Len(t, rec.ToolDecisions, 1)
	require.Equal(t, "allow", rec.ToolDecisions[0].Decision)
	require.False(t, rec.ToolDecisions[0].Auto)
}

func TestRunInterruptModeDeniedApprovalFeedsBackError(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("write_file"))

	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "write_file", `{"path":"notes.txt"}`)),
		finalResponse("ok, skipping"),
	)
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionRequireApproval}, gate.ModeInterrupt, gate.ScopeRun)
	approver := &stubApprover{grant: false}

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Approvals: approver, Budgets: testBudgets()})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-5", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	require.Equal(t, 1, approver.calls)
	require.Len(t, rec.ToolDecisions, 1)
	require.Equal(t, "deny", rec.ToolDecisions[0].Decision)
}

func TestRunModeFailApprovalRequiredTerminatesRunAsApprovalDenied(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("write_file"))

	// The planner would keep going if given the chance, but ModeFail denies
	// the very first approval-required call with no operator prompt, and
	// that denial must end the run rather than be fed back as a retryable
	// tool error.
	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "write_file", `{"path":"notes.txt"}`)),
		finalResponse("should never be reached"),
	)
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionRequireApproval}, gate.ModeFail, gate.ScopeRun)

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Budgets: testBudgets()})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-fail-1", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitApprovalDenied, rec.ExitReason.Kind)
	require.Len(t, rec.ToolDecisions, 1)
	require.Equal(t, "deny", rec.ToolDecisions[0].Decision)
}

func TestRunBudgetExceededOnMaxTurns(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("read_file"))

	// Every turn requests one more allowed tool call and never completes, so
	// the run must be stopped by the turn budget rather than running forever.
	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "read_file", `{"path":"a.txt"}`)),
		assistantToolCallResponse(toolCallArgs("call-2", "read_file", `{"path":"b.txt"}`)),
	)
	g, _ := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionDeny,
		Rules: []policy.Rule{{ID: "allow-read", Tool: "read_file", Decision: policy.DecisionAllow}},
	}, gate.ModeInterrupt, gate.ScopeRun)

	budgets := testBudgets()
	budgets.MaxTurns = 2
	budgets.MaxToolCalls = 100

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Budgets: budgets})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-6", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitBudgetExceeded, rec.ExitReason.Kind)
	require.Equal(t, "turns", rec.ExitReason.Detail)
	require.Len(t, rec.ToolDecisions, 2)
}

func TestRunBudgetExceededOnMaxToolCalls(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("read_file"))

	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(
			toolCallArgs("call-1", "read_file", `{"path":"a.txt"}`),
			toolCallArgs("call-2", "read_file", `{"path":"b.txt"}`),
		),
	)
	g, _ := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionDeny,
		Rules: []policy.Rule{{ID: "allow-read", Tool: "read_file", Decision: policy.DecisionAllow}},
	}, gate.ModeInterrupt, gate.ScopeRun)

	budgets := testBudgets()
	budgets.MaxToolCalls = 1
	budgets.MaxTurns = 100

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Budgets: budgets})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-7", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitBudgetExceeded, rec.ExitReason.Kind)
	require.Equal(t, "tool_calls", rec.ExitReason.Detail)
	require.Len(t, rec.ToolDecisions, 1)
}

func TestRunSchemaViolationRetriesFreeThenCompletes(t *testing.T) {
	registry := tool.NewEmptyRegistry()
	registry.Register(newEchoTool("read_file"))

	// The only tool call omits the required "path" argument (schema_violation,
	// free under SchemaRepairRetries); the planner then answers without a
	// tool call and the run completes.
	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "read_file", `{}`)),
		finalResponse("fixed it"),
	)
	g, _ := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionDeny,
		Rules: []policy.Rule{{ID: "allow-read", Tool: "read_file", Decision: policy.DecisionAllow}},
	}, gate.ModeInterrupt, gate.ScopeRun)

	budgets := testBudgets()
	budgets.SchemaRepairRetries = 3

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Budgets: budgets})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-8", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	// The schema failure never reached the gate, so it produced no ToolDecision
	// and did not consume a tool-call budget unit.
	require.Empty(t, rec.ToolDecisions)
}

func TestRunUnknownToolNameIsSchemaViolationNotCrash(t *testing.T) {
	registry := tool.NewEmptyRegistry()

	provider := model.NewFakeProvider("fake",
		assistantToolCallResponse(toolCallArgs("call-1", "does_not_exist", `{}`)),
		finalResponse("gave up on that tool"),
	)
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, gate.ModeAuto, gate.ScopeRun)

	loop := New(Config{Provider: provider, Registry: registry, Gate: g, Budgets: testBudgets()})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-9", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	require.Empty(t, rec.ToolDecisions)
}

func TestRunCancelledBeforeFirstTurn(t *testing.T) {
	provider := model.NewFakeProvider("fake", finalResponse("never reached"))
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, gate.ModeAuto, gate.ScopeRun)

	loop := New(Config{Provider: provider, Registry: tool.NewEmptyRegistry(), Gate: g, Budgets: testBudgets()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := loop.Run(ctx, RunInput{RunID: "run-10", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCancelled, rec.ExitReason.Kind)
}

func TestRunProviderFailureIsReportedNotReturnedAsError(t *testing.T) {
	// Zero scripted steps: the very first ChatCompletion call exhausts the
	// script and returns a non-retryable error.
	provider := model.NewFakeProvider("fake")
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, gate.ModeAuto, gate.ScopeRun)

	loop := New(Config{Provider: provider, Registry: tool.NewEmptyRegistry(), Gate: g, Budgets: testBudgets()})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-11", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitProviderFailed, rec.ExitReason.Kind)
	require.Contains(t, rec.ExitReason.Detail, "script exhausted")
}

func TestRunWritesRunRecordWhenWriterConfigured(t *testing.T) {
	dir := t.TempDir()
	writer := runrecord.NewWriter(dir)

	provider := model.NewFakeProvider("fake", finalResponse("done"))
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, gate.ModeAuto, gate.ScopeRun)

	loop := New(Config{Provider: provider, Registry: tool.NewEmptyRegistry(), Gate: g, Budgets: testBudgets(), RunWriter: writer})

	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-12", ProviderID: "fake", Model: "m"})
	require.NoError(t, err)

	got, err := runrecord.Read(dir, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, rec.ExitReason, got.ExitReason)
}

func TestRunSeededConversationIsPreservedAndExtended(t *testing.T) {
	provider := model.NewFakeProvider("fake", finalResponse("continuing"))
	g, _ := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, gate.ModeAuto, gate.ScopeRun)

	loop := New(Config{Provider: provider, SystemPrompt: "be helpful", Registry: tool.NewEmptyRegistry(), Gate: g, Budgets: testBudgets()})

	conv := conversationWithGoal("run-13", "summarize the repo")
	rec, err := loop.Run(context.Background(), RunInput{RunID: "run-13", ProviderID: "fake", Model: "m", Conversation: conv})
	require.NoError(t, err)
	require.Equal(t, runrecord.ExitCompleted, rec.ExitReason.Kind)
	// A pre-seeded conversation already has messages, so the loop's
	// system-prompt injection (which only fires on an empty conversation)
	// is skipped; the seeded user message must still survive alongside the
	// assistant's final reply.
	require.Len(t, rec.Conversation, 2)
	require.Equal(t, "user", rec.Conversation[0].Role)
	require.Equal(t, "assistant", rec.Conversation[1].Role)
}
