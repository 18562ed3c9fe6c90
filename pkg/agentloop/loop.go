// Package agentloop implements the AgentLoop supervisory controller
// described in spec §4.6: the PLAN -> GATE -> EXEC -> OBSERVE -> PLAN |
// FINALIZE state machine that issues planner steps, enforces budgets,
// consults the ToolGate, routes tool invocations through the ToolRegistry,
// and commits a RunRecord on exit.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/localagent/localagent/pkg/audit"
	"github.com/localagent/localagent/pkg/config"
	"github.com/localagent/localagent/pkg/conversation"
	"github.com/localagent/localagent/pkg/gate"
	"github.com/localagent/localagent/pkg/model"
	"github.com/localagent/localagent/pkg/runrecord"
	"github.com/localagent/localagent/pkg/telemetry"
	"github.com/localagent/localagent/pkg/tool"
	"github.com/localagent/localagent/pkg/tool/builtin"
)

// ToolErrorKind is one member of the closed per-call error taxonomy (spec
// §7). Per-call errors never terminate the loop; they are fed back into the
// conversation as a tool-result message the planner can react to.
type ToolErrorKind string

const (
	ErrSchemaViolation   ToolErrorKind = "schema_violation"
	ErrDenied            ToolErrorKind = "denied"
	ErrExecutorTimeout   ToolErrorKind = "executor_timeout"
	ErrExecutorTransient ToolErrorKind = "executor_transient"
	ErrExecutorFatal     ToolErrorKind = "executor_fatal"
	ErrOutputTooLarge    ToolErrorKind = "output_too_large_truncated"
)

// toolError is the JSON shape fed back into the conversation as a
// tool-result message whenever a proposed call does not run to a normal
// success.
type toolError struct {
	Kind   ToolErrorKind `json:"kind"`
	Reason string        `json:"reason"`
	RuleID string        `json:"rule_id,omitempty"`
}

// EventSink is the external lifecycle-event observer (spec §1). It never
// drives control; the loop publishes to it and moves on. telemetry.Hub
// satisfies this interface.
type EventSink interface {
	Publish(telemetry.Event)
}

// ApprovalRequest is what the loop hands an ApprovalResolver at the
// interrupt-mode suspension point described in spec §4.3/§5.
type ApprovalRequest struct {
	RunID       string
	Tool        string
	Args        map[string]any
	Fingerprint string
	Prompt      string
}

// ApprovalResponse is the operator's answer to an ApprovalRequest.
type ApprovalResponse struct {
	Granted bool
	TTL     time.Duration
	MaxUses int
}

// ApprovalResolver is the suspension point spec §9 describes: cancelable,
// ordered, and independent of any specific concurrency runtime. When the
// gate returns RequireApproval under ModeInterrupt, the loop awaits exactly
// one ApprovalResolver.Resolve call before proceeding.
type ApprovalResolver interface {
	Resolve(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// Config bundles every collaborator and immutable run-scoped setting the
// loop needs. None of these are process-wide singletons (spec §9): each
// Loop is bound to one run's Gate, Registry, AuditLog, and EventSink.
type Config struct {
	Provider     model.Provider
	SystemPrompt string
	Registry     *tool.Registry
	Gate         *gate.Gate
	AuditLog     *audit.Log
	EventSink    EventSink
	Approvals    ApprovalResolver
	Budgets      config.Budgets
	RunWriter    *runrecord.Writer
	WorkdirRoot  string

	// RetryableTools names the built-in/MCP tools for which executor_transient
	// failures are retried, bounded by Budgets.PerNodeRetries. Absent from
	// this set, or a nil/empty set entirely, disables tool-execution retries
	// per spec's "disabled by default" (§4.6).
	RetryableTools map[string]bool
}

// Loop is the AgentLoop supervisory controller.
type Loop struct {
	cfg     Config
	schema  *schemaValidator
	context *conversation.ContextBuilder
}

// New constructs a Loop from its collaborators. Budgets are copied in and
// never mutated for the lifetime of a run. The loop carries its own
// ContextBuilder (no Compactor: asynchronous compaction is out of scope
// here) purely to keep each PLAN call's message history under
// Budgets.ContextBudgetTokens.
func New(cfg Config) *Loop {
	return &Loop{cfg: cfg, schema: newSchemaValidator(), context: conversation.NewContextBuilder(nil)}
}

// RunInput is everything distinguishing one run from another: identity,
// the seeded (or empty) conversation, and the hashes that round out the
// RunRecord alongside what the Gate itself can report.
type RunInput struct {
	RunID             string
	ProviderID        string
	Model             string
	Conversation      *conversation.Conversation
	ConfigFingerprint string
	MCPCatalogHash    string
}

// runState accumulates the mutable counters and logs a single Run produces.
// It is never shared across runs.
type runState struct {
	turns         int
	toolCalls     int
	toolDecisions []runrecord.ToolDecision
	schemaRetries map[string]int
}

// Run executes the full PLAN/GATE/EXEC/OBSERVE/FINALIZE state machine for
// one run and commits the resulting RunRecord. The returned error is
// non-nil only for conditions the loop itself cannot recover from (e.g. a
// RunRecord that fails to serialize); every ordinary outcome — including
// every failure mode in the ExitReason taxonomy — is reported via the
// returned RunRecord's ExitReason field, not via error.
func (l *Loop) Run(ctx context.Context, in RunInput) (runrecord.RunRecord, error) {
	runID := in.RunID
	if runID == "" {
		runID = runrecord.NewRunID()
	}
	conv := in.Conversation
	if conv == nil {
		conv = conversation.New(runID)
	}
	if l.cfg.SystemPrompt != "" && len(conv.Messages) == 0 {
		conv.AddSystemMessage(l.cfg.SystemPrompt)
	}

	startedAt := time.Now()
	deadline := startedAt.Add(l.cfg.Budgets.WallClockDeadline)

	l.emit(telemetry.Event{Type: telemetry.EventRunStarted, SessionID: runID, Timestamp: startedAt,
		Data: map[string]any{"provider": in.ProviderID, "model": in.Model}})
	l.auditLifecycle(runID, "run_started", map[string]any{"provider": in.ProviderID, "model": in.Model})

	telemetry.ActiveRuns.Inc()
	st := &runState{schemaRetries: make(map[string]int)}
	exitReason := l.loopBody(ctx, conv, in, deadline, st)
	telemetry.ActiveRuns.Dec()
	telemetry.RecordRunFinished(string(exitReason.Kind))
	endedAt := time.Now()

	rec := l.buildRunRecord(runID, in, conv, st, exitReason, startedAt, endedAt)

	if l.cfg.RunWriter != nil {
		if err := l.cfg.RunWriter.Write(rec); err != nil {
			return rec, fmt.Errorf("agentloop: write run record: %w", err)
		}
	}

	l.emit(telemetry.Event{Type: telemetry.EventRunFinalized, SessionID: runID,
		Data: map[string]any{"exit_reason": string(exitReason.Kind), "detail": exitReason.Detail}})
	l.auditLifecycle(runID, "run_finalized", map[string]any{"exit_reason": string(exitReason.Kind), "detail": exitReason.Detail})

	return rec, nil
}

// loopBody runs the per-turn state machine until a terminal ExitReason is
// produced. It never returns an error: every failure path already has a
// place in the closed ExitReason taxonomy.
func (l *Loop) loopBody(ctx context.Context, conv *conversation.Conversation, in RunInput, deadline time.Time, st *runState) runrecord.ExitReason {
	for {
		if ctx.Err() != nil {
			return runrecord.ExitReason{Kind: runrecord.ExitCancelled}
		}
		if st.turns >= l.cfg.Budgets.MaxTurns {
			return runrecord.ExitReason{Kind: runrecord.ExitBudgetExceeded, Detail: "turns"}
		}
		if time.Now().After(deadline) {
			return runrecord.ExitReason{Kind: runrecord.ExitBudgetExceeded, Detail: "wall_clock"}
		}

		resp, err := l.callProviderWithRetry(ctx, conv, in, deadline)
		if err != nil {
			if ctx.Err() != nil {
				return runrecord.ExitReason{Kind: runrecord.ExitCancelled}
			}
			return runrecord.ExitReason{Kind: runrecord.ExitProviderFailed, Detail: err.Error()}
		}
		if len(resp.Choices) == 0 {
			return runrecord.ExitReason{Kind: runrecord.ExitInternalError, Detail: "provider returned no choices"}
		}
		choice := resp.Choices[0]

		// A final message is terminal only because no tool calls were
		// requested; the loop never parses prose for completion.
		if len(choice.Message.ToolCalls) == 0 {
			text := conversation.GetContentAsString(choice.Message.Content)
			conv.AddAssistantMessageWithReasoning(text, choice.Message.Reasoning)
			return runrecord.ExitReason{Kind: runrecord.ExitCompleted}
		}

		conv.AddToolCallMessage(choice.Message.ToolCalls)

		for _, tc := range choice.Message.ToolCalls {
			if ctx.Err() != nil {
				l.drainCancelledCall(conv, tc)
				return runrecord.ExitReason{Kind: runrecord.ExitCancelled}
			}
			if st.toolCalls >= l.cfg.Budgets.MaxToolCalls {
				return runrecord.ExitReason{Kind: runrecord.ExitBudgetExceeded, Detail: "tool_calls"}
			}
			switch l.handleToolCall(ctx, conv, in.RunID, st, tc) {
			case callOutcomeCancelled:
				return runrecord.ExitReason{Kind: runrecord.ExitCancelled}
			case callOutcomeApprovalDenied:
				return runrecord.ExitReason{Kind: runrecord.ExitApprovalDenied}
			}
		}

		st.turns++
	}
}

// callProviderWithRetry issues one PLAN-step ChatCompletion call, retrying a
// bounded number of times (Budgets.PerNodeRetries) on transient provider
// errors, so a single flaky request does not surface as ProviderFailed.
func (l *Loop) callProviderWithRetry(ctx context.Context, conv *conversation.Conversation, in RunInput, deadline time.Time) (*model.ChatResponse, error) {
	trimmed := l.context.BuildMessages(conv, l.cfg.Budgets.ContextBudgetTokens, "agentloop")
	req := model.ChatRequest{
		Model:    in.Model,
		Messages: conversation.ConvertMessages(trimmed),
		Stream:   false,
		Tools:    l.cfg.Registry.ToOpenAIFunctions(),
	}

	maxAttempts := 1 + l.cfg.Budgets.PerNodeRetries
	delay := 250 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callStart := time.Now()
		resp, err := l.cfg.Provider.ChatCompletion(ctx, req)
		telemetry.RecordProviderRequest(in.ProviderID, err, time.Since(callStart))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !tool.DefaultRetryable(err) || attempt == maxAttempts {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, err
		}
		jittered := time.Duration(float64(delay) * (0.85 + 0.3*randFloat()))
		if jittered > remaining {
			jittered = remaining
		}
		timer := time.NewTimer(jittered)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, lastErr
}

// drainCancelledCall appends a cancellation tool-result for a proposed call
// that never ran, so the conversation never has a dangling tool_call_id.
func (l *Loop) drainCancelledCall(conv *conversation.Conversation, tc model.ToolCall) {
	payload, _ := json.Marshal(toolError{Kind: ErrExecutorTimeout, Reason: "run cancelled before call started"})
	conv.AddToolResponseMessage(tc.ID, tc.Function.Name, string(payload))
}

// callOutcome is handleToolCall's verdict on whether the run can keep
// looping after one proposed call.
type callOutcome int

const (
	// callOutcomeNormal means the call (however it resolved) was recorded
	// as an ordinary tool-result or tool-error; the loop continues.
	callOutcomeNormal callOutcome = iota
	// callOutcomeCancelled means ctx was cancelled mid-call; the caller
	// transitions to FINALIZE(Cancelled).
	callOutcomeCancelled
	// callOutcomeApprovalDenied means ModeFail converted an
	// approval-required decision straight to a terminal Deny; the caller
	// transitions to FINALIZE(ApprovalDenied) instead of feeding the denial
	// back as a retryable tool error.
	callOutcomeApprovalDenied
)

// handleToolCall runs the gate/execute steps of spec §4.6 for one proposed
// call.
func (l *Loop) handleToolCall(ctx context.Context, conv *conversation.Conversation, runID string, st *runState, tc model.ToolCall) callOutcome {
	args, parseErr := decodeArgs(tc.Function.Arguments)
	if parseErr != nil {
		l.recordSchemaFailure(conv, st, tc, fmt.Sprintf("arguments are not valid JSON: %v", parseErr))
		return callOutcomeNormal
	}

	t, found := l.cfg.Registry.Get(tc.Function.Name)
	if !found {
		l.recordSchemaFailure(conv, st, tc, fmt.Sprintf("unknown tool %q", tc.Function.Name))
		return callOutcomeNormal
	}

	if err := l.schema.Validate(t, args); err != nil {
		l.recordSchemaFailure(conv, st, tc, err.Error())
		return callOutcomeNormal
	}

	resolvedPaths := resolvedPathArgs(l.cfg.WorkdirRoot, args)
	decision, err := l.cfg.Gate.Decide(tc.Function.Name, args, resolvedPaths)
	if err != nil {
		l.appendToolError(conv, tc, ErrExecutorFatal, fmt.Sprintf("gate: %v", err), "")
		st.toolCalls++
		l.recordDecision(st, tc.Function.Name, decision, false, err.Error())
		telemetry.RecordGateDecision(tc.Function.Name, "error")
		return callOutcomeNormal
	}

	if decision.Kind == gate.RequireApproval {
		decision = l.resolveInterrupt(ctx, runID, tc, args, decision)
	}

	telemetry.RecordGateDecision(tc.Function.Name, string(decision.Kind))

	switch decision.Kind {
	case gate.Deny:
		l.appendToolError(conv, tc, ErrDenied, decision.Reason, decision.RuleID)
		st.toolCalls++
		l.recordDecision(st, tc.Function.Name, decision, false, decision.Reason)
		if decision.Terminal {
			return callOutcomeApprovalDenied
		}
		return callOutcomeNormal

	case gate.Allow:
		if cancelled := l.execute(ctx, conv, tc, args, decision, st); cancelled {
			return callOutcomeCancelled
		}
		return callOutcomeNormal

	default:
		// A RequireApproval decision should never survive resolveInterrupt;
		// treat anything else as an internal fault fed back as a denial.
		l.appendToolError(conv, tc, ErrExecutorFatal, "gate produced no terminal decision", decision.RuleID)
		st.toolCalls++
		l.recordDecision(st, tc.Function.Name, decision, false, "internal: non-terminal gate decision")
		return callOutcomeNormal
	}
}

// recordSchemaFailure implements the schema-repair-retry budget carve-out
// (spec §4.6 step 4a): the first SchemaRepairRetries failures for a given
// tool name are free (they re-prompt the planner without consuming a
// tool-call budget unit); every failure after that consumes one.
func (l *Loop) recordSchemaFailure(conv *conversation.Conversation, st *runState, tc model.ToolCall, reason string) {
	st.schemaRetries[tc.Function.Name]++
	if st.schemaRetries[tc.Function.Name] > l.cfg.Budgets.SchemaRepairRetries {
		st.toolCalls++
	}
	l.appendToolError(conv, tc, ErrSchemaViolation, reason, "")
}

func (l *Loop) resolveInterrupt(ctx context.Context, runID string, tc model.ToolCall, args map[string]any, decision gate.Decision) gate.Decision {
	l.emit(telemetry.Event{Type: telemetry.EventApprovalRequested, SessionID: runID,
		Data: map[string]any{"tool": tc.Function.Name, "fingerprint": decision.Fingerprint, "prompt": decision.Prompt}})

	req := ApprovalRequest{RunID: runID, Tool: tc.Function.Name, Args: args, Fingerprint: decision.Fingerprint, Prompt: decision.Prompt}

	var resp ApprovalResponse
	var err error
	if l.cfg.Approvals == nil {
		// No operator is reachable; fail closed rather than block forever.
		resp = ApprovalResponse{Granted: false}
	} else {
		resp, err = l.cfg.Approvals.Resolve(ctx, req)
	}
	if err != nil {
		resp.Granted = false
	}

	l.emit(telemetry.Event{Type: telemetry.EventApprovalResolved, SessionID: runID,
		Data: map[string]any{"tool": tc.Function.Name, "fingerprint": decision.Fingerprint, "granted": resp.Granted}})
	telemetry.RecordApproval(tc.Function.Name, resp.Granted)

	resolved, rerr := l.cfg.Gate.ResolveApproval(decision, tc.Function.Name, args, resp.Granted, resp.TTL, resp.MaxUses)
	if rerr != nil {
		return gate.Decision{Kind: gate.Deny, Reason: rerr.Error(), RuleID: decision.RuleID, Fingerprint: decision.Fingerprint}
	}
	return resolved
}

// toolExecResult is the internal outcome of one (possibly retried) tool
// execution attempt sequence.
type toolExecResult struct {
	res       *builtin.Result
	errKind   ToolErrorKind
	errReason string
}

// execute runs an allowed call through the registry under the per-tool
// timeout, classifying failures into the per-call error taxonomy, and
// applying the bounded, per-tool executor_transient retry policy described
// in spec §4.6. The tool-call budget unit is always consumed here,
// regardless of outcome.
func (l *Loop) execute(ctx context.Context, conv *conversation.Conversation, tc model.ToolCall, args map[string]any, decision gate.Decision, st *runState) bool {
	timeout := time.Duration(l.cfg.Budgets.PerToolTimeoutMS) * time.Millisecond
	params := make(map[string]any, len(args)+1)
	for k, v := range args {
		params[k] = v
	}
	params[tool.ToolCallIDParam] = tc.ID

	l.auditToolInvoked(tc, decision)

	maxAttempts := 1
	if l.cfg.RetryableTools[tc.Function.Name] && l.cfg.Budgets.PerNodeRetries > 0 {
		maxAttempts = 1 + l.cfg.Budgets.PerNodeRetries
	}

	execStart := time.Now()
	var result toolExecResult
	delay := 200 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			st.toolCalls++
			l.drainCancelledCall(conv, tc)
			l.recordDecision(st, tc.Function.Name, decision, false, "cancelled")
			return true
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		res, err := l.cfg.Registry.ExecuteWithContext(callCtx, tc.Function.Name, params)
		callErr := callCtx.Err()
		if cancel != nil {
			cancel()
		}

		if err == nil {
			result = toolExecResult{res: res}
			break
		}

		kind := classifyExecutorError(ctx, callErr, err)
		if kind != ErrExecutorTransient || attempt == maxAttempts {
			result = toolExecResult{errKind: kind, errReason: err.Error()}
			break
		}

		jittered := time.Duration(float64(delay) * (0.85 + 0.3*randFloat()))
		timer := time.NewTimer(jittered)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			st.toolCalls++
			l.drainCancelledCall(conv, tc)
			l.recordDecision(st, tc.Function.Name, decision, false, "cancelled")
			return true
		}
		delay *= 2
	}

	st.toolCalls++
	l.auditToolResult(tc, decision, result)

	if result.errKind != "" {
		telemetry.RecordToolCall(tc.Function.Name, false, time.Since(execStart))
		l.appendToolError(conv, tc, result.errKind, result.errReason, decision.RuleID)
		l.recordDecision(st, tc.Function.Name, decision, false, result.errReason)
		return false
	}
	telemetry.RecordToolCall(tc.Function.Name, result.res == nil || result.res.Success, time.Since(execStart))

	payload, _ := json.Marshal(result.res)
	conv.AddToolResponseMessage(tc.ID, tc.Function.Name, string(payload))
	success := result.res == nil || result.res.Success
	errMsg := ""
	if result.res != nil && !success {
		errMsg = result.res.Error
	}
	l.recordDecision(st, tc.Function.Name, decision, success, errMsg)
	return false
}

// classifyExecutorError maps a registry execution error into the closed
// per-call error taxonomy. callErr is the error (if any) observed on the
// per-attempt timeout context; runCtx is the overall run context.
func classifyExecutorError(runCtx context.Context, callErr error, err error) ToolErrorKind {
	if callErr == context.DeadlineExceeded {
		return ErrExecutorTimeout
	}
	if runCtx.Err() != nil {
		return ErrExecutorTimeout
	}
	if tool.DefaultRetryable(err) {
		return ErrExecutorTransient
	}
	return ErrExecutorFatal
}

func randFloat() float64 { return rand.Float64() }

func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (l *Loop) appendToolError(conv *conversation.Conversation, tc model.ToolCall, kind ToolErrorKind, reason, ruleID string) {
	payload, _ := json.Marshal(toolError{Kind: kind, Reason: reason, RuleID: ruleID})
	conv.AddToolResponseMessage(tc.ID, tc.Function.Name, string(payload))
}

func (l *Loop) recordDecision(st *runState, toolName string, decision gate.Decision, success bool, errMsg string) {
	ok := success
	st.toolDecisions = append(st.toolDecisions, runrecord.ToolDecision{
		Seq:         len(st.toolDecisions) + 1,
		Tool:        toolName,
		Fingerprint: decision.Fingerprint,
		Decision:    string(decision.Kind),
		RuleID:      decision.RuleID,
		ApprovalID:  decision.ApprovalID,
		Auto:        decision.Auto,
		Success:     &ok,
		Error:       errMsg,
		Timestamp:   time.Now(),
	})
}

func (l *Loop) emit(ev telemetry.Event) {
	if l.cfg.EventSink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	l.cfg.EventSink.Publish(ev)
}

func (l *Loop) auditLifecycle(runID, action string, payload map[string]any) {
	if l.cfg.AuditLog == nil {
		return
	}
	merged := map[string]any{"action": action}
	for k, v := range payload {
		merged[k] = v
	}
	_, _ = l.cfg.AuditLog.Append(audit.KindLifecycle, merged)
}

func (l *Loop) auditToolInvoked(tc model.ToolCall, decision gate.Decision) {
	if l.cfg.AuditLog == nil {
		return
	}
	_, _ = l.cfg.AuditLog.Append(audit.KindToolInvoked, map[string]any{
		"tool": tc.Function.Name, "call_id": tc.ID, "rule_id": decision.RuleID, "fingerprint": decision.Fingerprint,
	})
}

func (l *Loop) auditToolResult(tc model.ToolCall, decision gate.Decision, result toolExecResult) {
	if l.cfg.AuditLog == nil {
		return
	}
	payload := map[string]any{"tool": tc.Function.Name, "call_id": tc.ID}
	if result.errKind != "" {
		payload["error_kind"] = string(result.errKind)
		payload["error"] = result.errReason
	} else if result.res != nil {
		payload["success"] = result.res.Success
	}
	_, _ = l.cfg.AuditLog.Append(audit.KindToolResult, payload)
}

// buildRunRecord assembles the final RunRecord from accumulated state. This
// is the only place a run's identity, hashes, and history come together.
func (l *Loop) buildRunRecord(runID string, in RunInput, conv *conversation.Conversation, st *runState, exit runrecord.ExitReason, startedAt, endedAt time.Time) runrecord.RunRecord {
	var policyHash, approvalsHash string
	if l.cfg.Gate != nil {
		policyHash, approvalsHash = l.cfg.Gate.Checkpoint()
	}

	return runrecord.RunRecord{
		SchemaVersion:     runrecord.SchemaVersion,
		RunID:             runID,
		Provider:          in.ProviderID,
		Model:             in.Model,
		StartedAt:         startedAt,
		EndedAt:           endedAt,
		ExitReason:        exit,
		PolicyHash:        policyHash,
		ApprovalsHash:     approvalsHash,
		ConfigFingerprint: in.ConfigFingerprint,
		MCPCatalogHash:    in.MCPCatalogHash,
		Conversation:      conv.ToModelMessages(),
		ToolDecisions:     st.toolDecisions,
		Budget:            l.cfg.Budgets,
	}
}
