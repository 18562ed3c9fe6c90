package gate

import (
	"path/filepath"
	"testing"

	"github.com/localagent/localagent/pkg/approval"
	"github.com/localagent/localagent/pkg/audit"
	"github.com/localagent/localagent/pkg/policy"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, doc policy.Document, mode Mode, scope AutoApproveScope) *Gate {
	t.Helper()
	store, err := policy.New(doc)
	require.NoError(t, err)

	approvals, err := approval.Open(filepath.Join(t.TempDir(), "approvals.json"))
	require.NoError(t, err)

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), "run-1")
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	return New(Config{
		Policy:           store,
		Approvals:        approvals,
		AuditLog:         auditLog,
		Mode:             mode,
		AutoApproveScope: scope,
		WorkdirRoot:      "/workdir",
	})
}

func TestDecideAllowPassesThrough(t *testing.T) {
	g := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionDeny,
		Rules: []policy.Rule{{ID: "r1", Tool: "read_file", Decision: policy.DecisionAllow}},
	}, ModeInterrupt, ScopeRun)

	d, err := g.Decide("read_file", map[string]any{"path": "a.txt"}, nil)
	require.NoError(t, err)
	require.Equal(t, Allow, d.Kind)
	require.Equal(t, "r1", d.RuleID)
}

func TestDecideDenyCarriesPolicyRuleKind(t *testing.T) {
	g := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionDeny,
		Rules: []policy.Rule{{ID: "r1", Tool: "shell", Decision: policy.DecisionDeny}},
	}, ModeInterrupt, ScopeRun)

	d, err := g.Decide("shell", map[string]any{"command": "rm -rf /"}, nil)
	require.NoError(t, err)
	require.Equal(t, Deny, d.Kind)
	require.Equal(t, "r1", d.RuleID)
	// An ordinary policy-rule deny is never terminal: the planner can still
	// try something else.
	require.False(t, d.Terminal)
}

func TestDecideModeFailDeniesWithoutPromptingAndIsTerminal(t *testing.T) {
	g := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionRequireApproval,
	}, ModeFail, ScopeRun)

	d, err := g.Decide("write_file", map[string]any{"path": "a.txt", "content": "x"}, nil)
	require.NoError(t, err)
	require.Equal(t, Deny, d.Kind)
	// ModeFail never lets an approval-required call through and no operator
	// is ever asked; this must be distinguishable from an ordinary
	// policy-rule deny so the caller can end the run instead of retrying.
	require.True(t, d.Terminal)
}

func TestDecideModeAutoGrantsAndConsumes(t *testing.T) {
	g := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionRequireApproval,
	}, ModeAuto, ScopeRun)

	d, err := g.Decide("write_file", map[string]any{"path": "a.txt", "content": "x"}, nil)
	require.NoError(t, err)
	require.Equal(t, Allow, d.Kind)
	require.True(t, d.Auto)
	require.NotEmpty(t, d.ApprovalID)
}

func TestDecideModeInterruptReturnsPromptThenResolveApprovalGrants(t *testing.T) {
	g := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionRequireApproval,
	}, ModeInterrupt, ScopeRun)

	args := map[string]any{"path": "a.txt", "content": "x"}
	d, err := g.Decide("write_file", args, nil)
	require.NoError(t, err)
	require.Equal(t, RequireApproval, d.Kind)
	require.NotEmpty(t, d.Fingerprint)
	require.NotEmpty(t, d.Prompt)

	resolved, err := g.ResolveApproval(d, "write_file", args, true, 0, 1)
	require.NoError(t, err)
	require.Equal(t, Allow, resolved.Kind)
	require.NotEmpty(t, resolved.ApprovalID)
}

func TestDecideModeInterruptDeniedByOperator(t *testing.T) {
	g := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionRequireApproval,
	}, ModeInterrupt, ScopeRun)

	args := map[string]any{"command": "ls"}
	d, err := g.Decide("shell", args, nil)
	require.NoError(t, err)
	require.Equal(t, RequireApproval, d.Kind)

	resolved, err := g.ResolveApproval(d, "shell", args, false, 0, 0)
	require.NoError(t, err)
	require.Equal(t, Deny, resolved.Kind)
}

func TestDecideReusesExistingApprovalWithoutReprompting(t *testing.T) {
	g := newTestGate(t, policy.Document{
		Version: 1, Default: policy.DecisionRequireApproval,
	}, ModeInterrupt, ScopeRun)

	args := map[string]any{"command": "ls"}
	first, err := g.Decide("shell", args, nil)
	require.NoError(t, err)
	require.Equal(t, RequireApproval, first.Kind)

	granted, err := g.ResolveApproval(first, "shell", args, true, 0, 5)
	require.NoError(t, err)
	require.Equal(t, Allow, granted.Kind)

	second, err := g.Decide("shell", args, nil)
	require.NoError(t, err)
	require.Equal(t, Allow, second.Kind)
	require.Equal(t, granted.ApprovalID, second.ApprovalID)
}

func TestResolveApprovalRejectsNonApprovalDecision(t *testing.T) {
	g := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, ModeInterrupt, ScopeRun)
	_, err := g.ResolveApproval(Decision{Kind: Allow}, "read_file", nil, true, 0, 0)
	require.Error(t, err)
}

func TestCheckpointReturnsBothHashes(t *testing.T) {
	g := newTestGate(t, policy.Document{Version: 1, Default: policy.DecisionAllow}, ModeInterrupt, ScopeRun)
	policyHash, approvalsHash := g.Checkpoint()
	require.NotEmpty(t, policyHash)
	require.NotEmpty(t, approvalsHash)
}
