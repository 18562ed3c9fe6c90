// Package gate implements the ToolGate: the single authoritative decision
// point for every proposed tool call, composing PolicyStore, ApprovalsStore,
// and AuditLog into one function.
package gate

import (
	"fmt"
	"time"

	"github.com/localagent/localagent/pkg/approval"
	"github.com/localagent/localagent/pkg/audit"
	"github.com/localagent/localagent/pkg/policy"
)

// DecisionKind is the tagged outcome of a gate decision.
type DecisionKind string

const (
	Allow           DecisionKind = "allow"
	Deny            DecisionKind = "deny"
	RequireApproval DecisionKind = "require_approval"
)

// Decision is the result of evaluating one proposed tool call. Exactly one
// of Reason (Deny) or Fingerprint+Prompt (RequireApproval) is meaningful,
// depending on Kind.
type Decision struct {
	Kind        DecisionKind
	Reason      string
	DenyKind    policy.DenyKind
	RuleID      string
	Fingerprint string
	Prompt      string
	ApprovalID  string
	Auto        bool

	// Terminal marks a Deny that must end the run rather than feed back as
	// an ordinary per-call tool error: spec §7 requires an approval
	// requirement that ModeFail converts straight to Deny (no operator ever
	// got the chance to grant or refuse it) to surface as
	// ExitReason::ApprovalDenied, distinct from an ordinary policy-rule Deny
	// the planner can simply try something else around.
	Terminal bool
}

// Mode governs how the gate resolves a RequireApproval outcome that has no
// matching stored approval, per spec §4.3/§6.
type Mode string

const (
	// ModeInterrupt suspends the loop and surfaces the request to the
	// operator via EventSink; the caller must later call ResolveApproval.
	ModeInterrupt Mode = "interrupt"
	// ModeFail converts every unresolved RequireApproval into a Deny, with
	// no operator prompt. CI-safe.
	ModeFail Mode = "fail"
	// ModeAuto behaves as an implicit grant scoped to run or session,
	// still recorded in the audit log with auto=true.
	ModeAuto Mode = "auto"
)

// AutoApproveScope controls the lifetime of an implicit grant made under
// ModeAuto.
type AutoApproveScope string

const (
	ScopeRun     AutoApproveScope = "run"
	ScopeSession AutoApproveScope = "session"
)

// Gate composes the three collaborators into the spec's single decision
// function. It holds no process-wide state; every Gate is bound to one
// run's PolicyStore, ApprovalsStore, and AuditLog instances.
type Gate struct {
	policy      *policy.PolicyStore
	approvals   *approval.Store
	auditLog    *audit.Log
	mode        Mode
	autoScope   AutoApproveScope
	workdirRoot string
}

// Config bundles construction parameters for New.
type Config struct {
	Policy           *policy.PolicyStore
	Approvals        *approval.Store
	AuditLog         *audit.Log
	Mode             Mode
	AutoApproveScope AutoApproveScope
	WorkdirRoot      string
}

// New constructs a Gate from its collaborators.
func New(cfg Config) *Gate {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeInterrupt
	}
	scope := cfg.AutoApproveScope
	if scope == "" {
		scope = ScopeRun
	}
	return &Gate{
		policy:      cfg.Policy,
		approvals:   cfg.Approvals,
		auditLog:    cfg.AuditLog,
		mode:        mode,
		autoScope:   scope,
		workdirRoot: cfg.WorkdirRoot,
	}
}

// Decide evaluates one proposed tool call per spec §4.3. resolvedPaths must
// contain the canonical, symlink-resolved form of every path-valued
// argument the policy's PathPrefix constraints may need; Decide performs
// no I/O itself.
func (g *Gate) Decide(toolName string, args map[string]any, resolvedPaths map[string]string) (Decision, error) {
	outcome := g.policy.Decide(policy.DecideInput{
		ToolName:      toolName,
		Args:          args,
		ResolvedPaths: resolvedPaths,
		WorkdirRoot:   g.workdirRoot,
	})

	switch outcome.Decision {
	case policy.DecisionAllow:
		if _, err := g.auditLog.Append(audit.KindGateDecision, map[string]any{
			"tool": toolName, "decision": "allow", "rule_id": outcome.RuleID,
		}); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: Allow, RuleID: outcome.RuleID}, nil

	case policy.DecisionDeny:
		reason := "policy rule denied"
		if outcome.DenyKind == policy.DenyKindInvalidPath {
			reason = "argument path could not be resolved under workdir"
		}
		if _, err := g.auditLog.Append(audit.KindGateDecision, map[string]any{
			"tool": toolName, "decision": "deny", "rule_id": outcome.RuleID, "deny_kind": string(outcome.DenyKind),
		}); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: Deny, Reason: reason, DenyKind: outcome.DenyKind, RuleID: outcome.RuleID}, nil

	case policy.DecisionRequireApproval:
		return g.resolveApprovalRequired(toolName, args, outcome.RuleID)

	default:
		return Decision{}, fmt.Errorf("gate: unrecognized policy decision %q", outcome.Decision)
	}
}

func (g *Gate) resolveApprovalRequired(toolName string, args map[string]any, ruleID string) (Decision, error) {
	fingerprint := approval.Fingerprint(toolName, args)

	if rec, ok := g.approvals.Lookup(toolName, args); ok {
		if err := g.approvals.Consume(rec.ID); err != nil {
			return Decision{}, err
		}
		if _, err := g.auditLog.Append(audit.KindGateDecision, map[string]any{
			"tool": toolName, "decision": "allow", "rule_id": ruleID,
			"approval_id": rec.ID, "fingerprint": fingerprint,
		}); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: Allow, RuleID: ruleID, Fingerprint: fingerprint, ApprovalID: rec.ID}, nil
	}

	switch g.mode {
	case ModeFail:
		if _, err := g.auditLog.Append(audit.KindGateDecision, map[string]any{
			"tool": toolName, "decision": "deny", "rule_id": ruleID,
			"fingerprint": fingerprint, "reason": "approval_mode=fail",
		}); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: Deny, Reason: "approval required, approval mode is fail", RuleID: ruleID, Fingerprint: fingerprint, Terminal: true}, nil

	case ModeAuto:
		var ttl time.Duration
		maxUses := 0
		if g.autoScope == ScopeSession {
			maxUses = 1
		}
		rec, err := g.approvals.Grant(toolName, args, ttl, maxUses, true)
		if err != nil {
			return Decision{}, err
		}
		if err := g.approvals.Consume(rec.ID); err != nil {
			return Decision{}, err
		}
		if _, err := g.auditLog.Append(audit.KindGateDecision, map[string]any{
			"tool": toolName, "decision": "allow", "rule_id": ruleID,
			"approval_id": rec.ID, "fingerprint": fingerprint, "auto": true,
		}); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: Allow, RuleID: ruleID, Fingerprint: fingerprint, ApprovalID: rec.ID, Auto: true}, nil

	default: // ModeInterrupt
		if _, err := g.auditLog.Append(audit.KindGateDecision, map[string]any{
			"tool": toolName, "decision": "require_approval", "rule_id": ruleID, "fingerprint": fingerprint,
		}); err != nil {
			return Decision{}, err
		}
		return Decision{
			Kind:        RequireApproval,
			RuleID:      ruleID,
			Fingerprint: fingerprint,
			Prompt:      fmt.Sprintf("approve %s with fingerprint %s?", toolName, fingerprint),
		}, nil
	}
}

// ResolveApproval finalizes an interrupt-mode RequireApproval decision once
// the operator has responded. The caller supplies the same toolName and
// args it passed to the Decide call that produced d, since Decision itself
// does not retain them. granted=false records a denial and returns a Deny;
// granted=true grants (with optional ttl/maxUses) and consumes it
// immediately so the call that triggered the prompt proceeds.
func (g *Gate) ResolveApproval(d Decision, toolName string, args map[string]any, granted bool, ttl time.Duration, maxUses int) (Decision, error) {
	if d.Kind != RequireApproval {
		return Decision{}, fmt.Errorf("gate: ResolveApproval called on non-approval decision")
	}
	if !granted {
		if _, err := g.auditLog.Append(audit.KindGateDecision, map[string]any{
			"tool": toolName, "decision": "deny", "rule_id": d.RuleID, "fingerprint": d.Fingerprint, "reason": "operator denied",
		}); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: Deny, Reason: "operator denied approval", RuleID: d.RuleID, Fingerprint: d.Fingerprint}, nil
	}

	rec, err := g.approvals.Grant(toolName, args, ttl, maxUses, false)
	if err != nil {
		return Decision{}, err
	}
	if err := g.approvals.Consume(rec.ID); err != nil {
		return Decision{}, err
	}
	if _, err := g.auditLog.Append(audit.KindApprovalGrant, map[string]any{
		"tool": toolName, "approval_id": rec.ID, "rule_id": d.RuleID, "fingerprint": d.Fingerprint,
	}); err != nil {
		return Decision{}, err
	}
	return Decision{Kind: Allow, RuleID: d.RuleID, Fingerprint: d.Fingerprint, ApprovalID: rec.ID}, nil
}

// Checkpoint returns the current PolicyStore and ApprovalsStore hashes for
// inclusion in a RunRecord.
func (g *Gate) Checkpoint() (policyHash, approvalsHash string) {
	return g.policy.Hash(), g.approvals.Hash()
}
