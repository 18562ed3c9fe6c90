// Package policy implements the PolicyStore: a pure, deterministic
// evaluator of a declarative rule document that answers allow/deny/
// require-approval for a proposed tool call.
package policy

// Decision is the outcome of evaluating a single rule, or the document's
// default when no rule matches.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// Valid reports whether d is one of the closed set of decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionRequireApproval:
		return true
	default:
		return false
	}
}

// ArgConstraint constrains a single named argument of a tool call. A zero
// value always matches. Exactly one of Exact, PathPrefix, or Glob is
// normally set; if more than one is set all must match.
type ArgConstraint struct {
	// Exact requires the argument's string representation to equal this value.
	Exact string `yaml:"exact,omitempty" json:"exact,omitempty"`
	// PathPrefix requires the argument, resolved to a canonical absolute
	// path by the caller and anchored to the declared workdir root, to have
	// this prefix. The policy document expresses the prefix relative to the
	// workdir root; the caller supplies the resolved form via DecideInput.
	PathPrefix string `yaml:"path_prefix,omitempty" json:"path_prefix,omitempty"`
	// Glob requires the argument's string representation to match this
	// shell-style glob pattern (supports * and ?).
	Glob string `yaml:"glob,omitempty" json:"glob,omitempty"`
	// Sensitive flags the argument as carrying sensitive data; it does not
	// affect matching and is recorded only in the policy document's Hash.
	Sensitive bool `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// Rule is one (tool-pattern, argument-constraints, decision) triple. The
// first rule (in document order) whose Tool pattern and all Args
// constraints match wins.
type Rule struct {
	ID       string                   `yaml:"id,omitempty" json:"id,omitempty"`
	Tool     string                   `yaml:"tool" json:"tool"`
	Args     map[string]ArgConstraint `yaml:"args,omitempty" json:"args,omitempty"`
	Decision Decision                 `yaml:"decision" json:"decision"`
}

// MCPAllowlist lists which MCP servers and tools are permitted, as reported
// by PolicyStore.MCPAllowed, independent of per-call policy rules. Decide
// does not consult it, and MCP tool registration does not filter on it.
type MCPAllowlist struct {
	AllowServers []string `yaml:"allow_servers,omitempty" json:"allow_servers,omitempty"`
	AllowTools   []string `yaml:"allow_tools,omitempty" json:"allow_tools,omitempty"`
}

// Document is the versioned, declarative policy source loaded from
// policy.yaml.
type Document struct {
	Version int          `yaml:"version" json:"version"`
	Default Decision     `yaml:"default" json:"default"`
	Rules   []Rule       `yaml:"rules,omitempty" json:"rules,omitempty"`
	MCP     MCPAllowlist `yaml:"mcp,omitempty" json:"mcp,omitempty"`
}

// DecideInput is everything Decide needs, with all I/O pre-resolved by the
// caller so evaluation stays pure and total.
type DecideInput struct {
	ToolName string
	Args     map[string]any
	// ResolvedPaths maps an argument name to its canonical, symlink-resolved
	// absolute path, for every argument the caller knows to be a path. Only
	// arguments present here can match a PathPrefix constraint.
	ResolvedPaths map[string]string
	// WorkdirRoot is the anchor PathPrefix constraints are relative to.
	WorkdirRoot string
}

// DenyKind distinguishes why a Deny outcome occurred, for audit tagging.
// Resolves the spec's open question: a path-validation rejection (the
// argument could not be resolved under WorkdirRoot at all) is distinct from
// an explicit policy rule producing Deny.
type DenyKind string

const (
	DenyKindPolicyRule   DenyKind = "policy_rule"
	DenyKindInvalidPath  DenyKind = "invalid_path"
	DenyKindUnknownError DenyKind = ""
)

// Outcome is the result of evaluating one tool call against the document.
type Outcome struct {
	Decision Decision
	RuleID   string // empty if the default decision applied
	DenyKind DenyKind
}
