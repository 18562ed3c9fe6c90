package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadError reports a malformed policy document. Loading always fails loud
// rather than silently degrading to an allow-all policy.
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string { return "policy: load failed: " + e.Reason }

// compiledRule is a Rule with its glob patterns pre-converted to regexps, so
// Decide never compiles a pattern at evaluation time.
type compiledRule struct {
	Rule
	toolPattern *regexp.Regexp
	argGlobs    map[string]*regexp.Regexp
}

// PolicyStore is the pure, deterministic evaluator described in spec §4.1.
// It holds no mutable state after construction; Decide is a total function
// of its input plus the loaded document.
type PolicyStore struct {
	doc   Document
	rules []compiledRule
	hash  string
}

// Load parses and validates a policy.yaml document and compiles it into a
// PolicyStore. Any schema violation returns a *LoadError.
func Load(rawYAML []byte) (*PolicyStore, error) {
	var doc Document
	if err := yaml.Unmarshal(rawYAML, &doc); err != nil {
		return nil, &LoadError{Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	return compile(doc)
}

// New builds a PolicyStore directly from an in-memory Document (used by
// tests and by callers constructing a policy programmatically).
func New(doc Document) (*PolicyStore, error) {
	return compile(doc)
}

func compile(doc Document) (*PolicyStore, error) {
	if doc.Version <= 0 {
		return nil, &LoadError{Reason: "version must be >= 1"}
	}
	if doc.Default == "" {
		return nil, &LoadError{Reason: "default decision is required"}
	}
	if !doc.Default.Valid() {
		return nil, &LoadError{Reason: fmt.Sprintf("invalid default decision %q", doc.Default)}
	}

	seen := make(map[string]bool)
	compiled := make([]compiledRule, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		if r.Tool == "" {
			return nil, &LoadError{Reason: fmt.Sprintf("rule %d: tool pattern is required", i)}
		}
		if !r.Decision.Valid() {
			return nil, &LoadError{Reason: fmt.Sprintf("rule %d: invalid decision %q", i, r.Decision)}
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule[%d]", i)
		}
		if seen[r.ID] {
			return nil, &LoadError{Reason: fmt.Sprintf("duplicate rule id %q", r.ID)}
		}
		seen[r.ID] = true

		toolPattern, err := globToRegexp(r.Tool)
		if err != nil {
			return nil, &LoadError{Reason: fmt.Sprintf("rule %d: bad tool pattern: %v", i, err)}
		}
		argGlobs := make(map[string]*regexp.Regexp)
		for name, c := range r.Args {
			if c.Glob != "" {
				re, err := globToRegexp(c.Glob)
				if err != nil {
					return nil, &LoadError{Reason: fmt.Sprintf("rule %d: bad glob for arg %q: %v", i, name, err)}
				}
				argGlobs[name] = re
			}
		}
		compiled = append(compiled, compiledRule{Rule: r, toolPattern: toolPattern, argGlobs: argGlobs})
	}

	canonical, err := json.Marshal(canonicalDocument(doc))
	if err != nil {
		return nil, &LoadError{Reason: err.Error()}
	}
	h := sha256.Sum256(canonical)

	return &PolicyStore{
		doc:   doc,
		rules: compiled,
		hash:  hex.EncodeToString(h[:]),
	}, nil
}

// canonicalDocument produces a deterministically ordered representation of
// a Document (sorted rule arg keys) so Hash() does not depend on map
// iteration order or on cosmetic differences in the source YAML.
func canonicalDocument(doc Document) map[string]any {
	rules := make([]map[string]any, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		argNames := make([]string, 0, len(r.Args))
		for name := range r.Args {
			argNames = append(argNames, name)
		}
		sort.Strings(argNames)
		args := make([]map[string]any, 0, len(argNames))
		for _, name := range argNames {
			c := r.Args[name]
			args = append(args, map[string]any{
				"name":        name,
				"exact":       c.Exact,
				"path_prefix": c.PathPrefix,
				"glob":        c.Glob,
				"sensitive":   c.Sensitive,
			})
		}
		rules = append(rules, map[string]any{
			"id":       r.ID,
			"tool":     r.Tool,
			"args":     args,
			"decision": r.Decision,
		})
	}
	return map[string]any{
		"version": doc.Version,
		"default": doc.Default,
		"rules":   rules,
		"mcp": map[string]any{
			"allow_servers": doc.MCP.AllowServers,
			"allow_tools":   doc.MCP.AllowTools,
		},
	}
}

// Hash returns a stable hex SHA-256 hash of the loaded policy document in
// canonical form, for inclusion in the RunRecord's policy_hash field.
func (s *PolicyStore) Hash() string { return s.hash }

// Decide evaluates one tool call. It never performs I/O: ResolvedPaths must
// already contain the canonical, symlink-resolved form of any argument the
// caller wants matched against a PathPrefix constraint.
func (s *PolicyStore) Decide(input DecideInput) Outcome {
	for _, rule := range s.rules {
		if !rule.toolPattern.MatchString(input.ToolName) {
			continue
		}
		switch argsMatch(rule, input) {
		case argMatchInvalidPath:
			// The caller (resolvedPathArgs) could not resolve this
			// PathPrefix-constrained argument under WorkdirRoot at all, so
			// there is nothing meaningful to evaluate the rule against.
			// Deny outright instead of falling through to a later rule or
			// the document default, either of which could still allow it.
			return Outcome{Decision: DecisionDeny, RuleID: rule.ID, DenyKind: DenyKindInvalidPath}
		case argMatchNo:
			continue
		}
		return Outcome{Decision: rule.Decision, RuleID: rule.ID, DenyKind: denyKindFor(rule.Decision)}
	}
	return Outcome{Decision: s.doc.Default, DenyKind: denyKindFor(s.doc.Default)}
}

func denyKindFor(d Decision) DenyKind {
	if d == DecisionDeny {
		return DenyKindPolicyRule
	}
	return DenyKindUnknownError
}

// argMatchResult is the tri-state outcome of matching one rule's Args
// constraints against a call's arguments.
type argMatchResult int

const (
	argMatchYes argMatchResult = iota
	argMatchNo
	argMatchInvalidPath
)

func argsMatch(rule compiledRule, input DecideInput) argMatchResult {
	names := make([]string, 0, len(rule.Args))
	for name := range rule.Args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		constraint := rule.Args[name]
		val, present := input.Args[name]
		if constraint.PathPrefix != "" {
			if !present {
				return argMatchNo
			}
			resolved, ok := input.ResolvedPaths[name]
			if !ok {
				return argMatchInvalidPath
			}
			anchored := joinAnchored(input.WorkdirRoot, constraint.PathPrefix)
			if !strings.HasPrefix(resolved, anchored) {
				return argMatchNo
			}
		}
		if constraint.Glob != "" {
			re := rule.argGlobs[name]
			if re == nil || !present || !re.MatchString(fmt.Sprintf("%v", val)) {
				return argMatchNo
			}
		}
		if constraint.Exact != "" {
			if !present || fmt.Sprintf("%v", val) != constraint.Exact {
				return argMatchNo
			}
		}
	}
	return argMatchYes
}

func joinAnchored(root, rel string) string {
	if rel == "." || rel == "" {
		return strings.TrimSuffix(root, "/")
	}
	if strings.HasPrefix(rel, "/") {
		return rel
	}
	return strings.TrimSuffix(root, "/") + "/" + strings.TrimPrefix(rel, "./")
}

// MCPAllowed reports whether a server/tool pair is permitted by the
// document's mcp allowlist. An empty allowlist permits everything (no MCP
// restriction configured).
func (s *PolicyStore) MCPAllowed(server, tool string) bool {
	if len(s.doc.MCP.AllowServers) == 0 && len(s.doc.MCP.AllowTools) == 0 {
		return true
	}
	if len(s.doc.MCP.AllowServers) > 0 && !matchesAny(s.doc.MCP.AllowServers, server) {
		return false
	}
	if len(s.doc.MCP.AllowTools) > 0 && !matchesAny(s.doc.MCP.AllowTools, tool) {
		return false
	}
	return true
}

func matchesAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if re, err := globToRegexp(p); err == nil && re.MatchString(value) {
			return true
		}
	}
	return false
}

// globToRegexp converts a shell-style glob (* and ?) into an anchored
// regexp, mirroring the donor's matchGlob helper.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Default returns the document's default decision.
func (s *PolicyStore) Default() Decision { return s.doc.Default }

// DefaultDocument returns a conservative starting policy: read-only
// builtins allowed, mutating builtins gated behind approval, everything
// else requires approval by default. Grounded in the donor's DefaultPolicy()
// shape (category defaults + explicit exceptions), simplified to the
// spec's rule-list model.
func DefaultDocument() Document {
	return Document{
		Version: 1,
		Default: DecisionRequireApproval,
		Rules: []Rule{
			{ID: "allow-list-dir", Tool: "list_dir", Decision: DecisionAllow},
			{ID: "allow-read-file", Tool: "read_file", Decision: DecisionAllow},
			{ID: "gate-write-file", Tool: "write_file", Decision: DecisionRequireApproval},
			{ID: "gate-apply-patch", Tool: "apply_patch", Decision: DecisionRequireApproval},
			{ID: "gate-shell", Tool: "shell", Decision: DecisionRequireApproval},
		},
		MCP: MCPAllowlist{AllowServers: []string{"*"}, AllowTools: []string{"*"}},
	}
}
