package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideFirstMatchWins(t *testing.T) {
	store, err := New(Document{
		Version: 1,
		Default: DecisionDeny,
		Rules: []Rule{
			{ID: "r1", Tool: "shell", Decision: DecisionRequireApproval},
			{ID: "r2", Tool: "shell", Decision: DecisionAllow},
		},
	})
	require.NoError(t, err)

	out := store.Decide(DecideInput{ToolName: "shell"})
	require.Equal(t, DecisionRequireApproval, out.Decision)
	require.Equal(t, "r1", out.RuleID)
}

func TestDecideUnknownToolUsesDefault(t *testing.T) {
	store, err := New(Document{Version: 1, Default: DecisionDeny, Rules: []Rule{
		{ID: "r1", Tool: "read_file", Decision: DecisionAllow},
	}})
	require.NoError(t, err)

	out := store.Decide(DecideInput{ToolName: "some_unknown_tool"})
	require.Equal(t, DecisionDeny, out.Decision)
	require.Empty(t, out.RuleID)
}

func TestDecidePathPrefixConstraint(t *testing.T) {
	store, err := New(Document{
		Version: 1,
		Default: DecisionDeny,
		Rules: []Rule{
			{ID: "workspace-write", Tool: "write_file", Args: map[string]ArgConstraint{
				"path": {PathPrefix: "."},
			}, Decision: DecisionAllow},
		},
	})
	require.NoError(t, err)

	inWorkspace := store.Decide(DecideInput{
		ToolName:      "write_file",
		Args:          map[string]any{"path": "notes.txt"},
		ResolvedPaths: map[string]string{"path": "/workdir/notes.txt"},
		WorkdirRoot:   "/workdir",
	})
	require.Equal(t, DecisionAllow, inWorkspace.Decision)

	outOfWorkspace := store.Decide(DecideInput{
		ToolName:      "write_file",
		Args:          map[string]any{"path": "/etc/passwd"},
		ResolvedPaths: map[string]string{"path": "/etc/passwd"},
		WorkdirRoot:   "/workdir",
	})
	require.Equal(t, DecisionDeny, outOfWorkspace.Decision)
}

func TestDecidePathPrefixMissingResolutionDeniesAsInvalidPath(t *testing.T) {
	store, err := New(Document{
		Version: 1,
		Default: DecisionAllow,
		Rules: []Rule{
			{ID: "workspace-write", Tool: "write_file", Args: map[string]ArgConstraint{
				"path": {PathPrefix: "."},
			}, Decision: DecisionAllow},
		},
	})
	require.NoError(t, err)

	out := store.Decide(DecideInput{
		ToolName:    "write_file",
		Args:        map[string]any{"path": "../../etc/passwd"},
		WorkdirRoot: "/workdir",
		// ResolvedPaths intentionally omits "path": the caller could not
		// resolve it under WorkdirRoot (e.g. it escaped via "..").
	})
	require.Equal(t, DecisionDeny, out.Decision)
	require.Equal(t, DenyKindInvalidPath, out.DenyKind)
	require.Equal(t, "workspace-write", out.RuleID)
}

func TestDecideDenySetsPolicyRuleDenyKind(t *testing.T) {
	store, err := New(Document{
		Version: 1,
		Default: DecisionAllow,
		Rules: []Rule{
			{ID: "block-shell", Tool: "shell", Decision: DecisionDeny},
		},
	})
	require.NoError(t, err)

	out := store.Decide(DecideInput{ToolName: "shell"})
	require.Equal(t, DecisionDeny, out.Decision)
	require.Equal(t, DenyKindPolicyRule, out.DenyKind)

	def := store.Decide(DecideInput{ToolName: "unrelated"})
	require.Equal(t, DecisionAllow, def.Decision)
	require.Equal(t, DenyKindUnknownError, def.DenyKind)
}

func TestDecideGlobConstraint(t *testing.T) {
	store, err := New(Document{
		Version: 1,
		Default: DecisionRequireApproval,
		Rules: []Rule{
			{ID: "safe-log-write", Tool: "write_file", Args: map[string]ArgConstraint{
				"path": {Glob: "*.log"},
			}, Decision: DecisionAllow},
		},
	})
	require.NoError(t, err)

	require.Equal(t, DecisionAllow, store.Decide(DecideInput{
		ToolName: "write_file", Args: map[string]any{"path": "out.log"},
	}).Decision)

	require.Equal(t, DecisionRequireApproval, store.Decide(DecideInput{
		ToolName: "write_file", Args: map[string]any{"path": "out.txt"},
	}).Decision)
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	_, err := Load([]byte("version: 0\ndefault: allow\n"))
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)

	_, err = Load([]byte("version: 1\ndefault: maybe\n"))
	require.Error(t, err)

	_, err = Load([]byte("version: 1\ndefault: allow\nrules:\n  - tool: \"\"\n    decision: allow\n"))
	require.Error(t, err)
}

func TestHashStableUnderKeyReordering(t *testing.T) {
	a, err := Load([]byte(`
version: 1
default: deny
rules:
  - id: r1
    tool: shell
    args:
      cmd:
        sensitive: true
        exact: "ls"
    decision: require_approval
`))
	require.NoError(t, err)

	b, err := Load([]byte(`
version: 1
default: deny
rules:
  - tool: shell
    id: r1
    decision: require_approval
    args:
      cmd:
        exact: "ls"
        sensitive: true
`))
	require.NoError(t, err)

	require.Equal(t, a.Hash(), b.Hash())
}

func TestMCPAllowlist(t *testing.T) {
	store, err := New(Document{
		Version: 1,
		Default: DecisionDeny,
		MCP:     MCPAllowlist{AllowServers: []string{"fs*"}, AllowTools: []string{"read_*"}},
	})
	require.NoError(t, err)

	require.True(t, store.MCPAllowed("fsserver", "read_file"))
	require.False(t, store.MCPAllowed("fsserver", "write_file"))
	require.False(t, store.MCPAllowed("other", "read_file"))
}

func TestDefaultDocumentCompiles(t *testing.T) {
	store, err := New(DefaultDocument())
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, store.Decide(DecideInput{ToolName: "read_file"}).Decision)
	require.Equal(t, DecisionRequireApproval, store.Decide(DecideInput{ToolName: "shell"}).Decision)
}
