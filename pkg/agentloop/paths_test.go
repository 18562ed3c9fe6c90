package agentloop

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvedPathArgsWithinRoot(t *testing.T) {
	root := t.TempDir()
	out := resolvedPathArgs(root, map[string]any{"path": "notes.txt"})
	require.Equal(t, filepath.Join(root, "notes.txt"), out["path"])
}

func TestResolvedPathArgsEscapingRootIsOmitted(t *testing.T) {
	root := t.TempDir()
	out := resolvedPathArgs(root, map[string]any{"path": "../../etc/passwd"})
	require.Empty(t, out)
}

func TestResolvedPathArgsNoPathArgProducesNoEntries(t *testing.T) {
	root := t.TempDir()
	out := resolvedPathArgs(root, map[string]any{"command": "ls"})
	require.Empty(t, out)
}

func TestResolveUnderRootRejectsEscape(t *testing.T) {
	root := t.TempDir()
	_, err := resolveUnderRoot(root, "../outside.txt")
	require.Error(t, err)
}

func TestResolveUnderRootAllowsNonexistentFileWithinRoot(t *testing.T) {
	root := t.TempDir()
	resolved, err := resolveUnderRoot(root, "new-file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "new-file.txt"), resolved)
}
