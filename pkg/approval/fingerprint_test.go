package approval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintWriteFileIgnoresIrrelevantArgs(t *testing.T) {
	a := Fingerprint("write_file", map[string]any{
		"path": "notes.txt", "content": "hello", "mode": "0644",
	})
	b := Fingerprint("write_file", map[string]any{
		"path": "notes.txt", "content": "hello", "mode": "0600",
	})
	require.Equal(t, a, b, "mode is not in RelevantArgs, so it must not affect the fingerprint")
}

func TestFingerprintWriteFileDiffersOnContent(t *testing.T) {
	a := Fingerprint("write_file", map[string]any{"path": "notes.txt", "content": "hello"})
	b := Fingerprint("write_file", map[string]any{"path": "notes.txt", "content": "goodbye"})
	require.NotEqual(t, a, b)
}

func TestFingerprintApplyPatchHasNoPathArg(t *testing.T) {
	_, ok := RelevantArgs["apply_patch"]
	require.True(t, ok)
	require.NotContains(t, RelevantArgs["apply_patch"], "path")
	require.Contains(t, RelevantArgs["apply_patch"], "patch")
	require.Contains(t, RelevantArgs["apply_patch"], "strip")
}

func TestFingerprintShellFullCommandString(t *testing.T) {
	a := Fingerprint("shell", map[string]any{"command": "rm -rf tmp/", "cwd": "/a"})
	b := Fingerprint("shell", map[string]any{"command": "rm -rf tmp/", "cwd": "/b"})
	require.Equal(t, a, b)

	c := Fingerprint("shell", map[string]any{"command": "rm -rf other/", "cwd": "/a"})
	require.NotEqual(t, a, c)
}

func TestFingerprintUndeclaredToolUsesFullArgSet(t *testing.T) {
	// MCP tools (and any other tool with no RelevantArgs entry) fingerprint
	// on their entire argument map, so any argument change invalidates a
	// prior grant.
	a := Fingerprint("mcp.fs.list_allowed_dirs", map[string]any{"scope": "home"})
	b := Fingerprint("mcp.fs.list_allowed_dirs", map[string]any{"scope": "project"})
	require.NotEqual(t, a, b)

	same := Fingerprint("mcp.fs.list_allowed_dirs", map[string]any{"scope": "home"})
	require.Equal(t, a, same)
}

func TestFingerprintStableUnderKeyOrderAndWhitespace(t *testing.T) {
	a := Fingerprint("write_file", map[string]any{"content": "  hi  ", "path": "a.txt"})
	b := Fingerprint("write_file", map[string]any{"path": "a.txt", "content": "hi"})
	require.Equal(t, a, b)
}

func TestFingerprintReadFileFallsBackToFullArgs(t *testing.T) {
	require.NotContains(t, RelevantArgs, "read_file")
	a := Fingerprint("read_file", map[string]any{"path": "a.txt"})
	b := Fingerprint("read_file", map[string]any{"path": "b.txt"})
	require.NotEqual(t, a, b)
}
