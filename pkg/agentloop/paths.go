package agentloop

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvedPathArgs extracts the canonical, symlink-resolved absolute form of
// every argument the loop recognizes as a path, for policy.DecideInput's
// ResolvedPaths map. Built-in tools name their path argument "path"; tools
// with no such argument (shell, apply_patch, MCP-imported tools) simply
// produce no entries, so PathPrefix constraints never match them.
//
// An argument whose resolution fails (resolveUnderRoot detects it escapes
// WorkdirRoot) is deliberately left out of the returned map rather than
// populated with a best-effort value: when PolicyStore.Decide reaches a rule
// matching the tool whose PathPrefix constraint names an argument present in
// the call but absent from ResolvedPaths, it denies with DenyKindInvalidPath
// instead of falling through to later rules. Rules without a PathPrefix
// constraint on that argument are evaluated as usual.
func resolvedPathArgs(workdirRoot string, args map[string]any) map[string]string {
	out := make(map[string]string)
	raw, ok := args["path"].(string)
	if !ok || raw == "" {
		return out
	}
	if resolved, err := resolveUnderRoot(workdirRoot, raw); err == nil {
		out["path"] = resolved
	}
	return out
}

// resolveUnderRoot resolves raw to its canonical absolute form and, when
// root is non-empty, verifies the result still falls under root once
// symlinks are followed. A candidate that escapes root (e.g. "../../etc"
// or a symlink planted inside the workdir that points outside it) is
// reported as an error rather than silently returned.
func resolveUnderRoot(root, raw string) (string, error) {
	var candidate string
	if filepath.IsAbs(raw) {
		candidate = filepath.Clean(raw)
	} else if root != "" {
		candidate = filepath.Clean(filepath.Join(root, raw))
	} else {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return "", err
		}
		candidate = abs
	}

	resolved := candidate
	if r, err := filepath.EvalSymlinks(candidate); err == nil {
		// EvalSymlinks fails for a path that does not exist yet (e.g. a
		// write_file target); that is expected, not an escape attempt, so
		// the unresolved candidate is kept.
		resolved = r
	}

	if root == "" {
		return resolved, nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = r
	}
	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside workdir root %q", raw, root)
	}
	return resolved, nil
}
