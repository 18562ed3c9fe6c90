package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/localagent/localagent/pkg/tool/builtin"
)

// Validator checks one parameter value and returns a human-readable error
// when it fails.
type Validator func(value any) error

// ValidationRule binds a Validator to one (tool, parameter) pair. Tool may
// be "*" or empty to apply to every tool in the registry.
type ValidationRule struct {
	Tool     string
	Param    string
	Validate Validator
}

// ValidationConfig collects the ValidationRules cmd/localagent wires ahead
// of the sandbox for every path-accepting builtin (read_file, write_file,
// list_dir): a second, tool-call-shaped line of defense that rejects an
// escaping path argument before it ever reaches the filesystem sandbox,
// whether or not the sandbox itself is configured to enforce AllowedPaths.
type ValidationConfig struct {
	Rules []ValidationRule
}

// Validation applies cfg's rules before the wrapped Executor runs. A
// rejected argument never reaches the tool: it is reported as a failed
// builtin.Result tagged error_kind=schema_violation, the same wire value
// agentloop uses for a malformed tool-call argument, since from the
// planner's point of view an invalid path is indistinguishable from any
// other argument the schema should have rejected.
func Validation(cfg ValidationConfig, onError func(tool, param, msg string)) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (*builtin.Result, error) {
			if ctx == nil || len(cfg.Rules) == 0 {
				return next(ctx)
			}
			toolName := strings.TrimSpace(ctx.ToolName)
			params := ctx.Params
			for _, rule := range cfg.Rules {
				if rule.Validate == nil {
					continue
				}
				if !validationRuleApplies(rule.Tool, toolName) {
					continue
				}
				param := strings.TrimSpace(rule.Param)
				if param == "" || params == nil {
					continue
				}
				value, ok := params[param]
				if !ok {
					continue
				}
				if err := rule.Validate(value); err != nil {
					msg := strings.TrimSpace(err.Error())
					if msg == "" {
						msg = "validation failed"
					}
					if onError != nil {
						onError(toolName, param, msg)
					}
					if ctx.Metadata == nil {
						ctx.Metadata = map[string]any{}
					}
					ctx.Metadata["validation_error"] = map[string]any{
						"tool":    toolName,
						"param":   param,
						"message": msg,
					}
					ctx.Metadata["error_kind"] = "schema_violation"
					result := &builtin.Result{Success: false, Error: msg}
					return result, fmt.Errorf("%s: %s rejected %q: %s", toolName, param, fmt.Sprintf("%v", value), msg)
				}
			}
			return next(ctx)
		}
	}
}

// ValidateNonEmpty rejects a missing, blank, or empty-collection argument.
func ValidateNonEmpty() Validator {
	return func(value any) error {
		switch v := value.(type) {
		case nil:
			return fmt.Errorf("value required")
		case string:
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("value required")
			}
		case []string:
			if len(v) == 0 {
				return fmt.Errorf("value required")
			}
		case []any:
			if len(v) == 0 {
				return fmt.Errorf("value required")
			}
		}
		return nil
	}
}

// ValidatePath rejects a path argument that cannot be a real location
// inside baseDir: empty, carrying a null byte, or resolving (after
// filepath.Clean) outside baseDir via a ".." escape. When baseDir is empty
// only the null-byte and leading-".." checks apply; cmd/localagent always
// supplies the run's workDir here, mirroring the same escape the
// agentloop.resolveUnderRoot/policy.DenyKindInvalidPath pairing guards on
// the ToolGate side — this is the execution-side half of that same
// workdir-confinement guarantee.
func ValidatePath(baseDir string) Validator {
	base := strings.TrimSpace(baseDir)
	if base != "" {
		if abs, err := filepath.Abs(base); err == nil {
			base = abs
		}
	}
	return func(value any) error {
		raw, ok := value.(string)
		if !ok {
			return fmt.Errorf("path must be a string")
		}
		pathValue := strings.TrimSpace(raw)
		if pathValue == "" {
			return fmt.Errorf("path required")
		}
		if strings.Contains(pathValue, "\x00") {
			return fmt.Errorf("path contains null byte")
		}
		clean := filepath.Clean(pathValue)
		if base == "" {
			if strings.HasPrefix(clean, "..") {
				return fmt.Errorf("path escapes workdir root")
			}
			return nil
		}
		abs := clean
		if !filepath.IsAbs(clean) {
			abs = filepath.Join(base, clean)
		}
		abs, err := filepath.Abs(abs)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("path %q escapes workdir root %q", pathValue, base)
		}
		return nil
	}
}

func validationRuleApplies(ruleTool, toolName string) bool {
	ruleTool = strings.TrimSpace(ruleTool)
	if ruleTool == "" || ruleTool == "*" {
		return true
	}
	return strings.EqualFold(ruleTool, toolName)
}
