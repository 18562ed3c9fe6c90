// Package config loads LocalAgent's on-disk configuration and resolves the
// state directory layout (policy.yaml, approvals.json, audit.jsonl, runs/,
// sessions/, learn/) that the rest of the core reads and writes.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultStateDirName is the directory created under the workdir when
	// no override is given.
	DefaultStateDirName = ".localagent"

	DefaultMaxTurns            = 50
	DefaultMaxToolCalls        = 100
	DefaultWallClockDeadline   = 30 * time.Minute
	DefaultPerToolTimeoutMS    = 120_000
	DefaultPerNodeRetries      = 0
	DefaultSchemaRepairRetries = 1
	DefaultContextBudgetTokens = 32_000

	DefaultTrustMode        = TrustModeOn
	DefaultApprovalMode     = "interrupt"
	DefaultAutoApproveScope = "run"
	DefaultMCPPinEnforce    = "warn"
)

// TrustMode controls whether the gate consults approvals at all.
type TrustMode string

const (
	TrustModeOff  TrustMode = "off"
	TrustModeAuto TrustMode = "auto"
	TrustModeOn   TrustMode = "on"
)

// Budgets is the immutable, run-scoped bound bundle enforced by the loop
// (spec's integer bundle, not advisory: the loop authority owns these, the
// model never negotiates them).
type Budgets struct {
	MaxTurns            int           `yaml:"max_turns"`
	MaxToolCalls        int           `yaml:"max_tool_calls"`
	WallClockDeadline   time.Duration `yaml:"wall_clock_deadline"`
	PerToolTimeoutMS    int           `yaml:"per_tool_timeout_ms"`
	PerNodeRetries      int           `yaml:"per_node_retries"`
	SchemaRepairRetries int           `yaml:"schema_repair_retries"`
	// ContextBudgetTokens bounds the size of the message history sent to the
	// provider on each PLAN call; 0 disables trimming entirely and sends the
	// full conversation.
	ContextBudgetTokens int `yaml:"context_budget_tokens"`
}

// DefaultBudgets returns the bundle applied when no config or flag overrides it.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxTurns:            DefaultMaxTurns,
		MaxToolCalls:        DefaultMaxToolCalls,
		WallClockDeadline:   DefaultWallClockDeadline,
		PerToolTimeoutMS:    DefaultPerToolTimeoutMS,
		PerNodeRetries:      DefaultPerNodeRetries,
		SchemaRepairRetries: DefaultSchemaRepairRetries,
		ContextBudgetTokens: DefaultContextBudgetTokens,
	}
}

// MCPServerConfig describes a single MCP server the registry should connect
// to at startup.
type MCPServerConfig struct {
	Name     string            `yaml:"name"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Timeout  time.Duration     `yaml:"timeout"`
	Disabled bool              `yaml:"disabled"`
}

// MCPConfig controls the MCP sub-registry, including catalog-pin drift
// handling.
type MCPConfig struct {
	Enabled bool              `yaml:"enabled"`
	Servers []MCPServerConfig `yaml:"servers"`

	// PinnedCatalogHash is the expected hash of the merged (name, schema)
	// tool set. Empty disables the drift check; no hash is recorded.
	PinnedCatalogHash string `yaml:"pinned_catalog_hash"`
	// PinEnforcement is hard | warn | off.
	PinEnforcement string `yaml:"pin_enforcement"`
}

// ApprovalConfig governs the gate's approval-mode dispatch (pkg/gate) and
// the trust mode the driver applies before constructing the gate.
type ApprovalConfig struct {
	TrustMode        TrustMode `yaml:"trust_mode"`
	Mode             string    `yaml:"mode"`               // interrupt | fail | auto
	AutoApproveScope string    `yaml:"auto_approve_scope"` // run | session
}

// GateConfig carries the driver-level fail-closed overrides that gate which
// executors are exposed regardless of policy (spec §6): enabling these
// never loosens a policy decision, only tightens or exposes capability.
type GateConfig struct {
	EnableWriteTools bool `yaml:"enable_write_tools"`
	AllowWrite       bool `yaml:"allow_write"`
	AllowShell       bool `yaml:"allow_shell"`
	// Unsafe removes built-in output caps; it never removes gate decisions.
	Unsafe bool `yaml:"unsafe"`
}

// ProviderConfig names the local model endpoint LocalAgent drives.
type ProviderConfig struct {
	Kind    string `yaml:"kind"` // lmstudio | llamacpp | ollama
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// Config is the complete LocalAgent configuration.
type Config struct {
	WorkDir  string `yaml:"-"`
	StateDir string `yaml:"state_dir"`

	Provider ProviderConfig `yaml:"provider"`
	Budgets  Budgets        `yaml:"budgets"`
	Approval ApprovalConfig `yaml:"approval"`
	Gate     GateConfig     `yaml:"gate"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// DefaultConfig returns sensible defaults rooted at workDir.
func DefaultConfig(workDir string) *Config {
	return &Config{
		WorkDir:  workDir,
		StateDir: DefaultStateDirName,
		Provider: ProviderConfig{
			Kind:    "lmstudio",
			BaseURL: "http://127.0.0.1:1234/v1",
		},
		Budgets: DefaultBudgets(),
		Approval: ApprovalConfig{
			TrustMode:        DefaultTrustMode,
			Mode:             DefaultApprovalMode,
			AutoApproveScope: DefaultAutoApproveScope,
		},
		Gate: GateConfig{},
		MCP: MCPConfig{
			Enabled:        false,
			PinEnforcement: DefaultMCPPinEnforce,
		},
	}
}

// StatePaths is the resolved, absolute state directory layout (spec §6).
type StatePaths struct {
	Root          string
	PolicyFile    string
	ApprovalsFile string
	AuditFile     string
	RunsDir       string
	SessionsDir   string
	LearnDir      string
}

// Paths resolves the state directory layout relative to c.WorkDir/c.StateDir.
func (c *Config) Paths() StatePaths {
	root := c.StateDir
	if !filepath.IsAbs(root) {
		root = filepath.Join(c.WorkDir, root)
	}
	return StatePaths{
		Root:          root,
		PolicyFile:    filepath.Join(root, "policy.yaml"),
		ApprovalsFile: filepath.Join(root, "approvals.json"),
		AuditFile:     filepath.Join(root, "audit.jsonl"),
		RunsDir:       filepath.Join(root, "runs"),
		SessionsDir:   filepath.Join(root, "sessions"),
		LearnDir:      filepath.Join(root, "learn"),
	}
}

// EnsureDirs creates the directories in the state layout that LocalAgent
// itself owns (runs/, sessions/); it never creates learn/, which is
// populated by an external workflow.
func (p StatePaths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.RunsDir, p.SessionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// Load reads configuration from path (typically <statedir>/config.yaml),
// falling back to defaults for any field the file omits, then applies
// environment overrides and validates the result.
func Load(workDir, path string) (*Config, error) {
	cfg := DefaultConfig(workDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.WorkDir = workDir

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides mirrors the driver's semantic CLI flags (spec §6) as
// environment variables, for callers that prefer env-based configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOCALAGENT_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LOCALAGENT_TRUST_MODE"); v != "" {
		cfg.Approval.TrustMode = TrustMode(v)
	}
	if v := os.Getenv("LOCALAGENT_APPROVAL_MODE"); v != "" {
		cfg.Approval.Mode = v
	}
	if v := os.Getenv("LOCALAGENT_AUTO_APPROVE_SCOPE"); v != "" {
		cfg.Approval.AutoApproveScope = v
	}
	if v, ok := envBool("LOCALAGENT_ENABLE_WRITE_TOOLS"); ok {
		cfg.Gate.EnableWriteTools = v
	}
	if v, ok := envBool("LOCALAGENT_ALLOW_WRITE"); ok {
		cfg.Gate.AllowWrite = v
	}
	if v, ok := envBool("LOCALAGENT_ALLOW_SHELL"); ok {
		cfg.Gate.AllowShell = v
	}
	if v, ok := envBool("LOCALAGENT_UNSAFE"); ok {
		cfg.Gate.Unsafe = v
	}
	if v := os.Getenv("LOCALAGENT_MCP_PIN_ENFORCEMENT"); v != "" {
		cfg.MCP.PinEnforcement = v
	}
	if v := os.Getenv("LOCALAGENT_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("LOCALAGENT_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("LOCALAGENT_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Budgets.MaxTurns = n
		}
	}
	if v := os.Getenv("LOCALAGENT_MAX_TOOL_CALLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Budgets.MaxToolCalls = n
		}
	}
	if v := os.Getenv("LOCALAGENT_WALL_CLOCK_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Budgets.WallClockDeadline = d
		}
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks enum fields and budget invariants.
func (c *Config) Validate() error {
	switch c.Approval.TrustMode {
	case TrustModeOff, TrustModeAuto, TrustModeOn:
	default:
		return fmt.Errorf("config: invalid trust_mode %q", c.Approval.TrustMode)
	}
	switch c.Approval.Mode {
	case "interrupt", "fail", "auto":
	default:
		return fmt.Errorf("config: invalid approval.mode %q", c.Approval.Mode)
	}
	switch c.Approval.AutoApproveScope {
	case "run", "session":
	default:
		return fmt.Errorf("config: invalid auto_approve_scope %q", c.Approval.AutoApproveScope)
	}
	switch c.MCP.PinEnforcement {
	case "hard", "warn", "off":
	default:
		return fmt.Errorf("config: invalid mcp.pin_enforcement %q", c.MCP.PinEnforcement)
	}
	if c.Budgets.MaxTurns <= 0 {
		return fmt.Errorf("config: budgets.max_turns must be positive")
	}
	if c.Budgets.MaxToolCalls <= 0 {
		return fmt.Errorf("config: budgets.max_tool_calls must be positive")
	}
	if c.Budgets.WallClockDeadline <= 0 {
		return fmt.Errorf("config: budgets.wall_clock_deadline must be positive")
	}
	if c.Budgets.SchemaRepairRetries < 0 {
		return fmt.Errorf("config: budgets.schema_repair_retries must be non-negative")
	}
	return nil
}

// Fingerprint returns a stable string identifying this configuration for
// inclusion in a RunRecord's config_fingerprint field. It intentionally
// excludes WorkDir, which varies by invocation location, not by policy.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(struct {
		Provider ProviderConfig `yaml:"provider"`
		Budgets  Budgets        `yaml:"budgets"`
		Approval ApprovalConfig `yaml:"approval"`
		Gate     GateConfig     `yaml:"gate"`
		MCP      MCPConfig      `yaml:"mcp"`
	}{c.Provider, c.Budgets, c.Approval, c.Gate, c.MCP})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
